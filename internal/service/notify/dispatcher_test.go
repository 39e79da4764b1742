package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"railwatch/internal/logger"
	"railwatch/internal/metrics"
	"railwatch/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type memStore struct {
	mu       sync.Mutex
	faults   map[int64]*model.FaultRecord
	sent     map[int64]string
	feedback []int64
}

func newMemStore(faults ...model.FaultRecord) *memStore {
	s := &memStore{faults: map[int64]*model.FaultRecord{}, sent: map[int64]string{}}
	for i := range faults {
		f := faults[i]
		s.faults[f.ID] = &f
	}
	return s
}

func (s *memStore) Lookup(_ context.Context, id int64) (*model.FaultRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.faults[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (s *memStore) MarkNeedsFeedback(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[id].Status = model.StatusNeedsFeedback
	s.feedback = append(s.feedback, id)
	return nil
}

func (s *memStore) MarkSent(_ context.Context, id int64, result string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[id].SentToService = true
	s.sent[id] = result
	return nil
}

type fakeNotifier struct {
	name string
	err  error

	mu   sync.Mutex
	msgs []Message
}

func (n *fakeNotifier) Name() string { return n.name }

func (n *fakeNotifier) Send(_ context.Context, msg Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
	return n.err
}

func (n *fakeNotifier) received() []Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Message(nil), n.msgs...)
}

func runDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	go d.Run(context.Background())
	t.Cleanup(d.Stop)
}

func TestDispatcher_DeliversAndMarksSent(t *testing.T) {
	store := newMemStore(model.FaultRecord{ID: 1, Image: "crack_1.jpg", FaultName: "crack", Confidence: 0.87, Status: model.StatusPending})
	email := &fakeNotifier{name: "email"}
	broken := &fakeNotifier{name: "whatsapp", err: errors.New("401 unauthorized")}

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	d := NewDispatcher(store, []Notifier{email, broken}, m, logger.Nop(), Options{
		FeedbackRequired: true,
		SiteURL:          "https://rail.example.com/",
	})
	runDispatcher(t, d)

	require.True(t, d.Enqueue(1))
	d.Stop()

	msgs := email.received()
	require.Len(t, msgs, 1)
	assert.Equal(t, "https://rail.example.com/media/crack_1.jpg", msgs[0].ImageURL)
	assert.Equal(t, model.StatusNeedsFeedback, msgs[0].Fault.Status)
	assert.Contains(t, msgs[0].Body, "Fault: crack")
	assert.Contains(t, msgs[0].Body, "Feedback Required: true")

	assert.Equal(t, []int64{1}, store.feedback)
	assert.Equal(t, "sent via email", store.sent[1])

	assert.Equal(t, 1.0, testutil.ToFloat64(m.NotificationsDelivered.WithLabelValues("email", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NotificationsDelivered.WithLabelValues("whatsapp", "error")))
}

func TestDispatcher_NoDeliveryLeavesUnsent(t *testing.T) {
	store := newMemStore(model.FaultRecord{ID: 7, Status: model.StatusPending})
	broken := &fakeNotifier{name: "mqtt", err: errors.New("not connected")}

	d := NewDispatcher(store, []Notifier{broken}, nil, logger.Nop(), Options{})
	runDispatcher(t, d)

	d.Enqueue(7)
	d.Enqueue(99) // unknown ids are skipped
	d.Stop()

	assert.Empty(t, store.sent)
	assert.Empty(t, store.feedback)
	msgs := broken.received()
	require.Len(t, msgs, 1)
	assert.Empty(t, msgs[0].ImageURL)
	assert.Contains(t, msgs[0].Body, "Unnamed Fault #7")
}

func TestDispatcher_StopDrainsQueue(t *testing.T) {
	var faults []model.FaultRecord
	for i := int64(1); i <= 5; i++ {
		faults = append(faults, model.FaultRecord{ID: i})
	}
	store := newMemStore(faults...)
	n := &fakeNotifier{name: "email"}

	// one message per hour: only draining can deliver everything
	d := NewDispatcher(store, []Notifier{n}, nil, logger.Nop(), Options{Rate: 1.0 / 3600})
	for i := int64(1); i <= 5; i++ {
		require.True(t, d.Enqueue(i))
	}
	runDispatcher(t, d)

	done := make(chan struct{})
	go func() {
		d.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not drain the queue")
	}

	assert.Len(t, n.received(), 5)
	assert.False(t, d.Enqueue(6), "enqueue after stop is rejected")
}

func TestDispatcher_QueueFull(t *testing.T) {
	d := NewDispatcher(newMemStore(), nil, nil, logger.Nop(), Options{QueueSize: 2})
	assert.True(t, d.Enqueue(1))
	assert.True(t, d.Enqueue(2))
	assert.False(t, d.Enqueue(3))
	d.Stop()
}

func TestEventPayload(t *testing.T) {
	ts := time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC)
	payload, err := eventPayload(Message{
		Fault:    model.FaultRecord{ID: 3, FaultName: "crack", Confidence: 0.5, Status: model.StatusPending, Timestamp: ts},
		ImageURL: "http://x/media/a.jpg",
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"id": 3,
		"fault_name": "crack",
		"confidence": 0.5,
		"status": "pending",
		"timestamp": "2024-03-01T08:30:00Z",
		"image_url": "http://x/media/a.jpg",
		"feedback_required": false
	}`, string(payload))
}

func TestNewEmailNotifier_RejectsBadURL(t *testing.T) {
	_, err := NewEmailNotifier(nil, time.Second)
	assert.Error(t, err)

	_, err = NewEmailNotifier([]string{"nosuchservice://token@host"}, time.Second)
	assert.Error(t, err)
}
