package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"railwatch/internal/config"
	"railwatch/internal/dto"
	"railwatch/internal/logger"
	"railwatch/internal/model"
)

type memFaults struct {
	mu      sync.Mutex
	created []model.NewFault
	failFor string
}

func (m *memFaults) Create(_ context.Context, nf model.NewFault) (*model.FaultRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if nf.FaultName == m.failFor {
		return nil, errors.New("database is locked")
	}
	m.created = append(m.created, nf)
	return &model.FaultRecord{ID: int64(len(m.created)), Image: nf.Image, FaultName: nf.FaultName}, nil
}

type recordingQueue struct {
	ids []int64
}

func (q *recordingQueue) Enqueue(id int64) bool {
	q.ids = append(q.ids, id)
	return true
}

type recordingPublisher struct {
	events []string
}

func (p *recordingPublisher) Publish(eventType string, _ interface{}) {
	p.events = append(p.events, eventType)
}

func newTestBuffer(t *testing.T, limit int) (*BufferService, *memFaults, *recordingQueue, *recordingPublisher) {
	t.Helper()
	cfg := &config.Config{
		MediaDirectory:           filepath.Join(t.TempDir(), "media"),
		ImageBufferLimit:         limit,
		ImageBufferFlushInterval: 1,
	}
	faults := &memFaults{}
	queue := &recordingQueue{}
	pub := &recordingPublisher{}
	return NewBufferService(cfg, faults, queue, pub, nil, logger.Nop()), faults, queue, pub
}

func TestBufferService_FlushCreatesFaultPerDetection(t *testing.T) {
	svc, faults, queue, pub := newTestBuffer(t, 10)

	detections := []dto.DetectionResult{
		{Label: "crack", ClassIndex: 0, Confidence: 0.6, X: 0, Y: 0, Width: 50, Height: 50},
		{Label: "missing bolt", ClassIndex: 1, Confidence: 0.9, X: 50, Y: 25, Width: 50, Height: 50},
	}
	require.True(t, svc.AddImage([]byte("jpeg-bytes"), 100, 100, detections))
	assert.Equal(t, 1, svc.Pending())

	created := svc.FlushImages(context.Background())
	assert.Equal(t, 2, created)
	assert.Equal(t, 0, svc.Pending())

	require.Len(t, faults.created, 2)
	name := faults.created[0].Image
	assert.True(t, strings.HasPrefix(name, "missing-bolt_"), name)
	assert.True(t, strings.HasSuffix(name, ".jpg"), name)
	assert.Equal(t, name, faults.created[1].Image)

	data, err := os.ReadFile(filepath.Join(svc.mediaDir, name))
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", string(data))

	second := faults.created[1]
	require.NotNil(t, second.ClassIndex)
	assert.Equal(t, 1, *second.ClassIndex)
	require.NotNil(t, second.Box)
	assert.InDelta(t, 0.75, second.Box.XCenter, 1e-9)
	assert.InDelta(t, 0.5, second.Box.YCenter, 1e-9)
	assert.InDelta(t, 0.5, second.Box.Width, 1e-9)

	assert.Equal(t, []int64{1, 2}, queue.ids)
	assert.Equal(t, []string{"fault.created", "fault.created"}, pub.events)
}

func TestBufferService_Limit(t *testing.T) {
	svc, _, _, _ := newTestBuffer(t, 2)
	det := []dto.DetectionResult{{Label: "crack", Width: 1, Height: 1}}

	assert.True(t, svc.AddImage([]byte("a"), 10, 10, det))
	assert.True(t, svc.AddImage([]byte("b"), 10, 10, det))
	assert.False(t, svc.AddImage([]byte("c"), 10, 10, det))
	assert.False(t, svc.AddImage([]byte("d"), 10, 10, nil), "frames without detections are ignored")

	assert.Equal(t, 2, svc.FlushImages(context.Background()))
	assert.True(t, svc.AddImage([]byte("e"), 10, 10, det))
}

func TestBufferService_SameTimestampDoesNotOverwrite(t *testing.T) {
	svc, faults, _, _ := newTestBuffer(t, 10)
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	img := dto.BufferedImage{Timestamp: ts, Detections: []dto.DetectionResult{{Label: "crack"}}}

	require.NoError(t, os.MkdirAll(svc.mediaDir, 0755))
	img.Data = []byte("first")
	first, err := svc.writeImage(img)
	require.NoError(t, err)
	img.Data = []byte("second")
	second, err := svc.writeImage(img)
	require.NoError(t, err)

	assert.Equal(t, "crack_20240501_120000.000.jpg", first)
	assert.Equal(t, "crack_20240501_120000.000-1.jpg", second)
	assert.Empty(t, faults.created)
}

func TestBufferService_CreateFailureSkipsDetection(t *testing.T) {
	svc, faults, queue, _ := newTestBuffer(t, 10)
	faults.failFor = "crack"

	svc.AddImage([]byte("x"), 10, 10, []dto.DetectionResult{{Label: "crack"}, {Label: "spalling"}})
	assert.Equal(t, 1, svc.FlushImages(context.Background()))
	assert.Equal(t, []int64{1}, queue.ids)
}

func TestBufferService_RunFlushesOnShutdown(t *testing.T) {
	svc, faults, _, _ := newTestBuffer(t, 10)
	svc.interval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()

	svc.AddImage([]byte("x"), 10, 10, []dto.DetectionResult{{Label: "crack"}})
	cancel()
	<-done
	assert.Len(t, faults.created, 1)
}

func TestSanitizeLabel(t *testing.T) {
	assert.Equal(t, "missing-bolt", sanitizeLabel(" missing bolt "))
	assert.Equal(t, "a-b", sanitizeLabel("a/b"))
	assert.Equal(t, "fault", sanitizeLabel(""))
}
