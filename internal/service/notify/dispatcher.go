package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"railwatch/internal/logger"
	"railwatch/internal/metrics"
	"railwatch/internal/model"
)

const (
	defaultQueueSize = 100
	sendTimeout      = 30 * time.Second
)

// Message is what every notifier receives for one fault.
type Message struct {
	Fault            model.FaultRecord
	Title            string
	Body             string
	ImageURL         string // empty when the fault has no image
	FeedbackRequired bool
}

// Notifier delivers a fault message to one external service.
type Notifier interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// FaultStore is the slice of the review store the dispatcher needs.
type FaultStore interface {
	Lookup(ctx context.Context, id int64) (*model.FaultRecord, error)
	MarkNeedsFeedback(ctx context.Context, id int64) error
	MarkSent(ctx context.Context, id int64, result string) error
}

type Options struct {
	FeedbackRequired bool
	Rate             float64 // messages per second; <= 0 means unlimited
	QueueSize        int
	SiteURL          string
}

// Dispatcher fans new faults out to the configured notifiers from a single
// rate-limited worker.
type Dispatcher struct {
	store     FaultStore
	notifiers []Notifier
	limiter   *rate.Limiter
	opts      Options
	metrics   *metrics.Metrics
	logger    *logger.Logger

	mu       sync.RWMutex
	queue    chan int64
	closed   bool
	draining atomic.Bool
	done     chan struct{}
	started  atomic.Bool

	stopCtx    context.Context
	stopCancel context.CancelFunc
}

func NewDispatcher(store FaultStore, notifiers []Notifier, m *metrics.Metrics, logger *logger.Logger, opts Options) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	limit := rate.Inf
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
	}
	stopCtx, stopCancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:      store,
		notifiers:  notifiers,
		limiter:    rate.NewLimiter(limit, 1),
		opts:       opts,
		metrics:    m,
		logger:     logger,
		queue:      make(chan int64, opts.QueueSize),
		done:       make(chan struct{}),
		stopCtx:    stopCtx,
		stopCancel: stopCancel,
	}
}

// Notifiers returns the configured notifier names.
func (d *Dispatcher) Notifiers() []string {
	names := make([]string, 0, len(d.notifiers))
	for _, n := range d.notifiers {
		names = append(names, n.Name())
	}
	return names
}

// Enqueue schedules a notification for fault id. It never blocks and returns
// false when the queue is full or the dispatcher is stopped.
func (d *Dispatcher) Enqueue(id int64) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return false
	}
	select {
	case d.queue <- id:
		return true
	default:
		d.logger.Warning("Notification queue full, dropping fault %d", id)
		return false
	}
}

// Run consumes the queue until Stop is called. It is meant to run in its own goroutine.
func (d *Dispatcher) Run(ctx context.Context) {
	if !d.started.CompareAndSwap(false, true) {
		return
	}
	defer close(d.done)

	// pacing stops when either ctx or Stop ends it
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	release := context.AfterFunc(d.stopCtx, cancel)
	defer release()

	for id := range d.queue {
		if !d.draining.Load() {
			if err := d.limiter.Wait(waitCtx); err != nil {
				// stopping; deliver the rest without pacing
				d.draining.Store(true)
			}
		}
		d.process(id)
	}
	d.logger.Info("Notification dispatcher stopped")
}

// Stop closes the queue and waits until everything queued so far is delivered.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		d.draining.Store(true)
		close(d.queue)
	}
	d.mu.Unlock()
	d.stopCancel()

	if d.started.Load() {
		<-d.done
	}
}

func (d *Dispatcher) process(id int64) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	fault, err := d.store.Lookup(ctx, id)
	if err != nil {
		d.logger.Error("Notification skipped for fault %d: %v", id, err)
		return
	}

	if d.opts.FeedbackRequired {
		if err := d.store.MarkNeedsFeedback(ctx, id); err != nil {
			d.logger.Error("Failed to flag fault %d for feedback: %v", id, err)
		} else {
			fault.Status = model.StatusNeedsFeedback
		}
	}

	msg := d.buildMessage(fault)

	var delivered []string
	for _, n := range d.notifiers {
		if err := n.Send(ctx, msg); err != nil {
			d.metrics.RecordNotification(n.Name(), "error")
			d.logger.Error("%s notification for fault %d failed: %v", n.Name(), id, err)
			continue
		}
		d.metrics.RecordNotification(n.Name(), "success")
		delivered = append(delivered, n.Name())
	}

	if len(delivered) == 0 {
		return
	}
	if err := d.store.MarkSent(ctx, id, "sent via "+strings.Join(delivered, ", ")); err != nil {
		d.logger.Error("Failed to mark fault %d as sent: %v", id, err)
		return
	}
	d.logger.Info("Fault %d notified via %s", id, strings.Join(delivered, ", "))
}

func (d *Dispatcher) buildMessage(f *model.FaultRecord) Message {
	name := f.FaultName
	if name == "" {
		name = fmt.Sprintf("Unnamed Fault #%d", f.ID)
	}

	msg := Message{
		Fault:            *f,
		Title:            "New Railway Fault Detected",
		FeedbackRequired: d.opts.FeedbackRequired,
		Body: fmt.Sprintf("A new fault has been detected!\n\nFault: %s\nFault ID: %d\nConfidence: %.2f\nStatus: %s\nFeedback Required: %t",
			name, f.ID, f.Confidence, f.Status, d.opts.FeedbackRequired),
	}
	if f.Image != "" && d.opts.SiteURL != "" {
		msg.ImageURL = strings.TrimRight(d.opts.SiteURL, "/") + "/media/" + f.Image
	}
	return msg
}
