package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"railwatch/internal/logger"
	"railwatch/internal/metrics"
	"railwatch/internal/model"
	"railwatch/internal/service/websocket"
)

// State is the retrain trigger state.
type State string

const (
	Idle     State = "idle"
	Training State = "training"
)

// Model is a loaded detector that can be swapped out.
type Model interface {
	Close() error
}

// Loader turns a weights file into a ready model.
type Loader interface {
	Load(path string) (Model, error)
}

// RunSpec describes one training run.
type RunSpec struct {
	ID       string
	DataYAML string
	Dir      string // working directory owned by this run
}

// Runner executes training and returns the path of the exported weights.
type Runner interface {
	Run(ctx context.Context, spec RunSpec) (string, error)
}

// LabelCounter reports how many label files the dataset holds.
type LabelCounter interface {
	CountLabels() (int, error)
	DescriptorPath() string
}

// Journal records training runs in the task audit trail.
type Journal interface {
	AppendTask(ctx context.Context, t *model.TaskStatus) error
}

// Publisher pushes state changes to live dashboards.
type Publisher interface {
	Publish(eventType string, data interface{})
}

type Options struct {
	LabelThreshold int    // minimum label files before a run starts
	ModelPath      string // weights served by the detector
	RunsDir        string
}

// Status is a snapshot for the API.
type Status struct {
	State     State     `json:"state"`
	Model     string    `json:"model"`
	LastRun   string    `json:"last_run,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Trigger owns the served model and starts at most one retraining run at a
// time. The model pointer and the state are guarded by mu; readers hold the
// read lock for the whole inference so a swap never tears.
type Trigger struct {
	mu      sync.RWMutex
	state   State
	model   Model
	version string
	lastRun string
	lastErr string
	updated time.Time

	labels    LabelCounter
	runner    Runner
	loader    Loader
	journal   Journal
	publisher Publisher
	metrics   *metrics.Metrics
	logger    *logger.Logger
	opts      Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewTrigger(labels LabelCounter, runner Runner, loader Loader, journal Journal, publisher Publisher,
	m *metrics.Metrics, logger *logger.Logger, opts Options) *Trigger {
	if opts.LabelThreshold < 1 {
		opts.LabelThreshold = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Trigger{
		state:     Idle,
		labels:    labels,
		runner:    runner,
		loader:    loader,
		journal:   journal,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
		updated:   time.Now(),
	}
}

// LoadInitial loads the weights at ModelPath if present.
func (t *Trigger) LoadInitial() error {
	if _, err := os.Stat(t.opts.ModelPath); err != nil {
		if os.IsNotExist(err) {
			t.logger.Warning("No model at %s; detection is disabled until the first training run", t.opts.ModelPath)
			return nil
		}
		return fmt.Errorf("failed to stat model: %w", err)
	}

	m, err := t.loader.Load(t.opts.ModelPath)
	if err != nil {
		return fmt.Errorf("failed to load model %s: %w", t.opts.ModelPath, err)
	}

	t.mu.Lock()
	old := t.model
	t.model = m
	t.version = filepath.Base(t.opts.ModelPath)
	t.mu.Unlock()

	if old != nil {
		old.Close()
	}
	t.logger.Info("Model loaded from %s", t.opts.ModelPath)
	return nil
}

// Notify is called after labels change. It starts a run when enough labels
// exist and no run is in flight, and reports whether it did. A caller whose
// ctx is already done does not start a run.
func (t *Trigger) Notify(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	count, err := t.labels.CountLabels()
	if err != nil {
		t.logger.Error("Failed to count labels: %v", err)
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if count < t.opts.LabelThreshold {
		t.logger.Info("Retraining skipped: %d labels, need %d", count, t.opts.LabelThreshold)
		return false
	}
	if t.state != Idle {
		t.logger.Info("Retraining already in progress")
		return false
	}
	return t.startLocked()
}

// Start begins a run on request. It returns false when a run is already in flight.
func (t *Trigger) Start(ctx context.Context) (bool, error) {
	if err := t.ctx.Err(); err != nil {
		return false, fmt.Errorf("trigger is shut down: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	count, err := t.labels.CountLabels()
	if err != nil {
		return false, err
	}
	if count == 0 {
		return false, fmt.Errorf("%w: the dataset has no labels", model.ErrInvalidInput)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != Idle {
		return false, nil
	}
	return t.startLocked(), nil
}

// startLocked launches the run goroutine. Callers hold the write lock.
func (t *Trigger) startLocked() bool {
	if t.ctx.Err() != nil {
		return false
	}

	runID := time.Now().Format("20060102_150405") + "-" + uuid.NewString()[:8]
	t.state = Training
	t.lastRun = runID
	t.lastErr = ""
	t.updated = time.Now()
	t.metrics.SetTrainingActive(true)

	t.wg.Add(1)
	go t.run(runID, t.statusLocked())

	t.logger.Info("Retraining run %s started", runID)
	return true
}

func (t *Trigger) run(runID string, started Status) {
	defer t.wg.Done()

	t.journalTask(t.ctx, "train-"+runID, "STARTED", "")
	t.publish(started)

	outcome := "success"
	err := t.train(runID)
	if err != nil {
		outcome = "failure"
		if errors.Is(err, context.Canceled) {
			outcome = "cancelled"
		}
		t.logger.Error("Retraining run %s failed, keeping the current model: %v", runID, err)
	} else {
		t.logger.Info("Retraining run %s finished, model swapped", runID)
	}

	t.mu.Lock()
	t.state = Idle
	t.updated = time.Now()
	if err != nil {
		t.lastErr = err.Error()
	}
	finished := t.statusLocked()
	t.mu.Unlock()

	t.metrics.SetTrainingActive(false)
	t.metrics.RecordTrainingRun(outcome)

	status, result := "SUCCESS", "model swapped"
	if err != nil {
		status, result = "FAILURE", err.Error()
	}
	t.journalTask(context.Background(), "train-"+runID+"-done", status, result)
	t.publish(finished)
}

// train runs the trainer and swaps the served model on success.
func (t *Trigger) train(runID string) error {
	spec := RunSpec{
		ID:       runID,
		DataYAML: t.labels.DescriptorPath(),
		Dir:      filepath.Join(t.opts.RunsDir, runID),
	}

	weights, err := t.runner.Run(t.ctx, spec)
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrTraining, err)
	}
	if err := t.ctx.Err(); err != nil {
		return err
	}

	tmp, err := stageWeights(weights, t.opts.ModelPath)
	if err != nil {
		return fmt.Errorf("%w: stage weights: %w", model.ErrTraining, err)
	}

	m, err := t.loader.Load(tmp)
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: load weights: %w", model.ErrTraining, err)
	}

	t.mu.Lock()
	if err := os.Rename(tmp, t.opts.ModelPath); err != nil {
		t.mu.Unlock()
		m.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: install weights: %w", model.ErrTraining, err)
	}
	old := t.model
	t.model = m
	t.version = runID
	t.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			t.logger.Warning("Failed to close previous model: %v", err)
		}
	}
	return nil
}

// stageWeights copies weights into a temp file next to dst.
func stageWeights(src, dst string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", err
	}
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	out, err := os.CreateTemp(filepath.Dir(dst), ".staged-*"+filepath.Ext(dst))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(out.Name())
		return "", err
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return "", err
	}
	return out.Name(), nil
}

func (t *Trigger) journalTask(ctx context.Context, taskID, status, result string) {
	if t.journal == nil {
		return
	}
	if err := t.journal.AppendTask(ctx, &model.TaskStatus{
		TaskID:    taskID,
		Name:      "retrain_model",
		Status:    status,
		Result:    result,
		Timestamp: time.Now(),
	}); err != nil {
		t.logger.Error("Failed to record training task %s: %v", taskID, err)
	}
}

func (t *Trigger) publish(status Status) {
	if t.publisher == nil {
		return
	}
	t.publisher.Publish(websocket.EventTrainingState, status)
}

// statusLocked builds a snapshot. Callers hold mu.
func (t *Trigger) statusLocked() Status {
	return Status{
		State:     t.state,
		Model:     t.version,
		LastRun:   t.lastRun,
		LastError: t.lastErr,
		UpdatedAt: t.updated,
	}
}

// Status returns a snapshot of the trigger.
func (t *Trigger) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.statusLocked()
}

// State returns the current state.
func (t *Trigger) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// CurrentModel returns the served model, or nil before the first load.
func (t *Trigger) CurrentModel() Model {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.model
}

// WithModel runs fn with the served model while holding the read lock.
func (t *Trigger) WithModel(fn func(Model) error) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.model == nil {
		return fmt.Errorf("%w: no model loaded", model.ErrNotFound)
	}
	return fn(t.model)
}

// Shutdown cancels any run in flight, waits for it, and releases the model.
func (t *Trigger) Shutdown() {
	t.cancel()
	t.wg.Wait()

	t.mu.Lock()
	m := t.model
	t.model = nil
	t.mu.Unlock()

	if m != nil {
		m.Close()
	}
}
