package feed

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gocv.io/x/gocv"

	"railwatch/internal/config"
	"railwatch/internal/logger"
	"railwatch/internal/model"
	"railwatch/internal/service/ai"
	"railwatch/internal/service/storage"
	"railwatch/internal/service/training"
)

var videoExtensions = map[string]bool{".mp4": true, ".avi": true, ".mov": true, ".mkv": true}

// ModelProvider lends out the currently served model.
type ModelProvider interface {
	WithModel(fn func(training.Model) error) error
}

type frameTask struct {
	index int
	frame gocv.Mat
}

// Manager runs the detector over a video file, one run at a time.
type Manager struct {
	models   ModelProvider
	buffer   *storage.BufferService
	logger   *logger.Logger
	videoDir string

	processEveryNth int
	numWorkers      int

	mu      sync.Mutex
	running bool
	source  string
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewManager(models ModelProvider, buffer *storage.BufferService, config *config.Config, logger *logger.Logger) *Manager {
	m := &Manager{
		models:          models,
		buffer:          buffer,
		logger:          logger,
		videoDir:        config.VideoDirectory,
		processEveryNth: config.ProcessingInterval,
		numWorkers:      config.ProcessingWorkers,
	}
	if m.processEveryNth < 1 {
		m.processEveryNth = 1
	}
	if m.numWorkers < 1 {
		m.numWorkers = 1
	}
	return m
}

// VideoDir is where uploaded videos are stored.
func (m *Manager) VideoDir() string {
	return m.videoDir
}

// Running reports whether a run is in flight and which file it reads.
func (m *Manager) Running() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running, m.source
}

// Start begins processing path, or the newest video in the video directory
// when path is empty. It fails with ErrBusy while another run is active.
// The run lives until ctx is done, Stop is called, or the video ends.
func (m *Manager) Start(ctx context.Context, path string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return "", fmt.Errorf("%w: detection already running on %s", model.ErrBusy, filepath.Base(m.source))
	}

	if err := m.models.WithModel(func(training.Model) error { return nil }); err != nil {
		return "", err
	}

	if path == "" {
		newest, err := NewestVideo(m.videoDir)
		if err != nil {
			return "", err
		}
		path = newest
	}

	capture, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: failed to open video %s: %v", model.ErrIO, path, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.running = true
	m.source = path
	m.cancel = cancel

	m.wg.Add(1)
	go m.run(runCtx, cancel, capture)

	m.logger.Info("Detection started on %s - processing every %d frame(s)", filepath.Base(path), m.processEveryNth)
	return path, nil
}

// Stop cancels the current run and waits for its workers.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

func (m *Manager) run(ctx context.Context, cancel context.CancelFunc, capture *gocv.VideoCapture) {
	defer m.wg.Done()
	defer func() {
		cancel()
		capture.Close()
		m.mu.Lock()
		m.running = false
		m.cancel = nil
		m.mu.Unlock()
	}()

	queue := make(chan frameTask, 100)
	var workers sync.WaitGroup
	for i := 0; i < m.numWorkers; i++ {
		workers.Add(1)
		go func(workerID int) {
			defer workers.Done()
			m.processingWorker(workerID, queue)
		}(i)
	}

	frame := gocv.NewMat()
	defer frame.Close()

	index, queued := 0, 0
	for ctx.Err() == nil {
		if ok := capture.Read(&frame); !ok || frame.Empty() {
			break
		}
		index++
		if index%m.processEveryNth != 0 {
			continue
		}

		task := frameTask{index: index, frame: frame.Clone()}
		select {
		case queue <- task:
			queued++
		case <-ctx.Done():
			task.frame.Close()
		}
	}
	close(queue)
	workers.Wait()

	if ctx.Err() != nil {
		m.logger.Warning("Detection cancelled after %d frames", index)
		return
	}
	m.logger.Info("Detection finished: %d frames read, %d processed", index, queued)
}

func (m *Manager) processingWorker(workerID int, queue <-chan frameTask) {
	m.logger.Info("Processing worker %d started", workerID)
	for task := range queue {
		m.processFrame(task)
		task.frame.Close()
	}
	m.logger.Info("Processing worker %d stopped", workerID)
}

func (m *Manager) processFrame(task frameTask) {
	err := m.models.WithModel(func(mdl training.Model) error {
		detector, ok := mdl.(*ai.DetectorService)
		if !ok {
			return fmt.Errorf("served model is %T, not a detector", mdl)
		}

		detections, err := detector.DetectObjects(task.frame)
		if err != nil {
			return err
		}
		if len(detections) == 0 {
			return nil
		}

		annotated, err := detector.DrawRectangle(detections, task.frame)
		if err != nil {
			m.logger.Error("Failed to draw rectangles: %v", err)
			if annotated, err = ai.EncodeJPEG(task.frame); err != nil {
				return err
			}
		}

		m.logger.Info("Frame %d: %d detection(s), top %s", task.index, len(detections), detections[0].Label)
		m.buffer.AddImage(annotated, task.frame.Cols(), task.frame.Rows(), detections)
		return nil
	})
	if err != nil {
		m.logger.Error("Frame %d: detection failed: %v", task.index, err)
	}
}

// NewestVideo returns the most recently modified video file in dir.
func NewestVideo(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: video directory %s does not exist", model.ErrNotFound, dir)
		}
		return "", fmt.Errorf("%w: %v", model.ErrIO, err)
	}

	var newest string
	var newestMod int64
	for _, e := range entries {
		if e.IsDir() || !videoExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if mod := info.ModTime().UnixNano(); newest == "" || mod > newestMod {
			newest, newestMod = e.Name(), mod
		}
	}
	if newest == "" {
		return "", fmt.Errorf("%w: no video found in %s", model.ErrNotFound, dir)
	}
	return filepath.Join(dir, newest), nil
}
