package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"railwatch/internal/config"
	"railwatch/internal/dto"
	"railwatch/internal/logger"
	"railwatch/internal/metrics"
	"railwatch/internal/model"
	"railwatch/internal/service/websocket"
)

const timestampLayout = "20060102_150405.000"

// FaultCreator persists one fault per detection.
type FaultCreator interface {
	Create(ctx context.Context, nf model.NewFault) (*model.FaultRecord, error)
}

// Enqueuer hands new faults to the notifier.
type Enqueuer interface {
	Enqueue(id int64) bool
}

type Publisher interface {
	Publish(eventType string, data interface{})
}

// BufferService buffers annotated frames in memory and periodically flushes
// them to the media directory, creating a fault record per detection.
type BufferService struct {
	mediaDir  string
	limit     int
	interval  time.Duration
	images    []dto.BufferedImage
	mu        sync.Mutex
	faults    FaultCreator
	notifier  Enqueuer
	publisher Publisher
	metrics   *metrics.Metrics
	logger    *logger.Logger
}

// NewBufferService creates a BufferService. notifier, publisher and m may be nil.
func NewBufferService(config *config.Config, faults FaultCreator, notifier Enqueuer, publisher Publisher,
	m *metrics.Metrics, logger *logger.Logger) *BufferService {
	limit := config.ImageBufferLimit
	if limit < 1 {
		limit = 1
	}
	interval := time.Duration(config.ImageBufferFlushInterval) * time.Second
	if interval <= 0 {
		interval = time.Second
	}
	return &BufferService{
		mediaDir:  config.MediaDirectory,
		limit:     limit,
		interval:  interval,
		images:    make([]dto.BufferedImage, 0, limit),
		faults:    faults,
		notifier:  notifier,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
	}
}

// Run flushes on every tick until ctx is done, then flushes once more.
func (s *BufferService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.FlushImages(context.Background())
			return
		case <-ticker.C:
			s.FlushImages(ctx)
		}
	}
}

// AddImage queues an annotated frame. It returns false when the buffer is full
// or there is nothing to record.
func (s *BufferService) AddImage(imageData []byte, width, height int, detections []dto.DetectionResult) bool {
	if len(detections) == 0 || len(imageData) == 0 {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.images) >= s.limit {
		s.logger.Warning("Image buffer full (%d), dropping frame", s.limit)
		return false
	}
	s.images = append(s.images, dto.BufferedImage{
		Timestamp:  time.Now(),
		Width:      width,
		Height:     height,
		Detections: detections,
		Data:       imageData,
	})
	s.logger.Info("Buffer size: %d/%d", len(s.images), s.limit)
	return true
}

// Pending returns how many frames are waiting for the next flush.
func (s *BufferService) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.images)
}

// FlushImages writes buffered frames to disk and records their faults.
// It returns how many faults were created.
func (s *BufferService) FlushImages(ctx context.Context) int {
	s.mu.Lock()
	batch := s.images
	s.images = make([]dto.BufferedImage, 0, s.limit)
	s.mu.Unlock()

	if len(batch) == 0 {
		return 0
	}

	if err := os.MkdirAll(s.mediaDir, 0755); err != nil {
		s.logger.Error("Error creating directory: %v", err)
		return 0
	}

	created := 0
	for _, img := range batch {
		filename, err := s.writeImage(img)
		if err != nil {
			s.logger.Error("Error saving image: %v", err)
			continue
		}

		for _, det := range img.Detections {
			classIndex := det.ClassIndex
			box := det.Normalized(img.Width, img.Height)
			fault, err := s.faults.Create(ctx, model.NewFault{
				Image:      filename,
				FaultName:  det.Label,
				ClassIndex: &classIndex,
				Confidence: det.Confidence,
				Box:        &box,
			})
			if err != nil {
				s.logger.Error("Error saving fault for %s: %v", filename, err)
				continue
			}

			created++
			s.metrics.RecordFaultDetected()
			if s.notifier != nil {
				s.notifier.Enqueue(fault.ID)
			}
			if s.publisher != nil {
				s.publisher.Publish(websocket.EventFaultCreated, fault)
			}
		}
	}

	s.logger.Info("Flushed %d images to disk, %d faults recorded", len(batch), created)
	return created
}

// writeImage stores the frame as <label>_<timestamp>.jpg, never overwriting.
func (s *BufferService) writeImage(img dto.BufferedImage) (string, error) {
	label := sanitizeLabel(primaryLabel(img.Detections))
	base := fmt.Sprintf("%s_%s", label, img.Timestamp.Format(timestampLayout))

	for i := 0; i < 100; i++ {
		filename := base + ".jpg"
		if i > 0 {
			filename = fmt.Sprintf("%s-%d.jpg", base, i)
		}
		f, err := os.OpenFile(filepath.Join(s.mediaDir, filename), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if os.IsExist(err) {
			continue
		}
		if err != nil {
			return "", err
		}
		if _, err := f.Write(img.Data); err != nil {
			f.Close()
			os.Remove(f.Name())
			return "", err
		}
		if err := f.Close(); err != nil {
			os.Remove(f.Name())
			return "", err
		}
		return filename, nil
	}
	return "", fmt.Errorf("no free file name for %s", base)
}

func primaryLabel(detections []dto.DetectionResult) string {
	best := detections[0]
	for _, d := range detections[1:] {
		if d.Confidence > best.Confidence {
			best = d
		}
	}
	return best.Label
}

func sanitizeLabel(label string) string {
	label = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		}
		return '-'
	}, strings.TrimSpace(label))
	if label == "" {
		return "fault"
	}
	return label
}
