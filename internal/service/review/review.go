package review

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"railwatch/internal/logger"
	"railwatch/internal/model"
	"railwatch/internal/repository"
)

// DefaultAssignee is used when an assignment names nobody.
const DefaultAssignee = "Engineer"

// Service is the fault review store. It keeps the database consistent with
// the media directory: a record whose image is gone is purged on sight.
type Service struct {
	faults   repository.FaultRepository
	tasks    repository.TaskRepository
	mediaDir string
	logger   *logger.Logger
}

func NewService(faults repository.FaultRepository, tasks repository.TaskRepository, mediaDir string, logger *logger.Logger) *Service {
	return &Service{
		faults:   faults,
		tasks:    tasks,
		mediaDir: mediaDir,
		logger:   logger,
	}
}

// MediaDir is where fault images live.
func (s *Service) MediaDir() string {
	return s.mediaDir
}

// ImagePath returns the on-disk path of a record's image.
func (s *Service) ImagePath(f *model.FaultRecord) string {
	return filepath.Join(s.mediaDir, f.Image)
}

func (s *Service) imageExists(f *model.FaultRecord) bool {
	if f.Image == "" {
		return false
	}
	_, err := os.Stat(s.ImagePath(f))
	return err == nil
}

// purge drops a record whose image is unset or missing.
func (s *Service) purge(ctx context.Context, f *model.FaultRecord) {
	if err := s.faults.Delete(ctx, f.ID); err != nil {
		s.logger.Error("Failed to purge fault %d without image: %v", f.ID, err)
		return
	}
	s.logger.Warning("Purged fault %d: image %q is missing", f.ID, f.Image)
}

// keepExisting filters out, and purges, records without an image on disk.
func (s *Service) keepExisting(ctx context.Context, faults []model.FaultRecord) ([]model.FaultRecord, int) {
	kept := faults[:0]
	purged := 0
	for i := range faults {
		if s.imageExists(&faults[i]) {
			kept = append(kept, faults[i])
			continue
		}
		s.purge(ctx, &faults[i])
		purged++
	}
	return kept, purged
}

// Create stores a freshly detected fault as pending and opens its task entry.
func (s *Service) Create(ctx context.Context, nf model.NewFault) (*model.FaultRecord, error) {
	f := &model.FaultRecord{
		Image:      nf.Image,
		FaultName:  nf.FaultName,
		ClassIndex: nf.ClassIndex,
		Confidence: nf.Confidence,
		Box:        nf.Box,
		Timestamp:  time.Now(),
		Status:     model.StatusPending,
	}

	id, err := s.faults.Insert(ctx, f)
	if err != nil {
		return nil, err
	}
	f.ID = id

	name := f.FaultName
	if name == "" {
		name = fmt.Sprintf("Unnamed Fault #%d", id)
	}
	if _, err := s.tasks.Insert(ctx, &model.TaskStatus{
		FaultID:   &id,
		TaskID:    fmt.Sprintf("task-%d", id),
		Name:      name,
		Status:    string(f.Status),
		Timestamp: f.Timestamp,
	}); err != nil {
		s.logger.Error("Failed to record task for fault %d: %v", id, err)
	}

	return f, nil
}

// ListPending returns one page of unconfirmed faults newest first and the
// number of unconfirmed faults. page starts at 1.
func (s *Service) ListPending(ctx context.Context, page, limit int) ([]model.FaultRecord, int, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}

	filter := model.FaultFilter{OnlyPending: true, Limit: limit, Offset: (page - 1) * limit}
	faults, err := s.faults.GetAll(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.faults.GetTotalCount(ctx, model.FaultFilter{OnlyPending: true})
	if err != nil {
		return nil, 0, err
	}

	faults, purged := s.keepExisting(ctx, faults)
	return faults, total - purged, nil
}

// ScanPending returns every unconfirmed fault with an image on disk, ordered by id.
func (s *Service) ScanPending(ctx context.Context) ([]model.FaultRecord, error) {
	faults, err := s.faults.GetUnconfirmed(ctx)
	if err != nil {
		return nil, err
	}
	faults, _ = s.keepExisting(ctx, faults)
	return faults, nil
}

// ListAll returns every fault newest first.
func (s *Service) ListAll(ctx context.Context) ([]model.FaultRecord, error) {
	return s.faults.GetAll(ctx, model.FaultFilter{})
}

// Get returns a reviewable fault. Absent rows and rows whose image is gone
// yield ErrNotFound; the latter are purged.
func (s *Service) Get(ctx context.Context, id int64) (*model.FaultRecord, error) {
	f, err := s.faults.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, fmt.Errorf("%w: fault %d", model.ErrNotFound, id)
	}
	if !s.imageExists(f) {
		s.purge(ctx, f)
		return nil, fmt.Errorf("%w: image for fault %d", model.ErrNotFound, id)
	}
	return f, nil
}

// DeleteBatch removes all ids atomically.
func (s *Service) DeleteBatch(ctx context.Context, ids []int64) error {
	return s.faults.DeleteBatch(ctx, ids)
}

func (s *Service) lookup(ctx context.Context, id int64) (*model.FaultRecord, error) {
	f, err := s.faults.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, fmt.Errorf("%w: fault %d", model.ErrNotFound, id)
	}
	return f, nil
}

// Assign hands a fault to an engineer.
func (s *Service) Assign(ctx context.Context, id int64, assignee string) (*model.FaultRecord, error) {
	assignee = strings.TrimSpace(assignee)
	if assignee == "" {
		assignee = DefaultAssignee
	}

	f, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.faults.Assign(ctx, id, assignee); err != nil {
		return nil, err
	}
	f.Status = model.StatusAssigned
	f.AssignedTo = assignee

	s.appendTask(ctx, f, "assigned", "Assigned to "+assignee)
	return f, nil
}

// Feedback records the engineer's note and resolves the fault.
func (s *Service) Feedback(ctx context.Context, id int64, message string) (*model.FaultRecord, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, fmt.Errorf("%w: feedback is required", model.ErrInvalidInput)
	}

	f, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.faults.UpdateStatus(ctx, id, model.StatusResolved); err != nil {
		return nil, err
	}
	f.Status = model.StatusResolved

	s.appendTask(ctx, f, "feedback", message)
	return f, nil
}

// MarkNeedsFeedback flags a fault for operator follow-up.
func (s *Service) MarkNeedsFeedback(ctx context.Context, id int64) error {
	return s.faults.UpdateStatus(ctx, id, model.StatusNeedsFeedback)
}

// MarkSent records that a notification reached at least one service.
func (s *Service) MarkSent(ctx context.Context, id int64, result string) error {
	if err := s.faults.MarkSent(ctx, id); err != nil {
		return err
	}
	if f, err := s.faults.GetByID(ctx, id); err == nil && f != nil {
		s.appendTask(ctx, f, "notified", result)
	}
	return nil
}

// Lookup returns a fault regardless of its image, or ErrNotFound.
func (s *Service) Lookup(ctx context.Context, id int64) (*model.FaultRecord, error) {
	return s.lookup(ctx, id)
}

// Stats returns counts per status.
func (s *Service) Stats(ctx context.Context) (*model.FaultStats, error) {
	return s.faults.GetStats(ctx)
}

// ListTasks returns a page of task entries newest first and the total count.
func (s *Service) ListTasks(ctx context.Context, page, limit int) ([]model.TaskStatus, int, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 10
	}
	tasks, err := s.tasks.GetAll(ctx, limit, (page-1)*limit)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.tasks.GetTotalCount(ctx)
	if err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

// AppendTask stores an audit entry that is not tied to a fault lifecycle event.
func (s *Service) AppendTask(ctx context.Context, t *model.TaskStatus) error {
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}
	_, err := s.tasks.Insert(ctx, t)
	return err
}

func (s *Service) appendTask(ctx context.Context, f *model.FaultRecord, event, result string) {
	id := f.ID
	name := f.FaultName
	if name == "" {
		name = fmt.Sprintf("Unnamed Fault #%d", id)
	}
	if _, err := s.tasks.Insert(ctx, &model.TaskStatus{
		FaultID:   &id,
		TaskID:    fmt.Sprintf("task-%d-%s-%s", id, event, uuid.NewString()[:8]),
		Name:      name,
		Status:    string(f.Status),
		Result:    result,
		Timestamp: time.Now(),
	}); err != nil {
		s.logger.Error("Failed to record %s task for fault %d: %v", event, id, err)
	}
}

// DisplayName derives the dashboard label of an image: the first known class
// contained in the file name, otherwise the last non-empty underscore segment
// once digits are removed.
func DisplayName(image string, classes []string) string {
	base := filepath.Base(image)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "" || stem == "." {
		return "Unknown"
	}

	lower := strings.ToLower(stem)
	for _, c := range classes {
		if c != "" && strings.Contains(lower, strings.ToLower(c)) {
			return c
		}
	}

	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return -1
		}
		return r
	}, stem)
	parts := strings.Split(cleaned, "_")
	for i := len(parts) - 1; i >= 0; i-- {
		if p := strings.Trim(parts[i], " .-"); p != "" {
			return p
		}
	}
	return "Unknown"
}
