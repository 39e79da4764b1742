package repository

import (
	"context"

	"railwatch/internal/model"
)

// FaultRepository defines the interface for fault record operations.
// Lookups of absent rows return (nil, nil).
type FaultRepository interface {
	// Create operations
	Insert(ctx context.Context, f *model.FaultRecord) (int64, error)

	// Read operations
	GetByID(ctx context.Context, id int64) (*model.FaultRecord, error)
	GetAll(ctx context.Context, filter model.FaultFilter) ([]model.FaultRecord, error)
	GetTotalCount(ctx context.Context, filter model.FaultFilter) (int, error)
	GetUnconfirmed(ctx context.Context) ([]model.FaultRecord, error)
	GetStats(ctx context.Context) (*model.FaultStats, error)

	// Update operations
	UpdateStatus(ctx context.Context, id int64, status model.FaultStatus) error
	Assign(ctx context.Context, id int64, assignee string) error
	MarkSent(ctx context.Context, id int64) error

	// Delete operations
	Delete(ctx context.Context, id int64) error
	DeleteBatch(ctx context.Context, ids []int64) error
}

// TaskRepository defines the interface for the task audit trail.
type TaskRepository interface {
	Insert(ctx context.Context, t *model.TaskStatus) (int64, error)
	GetAll(ctx context.Context, limit, offset int) ([]model.TaskStatus, error)
	GetTotalCount(ctx context.Context) (int, error)
}

// AnnotationRepository defines the interface for accepted images awaiting boxes.
type AnnotationRepository interface {
	InsertBatch(ctx context.Context, items []model.AnnotationItem) error
	GetPending(ctx context.Context) ([]model.AnnotationItem, error)
	GetPendingByImage(ctx context.Context, imageName string) (*model.AnnotationItem, error)
	MarkDone(ctx context.Context, imageName string) error
}
