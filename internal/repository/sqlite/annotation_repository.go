package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"railwatch/internal/model"
)

// AnnotationRepository implements repository.AnnotationRepository for SQLite.
type AnnotationRepository struct {
	db *DB
}

// NewAnnotationRepository creates a new SQLite annotation repository.
func NewAnnotationRepository(db *DB) *AnnotationRepository {
	return &AnnotationRepository{db: db}
}

// InsertBatch stores accepted images in a single transaction.
func (r *AnnotationRepository) InsertBatch(ctx context.Context, items []model.AnnotationItem) error {
	if len(items) == 0 {
		return nil
	}

	r.db.Lock()
	defer r.db.Unlock()

	tx, err := r.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO annotation_items (batch_id, image_name, proposals, created_at, done)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, item := range items {
		proposals := item.Proposals
		if proposals == nil {
			proposals = []model.Box{}
		}
		data, err := json.Marshal(proposals)
		if err != nil {
			return fmt.Errorf("failed to encode proposals: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, item.BatchID, item.ImageName, string(data), item.CreatedAt, item.Done); err != nil {
			return fmt.Errorf("failed to insert annotation item: %w", err)
		}
	}

	return tx.Commit()
}

func scanAnnotation(s rowScanner) (*model.AnnotationItem, error) {
	var item model.AnnotationItem
	var proposals string
	if err := s.Scan(&item.ID, &item.BatchID, &item.ImageName, &proposals, &item.CreatedAt, &item.Done); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(proposals), &item.Proposals); err != nil {
		return nil, fmt.Errorf("annotation item %d has malformed proposals: %w", item.ID, err)
	}
	return &item, nil
}

// GetPending returns items not yet annotated, oldest first.
func (r *AnnotationRepository) GetPending(ctx context.Context) ([]model.AnnotationItem, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	rows, err := r.db.Conn().QueryContext(ctx, `
		SELECT id, batch_id, image_name, proposals, created_at, done
		FROM annotation_items WHERE done = 0 ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query annotation items: %w", err)
	}
	defer rows.Close()

	var items []model.AnnotationItem
	for rows.Next() {
		item, err := scanAnnotation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan annotation item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// GetPendingByImage returns the newest pending item for an image, or nil.
func (r *AnnotationRepository) GetPendingByImage(ctx context.Context, imageName string) (*model.AnnotationItem, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	item, err := scanAnnotation(r.db.Conn().QueryRowContext(ctx, `
		SELECT id, batch_id, image_name, proposals, created_at, done
		FROM annotation_items WHERE image_name = ? AND done = 0
		ORDER BY id DESC LIMIT 1
	`, imageName))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get annotation item: %w", err)
	}
	return item, nil
}

// MarkDone closes every pending item for an image.
func (r *AnnotationRepository) MarkDone(ctx context.Context, imageName string) error {
	r.db.Lock()
	defer r.db.Unlock()

	if _, err := r.db.Conn().ExecContext(ctx,
		`UPDATE annotation_items SET done = 1 WHERE image_name = ? AND done = 0`, imageName); err != nil {
		return fmt.Errorf("failed to mark annotation done: %w", err)
	}
	return nil
}
