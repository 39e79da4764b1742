package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"railwatch/internal/model"
)

// TaskRepository implements repository.TaskRepository for SQLite.
type TaskRepository struct {
	db *DB
}

// NewTaskRepository creates a new SQLite task repository.
func NewTaskRepository(db *DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// Insert appends a task status entry.
func (r *TaskRepository) Insert(ctx context.Context, t *model.TaskStatus) (int64, error) {
	r.db.Lock()
	defer r.db.Unlock()

	var faultID sql.NullInt64
	if t.FaultID != nil {
		faultID = sql.NullInt64{Int64: *t.FaultID, Valid: true}
	}

	result, err := r.db.Conn().ExecContext(ctx, `
		INSERT INTO task_status (fault_id, task_id, name, status, result, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, faultID, t.TaskID, t.Name, t.Status, t.Result, t.Timestamp)
	if err != nil {
		return 0, fmt.Errorf("failed to insert task status: %w", err)
	}

	return result.LastInsertId()
}

// GetAll returns task entries newest first. A non-positive limit returns all.
func (r *TaskRepository) GetAll(ctx context.Context, limit, offset int) ([]model.TaskStatus, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	query := `SELECT id, fault_id, task_id, name, status, result, timestamp
		FROM task_status ORDER BY timestamp DESC, id DESC`
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}

	rows, err := r.db.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query task status: %w", err)
	}
	defer rows.Close()

	var tasks []model.TaskStatus
	for rows.Next() {
		var t model.TaskStatus
		var faultID sql.NullInt64
		if err := rows.Scan(&t.ID, &faultID, &t.TaskID, &t.Name, &t.Status, &t.Result, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan task status: %w", err)
		}
		if faultID.Valid {
			id := faultID.Int64
			t.FaultID = &id
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// GetTotalCount returns the number of task entries.
func (r *TaskRepository) GetTotalCount(ctx context.Context) (int, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	var count int
	if err := r.db.Conn().QueryRowContext(ctx, `SELECT COUNT(*) FROM task_status`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count task status: %w", err)
	}
	return count, nil
}
