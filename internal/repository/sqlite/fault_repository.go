package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"railwatch/internal/model"
)

const faultColumns = `id, image, fault_name, class_index, confidence, box, timestamp,
	status, assigned_to, confirmed, duplicate_images_removed, sent_to_service`

// FaultRepository implements repository.FaultRepository for SQLite.
type FaultRepository struct {
	db *DB
}

// NewFaultRepository creates a new SQLite fault repository.
func NewFaultRepository(db *DB) *FaultRepository {
	return &FaultRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFault(s rowScanner) (*model.FaultRecord, error) {
	var (
		f          model.FaultRecord
		classIndex sql.NullInt64
		box        sql.NullString
		status     string
	)
	if err := s.Scan(&f.ID, &f.Image, &f.FaultName, &classIndex, &f.Confidence, &box, &f.Timestamp,
		&status, &f.AssignedTo, &f.Confirmed, &f.DuplicateImagesRemoved, &f.SentToService); err != nil {
		return nil, err
	}

	f.Status = model.FaultStatus(status)
	if classIndex.Valid {
		idx := int(classIndex.Int64)
		f.ClassIndex = &idx
	}
	if box.Valid && box.String != "" {
		b, err := model.ParseBox(box.String)
		if err != nil {
			return nil, fmt.Errorf("fault %d has a malformed box: %w", f.ID, err)
		}
		f.Box = &b
	}
	return &f, nil
}

func nullableClass(idx *int) sql.NullInt64 {
	if idx == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*idx), Valid: true}
}

func nullableBox(b *model.Box) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: b.String(), Valid: true}
}

// Insert adds a new fault record and returns its id.
func (r *FaultRepository) Insert(ctx context.Context, f *model.FaultRecord) (int64, error) {
	r.db.Lock()
	defer r.db.Unlock()

	status := f.Status
	if status == "" {
		status = model.StatusPending
	}

	result, err := r.db.Conn().ExecContext(ctx, `
		INSERT INTO faults (image, fault_name, class_index, confidence, box, timestamp,
			status, assigned_to, confirmed, duplicate_images_removed, sent_to_service)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, f.Image, f.FaultName, nullableClass(f.ClassIndex), f.Confidence, nullableBox(f.Box), f.Timestamp,
		string(status), f.AssignedTo, f.Confirmed, f.DuplicateImagesRemoved, f.SentToService)
	if err != nil {
		return 0, fmt.Errorf("failed to insert fault: %w", err)
	}

	return result.LastInsertId()
}

// GetByID retrieves a fault by its ID.
func (r *FaultRepository) GetByID(ctx context.Context, id int64) (*model.FaultRecord, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	f, err := scanFault(r.db.Conn().QueryRowContext(ctx,
		`SELECT `+faultColumns+` FROM faults WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fault: %w", err)
	}
	return f, nil
}

func whereClause(filter model.FaultFilter) string {
	if filter.OnlyPending {
		return " WHERE confirmed = 0"
	}
	return ""
}

// GetAll retrieves faults newest first.
func (r *FaultRepository) GetAll(ctx context.Context, filter model.FaultFilter) ([]model.FaultRecord, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	query := `SELECT ` + faultColumns + ` FROM faults` + whereClause(filter) +
		` ORDER BY timestamp DESC, id DESC`
	args := []interface{}{}

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	return r.query(ctx, query, args...)
}

// GetUnconfirmed returns every unconfirmed fault ordered by id.
func (r *FaultRepository) GetUnconfirmed(ctx context.Context) ([]model.FaultRecord, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	return r.query(ctx, `SELECT `+faultColumns+` FROM faults WHERE confirmed = 0 ORDER BY id`)
}

func (r *FaultRepository) query(ctx context.Context, query string, args ...interface{}) ([]model.FaultRecord, error) {
	rows, err := r.db.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query faults: %w", err)
	}
	defer rows.Close()

	var faults []model.FaultRecord
	for rows.Next() {
		f, err := scanFault(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan fault: %w", err)
		}
		faults = append(faults, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate faults: %w", err)
	}
	return faults, nil
}

// GetTotalCount returns the number of faults matching the filter.
func (r *FaultRepository) GetTotalCount(ctx context.Context, filter model.FaultFilter) (int, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	var count int
	if err := r.db.Conn().QueryRowContext(ctx, `SELECT COUNT(*) FROM faults`+whereClause(filter)).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count faults: %w", err)
	}
	return count, nil
}

// GetStats returns counts per status.
func (r *FaultRepository) GetStats(ctx context.Context) (*model.FaultStats, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	stats := &model.FaultStats{}
	rows, err := r.db.Conn().QueryContext(ctx, `SELECT status, COUNT(*) FROM faults GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to query fault stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan fault stats: %w", err)
		}
		stats.Total += count
		switch model.FaultStatus(status) {
		case model.StatusPending:
			stats.Pending = count
		case model.StatusAssigned:
			stats.Assigned = count
		case model.StatusResolved:
			stats.Resolved = count
		case model.StatusNeedsFeedback:
			stats.NeedsFeedback = count
		}
	}
	return stats, rows.Err()
}

func (r *FaultRepository) exec(ctx context.Context, what, query string, args ...interface{}) error {
	r.db.Lock()
	defer r.db.Unlock()

	if _, err := r.db.Conn().ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to %s: %w", what, err)
	}
	return nil
}

// UpdateStatus sets the review status of a fault.
func (r *FaultRepository) UpdateStatus(ctx context.Context, id int64, status model.FaultStatus) error {
	return r.exec(ctx, "update fault status", `UPDATE faults SET status = ? WHERE id = ?`, string(status), id)
}

// Assign records the assignee and moves the fault to assigned.
func (r *FaultRepository) Assign(ctx context.Context, id int64, assignee string) error {
	return r.exec(ctx, "assign fault", `UPDATE faults SET status = ?, assigned_to = ? WHERE id = ?`,
		string(model.StatusAssigned), assignee, id)
}

// MarkSent flags a fault as delivered to at least one notifier.
func (r *FaultRepository) MarkSent(ctx context.Context, id int64) error {
	return r.exec(ctx, "mark fault sent", `UPDATE faults SET sent_to_service = 1 WHERE id = ?`, id)
}

// Delete removes a fault by its ID.
func (r *FaultRepository) Delete(ctx context.Context, id int64) error {
	return r.exec(ctx, "delete fault", `DELETE FROM faults WHERE id = ?`, id)
}

// DeleteBatch removes all ids in a single transaction.
func (r *FaultRepository) DeleteBatch(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	r.db.Lock()
	defer r.db.Unlock()

	tx, err := r.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM faults WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("failed to delete faults: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit fault deletion: %w", err)
	}
	return nil
}
