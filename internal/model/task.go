package model

import "time"

// TaskStatus is an append-only audit entry for a lifecycle event.
// FaultID is nulled when the originating fault is deleted.
type TaskStatus struct {
	ID        int64     `json:"-"`
	FaultID   *int64    `json:"fault_id"`
	TaskID    string    `json:"task_id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Result    string    `json:"result"`
	Timestamp time.Time `json:"timestamp"`
}
