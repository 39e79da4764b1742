package model

import "time"

// FaultStatus is the review state of a fault record.
type FaultStatus string

const (
	StatusPending       FaultStatus = "pending"
	StatusAssigned      FaultStatus = "assigned"
	StatusResolved      FaultStatus = "resolved"
	StatusNeedsFeedback FaultStatus = "needs_feedback"
)

// Valid reports whether s is one of the known statuses.
func (s FaultStatus) Valid() bool {
	switch s {
	case StatusPending, StatusAssigned, StatusResolved, StatusNeedsFeedback:
		return true
	}
	return false
}

// FaultRecord represents one detected anomaly image awaiting or having received review.
type FaultRecord struct {
	ID                     int64       `json:"id"`
	Image                  string      `json:"image"` // file name relative to the media directory
	FaultName              string      `json:"fault_name,omitempty"`
	ClassIndex             *int        `json:"class_index,omitempty"`
	Confidence             float64     `json:"confidence"`
	Box                    *Box        `json:"box,omitempty"` // detector proposal, normalized
	Timestamp              time.Time   `json:"timestamp"`
	Status                 FaultStatus `json:"status"`
	AssignedTo             string      `json:"assigned_to,omitempty"`
	Confirmed              bool        `json:"confirmed"`
	DuplicateImagesRemoved bool        `json:"duplicate_images_removed"`
	SentToService          bool        `json:"sent_to_service"`
}

// NewFault carries what the detection feed knows about a freshly saved frame.
type NewFault struct {
	Image      string
	FaultName  string
	ClassIndex *int
	Confidence float64
	Box        *Box
}

// FaultFilter narrows fault queries.
type FaultFilter struct {
	OnlyPending bool
	Limit       int
	Offset      int
}

// FaultStats contains counts used by the dashboard.
type FaultStats struct {
	Total         int `json:"total_count"`
	Pending       int `json:"pending_count"`
	Assigned      int `json:"assigned_count"`
	Resolved      int `json:"resolved_count"`
	NeedsFeedback int `json:"needs_feedback_count"`
}
