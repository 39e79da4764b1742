package model

import "time"

// AnnotationItem is an accepted image waiting for a human to draw its boxes.
type AnnotationItem struct {
	ID        int64     `json:"id"`
	BatchID   string    `json:"batch_id"`
	ImageName string    `json:"image_name"`
	Proposals []Box     `json:"proposals"`
	CreatedAt time.Time `json:"created_at"`
	Done      bool      `json:"done"`
}
