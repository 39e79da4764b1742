package dto

import "time"

// BufferedImage holds an annotated frame and its detections before flushing to disk.
type BufferedImage struct {
	Timestamp  time.Time
	Width      int
	Height     int
	Detections []DetectionResult
	Data       []byte
}
