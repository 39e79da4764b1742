package model

// Decision is the operator's verdict on a fault image.
type Decision string

const (
	// Accept keeps the image as a positive example awaiting annotation.
	Accept Decision = "accept"
	// Reject files the image as background with an empty label.
	Reject Decision = "reject"
)
