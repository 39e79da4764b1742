package model

import "errors"

var (
	// ErrNotFound marks a missing record or file. Callers treat it as a soft deletion.
	ErrNotFound = errors.New("not found")
	// ErrIO marks a copy or write failure on a single record.
	ErrIO = errors.New("i/o failure")
	// ErrInvalidInput marks a rejected request that caused no side effects.
	ErrInvalidInput = errors.New("invalid input")
	// ErrTraining marks a failed background training run.
	ErrTraining = errors.New("training failed")
	// ErrHash marks an image that could not be opened or decoded for hashing.
	ErrHash = errors.New("hash error")
	// ErrNoDuplicates is returned when no pending record matches the target.
	ErrNoDuplicates = errors.New("no visually similar images found")
	// ErrBusy is returned when a single-instance job is already running.
	ErrBusy = errors.New("already running")
)
