package storage

import "errors"

var (
	// ErrNotFound is returned when a periodic task does not exist
	ErrNotFound = errors.New("periodic task not found")

	// ErrInvalidTask is returned when a definition is missing a name or task
	ErrInvalidTask = errors.New("invalid periodic task")
)
