package dispatch

import "errors"

var (
	// ErrQueueFull is returned when the publish buffer is full and the task is dropped
	ErrQueueFull = errors.New("dispatch queue is full")

	// ErrClosed is returned by Dispatch after Close
	ErrClosed = errors.New("dispatcher is closed")
)
