package model

import (
	"time"
)

// Task is the message handed to the dispatch transport when an entry is due.
type Task struct {
	ID       string         `json:"id"`
	Entry    string         `json:"entry"`
	Name     string         `json:"name"`
	Args     []any          `json:"args,omitempty"`
	Kwargs   map[string]any `json:"kwargs,omitempty"`
	Priority int            `json:"priority"`

	// Expires is how long the task may wait for a worker after dispatch.
	// Zero means it never expires. Encoded as seconds.
	Expires Duration `json:"expires,omitempty"`

	ScheduledAt time.Time `json:"scheduled_at"`
	RunCount    int       `json:"run_count"`
}

// ExpiresAt returns the absolute expiry time, or the zero time.
func (t *Task) ExpiresAt() time.Time {
	if t.Expires <= 0 {
		return time.Time{}
	}
	return t.ScheduledAt.Add(t.Expires.Std())
}

// DispatchRecord is one row of dispatch history.
type DispatchRecord struct {
	ID           string    `json:"id"`
	Entry        string    `json:"entry"`
	Task         string    `json:"task"`
	DispatchedAt time.Time `json:"dispatched_at"`
	Error        string    `json:"error,omitempty"`
}
