package scheduler

import (
	"fmt"
	"reflect"
	"time"

	"github.com/t77yq/natsbeat/internal/model"
	"github.com/t77yq/natsbeat/internal/schedule"
)

const (
	// DefaultPriority is used when a definition does not set one.
	// Lower values win ties between entries due at the same time.
	DefaultPriority = 5

	// DisabledRecheck is how soon a disabled entry is looked at again, so
	// re-enabling it is picked up without a heap rebuild.
	DisabledRecheck = 5 * time.Second
)

// Options are passed through to the dispatch transport.
type Options struct {
	Expires time.Duration
}

// Entry is one named schedulable unit: an immutable definition plus run-state.
type Entry struct {
	Name     string
	Task     string
	Args     []any
	Kwargs   map[string]any
	Options  Options
	Schedule schedule.Spec
	Enabled  bool
	Priority int
	// MaxCalls caps TotalRunCount. Zero means unlimited.
	MaxCalls int

	LastRunAt     time.Time
	TotalRunCount int
	LastUpdated   time.Time
}

// NewEntry builds an entry from a definition. A definition carrying a
// prebuilt Spec reuses it; otherwise Type and Schedule are parsed and a
// failure is returned as a configuration error.
func NewEntry(def model.PeriodicTask, now time.Time) (*Entry, error) {
	spec := def.Spec
	if spec == nil {
		var err error
		spec, err = schedule.Parse(def.Type, def.Schedule)
		if err != nil {
			return nil, &ConfigError{Entry: def.Name, Err: err}
		}
	}

	e := &Entry{
		Name:        def.Name,
		Task:        def.Task,
		Args:        def.Args,
		Kwargs:      def.Kwargs,
		Options:     Options{Expires: def.Expires.Std()},
		Schedule:    spec,
		Enabled:     true,
		Priority:    DefaultPriority,
		MaxCalls:    def.MaxCalls,
		LastRunAt:   now,
		LastUpdated: now,
	}
	if def.Enabled != nil {
		e.Enabled = *def.Enabled
	}
	if def.Priority != nil {
		e.Priority = *def.Priority
	}
	if def.LastUpdated != nil {
		e.LastUpdated = *def.LastUpdated
	}
	return e, nil
}

// IsDue reports whether the entry should be dispatched at now, and if not,
// how long until it should be looked at again. schedule.Never means the entry
// is exhausted and can be dropped from the heap.
func (e *Entry) IsDue(now time.Time) (bool, time.Duration) {
	if !e.Enabled {
		return false, DisabledRecheck
	}
	if e.exhausted() {
		return false, schedule.Never
	}
	return e.Schedule.IsDue(e.LastRunAt, now)
}

func (e *Entry) exhausted() bool {
	return e.MaxCalls > 0 && e.TotalRunCount >= e.MaxCalls
}

// Advance returns the next generation of the entry after a dispatch at now.
// The receiver is left untouched.
func (e *Entry) Advance(now time.Time) *Entry {
	next := *e
	next.LastRunAt = now
	next.TotalRunCount = e.TotalRunCount + 1
	return &next
}

// Update copies the editable fields from other and bumps LastUpdated.
// Run-state is kept.
func (e *Entry) Update(other *Entry, now time.Time) {
	e.Task = other.Task
	e.Args = other.Args
	e.Kwargs = other.Kwargs
	e.Options = other.Options
	e.Schedule = other.Schedule
	e.Enabled = other.Enabled
	e.MaxCalls = other.MaxCalls
	e.Priority = other.Priority
	e.LastUpdated = now
}

// Equal compares the editable fields only; run-state and timestamps are
// ignored.
func (e *Entry) Equal(other *Entry) bool {
	if e == nil || other == nil {
		return e == other
	}
	return e.Task == other.Task &&
		e.Options == other.Options &&
		e.Enabled == other.Enabled &&
		e.MaxCalls == other.MaxCalls &&
		e.Priority == other.Priority &&
		reflect.DeepEqual(e.Args, other.Args) &&
		reflect.DeepEqual(e.Kwargs, other.Kwargs) &&
		reflect.DeepEqual(e.Schedule, other.Schedule)
}

// RunState snapshots the entry's run-state.
func (e *Entry) RunState() model.RunState {
	return model.RunState{
		Name:          e.Name,
		LastRunAt:     e.LastRunAt,
		TotalRunCount: e.TotalRunCount,
	}
}

// task builds the dispatch message for this entry.
func (e *Entry) task(id string, now time.Time) model.Task {
	return model.Task{
		ID:          id,
		Entry:       e.Name,
		Name:        e.Task,
		Args:        e.Args,
		Kwargs:      e.Kwargs,
		Priority:    e.Priority,
		Expires:     model.Duration(e.Options.Expires),
		ScheduledAt: now,
		RunCount:    e.TotalRunCount + 1,
	}
}

func (e *Entry) String() string {
	return fmt.Sprintf("<Entry: %s %s %s>", e.Name, e.Task, e.Schedule)
}
