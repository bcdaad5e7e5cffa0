package model

import (
	"time"

	"github.com/t77yq/natsbeat/internal/schedule"
)

// PeriodicTask is the definition of one schedule entry as supplied by a
// schedule source (static config, SQLite store, YAML file).
type PeriodicTask struct {
	Name     string         `json:"name" yaml:"name" mapstructure:"name"`
	Task     string         `json:"task" yaml:"task" mapstructure:"task"`
	Type     string         `json:"type,omitempty" yaml:"type,omitempty" mapstructure:"type"`
	Schedule string         `json:"schedule" yaml:"schedule" mapstructure:"schedule"`
	Args     []any          `json:"args,omitempty" yaml:"args,omitempty" mapstructure:"args"`
	Kwargs   map[string]any `json:"kwargs,omitempty" yaml:"kwargs,omitempty" mapstructure:"kwargs"`
	Priority *int           `json:"priority,omitempty" yaml:"priority,omitempty" mapstructure:"priority"`
	Expires  Duration       `json:"expires,omitempty" yaml:"expires,omitempty" mapstructure:"expires"`
	Enabled  *bool          `json:"enabled,omitempty" yaml:"enabled,omitempty" mapstructure:"enabled"`
	MaxCalls int            `json:"max_calls,omitempty" yaml:"max_calls,omitempty" mapstructure:"max_calls"`

	// Spec, when set, is used as-is instead of parsing Type and Schedule.
	Spec schedule.Spec `json:"-" yaml:"-" mapstructure:"-"`

	// Run-state persisted by the source. Only adopted when the entry is new
	// to the running scheduler.
	LastRunAt     *time.Time `json:"last_run_at,omitempty" yaml:"-" mapstructure:"-"`
	TotalRunCount int        `json:"total_run_count,omitempty" yaml:"-" mapstructure:"-"`

	LastUpdated *time.Time `json:"last_updated,omitempty" yaml:"last_updated,omitempty" mapstructure:"-"`
}

// RunState is the mutable part of an entry that is synced back to a source.
type RunState struct {
	Name          string    `json:"name"`
	LastRunAt     time.Time `json:"last_run_at"`
	TotalRunCount int       `json:"total_run_count"`
}
