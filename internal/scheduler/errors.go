package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidMaxInterval is returned when max_interval is not positive
	ErrInvalidMaxInterval = errors.New("max interval must be positive")

	// ErrNoDispatcher is returned when a scheduler is built without a dispatcher
	ErrNoDispatcher = errors.New("dispatcher is required")

	// ErrEntryNotFound is returned when an entry name is not in the table
	ErrEntryNotFound = errors.New("entry not found")
)

// ConfigError reports an entry that could not be built from its definition.
// It is fatal: the scheduler stops rather than silently dropping the entry.
type ConfigError struct {
	Entry string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("entry %q: %v", e.Entry, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// IsConfigError reports whether err is, or wraps, a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
