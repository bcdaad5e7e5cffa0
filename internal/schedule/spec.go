// Package schedule implements the timing specs used by the beat scheduler:
// fixed intervals and crontab-style calendar fields.
package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Never is returned as the next delay by specs and entries that will not
// become due again.
const Never time.Duration = -1

// Kinds accepted by Parse.
const (
	KindInterval = "interval"
	KindCrontab  = "crontab"
)

var (
	// ErrUnknownType is returned when a definition names a schedule type
	// other than interval or crontab.
	ErrUnknownType = errors.New("unknown schedule type")

	// ErrInvalidSpec is returned when a schedule value cannot be parsed.
	ErrInvalidSpec = errors.New("invalid schedule")
)

// Spec answers whether something last run at lastRunAt is due at now, and if
// not, how long until it is.
type Spec interface {
	IsDue(lastRunAt, now time.Time) (bool, time.Duration)
	Kind() string
	String() string
}

// Parse builds a Spec from a schedule type and its raw value.
//
// An empty kind defaults to interval.
func Parse(kind, value string) (Spec, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", KindInterval:
		return ParseInterval(value)
	case KindCrontab:
		return ParseCrontab(value)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, kind)
	}
}

// ParseInterval accepts float seconds ("0.2", "5") or a Go duration ("1m30s").
func ParseInterval(value string) (Interval, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return Interval{}, fmt.Errorf("%w: empty interval", ErrInvalidSpec)
	}

	var period time.Duration
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		period = time.Duration(secs * float64(time.Second))
	} else {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Interval{}, fmt.Errorf("%w: interval %q", ErrInvalidSpec, value)
		}
		period = d
	}

	if period <= 0 {
		return Interval{}, fmt.Errorf("%w: interval %q must be positive", ErrInvalidSpec, value)
	}
	return Interval{Period: period}, nil
}
