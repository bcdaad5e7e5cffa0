package schedule

import (
	"fmt"
	"time"
)

// Interval is due once Period has elapsed since the last run.
type Interval struct {
	Period time.Duration
}

// Every returns an Interval with the given period.
func Every(period time.Duration) Interval {
	return Interval{Period: period}
}

func (i Interval) IsDue(lastRunAt, now time.Time) (bool, time.Duration) {
	elapsed := now.Sub(lastRunAt)
	if elapsed >= i.Period {
		return true, 0
	}
	return false, i.Period - elapsed
}

func (i Interval) Kind() string { return KindInterval }

func (i Interval) String() string {
	return fmt.Sprintf("every %s", i.Period)
}
