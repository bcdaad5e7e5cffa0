package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// searchHorizon bounds the next-occurrence search. Field combinations that
// never match (e.g. 30 February) give up after this. 29 February falling on a
// given weekday can be 40 years apart.
const searchHorizon = 50 * 366 * 24 * time.Hour

// bitset is a 64-bit set for cron field matching.
type bitset uint64

func (b bitset) has(v int) bool { return b&(1<<uint(v)) != 0 }
func (b *bitset) set(v int)     { *b |= 1 << uint(v) }

type field struct {
	name     string
	min, max int
	names    map[string]int
}

var (
	minuteField = field{name: "minute", min: 0, max: 59}
	hourField   = field{name: "hour", min: 0, max: 23}
	domField    = field{name: "day_of_month", min: 1, max: 31}
	monthField  = field{name: "month", min: 1, max: 12, names: map[string]int{
		"jan": 1, "feb": 2, "mar": 3, "apr": 4, "may": 5, "jun": 6,
		"jul": 7, "aug": 8, "sep": 9, "oct": 10, "nov": 11, "dec": 12,
	}}
	dowField = field{name: "day_of_week", min: 0, max: 7, names: map[string]int{
		"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6,
	}}
)

// Crontab matches minute boundaries whose minute, hour, day of month, month
// and day of week all fall in the configured sets.
type Crontab struct {
	Minute     bitset
	Hour       bitset
	DayOfMonth bitset
	Month      bitset
	DayOfWeek  bitset

	expr string
}

// ParseCrontab parses "minute hour day_of_month month day_of_week".
// Missing trailing fields default to "*".
func ParseCrontab(expr string) (Crontab, error) {
	fields := strings.Fields(expr)
	if len(fields) == 0 || len(fields) > 5 {
		return Crontab{}, fmt.Errorf("%w: crontab %q: expected 1 to 5 fields, got %d", ErrInvalidSpec, expr, len(fields))
	}
	for len(fields) < 5 {
		fields = append(fields, "*")
	}

	var c Crontab
	var err error
	specs := []struct {
		dst *bitset
		f   field
	}{
		{&c.Minute, minuteField},
		{&c.Hour, hourField},
		{&c.DayOfMonth, domField},
		{&c.Month, monthField},
		{&c.DayOfWeek, dowField},
	}
	for i, s := range specs {
		*s.dst, err = parseField(fields[i], s.f)
		if err != nil {
			return Crontab{}, fmt.Errorf("%w: crontab %q: %w", ErrInvalidSpec, expr, err)
		}
	}

	// 7 is an alias for Sunday.
	if c.DayOfWeek.has(7) {
		c.DayOfWeek.set(0)
		c.DayOfWeek &^= 1 << 7
	}

	c.expr = strings.Join(fields, " ")
	return c, nil
}

// MustCrontab is like ParseCrontab but panics on error. Intended for
// compile-time constant expressions.
func MustCrontab(expr string) Crontab {
	c, err := ParseCrontab(expr)
	if err != nil {
		panic(err)
	}
	return c
}

// Next returns the first matching minute boundary strictly after 'after',
// evaluated in after's location. The zero time means no match was found.
func (c Crontab) Next(after time.Time) time.Time {
	t := after.Truncate(time.Minute).Add(time.Minute)
	limit := t.Add(searchHorizon)
	loc := t.Location()

	for t.Before(limit) {
		if !c.Month.has(int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, loc)
			continue
		}
		if !c.DayOfMonth.has(t.Day()) || !c.DayOfWeek.has(int(t.Weekday())) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, loc)
			continue
		}
		if !c.Hour.has(t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, loc)
			continue
		}
		if !c.Minute.has(t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}
		return t
	}
	return time.Time{}
}

// IsDue evaluates in now's location so the scheduler's timezone applies.
func (c Crontab) IsDue(lastRunAt, now time.Time) (bool, time.Duration) {
	next := c.Next(lastRunAt.In(now.Location()))
	if next.IsZero() {
		return false, Never
	}
	if !next.After(now) {
		return true, 0
	}
	return false, next.Sub(now)
}

func (c Crontab) Kind() string { return KindCrontab }

func (c Crontab) String() string { return c.expr }

// parseField parses a comma-separated cron field into a bitset.
func parseField(raw string, f field) (bitset, error) {
	var bs bitset
	for _, part := range strings.Split(raw, ",") {
		partBs, err := parseFieldPart(strings.ToLower(part), f)
		if err != nil {
			return 0, fmt.Errorf("%s field: %w", f.name, err)
		}
		bs |= partBs
	}
	if bs == 0 {
		return 0, fmt.Errorf("%s field %q produced empty set", f.name, raw)
	}
	return bs, nil
}

func parseFieldPart(part string, f field) (bitset, error) {
	if part == "" {
		return 0, fmt.Errorf("empty value")
	}

	rangeExpr := part
	step := 1
	hasStep := false
	if idx := strings.Index(part, "/"); idx != -1 {
		var err error
		step, err = strconv.Atoi(part[idx+1:])
		if err != nil || step <= 0 {
			return 0, fmt.Errorf("invalid step in %q", part)
		}
		rangeExpr = part[:idx]
		hasStep = true
	}

	var lo, hi int
	switch {
	case rangeExpr == "*":
		lo, hi = f.min, f.max
		if f.names != nil && f.max == 7 {
			// "*" over day_of_week covers 0-6; 7 would duplicate Sunday.
			hi = 6
		}
	case strings.Contains(rangeExpr, "-"):
		bounds := strings.SplitN(rangeExpr, "-", 2)
		var err error
		if lo, err = f.value(bounds[0]); err != nil {
			return 0, err
		}
		if hi, err = f.value(bounds[1]); err != nil {
			return 0, err
		}
		if lo > hi {
			return 0, fmt.Errorf("range %q is reversed", rangeExpr)
		}
	default:
		v, err := f.value(rangeExpr)
		if err != nil {
			return 0, err
		}
		lo = v
		hi = v
		if hasStep {
			// "N/n" runs from N to the end of the field.
			hi = f.max
		}
	}

	var bs bitset
	for v := lo; v <= hi; v += step {
		bs.set(v)
	}
	return bs, nil
}

func (f field) value(s string) (int, error) {
	if v, ok := f.names[s]; ok {
		return v, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q", s)
	}
	if v < f.min || v > f.max {
		return 0, fmt.Errorf("value %d out of range [%d, %d]", v, f.min, f.max)
	}
	return v, nil
}
