package schedule

import (
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("Interval float seconds", func(t *testing.T) {
		s, err := Parse("interval", "0.2")
		require.NoError(t, err)
		assert.Equal(t, Interval{Period: 200 * time.Millisecond}, s)
	})

	t.Run("Interval duration", func(t *testing.T) {
		s, err := Parse("INTERVAL", "1m30s")
		require.NoError(t, err)
		assert.Equal(t, Every(90*time.Second), s)
	})

	t.Run("Empty kind defaults to interval", func(t *testing.T) {
		s, err := Parse("", "5")
		require.NoError(t, err)
		assert.Equal(t, KindInterval, s.Kind())
	})

	t.Run("Crontab", func(t *testing.T) {
		s, err := Parse("crontab", "*/15 * * * *")
		require.NoError(t, err)
		assert.Equal(t, KindCrontab, s.Kind())
		assert.Equal(t, "*/15 * * * *", s.String())
	})

	t.Run("Unknown type", func(t *testing.T) {
		_, err := Parse("solar", "5")
		require.ErrorIs(t, err, ErrUnknownType)
	})

	t.Run("Invalid values", func(t *testing.T) {
		for _, tc := range []struct{ kind, value string }{
			{"interval", ""},
			{"interval", "-1"},
			{"interval", "0"},
			{"interval", "soon"},
			{"crontab", ""},
			{"crontab", "60 * * * *"},
			{"crontab", "* 24 * * *"},
			{"crontab", "* * 0 * *"},
			{"crontab", "* * * 13 *"},
			{"crontab", "*/0 * * * *"},
			{"crontab", "5-1 * * * *"},
			{"crontab", "* * * * * *"},
			{"crontab", "a * * * *"},
		} {
			_, err := Parse(tc.kind, tc.value)
			assert.ErrorIs(t, err, ErrInvalidSpec, "%s %q", tc.kind, tc.value)
		}
	})
}

func TestIntervalIsDue(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s := Every(10 * time.Second)

	due, next := s.IsDue(t0, t0.Add(10*time.Second-time.Millisecond))
	assert.False(t, due)
	assert.Equal(t, time.Millisecond, next)

	due, next = s.IsDue(t0, t0.Add(10*time.Second))
	assert.True(t, due)
	assert.Equal(t, time.Duration(0), next)

	due, next = s.IsDue(t0, t0.Add(time.Minute))
	assert.True(t, due)
	assert.Equal(t, time.Duration(0), next)
}

func TestCrontabShortForm(t *testing.T) {
	c, err := ParseCrontab("0 4 *")
	require.NoError(t, err)
	assert.Equal(t, "0 4 * * *", c.String())

	after := time.Date(2024, 3, 1, 5, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 2, 4, 0, 0, 0, time.UTC), c.Next(after))
}

func TestCrontabNames(t *testing.T) {
	c, err := ParseCrontab("30 9 * jan-mar mon-fri")
	require.NoError(t, err)

	// Saturday 2 March 2024 -> Monday 4 March 2024
	after := time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 4, 9, 30, 0, 0, time.UTC), c.Next(after))
}

func TestCrontabSundayAlias(t *testing.T) {
	a := MustCrontab("0 0 * * 7")
	b := MustCrontab("0 0 * * 0")
	assert.Equal(t, a.DayOfWeek, b.DayOfWeek)
}

func TestCrontabDayFieldsAreConjunctive(t *testing.T) {
	// the 13th only when it is a Friday
	c := MustCrontab("0 0 13 * 5")
	after := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 9, 13, 0, 0, 0, 0, time.UTC), c.Next(after))
}

func TestCrontabImpossibleNeverDue(t *testing.T) {
	c := MustCrontab("0 0 30 2 *")
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	due, next := c.IsDue(now, now)
	assert.False(t, due)
	assert.Equal(t, Never, next)
}

func TestCrontabRareOccurrences(t *testing.T) {
	t.Run("Leap day across a skipped century leap year", func(t *testing.T) {
		c := MustCrontab("0 0 29 2 *")
		last := time.Date(2097, 3, 1, 0, 0, 0, 0, time.UTC)
		assert.Equal(t, time.Date(2104, 2, 29, 0, 0, 0, 0, time.UTC), c.Next(last))

		due, next := c.IsDue(last, last)
		assert.False(t, due)
		assert.NotEqual(t, Never, next)
	})

	t.Run("Leap day on a weekday", func(t *testing.T) {
		c := MustCrontab("0 0 29 2 1")
		last := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
		assert.Equal(t, time.Date(2044, 2, 29, 0, 0, 0, 0, time.UTC), c.Next(last))
	})
}

func TestCrontabIsDue(t *testing.T) {
	c := MustCrontab("*/5 * * * *")
	last := time.Date(2024, 3, 1, 12, 0, 10, 0, time.UTC)

	t.Run("Before next boundary", func(t *testing.T) {
		now := time.Date(2024, 3, 1, 12, 3, 0, 0, time.UTC)
		due, next := c.IsDue(last, now)
		assert.False(t, due)
		assert.Equal(t, 2*time.Minute, next)
	})

	t.Run("On boundary", func(t *testing.T) {
		now := time.Date(2024, 3, 1, 12, 5, 0, 0, time.UTC)
		due, next := c.IsDue(last, now)
		assert.True(t, due)
		assert.Equal(t, time.Duration(0), next)
	})

	t.Run("Run at a matching minute does not refire", func(t *testing.T) {
		ranAt := time.Date(2024, 3, 1, 12, 5, 0, 0, time.UTC)
		due, next := c.IsDue(ranAt, ranAt.Add(time.Second))
		assert.False(t, due)
		assert.Equal(t, 5*time.Minute-time.Second, next)
	})

	t.Run("Evaluated in now's location", func(t *testing.T) {
		loc := time.FixedZone("UTC+3", 3*3600)
		daily := MustCrontab("0 4 * * *")
		lastRun := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC) // 03:00 local
		now := time.Date(2024, 3, 1, 1, 0, 0, 0, time.UTC).In(loc)
		due, _ := daily.IsDue(lastRun, now)
		assert.True(t, due)
	})
}

// The robfig parser uses OR semantics when both day fields are restricted, so
// the comparison only covers expressions where at least one of them is "*".
func TestCrontabMatchesRobfigCron(t *testing.T) {
	exprs := []string{
		"* * * * *",
		"*/5 * * * *",
		"0 4 * * *",
		"15,45 */2 * * *",
		"0 9-17 * * 1-5",
		"30 6 1 * *",
		"0 0 * 2 *",
		"10-40/10 3 * * sun",
		"0 12 15 jun *",
	}
	starts := []time.Time{
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 2, 28, 23, 59, 30, 0, time.UTC),
		time.Date(2023, 12, 31, 23, 59, 59, 0, time.UTC),
		time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC),
	}

	for _, expr := range exprs {
		ours, err := ParseCrontab(expr)
		require.NoError(t, err, expr)
		theirs, err := cron.ParseStandard(expr)
		require.NoError(t, err, expr)

		for _, start := range starts {
			a, b := start, start
			for i := 0; i < 20; i++ {
				a = ours.Next(a)
				b = theirs.Next(b)
				require.Equal(t, b, a, "expr %q from %s step %d", expr, start, i)
			}
		}
	}
}
