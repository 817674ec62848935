package billing

import (
	"sync"
	"time"
)

// =============================================================================
// CLOCK - Injectable source of "now"
// =============================================================================

// Clock supplies the current time. The engine only uses it to determine
// the current calendar year and to stamp records.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock.
var SystemClock Clock = ClockFunc(time.Now)

// FixedClock is a settable clock for tests and scenario replay.
type FixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFixedClock(t time.Time) *FixedClock {
	return &FixedClock{now: t}
}

func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// =============================================================================
// TIME UTILITIES
// =============================================================================

// WholeMinutesBetween returns the number of whole minutes from start to end.
// Returns an InvalidInputError if end is before start.
func WholeMinutesBetween(start, end time.Time) (int64, error) {
	if end.Before(start) {
		return 0, &InvalidInputError{Field: "end_time", Reason: "before start_time"}
	}
	return int64(end.Sub(start) / time.Minute), nil
}

// StartOfYear returns midnight on January 1 of year in loc.
func StartOfYear(year int, loc *time.Location) time.Time {
	return time.Date(year, time.January, 1, 0, 0, 0, 0, loc)
}
