// Package system provides the clocks used to timestamp linkback records.
package system

import "time"

// Clock implements linkback.Clock using time.Now. Times are UTC and
// truncated to the microsecond precision Postgres stores, so records read
// back from any store compare equal to what was written.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// Frozen is a linkback.Clock that always reports the same instant.
type Frozen time.Time

// Now returns the frozen instant in UTC.
func (f Frozen) Now() time.Time {
	return time.Time(f).UTC()
}
