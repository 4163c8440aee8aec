// Package system provides the wall clock used to stamp records and events.
package system

import "time"

// Clock implements country.Clock with time.Now in UTC.
type Clock struct{}

// New creates a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time truncated to microseconds, the precision
// every storage backend keeps.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
