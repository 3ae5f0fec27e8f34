// Package system provides the wall clock used for progress events and job
// log timestamps.
package system

import "time"

// Precision is the resolution of timestamps handed out by Clock. It matches
// Postgres timestamptz so job log rows read back equal to what was emitted.
const Precision = time.Microsecond

// Clock implements crawler.Clock with UTC wall time.
type Clock struct{}

// New creates a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time truncated to Precision.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(Precision)
}
