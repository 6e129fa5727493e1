// Package system provides the wall clock used to stamp snapshots and
// request bookkeeping.
package system

import "time"

// Resolution is the precision of stamped times.
const Resolution = time.Millisecond

// Clock reads the host clock in UTC, truncated to Resolution so stamps
// round-trip through JSON and log encoders unchanged.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time at Resolution.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(Resolution)
}
