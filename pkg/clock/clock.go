// Package clock lets time-dependent code be driven by tests.
package clock

import "time"

// Clock reports the current time.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// Real is the wall clock.
type Real struct{}

// New returns the wall clock.
func New() Clock {
	return Real{}
}

func (Real) Now() time.Time {
	return time.Now()
}

func (Real) Since(t time.Time) time.Duration {
	return time.Since(t)
}
