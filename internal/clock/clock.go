// Package clock provides the time source and the per-context serial executor.
//
// Every timer in tracelog (heartbeat, election jitter, inactivity, backoff,
// flush) is created through a Clock so that tests and the scenario harness
// can drive time deterministically with Fake.
package clock

import "time"

// Clock tells time and schedules callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	// Stop prevents the callback from running. Returns false if the
	// callback already ran or the timer was already stopped.
	Stop() bool
}

// Real is the wall clock.
type Real struct{}

// Now returns the current wall time.
func (Real) Now() time.Time { return time.Now() }

// AfterFunc runs f in its own goroutine after d.
func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Millis converts a time to Unix milliseconds, the unit of every persisted
// timestamp.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}
