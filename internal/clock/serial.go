package clock

import (
	"sync"
	"time"
)

// Serial is the single logical thread of one execution context.
//
// All component state of a context is touched only inside Do (or inside a
// Task callback, which runs through Do). Work that must happen after the
// logical thread yields, such as network I/O or calling back into
// collaborator code, is queued with Defer and runs right after the lock is
// released, on the same goroutine.
type Serial struct {
	clock Clock

	mu       sync.Mutex
	deferred []func()
}

// NewSerial creates a serial executor driven by clock.
func NewSerial(c Clock) *Serial {
	return &Serial{clock: c}
}

// Clock returns the underlying clock.
func (s *Serial) Clock() Clock {
	return s.clock
}

// Now returns the clock's current time.
func (s *Serial) Now() time.Time {
	return s.clock.Now()
}

// NowMillis returns the clock's current time in Unix milliseconds.
func (s *Serial) NowMillis() int64 {
	return Millis(s.clock.Now())
}

// Do runs f on the logical thread, then runs whatever f deferred.
// Do must not be called from inside f.
func (s *Serial) Do(f func()) {
	s.mu.Lock()
	f()
	deferred := s.deferred
	s.deferred = nil
	s.mu.Unlock()

	for _, fn := range deferred {
		fn()
	}
}

// Defer queues f to run after the current Do returns its lock.
// Must be called from inside Do or a Task callback.
func (s *Serial) Defer(f func()) {
	s.deferred = append(s.deferred, f)
}

// Task is a timer bound to a Serial. Its callback runs inside Do.
type Task struct {
	timer   Timer
	stopped bool
	fired   bool
}

// AfterFunc schedules f to run on the logical thread after d.
// Must be called from inside Do or a Task callback.
func (s *Serial) AfterFunc(d time.Duration, f func()) *Task {
	t := &Task{}
	t.timer = s.clock.AfterFunc(d, func() {
		s.Do(func() {
			if t.stopped {
				return
			}
			t.fired = true
			f()
		})
	})
	return t
}

// Stop cancels the task. A stopped task never runs, even if its timer has
// already fired and is waiting for the lock. Safe on a nil Task.
// Must be called from inside Do or a Task callback.
func (t *Task) Stop() {
	if t == nil || t.stopped {
		return
	}
	t.stopped = true
	t.timer.Stop()
}

// Active reports whether the task is still scheduled.
func (t *Task) Active() bool {
	return t != nil && !t.stopped && !t.fired
}
