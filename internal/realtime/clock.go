package realtime

import "time"

// Timer is a cancellable single-shot timer handle.
type Timer interface {
	// Stop prevents the timer from firing. Reports whether it was stopped
	// before firing.
	Stop() bool
}

// Clock abstracts time so tests can drive timers deterministically. The
// production implementation delegates straight to the time package; every
// component in this package schedules exclusively through its injected
// Clock rather than calling time.AfterFunc directly.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	// AfterFunc runs fn on its own goroutine after d elapses.
	AfterFunc(d time.Duration, fn func()) Timer
}

type realClock struct{}

// RealClock returns the wall-clock implementation.
func RealClock() Clock { return realClock{} }

func (realClock) Now() time.Time                  { return time.Now() }
func (realClock) Since(t time.Time) time.Duration { return time.Since(t) }

func (realClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}
