// Package clock is the single timer service used by the client core. The
// real implementation delegates to the time package; Virtual lets tests move
// time forward and fire due callbacks deterministically.
package clock

import "time"

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	// Stop prevents the callback from firing. It reports whether the call
	// stopped the timer, false if it already fired or was stopped.
	Stop() bool
}

// Clock tells the time and schedules callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

// Real returns a Clock backed by the wall clock.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Stop stops t if it is non-nil and returns nil, for use as
// `c.timer = clock.Stop(c.timer)`.
func Stop(t Timer) Timer {
	if t != nil {
		t.Stop()
	}
	return nil
}
