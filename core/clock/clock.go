// Package clock abstracts the time source so timers can be driven deterministically in tests.
package clock

import "time"

// Clock is the subset of the time package used by the proctoring core.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f in its own goroutine (Real) or synchronously during Advance (Fake)
	// once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
	// NewTicker panics if d <= 0.
	NewTicker(d time.Duration) Ticker
}

type Timer interface {
	// Stop reports whether the call prevented the timer from firing.
	Stop() bool
}

type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

func (realClock) NewTicker(d time.Duration) Ticker { return realTicker{time.NewTicker(d)} }

type realTicker struct {
	t *time.Ticker
}

func (rt realTicker) C() <-chan time.Time { return rt.t.C }
func (rt realTicker) Stop()               { rt.t.Stop() }
