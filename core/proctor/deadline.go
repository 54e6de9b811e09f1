package proctor

import (
	"sync"
	"time"

	"github.com/trezcool/masomo-proctor/core/clock"
)

// Deadline fires once at an absolute wall-clock instant.
//
// Timers measure elapsed time, which can lag the wall clock after a host suspend, so a
// wake-up re-reads the wall clock and re-arms if it came early. Check lets callers that
// observe the clock anyway (the intake loop, a reattach) fire a late deadline immediately.
type Deadline struct {
	clk       clock.Clock
	expiresAt time.Time
	fire      func()

	mu        sync.Mutex
	timer     clock.Timer
	fired     bool
	cancelled bool
}

func NewDeadline(clk clock.Clock, expiresAt time.Time, fire func()) *Deadline {
	return &Deadline{
		clk:       clk,
		expiresAt: expiresAt.Round(0),
		fire:      fire,
	}
}

func (d *Deadline) ExpiresAt() time.Time {
	return d.expiresAt
}

// Arm schedules the fire for the remaining wall-clock time. Arming a fired or cancelled
// deadline does nothing; arming twice replaces the pending timer.
func (d *Deadline) Arm() {
	d.mu.Lock()
	if d.fired || d.cancelled {
		d.mu.Unlock()
		return
	}
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	remaining := d.expiresAt.Sub(d.wallNow())
	d.mu.Unlock()

	// AfterFunc may run wake synchronously when remaining <= 0, so no lock is held here.
	t := d.clk.AfterFunc(remaining, d.wake)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fired || d.cancelled {
		t.Stop()
		return
	}
	d.timer = t
}

// Check fires the deadline if now is at or past the expiry. It reports whether the
// deadline has fired, by this call or an earlier one.
func (d *Deadline) Check(now time.Time) bool {
	d.mu.Lock()
	if d.fired {
		d.mu.Unlock()
		return true
	}
	if d.cancelled || now.Round(0).Before(d.expiresAt) {
		d.mu.Unlock()
		return false
	}
	d.fired = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()

	d.fire()
	return true
}

// Cancel prevents any later fire. It reports whether the deadline was still pending.
func (d *Deadline) Cancel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fired || d.cancelled {
		return false
	}
	d.cancelled = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	return true
}

func (d *Deadline) Fired() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fired
}

// Remaining is never negative.
func (d *Deadline) Remaining() time.Duration {
	if r := d.expiresAt.Sub(d.wallNow()); r > 0 {
		return r
	}
	return 0
}

func (d *Deadline) wake() {
	if d.Check(d.wallNow()) {
		return
	}
	d.Arm()
}

// wallNow drops the monotonic reading so comparisons use the wall clock.
func (d *Deadline) wallNow() time.Time {
	return d.clk.Now().Round(0)
}
