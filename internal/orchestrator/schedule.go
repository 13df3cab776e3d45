package orchestrator

import (
	"sync"
	"time"
)

// Debouncer coalesces bursts of Trigger calls into one call of fn, delay after
// the last trigger. It is safe for concurrent use.
type Debouncer struct {
	delay time.Duration
	fn    func()

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// NewDebouncer creates an idle debouncer.
func NewDebouncer(delay time.Duration, fn func()) *Debouncer {
	return &Debouncer{delay: delay, fn: fn}
}

// Trigger (re)starts the timer. It is ignored after Stop.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.fire)
}

func (d *Debouncer) fire() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	d.mu.Unlock()

	d.fn()
}

// Pending reports whether a call is scheduled.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

// Stop cancels the pending call, if any, and disables the debouncer.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// Backoff is an exponential retry schedule: base, 2*base, 4*base, ... for at
// most maxAttempts retries.
type Backoff struct {
	base        time.Duration
	maxAttempts int
	attempt     int
}

// NewBackoff creates a schedule starting at base.
func NewBackoff(base time.Duration, maxAttempts int) *Backoff {
	return &Backoff{base: base, maxAttempts: maxAttempts}
}

// Next returns the delay before the next retry, or false when retries are
// exhausted.
func (b *Backoff) Next() (time.Duration, bool) {
	if b.attempt >= b.maxAttempts {
		return 0, false
	}
	delay := b.base << b.attempt
	b.attempt++
	return delay, true
}

// Attempt returns how many retries have been handed out.
func (b *Backoff) Attempt() int {
	return b.attempt
}

