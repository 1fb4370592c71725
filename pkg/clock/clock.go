// Package clock abstracts timers so the connection manager, the
// subscription registry and the staleness sweeper can be driven
// deterministically in tests.
package clock

import "time"

// Clock is the subset of the time package used by the services.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f in its own goroutine (Real) or synchronously
	// during Advance (Fake) once d has elapsed.
	AfterFunc(d time.Duration, f func()) *Timer
	NewTicker(d time.Duration) *Ticker
}

// Timer is a cancellable AfterFunc registration.
type Timer struct {
	stop func() bool
}

// Stop prevents the timer from firing. It reports whether the call
// stopped a pending timer. Stop on a nil Timer is a no-op.
func (t *Timer) Stop() bool {
	if t == nil || t.stop == nil {
		return false
	}
	return t.stop()
}

// Ticker delivers ticks on C until stopped. C has capacity 1; ticks are
// dropped when the reader falls behind.
type Ticker struct {
	C    <-chan time.Time
	stop func()
}

// Stop turns the ticker off. C is not closed.
func (t *Ticker) Stop() {
	if t == nil || t.stop == nil {
		return
	}
	t.stop()
}
