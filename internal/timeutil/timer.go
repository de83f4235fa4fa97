// Package timeutil provides cancellable delayed tasks used by the
// transaction and dialog state machines.
package timeutil

import (
	"sync"
	"time"
)

// Timer is a stoppable, resettable delayed task.
// Unlike a bare [time.Timer], it tracks its own start time and duration
// so callers can inspect the remaining time, and it guarantees the
// callback never fires after Stop returned true.
type Timer struct {
	mu        sync.Mutex
	startTime time.Time
	duration  time.Duration
	stopped   bool
	fired     bool
	callback  func()
	realTimer *time.Timer
}

// AfterFunc creates a started timer that calls f in its own goroutine
// after duration elapses.
func AfterFunc(duration time.Duration, f func()) *Timer {
	t := &Timer{
		startTime: time.Now(),
		duration:  duration,
		callback:  f,
	}
	t.realTimer = time.AfterFunc(duration, t.fire)
	return t
}

func (t *Timer) fire() {
	t.mu.Lock()
	if t.stopped || t.fired {
		t.mu.Unlock()
		return
	}
	t.fired = true
	f := t.callback
	t.mu.Unlock()

	if f != nil {
		f()
	}
}

// Stop cancels the timer. It reports whether the call stopped the timer
// before the callback started.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	if t.realTimer != nil {
		t.realTimer.Stop()
		t.realTimer = nil
	}
	return true
}

// Reset restarts the timer with a new duration, counting from now.
// The callback is preserved.
func (t *Timer) Reset(duration time.Duration) {
	if t == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.startTime = time.Now()
	t.duration = duration
	t.stopped = false
	t.fired = false
	if t.realTimer != nil {
		t.realTimer.Stop()
	}
	t.realTimer = time.AfterFunc(duration, t.fire)
}

// Duration returns the duration the timer was last armed with.
func (t *Timer) Duration() time.Duration {
	if t == nil {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.duration
}

// Left returns the time remaining until the timer fires.
// Returns 0 if the timer is stopped or already fired.
func (t *Timer) Left() time.Duration {
	if t == nil {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped || t.fired {
		return 0
	}
	left := t.duration - time.Since(t.startTime)
	if left < 0 {
		return 0
	}
	return left
}
