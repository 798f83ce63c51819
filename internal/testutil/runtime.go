// Package testutil provides a deterministic exec.Runtime for engine,
// compute, and broadcast tests.
package testutil

import (
	"sync"
	"time"
)

// Runtime is a deterministic runtime for tests: time only moves when
// Advance is called, random draws come from a script, and timers fire
// when the logical clock passes their deadline.
//
// The same scenario with the same Runtime script produces identical
// traces, which is what the golden tests compare.
//
// Thread-safety: all methods are safe for concurrent use via internal
// mutex. A runner goroutine may block on a timer while the test calls
// Advance.
type Runtime struct {
	mu      sync.Mutex
	now     time.Time
	randoms []float64
	randIdx int
	timers  []*timer
}

type timer struct {
	deadline time.Time
	ch       chan time.Time
}

// NewRuntime creates a Runtime with the logical clock set to start.
func NewRuntime(start time.Time) *Runtime {
	return &Runtime{now: start}
}

// Now returns the current logical time.
func (r *Runtime) Now() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.now
}

// Random returns the next scripted draw, cycling through the script.
// With no script it returns 0.
func (r *Runtime) Random() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.randoms) == 0 {
		return 0
	}
	v := r.randoms[r.randIdx%len(r.randoms)]
	r.randIdx++
	return v
}

// SetRandoms replaces the random script and resets its cursor.
func (r *Runtime) SetRandoms(vals ...float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.randoms = vals
	r.randIdx = 0
}

// NewTimer returns a channel that fires once the logical clock reaches
// now+d. A non-positive duration fires immediately.
func (r *Runtime) NewTimer(d time.Duration) <-chan time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan time.Time, 1)
	deadline := r.now.Add(d)
	if d <= 0 {
		ch <- r.now
		return ch
	}
	r.timers = append(r.timers, &timer{deadline: deadline, ch: ch})
	return ch
}

// Advance moves the logical clock forward and fires every timer whose
// deadline has passed.
func (r *Runtime) Advance(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.now = r.now.Add(d)

	remaining := r.timers[:0]
	for _, t := range r.timers {
		if !t.deadline.After(r.now) {
			t.ch <- r.now
			continue
		}
		remaining = append(remaining, t)
	}
	r.timers = remaining
}

// PendingTimers returns how many timers have not fired yet. Tests use it
// to wait until a runner has parked on a delay before advancing.
func (r *Runtime) PendingTimers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}
