package exec

import (
	"context"
	"math/rand/v2"
	"time"
)

// Runtime isolates every nondeterministic read the state machines make:
// current time, uniform random draws, and timer creation. Branching
// decisions (cohort draws, delay computation) go through Runtime so a
// durable-execution substrate can substitute recorded, replay-safe
// implementations and reproduce the same decisions after a crash.
//
// Implemented by SystemRuntime (production, in-process) and
// testutil.Runtime (deterministic tests).
type Runtime interface {
	// Now returns the current instant. Replays must return the instant
	// recorded during first execution.
	Now() time.Time

	// Random returns a uniform draw in [0,1). Replays must return the
	// recorded draw.
	Random() float64

	// NewTimer returns a channel that fires once after d.
	NewTimer(d time.Duration) <-chan time.Time
}

// SystemRuntime is the in-process production runtime: wall clock, the
// shared PRNG, and real timers. It offers no durability across process
// restarts; a durable substrate supplies its own Runtime.
type SystemRuntime struct{}

func (SystemRuntime) Now() time.Time { return time.Now() }

func (SystemRuntime) Random() float64 { return rand.Float64() }

func (SystemRuntime) NewTimer(d time.Duration) <-chan time.Time { return time.After(d) }

// Sleep suspends for d on the runtime's timer, honoring cancellation.
// Non-positive durations return immediately (with the context error, if
// any).
func Sleep(ctx context.Context, r Runtime, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.NewTimer(d):
		return nil
	}
}
