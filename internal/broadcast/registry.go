package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/driftline/driftline/internal/store"
)

// Registry supervises broadcast runners: one goroutine per live
// broadcast, addressable by id for control signals.
type Registry struct {
	deps Deps

	mu      sync.Mutex
	runners map[string]*Runner
	wg      sync.WaitGroup
	closed  bool
}

// NewRegistry creates a Registry.
func NewRegistry(deps Deps) *Registry {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	return &Registry{
		deps:    deps,
		runners: make(map[string]*Runner),
	}
}

// Start begins executing a broadcast. Starting an already-live broadcast
// is a no-op.
func (g *Registry) Start(ctx context.Context, id string) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return fmt.Errorf("broadcast registry is shut down")
	}
	if _, live := g.runners[id]; live {
		g.mu.Unlock()
		return nil
	}
	r := NewRunner(g.deps, id)
	g.runners[id] = r
	g.wg.Add(1)
	g.mu.Unlock()

	go func() {
		defer g.wg.Done()
		defer func() {
			g.mu.Lock()
			delete(g.runners, id)
			g.mu.Unlock()
		}()
		if err := r.Run(context.WithoutCancel(ctx)); err != nil {
			g.deps.Log.Error("broadcast failed", "broadcast_id", id, "error", err)
		}
	}()
	return nil
}

// Pause signals a live broadcast to pause at its next checkpoint.
func (g *Registry) Pause(id string) error {
	if !g.signal(id, SignalPause) {
		return fmt.Errorf("broadcast %s is not running", id)
	}
	return nil
}

// Resume continues a paused broadcast. A broadcast whose runner is gone
// (process restart) is restarted; the delivery ledger skips recipients
// already attempted.
func (g *Registry) Resume(ctx context.Context, id string) error {
	if g.signal(id, SignalResume) {
		return nil
	}

	b, err := g.deps.Store.Broadcast(ctx, id)
	if err != nil {
		return err
	}
	if b.Status != store.BroadcastPaused {
		return fmt.Errorf("broadcast %s is %s, not paused", id, b.Status)
	}
	return g.Start(ctx, id)
}

// Cancel terminates a broadcast. Live runners stop at their next
// checkpoint; a dead one transitions directly.
func (g *Registry) Cancel(ctx context.Context, id string) error {
	if g.signal(id, SignalCancel) {
		return nil
	}
	return g.deps.Store.SetBroadcastStatus(ctx, id, store.BroadcastCancelled)
}

func (g *Registry) signal(id string, sig ControlSignal) bool {
	g.mu.Lock()
	r, live := g.runners[id]
	g.mu.Unlock()
	if !live {
		return false
	}
	return r.Signal(sig)
}

// Live returns the number of live broadcast runners.
func (g *Registry) Live() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.runners)
}

// Close shuts every runner down and waits for their goroutines.
func (g *Registry) Close() {
	g.mu.Lock()
	g.closed = true
	for _, r := range g.runners {
		r.Close()
	}
	g.mu.Unlock()
	g.wg.Wait()
}
