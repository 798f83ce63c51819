package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/driftline/driftline/internal/graph"
	"github.com/driftline/driftline/internal/ids"
	"github.com/driftline/driftline/internal/segment"
	"github.com/driftline/driftline/internal/store"
)

// Engine supervises journey runners: one goroutine per live instance,
// registered under its content-addressed instance key. Inbound events
// and segment updates fan out to matching runners.
//
// Thread-safety model:
//   - StartJourney, HandleEvent, SignalSegmentUpdate: safe from any
//     goroutine.
//   - All per-instance mutation stays on the runner's own goroutine;
//     the Engine only posts to mailboxes.
type Engine struct {
	deps Deps

	mu      sync.Mutex
	runners map[string]*registered
	wg      sync.WaitGroup
	closed  bool
}

type registered struct {
	runner      *Runner
	workspaceID string
	journeyID   string
	userID      string
}

// New creates an Engine.
func New(deps Deps) *Engine {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	return &Engine{
		deps:    deps,
		runners: make(map[string]*registered),
	}
}

// StartJourney begins one journey instance for a user. For event-entry
// journeys, entryEvent is the triggering event; if an instance with the
// same derived key is already live, the event is delivered to it as a
// keyed-event signal instead of starting a duplicate. Returns the
// instance key.
func (e *Engine) StartJourney(ctx context.Context, journeyID, userID string, entryEvent *segment.Event, opts ...RunnerOption) (string, error) {
	j, err := e.deps.Store.Journey(ctx, journeyID)
	if err != nil {
		return "", err
	}
	def, err := graph.DecodeDefinition(j.Definition)
	if err != nil {
		return "", fmt.Errorf("journey %s: %w", journeyID, err)
	}

	var eventKey, eventKeyName string
	if entry, ok := def.EntryNode.(graph.EventEntryNode); ok {
		if entryEvent == nil {
			return "", fmt.Errorf("journey %s: event-entry journey requires a triggering event", journeyID)
		}
		eventKey, eventKeyName = deriveEntryKey(entry, entryEvent)
	}

	key, err := ids.InstanceKey(journeyID, userID, eventKey, eventKeyName)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", fmt.Errorf("engine is shut down")
	}
	if reg, live := e.runners[key]; live {
		e.mu.Unlock()
		if entryEvent != nil {
			reg.runner.Signal(KeyedEventSignal{EventID: entryEvent.ID, Event: entryEvent})
		}
		return key, nil
	}

	r := NewRunner(e.deps, j, def, userID, entryEvent, opts...)
	e.runners[key] = &registered{
		runner:      r,
		workspaceID: j.WorkspaceID,
		journeyID:   journeyID,
		userID:      userID,
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.runners, key)
			e.mu.Unlock()
		}()
		if err := r.Run(context.WithoutCancel(ctx)); err != nil {
			e.deps.Log.Error("journey instance failed",
				"journey_id", journeyID,
				"user_id", userID,
				"error", err,
			)
		}
	}()

	return key, nil
}

// SignalSegmentUpdate fans a membership change out to every live
// instance of the user in the workspace. Stale versions are dropped by
// each instance's monotonicity check, so over-delivery is harmless.
func (e *Engine) SignalSegmentUpdate(workspaceID, segmentID, userID string, inSegment bool, version int64) {
	sig := SegmentUpdateSignal{SegmentID: segmentID, InSegment: inSegment, Version: version}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, reg := range e.runners {
		if reg.workspaceID == workspaceID && reg.userID == userID {
			reg.runner.Signal(sig)
		}
	}
}

// HandleEvent ingests one event: persist it to the log, deliver it to
// live instances of the user as a keyed-event signal, and start any
// running event-entry journey whose entry matches the event name.
func (e *Engine) HandleEvent(ctx context.Context, ev store.Event) error {
	if err := e.deps.Store.WriteEvent(ctx, ev); err != nil {
		return err
	}

	sev, err := segmentEvent(ev)
	if err != nil {
		return err
	}

	e.mu.Lock()
	for _, reg := range e.runners {
		if reg.workspaceID == ev.WorkspaceID && reg.userID == ev.UserID {
			reg.runner.Signal(KeyedEventSignal{EventID: ev.ID, Event: &sev})
		}
	}
	e.mu.Unlock()

	journeys, err := e.deps.Store.JourneysForWorkspace(ctx, ev.WorkspaceID)
	if err != nil {
		return err
	}
	for _, j := range journeys {
		if j.Status != store.JourneyRunning {
			continue
		}
		def, err := graph.DecodeDefinition(j.Definition)
		if err != nil {
			e.deps.Log.Error("stored journey definition does not decode",
				"journey_id", j.ID,
				"error", err,
			)
			continue
		}
		entry, ok := def.EntryNode.(graph.EventEntryNode)
		if !ok || entry.EventName != ev.Name {
			continue
		}
		if _, err := e.StartJourney(ctx, j.ID, ev.UserID, &sev); err != nil {
			return err
		}
	}
	return nil
}

// Live returns the number of live instances. Used by tests and the
// status endpoint.
func (e *Engine) Live() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.runners)
}

// Close shuts every runner down and waits for their goroutines.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	for _, reg := range e.runners {
		reg.runner.Close()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// segmentEvent converts a store event row to the evaluation view carried
// on keyed-event signals.
func segmentEvent(ev store.Event) (segment.Event, error) {
	props := map[string]any{}
	if len(ev.Properties) > 0 {
		if err := json.Unmarshal(ev.Properties, &props); err != nil {
			return segment.Event{}, fmt.Errorf("event %s: decode properties: %w", ev.ID, err)
		}
	}
	return segment.Event{
		ID:         ev.ID,
		UserID:     ev.UserID,
		Name:       ev.Name,
		Properties: props,
		Timestamp:  ev.Timestamp,
	}, nil
}
