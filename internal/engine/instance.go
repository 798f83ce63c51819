package engine

import (
	"time"

	"github.com/driftline/driftline/internal/segment"
)

// assignment is one entry of the instance's monotonic-versioned segment
// membership map.
type assignment struct {
	inSegment bool
	version   int64
}

// instance is the per-run execution context: created when a trigger
// fires, mutated only by the runner's goroutine, discarded on exit.
// Re-entry starts a fresh instance so per-run history stays bounded.
type instance struct {
	// segments is the monotonic-versioned membership map updated by
	// accepted segment-update signals and by keyed evaluation.
	segments map[string]assignment

	// seenEventIDs de-duplicates keyed-event signals by event id.
	seenEventIDs map[string]bool

	// keyedEventIDs is the id-reference transport accumulation, in
	// arrival order.
	keyedEventIDs []string

	// keyedEvents is the payload transport accumulation, in arrival
	// order. Superseded by id-based fetch but still honored.
	keyedEvents []segment.Event

	// Entry metadata.
	eventKey     string
	eventKeyName string
	startedAt    time.Time

	// steps counts interpreter iterations against the safety valve.
	steps int
}

func newInstance(startedAt time.Time) *instance {
	return &instance{
		segments:     make(map[string]assignment),
		seenEventIDs: make(map[string]bool),
		startedAt:    startedAt,
	}
}

// applySegmentUpdate folds one segment-update signal into the membership
// map. Returns false when the update is stale (version not strictly
// greater than the stored version) and was dropped.
func (in *instance) applySegmentUpdate(sig SegmentUpdateSignal) bool {
	if cur, ok := in.segments[sig.SegmentID]; ok && sig.Version <= cur.version {
		return false
	}
	in.segments[sig.SegmentID] = assignment{inSegment: sig.InSegment, version: sig.Version}
	return true
}

// applyKeyedEvent folds one keyed-event signal into the accumulated
// window. Returns false for duplicate event ids.
func (in *instance) applyKeyedEvent(sig KeyedEventSignal) bool {
	id := sig.EventID
	if id == "" && sig.Event != nil {
		id = sig.Event.ID
	}
	if id == "" || in.seenEventIDs[id] {
		return false
	}
	in.seenEventIDs[id] = true

	if sig.Event != nil {
		in.keyedEvents = append(in.keyedEvents, *sig.Event)
	} else {
		in.keyedEventIDs = append(in.keyedEventIDs, id)
	}
	return true
}

// markInSegment records a keyed-evaluation result without a signal
// version. The stored version is kept so a later durable signal with a
// real version still wins.
func (in *instance) markInSegment(segmentID string) {
	cur := in.segments[segmentID]
	cur.inSegment = true
	in.segments[segmentID] = cur
}

// keyedContext builds the resolver context for keyed evaluation, or nil
// when the instance has no event key.
func (in *instance) keyedContext() *segment.KeyedContext {
	if in.eventKey == "" {
		return nil
	}
	return &segment.KeyedContext{
		Key:      in.eventKey,
		Events:   in.keyedEvents,
		EventIDs: in.keyedEventIDs,
	}
}
