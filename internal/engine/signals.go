package engine

import "github.com/driftline/driftline/internal/segment"

// Signal is the closed set of inbound messages a journey instance can
// receive while suspended. Signals are posted to the runner's mailbox
// from any goroutine and drained by the runner's single goroutine.
type Signal interface {
	isSignal()
}

// KeyedEventSignal delivers a new triggering event to an event-scoped
// instance. EventID is the id-reference transport; Event, when non-nil,
// is the payload transport. Duplicate event ids are ignored.
type KeyedEventSignal struct {
	EventID string
	Event   *segment.Event
}

func (KeyedEventSignal) isSignal() {}

// SegmentUpdateSignal delivers a computed membership change. Accepted
// only when Version is strictly greater than the last recorded version
// for that segment; stale or out-of-order updates are silently dropped.
type SegmentUpdateSignal struct {
	SegmentID string
	InSegment bool
	Version   int64
}

func (SegmentUpdateSignal) isSignal() {}
