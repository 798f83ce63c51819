package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/driftline/driftline/internal/dispatch"
	"github.com/driftline/driftline/internal/exec"
	"github.com/driftline/driftline/internal/graph"
	"github.com/driftline/driftline/internal/ids"
	"github.com/driftline/driftline/internal/period"
	"github.com/driftline/driftline/internal/segment"
	"github.com/driftline/driftline/internal/store"
)

// syncPropertiesBaseDelay and syncPropertiesMaxAttempts bound the
// MessageNode consistency wait: base delay 10s, doubled per attempt, at
// most 5 attempts before the instance aborts to exit.
const (
	syncPropertiesBaseDelay   = 10 * time.Second
	syncPropertiesMaxAttempts = 5
)

// errHalted signals cooperative shutdown (mailbox closed while
// suspended). Run translates it to a clean return.
var errHalted = errors.New("engine: runner halted")

// Deps bundles the collaborators a Runner needs. All fields except
// Observer are required.
type Deps struct {
	Store      *store.Store
	Resolver   *segment.Resolver
	Periods    *period.Tracker
	Dispatcher dispatch.Dispatcher
	Runtime    exec.Runtime
	Log        *slog.Logger

	// Observer, when set, receives one TraceStep per visited node, in
	// visit order. Used by tests and the trace command.
	Observer func(TraceStep)
}

// TraceStep is one observed node visit.
type TraceStep struct {
	NodeID   string `json:"nodeId"`
	NodeType string `json:"nodeType"`
	Note     string `json:"note,omitempty"`
}

// Runner interprets one journey definition for one user.
//
// CRITICAL: all instance mutation happens on the goroutine that calls
// Run. External callers deliver signals through Signal(), which posts to
// the runner's mailbox; the runner drains it at suspension points.
type Runner struct {
	deps    Deps
	journey store.Journey
	def     *graph.Definition
	userID  string

	// entryEvent is the triggering event for event-entry journeys; nil
	// for segment-entry journeys.
	entryEvent *segment.Event

	// disableContinuation returns control to the caller after exit
	// instead of re-entering.
	disableContinuation bool

	mailbox *exec.Mailbox[Signal]
	log     *slog.Logger

	// segDefs caches decoded segment definitions for the run.
	segDefs map[string]segment.Definition
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithDisableContinuation makes Run return after the first exit instead
// of re-entering. Tests and one-shot CLI runs use it.
func WithDisableContinuation() RunnerOption {
	return func(r *Runner) {
		r.disableContinuation = true
	}
}

// NewRunner creates a Runner for one (journey, user) pair. def must have
// passed graph.Validate.
func NewRunner(deps Deps, journey store.Journey, def *graph.Definition, userID string, entryEvent *segment.Event, opts ...RunnerOption) *Runner {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	r := &Runner{
		deps:       deps,
		journey:    journey,
		def:        def,
		userID:     userID,
		entryEvent: entryEvent,
		mailbox:    exec.NewMailbox[Signal](),
		log: log.With(
			"journey_id", journey.ID,
			"user_id", userID,
		),
		segDefs: make(map[string]segment.Definition),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Signal delivers an inbound signal. Safe from any goroutine. Returns
// false once the runner has shut down.
func (r *Runner) Signal(sig Signal) bool {
	return r.mailbox.Post(sig)
}

// Close rejects further signals and wakes the runner if suspended.
func (r *Runner) Close() {
	r.mailbox.Close()
}

// Run executes the journey until exit, then re-enters while the re-entry
// conditions hold (unless continuation is disabled). Blocks the calling
// goroutine; returns nil on clean termination.
func (r *Runner) Run(ctx context.Context) error {
	defer r.mailbox.Close()

	for {
		reenter, err := r.runOnce(ctx)
		if errors.Is(err, errHalted) {
			return nil
		}
		if err != nil {
			return err
		}
		if !reenter {
			return nil
		}
		if r.disableContinuation {
			r.log.Info("re-entry conditions hold, continuation disabled")
			return nil
		}
		r.log.Info("journey re-entry, starting fresh instance")
	}
}

// runOnce executes one instance from entry to exit. Returns whether the
// re-entry conditions hold afterwards.
func (r *Runner) runOnce(ctx context.Context) (bool, error) {
	inst := newInstance(r.deps.Runtime.Now())

	if entry, ok := r.def.EntryNode.(graph.EventEntryNode); ok {
		if r.entryEvent == nil {
			r.log.Warn("event-entry journey started without an event, no-op")
			return false, nil
		}
		inst.eventKey, inst.eventKeyName = deriveEntryKey(entry, r.entryEvent)
		inst.applyKeyedEvent(KeyedEventSignal{EventID: r.entryEvent.ID, Event: r.entryEvent})
	}

	exited, err := r.deps.Store.HasJourneyExited(ctx, r.journey.ID, r.userID, inst.eventKey, inst.eventKeyName)
	if err != nil {
		return false, err
	}
	if exited {
		active, err := r.workspaceActive(ctx)
		if err != nil {
			return false, err
		}
		if !r.journey.CanRunMultiple || !active {
			r.log.Info("journey already exited for this key, no-op",
				"event_key", inst.eventKey,
			)
			return false, nil
		}
	}

	current := r.def.EntryNode
	maxSteps := r.def.NodeCount() + 1

	for {
		if inst.steps >= maxSteps {
			ee := &ExecError{
				Code:      ErrCodeStepsExceeded,
				Message:   fmt.Sprintf("interpreter exceeded %d steps, graph is cyclic", maxSteps),
				JourneyID: r.journey.ID,
				UserID:    r.userID,
				NodeID:    string(current.ID()),
			}
			r.log.Error("forced termination", "error", ee.Error())
			return false, nil
		}
		inst.steps++

		if err := r.recordVisit(ctx, inst, current); err != nil {
			return false, err
		}
		if current.Type() == graph.NodeTypeExit {
			break
		}

		next, err := r.interpret(ctx, inst, current)
		if err != nil {
			return false, err
		}
		current = next
	}

	return r.shouldReenter(ctx)
}

// deriveEntryKey computes the instance's stable event key. A declared
// key path is extracted from the triggering event's properties; failed
// extraction and the no-key case both fall back to the event's own id.
func deriveEntryKey(entry graph.EventEntryNode, ev *segment.Event) (key, keyName string) {
	if entry.Key != "" {
		if v, ok := segment.PathString(ev.Properties, entry.Key); ok {
			return v, entry.Key
		}
	}
	return ev.ID, ""
}

// recordVisit writes the idempotent node-processed record and notifies
// the observer. At-least-once redelivery hits the same content-addressed
// id and is dropped by the store.
func (r *Runner) recordVisit(ctx context.Context, inst *instance, node graph.Node) error {
	id, err := ids.NodeProcessedID(r.journey.ID, r.userID, string(node.Type()), string(node.ID()), inst.startedAt)
	if err != nil {
		return err
	}
	inserted, err := r.deps.Store.RecordNodeProcessed(ctx, id, store.NodeRecord{
		JourneyID:        r.journey.ID,
		UserID:           r.userID,
		NodeID:           string(node.ID()),
		NodeType:         string(node.Type()),
		JourneyStartedAt: inst.startedAt,
		EventKey:         inst.eventKey,
		EventKeyName:     inst.eventKeyName,
	})
	if err != nil {
		return err
	}

	r.log.Debug("node visited",
		"node_id", string(node.ID()),
		"node_type", string(node.Type()),
		"recorded", inserted,
		"step", inst.steps,
	)
	r.observe(TraceStep{NodeID: string(node.ID()), NodeType: string(node.Type())})
	return nil
}

// observe forwards one trace step to the observer when one is attached.
func (r *Runner) observe(step TraceStep) {
	if r.deps.Observer != nil {
		r.deps.Observer(step)
	}
}

// interpret executes one non-exit node and returns the next node.
// Graph-integrity defects and unknown node types substitute the exit
// node, never an error.
func (r *Runner) interpret(ctx context.Context, inst *instance, node graph.Node) (graph.Node, error) {
	switch n := node.(type) {
	case graph.SegmentEntryNode:
		in, err := r.membership(ctx, inst, n.SegmentID)
		if err != nil {
			return nil, err
		}
		if !in {
			if err := r.awaitSegment(ctx, inst, n.SegmentID); err != nil {
				return nil, err
			}
			if halt, err := r.livenessCheck(ctx); err != nil || halt {
				return graph.ExitNode{}, err
			}
		}
		return r.child(n.Child), nil

	case graph.EventEntryNode:
		return r.child(n.Child), nil

	case graph.DelayNode:
		d, err := r.delayDuration(ctx, n)
		if errors.Is(err, errUnknownDelayVariant) {
			return graph.ExitNode{}, nil
		}
		if err != nil {
			return nil, err
		}
		if d > 0 {
			if err := r.suspendFor(ctx, inst, d); err != nil {
				return nil, err
			}
			if halt, err := r.livenessCheck(ctx); err != nil || halt {
				return graph.ExitNode{}, err
			}
		}
		return r.child(n.Child), nil

	case graph.WaitForNode:
		return r.waitFor(ctx, inst, n)

	case graph.SegmentSplitNode:
		in, err := r.membership(ctx, inst, n.SegmentID)
		if err != nil {
			return nil, err
		}
		if in {
			return r.child(n.TrueChild), nil
		}
		return r.child(n.FalseChild), nil

	case graph.RandomCohortNode:
		return r.drawCohort(n), nil

	case graph.MessageNode:
		return r.sendMessage(ctx, n)

	default:
		ee := &ExecError{
			Code:      ErrCodeUnknownNode,
			Message:   fmt.Sprintf("node type %q is not implemented", node.Type()),
			JourneyID: r.journey.ID,
			UserID:    r.userID,
			NodeID:    string(node.ID()),
		}
		r.log.Error("unknown node type, substituting exit", "error", ee.Error())
		return graph.ExitNode{}, nil
	}
}

// child resolves a child reference. A dangling reference is a
// data-authoring defect: logged, exit substituted.
func (r *Runner) child(id graph.NodeID) graph.Node {
	node, ok := r.def.Node(id)
	if !ok {
		ee := &ExecError{
			Code:      ErrCodeGraphIntegrity,
			Message:   fmt.Sprintf("child %q does not resolve", id),
			JourneyID: r.journey.ID,
			UserID:    r.userID,
			NodeID:    string(id),
		}
		r.log.Error("dangling child reference, substituting exit", "error", ee.Error())
		return graph.ExitNode{}
	}
	return node
}

// membership answers current segment membership for this instance. An
// accepted in-segment signal or keyed result wins; otherwise the
// resolver decides (keyed evaluation for keyed definitions, durable
// lookup for the rest).
func (r *Runner) membership(ctx context.Context, inst *instance, segmentID string) (bool, error) {
	if a, ok := inst.segments[segmentID]; ok && a.inSegment {
		return true, nil
	}

	def, ok, err := r.segmentDef(ctx, segmentID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	in, err := r.deps.Resolver.Resolve(ctx, r.journey.WorkspaceID, r.userID, def, inst.keyedContext())
	if err != nil {
		return false, err
	}
	if in && def.Kind == segment.KindKeyedPerformed {
		inst.markInSegment(segmentID)
	}
	return in, nil
}

// segmentDef loads and caches a segment definition. A missing segment is
// a data-authoring defect: logged, treated as "never a member".
func (r *Runner) segmentDef(ctx context.Context, segmentID string) (segment.Definition, bool, error) {
	if def, ok := r.segDefs[segmentID]; ok {
		return def, true, nil
	}

	row, err := r.deps.Store.Segment(ctx, segmentID)
	if errors.Is(err, store.ErrNotFound) {
		r.log.Error("referenced segment does not exist", "segment_id", segmentID)
		return segment.Definition{}, false, nil
	}
	if err != nil {
		return segment.Definition{}, false, err
	}

	def, err := segment.DecodeDefinition(row.Definition)
	if err != nil {
		r.log.Error("segment definition does not decode", "segment_id", segmentID, "error", err)
		return segment.Definition{}, false, nil
	}
	def.ID = row.ID
	def.WorkspaceID = row.WorkspaceID
	r.segDefs[segmentID] = def
	return def, true, nil
}

// awaitSegment suspends until an accepted signal reports in-segment for
// segmentID. Keyed-event signals are folded in while waiting; a keyed
// definition is re-evaluated against the expanded window.
func (r *Runner) awaitSegment(ctx context.Context, inst *instance, segmentID string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.mailbox.Wait():
			if r.mailbox.Closed() && r.mailbox.Len() == 0 {
				return errHalted
			}
			newKeyed := r.drain(inst)
			if a, ok := inst.segments[segmentID]; ok && a.inSegment {
				return nil
			}
			if newKeyed {
				in, err := r.membership(ctx, inst, segmentID)
				if err != nil {
					return err
				}
				if in {
					return nil
				}
			}
		}
	}
}

// waitFor implements WaitForNode: if any awaited segment is already
// satisfied at node entry, its child is selected without waiting and the
// timeout branch is never taken. Otherwise suspend until the first
// segment becomes true or the timeout elapses. Ties within one signal
// batch break by declared child order.
func (r *Runner) waitFor(ctx context.Context, inst *instance, n graph.WaitForNode) (graph.Node, error) {
	if child, ok, err := r.firstSatisfied(ctx, inst, n); err != nil || ok {
		return child, err
	}

	timeout := r.deps.Runtime.NewTimer(time.Duration(n.TimeoutSeconds) * time.Second)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-timeout:
			if halt, err := r.livenessCheck(ctx); err != nil || halt {
				return graph.ExitNode{}, err
			}
			return r.child(n.TimeoutChild), nil

		case <-r.mailbox.Wait():
			if r.mailbox.Closed() && r.mailbox.Len() == 0 {
				return nil, errHalted
			}
			r.drain(inst)
			child, ok, err := r.firstSatisfied(ctx, inst, n)
			if err != nil {
				return nil, err
			}
			if ok {
				if halt, err := r.livenessCheck(ctx); err != nil || halt {
					return graph.ExitNode{}, err
				}
				return child, nil
			}
		}
	}
}

// firstSatisfied evaluates the awaited segments in declared order and
// returns the child of the first satisfied one.
func (r *Runner) firstSatisfied(ctx context.Context, inst *instance, n graph.WaitForNode) (graph.Node, bool, error) {
	for _, sc := range n.SegmentChildren {
		in, err := r.membership(ctx, inst, sc.SegmentID)
		if err != nil {
			return nil, false, err
		}
		if in {
			return r.child(sc.ID), true, nil
		}
	}
	return nil, false, nil
}

// drawCohort maps one uniform draw onto cumulative percentage thresholds
// in declared order. A draw at or past the declared sum (rounding slack)
// clamps to the last child.
func (r *Runner) drawCohort(n graph.RandomCohortNode) graph.Node {
	if len(n.Children) == 0 {
		r.log.Error("cohort node has no children, substituting exit",
			"node_id", string(n.NodeID),
		)
		return graph.ExitNode{}
	}

	draw := r.deps.Runtime.Random() * 100
	cumulative := 0.0
	selected := n.Children[len(n.Children)-1]
	for _, c := range n.Children {
		cumulative += c.Percent
		if draw < cumulative {
			selected = c
			break
		}
	}

	r.log.Debug("cohort selected",
		"node_id", string(n.NodeID),
		"cohort", selected.Name,
		"draw", draw,
	)
	return r.child(selected.ID)
}

// suspendFor sleeps on the runtime timer while folding inbound signals
// into the instance, so state observed after the delay is current.
func (r *Runner) suspendFor(ctx context.Context, inst *instance, d time.Duration) error {
	timer := r.deps.Runtime.NewTimer(d)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer:
			return nil
		case <-r.mailbox.Wait():
			if r.mailbox.Closed() && r.mailbox.Len() == 0 {
				return errHalted
			}
			r.drain(inst)
		}
	}
}

// drain folds every pending signal into the instance. Returns whether
// any new keyed event was accepted.
func (r *Runner) drain(inst *instance) (newKeyed bool) {
	for {
		sig, ok := r.mailbox.TryRecv()
		if !ok {
			return newKeyed
		}
		switch s := sig.(type) {
		case SegmentUpdateSignal:
			if !inst.applySegmentUpdate(s) {
				r.log.Debug("stale segment update dropped",
					"segment_id", s.SegmentID,
					"version", s.Version,
				)
			}
		case KeyedEventSignal:
			if inst.applyKeyedEvent(s) {
				newKeyed = true
			}
		}
	}
}

// livenessCheck re-reads workspace status after a potentially long
// suspension. halt=true terminates the remaining graph traversal; the
// exit node's bookkeeping still runs.
func (r *Runner) livenessCheck(ctx context.Context) (halt bool, err error) {
	active, err := r.workspaceActive(ctx)
	if err != nil {
		return false, err
	}
	if !active {
		r.log.Info("workspace no longer active, terminating traversal")
		return true, nil
	}
	return false, nil
}

func (r *Runner) workspaceActive(ctx context.Context) (bool, error) {
	status, err := r.deps.Store.WorkspaceStatus(ctx, r.journey.WorkspaceID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return status == store.WorkspaceActive, nil
}

// shouldReenter evaluates the re-entry conditions after exit: multi-run
// allowed, journey still running, segment-entry node with re-entry
// enabled, and the user currently in the entry segment.
func (r *Runner) shouldReenter(ctx context.Context) (bool, error) {
	entry, ok := r.def.EntryNode.(graph.SegmentEntryNode)
	if !ok || !entry.ReEntry {
		return false, nil
	}
	if !r.journey.CanRunMultiple {
		return false, nil
	}

	j, err := r.deps.Store.Journey(ctx, r.journey.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if j.Status != store.JourneyRunning {
		return false, nil
	}

	def, found, err := r.segmentDef(ctx, entry.SegmentID)
	if err != nil || !found {
		return false, err
	}
	// Durable membership only: a fresh instance has no keyed window.
	return r.deps.Resolver.Resolve(ctx, r.journey.WorkspaceID, r.userID, def, nil)
}
