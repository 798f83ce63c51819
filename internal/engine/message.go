package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/driftline/driftline/internal/dispatch"
	"github.com/driftline/driftline/internal/exec"
	"github.com/driftline/driftline/internal/graph"
	"github.com/driftline/driftline/internal/store"
)

// sendMessage interprets a MessageNode: status gate, optional
// consistency wait, dispatch, and failure policy. Every path resolves to
// "continue to child" or "abort to exit"; dispatch faults never
// propagate as errors.
func (r *Runner) sendMessage(ctx context.Context, n graph.MessageNode) (graph.Node, error) {
	j, err := r.deps.Store.Journey(ctx, r.journey.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			r.log.Error("journey row disappeared, substituting exit")
			return graph.ExitNode{}, nil
		}
		return nil, err
	}
	if j.Status != store.JourneyRunning {
		r.log.Info("message skipped, journey not in a sendable status",
			"node_id", string(n.NodeID),
			"status", string(j.Status),
		)
		// The skipped outcome is part of the observed trace, not just the
		// log stream.
		r.observe(TraceStep{
			NodeID:   string(n.NodeID),
			NodeType: string(graph.NodeTypeMessage),
			Note:     "skipped: journey status " + string(j.Status),
		})
		return graph.ExitNode{}, nil
	}

	if n.SyncProperties {
		ok, err := r.waitForConsistency(ctx, n)
		if err != nil {
			return nil, err
		}
		if !ok {
			return graph.ExitNode{}, nil
		}
	}

	props, err := r.deps.Store.UserProperties(ctx, r.journey.WorkspaceID, r.userID)
	if err != nil {
		return nil, err
	}

	var subscribed *bool
	if n.SubscriptionGroupID != "" {
		in, found, err := r.deps.Store.FindSegmentAssignment(ctx, r.journey.WorkspaceID, n.SubscriptionGroupID, r.userID)
		if err != nil {
			return nil, err
		}
		if found {
			subscribed = &in
		}
	}

	res, err := r.deps.Dispatcher.Send(ctx, dispatch.Request{
		WorkspaceID:    r.journey.WorkspaceID,
		UserID:         r.userID,
		Name:           n.Name,
		Channel:        n.Channel,
		TemplateID:     n.TemplateID,
		UserProperties: props,
		Subscribed:     subscribed,
	})
	if err != nil {
		// Transport failure is a failed outcome, not a traversal error.
		res = dispatch.Result{
			Status:  dispatch.StatusFailed,
			Failure: dispatch.FailureProviderRejected,
			Reason:  err.Error(),
		}
	}

	if res.Status == dispatch.StatusFailed {
		r.log.Warn("message dispatch failed",
			"node_id", string(n.NodeID),
			"failure", string(res.Failure),
			"reason", res.Reason,
			"skip_on_failure", n.SkipOnFailure,
		)
		if !n.SkipOnFailure {
			return graph.ExitNode{}, nil
		}
	}

	return r.child(n.Child), nil
}

// waitForConsistency blocks with bounded exponential retry until the
// computed-property pipeline reports coverage past the node's "now".
// Returns false on retry exhaustion, which ends the instance's
// remaining traversal.
func (r *Runner) waitForConsistency(ctx context.Context, n graph.MessageNode) (bool, error) {
	target := r.deps.Runtime.Now()

	delay := syncPropertiesBaseDelay
	for attempt := 0; attempt < syncPropertiesMaxAttempts; attempt++ {
		earliest, err := r.deps.Periods.EarliestComputePropertyPeriod(ctx, r.journey.WorkspaceID)
		if err != nil {
			return false, err
		}
		if !earliest.Before(target) {
			return true, nil
		}

		r.log.Debug("computed properties behind, retrying",
			"node_id", string(n.NodeID),
			"attempt", attempt+1,
			"earliest", earliest.UnixMilli(),
			"target", target.UnixMilli(),
		)
		if attempt < syncPropertiesMaxAttempts-1 {
			if err := exec.Sleep(ctx, r.deps.Runtime, delay); err != nil {
				return false, err
			}
			delay *= 2
		}
	}

	ee := &ExecError{
		Code:      ErrCodeConsistencyTimeout,
		Message:   fmt.Sprintf("computed properties did not catch up after %d attempts", syncPropertiesMaxAttempts),
		JourneyID: r.journey.ID,
		UserID:    r.userID,
		NodeID:    string(n.NodeID),
	}
	r.log.Error("consistency wait exhausted, aborting to exit", "error", ee.Error())
	return false, nil
}
