// Package compute is the asynchronous assignment pipeline: it evaluates
// every segment definition in a workspace against the event log and
// reconciles the durable assignment store, then records a tracking
// period so message nodes can tell how fresh the computed state is.
package compute

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/driftline/driftline/internal/exec"
	"github.com/driftline/driftline/internal/period"
	"github.com/driftline/driftline/internal/segment"
	"github.com/driftline/driftline/internal/store"
)

// Runner executes one compute pass per call. It holds no state between
// passes; all progress lives in the store.
type Runner struct {
	store   *store.Store
	periods *period.Tracker
	runtime exec.Runtime
	log     *slog.Logger
}

// New creates a compute Runner.
func New(s *store.Store, periods *period.Tracker, rt exec.Runtime, log *slog.Logger) *Runner {
	if rt == nil {
		rt = exec.SystemRuntime{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Runner{store: s, periods: periods, runtime: rt, log: log}
}

// ComputeAssignments runs one full pass over a workspace's segments.
//
// For each segment: compile the definition to SQL, query the matching
// users, diff against stored assignments, and write the changes with a
// version derived from the pass timestamp. The monotonic-version guard
// in the store drops writes from an older pass that lands late.
//
// Keyed definitions have no durable membership and are skipped here;
// they are evaluated in-memory by the journey engine.
func (r *Runner) ComputeAssignments(ctx context.Context, workspaceID string) error {
	now := r.runtime.Now()
	version := now.UnixMilli()

	segments, err := r.store.SegmentsForWorkspace(ctx, workspaceID)
	if err != nil {
		return fmt.Errorf("compute assignments: %w", err)
	}

	var tracked []period.ComputedProperty
	for _, seg := range segments {
		def, err := segment.DecodeDefinition(seg.Definition)
		if err != nil {
			return fmt.Errorf("compute assignments: segment %s: %w", seg.ID, err)
		}
		def.ID = seg.ID
		def.WorkspaceID = seg.WorkspaceID

		if def.Kind == segment.KindKeyedPerformed {
			continue
		}

		changed, err := r.reconcileSegment(ctx, def, version)
		if err != nil {
			return fmt.Errorf("compute assignments: segment %s: %w", seg.ID, err)
		}

		r.log.Info("segment reconciled",
			"workspace_id", workspaceID,
			"segment_id", seg.ID,
			"changed", changed,
		)

		tracked = append(tracked, period.ComputedProperty{
			ID:      seg.ID,
			Type:    store.PropertyTypeSegment,
			Version: def.Version,
		})
	}

	if len(tracked) == 0 {
		return nil
	}
	if err := r.periods.CreatePeriods(ctx, workspaceID, tracked, now, store.StepComputeAssignments); err != nil {
		return fmt.Errorf("compute assignments: %w", err)
	}
	return nil
}

// reconcileSegment diffs the freshly evaluated member set against stored
// assignments and writes only the changed rows. Returns the number of
// writes issued.
func (r *Runner) reconcileSegment(ctx context.Context, def segment.Definition, version int64) (int, error) {
	matched, err := r.evaluate(ctx, def)
	if err != nil {
		return 0, err
	}

	current, err := r.store.SegmentMembers(ctx, def.WorkspaceID, def.ID)
	if err != nil {
		return 0, err
	}
	currentSet := make(map[string]struct{}, len(current))
	for _, u := range current {
		currentSet[u] = struct{}{}
	}

	changed := 0
	for u := range matched {
		if _, in := currentSet[u]; in {
			continue
		}
		if err := r.store.PutSegmentAssignment(ctx, def.WorkspaceID, def.ID, u, true, version); err != nil {
			return changed, err
		}
		changed++
	}
	for _, u := range current {
		if _, still := matched[u]; still {
			continue
		}
		if err := r.store.PutSegmentAssignment(ctx, def.WorkspaceID, def.ID, u, false, version); err != nil {
			return changed, err
		}
		changed++
	}
	return changed, nil
}

// evaluate runs the compiled definition query and returns the matching
// user ids as a set.
func (r *Runner) evaluate(ctx context.Context, def segment.Definition) (map[string]struct{}, error) {
	query, params, err := segment.MembersSQL(def)
	if err != nil {
		return nil, err
	}

	rows, err := r.store.Query(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("evaluate segment %s: %w", def.ID, err)
	}
	defer rows.Close()

	matched := make(map[string]struct{})
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan segment member: %w", err)
		}
		matched[u] = struct{}{}
	}
	return matched, rows.Err()
}

// SignalFunc receives assignment changes so the engine can wake waiting
// journeys without the compute pass importing the engine.
type SignalFunc func(workspaceID, segmentID, userID string, inSegment bool, version int64)

// ComputeAndSignal runs ComputeAssignments, then re-reads the changed
// memberships and invokes signal for each. Changes are detected by
// version: rows stamped with this pass's version are the ones it wrote.
func (r *Runner) ComputeAndSignal(ctx context.Context, workspaceID string, signal SignalFunc) error {
	before := r.runtime.Now().UnixMilli()
	if err := r.ComputeAssignments(ctx, workspaceID); err != nil {
		return err
	}
	if signal == nil {
		return nil
	}

	rows, err := r.store.Query(ctx, `
		SELECT segment_id, user_id, in_segment, version FROM segment_assignments
		WHERE workspace_id = ? AND version >= ?
		ORDER BY segment_id, user_id
	`, workspaceID, before)
	if err != nil {
		return fmt.Errorf("read changed assignments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var segmentID, userID string
		var in int
		var version int64
		if err := rows.Scan(&segmentID, &userID, &in, &version); err != nil {
			return fmt.Errorf("scan changed assignment: %w", err)
		}
		signal(workspaceID, segmentID, userID, in != 0, version)
	}
	return rows.Err()
}
