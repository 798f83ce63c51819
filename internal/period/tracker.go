// Package period tracks how far the asynchronous computed-property
// pipeline has progressed, per workspace and per computed property.
//
// Periods for one (property, version, step) form a contiguous,
// monotonically advancing chain: each new period's From equals the
// previous period's To. A version change starts an unrelated timeline
// with From = nil - there is deliberately no continuity of coverage
// across a definition change.
package period

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/driftline/driftline/internal/store"
)

// DefaultRetention bounds how long stale periods are kept. Pruning runs
// after each CreatePeriods call.
const DefaultRetention = 5 * time.Minute

// ComputedProperty identifies one tracked property at a definition
// version.
type ComputedProperty struct {
	ID      string
	Type    store.ComputedPropertyType
	Version string
}

// Tracker reads and extends computed-property periods.
type Tracker struct {
	store     *store.Store
	log       *slog.Logger
	retention time.Duration
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithRetention overrides the stale-period retention window.
func WithRetention(d time.Duration) Option {
	return func(t *Tracker) {
		t.retention = d
	}
}

// New creates a Tracker with the default 5-minute retention.
func New(s *store.Store, log *slog.Logger, opts ...Option) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	t := &Tracker{store: s, log: log, retention: DefaultRetention}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// CreatePeriods records that computation processed up to now for each
// property. From chains to the prior period's To for the same
// (property, version); the first period of a chain has From = nil.
// Stale periods for this (workspace, step) are pruned afterwards.
func (t *Tracker) CreatePeriods(ctx context.Context, workspaceID string, props []ComputedProperty, now time.Time, step store.PeriodStep) error {
	for _, prop := range props {
		lastTo, found, err := t.store.LastPeriodTo(ctx, workspaceID, prop.Type, prop.ID, prop.Version, step)
		if err != nil {
			return fmt.Errorf("create periods: %w", err)
		}

		p := store.Period{
			WorkspaceID:        workspaceID,
			Type:               prop.Type,
			ComputedPropertyID: prop.ID,
			Version:            prop.Version,
			Step:               step,
			To:                 now,
			CreatedAt:          now,
		}
		if found {
			from := lastTo
			p.From = &from
		}

		if err := t.store.InsertPeriod(ctx, p); err != nil {
			return fmt.Errorf("create periods: %w", err)
		}

		t.log.Debug("period recorded",
			"workspace_id", workspaceID,
			"property_id", prop.ID,
			"version", prop.Version,
			"step", string(step),
			"chained", found,
			"to", now.UnixMilli(),
		)
	}

	if err := t.store.DeletePeriodsBefore(ctx, workspaceID, step, now.Add(-t.retention)); err != nil {
		return fmt.Errorf("prune periods: %w", err)
	}

	return nil
}

// EarliestComputePropertyPeriod returns the single timestamp the
// syncProperties check compares "now" against: the minimum To across all
// computed properties at their current version for the compute step.
//
// Absence of any periods is an error condition that is logged and
// reported as the zero time, per the tracker contract - callers treat it
// as "computation has not caught up to anything yet".
func (t *Tracker) EarliestComputePropertyPeriod(ctx context.Context, workspaceID string) (time.Time, error) {
	earliest, found, err := t.store.EarliestCurrentPeriodTo(ctx, workspaceID, store.StepComputeAssignments)
	if err != nil {
		return time.Time{}, fmt.Errorf("earliest compute period: %w", err)
	}
	if !found {
		t.log.Error("no compute periods exist for workspace",
			"workspace_id", workspaceID,
		)
		return time.Time{}, nil
	}
	return earliest, nil
}
