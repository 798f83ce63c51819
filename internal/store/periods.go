package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ComputedPropertyType distinguishes the two computed-property timelines.
type ComputedPropertyType string

const (
	PropertyTypeSegment      ComputedPropertyType = "Segment"
	PropertyTypeUserProperty ComputedPropertyType = "UserProperty"
)

// PeriodStep names a stage of the computation pipeline. Periods are
// tracked per step so "compute assignments" progress is independent of
// later stages.
type PeriodStep string

const (
	StepComputeAssignments PeriodStep = "ComputeAssignments"
	StepProcessAssignments PeriodStep = "ProcessAssignments"
)

// Period is one recorded window of pipeline progress for a computed
// property at a specific definition version. From is nil for the first
// period of a (property, version) chain.
type Period struct {
	WorkspaceID        string
	Type               ComputedPropertyType
	ComputedPropertyID string
	Version            string
	Step               PeriodStep
	From               *time.Time
	To                 time.Time
	CreatedAt          time.Time
}

// LastPeriodTo returns the newest period's To for one
// (property, version, step) chain. found=false means the chain has no
// periods yet.
func (s *Store) LastPeriodTo(ctx context.Context, workspaceID string, typ ComputedPropertyType, propertyID, version string, step PeriodStep) (time.Time, bool, error) {
	var to int64
	err := s.db.QueryRowContext(ctx, `
		SELECT to_ts FROM computed_property_periods
		WHERE workspace_id = ? AND type = ? AND computed_property_id = ? AND version = ? AND step = ?
		ORDER BY to_ts DESC LIMIT 1
	`, workspaceID, string(typ), propertyID, version, string(step)).Scan(&to)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last period for %s: %w", propertyID, err)
	}
	return time.UnixMilli(to), true, nil
}

// InsertPeriod appends one period row.
func (s *Store) InsertPeriod(ctx context.Context, p Period) error {
	var from any
	if p.From != nil {
		from = p.From.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO computed_property_periods
		(workspace_id, type, computed_property_id, version, step, from_ts, to_ts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, p.WorkspaceID, string(p.Type), p.ComputedPropertyID, p.Version, string(p.Step),
		from, p.To.UnixMilli(), p.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert period for %s: %w", p.ComputedPropertyID, err)
	}
	return nil
}

// PeriodsFor returns the full period chain for one (property, version,
// step), oldest first. Used by tests and diagnostics.
func (s *Store) PeriodsFor(ctx context.Context, workspaceID string, typ ComputedPropertyType, propertyID, version string, step PeriodStep) ([]Period, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT workspace_id, type, computed_property_id, version, step, from_ts, to_ts, created_at
		FROM computed_property_periods
		WHERE workspace_id = ? AND type = ? AND computed_property_id = ? AND version = ? AND step = ?
		ORDER BY to_ts
	`, workspaceID, string(typ), propertyID, version, string(step))
	if err != nil {
		return nil, fmt.Errorf("periods for %s: %w", propertyID, err)
	}
	defer rows.Close()

	var out []Period
	for rows.Next() {
		var p Period
		var typStr, stepStr string
		var from sql.NullInt64
		var to, created int64
		if err := rows.Scan(&p.WorkspaceID, &typStr, &p.ComputedPropertyID, &p.Version, &stepStr, &from, &to, &created); err != nil {
			return nil, fmt.Errorf("scan period: %w", err)
		}
		p.Type = ComputedPropertyType(typStr)
		p.Step = PeriodStep(stepStr)
		if from.Valid {
			t := time.UnixMilli(from.Int64)
			p.From = &t
		}
		p.To = time.UnixMilli(to)
		p.CreatedAt = time.UnixMilli(created)
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeletePeriodsBefore prunes stale periods for one (workspace, step).
// Pruning runs after each write so the table stays bounded to the
// retention window.
func (s *Store) DeletePeriodsBefore(ctx context.Context, workspaceID string, step PeriodStep, cutoff time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM computed_property_periods
		WHERE workspace_id = ? AND step = ? AND created_at < ?
	`, workspaceID, string(step), cutoff.UnixMilli())
	if err != nil {
		return fmt.Errorf("prune periods: %w", err)
	}
	return nil
}

// EarliestCurrentPeriodTo returns the minimum To across all computed
// properties' newest periods for a step. The newest period per property
// belongs to its current version, so this answers "how far has
// computation caught up for everything, at current definitions".
// found=false means no periods exist at all.
func (s *Store) EarliestCurrentPeriodTo(ctx context.Context, workspaceID string, step PeriodStep) (time.Time, bool, error) {
	var min sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MIN(latest.max_to) FROM (
			SELECT MAX(to_ts) AS max_to
			FROM computed_property_periods
			WHERE workspace_id = ? AND step = ?
			GROUP BY type, computed_property_id
		) latest
	`, workspaceID, string(step)).Scan(&min)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("earliest period: %w", err)
	}
	if !min.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(min.Int64), true, nil
}
