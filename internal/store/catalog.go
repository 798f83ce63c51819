package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// WorkspaceStatus gates all execution: runners poll it at suspension
// checkpoints and stop cooperatively when the workspace is not active.
type WorkspaceStatus string

const (
	WorkspaceActive WorkspaceStatus = "Active"
	WorkspacePaused WorkspaceStatus = "Paused"
)

// Workspace is the top-level tenancy unit.
type Workspace struct {
	ID     string
	Name   string
	Status WorkspaceStatus
}

// JourneyStatus controls whether message nodes may dispatch and whether
// re-entry is permitted.
type JourneyStatus string

const (
	JourneyNotStarted JourneyStatus = "NotStarted"
	JourneyRunning    JourneyStatus = "Running"
	JourneyPaused     JourneyStatus = "Paused"
)

// Journey is the stored journey catalog row. Definition holds the
// versioned envelope JSON decoded by graph.DecodeDefinition.
type Journey struct {
	ID             string
	WorkspaceID    string
	Name           string
	Status         JourneyStatus
	CanRunMultiple bool
	Definition     []byte
}

// Segment is the stored segment catalog row. Definition holds the
// segment predicate JSON decoded by segment.DecodeDefinition.
type Segment struct {
	ID          string
	WorkspaceID string
	Name        string
	Definition  []byte
}

// UpsertWorkspace inserts or replaces a workspace row.
func (s *Store) UpsertWorkspace(ctx context.Context, w Workspace) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workspaces (id, name, status) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, status = excluded.status
	`, w.ID, w.Name, string(w.Status))
	if err != nil {
		return fmt.Errorf("upsert workspace %s: %w", w.ID, err)
	}
	return nil
}

// WorkspaceStatus returns the status for a workspace.
// Returns ErrNotFound when the workspace does not exist.
func (s *Store) WorkspaceStatus(ctx context.Context, id string) (WorkspaceStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM workspaces WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("workspace %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("workspace status %s: %w", id, err)
	}
	return WorkspaceStatus(status), nil
}

// SetWorkspaceStatus updates a workspace's status.
func (s *Store) SetWorkspaceStatus(ctx context.Context, id string, status WorkspaceStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workspaces SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("set workspace status %s: %w", id, err)
	}
	return nil
}

// UpsertJourney inserts or replaces a journey row.
func (s *Store) UpsertJourney(ctx context.Context, j Journey) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO journeys (id, workspace_id, name, status, can_run_multiple, definition)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			workspace_id = excluded.workspace_id,
			name = excluded.name,
			status = excluded.status,
			can_run_multiple = excluded.can_run_multiple,
			definition = excluded.definition
	`, j.ID, j.WorkspaceID, j.Name, string(j.Status), boolToInt(j.CanRunMultiple), string(j.Definition))
	if err != nil {
		return fmt.Errorf("upsert journey %s: %w", j.ID, err)
	}
	return nil
}

// Journey returns one journey row. Returns ErrNotFound when absent.
func (s *Store) Journey(ctx context.Context, id string) (Journey, error) {
	var j Journey
	var status string
	var canMulti int
	var def string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, name, status, can_run_multiple, definition
		FROM journeys WHERE id = ?
	`, id).Scan(&j.ID, &j.WorkspaceID, &j.Name, &status, &canMulti, &def)
	if errors.Is(err, sql.ErrNoRows) {
		return Journey{}, fmt.Errorf("journey %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Journey{}, fmt.Errorf("read journey %s: %w", id, err)
	}
	j.Status = JourneyStatus(status)
	j.CanRunMultiple = canMulti != 0
	j.Definition = []byte(def)
	return j, nil
}

// JourneysForWorkspace returns all journeys in a workspace, ordered by id
// for deterministic iteration.
func (s *Store) JourneysForWorkspace(ctx context.Context, workspaceID string) ([]Journey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, name, status, can_run_multiple, definition
		FROM journeys WHERE workspace_id = ? ORDER BY id
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("journeys for workspace %s: %w", workspaceID, err)
	}
	defer rows.Close()

	var out []Journey
	for rows.Next() {
		var j Journey
		var status string
		var canMulti int
		var def string
		if err := rows.Scan(&j.ID, &j.WorkspaceID, &j.Name, &status, &canMulti, &def); err != nil {
			return nil, fmt.Errorf("scan journey: %w", err)
		}
		j.Status = JourneyStatus(status)
		j.CanRunMultiple = canMulti != 0
		j.Definition = []byte(def)
		out = append(out, j)
	}
	return out, rows.Err()
}

// SetJourneyStatus updates a journey's status.
func (s *Store) SetJourneyStatus(ctx context.Context, id string, status JourneyStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE journeys SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("set journey status %s: %w", id, err)
	}
	return nil
}

// UpsertSegment inserts or replaces a segment row.
func (s *Store) UpsertSegment(ctx context.Context, seg Segment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO segments (id, workspace_id, name, definition)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			workspace_id = excluded.workspace_id,
			name = excluded.name,
			definition = excluded.definition
	`, seg.ID, seg.WorkspaceID, seg.Name, string(seg.Definition))
	if err != nil {
		return fmt.Errorf("upsert segment %s: %w", seg.ID, err)
	}
	return nil
}

// Segment returns one segment row. Returns ErrNotFound when absent.
func (s *Store) Segment(ctx context.Context, id string) (Segment, error) {
	var seg Segment
	var def string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, name, definition FROM segments WHERE id = ?
	`, id).Scan(&seg.ID, &seg.WorkspaceID, &seg.Name, &def)
	if errors.Is(err, sql.ErrNoRows) {
		return Segment{}, fmt.Errorf("segment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Segment{}, fmt.Errorf("read segment %s: %w", id, err)
	}
	seg.Definition = []byte(def)
	return seg, nil
}

// SegmentsForWorkspace returns all segments in a workspace, ordered by id.
func (s *Store) SegmentsForWorkspace(ctx context.Context, workspaceID string) ([]Segment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, name, definition
		FROM segments WHERE workspace_id = ? ORDER BY id
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("segments for workspace %s: %w", workspaceID, err)
	}
	defer rows.Close()

	var out []Segment
	for rows.Next() {
		var seg Segment
		var def string
		if err := rows.Scan(&seg.ID, &seg.WorkspaceID, &seg.Name, &def); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		seg.Definition = []byte(def)
		out = append(out, seg)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
