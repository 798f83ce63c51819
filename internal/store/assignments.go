package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PutSegmentAssignment upserts one computed segment membership. The write
// is accepted only when version is strictly greater than the stored
// version; stale or out-of-order pipeline writes are silently dropped
// (monotonicity invariant).
func (s *Store) PutSegmentAssignment(ctx context.Context, workspaceID, segmentID, userID string, inSegment bool, version int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO segment_assignments (workspace_id, segment_id, user_id, in_segment, version)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(workspace_id, segment_id, user_id) DO UPDATE SET
			in_segment = excluded.in_segment,
			version = excluded.version
		WHERE excluded.version > segment_assignments.version
	`, workspaceID, segmentID, userID, boolToInt(inSegment), version)
	if err != nil {
		return fmt.Errorf("put segment assignment %s/%s: %w", segmentID, userID, err)
	}
	return nil
}

// FindSegmentAssignment is the durable resolution path: a point lookup
// against the asynchronously computed store. found=false means no
// assignment row exists, which callers treat as "not in segment".
func (s *Store) FindSegmentAssignment(ctx context.Context, workspaceID, segmentID, userID string) (inSegment bool, found bool, err error) {
	var in int
	err = s.db.QueryRowContext(ctx, `
		SELECT in_segment FROM segment_assignments
		WHERE workspace_id = ? AND segment_id = ? AND user_id = ?
	`, workspaceID, segmentID, userID).Scan(&in)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("find segment assignment %s/%s: %w", segmentID, userID, err)
	}
	return in != 0, true, nil
}

// SegmentMembers returns the users currently in a segment, ordered by
// user id for deterministic broadcast fan-out.
func (s *Store) SegmentMembers(ctx context.Context, workspaceID, segmentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM segment_assignments
		WHERE workspace_id = ? AND segment_id = ? AND in_segment = 1
		ORDER BY user_id
	`, workspaceID, segmentID)
	if err != nil {
		return nil, fmt.Errorf("segment members %s: %w", segmentID, err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan segment member: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// PutUserProperty upserts one computed user-property assignment.
func (s *Store) PutUserProperty(ctx context.Context, workspaceID, userID, name, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_property_assignments (workspace_id, user_id, name, value)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(workspace_id, user_id, name) DO UPDATE SET value = excluded.value
	`, workspaceID, userID, name, value)
	if err != nil {
		return fmt.Errorf("put user property %s/%s: %w", userID, name, err)
	}
	return nil
}

// UserProperties returns all computed user-property assignments for one
// user as a name→value map.
func (s *Store) UserProperties(ctx context.Context, workspaceID, userID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, value FROM user_property_assignments
		WHERE workspace_id = ? AND user_id = ?
		ORDER BY name
	`, workspaceID, userID)
	if err != nil {
		return nil, fmt.Errorf("user properties %s: %w", userID, err)
	}
	defer rows.Close()

	props := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("scan user property: %w", err)
		}
		props[name] = value
	}
	return props, rows.Err()
}
