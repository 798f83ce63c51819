package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Event is one row of the append-only event log. Properties holds the
// event's property object as JSON.
type Event struct {
	ID          string
	WorkspaceID string
	UserID      string
	Name        string
	Properties  []byte
	Timestamp   time.Time
}

// WriteEvent appends an event. Uses ON CONFLICT(id) DO NOTHING so
// at-least-once ingestion never duplicates the log.
func (s *Store) WriteEvent(ctx context.Context, ev Event) error {
	props := string(ev.Properties)
	if props == "" {
		props = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, workspace_id, user_id, name, properties, ts)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, ev.ID, ev.WorkspaceID, ev.UserID, ev.Name, props, ev.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("write event %s: %w", ev.ID, err)
	}
	return nil
}

// EventsByID fetches events by id, ordered by (ts, id) for deterministic
// evaluation regardless of request order. Missing ids are silently
// absent from the result.
func (s *Store) EventsByID(ctx context.Context, workspaceID string, eventIDs []string) ([]Event, error) {
	if len(eventIDs) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(eventIDs))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(eventIDs)+1)
	args = append(args, workspaceID)
	for _, id := range eventIDs {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, workspace_id, user_id, name, properties, ts
		FROM events
		WHERE workspace_id = ? AND id IN (%s)
		ORDER BY ts, id
	`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("events by id: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// EventsForUser returns a user's events with the given name, ordered by
// (ts, id).
func (s *Store) EventsForUser(ctx context.Context, workspaceID, userID, name string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, user_id, name, properties, ts
		FROM events
		WHERE workspace_id = ? AND user_id = ? AND name = ?
		ORDER BY ts, id
	`, workspaceID, userID, name)
	if err != nil {
		return nil, fmt.Errorf("events for user %s: %w", userID, err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
}) ([]Event, error) {
	var out []Event
	for rows.Next() {
		var ev Event
		var props string
		var ts int64
		if err := rows.Scan(&ev.ID, &ev.WorkspaceID, &ev.UserID, &ev.Name, &props, &ts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Properties = []byte(props)
		ev.Timestamp = time.UnixMilli(ts)
		out = append(out, ev)
	}
	return out, rows.Err()
}
