package store

import (
	"context"
	"fmt"
	"time"
)

// NodeRecord is the idempotent "node processed" side effect. ID is the
// content-addressed key from ids.NodeProcessedID; replays and retries hit
// the same ID and are dropped by ON CONFLICT.
type NodeRecord struct {
	JourneyID        string
	UserID           string
	NodeID           string
	NodeType         string
	JourneyStartedAt time.Time
	EventKey         string
	EventKeyName     string
}

// RecordNodeProcessed writes a node-processed record. Returns
// inserted=false when the record already exists (at-least-once
// redelivery), which is not an error.
func (s *Store) RecordNodeProcessed(ctx context.Context, id string, r NodeRecord) (inserted bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO node_processed
		(id, journey_id, user_id, node_id, node_type, journey_started_at, event_key, event_key_name, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, r.JourneyID, r.UserID, r.NodeID, r.NodeType,
		r.JourneyStartedAt.UnixMilli(), r.EventKey, r.EventKeyName, time.Now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("record node processed %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record node processed %s: rows affected: %w", id, err)
	}
	return n > 0, nil
}

// HasJourneyExited reports whether a terminal (exit) record exists for
// this (journey, user, eventKey, eventKeyName) tuple. The runnability
// guard uses this to decide whether a new instance may start.
func (s *Store) HasJourneyExited(ctx context.Context, journeyID, userID, eventKey, eventKeyName string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM node_processed
		WHERE journey_id = ? AND user_id = ? AND node_type = 'ExitNode'
		  AND event_key = ? AND event_key_name = ?
	`, journeyID, userID, eventKey, eventKeyName).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("journey exited %s/%s: %w", journeyID, userID, err)
	}
	return count > 0, nil
}

// NodeRecordCount returns the number of node-processed records for a
// (journey, user). Used by tests to assert idempotency.
func (s *Store) NodeRecordCount(ctx context.Context, journeyID, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM node_processed WHERE journey_id = ? AND user_id = ?
	`, journeyID, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("node record count: %w", err)
	}
	return count, nil
}
