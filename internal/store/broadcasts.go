package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// BroadcastStatus is the broadcast state machine's persisted state.
type BroadcastStatus string

const (
	BroadcastDraft     BroadcastStatus = "Draft"
	BroadcastScheduled BroadcastStatus = "Scheduled"
	BroadcastRunning   BroadcastStatus = "Running"
	BroadcastPaused    BroadcastStatus = "Paused"
	BroadcastCompleted BroadcastStatus = "Completed"
	BroadcastCancelled BroadcastStatus = "Cancelled"
	BroadcastFailed    BroadcastStatus = "Failed"
)

// Broadcast is the stored broadcast row. Config holds the broadcast.Config
// JSON.
type Broadcast struct {
	ID          string
	WorkspaceID string
	SegmentID   string
	Config      []byte
	Status      BroadcastStatus
}

// DeliveryStatus classifies one ledger entry.
type DeliveryStatus string

const (
	DeliverySent    DeliveryStatus = "Sent"
	DeliveryFailed  DeliveryStatus = "Failed"
	DeliverySkipped DeliveryStatus = "Skipped"
)

// UpsertBroadcast inserts or replaces a broadcast row.
func (s *Store) UpsertBroadcast(ctx context.Context, b Broadcast) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO broadcasts (id, workspace_id, segment_id, config, status)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			workspace_id = excluded.workspace_id,
			segment_id = excluded.segment_id,
			config = excluded.config,
			status = excluded.status
	`, b.ID, b.WorkspaceID, b.SegmentID, string(b.Config), string(b.Status))
	if err != nil {
		return fmt.Errorf("upsert broadcast %s: %w", b.ID, err)
	}
	return nil
}

// Broadcast returns one broadcast row. Returns ErrNotFound when absent.
func (s *Store) Broadcast(ctx context.Context, id string) (Broadcast, error) {
	var b Broadcast
	var config, status string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, segment_id, config, status FROM broadcasts WHERE id = ?
	`, id).Scan(&b.ID, &b.WorkspaceID, &b.SegmentID, &config, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return Broadcast{}, fmt.Errorf("broadcast %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Broadcast{}, fmt.Errorf("read broadcast %s: %w", id, err)
	}
	b.Config = []byte(config)
	b.Status = BroadcastStatus(status)
	return b, nil
}

// SetBroadcastStatus persists a broadcast status transition.
func (s *Store) SetBroadcastStatus(ctx context.Context, id string, status BroadcastStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE broadcasts SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("set broadcast status %s: %w", id, err)
	}
	return nil
}

// AppendBroadcastRecipient explicitly adds a recipient beyond the target
// segment. Idempotent.
func (s *Store) AppendBroadcastRecipient(ctx context.Context, broadcastID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO broadcast_recipients (broadcast_id, user_id) VALUES (?, ?)
		ON CONFLICT DO NOTHING
	`, broadcastID, userID)
	if err != nil {
		return fmt.Errorf("append recipient %s/%s: %w", broadcastID, userID, err)
	}
	return nil
}

// BroadcastRecipients returns explicitly appended recipients, ordered by
// user id.
func (s *Store) BroadcastRecipients(ctx context.Context, broadcastID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM broadcast_recipients WHERE broadcast_id = ? ORDER BY user_id
	`, broadcastID)
	if err != nil {
		return nil, fmt.Errorf("broadcast recipients %s: %w", broadcastID, err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// RecordDelivery appends one delivery ledger entry. The ledger is
// append-only with one entry per (broadcast, recipient); inserted=false
// means the recipient was already attempted (resume/replay path) and the
// new outcome is discarded.
func (s *Store) RecordDelivery(ctx context.Context, id, broadcastID, userID string, status DeliveryStatus, failure string) (inserted bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO broadcast_deliveries (id, broadcast_id, user_id, status, failure, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(broadcast_id, user_id) DO NOTHING
	`, id, broadcastID, userID, string(status), failure, time.Now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("record delivery %s/%s: %w", broadcastID, userID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record delivery %s/%s: rows affected: %w", broadcastID, userID, err)
	}
	return n > 0, nil
}

// HasDelivery reports whether a ledger entry exists for a recipient.
func (s *Store) HasDelivery(ctx context.Context, broadcastID, userID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM broadcast_deliveries WHERE broadcast_id = ? AND user_id = ?
	`, broadcastID, userID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("has delivery %s/%s: %w", broadcastID, userID, err)
	}
	return count > 0, nil
}

// DeliveryCount returns the number of ledger entries with a status.
func (s *Store) DeliveryCount(ctx context.Context, broadcastID string, status DeliveryStatus) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM broadcast_deliveries WHERE broadcast_id = ? AND status = ?
	`, broadcastID, string(status)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("delivery count %s: %w", broadcastID, err)
	}
	return count, nil
}
