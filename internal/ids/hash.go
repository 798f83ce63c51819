package ids

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainNodeProcessed = "driftline/node-processed/v1"
	DomainDelivery      = "driftline/delivery/v1"
	DomainInstance      = "driftline/instance/v1"
)

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// NodeProcessedID computes the content-addressed idempotency key for a
// "node processed" record. The same (journeyStartedAt, journeyId, userId,
// nodeType, nodeId) tuple always yields the same ID, so at-least-once
// redelivery cannot duplicate tracking events.
func NodeProcessedID(journeyID, userID, nodeType, nodeID string, journeyStartedAt time.Time) (string, error) {
	obj := map[string]any{
		"journey_id":         journeyID,
		"user_id":            userID,
		"node_type":          nodeType,
		"node_id":            nodeID,
		"journey_started_at": journeyStartedAt.UnixMilli(),
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("NodeProcessedID: failed to marshal: %w", err)
	}

	return hashWithDomain(DomainNodeProcessed, canonical), nil
}

// DeliveryID computes the content-addressed key for a broadcast delivery
// ledger entry. One entry exists per (broadcast, recipient) regardless of
// how many times the send attempt is replayed.
func DeliveryID(broadcastID, userID string) (string, error) {
	obj := map[string]any{
		"broadcast_id": broadcastID,
		"user_id":      userID,
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("DeliveryID: failed to marshal: %w", err)
	}

	return hashWithDomain(DomainDelivery, canonical), nil
}

// InstanceKey identifies one logical journey execution scope. Keyed-event
// journeys include the derived event key so the same user can hold several
// concurrent instances of the same journey, one per key.
func InstanceKey(journeyID, userID, eventKey, eventKeyName string) (string, error) {
	obj := map[string]any{
		"journey_id":     journeyID,
		"user_id":        userID,
		"event_key":      eventKey,
		"event_key_name": eventKeyName,
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("InstanceKey: failed to marshal: %w", err)
	}

	return hashWithDomain(DomainInstance, canonical), nil
}
