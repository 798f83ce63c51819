package segment

import (
	"context"
	"log/slog"

	"github.com/driftline/driftline/internal/store"
)

// Resolver answers "is this user in this segment right now".
//
// Two paths:
//   - durable (default): point lookup against the asynchronously computed
//     assignment store; absence is false.
//   - keyed: only for KeyedPerformed definitions reached through an
//     event-entry journey, evaluated in-memory against the journey's
//     accumulated keyed events.
type Resolver struct {
	store *store.Store
	log   *slog.Logger
}

// NewResolver creates a Resolver backed by the durable store.
func NewResolver(s *store.Store, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{store: s, log: log}
}

// Resolve returns current membership. keyed may be nil; it is consulted
// only when the definition is KeyedPerformed and a key is present.
func (r *Resolver) Resolve(ctx context.Context, workspaceID, userID string, def Definition, keyed *KeyedContext) (bool, error) {
	if def.Kind == KindKeyedPerformed && keyed != nil && keyed.Key != "" {
		events, err := r.materialize(ctx, workspaceID, keyed)
		if err != nil {
			return false, err
		}
		in := EvaluateKeyed(def, keyed.Key, events)
		r.log.Debug("keyed segment evaluated",
			"segment_id", def.ID,
			"user_id", userID,
			"events", len(events),
			"in_segment", in,
		)
		return in, nil
	}

	in, found, err := r.store.FindSegmentAssignment(ctx, workspaceID, def.ID, userID)
	if err != nil {
		return false, err
	}
	if !found {
		// No assignment row yet: the pipeline has not seen this user, or
		// the user never matched. Absence is "not in segment".
		return false, nil
	}
	return in, nil
}
