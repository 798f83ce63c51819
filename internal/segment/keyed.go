package segment

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/driftline/driftline/internal/store"
)

// KeyedContext carries the in-memory event window for keyed evaluation.
// Two transports exist:
//
//   - payload transport (legacy): the full event payloads travel with the
//     signal and accumulate in Events.
//   - id-reference transport (current): only event ids travel; payloads
//     are resolved by a store fetch at evaluation time.
//
// Both transports normalize to the same []Event before the single
// evaluator runs, which is what keeps them equivalent for the same event
// set. keyed_test.go asserts this conformance.
type KeyedContext struct {
	// Key is the journey's derived event key; only events whose key
	// property equals it are relevant.
	Key string

	// Events are payload-transport events, in arrival order.
	Events []Event

	// EventIDs are id-reference-transport events, in arrival order.
	EventIDs []string
}

// EvaluateKeyed evaluates a KeyedPerformed definition against an event
// window. Pure: no store access, no clock. An event counts when its name
// matches, its key property equals key, and every condition holds.
func EvaluateKeyed(def Definition, key string, events []Event) bool {
	if def.Kind != KindKeyedPerformed || key == "" {
		return false
	}

	times := def.Times
	if times <= 0 {
		times = 1
	}

	count := 0
	for _, ev := range events {
		if ev.Name != def.Event {
			continue
		}
		evKey, ok := PathString(ev.Properties, def.Key)
		if !ok || evKey != key {
			continue
		}
		if !conditionsHold(def.Conditions, ev.Properties) {
			continue
		}
		count++
		if count >= times {
			return true
		}
	}
	return false
}

func conditionsHold(conds []PropertyCondition, props map[string]any) bool {
	for _, c := range conds {
		v, ok := LookupPath(props, c.Path)
		switch c.Operator {
		case OpExists:
			if !ok {
				return false
			}
		case OpEquals:
			if !ok || !valueEquals(v, c.Value) {
				return false
			}
		case OpGreaterThan:
			fv, fok := toFloat(v)
			cv, cok := toFloat(c.Value)
			if !ok || !fok || !cok || !(fv > cv) {
				return false
			}
		case OpLessThan:
			fv, fok := toFloat(v)
			cv, cok := toFloat(c.Value)
			if !ok || !fok || !cok || !(fv < cv) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func valueEquals(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// eventFromStore converts a stored event row into the evaluation view.
func eventFromStore(ev store.Event) (Event, error) {
	props := map[string]any{}
	if len(ev.Properties) > 0 {
		if err := json.Unmarshal(ev.Properties, &props); err != nil {
			return Event{}, fmt.Errorf("event %s: decode properties: %w", ev.ID, err)
		}
	}
	return Event{
		ID:         ev.ID,
		UserID:     ev.UserID,
		Name:       ev.Name,
		Properties: props,
		Timestamp:  ev.Timestamp,
	}, nil
}

// materialize normalizes a KeyedContext to one flat event list: inline
// payload events first, then id-referenced events fetched from the store.
// Ids already present inline are not fetched twice.
func (r *Resolver) materialize(ctx context.Context, workspaceID string, kc *KeyedContext) ([]Event, error) {
	events := make([]Event, 0, len(kc.Events)+len(kc.EventIDs))
	seen := make(map[string]bool, len(kc.Events))
	for _, ev := range kc.Events {
		events = append(events, ev)
		seen[ev.ID] = true
	}

	var missing []string
	for _, id := range kc.EventIDs {
		if !seen[id] {
			missing = append(missing, id)
			seen[id] = true
		}
	}
	if len(missing) == 0 {
		return events, nil
	}

	rows, err := r.store.EventsByID(ctx, workspaceID, missing)
	if err != nil {
		return nil, fmt.Errorf("fetch keyed events: %w", err)
	}
	for _, row := range rows {
		ev, err := eventFromStore(row)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}
