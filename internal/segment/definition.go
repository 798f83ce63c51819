package segment

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind discriminates segment definition variants.
type Kind string

const (
	// KindPerformed matches users who performed an event; membership is
	// computed asynchronously and resolved from the durable store.
	KindPerformed Kind = "Performed"
	// KindKeyedPerformed is the synchronous variant: membership can be
	// evaluated in-memory against a bounded window of keyed events, so an
	// event-scoped journey can react to its own triggering event before
	// the async pipeline has processed it.
	KindKeyedPerformed Kind = "KeyedPerformed"
)

// Operator compares one event property against a condition value.
type Operator string

const (
	OpEquals      Operator = "Equals"
	OpExists      Operator = "Exists"
	OpGreaterThan Operator = "GreaterThan"
	OpLessThan    Operator = "LessThan"
)

// PropertyCondition is one predicate over an event property path.
type PropertyCondition struct {
	Path     string   `json:"path"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value,omitempty"`
}

// Definition is a segment predicate: "user performed Event at least Times
// times, with all Conditions holding". For KeyedPerformed, Key names the
// property path whose value must equal the journey's derived event key.
type Definition struct {
	ID          string              `json:"id"`
	WorkspaceID string              `json:"workspaceId"`
	Name        string              `json:"name"`
	Kind        Kind                `json:"kind"`
	Event       string              `json:"event"`
	Key         string              `json:"key,omitempty"`
	Times       int                 `json:"times,omitempty"`
	Conditions  []PropertyCondition `json:"conditions,omitempty"`
	// Version changes whenever the definition changes; the period tracker
	// treats versions as unrelated timelines.
	Version string `json:"version"`
}

// DecodeDefinition parses a stored segment definition.
func DecodeDefinition(data []byte) (Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("decode segment definition: %w", err)
	}
	if def.Event == "" {
		return Definition{}, fmt.Errorf("segment %s: event is required", def.ID)
	}
	switch def.Kind {
	case KindPerformed, KindKeyedPerformed:
	default:
		return Definition{}, fmt.Errorf("segment %s: unknown kind %q", def.ID, def.Kind)
	}
	if def.Kind == KindKeyedPerformed && def.Key == "" {
		return Definition{}, fmt.Errorf("segment %s: keyed segment requires key", def.ID)
	}
	if def.Times <= 0 {
		def.Times = 1
	}
	return def, nil
}

// Event is the evaluation-time view of one user event.
type Event struct {
	ID         string
	UserID     string
	Name       string
	Properties map[string]any
	Timestamp  time.Time
}

// LookupPath resolves a dot-separated property path in an event property
// object. Returns ok=false when any path element is absent or not an
// object.
func LookupPath(props map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	cur := any(props)
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// PathString coerces a property path value to a string, the way entry-key
// derivation does: strings pass through, numbers and bools are formatted.
func PathString(props map[string]any, path string) (string, bool) {
	v, ok := LookupPath(props, path)
	if !ok {
		return "", false
	}
	switch val := v.(type) {
	case string:
		return val, true
	case float64:
		// JSON numbers decode as float64; integral values print without
		// a fractional part.
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val)), true
		}
		return fmt.Sprintf("%v", val), true
	case bool:
		return fmt.Sprintf("%t", val), true
	default:
		return "", false
	}
}
