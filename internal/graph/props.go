package graph

import (
	"encoding/json"
	"fmt"
)

// Definition payloads have evolved through three envelope versions. The
// envelope is resolved ONCE at decode time and normalized to the canonical
// Node structs; the interpreter never branches on version.
//
// Version history:
//
//	v1 - DelayNode carried only "seconds"; MessageNode carried only
//	     "templateId" (channel implied Email, no failure/sync flags).
//	v2 - DelayNode gained a flat "variant" string with per-variant fields
//	     inline; MessageNode gained "channel", "skipOnFailure" and
//	     "syncProperties".
//	v3 - DelayNode variant became a nested object; MessageNode gained
//	     "subscriptionGroupId". Current shape.
const (
	// EnvelopeVersionMin is the oldest decodable definition payload.
	EnvelopeVersionMin = 1
	// EnvelopeVersionCurrent is the version written by the compiler.
	EnvelopeVersionCurrent = 3
)

type envelope struct {
	Version   int               `json:"version"`
	EntryNode json.RawMessage   `json:"entryNode"`
	Nodes     []json.RawMessage `json:"nodes"`
}

// rawNode is the union of every field any version of any node type has
// carried. Per-version interpretation happens in decodeNode.
type rawNode struct {
	ID   NodeID   `json:"id"`
	Type NodeType `json:"type"`

	// Entry nodes.
	SegmentID string `json:"segmentId"`
	Event     string `json:"event"`
	Key       string `json:"key"`
	ReEntry   bool   `json:"reEntry"`

	Child NodeID `json:"child"`

	// DelayNode v1/v2 flat fields; v3 nested variant.
	Variant       json.RawMessage `json:"variant"`
	Seconds       int64           `json:"seconds"`
	Hour          int             `json:"hour"`
	Minute        int             `json:"minute"`
	Property      string          `json:"property"`
	OffsetSeconds int64           `json:"offsetSeconds"`
	Direction     DelayDirection  `json:"direction"`

	// WaitForNode.
	TimeoutSeconds  int64                 `json:"timeoutSeconds"`
	TimeoutChild    NodeID                `json:"timeoutChild"`
	SegmentChildren []WaitForSegmentChild `json:"segmentChildren"`

	// SegmentSplitNode.
	TrueChild  NodeID `json:"trueChild"`
	FalseChild NodeID `json:"falseChild"`

	// RandomCohortNode.
	Children []RandomCohortChild `json:"children"`

	// MessageNode.
	Name                string         `json:"name"`
	Channel             MessageChannel `json:"channel"`
	TemplateID          string         `json:"templateId"`
	SkipOnFailure       bool           `json:"skipOnFailure"`
	SyncProperties      bool           `json:"syncProperties"`
	SubscriptionGroupID string         `json:"subscriptionGroupId"`
}

type delayVariantV3 struct {
	Type          DelayVariant   `json:"type"`
	Seconds       int64          `json:"seconds"`
	Hour          int            `json:"hour"`
	Minute        int            `json:"minute"`
	Property      string         `json:"property"`
	OffsetSeconds int64          `json:"offsetSeconds"`
	Direction     DelayDirection `json:"direction"`
}

// DecodeDefinition parses a versioned definition payload and normalizes
// it to the canonical representation. The returned definition is already
// validated.
func DecodeDefinition(data []byte) (*Definition, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode definition envelope: %w", err)
	}
	if env.Version < EnvelopeVersionMin || env.Version > EnvelopeVersionCurrent {
		return nil, fmt.Errorf("unsupported definition version %d", env.Version)
	}
	if len(env.EntryNode) == 0 {
		return nil, fmt.Errorf("definition has no entry node")
	}

	entry, err := decodeNode(env.EntryNode, env.Version)
	if err != nil {
		return nil, fmt.Errorf("decode entry node: %w", err)
	}
	switch entry.(type) {
	case SegmentEntryNode, EventEntryNode:
	default:
		return nil, fmt.Errorf("entry node must be SegmentEntryNode or EventEntryNode, got %s", entry.Type())
	}

	def := &Definition{EntryNode: entry}
	for i, raw := range env.Nodes {
		n, err := decodeNode(raw, env.Version)
		if err != nil {
			return nil, fmt.Errorf("decode node %d: %w", i, err)
		}
		def.Nodes = append(def.Nodes, n)
	}

	if err := Validate(def); err != nil {
		return nil, err
	}
	return def, nil
}

func decodeNode(data json.RawMessage, version int) (Node, error) {
	var raw rawNode
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw.ID == "" && raw.Type != NodeTypeExit {
		return nil, fmt.Errorf("node of type %q has no id", raw.Type)
	}

	switch raw.Type {
	case NodeTypeSegmentEntry:
		return SegmentEntryNode{
			NodeID:    raw.ID,
			SegmentID: raw.SegmentID,
			Child:     raw.Child,
			ReEntry:   raw.ReEntry,
		}, nil

	case NodeTypeEventEntry:
		return EventEntryNode{
			NodeID:    raw.ID,
			EventName: raw.Event,
			Key:       raw.Key,
			Child:     raw.Child,
		}, nil

	case NodeTypeDelay:
		return decodeDelay(raw, version)

	case NodeTypeWaitFor:
		return WaitForNode{
			NodeID:          raw.ID,
			TimeoutSeconds:  raw.TimeoutSeconds,
			TimeoutChild:    raw.TimeoutChild,
			SegmentChildren: raw.SegmentChildren,
		}, nil

	case NodeTypeSegmentSplit:
		return SegmentSplitNode{
			NodeID:     raw.ID,
			SegmentID:  raw.SegmentID,
			TrueChild:  raw.TrueChild,
			FalseChild: raw.FalseChild,
		}, nil

	case NodeTypeRandomCohort:
		return RandomCohortNode{
			NodeID:   raw.ID,
			Children: raw.Children,
		}, nil

	case NodeTypeMessage:
		return decodeMessage(raw, version)

	case NodeTypeExit:
		return ExitNode{}, nil

	default:
		return nil, fmt.Errorf("unknown node type %q", raw.Type)
	}
}

func decodeDelay(raw rawNode, version int) (Node, error) {
	n := DelayNode{NodeID: raw.ID, Child: raw.Child}

	switch version {
	case 1:
		// v1 had only fixed seconds.
		n.Variant = DelaySeconds
		n.Seconds = raw.Seconds
		return n, nil

	case 2:
		// v2: flat variant string with inline fields.
		var variant DelayVariant
		if len(raw.Variant) > 0 {
			if err := json.Unmarshal(raw.Variant, &variant); err != nil {
				return nil, fmt.Errorf("delay node %s: variant: %w", raw.ID, err)
			}
		}
		if variant == "" {
			variant = DelaySeconds
		}
		n.Variant = variant
		n.Seconds = raw.Seconds
		n.Hour = raw.Hour
		n.Minute = raw.Minute
		n.Property = raw.Property
		n.OffsetSeconds = raw.OffsetSeconds
		n.Direction = raw.Direction
		return n, nil

	default:
		// v3: nested variant object.
		if len(raw.Variant) == 0 {
			return nil, fmt.Errorf("delay node %s: missing variant", raw.ID)
		}
		var v delayVariantV3
		if err := json.Unmarshal(raw.Variant, &v); err != nil {
			return nil, fmt.Errorf("delay node %s: variant: %w", raw.ID, err)
		}
		n.Variant = v.Type
		n.Seconds = v.Seconds
		n.Hour = v.Hour
		n.Minute = v.Minute
		n.Property = v.Property
		n.OffsetSeconds = v.OffsetSeconds
		n.Direction = v.Direction
		return n, nil
	}
}

func decodeMessage(raw rawNode, version int) (Node, error) {
	n := MessageNode{
		NodeID:     raw.ID,
		Name:       raw.Name,
		TemplateID: raw.TemplateID,
		Child:      raw.Child,
	}

	if version == 1 {
		// v1 predates channels and failure policy.
		n.Channel = ChannelEmail
		return n, nil
	}

	n.Channel = raw.Channel
	n.SkipOnFailure = raw.SkipOnFailure
	n.SyncProperties = raw.SyncProperties
	if version >= 3 {
		n.SubscriptionGroupID = raw.SubscriptionGroupID
	}
	if n.Channel == "" {
		n.Channel = ChannelEmail
	}
	return n, nil
}
