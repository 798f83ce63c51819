package graph

import (
	"fmt"
	"math"
)

// ValidationError describes a structural defect in a journey definition.
type ValidationError struct {
	NodeID  NodeID
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("node %s: %s: %s", e.NodeID, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// cohortPercentTolerance bounds how far declared cohort percentages may
// drift from 100 before the definition is rejected.
const cohortPercentTolerance = 0.5

// Validate checks graph integrity before execution. Graphs are validated
// here, never during interpretation: the interpreter treats a missing
// child as a data-authoring defect and substitutes the exit node.
//
// Checks:
//   - node ids are unique and never the exit sentinel
//   - every child reference resolves to a body node or the exit sentinel
//   - the entry node is a SegmentEntryNode or EventEntryNode
//   - RandomCohortNode percentages sum to ~100 and each is non-negative
//   - WaitForNode declares at least one segment child and a timeout child
func Validate(d *Definition) error {
	if d == nil || d.EntryNode == nil {
		return &ValidationError{Field: "entryNode", Message: "definition has no entry node"}
	}

	switch d.EntryNode.(type) {
	case SegmentEntryNode, EventEntryNode:
	default:
		return &ValidationError{
			NodeID:  d.EntryNode.ID(),
			Field:   "entryNode",
			Message: fmt.Sprintf("entry must be SegmentEntryNode or EventEntryNode, got %s", d.EntryNode.Type()),
		}
	}

	seen := map[NodeID]bool{d.EntryNode.ID(): true}
	for _, n := range d.Nodes {
		id := n.ID()
		if id == ExitNodeID {
			return &ValidationError{NodeID: id, Field: "id", Message: "body node may not use the exit sentinel id"}
		}
		if seen[id] {
			return &ValidationError{NodeID: id, Field: "id", Message: "duplicate node id"}
		}
		seen[id] = true
	}

	resolve := func(owner NodeID, field string, child NodeID) error {
		if child == ExitNodeID {
			return nil
		}
		if child == "" {
			return &ValidationError{NodeID: owner, Field: field, Message: "missing child reference"}
		}
		if !seen[child] || child == d.EntryNode.ID() {
			if child == d.EntryNode.ID() {
				// Pointing back at the entry node is allowed; re-entry
				// loops are bounded by the interpreter's step valve.
				return nil
			}
			return &ValidationError{
				NodeID:  owner,
				Field:   field,
				Message: fmt.Sprintf("child %q does not resolve to any node", child),
			}
		}
		return nil
	}

	all := append([]Node{d.EntryNode}, d.Nodes...)
	for _, n := range all {
		switch node := n.(type) {
		case SegmentEntryNode:
			if node.SegmentID == "" {
				return &ValidationError{NodeID: node.NodeID, Field: "segmentId", Message: "required"}
			}
			if err := resolve(node.NodeID, "child", node.Child); err != nil {
				return err
			}

		case EventEntryNode:
			if node.EventName == "" {
				return &ValidationError{NodeID: node.NodeID, Field: "event", Message: "required"}
			}
			if err := resolve(node.NodeID, "child", node.Child); err != nil {
				return err
			}

		case DelayNode:
			switch node.Variant {
			case DelaySeconds, DelayLocalTime, DelayUserProperty:
			default:
				return &ValidationError{NodeID: node.NodeID, Field: "variant", Message: fmt.Sprintf("unknown delay variant %q", node.Variant)}
			}
			if err := resolve(node.NodeID, "child", node.Child); err != nil {
				return err
			}

		case WaitForNode:
			if len(node.SegmentChildren) == 0 {
				return &ValidationError{NodeID: node.NodeID, Field: "segmentChildren", Message: "at least one segment child is required"}
			}
			if err := resolve(node.NodeID, "timeoutChild", node.TimeoutChild); err != nil {
				return err
			}
			for i, c := range node.SegmentChildren {
				if c.SegmentID == "" {
					return &ValidationError{NodeID: node.NodeID, Field: fmt.Sprintf("segmentChildren[%d].segmentId", i), Message: "required"}
				}
				if err := resolve(node.NodeID, fmt.Sprintf("segmentChildren[%d].id", i), c.ID); err != nil {
					return err
				}
			}

		case SegmentSplitNode:
			if node.SegmentID == "" {
				return &ValidationError{NodeID: node.NodeID, Field: "segmentId", Message: "required"}
			}
			if err := resolve(node.NodeID, "trueChild", node.TrueChild); err != nil {
				return err
			}
			if err := resolve(node.NodeID, "falseChild", node.FalseChild); err != nil {
				return err
			}

		case RandomCohortNode:
			if len(node.Children) == 0 {
				return &ValidationError{NodeID: node.NodeID, Field: "children", Message: "at least one cohort is required"}
			}
			var sum float64
			for i, c := range node.Children {
				if c.Percent < 0 {
					return &ValidationError{NodeID: node.NodeID, Field: fmt.Sprintf("children[%d].percent", i), Message: "must be non-negative"}
				}
				sum += c.Percent
				if err := resolve(node.NodeID, fmt.Sprintf("children[%d].id", i), c.ID); err != nil {
					return err
				}
			}
			if math.Abs(sum-100) > cohortPercentTolerance {
				return &ValidationError{NodeID: node.NodeID, Field: "children", Message: fmt.Sprintf("percentages sum to %.2f, expected ~100", sum)}
			}

		case MessageNode:
			if node.TemplateID == "" {
				return &ValidationError{NodeID: node.NodeID, Field: "templateId", Message: "required"}
			}
			if err := resolve(node.NodeID, "child", node.Child); err != nil {
				return err
			}

		case ExitNode:
			// Exit carries no references.

		default:
			return &ValidationError{NodeID: n.ID(), Field: "type", Message: fmt.Sprintf("unknown node type %T", n)}
		}
	}

	return nil
}
