package engine

import (
	"errors"
	"fmt"
)

// ExecError represents a fault detected during journey execution.
//
// Most execution faults never surface to the caller: graph-integrity
// defects and unknown node types substitute the exit node, and
// consistency-timeout ends the instance's traversal. ExecError exists so
// those paths log with structured context and so the rare propagating
// fault (store failure mid-traversal) carries where it happened.
type ExecError struct {
	// Code identifies the fault category.
	Code ExecErrorCode

	// Message is a human-readable description.
	Message string

	// JourneyID identifies the affected journey.
	JourneyID string

	// UserID identifies the affected instance.
	UserID string

	// NodeID identifies the node being interpreted, when known.
	NodeID string
}

// ExecErrorCode categorizes execution faults.
type ExecErrorCode string

const (
	// ErrCodeGraphIntegrity indicates a child reference that does not
	// resolve to any node in the definition.
	ErrCodeGraphIntegrity ExecErrorCode = "GRAPH_INTEGRITY"

	// ErrCodeUnknownNode indicates a node type the interpreter does not
	// implement.
	ErrCodeUnknownNode ExecErrorCode = "UNKNOWN_NODE"

	// ErrCodeStepsExceeded indicates the interpreter hit its iteration
	// safety valve, which only happens on an accidentally cyclic graph.
	ErrCodeStepsExceeded ExecErrorCode = "STEPS_EXCEEDED"

	// ErrCodeConsistencyTimeout indicates syncProperties retry exhaustion.
	ErrCodeConsistencyTimeout ExecErrorCode = "CONSISTENCY_TIMEOUT"
)

// Error implements the error interface.
func (e *ExecError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s: %s (journey=%s, user=%s, node=%s)", e.Code, e.Message, e.JourneyID, e.UserID, e.NodeID)
	}
	return fmt.Sprintf("%s: %s (journey=%s, user=%s)", e.Code, e.Message, e.JourneyID, e.UserID)
}

// IsGraphIntegrityError reports whether err is a graph-integrity fault.
// Uses errors.As to handle wrapped errors.
func IsGraphIntegrityError(err error) bool {
	var ee *ExecError
	if errors.As(err, &ee) {
		return ee.Code == ErrCodeGraphIntegrity
	}
	return false
}

// IsStepsExceededError reports whether err is the iteration safety valve.
// Uses errors.As to handle wrapped errors.
func IsStepsExceededError(err error) bool {
	var ee *ExecError
	if errors.As(err, &ee) {
		return ee.Code == ErrCodeStepsExceeded
	}
	return false
}
