package graph

import (
	"errors"
	"fmt"
)

// Graph error types for categorizing store failures.
var (
	// ErrNodeNotFound indicates the requested node does not exist.
	ErrNodeNotFound = errors.New("graph: node not found")

	// ErrEdgeNotFound indicates the requested edge does not exist.
	ErrEdgeNotFound = errors.New("graph: edge not found")

	// ErrInvalidKind indicates an unrecognized entity kind.
	ErrInvalidKind = errors.New("graph: invalid entity kind")

	// ErrInvalidEdgeType indicates an unrecognized relationship type.
	ErrInvalidEdgeType = errors.New("graph: invalid edge type")

	// ErrUnavailable indicates the backing store is temporarily unreachable.
	// Callers may retry; the ingestor treats this as transient.
	ErrUnavailable = errors.New("graph: store unavailable")
)

// GraphError wraps graph errors with operation context.
type GraphError struct {
	Op  string // Operation that failed (e.g., "UpsertNode", "Traverse")
	ID  string // Node or edge id involved, if applicable
	Err error  // Underlying error
}

// Error returns the error message.
func (e *GraphError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("graph.%s(%s): %v", e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("graph.%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *GraphError) Unwrap() error {
	return e.Err
}

// IsNotFound checks if the error is a node or edge not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNodeNotFound) || errors.Is(err, ErrEdgeNotFound)
}

// IsRetryable checks if the error indicates a transient store failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
