package scoring

import "fmt"

// ScoringError wraps a failure while computing or publishing a snapshot.
type ScoringError struct {
	Op       string
	EntityID string
	Err      error
}

func (e *ScoringError) Error() string {
	if e.EntityID != "" {
		return fmt.Sprintf("scoring %s %s: %v", e.Op, e.EntityID, e.Err)
	}
	return fmt.Sprintf("scoring %s: %v", e.Op, e.Err)
}

func (e *ScoringError) Unwrap() error {
	return e.Err
}
