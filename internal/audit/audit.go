// Package audit provides tamper-evident audit records for autonomous
// response activity. Records form a hash chain with HMAC signatures so that
// modification, deletion, or insertion of entries is detectable.
package audit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Common errors.
var (
	ErrSinkClosed       = errors.New("audit sink is closed")
	ErrChainBroken      = errors.New("audit chain integrity broken")
	ErrSequenceGap      = errors.New("sequence gap detected in audit chain")
	ErrInvalidSignature = errors.New("invalid audit record signature")
)

// EventType classifies an audit record.
type EventType string

const (
	// Risk-state machine events
	EventStateTransition EventType = "state.transition"
	EventStateDegraded   EventType = "state.degraded"
	EventStateRecovered  EventType = "state.recovered"

	// Response action lifecycle
	EventActionAttempted  EventType = "action.attempted"
	EventActionCompleted  EventType = "action.completed"
	EventActionFailed     EventType = "action.failed"
	EventActionRolledBack EventType = "action.rolled_back"

	// Approval gating
	EventApprovalRequested EventType = "approval.requested"
	EventApprovalGranted   EventType = "approval.granted"
	EventApprovalDenied    EventType = "approval.denied"
	EventApprovalExpired   EventType = "approval.expired"

	// Playbook lifecycle
	EventPlaybookStarted    EventType = "playbook.started"
	EventPlaybookCompleted  EventType = "playbook.completed"
	EventPlaybookRolledBack EventType = "playbook.rolled_back"
)

// Severity is the severity level of an audit record.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Record is a single audit entry. PreviousHash, EntryHash, and Signature are
// assigned by the chain; callers populate the remaining fields.
type Record struct {
	ID        string    `json:"id"`
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`

	Type     EventType `json:"type"`
	Severity Severity  `json:"severity"`

	Message string            `json:"message"`
	Data    map[string]string `json:"data,omitempty"`

	Actor      string `json:"actor,omitempty"`
	Target     string `json:"target,omitempty"`
	TargetType string `json:"target_type,omitempty"`

	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`

	PreviousHash string `json:"previous_hash"`
	EntryHash    string `json:"entry_hash"`
	Signature    string `json:"signature"`
}

// computeHash hashes all fields except EntryHash and Signature, with map
// keys in sorted order so the digest is deterministic.
func (r *Record) computeHash() string {
	h := sha256.New()
	h.Write([]byte(r.ID))
	fmt.Fprintf(h, "%d", r.Sequence)
	h.Write([]byte(r.Timestamp.Format(time.RFC3339Nano)))
	h.Write([]byte(r.Type))
	h.Write([]byte(r.Severity))
	h.Write([]byte(r.Message))

	if len(r.Data) > 0 {
		keys := make([]string, 0, len(r.Data))
		for k := range r.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			h.Write([]byte(k))
			h.Write([]byte(r.Data[k]))
		}
	}

	h.Write([]byte(r.Actor))
	h.Write([]byte(r.Target))
	h.Write([]byte(r.TargetType))
	fmt.Fprintf(h, "%t", r.Success)
	h.Write([]byte(r.Error))
	h.Write([]byte(r.PreviousHash))

	return hex.EncodeToString(h.Sum(nil))
}

// Sign computes the entry hash and HMAC signature over hash + previous hash.
func (r *Record) Sign(key []byte) {
	r.EntryHash = r.computeHash()

	h := hmac.New(sha256.New, key)
	h.Write([]byte(r.EntryHash))
	h.Write([]byte(r.PreviousHash))
	r.Signature = hex.EncodeToString(h.Sum(nil))
}

// Verify checks the entry hash and the HMAC signature.
func (r *Record) Verify(key []byte) bool {
	if r.computeHash() != r.EntryHash {
		return false
	}

	h := hmac.New(sha256.New, key)
	h.Write([]byte(r.EntryHash))
	h.Write([]byte(r.PreviousHash))
	expected := hex.EncodeToString(h.Sum(nil))

	return hmac.Equal([]byte(r.Signature), []byte(expected))
}

// Sink receives signed audit records. Implementations must be safe for
// concurrent use.
type Sink interface {
	Write(ctx context.Context, rec *Record) error
	Close() error
}

// NewRecord builds an unsigned record with a fresh ID and timestamp.
func NewRecord(typ EventType, sev Severity, actor, target, msg string) *Record {
	return &Record{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Type:      typ,
		Severity:  sev,
		Actor:     actor,
		Target:    target,
		Message:   msg,
		Success:   true,
	}
}
