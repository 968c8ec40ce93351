// Package autonomous contains the per-entity risk state machine and the
// response engine that executes reversible remediation playbooks when risk
// crosses configured boundaries.
package autonomous

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ActionType identifies a remediation action.
type ActionType string

const (
	ActionNotify         ActionType = "notify"
	ActionRestrictAccess ActionType = "restrict_access"
	ActionIsolateEntity  ActionType = "isolate_entity"
	ActionEscalateTicket ActionType = "escalate_ticket"
	ActionAuditReview    ActionType = "audit_review"
	ActionReport         ActionType = "report"
)

// Mutates reports whether an action changes the target's state and therefore
// needs a pre-state capture and a compensating operation.
func (a ActionType) Mutates() bool {
	switch a {
	case ActionRestrictAccess, ActionIsolateEntity:
		return true
	default:
		return false
	}
}

// PreState is the captured state of a target before a mutating action, used
// verbatim by Compensate to restore it.
type PreState map[string]string

// ActionExecutor performs actions against infrastructure. Concrete
// cloud/SIEM/SOAR bindings implement this; the engine only depends on the
// success/failure/compensation contract.
type ActionExecutor interface {
	// Capture records the target's current state ahead of a mutating action.
	Capture(ctx context.Context, action ActionType, target string) (PreState, error)

	// Execute performs the action and returns an executor-defined result.
	Execute(ctx context.Context, action ActionType, target string) (map[string]string, error)

	// Compensate restores the target to pre, undoing a completed Execute.
	Compensate(ctx context.Context, action ActionType, target string, pre PreState) error
}

// executorCall is one recorded invocation on the memory executor.
type executorCall struct {
	Op     string // "capture", "execute", "compensate"
	Action ActionType
	Target string
	At     time.Time
}

// MemoryExecutor is an in-process ActionExecutor. It tracks a per-target
// restriction/isolation flag pair so that Execute and Compensate are real
// inverses, and supports injected failures.
type MemoryExecutor struct {
	mu    sync.Mutex
	state map[string]map[string]string // target -> flags
	calls []executorCall

	// FailOn makes Execute fail for the given action types.
	FailOn map[ActionType]error
}

// NewMemoryExecutor returns an executor with no injected failures.
func NewMemoryExecutor() *MemoryExecutor {
	return &MemoryExecutor{
		state:  make(map[string]map[string]string),
		FailOn: make(map[ActionType]error),
	}
}

func (m *MemoryExecutor) flags(target string) map[string]string {
	f, ok := m.state[target]
	if !ok {
		f = map[string]string{"restricted": "false", "isolated": "false"}
		m.state[target] = f
	}
	return f
}

func (m *MemoryExecutor) record(op string, action ActionType, target string) {
	m.calls = append(m.calls, executorCall{Op: op, Action: action, Target: target, At: time.Now()})
}

func (m *MemoryExecutor) Capture(_ context.Context, action ActionType, target string) (PreState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("capture", action, target)

	pre := make(PreState, 2)
	for k, v := range m.flags(target) {
		pre[k] = v
	}
	return pre, nil
}

func (m *MemoryExecutor) Execute(_ context.Context, action ActionType, target string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("execute", action, target)

	if err, ok := m.FailOn[action]; ok {
		return nil, err
	}

	f := m.flags(target)
	switch action {
	case ActionRestrictAccess:
		f["restricted"] = "true"
		return map[string]string{"restricted": "true", "target": target}, nil
	case ActionIsolateEntity:
		f["isolated"] = "true"
		return map[string]string{"isolated": "true", "target": target}, nil
	case ActionNotify:
		return map[string]string{"notified": "security-team", "target": target}, nil
	case ActionEscalateTicket:
		return map[string]string{"ticket": "INC-" + target, "target": target}, nil
	case ActionAuditReview:
		return map[string]string{"review": "scheduled", "target": target}, nil
	case ActionReport:
		return map[string]string{"report": "risk_summary", "target": target}, nil
	default:
		return nil, fmt.Errorf("unknown action type %q", action)
	}
}

func (m *MemoryExecutor) Compensate(_ context.Context, action ActionType, target string, pre PreState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("compensate", action, target)

	f := m.flags(target)
	for k, v := range pre {
		f[k] = v
	}
	return nil
}

// TargetState returns a copy of the tracked flags for target.
func (m *MemoryExecutor) TargetState(target string) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	for k, v := range m.flags(target) {
		out[k] = v
	}
	return out
}

// Calls returns the recorded invocation log.
func (m *MemoryExecutor) Calls() []executorCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]executorCall, len(m.calls))
	copy(out, m.calls)
	return out
}
