package autonomous

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"riskgraph/internal/audit"
)

// Response engine errors.
var (
	ErrApprovalNotFound = errors.New("pending approval not found")
	ErrApprovalResolved = errors.New("approval already resolved")
	ErrApprovalDenied   = errors.New("action denied")
	ErrApprovalExpired  = errors.New("approval deadline expired")
)

// ResponseActionError wraps a failure of one action inside a playbook run.
type ResponseActionError struct {
	Playbook string
	Action   ActionType
	Err      error
}

func (e *ResponseActionError) Error() string {
	return fmt.Sprintf("playbook %s: action %s: %v", e.Playbook, e.Action, e.Err)
}

func (e *ResponseActionError) Unwrap() error { return e.Err }

// ActionStatus is the lifecycle state of one action in an execution.
type ActionStatus string

const (
	StatusPending    ActionStatus = "pending"
	StatusExecuting  ActionStatus = "executing"
	StatusCompleted  ActionStatus = "completed"
	StatusFailed     ActionStatus = "failed"
	StatusRolledBack ActionStatus = "rolled_back"
)

// ExecutionStatus is the terminal state of a playbook run.
type ExecutionStatus string

const (
	ExecutionCompleted  ExecutionStatus = "completed"
	ExecutionRolledBack ExecutionStatus = "rolled_back"
)

// ActionSpec is one step of a playbook definition.
type ActionSpec struct {
	Type             ActionType `yaml:"type"`
	RequiresApproval bool       `yaml:"requires_approval"`
}

// Playbook is a fixed ordered sequence of response actions.
type Playbook struct {
	Name        string       `yaml:"name"`
	Description string       `yaml:"description"`
	Actions     []ActionSpec `yaml:"actions"`
}

// Action is the runtime record of one playbook step.
type Action struct {
	ID               string            `json:"id"`
	Type             ActionType        `json:"type"`
	RequiresApproval bool              `json:"requires_approval"`
	Status           ActionStatus      `json:"status"`
	PreState         PreState          `json:"pre_state,omitempty"`
	Result           map[string]string `json:"result,omitempty"`
	Error            string            `json:"error,omitempty"`
	ApprovedBy       string            `json:"approved_by,omitempty"`
	StartedAt        time.Time         `json:"started_at,omitempty"`
	FinishedAt       time.Time         `json:"finished_at,omitempty"`
}

// ExecContext carries the triggering entity and state into an execution.
type ExecContext struct {
	EntityID string
	State    RiskState
	Score    float64

	// Expedited selects the reduced approval timeout (emergency handling).
	Expedited bool
}

// ExecutionResult reports how a playbook run ended. On rollback,
// FailedAction names the step that caused it.
type ExecutionResult struct {
	ExecutionID  string          `json:"execution_id"`
	Playbook     string          `json:"playbook"`
	EntityID     string          `json:"entity_id"`
	Status       ExecutionStatus `json:"status"`
	FailedAction string          `json:"failed_action,omitempty"`
	Actions      []*Action       `json:"actions"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   time.Time       `json:"finished_at"`
}

// PendingApproval is the decision record an approval-gated action suspends
// on. It is resolved by Approve or Deny, or expires at Deadline.
type PendingApproval struct {
	ID          string     `json:"id"`
	ExecutionID string     `json:"execution_id"`
	Playbook    string     `json:"playbook"`
	EntityID    string     `json:"entity_id"`
	Action      ActionType `json:"action"`
	RequestedAt time.Time  `json:"requested_at"`
	Deadline    time.Time  `json:"deadline"`

	decision chan approvalDecision
	state    atomic.Int32
}

// Terminal states of a pending approval. Exactly one side wins the CAS from
// approvalOpen: a decision, the deadline timer, or run cancellation.
const (
	approvalOpen int32 = iota
	approvalDecided
	approvalExpired
	approvalAbandoned
)

type approvalDecision struct {
	approved bool
	by       string
	reason   string
}

// ResponseEngineConfig tunes approval gating.
type ResponseEngineConfig struct {
	ApprovalTimeout          time.Duration `yaml:"approval_timeout"`
	ExpeditedApprovalTimeout time.Duration `yaml:"expedited_approval_timeout"`
}

// DefaultResponseEngineConfig returns the stock timeouts.
func DefaultResponseEngineConfig() ResponseEngineConfig {
	return ResponseEngineConfig{
		ApprovalTimeout:          15 * time.Minute,
		ExpeditedApprovalTimeout: 2 * time.Minute,
	}
}

// ResponseEngine executes playbooks action by action. Any mid-playbook
// failure compensates every completed action in strict reverse order; the
// run never half-applies.
type ResponseEngine struct {
	executor ActionExecutor
	sink     audit.Sink
	cfg      ResponseEngineConfig
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]*PendingApproval

	executions atomic.Uint64
	rollbacks  atomic.Uint64
}

// NewResponseEngine wires an engine to its executor and audit sink.
func NewResponseEngine(executor ActionExecutor, sink audit.Sink, cfg ResponseEngineConfig, logger *slog.Logger) *ResponseEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResponseEngine{
		executor: executor,
		sink:     sink,
		cfg:      cfg,
		logger:   logger.With("component", "response_engine"),
		pending:  make(map[string]*PendingApproval),
	}
}

// Execute runs playbook against ectx.EntityID. It returns a result for every
// run, with err set when the run ended in rollback or denial.
func (re *ResponseEngine) Execute(ctx context.Context, pb *Playbook, ectx ExecContext) (*ExecutionResult, error) {
	re.executions.Add(1)

	result := &ExecutionResult{
		ExecutionID: uuid.NewString(),
		Playbook:    pb.Name,
		EntityID:    ectx.EntityID,
		Status:      ExecutionCompleted,
		StartedAt:   time.Now().UTC(),
	}
	for _, spec := range pb.Actions {
		result.Actions = append(result.Actions, &Action{
			ID:               uuid.NewString(),
			Type:             spec.Type,
			RequiresApproval: spec.RequiresApproval,
			Status:           StatusPending,
		})
	}

	re.emit(ctx, audit.EventPlaybookStarted, audit.SeverityInfo, ectx.EntityID, true, "",
		"playbook started", map[string]string{
			"playbook":     pb.Name,
			"execution_id": result.ExecutionID,
			"trigger":      string(ectx.State),
			"score":        strconv.FormatFloat(ectx.Score, 'f', 4, 64),
		})

	var runErr error
	for i, act := range result.Actions {
		if err := re.runAction(ctx, result, act, ectx); err != nil {
			re.rollback(ctx, result, i)
			result.Status = ExecutionRolledBack
			result.FailedAction = act.ID
			runErr = &ResponseActionError{Playbook: pb.Name, Action: act.Type, Err: err}

			// Denial and expiry are never abandoned silently.
			if errors.Is(err, ErrApprovalDenied) || errors.Is(err, ErrApprovalExpired) {
				re.escalate(ctx, result, ectx, err)
			}
			break
		}
	}

	result.FinishedAt = time.Now().UTC()
	if result.Status == ExecutionRolledBack {
		re.rollbacks.Add(1)
		// The terminal record must land even when the run was cancelled.
		re.emit(context.WithoutCancel(ctx), audit.EventPlaybookRolledBack, audit.SeverityError, ectx.EntityID, false,
			runErr.Error(), "playbook rolled back", map[string]string{
				"playbook":      pb.Name,
				"execution_id":  result.ExecutionID,
				"failed_action": result.FailedAction,
			})
	} else {
		re.emit(ctx, audit.EventPlaybookCompleted, audit.SeverityInfo, ectx.EntityID, true, "",
			"playbook completed", map[string]string{
				"playbook":     pb.Name,
				"execution_id": result.ExecutionID,
			})
	}
	return result, runErr
}

// runAction drives one action through approval, pre-state capture, and
// execution.
func (re *ResponseEngine) runAction(ctx context.Context, result *ExecutionResult, act *Action, ectx ExecContext) error {
	re.emit(ctx, audit.EventActionAttempted, audit.SeverityInfo, ectx.EntityID, true, "",
		"action attempted", re.actionData(result, act))

	if act.RequiresApproval {
		by, err := re.awaitApproval(ctx, result, act, ectx)
		if err != nil {
			act.Status = StatusFailed
			act.Error = err.Error()
			act.FinishedAt = time.Now().UTC()
			return err
		}
		act.ApprovedBy = by
	}

	act.Status = StatusExecuting
	act.StartedAt = time.Now().UTC()

	if act.Type.Mutates() {
		pre, err := re.executor.Capture(ctx, act.Type, ectx.EntityID)
		if err != nil {
			act.Status = StatusFailed
			act.Error = err.Error()
			act.FinishedAt = time.Now().UTC()
			re.emit(ctx, audit.EventActionFailed, audit.SeverityError, ectx.EntityID, false,
				err.Error(), "pre-state capture failed", re.actionData(result, act))
			return fmt.Errorf("capture pre-state: %w", err)
		}
		act.PreState = pre
	}

	res, err := re.executor.Execute(ctx, act.Type, ectx.EntityID)
	act.FinishedAt = time.Now().UTC()
	if err != nil {
		act.Status = StatusFailed
		act.Error = err.Error()
		re.emit(ctx, audit.EventActionFailed, audit.SeverityError, ectx.EntityID, false,
			err.Error(), "action failed", re.actionData(result, act))
		return err
	}

	act.Status = StatusCompleted
	act.Result = res
	re.emit(ctx, audit.EventActionCompleted, audit.SeverityInfo, ectx.EntityID, true, "",
		"action completed", re.actionData(result, act))
	return nil
}

// awaitApproval suspends on a pending-decision record until it is resolved,
// its deadline passes, or ctx is cancelled. Expiry counts as denial.
func (re *ResponseEngine) awaitApproval(ctx context.Context, result *ExecutionResult, act *Action, ectx ExecContext) (string, error) {
	timeout := re.cfg.ApprovalTimeout
	if ectx.Expedited {
		timeout = re.cfg.ExpeditedApprovalTimeout
	}

	pa := &PendingApproval{
		ID:          uuid.NewString(),
		ExecutionID: result.ExecutionID,
		Playbook:    result.Playbook,
		EntityID:    ectx.EntityID,
		Action:      act.Type,
		RequestedAt: time.Now().UTC(),
		Deadline:    time.Now().UTC().Add(timeout),
		decision:    make(chan approvalDecision, 1),
	}

	re.mu.Lock()
	re.pending[pa.ID] = pa
	re.mu.Unlock()
	defer func() {
		re.mu.Lock()
		delete(re.pending, pa.ID)
		re.mu.Unlock()
	}()

	re.emit(ctx, audit.EventApprovalRequested, audit.SeverityWarning, ectx.EntityID, true, "",
		"approval requested", map[string]string{
			"approval_id": pa.ID,
			"action":      string(act.Type),
			"deadline":    pa.Deadline.Format(time.RFC3339),
			"expedited":   strconv.FormatBool(ectx.Expedited),
		})

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d := <-pa.decision:
		return re.decided(ctx, result, act, ectx, d)
	case <-timer.C:
		if !pa.state.CompareAndSwap(approvalOpen, approvalExpired) {
			// A decision won the CAS against the deadline; honor it so the
			// caller of Approve and this run agree on the outcome.
			return re.decided(ctx, result, act, ectx, <-pa.decision)
		}
		re.emit(ctx, audit.EventApprovalExpired, audit.SeverityWarning, ectx.EntityID, false,
			"deadline passed with no decision", "approval expired", re.actionData(result, act))
		return "", ErrApprovalExpired
	case <-ctx.Done():
		pa.state.CompareAndSwap(approvalOpen, approvalAbandoned)
		return "", ctx.Err()
	}
}

// decided applies a resolved approval decision to the waiting action.
func (re *ResponseEngine) decided(ctx context.Context, result *ExecutionResult, act *Action, ectx ExecContext, d approvalDecision) (string, error) {
	if !d.approved {
		re.emit(ctx, audit.EventApprovalDenied, audit.SeverityWarning, ectx.EntityID, false,
			d.reason, "approval denied by "+d.by, re.actionData(result, act))
		return "", fmt.Errorf("%w by %s: %s", ErrApprovalDenied, d.by, d.reason)
	}
	re.emit(ctx, audit.EventApprovalGranted, audit.SeverityInfo, ectx.EntityID, true, "",
		"approval granted by "+d.by, re.actionData(result, act))
	return d.by, nil
}

// rollbackTimeout bounds the compensation pass once it is detached from the
// run's context.
const rollbackTimeout = 30 * time.Second

// rollback compensates every completed action before index failed, in strict
// reverse order. Actions that never ran stay Pending. Compensation must run
// even when the run itself was cancelled mid-flight (shutdown during an
// approval wait), so it detaches from the caller's cancellation and carries
// its own deadline.
func (re *ResponseEngine) rollback(ctx context.Context, result *ExecutionResult, failed int) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	for i := failed - 1; i >= 0; i-- {
		act := result.Actions[i]
		if act.Status != StatusCompleted {
			continue
		}
		if act.Type.Mutates() {
			if err := re.executor.Compensate(ctx, act.Type, result.EntityID, act.PreState); err != nil {
				// Compensation failure is unrecoverable here; report loudly
				// and keep unwinding the rest.
				act.Error = err.Error()
				re.logger.Error("compensation failed",
					"execution_id", result.ExecutionID,
					"action", act.Type,
					"entity_id", result.EntityID,
					"error", err)
				re.emit(ctx, audit.EventActionFailed, audit.SeverityCritical, result.EntityID, false,
					err.Error(), "compensation failed", re.actionData(result, act))
				continue
			}
		}
		act.Status = StatusRolledBack
		re.emit(ctx, audit.EventActionRolledBack, audit.SeverityWarning, result.EntityID, true, "",
			"action rolled back", re.actionData(result, act))
	}
}

// escalate files a ticket after an approval denial or expiry so the run is
// surfaced to a human. The escalation is best-effort but audited either way.
func (re *ResponseEngine) escalate(ctx context.Context, result *ExecutionResult, ectx ExecContext, cause error) {
	esc := &Action{
		ID:     uuid.NewString(),
		Type:   ActionEscalateTicket,
		Status: StatusExecuting,
	}
	esc.StartedAt = time.Now().UTC()

	res, err := re.executor.Execute(ctx, ActionEscalateTicket, ectx.EntityID)
	esc.FinishedAt = time.Now().UTC()
	if err != nil {
		esc.Status = StatusFailed
		esc.Error = err.Error()
		re.emit(ctx, audit.EventActionFailed, audit.SeverityCritical, ectx.EntityID, false,
			err.Error(), "denial escalation failed", re.actionData(result, esc))
	} else {
		esc.Status = StatusCompleted
		esc.Result = res
		re.emit(ctx, audit.EventActionCompleted, audit.SeverityWarning, ectx.EntityID, true, "",
			"escalated after "+cause.Error(), re.actionData(result, esc))
	}
	result.Actions = append(result.Actions, esc)
}

// Approve resolves a pending approval positively and resumes the execution.
func (re *ResponseEngine) Approve(id, approver string) error {
	return re.resolve(id, approvalDecision{approved: true, by: approver})
}

// Deny resolves a pending approval negatively; the execution rolls back and
// escalates.
func (re *ResponseEngine) Deny(id, approver, reason string) error {
	return re.resolve(id, approvalDecision{approved: false, by: approver, reason: reason})
}

func (re *ResponseEngine) resolve(id string, d approvalDecision) error {
	re.mu.Lock()
	pa, ok := re.pending[id]
	re.mu.Unlock()
	if !ok {
		return ErrApprovalNotFound
	}
	if !pa.state.CompareAndSwap(approvalOpen, approvalDecided) {
		// Tell the caller the truth: a deadline that already passed is not
		// the same as another operator's decision.
		if pa.state.Load() == approvalExpired {
			return ErrApprovalExpired
		}
		return ErrApprovalResolved
	}
	pa.decision <- d
	return nil
}

// Stats reports lifetime execution counts.
func (re *ResponseEngine) Stats() (executions, rollbacks uint64) {
	return re.executions.Load(), re.rollbacks.Load()
}

// PendingApprovals lists decision records currently awaiting a verdict.
func (re *ResponseEngine) PendingApprovals() []*PendingApproval {
	re.mu.Lock()
	defer re.mu.Unlock()
	out := make([]*PendingApproval, 0, len(re.pending))
	for _, pa := range re.pending {
		out = append(out, pa)
	}
	return out
}

func (re *ResponseEngine) actionData(result *ExecutionResult, act *Action) map[string]string {
	return map[string]string{
		"playbook":     result.Playbook,
		"execution_id": result.ExecutionID,
		"action_id":    act.ID,
		"action":       string(act.Type),
	}
}

// emit writes an audit record. Audit is a required side effect; a failed
// write is reported at error level and counted, never swallowed silently.
func (re *ResponseEngine) emit(ctx context.Context, typ audit.EventType, sev audit.Severity, target string, success bool, errMsg, msg string, data map[string]string) {
	rec := audit.NewRecord(typ, sev, "response-engine", target, msg)
	rec.TargetType = "entity"
	rec.Success = success
	rec.Error = errMsg
	rec.Data = data
	if err := re.sink.Write(ctx, rec); err != nil {
		re.logger.Error("audit write failed", "type", typ, "target", target, "error", err)
	}
}
