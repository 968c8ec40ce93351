package autonomous

import (
	"context"
	"errors"
	"testing"
	"time"

	"riskgraph/internal/audit"
)

func newTestEngine(t *testing.T) (*ResponseEngine, *MemoryExecutor, *audit.MemorySink) {
	t.Helper()
	exec := NewMemoryExecutor()
	sink := audit.NewMemorySink()
	cfg := DefaultResponseEngineConfig()
	cfg.ApprovalTimeout = 250 * time.Millisecond
	cfg.ExpeditedApprovalTimeout = 30 * time.Millisecond
	return NewResponseEngine(exec, sink, cfg, nil), exec, sink
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestPlaybookCompletes(t *testing.T) {
	engine, exec, sink := newTestEngine(t)
	pb := &Playbook{
		Name: "contain",
		Actions: []ActionSpec{
			{Type: ActionNotify},
			{Type: ActionRestrictAccess},
			{Type: ActionAuditReview},
		},
	}

	result, err := engine.Execute(context.Background(), pb, ExecContext{EntityID: "db-1", State: StateHigh})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Status != ExecutionCompleted {
		t.Fatalf("expected completed, got %s", result.Status)
	}
	for i, act := range result.Actions {
		if act.Status != StatusCompleted {
			t.Fatalf("action %d: expected completed, got %s", i, act.Status)
		}
	}
	if got := exec.TargetState("db-1")["restricted"]; got != "true" {
		t.Fatalf("expected target restricted, got %q", got)
	}
	if n := len(sink.OfType(audit.EventPlaybookCompleted)); n != 1 {
		t.Fatalf("expected 1 playbook.completed record, got %d", n)
	}
	if n := len(sink.OfType(audit.EventActionCompleted)); n != 3 {
		t.Fatalf("expected 3 action.completed records, got %d", n)
	}
}

func TestMidPlaybookFailureRollsBackInReverse(t *testing.T) {
	engine, exec, sink := newTestEngine(t)
	exec.FailOn[ActionIsolateEntity] = errors.New("isolation api unavailable")

	pb := &Playbook{
		Name: "contain-and-isolate",
		Actions: []ActionSpec{
			{Type: ActionRestrictAccess},
			{Type: ActionIsolateEntity},
			{Type: ActionEscalateTicket},
		},
	}

	result, err := engine.Execute(context.Background(), pb, ExecContext{EntityID: "svc-9", State: StateCritical})
	if err == nil {
		t.Fatal("expected execution error")
	}
	var actionErr *ResponseActionError
	if !errors.As(err, &actionErr) || actionErr.Action != ActionIsolateEntity {
		t.Fatalf("expected ResponseActionError for isolate_entity, got %v", err)
	}

	if result.Status != ExecutionRolledBack {
		t.Fatalf("expected rolled_back, got %s", result.Status)
	}
	if result.FailedAction != result.Actions[1].ID {
		t.Fatalf("failed action mismatch: %s vs %s", result.FailedAction, result.Actions[1].ID)
	}
	if got := result.Actions[0].Status; got != StatusRolledBack {
		t.Fatalf("action 1: expected rolled_back, got %s", got)
	}
	if got := result.Actions[1].Status; got != StatusFailed {
		t.Fatalf("action 2: expected failed, got %s", got)
	}
	if got := result.Actions[2].Status; got != StatusPending {
		t.Fatalf("action 3: expected pending, got %s", got)
	}

	// Compensation restored the pre-action state.
	if got := exec.TargetState("svc-9")["restricted"]; got != "false" {
		t.Fatalf("expected restriction compensated, got %q", got)
	}

	// Audit trail covers the executed, failed, and compensated steps.
	if n := len(sink.OfType(audit.EventActionCompleted)); n != 1 {
		t.Fatalf("expected 1 action.completed record, got %d", n)
	}
	if n := len(sink.OfType(audit.EventActionFailed)); n != 1 {
		t.Fatalf("expected 1 action.failed record, got %d", n)
	}
	if n := len(sink.OfType(audit.EventActionRolledBack)); n != 1 {
		t.Fatalf("expected 1 action.rolled_back record, got %d", n)
	}
	if n := len(sink.OfType(audit.EventPlaybookRolledBack)); n != 1 {
		t.Fatalf("expected 1 playbook.rolled_back record, got %d", n)
	}
}

func TestApprovalTimeoutTreatedAsDenial(t *testing.T) {
	engine, _, sink := newTestEngine(t)
	pb := &Playbook{
		Name: "gated",
		Actions: []ActionSpec{
			{Type: ActionRestrictAccess},
			{Type: ActionIsolateEntity, RequiresApproval: true},
		},
	}

	start := time.Now()
	result, err := engine.Execute(context.Background(), pb, ExecContext{
		EntityID:  "db-2",
		State:     StateEmergency,
		Expedited: true,
	})
	if !errors.Is(err, ErrApprovalExpired) {
		t.Fatalf("expected ErrApprovalExpired, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("expedited timeout not applied, took %v", elapsed)
	}
	if result.Status != ExecutionRolledBack {
		t.Fatalf("expected rolled_back, got %s", result.Status)
	}
	if got := result.Actions[0].Status; got != StatusRolledBack {
		t.Fatalf("restrict action: expected rolled_back, got %s", got)
	}

	// Expiry is never abandoned silently: a ticket is filed.
	last := result.Actions[len(result.Actions)-1]
	if last.Type != ActionEscalateTicket || last.Status != StatusCompleted {
		t.Fatalf("expected completed escalation, got %s %s", last.Type, last.Status)
	}
	if n := len(sink.OfType(audit.EventApprovalExpired)); n != 1 {
		t.Fatalf("expected 1 approval.expired record, got %d", n)
	}
}

func TestApprovalResumesExecution(t *testing.T) {
	engine, exec, sink := newTestEngine(t)
	pb := &Playbook{
		Name: "gated",
		Actions: []ActionSpec{
			{Type: ActionIsolateEntity, RequiresApproval: true},
		},
	}

	type outcome struct {
		result *ExecutionResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := engine.Execute(context.Background(), pb, ExecContext{EntityID: "db-3", State: StateCritical})
		done <- outcome{r, err}
	}()

	waitFor(t, time.Second, func() bool { return len(engine.PendingApprovals()) == 1 })
	pending := engine.PendingApprovals()[0]
	if pending.Action != ActionIsolateEntity || pending.EntityID != "db-3" {
		t.Fatalf("unexpected pending approval %+v", pending)
	}
	if err := engine.Approve(pending.ID, "secops-lead"); err != nil {
		t.Fatalf("approve: %v", err)
	}

	out := <-done
	if out.err != nil {
		t.Fatalf("execute: %v", out.err)
	}
	if out.result.Actions[0].ApprovedBy != "secops-lead" {
		t.Fatalf("expected approver recorded, got %q", out.result.Actions[0].ApprovedBy)
	}
	if got := exec.TargetState("db-3")["isolated"]; got != "true" {
		t.Fatalf("expected target isolated, got %q", got)
	}
	if n := len(sink.OfType(audit.EventApprovalGranted)); n != 1 {
		t.Fatalf("expected 1 approval.granted record, got %d", n)
	}
}

func TestDenialRollsBackAndEscalates(t *testing.T) {
	engine, exec, _ := newTestEngine(t)
	pb := &Playbook{
		Name: "gated",
		Actions: []ActionSpec{
			{Type: ActionRestrictAccess},
			{Type: ActionIsolateEntity, RequiresApproval: true},
		},
	}

	type outcome struct {
		result *ExecutionResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := engine.Execute(context.Background(), pb, ExecContext{EntityID: "db-4", State: StateCritical})
		done <- outcome{r, err}
	}()

	waitFor(t, time.Second, func() bool { return len(engine.PendingApprovals()) == 1 })
	if err := engine.Deny(engine.PendingApprovals()[0].ID, "secops-lead", "maintenance window"); err != nil {
		t.Fatalf("deny: %v", err)
	}

	out := <-done
	if !errors.Is(out.err, ErrApprovalDenied) {
		t.Fatalf("expected ErrApprovalDenied, got %v", out.err)
	}
	if got := out.result.Actions[0].Status; got != StatusRolledBack {
		t.Fatalf("restrict action: expected rolled_back, got %s", got)
	}
	last := out.result.Actions[len(out.result.Actions)-1]
	if last.Type != ActionEscalateTicket {
		t.Fatalf("expected escalation appended, got %s", last.Type)
	}
	if got := exec.TargetState("db-4")["restricted"]; got != "false" {
		t.Fatalf("expected restriction compensated, got %q", got)
	}
}

func TestShutdownDuringApprovalRollsBackWithoutEscalation(t *testing.T) {
	engine, exec, _ := newTestEngine(t)
	pb := &Playbook{
		Name: "gated",
		Actions: []ActionSpec{
			{Type: ActionRestrictAccess},
			{Type: ActionIsolateEntity, RequiresApproval: true},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	type outcome struct {
		result *ExecutionResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := engine.Execute(ctx, pb, ExecContext{EntityID: "db-5", State: StateCritical})
		done <- outcome{r, err}
	}()

	waitFor(t, time.Second, func() bool { return len(engine.PendingApprovals()) == 1 })
	cancel()

	out := <-done
	if !errors.Is(out.err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", out.err)
	}
	if out.result.Status != ExecutionRolledBack {
		t.Fatalf("expected rolled_back, got %s", out.result.Status)
	}
	last := out.result.Actions[len(out.result.Actions)-1]
	if last.Type == ActionEscalateTicket && last.Status == StatusCompleted {
		t.Fatal("shutdown must not escalate")
	}
	if got := exec.TargetState("db-5")["restricted"]; got != "false" {
		t.Fatalf("expected restriction compensated, got %q", got)
	}
}

// ctxBoundExecutor refuses any call once its context is cancelled, the way
// an executor backed by real infrastructure clients would.
type ctxBoundExecutor struct {
	inner *MemoryExecutor
}

func (e *ctxBoundExecutor) Capture(ctx context.Context, action ActionType, target string) (PreState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.inner.Capture(ctx, action, target)
}

func (e *ctxBoundExecutor) Execute(ctx context.Context, action ActionType, target string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.inner.Execute(ctx, action, target)
}

func (e *ctxBoundExecutor) Compensate(ctx context.Context, action ActionType, target string, pre PreState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.inner.Compensate(ctx, action, target, pre)
}

func TestCancellationCompensatesWithContextBoundExecutor(t *testing.T) {
	inner := NewMemoryExecutor()
	sink := audit.NewMemorySink()
	cfg := DefaultResponseEngineConfig()
	engine := NewResponseEngine(&ctxBoundExecutor{inner: inner}, sink, cfg, nil)

	pb := &Playbook{
		Name: "gated",
		Actions: []ActionSpec{
			{Type: ActionRestrictAccess},
			{Type: ActionIsolateEntity, RequiresApproval: true},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	type outcome struct {
		result *ExecutionResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := engine.Execute(ctx, pb, ExecContext{EntityID: "db-7", State: StateCritical})
		done <- outcome{r, err}
	}()

	waitFor(t, time.Second, func() bool { return len(engine.PendingApprovals()) == 1 })
	cancel()

	out := <-done
	if !errors.Is(out.err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", out.err)
	}
	if out.result.Status != ExecutionRolledBack {
		t.Fatalf("expected rolled_back, got %s", out.result.Status)
	}
	if got := out.result.Actions[0].Status; got != StatusRolledBack {
		t.Fatalf("restrict action: expected rolled_back, got %s", got)
	}
	// The executor saw a live context during compensation; the restriction
	// is actually gone, not just reported gone.
	if got := inner.TargetState("db-7")["restricted"]; got != "false" {
		t.Fatalf("expected restriction compensated, got %q", got)
	}
	if n := len(sink.OfType(audit.EventPlaybookRolledBack)); n != 1 {
		t.Fatalf("expected 1 playbook.rolled_back record, got %d", n)
	}
}

func TestApprovalRacingDeadlineStaysConsistent(t *testing.T) {
	for i := 0; i < 40; i++ {
		exec := NewMemoryExecutor()
		cfg := DefaultResponseEngineConfig()
		cfg.ApprovalTimeout = time.Millisecond
		engine := NewResponseEngine(exec, audit.NewMemorySink(), cfg, nil)

		pb := &Playbook{
			Name:    "gated",
			Actions: []ActionSpec{{Type: ActionNotify, RequiresApproval: true}},
		}

		type outcome struct {
			result *ExecutionResult
			err    error
		}
		done := make(chan outcome, 1)
		go func() {
			r, err := engine.Execute(context.Background(), pb, ExecContext{EntityID: "db-8", State: StateCritical})
			done <- outcome{r, err}
		}()

		// Race the deadline from the operator's side.
		var approveErr error
		for {
			pending := engine.PendingApprovals()
			if len(pending) > 0 {
				approveErr = engine.Approve(pending[0].ID, "ops")
				break
			}
			select {
			case out := <-done:
				done <- out
				approveErr = ErrApprovalNotFound
			default:
				continue
			}
			break
		}

		out := <-done
		// Whoever wins the race, both sides must agree: a nil Approve means
		// the run completed approved; an expired run never reports approval.
		if approveErr == nil && out.result.Status != ExecutionCompleted {
			t.Fatalf("iteration %d: approve succeeded but run ended %s (%v)", i, out.result.Status, out.err)
		}
		if errors.Is(out.err, ErrApprovalExpired) && approveErr == nil {
			t.Fatalf("iteration %d: run expired yet Approve reported success", i)
		}
	}
}

func TestResolveUnknownApproval(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	if err := engine.Approve("nope", "anyone"); !errors.Is(err, ErrApprovalNotFound) {
		t.Fatalf("expected ErrApprovalNotFound, got %v", err)
	}
}

func TestExecutionAuditTrailVerifies(t *testing.T) {
	exec := NewMemoryExecutor()
	backing := audit.NewMemorySink()
	chain := audit.NewChain([]byte("playbook-audit-key"), backing)
	engine := NewResponseEngine(exec, chain, DefaultResponseEngineConfig(), nil)

	pb := &Playbook{
		Name:    "contain",
		Actions: []ActionSpec{{Type: ActionNotify}, {Type: ActionRestrictAccess}},
	}
	if _, err := engine.Execute(context.Background(), pb, ExecContext{EntityID: "db-6", State: StateHigh}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if err := audit.VerifyChain([]byte("playbook-audit-key"), backing.Records()); err != nil {
		t.Fatalf("audit chain verify: %v", err)
	}
}
