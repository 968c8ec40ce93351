package autonomous

import (
	"context"
	"sync"
	"testing"
	"time"

	"riskgraph/internal/audit"
	"riskgraph/internal/scoring"
)

// testThresholds keeps the Normal/Elevated boundary at 0.6 up / 0.5 down so
// the oscillation behavior around one cutoff is easy to drive.
func testThresholds() Thresholds {
	return Thresholds{
		Elevated:  Boundary{Up: 0.60, Down: 0.50},
		High:      Boundary{Up: 0.70, Down: 0.65},
		Critical:  Boundary{Up: 0.80, Down: 0.75},
		Emergency: Boundary{Up: 0.90, Down: 0.85},
	}
}

type fakeResponder struct {
	mu    sync.Mutex
	calls []ExecContext
	ch    chan ExecContext
}

func newFakeResponder() *fakeResponder {
	return &fakeResponder{ch: make(chan ExecContext, 8)}
}

func (f *fakeResponder) Execute(_ context.Context, _ *Playbook, ectx ExecContext) (*ExecutionResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, ectx)
	f.mu.Unlock()
	f.ch <- ectx
	return &ExecutionResult{Status: ExecutionCompleted}, nil
}

func (f *fakeResponder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestManager(t *testing.T) (*Manager, *MemoryStateStore, *fakeResponder, *audit.MemorySink) {
	t.Helper()
	cfg := DefaultManagerConfig()
	cfg.Thresholds = testThresholds()
	store := NewMemoryStateStore()
	responder := newFakeResponder()
	sink := audit.NewMemorySink()
	mgr := NewManager(cfg, store, responder, nil, nil, sink, BuiltinPlaybooks(), nil)
	return mgr, store, responder, sink
}

func snap(entityID string, score float64, version uint64) *scoring.Snapshot {
	return &scoring.Snapshot{
		EntityID:   entityID,
		Composite:  score,
		Version:    version,
		ComputedAt: time.Now().UTC(),
	}
}

func mustState(t *testing.T, m *Manager, entityID string, want RiskState) {
	t.Helper()
	got, err := m.State(entityID)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if got != want {
		t.Fatalf("expected state %s, got %s", want, got)
	}
}

func TestHysteresisPreventsOscillation(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	ctx := context.Background()

	steps := []struct {
		score float64
		want  RiskState
	}{
		{0.55, StateNormal},   // below the 0.6 up threshold
		{0.62, StateElevated}, // crosses up
		{0.58, StateElevated}, // above the 0.5 down threshold, holds
		{0.52, StateElevated}, // still above down, holds
		{0.48, StateNormal},   // falls below down
	}
	for i, step := range steps {
		mgr.Evaluate(ctx, snap("svc-1", step.score, uint64(i+1)))
		mustState(t, mgr, "svc-1", step.want)
	}
}

func TestStaleSnapshotIgnored(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	ctx := context.Background()

	mgr.Evaluate(ctx, snap("svc-2", 0.62, 5))
	mustState(t, mgr, "svc-2", StateElevated)

	// An older rescore arriving late cannot move the machine backwards.
	mgr.Evaluate(ctx, snap("svc-2", 0.10, 4))
	mustState(t, mgr, "svc-2", StateElevated)

	// Equal version is not strictly newer either.
	mgr.Evaluate(ctx, snap("svc-2", 0.10, 5))
	mustState(t, mgr, "svc-2", StateElevated)
}

func TestMultiBoundaryJump(t *testing.T) {
	mgr, _, responder, _ := newTestManager(t)
	ctx := context.Background()

	mgr.Evaluate(ctx, snap("svc-3", 0.95, 1))
	mustState(t, mgr, "svc-3", StateEmergency)

	select {
	case ectx := <-responder.ch:
		if ectx.State != StateEmergency || !ectx.Expedited {
			t.Fatalf("expected expedited emergency response, got %+v", ectx)
		}
	case <-time.After(time.Second):
		t.Fatal("responder never invoked")
	}

	mgr.Evaluate(ctx, snap("svc-3", 0.05, 2))
	mustState(t, mgr, "svc-3", StateNormal)
}

func TestHighStateTriggersResponder(t *testing.T) {
	mgr, _, responder, sink := newTestManager(t)
	ctx := context.Background()

	mgr.Evaluate(ctx, snap("svc-4", 0.72, 1))
	mustState(t, mgr, "svc-4", StateHigh)

	select {
	case ectx := <-responder.ch:
		if ectx.State != StateHigh || ectx.EntityID != "svc-4" || ectx.Expedited {
			t.Fatalf("unexpected response context %+v", ectx)
		}
	case <-time.After(time.Second):
		t.Fatal("responder never invoked")
	}

	if n := len(sink.OfType(audit.EventStateTransition)); n != 1 {
		t.Fatalf("expected 1 state.transition record, got %d", n)
	}
}

func TestDowngradeDoesNotTriggerResponder(t *testing.T) {
	mgr, _, responder, _ := newTestManager(t)
	ctx := context.Background()

	mgr.Evaluate(ctx, snap("svc-5", 0.95, 1))
	<-responder.ch
	mgr.Evaluate(ctx, snap("svc-5", 0.72, 2)) // Emergency -> High, downward
	mustState(t, mgr, "svc-5", StateHigh)

	select {
	case ectx := <-responder.ch:
		t.Fatalf("downward transition must not respond, got %+v", ectx)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStateStoreFailureDegradesToAlertOnly(t *testing.T) {
	mgr, store, responder, sink := newTestManager(t)
	ctx := context.Background()

	store.FailNext = true
	mgr.Evaluate(ctx, snap("svc-6", 0.95, 1))

	if !mgr.Degraded() {
		t.Fatal("expected degraded mode")
	}
	if responder.callCount() != 0 {
		t.Fatal("degraded manager must not execute playbooks")
	}
	if n := len(sink.OfType(audit.EventStateDegraded)); n != 1 {
		t.Fatalf("expected 1 state.degraded record, got %d", n)
	}
	mustState(t, mgr, "svc-6", StateNormal)

	// A later successful write recovers and the transition proceeds.
	mgr.Evaluate(ctx, snap("svc-6", 0.95, 2))
	if mgr.Degraded() {
		t.Fatal("expected recovery")
	}
	mustState(t, mgr, "svc-6", StateEmergency)
	if n := len(sink.OfType(audit.EventStateRecovered)); n != 1 {
		t.Fatalf("expected 1 state.recovered record, got %d", n)
	}
	select {
	case <-responder.ch:
	case <-time.After(time.Second):
		t.Fatal("responder never invoked after recovery")
	}
}

func TestAutoActionBudget(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.Thresholds = testThresholds()
	cfg.MaxAutoActionsPerHour = 1
	store := NewMemoryStateStore()
	responder := newFakeResponder()
	sink := audit.NewMemorySink()
	mgr := NewManager(cfg, store, responder, nil, nil, sink, BuiltinPlaybooks(), nil)
	ctx := context.Background()

	mgr.Evaluate(ctx, snap("svc-7", 0.72, 1))
	<-responder.ch
	mgr.Evaluate(ctx, snap("svc-8", 0.72, 1))

	select {
	case ectx := <-responder.ch:
		t.Fatalf("budget exhausted, response must be suppressed, got %+v", ectx)
	case <-time.After(50 * time.Millisecond):
	}

	suppressed := sink.OfType(audit.EventActionFailed)
	if len(suppressed) != 1 || suppressed[0].Target != "svc-8" {
		t.Fatalf("expected suppression audit for svc-8, got %+v", suppressed)
	}
	// The state transition itself is never suppressed.
	mustState(t, mgr, "svc-8", StateHigh)
}

func TestSubscribersReceiveStateChanges(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	ctx := context.Background()

	ch, cancel := mgr.Subscribe()
	defer cancel()

	mgr.Evaluate(ctx, snap("svc-9", 0.62, 1))
	select {
	case change := <-ch:
		if change.EntityID != "svc-9" || change.From != StateNormal || change.To != StateElevated {
			t.Fatalf("unexpected change %+v", change)
		}
	case <-time.After(time.Second):
		t.Fatal("no state change received")
	}

	cancel()
	mgr.Evaluate(ctx, snap("svc-9", 0.10, 2))
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after cancel")
	}
}

type fakeScoreSource struct {
	mu    sync.Mutex
	snaps map[string]*scoring.Snapshot
}

func (f *fakeScoreSource) set(s *scoring.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps[s.EntityID] = s
}

func (f *fakeScoreSource) ScoreEntity(_ context.Context, entityID string) (*scoring.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snaps[entityID], nil
}

func TestMonitoringTickCatchesDrift(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.Thresholds = testThresholds()
	cfg.CheckInterval = 10 * time.Millisecond
	store := NewMemoryStateStore()
	responder := newFakeResponder()
	source := &fakeScoreSource{snaps: make(map[string]*scoring.Snapshot)}
	mgr := NewManager(cfg, store, responder, source, nil, audit.NewMemorySink(), BuiltinPlaybooks(), nil)

	ctx := context.Background()
	mgr.Evaluate(ctx, snap("svc-10", 0.20, 1))
	mustState(t, mgr, "svc-10", StateNormal)

	// No further events arrive, but the periodic re-score sees drift.
	source.set(snap("svc-10", 0.72, 2))
	mgr.Start(ctx)
	defer mgr.Stop()

	select {
	case ectx := <-responder.ch:
		if ectx.EntityID != "svc-10" || ectx.State != StateHigh {
			t.Fatalf("unexpected response context %+v", ectx)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("tick never escalated the drifted entity")
	}
	mustState(t, mgr, "svc-10", StateHigh)
}

func TestThresholdValidation(t *testing.T) {
	bad := testThresholds()
	bad.High.Down = bad.High.Up
	if err := bad.Validate(); err == nil {
		t.Fatal("expected down >= up to be rejected")
	}

	unordered := testThresholds()
	unordered.Critical.Up = 0.65
	if err := unordered.Validate(); err == nil {
		t.Fatal("expected unordered ladder to be rejected")
	}

	if err := DefaultThresholds().Validate(); err != nil {
		t.Fatalf("default thresholds: %v", err)
	}
}
