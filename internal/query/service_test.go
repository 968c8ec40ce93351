package query

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"riskgraph/internal/audit"
	"riskgraph/internal/autonomous"
	"riskgraph/internal/graph"
	"riskgraph/internal/scoring"
)

func newTestService(t *testing.T) (*Service, *graph.Store) {
	t.Helper()

	g := graph.NewStore()
	mustNode := func(id string, kind graph.Kind) {
		if _, err := g.UpsertNode(id, kind, id, nil); err != nil {
			t.Fatalf("upsert node %s: %v", id, err)
		}
	}
	mustNode("db-1", graph.KindDataStore)
	mustNode("svc-1", graph.KindService)
	mustNode("llm-1", graph.KindAITool)

	now := time.Now()
	if _, err := g.UpsertEdge("db-1", graph.EdgeAccesses, "svc-1", 0.8, 1000, now); err != nil {
		t.Fatalf("upsert edge: %v", err)
	}
	if _, err := g.UpsertEdge("svc-1", graph.EdgeIntegratesWith, "llm-1", 0.6, 0, now); err != nil {
		t.Fatalf("upsert edge: %v", err)
	}

	engine := scoring.NewEngine(g, scoring.DefaultEngineConfig(), scoring.NewMemorySnapshotCache(), nil, slog.Default())

	chain := audit.NewChain([]byte("query-test-key"), audit.NewMemorySink())
	responder := autonomous.NewResponseEngine(autonomous.NewMemoryExecutor(), chain, autonomous.DefaultResponseEngineConfig(), slog.Default())
	manager := autonomous.NewManager(autonomous.DefaultManagerConfig(), autonomous.NewMemoryStateStore(), responder, nil, engine.History(), chain, autonomous.BuiltinPlaybooks(), slog.Default())

	return NewService(g, engine, manager, responder, slog.Default()), g
}

func TestScoreEntityAndExplain(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	snap, err := svc.ScoreEntity(ctx, "db-1")
	if err != nil {
		t.Fatalf("ScoreEntity() error: %v", err)
	}
	if snap.EntityID != "db-1" {
		t.Errorf("snapshot entity = %q", snap.EntityID)
	}
	if snap.Version == 0 {
		t.Error("expected versioned snapshot")
	}

	exp, err := svc.Explain(ctx, "db-1")
	if err != nil {
		t.Fatalf("Explain() error: %v", err)
	}
	if exp.EntityID != "db-1" {
		t.Errorf("explanation entity = %q", exp.EntityID)
	}
	if exp.CompositeScore != snap.Composite {
		t.Errorf("explanation composite = %v, snapshot = %v", exp.CompositeScore, snap.Composite)
	}
	if exp.Summary == "" {
		t.Error("expected a summary")
	}
}

func TestScoreEntityServesCacheOnRepeat(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.ScoreEntity(ctx, "svc-1")
	if err != nil {
		t.Fatalf("first ScoreEntity() error: %v", err)
	}
	if first.Cached {
		t.Error("first read should be computed, not cached")
	}

	second, err := svc.ScoreEntity(ctx, "svc-1")
	if err != nil {
		t.Fatalf("second ScoreEntity() error: %v", err)
	}
	if !second.Cached {
		t.Error("second read should come from cache")
	}
	if second.Version != first.Version {
		t.Errorf("cached version = %d, want %d", second.Version, first.Version)
	}
}

func TestScoreEntityUnknown(t *testing.T) {
	svc, _ := newTestService(t)

	if _, err := svc.ScoreEntity(context.Background(), "ghost"); err == nil {
		t.Fatal("expected error for unknown entity")
	}
}

func TestTraverseExposurePaths(t *testing.T) {
	svc, _ := newTestService(t)

	paths, err := svc.TraverseExposurePaths("db-1", 3, 0)
	if err != nil {
		t.Fatalf("TraverseExposurePaths() error: %v", err)
	}
	if len(paths) != 1 {
		t.Fatalf("got %d paths, want 1", len(paths))
	}
	want := []string{"db-1", "svc-1", "llm-1"}
	if len(paths[0].NodeIDs) != len(want) {
		t.Fatalf("path = %v, want %v", paths[0].NodeIDs, want)
	}
	for i, id := range want {
		if paths[0].NodeIDs[i] != id {
			t.Errorf("path node %d = %q, want %q", i, paths[0].NodeIDs[i], id)
		}
	}

	shallow, err := svc.TraverseExposurePaths("db-1", 1, 0)
	if err != nil {
		t.Fatalf("shallow traverse error: %v", err)
	}
	if len(shallow) != 0 {
		t.Errorf("depth-1 traverse found %d paths, want 0", len(shallow))
	}
}

func TestTraverseRejectsInvalidDepth(t *testing.T) {
	svc, _ := newTestService(t)

	if _, err := svc.TraverseExposurePaths("db-1", 0, 0); !errors.Is(err, ErrInvalidDepth) {
		t.Errorf("error = %v, want ErrInvalidDepth", err)
	}
}

func TestTraverseLimit(t *testing.T) {
	svc, g := newTestService(t)

	// Second route to the AI tool.
	if _, err := g.UpsertNode("api-1", graph.KindAPI, "api-1", nil); err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	if _, err := g.UpsertEdge("db-1", graph.EdgeExposes, "api-1", 0.9, 0, now); err != nil {
		t.Fatal(err)
	}
	if _, err := g.UpsertEdge("api-1", graph.EdgeIntegratesWith, "llm-1", 0.7, 0, now); err != nil {
		t.Fatal(err)
	}

	all, err := svc.TraverseExposurePaths("db-1", 3, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d paths, want 2", len(all))
	}

	limited, err := svc.TraverseExposurePaths("db-1", 3, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 {
		t.Fatalf("limited traverse returned %d paths, want 1", len(limited))
	}
}

func TestEntityStateDefaultsToNormal(t *testing.T) {
	svc, _ := newTestService(t)

	state, err := svc.EntityState("db-1")
	if err != nil {
		t.Fatalf("EntityState() error: %v", err)
	}
	if state != autonomous.StateNormal {
		t.Errorf("state = %v, want normal", state)
	}
}

func TestSubscribeStateChanges(t *testing.T) {
	svc, _ := newTestService(t)

	ch, cancel := svc.SubscribeStateChanges()
	defer cancel()

	if ch == nil {
		t.Fatal("expected a subscription channel")
	}

	select {
	case change := <-ch:
		t.Fatalf("unexpected change before any evaluation: %+v", change)
	default:
	}
}

func TestApprovalPassThrough(t *testing.T) {
	svc, _ := newTestService(t)

	if got := svc.PendingApprovals(); len(got) != 0 {
		t.Errorf("expected no pending approvals, got %d", len(got))
	}
	if err := svc.Approve("missing", "operator"); !errors.Is(err, autonomous.ErrApprovalNotFound) {
		t.Errorf("Approve error = %v, want ErrApprovalNotFound", err)
	}
	if err := svc.Deny("missing", "operator", "nope"); !errors.Is(err, autonomous.ErrApprovalNotFound) {
		t.Errorf("Deny error = %v, want ErrApprovalNotFound", err)
	}
}

func TestStats(t *testing.T) {
	svc, _ := newTestService(t)

	o := svc.Stats()
	if o.Nodes != 3 {
		t.Errorf("nodes = %d, want 3", o.Nodes)
	}
	if o.Edges != 2 {
		t.Errorf("edges = %d, want 2", o.Edges)
	}
	if o.Degraded {
		t.Error("fresh manager should not be degraded")
	}
}
