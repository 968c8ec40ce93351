package internal_test

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"riskgraph/internal/audit"
	"riskgraph/internal/autonomous"
	"riskgraph/internal/graph"
	"riskgraph/internal/ingest"
	"riskgraph/internal/scoring"
)

const signingKey = "integration-test-signing-key-32b"

// pipeline wires the full in-memory stack: ingestion pool, risk graph,
// scoring engine, state machine, and response engine over a verifiable
// audit chain.
type pipeline struct {
	store     *graph.Store
	engine    *scoring.Engine
	ingestor  *ingest.Ingestor
	pool      *ingest.Pool
	manager   *autonomous.Manager
	executor  *autonomous.MemoryExecutor
	auditSink *audit.MemorySink
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()

	store := graph.NewStore()
	engine := scoring.NewEngine(store, scoring.DefaultEngineConfig(),
		scoring.NewMemorySnapshotCache(), nil, slog.Default())

	auditSink := audit.NewMemorySink()
	chain := audit.NewChain([]byte(signingKey), auditSink)

	executor := autonomous.NewMemoryExecutor()
	responder := autonomous.NewResponseEngine(executor, chain,
		autonomous.DefaultResponseEngineConfig(), slog.Default())
	manager := autonomous.NewManager(autonomous.DefaultManagerConfig(),
		autonomous.NewMemoryStateStore(), responder, engine, engine.History(),
		chain, autonomous.BuiltinPlaybooks(), slog.Default())

	ingestor := ingest.New(store, engine, nil, ingest.DefaultConfig(), slog.Default())
	pool := ingest.NewPool(ingestor,
		ingest.PoolConfig{Workers: 2, QueueDepth: 64, ShutdownWait: 5 * time.Second}, nil)

	return &pipeline{
		store:     store,
		engine:    engine,
		ingestor:  ingestor,
		pool:      pool,
		manager:   manager,
		executor:  executor,
		auditSink: auditSink,
	}
}

func rawEvent(id, eventType, body string) []byte {
	return []byte(fmt.Sprintf(`{
		"event_id": %q,
		"event_type": %q,
		"timestamp": %q,
		%s
	}`, id, eventType, time.Now().UTC().Format(time.RFC3339), body))
}

func TestEventsToExposurePath(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	p.pool.Start(ctx)

	events := [][]byte{
		rawEvent("it-ev-1", "AI_TOOL_DISCOVERY", `
			"source_system_id": "endpoint-agent-7",
			"identity_id": "shadow-copilot",
			"metadata": {"tool_name": "Shadow Copilot", "vendor": "unknown"}`),
		rawEvent("it-ev-2", "AI_DATA_ACCESS", `
			"source_system_id": "api-gateway",
			"identity_id": "shadow-copilot",
			"target_entity_id": "crm-db",
			"privilege_level": "admin",
			"sensitivity_tags": ["identity_related", "financial_related"],
			"exposure_direction": "internal_to_ai",
			"data_volume_estimate": 25000000`),
		rawEvent("it-ev-3", "DATA_EXPORT", `
			"source_system_id": "crm-db",
			"target_entity_id": "external:pastebin",
			"exposure_direction": "internal_to_external",
			"data_volume_estimate": 5000000`),
		rawEvent("it-ev-4", "AI_MODEL_TRAINING", `
			"source_system_id": "crm-db",
			"target_entity_id": "shadow-copilot",
			"exposure_direction": "internal_to_ai",
			"data_volume_estimate": 12000000,
			"metadata": {"model_name": "shadow-finetune"}`),
	}
	for i, raw := range events {
		res, err := p.pool.IngestRaw(ctx, raw, "riskgraph.events", 0, int64(i))
		if err != nil || res != ingest.Accepted {
			t.Fatalf("event %d: got (%v, %v), want accepted", i, res, err)
		}
	}
	p.pool.Stop()

	m := p.ingestor.Metrics()
	if m.Accepted != 4 {
		t.Fatalf("accepted = %d, want 4", m.Accepted)
	}

	for _, id := range []string{"shadow-copilot", "crm-db", "external:pastebin"} {
		if _, err := p.store.GetNode(id); err != nil {
			t.Errorf("node %s missing after ingestion: %v", id, err)
		}
	}

	// The CRM database is now one hop from an unsanctioned AI tool.
	seq, err := p.store.ExposurePaths("crm-db", 3)
	if err != nil {
		t.Fatalf("ExposurePaths: %v", err)
	}
	paths := seq.Drain()
	if len(paths) == 0 {
		t.Fatal("no exposure path from crm-db to the discovered AI tool")
	}

	snap, err := p.engine.GetScore(ctx, "crm-db")
	if err != nil {
		t.Fatalf("GetScore: %v", err)
	}
	if snap.Composite <= 0 {
		t.Errorf("composite = %v, want > 0 for an exposed sensitive store", snap.Composite)
	}
	if snap.Factors == (scoring.Factors{}) {
		t.Error("snapshot carries no contributing factors")
	}
}

func TestEscalationExecutesPlaybook(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	changes, unsubscribe := p.manager.Subscribe()
	defer unsubscribe()

	// Default thresholds put the high boundary at 0.60 up.
	p.manager.Evaluate(ctx, &scoring.Snapshot{
		EntityID:   "crm-db",
		Composite:  0.72,
		Version:    10,
		ComputedAt: time.Now().UTC(),
	})

	select {
	case change := <-changes:
		if change.To != autonomous.StateHigh {
			t.Fatalf("transitioned to %s, want high", change.To)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no state change published")
	}

	// The contain-high-risk playbook restricts the entity; execution is
	// asynchronous, so poll the executor's view of the target.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if p.executor.TargetState("crm-db")["restricted"] == "true" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("entity was never restricted by the high-risk playbook")
		}
		time.Sleep(10 * time.Millisecond)
	}
	p.manager.Stop()

	records := p.auditSink.Records()
	if err := audit.VerifyChain([]byte(signingKey), records); err != nil {
		t.Fatalf("audit chain failed verification: %v", err)
	}
	if len(p.auditSink.OfType(audit.EventStateTransition)) == 0 {
		t.Error("no state transition recorded in the audit trail")
	}
	if len(p.auditSink.OfType(audit.EventPlaybookCompleted)) == 0 {
		t.Error("no playbook completion recorded in the audit trail")
	}
}

func TestRedeliveredEventsDoNotDoubleCount(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	p.pool.Start(ctx)

	raw := rawEvent("it-dup-1", "DATA_MOVEMENT", `
		"source_system_id": "etl-pipeline",
		"target_entity_id": "lakehouse",
		"data_volume_estimate": 1000`)

	// Same payload delivered twice, as an at-least-once transport will do.
	for i := 0; i < 2; i++ {
		if _, err := p.pool.IngestRaw(ctx, raw, "riskgraph.events", 0, 100); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}
	p.pool.Stop()

	m := p.ingestor.Metrics()
	if m.Accepted != 1 || m.Deduplicated != 1 {
		t.Errorf("metrics = %+v, want 1 accepted and 1 deduplicated", m)
	}
}
