package audit

import (
	"context"
	"errors"
	"testing"
)

var testKey = []byte("test-hmac-key-32-bytes-exactly!!")

func writeN(t *testing.T, c *Chain, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		rec := NewRecord(EventActionCompleted, SeverityInfo, "response-engine", "entity-1", "action completed")
		if err := c.Write(context.Background(), rec); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
}

func TestChainVerifies(t *testing.T) {
	sink := NewMemorySink()
	chain := NewChain(testKey, sink)
	writeN(t, chain, 5)

	records := sink.Records()
	if len(records) != 5 {
		t.Fatalf("expected 5 records, got %d", len(records))
	}
	if records[0].Sequence != 1 || records[4].Sequence != 5 {
		t.Fatalf("unexpected sequence range %d..%d", records[0].Sequence, records[4].Sequence)
	}
	if err := VerifyChain(testKey, records); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestChainDetectsTamper(t *testing.T) {
	sink := NewMemorySink()
	chain := NewChain(testKey, sink)
	writeN(t, chain, 3)

	records := sink.Records()
	records[1].Message = "edited after the fact"
	if err := VerifyChain(testKey, records); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestChainDetectsDeletion(t *testing.T) {
	sink := NewMemorySink()
	chain := NewChain(testKey, sink)
	writeN(t, chain, 4)

	records := sink.Records()
	trimmed := append([]*Record{records[0]}, records[2:]...)
	if err := VerifyChain(testKey, trimmed); !errors.Is(err, ErrSequenceGap) {
		t.Fatalf("expected ErrSequenceGap, got %v", err)
	}
}

func TestChainDetectsWrongKey(t *testing.T) {
	sink := NewMemorySink()
	chain := NewChain(testKey, sink)
	writeN(t, chain, 2)

	if err := VerifyChain([]byte("some-other-key"), sink.Records()); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestChainHeadHoldsOnBackendFailure(t *testing.T) {
	sink := NewMemorySink()
	chain := NewChain(testKey, sink)
	writeN(t, chain, 1)

	sink.FailNext = true
	rec := NewRecord(EventActionFailed, SeverityError, "response-engine", "entity-1", "failed")
	if err := chain.Write(context.Background(), rec); err == nil {
		t.Fatal("expected backend failure to surface")
	}

	// A retried write must continue the chain without a gap.
	writeN(t, chain, 1)
	records := sink.Records()
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if err := VerifyChain(testKey, records); err != nil {
		t.Fatalf("verify after retry: %v", err)
	}
}

func TestClosedChainRejectsWrites(t *testing.T) {
	chain := NewChain(testKey, NewMemorySink())
	if err := chain.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	err := chain.Write(context.Background(), NewRecord(EventStateTransition, SeverityInfo, "manager", "e", "m"))
	if !errors.Is(err, ErrSinkClosed) {
		t.Fatalf("expected ErrSinkClosed, got %v", err)
	}
}
