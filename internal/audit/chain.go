package audit

import (
	"context"
	"fmt"
	"sync"
)

// genesisHash anchors the first record in a chain.
const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Chain assigns sequence numbers, links each record to its predecessor, and
// signs it before handing it to the backing sink. One Chain owns one hash
// chain; all records for a deployment should pass through the same Chain.
type Chain struct {
	mu       sync.Mutex
	key      []byte
	sequence uint64
	lastHash string
	backend  Sink
	closed   bool
}

// NewChain creates a chain signing with key and persisting through backend.
func NewChain(key []byte, backend Sink) *Chain {
	return &Chain{
		key:      key,
		lastHash: genesisHash,
		backend:  backend,
	}
}

// Write seals rec into the chain and forwards it to the backend. The chain
// head only advances when the backend accepts the record, so a failed write
// can be retried without leaving a gap.
func (c *Chain) Write(ctx context.Context, rec *Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrSinkClosed
	}

	rec.Sequence = c.sequence + 1
	rec.PreviousHash = c.lastHash
	rec.Sign(c.key)

	if err := c.backend.Write(ctx, rec); err != nil {
		return fmt.Errorf("audit chain write seq %d: %w", rec.Sequence, err)
	}

	c.sequence = rec.Sequence
	c.lastHash = rec.EntryHash
	return nil
}

// Close closes the chain and its backend.
func (c *Chain) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.backend.Close()
}

// VerifyChain checks sequence continuity, hash linkage, and signatures over
// an ordered slice of records.
func VerifyChain(key []byte, records []*Record) error {
	prevHash := genesisHash
	var prevSeq uint64

	for _, rec := range records {
		if rec.Sequence != prevSeq+1 {
			return fmt.Errorf("%w: expected seq %d, got %d", ErrSequenceGap, prevSeq+1, rec.Sequence)
		}
		if rec.PreviousHash != prevHash {
			return fmt.Errorf("%w: seq %d previous hash mismatch", ErrChainBroken, rec.Sequence)
		}
		if !rec.Verify(key) {
			return fmt.Errorf("%w: seq %d", ErrInvalidSignature, rec.Sequence)
		}
		prevHash = rec.EntryHash
		prevSeq = rec.Sequence
	}
	return nil
}

// MemorySink retains records in memory. Used in tests and as the default
// sink when no durable backend is configured.
type MemorySink struct {
	mu      sync.Mutex
	records []*Record
	closed  bool

	// FailNext forces the next Write to fail, for exercising degraded paths.
	FailNext bool
}

// NewMemorySink returns an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) Write(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrSinkClosed
	}
	if m.FailNext {
		m.FailNext = false
		return fmt.Errorf("audit sink unavailable")
	}
	cp := *rec
	m.records = append(m.records, &cp)
	return nil
}

func (m *MemorySink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Records returns a copy of everything written so far.
func (m *MemorySink) Records() []*Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Record, len(m.records))
	copy(out, m.records)
	return out
}

// OfType filters retained records by event type.
func (m *MemorySink) OfType(typ EventType) []*Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Record
	for _, rec := range m.records {
		if rec.Type == typ {
			out = append(out, rec)
		}
	}
	return out
}
