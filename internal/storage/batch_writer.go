package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"riskgraph/internal/scoring"
)

// BatchWriterConfig holds configuration for batched inserts.
type BatchWriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// DefaultBatchWriterConfig returns the default batch writer configuration.
func DefaultBatchWriterConfig() BatchWriterConfig {
	return BatchWriterConfig{
		BatchSize:     1000,
		FlushInterval: 5 * time.Second,
		MaxRetries:    3,
		RetryDelay:    time.Second,
	}
}

// SnapshotWriter persists point-in-time score snapshots in batches. It
// implements scoring.SnapshotSink. Snapshot history in ClickHouse is for
// analytics and replay; the score cache and graph remain the serving path.
type SnapshotWriter struct {
	client *ClickHouseClient
	config BatchWriterConfig

	buffer []*scoring.Snapshot
	mu     sync.Mutex

	flushTimer *time.Timer
	closed     bool

	totalWritten uint64
	totalFailed  uint64
	batchCount   uint64
}

// NewSnapshotWriter creates a SnapshotWriter and starts its flush timer.
func NewSnapshotWriter(client *ClickHouseClient, cfg BatchWriterConfig) *SnapshotWriter {
	sw := &SnapshotWriter{
		client: client,
		config: cfg,
		buffer: make([]*scoring.Snapshot, 0, cfg.BatchSize),
	}
	sw.flushTimer = time.AfterFunc(cfg.FlushInterval, sw.timerFlush)
	return sw
}

// WriteSnapshot adds a snapshot to the batch.
func (sw *SnapshotWriter) WriteSnapshot(_ context.Context, snap *scoring.Snapshot) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.closed {
		return ErrWriterClosed
	}

	sw.buffer = append(sw.buffer, snap)

	if len(sw.buffer) >= sw.config.BatchSize {
		return sw.flushLocked()
	}
	return nil
}

func (sw *SnapshotWriter) timerFlush() {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.closed {
		return
	}
	if len(sw.buffer) > 0 {
		if err := sw.flushLocked(); err != nil {
			slog.Error("snapshot flush failed", "error", err)
		}
	}
	sw.flushTimer.Reset(sw.config.FlushInterval)
}

// flushLocked flushes the buffer. Caller must hold the lock.
func (sw *SnapshotWriter) flushLocked() error {
	if len(sw.buffer) == 0 {
		return nil
	}

	snaps := sw.buffer
	sw.buffer = make([]*scoring.Snapshot, 0, sw.config.BatchSize)

	var lastErr error
	for attempt := 0; attempt <= sw.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(sw.config.RetryDelay * time.Duration(attempt))
		}

		if err := sw.insertBatch(snaps); err != nil {
			lastErr = err
			slog.Warn("snapshot batch insert failed, retrying",
				"attempt", attempt+1,
				"max_retries", sw.config.MaxRetries,
				"error", err,
			)
			continue
		}

		atomic.AddUint64(&sw.totalWritten, uint64(len(snaps)))
		atomic.AddUint64(&sw.batchCount, 1)
		return nil
	}

	atomic.AddUint64(&sw.totalFailed, uint64(len(snaps)))
	return &StorageError{
		Op:      "Flush",
		Table:   "score_snapshots",
		Err:     fmt.Errorf("%w: %v", ErrBatchInsertFailed, lastErr),
		Retries: sw.config.MaxRetries,
	}
}

func (sw *SnapshotWriter) insertBatch(snaps []*scoring.Snapshot) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	batch, err := sw.client.PrepareBatch(ctx, `
		INSERT INTO score_snapshots (
			entity_id, exposure_score, volatility_score, sensitivity_likelihood,
			composite_score, risk_level, version, scoring_version,
			computed_at, factors
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, snap := range snaps {
		factors, _ := json.Marshal(snap.Factors)

		err := batch.Append(
			snap.EntityID,
			snap.Exposure,
			snap.Volatility,
			snap.Sensitivity,
			snap.Composite,
			string(snap.Level),
			snap.Version,
			snap.Algorithm,
			snap.ComputedAt,
			string(factors),
		)
		if err != nil {
			return fmt.Errorf("failed to append snapshot: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	slog.Debug("snapshot batch inserted", "count", len(snaps))
	return nil
}

// Flush forces a flush of the current buffer.
func (sw *SnapshotWriter) Flush() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.flushLocked()
}

// Close stops the flush timer and writes out any buffered snapshots.
func (sw *SnapshotWriter) Close() error {
	sw.mu.Lock()
	sw.closed = true
	sw.mu.Unlock()

	sw.flushTimer.Stop()

	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.flushLocked()
}

// Metrics returns writer statistics.
func (sw *SnapshotWriter) Metrics() BatchWriterMetrics {
	return BatchWriterMetrics{
		Written: atomic.LoadUint64(&sw.totalWritten),
		Failed:  atomic.LoadUint64(&sw.totalFailed),
		Batches: atomic.LoadUint64(&sw.batchCount),
		Pending: sw.pendingCount(),
	}
}

func (sw *SnapshotWriter) pendingCount() int {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return len(sw.buffer)
}

// BatchWriterMetrics holds batch writer statistics.
type BatchWriterMetrics struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Batches uint64 `json:"batches"`
	Pending int    `json:"pending"`
}
