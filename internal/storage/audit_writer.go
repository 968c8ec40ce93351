package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"riskgraph/internal/audit"
)

// AuditWriter persists audit records in batches. It implements audit.Sink
// and is normally placed behind an audit.Chain, which signs records before
// they reach this writer.
type AuditWriter struct {
	client *ClickHouseClient
	config BatchWriterConfig

	buffer []*audit.Record
	mu     sync.Mutex

	flushTimer *time.Timer
	closed     bool

	totalWritten uint64
	totalFailed  uint64
	batchCount   uint64
}

// NewAuditWriter creates an AuditWriter and starts its flush timer.
func NewAuditWriter(client *ClickHouseClient, cfg BatchWriterConfig) *AuditWriter {
	aw := &AuditWriter{
		client: client,
		config: cfg,
		buffer: make([]*audit.Record, 0, cfg.BatchSize),
	}
	aw.flushTimer = time.AfterFunc(cfg.FlushInterval, aw.timerFlush)
	return aw
}

// Write adds a record to the batch.
func (aw *AuditWriter) Write(_ context.Context, rec *audit.Record) error {
	aw.mu.Lock()
	defer aw.mu.Unlock()

	if aw.closed {
		return ErrWriterClosed
	}

	aw.buffer = append(aw.buffer, rec)

	if len(aw.buffer) >= aw.config.BatchSize {
		return aw.flushLocked()
	}
	return nil
}

func (aw *AuditWriter) timerFlush() {
	aw.mu.Lock()
	defer aw.mu.Unlock()

	if aw.closed {
		return
	}
	if len(aw.buffer) > 0 {
		if err := aw.flushLocked(); err != nil {
			slog.Error("audit flush failed", "error", err)
		}
	}
	aw.flushTimer.Reset(aw.config.FlushInterval)
}

func (aw *AuditWriter) flushLocked() error {
	if len(aw.buffer) == 0 {
		return nil
	}

	records := aw.buffer
	aw.buffer = make([]*audit.Record, 0, aw.config.BatchSize)

	var lastErr error
	for attempt := 0; attempt <= aw.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(aw.config.RetryDelay * time.Duration(attempt))
		}

		if err := aw.insertBatch(records); err != nil {
			lastErr = err
			slog.Warn("audit batch insert failed, retrying",
				"attempt", attempt+1,
				"max_retries", aw.config.MaxRetries,
				"error", err,
			)
			continue
		}

		atomic.AddUint64(&aw.totalWritten, uint64(len(records)))
		atomic.AddUint64(&aw.batchCount, 1)
		return nil
	}

	atomic.AddUint64(&aw.totalFailed, uint64(len(records)))
	return &StorageError{
		Op:      "Flush",
		Table:   "audit_records",
		Err:     fmt.Errorf("%w: %v", ErrBatchInsertFailed, lastErr),
		Retries: aw.config.MaxRetries,
	}
}

func (aw *AuditWriter) insertBatch(records []*audit.Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	batch, err := aw.client.PrepareBatch(ctx, `
		INSERT INTO audit_records (
			record_id, sequence, timestamp, event_type, severity,
			message, data, actor, target, target_type,
			success, error, previous_hash, entry_hash, signature
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, rec := range records {
		data, _ := json.Marshal(rec.Data)

		err := batch.Append(
			rec.ID,
			rec.Sequence,
			rec.Timestamp,
			string(rec.Type),
			string(rec.Severity),
			rec.Message,
			string(data),
			rec.Actor,
			rec.Target,
			rec.TargetType,
			rec.Success,
			rec.Error,
			rec.PreviousHash,
			rec.EntryHash,
			rec.Signature,
		)
		if err != nil {
			return fmt.Errorf("failed to append record: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	slog.Debug("audit batch inserted", "count", len(records))
	return nil
}

// Flush forces a flush of the current buffer.
func (aw *AuditWriter) Flush() error {
	aw.mu.Lock()
	defer aw.mu.Unlock()
	return aw.flushLocked()
}

// Close stops the flush timer and writes out any buffered records.
func (aw *AuditWriter) Close() error {
	aw.mu.Lock()
	aw.closed = true
	aw.mu.Unlock()

	aw.flushTimer.Stop()

	aw.mu.Lock()
	defer aw.mu.Unlock()
	return aw.flushLocked()
}

// Metrics returns writer statistics.
func (aw *AuditWriter) Metrics() BatchWriterMetrics {
	aw.mu.Lock()
	pending := len(aw.buffer)
	aw.mu.Unlock()
	return BatchWriterMetrics{
		Written: atomic.LoadUint64(&aw.totalWritten),
		Failed:  atomic.LoadUint64(&aw.totalFailed),
		Batches: atomic.LoadUint64(&aw.batchCount),
		Pending: pending,
	}
}
