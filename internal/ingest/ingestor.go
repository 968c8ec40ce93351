package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"riskgraph/internal/graph"
	"riskgraph/internal/schema"
	"riskgraph/internal/scoring"
)

// Result classifies the outcome of ingesting one event.
type Result string

const (
	Accepted  Result = "accepted"
	Duplicate Result = "duplicate"
	Rejected  Result = "rejected"
)

// IngestionError wraps a failure at a specific pipeline stage.
type IngestionError struct {
	Stage   string
	EventID string
	Err     error
}

func (e *IngestionError) Error() string {
	return fmt.Sprintf("ingest %s %s: %v", e.Stage, e.EventID, e.Err)
}

func (e *IngestionError) Unwrap() error { return e.Err }

// GraphWriter is the slice of graph mutations the handlers need.
type GraphWriter interface {
	GetNode(id string) (*graph.Node, error)
	UpsertNode(id string, kind graph.Kind, name string, attrs map[string]any) (*graph.Node, error)
	UpsertEdge(sourceID string, edgeType graph.EdgeType, targetID string, weight float64, dataVolume int64, activity time.Time) (*graph.Edge, error)
	IncrementCounter(id, key string, delta int) (int, error)
}

// Scorer receives observed events and rescore requests for affected
// entities.
type Scorer interface {
	ObserveEvent(entityID string, ev schema.SecurityEvent)
	ScoreEntity(ctx context.Context, entityID string) (*scoring.Snapshot, error)
}

// DeadLetter is the payload routed to the dead-letter topic when an event
// cannot be processed.
type DeadLetter struct {
	EventID   string    `json:"event_id,omitempty"`
	EventType string    `json:"event_type,omitempty"`
	Raw       []byte    `json:"raw_value,omitempty"`
	Reason    string    `json:"reason"`
	Error     string    `json:"error"`
	Retries   int       `json:"retries"`
	Topic     string    `json:"original_topic,omitempty"`
	Partition int       `json:"original_partition,omitempty"`
	Offset    int64     `json:"original_offset,omitempty"`
	FailedAt  time.Time `json:"failed_at"`
}

// DeadLetterSink delivers dead letters; typically a Kafka producer on the
// DLQ topic.
type DeadLetterSink interface {
	Send(ctx context.Context, d DeadLetter) error
}

// Config tunes the ingestor.
type Config struct {
	DedupCapacity  int           `yaml:"dedup_capacity"`
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// DefaultConfig returns the default ingestor configuration.
func DefaultConfig() Config {
	return Config{
		DedupCapacity:  DefaultDedupCapacity,
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
	}
}

// Metrics holds ingestion counters.
type Metrics struct {
	Consumed     uint64 `json:"consumed"`
	Accepted     uint64 `json:"accepted"`
	Deduplicated uint64 `json:"deduplicated"`
	Rejected     uint64 `json:"rejected"`
	DeadLettered uint64 `json:"dead_lettered"`
}

// Ingestor validates, deduplicates, and applies security events to the risk
// graph, then requests rescoring for the affected entities.
type Ingestor struct {
	validator *schema.Validator
	dedup     *dedupSet
	handlers  *handlers
	scorer    Scorer
	dlq       DeadLetterSink
	config    Config
	logger    *slog.Logger

	consumed     atomic.Uint64
	accepted     atomic.Uint64
	deduplicated atomic.Uint64
	rejected     atomic.Uint64
	deadLettered atomic.Uint64
}

// New creates an Ingestor. scorer and dlq may be nil.
func New(g GraphWriter, scorer Scorer, dlq DeadLetterSink, cfg Config, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 2 * time.Second
	}
	return &Ingestor{
		validator: schema.NewValidator(),
		dedup:     newDedupSet(cfg.DedupCapacity),
		handlers:  newHandlers(g),
		scorer:    scorer,
		dlq:       dlq,
		config:    cfg,
		logger:    logger.With("component", "ingest"),
	}
}

// Ingest processes one validated-or-rejected event end to end. Reingesting
// an already-seen event id returns Duplicate without touching the graph or
// triggering a rescore.
func (in *Ingestor) Ingest(ctx context.Context, ev schema.SecurityEvent) (Result, error) {
	in.consumed.Add(1)

	if err := in.validator.Validate(&ev); err != nil {
		in.rejected.Add(1)
		return Rejected, &IngestionError{Stage: "validate", EventID: ev.EventID, Err: err}
	}

	if in.dedup.Seen(ev.EventID) {
		in.deduplicated.Add(1)
		in.logger.Debug("duplicate event skipped", "event_id", ev.EventID)
		return Duplicate, nil
	}

	affected, err := in.applyWithRetry(ctx, ev)
	if err != nil {
		in.rejected.Add(1)
		if graph.IsRetryable(err) {
			// Retry budget exhausted on a transient failure.
			in.sendDeadLetter(ctx, DeadLetter{
				EventID:   ev.EventID,
				EventType: string(ev.EventType),
				Reason:    "retry_exhausted",
				Error:     err.Error(),
				Retries:   in.config.MaxRetries,
				FailedAt:  time.Now().UTC(),
			})
		}
		return Rejected, &IngestionError{Stage: "apply", EventID: ev.EventID, Err: err}
	}

	// The id enters the dedup window only after the mutation succeeded, so a
	// failed event can be redelivered.
	in.dedup.Add(ev.EventID)
	in.accepted.Add(1)

	in.rescore(ctx, ev, affected)

	in.logger.Info("event ingested",
		"event_id", ev.EventID,
		"event_type", ev.EventType,
		"affected", len(affected))

	return Accepted, nil
}

// IngestRaw deserializes and ingests a raw message payload. It is the
// transport entry point: a nil error means the payload's offset may commit,
// either because the event was applied or because it was rejected for good
// and dead-lettered. A non-nil error means the event was neither applied nor
// dead-lettered and should be redelivered.
func (in *Ingestor) IngestRaw(ctx context.Context, raw []byte, topic string, partition int, offset int64) (Result, error) {
	var ev schema.SecurityEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		in.consumed.Add(1)
		in.rejected.Add(1)
		in.logger.Warn("malformed event payload",
			"topic", topic, "partition", partition, "offset", offset, "error", err)
		in.sendDeadLetter(ctx, DeadLetter{
			Raw:       raw,
			Reason:    "malformed_payload",
			Error:     err.Error(),
			Topic:     topic,
			Partition: partition,
			Offset:    offset,
			FailedAt:  time.Now().UTC(),
		})
		return Rejected, nil
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}
	return in.ingestDecoded(ctx, ev, raw, topic, partition, offset)
}

// ingestDecoded applies an already-decoded transport event under the same
// commit contract as IngestRaw. The pool's partition workers call it so the
// transport outcome reflects the actual processing result.
func (in *Ingestor) ingestDecoded(ctx context.Context, ev schema.SecurityEvent, raw []byte, topic string, partition int, offset int64) (Result, error) {
	res, err := in.Ingest(ctx, ev)
	if err == nil {
		return res, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// Interrupted in flight, not a bad event. Leave it for redelivery.
		return res, err
	}
	if !graph.IsRetryable(err) {
		// Permanent rejection that Ingest did not dead-letter itself.
		in.sendDeadLetter(ctx, DeadLetter{
			EventID:   ev.EventID,
			EventType: string(ev.EventType),
			Raw:       raw,
			Reason:    rejectReason(err),
			Error:     err.Error(),
			Topic:     topic,
			Partition: partition,
			Offset:    offset,
			FailedAt:  time.Now().UTC(),
		})
	}
	return res, nil
}

// rejectReason maps a permanent ingestion failure to a dead-letter reason.
func rejectReason(err error) string {
	var ie *IngestionError
	if errors.As(err, &ie) && ie.Stage == "validate" {
		return "validation_failed"
	}
	return "apply_failed"
}

// applyWithRetry runs the event's graph mutation, retrying transient graph
// failures with bounded exponential backoff.
func (in *Ingestor) applyWithRetry(ctx context.Context, ev schema.SecurityEvent) ([]string, error) {
	var affected []string

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = in.config.InitialBackoff
	bo.MaxInterval = in.config.MaxBackoff

	attempt := 0
	op := func() error {
		attempt++
		ids, err := in.handlers.apply(ev)
		if err != nil {
			if graph.IsRetryable(err) {
				in.logger.Warn("transient graph failure, retrying",
					"event_id", ev.EventID, "attempt", attempt, "error", err)
				return err
			}
			return backoff.Permanent(err)
		}
		affected = ids
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(in.config.MaxRetries)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return affected, nil
}

func (in *Ingestor) rescore(ctx context.Context, ev schema.SecurityEvent, affected []string) {
	if in.scorer == nil {
		return
	}
	for _, id := range affected {
		in.scorer.ObserveEvent(id, ev)
		if _, err := in.scorer.ScoreEntity(ctx, id); err != nil {
			in.logger.Error("rescore failed", "entity_id", id, "error", err)
		}
	}
}

func (in *Ingestor) sendDeadLetter(ctx context.Context, d DeadLetter) {
	if in.dlq == nil {
		return
	}
	if err := in.dlq.Send(ctx, d); err != nil {
		in.logger.Error("dead-letter delivery failed",
			"event_id", d.EventID, "reason", d.Reason, "error", err)
		return
	}
	in.deadLettered.Add(1)
}

// Metrics returns a snapshot of the ingestion counters.
func (in *Ingestor) Metrics() Metrics {
	return Metrics{
		Consumed:     in.consumed.Load(),
		Accepted:     in.accepted.Load(),
		Deduplicated: in.deduplicated.Load(),
		Rejected:     in.rejected.Load(),
		DeadLettered: in.deadLettered.Load(),
	}
}
