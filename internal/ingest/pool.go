package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"riskgraph/internal/schema"
)

// ErrPoolStopped is returned when an event cannot be enqueued because the
// pool is shutting down.
var ErrPoolStopped = errors.New("ingest: pool stopped")

// PoolConfig tunes the processing pool.
type PoolConfig struct {
	Workers      int           `yaml:"workers"`
	QueueDepth   int           `yaml:"queue_depth"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
}

// DefaultPoolConfig returns the default pool configuration.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:      4,
		QueueDepth:   1024,
		ShutdownWait: 30 * time.Second,
	}
}

// poolJob is one unit of work for a partition worker. Transport jobs carry
// a reply channel so the caller can hold its offset until processing is
// done; Submit jobs are fire-and-forget.
type poolJob struct {
	ev        schema.SecurityEvent
	raw       []byte
	topic     string
	partition int
	offset    int64
	reply     chan poolReply
}

type poolReply struct {
	res Result
	err error
}

// Pool fans events out to a fixed set of workers. Events are partitioned by
// the entity they primarily affect, so all events for one entity are applied
// in arrival order by a single worker.
type Pool struct {
	ingestor *Ingestor
	config   PoolConfig
	queues   []chan poolJob
	logger   *slog.Logger

	wg      sync.WaitGroup
	done    chan struct{}
	started atomic.Bool

	submitted uint64
	dropped   uint64
}

// NewPool creates a processing pool over the ingestor.
func NewPool(in *Ingestor, cfg PoolConfig, logger *slog.Logger) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 4
	}
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}

	queues := make([]chan poolJob, cfg.Workers)
	for i := range queues {
		queues[i] = make(chan poolJob, cfg.QueueDepth)
	}

	return &Pool{
		ingestor: in,
		config:   cfg,
		queues:   queues,
		logger:   logger.With("component", "ingest-pool"),
		done:     make(chan struct{}),
	}
}

// Start launches the workers.
func (p *Pool) Start(ctx context.Context) {
	if p.started.Swap(true) {
		return
	}
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.logger.Info("ingest pool started", "workers", p.config.Workers)
}

// Submit enqueues an event for its partition's worker without waiting for
// the outcome. It blocks while the partition queue is full and returns false
// once the pool is shutting down or the context expires.
func (p *Pool) Submit(ctx context.Context, ev schema.SecurityEvent) bool {
	return p.enqueue(ctx, poolJob{ev: ev})
}

func (p *Pool) enqueue(ctx context.Context, job poolJob) bool {
	select {
	case <-p.done:
		atomic.AddUint64(&p.dropped, 1)
		return false
	default:
	}

	q := p.queues[p.partition(job.ev)]
	select {
	case q <- job:
		atomic.AddUint64(&p.submitted, 1)
		return true
	case <-p.done:
	case <-ctx.Done():
	}
	atomic.AddUint64(&p.dropped, 1)
	return false
}

// IngestRaw decodes a raw payload, routes it through its partition worker,
// and waits for the outcome, so the transport commits an offset only after
// the event was applied or dead-lettered — never while it still sits in a
// queue. Malformed payloads skip the workers; the ingestor dead-letters them
// synchronously.
func (p *Pool) IngestRaw(ctx context.Context, raw []byte, topic string, partition int, offset int64) (Result, error) {
	var ev schema.SecurityEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return p.ingestor.IngestRaw(ctx, raw, topic, partition, offset)
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}

	job := poolJob{
		ev:        ev,
		raw:       raw,
		topic:     topic,
		partition: partition,
		offset:    offset,
		reply:     make(chan poolReply, 1),
	}
	if !p.enqueue(ctx, job) {
		if err := ctx.Err(); err != nil {
			return Rejected, err
		}
		return Rejected, ErrPoolStopped
	}

	select {
	case r := <-job.reply:
		return r.res, r.err
	case <-ctx.Done():
		// The worker may still apply the event after we give up; the dedup
		// window absorbs the redelivery.
		return Rejected, ctx.Err()
	}
}

// partition picks the worker for an event. Events naming an entity hash on
// it; the rest hash on the source system.
func (p *Pool) partition(ev schema.SecurityEvent) int {
	key := ev.TargetEntityID
	if key == "" {
		key = ev.SourceSystemID
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(p.queues)))
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	q := p.queues[id]
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			// Drain what is already queued before exiting.
			for {
				select {
				case job := <-q:
					p.process(ctx, id, job)
				default:
					return
				}
			}
		case job := <-q:
			p.process(ctx, id, job)
		}
	}
}

func (p *Pool) process(ctx context.Context, workerID int, job poolJob) {
	if job.reply != nil {
		res, err := p.ingestor.ingestDecoded(ctx, job.ev, job.raw, job.topic, job.partition, job.offset)
		job.reply <- poolReply{res: res, err: err}
		return
	}
	if _, err := p.ingestor.Ingest(ctx, job.ev); err != nil {
		p.logger.Error("event processing failed",
			"worker_id", workerID,
			"event_id", job.ev.EventID,
			"error", err)
	}
}

// Stop drains the queues and waits for the workers, bounded by ShutdownWait.
func (p *Pool) Stop() {
	close(p.done)

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		p.logger.Info("ingest pool stopped", "submitted", atomic.LoadUint64(&p.submitted))
	case <-time.After(p.config.ShutdownWait):
		p.logger.Warn("ingest pool shutdown timed out")
	}
}
