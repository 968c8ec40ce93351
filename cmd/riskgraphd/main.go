// Package main is the entry point for the risk graph daemon.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"riskgraph/internal/audit"
	"riskgraph/internal/autonomous"
	"riskgraph/internal/config"
	"riskgraph/internal/graph"
	"riskgraph/internal/ingest"
	"riskgraph/internal/kafka"
	"riskgraph/internal/logging"
	"riskgraph/internal/query"
	"riskgraph/internal/scoring"
	"riskgraph/internal/storage"
	"riskgraph/internal/storage/s3"
)

func main() {
	// Bootstrap logger until the configured one is ready.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := buildLogger(cfg.Logging)
	slog.SetDefault(logger)

	slog.Info("configuration loaded",
		"kafka_topic", cfg.Kafka.Topic,
		"storage_enabled", cfg.Storage.Enabled,
		"cache_enabled", cfg.Cache.Enabled,
		"archive_enabled", cfg.Archive.Enabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Durable storage is optional; without it snapshots and audit records
	// stay in memory and dead letters only reach the Kafka DLQ.
	var (
		chClient   *storage.ClickHouseClient
		snapWriter *storage.SnapshotWriter
		auditSink  audit.Sink
	)
	if cfg.Storage.Enabled {
		slog.Info("initializing ClickHouse storage",
			"hosts", cfg.Storage.ClickHouse.Hosts,
			"database", cfg.Storage.ClickHouse.Database,
		)

		chClient, err = storage.NewClickHouseClient(cfg.Storage.ClickHouse)
		if err != nil {
			slog.Error("failed to connect to ClickHouse", "error", err)
			os.Exit(1)
		}

		migrator := storage.NewMigrator(chClient)
		if err := migrator.Run(ctx); err != nil {
			slog.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}

		retention := storage.NewRetentionManager(chClient, cfg.Storage.Retention)
		if err := retention.ApplyTTLs(ctx); err != nil {
			slog.Error("failed to apply retention TTLs", "error", err)
			os.Exit(1)
		}

		snapWriter = storage.NewSnapshotWriter(chClient, cfg.Storage.BatchWriter)
		auditSink = storage.NewAuditWriter(chClient, cfg.Storage.BatchWriter)
	} else {
		auditSink = audit.NewMemorySink()
	}

	chain := audit.NewChain([]byte(cfg.Audit.SigningKey), auditSink)

	// Kafka: topics, DLQ producer, and the event consumer.
	admin, err := kafka.NewAdmin(cfg.Kafka, logger)
	if err != nil {
		slog.Error("failed to create kafka admin", "error", err)
		os.Exit(1)
	}
	if err := admin.EnsureTopics(ctx); err != nil {
		slog.Error("failed to ensure kafka topics", "error", err)
		os.Exit(1)
	}

	producer, err := kafka.NewProducer(cfg.Kafka, logger)
	if err != nil {
		slog.Error("failed to create kafka producer", "error", err)
		os.Exit(1)
	}
	dlqSinks := fanoutSink{kafka.NewDLQProducer(producer, cfg.Kafka.DLQTopic(), logger)}

	if chClient != nil {
		dlqSinks = append(dlqSinks, storage.NewDeadLetterWriter(chClient))
	}

	var archiveBuf *archiveBuffer
	if cfg.Archive.Enabled {
		s3Client, err := s3.NewClient(ctx, cfg.Archive.S3, logger)
		if err != nil {
			slog.Error("failed to create s3 client", "error", err)
			os.Exit(1)
		}
		archive := s3.NewDeadLetterArchive(s3Client, cfg.Archive.Archiver, logger)
		archiveBuf = newArchiveBuffer(archive, logger)
		archiveBuf.Start()
		dlqSinks = append(dlqSinks, archiveBuf)
	}

	// Scoring over the in-memory risk graph.
	store := graph.NewStore()

	var cache scoring.SnapshotCache
	if cfg.Cache.Enabled {
		cache, err = scoring.NewRedisSnapshotCache(cfg.Cache.Redis)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
	} else {
		cache = scoring.NewMemorySnapshotCache()
	}

	var snapSink scoring.SnapshotSink
	if snapWriter != nil {
		snapSink = snapWriter
	}
	engine := scoring.NewEngine(store, cfg.Scoring, cache, snapSink, logger)

	// Ingestion: consumer -> partitioned pool -> ingestor.
	ingestor := ingest.New(store, engine, dlqSinks, cfg.Ingest, logger)
	pool := ingest.NewPool(ingestor, cfg.Pool, logger)
	pool.Start(ctx)

	consumer, err := kafka.NewConsumer(cfg.Kafka, kafka.IngestHandler(pool), logger)
	if err != nil {
		slog.Error("failed to create kafka consumer", "error", err)
		os.Exit(1)
	}
	if err := consumer.StartAsync(); err != nil {
		slog.Error("failed to start kafka consumer", "error", err)
		os.Exit(1)
	}

	// Autonomous response. The in-process executor tracks restriction state
	// locally; infrastructure bindings implement autonomous.ActionExecutor.
	responder := autonomous.NewResponseEngine(autonomous.NewMemoryExecutor(), chain, cfg.Response, logger)
	manager := autonomous.NewManager(cfg.Autonomous, autonomous.NewMemoryStateStore(), responder,
		engine, engine.History(), chain, autonomous.BuiltinPlaybooks(), logger)
	manager.Start(ctx)

	svc := query.NewService(store, engine, manager, responder, logger)

	slog.Info("risk graph daemon started", "brokers", cfg.Kafka.Brokers)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutdown signal received", "signal", sig.String())

	// Stop the intake first, drain the pool, then let the manager finish or
	// roll back any in-flight playbooks before the sinks close.
	if err := consumer.Stop(); err != nil {
		slog.Error("consumer stop error", "error", err)
	}
	pool.Stop()
	manager.Stop()
	cancel()

	if archiveBuf != nil {
		archiveBuf.Close()
	}
	if err := producer.Close(); err != nil {
		slog.Error("producer close error", "error", err)
	}
	if snapWriter != nil {
		if err := snapWriter.Close(); err != nil {
			slog.Error("snapshot writer close error", "error", err)
		}
	}
	if err := chain.Close(); err != nil {
		slog.Error("audit chain close error", "error", err)
	}
	if err := cache.Close(); err != nil {
		slog.Error("cache close error", "error", err)
	}
	if chClient != nil {
		if err := chClient.Close(); err != nil {
			slog.Error("clickhouse close error", "error", err)
		}
	}

	im := ingestor.Metrics()
	overview := svc.Stats()
	slog.Info("shutdown complete",
		"events_consumed", im.Consumed,
		"events_accepted", im.Accepted,
		"events_deduplicated", im.Deduplicated,
		"events_dead_lettered", im.DeadLettered,
		"graph_nodes", overview.Nodes,
		"graph_edges", overview.Edges,
		"playbook_executions", overview.Executions,
		"playbook_rollbacks", overview.Rollbacks,
	)
}

func buildLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: logging.RedactAttr}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// fanoutSink delivers each dead letter to every configured sink. The first
// failure is reported so the transport holds the offset.
type fanoutSink []ingest.DeadLetterSink

func (f fanoutSink) Send(ctx context.Context, d ingest.DeadLetter) error {
	var firstErr error
	for _, s := range f {
		if err := s.Send(ctx, d); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

const (
	archiveFlushInterval = 5 * time.Minute
	archiveFlushAt       = 1000
	archiveFlushTimeout  = 30 * time.Second
)

// archiveBuffer batches dead letters and flushes them to the object-store
// archive in the background. Buffered letters survive a failed flush and are
// retried on the next one.
type archiveBuffer struct {
	archive *s3.DeadLetterArchive
	logger  *slog.Logger

	mu      sync.Mutex
	letters []ingest.DeadLetter

	done chan struct{}
	wg   sync.WaitGroup
}

func newArchiveBuffer(archive *s3.DeadLetterArchive, logger *slog.Logger) *archiveBuffer {
	return &archiveBuffer{
		archive: archive,
		logger:  logger.With("component", "dlq-archive"),
		done:    make(chan struct{}),
	}
}

func (b *archiveBuffer) Send(_ context.Context, d ingest.DeadLetter) error {
	b.mu.Lock()
	b.letters = append(b.letters, d)
	n := len(b.letters)
	b.mu.Unlock()

	if n >= archiveFlushAt {
		b.flush()
	}
	return nil
}

func (b *archiveBuffer) Start() {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(archiveFlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.flush()
			case <-b.done:
				return
			}
		}
	}()
}

func (b *archiveBuffer) flush() {
	b.mu.Lock()
	batch := b.letters
	b.letters = nil
	b.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), archiveFlushTimeout)
	defer cancel()

	manifest, err := b.archive.Archive(ctx, batch)
	if err != nil {
		b.logger.Error("dead-letter archive flush failed",
			"letters", len(batch), "error", err)
		b.mu.Lock()
		b.letters = append(batch, b.letters...)
		b.mu.Unlock()
		return
	}
	b.logger.Info("dead letters archived",
		"archive_id", manifest.ID, "letters", manifest.TotalLetters)
}

// Close stops the background flusher and writes out whatever is buffered.
func (b *archiveBuffer) Close() {
	close(b.done)
	b.wg.Wait()
	b.flush()
}
