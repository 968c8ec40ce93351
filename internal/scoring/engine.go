package scoring

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"riskgraph/internal/graph"
	"riskgraph/internal/schema"
)

// ScoringVersion identifies the scoring algorithm revision embedded in every
// snapshot.
const ScoringVersion = "1.0.0"

// Snapshot is a point-in-time scoring result for one entity. Versions are
// monotonic per entity; a snapshot with a lower version never overwrites a
// newer one.
type Snapshot struct {
	EntityID    string    `json:"entity_id"`
	Exposure    float64   `json:"exposure_score"`
	Volatility  float64   `json:"volatility_score"`
	Sensitivity float64   `json:"sensitivity_likelihood"`
	Composite   float64   `json:"composite_score"`
	Level       RiskLevel `json:"risk_level"`
	Version     uint64    `json:"version"`
	Algorithm   string    `json:"scoring_version"`
	ComputedAt  time.Time `json:"computed_at"`
	Factors     Factors   `json:"factors"`

	// Serving flags, never persisted.
	Cached bool `json:"-"`
	Stale  bool `json:"-"`
}

// EntityGraph is the slice of the graph store the engine needs.
type EntityGraph interface {
	GetNode(id string) (*graph.Node, error)
	Neighborhood(id string, depth int) ([]graph.Neighbor, error)
	UpdateScores(id string, scores graph.Scores) (bool, error)
}

// SnapshotSink receives every published snapshot, for long-term retention.
type SnapshotSink interface {
	WriteSnapshot(ctx context.Context, snap *Snapshot) error
}

// EngineConfig tunes the scoring engine.
type EngineConfig struct {
	CacheTTL          time.Duration `yaml:"cache_ttl"`
	NeighborhoodDepth int           `yaml:"neighborhood_depth"`
	HistoryWindow     int           `yaml:"history_window"`
	MinVolatilityObs  int           `yaml:"min_volatility_observations"`
	EventWindow       int           `yaml:"event_window"`
	Weights           Weights       `yaml:"weights"`
}

// DefaultEngineConfig returns production defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		CacheTTL:          5 * time.Minute,
		NeighborhoodDepth: 1,
		HistoryWindow:     defaultHistoryWindow,
		MinVolatilityObs:  defaultMinVolatilityObs,
		EventWindow:       50,
		Weights:           DefaultWeights(),
	}
}

// Engine computes and serves risk scores. At most one computation per entity
// id runs at a time; concurrent callers share the in-flight result.
type Engine struct {
	graph   EntityGraph
	rules   *Rules
	history *History
	cache   SnapshotCache
	sink    SnapshotSink
	logger  *slog.Logger

	cacheTTL time.Duration
	depth    int

	flight singleflight.Group
	events *eventWindow

	mu        sync.RWMutex
	lastKnown map[string]*Snapshot
}

// NewEngine wires a scoring engine. cache and sink may be nil.
func NewEngine(g EntityGraph, cfg EngineConfig, cache SnapshotCache, sink SnapshotSink, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.NeighborhoodDepth < 1 {
		cfg.NeighborhoodDepth = 1
	}
	if cfg.EventWindow < 1 {
		cfg.EventWindow = 50
	}
	return &Engine{
		graph:     g,
		rules:     NewRules(cfg.Weights),
		history:   NewHistory(cfg.HistoryWindow, cfg.MinVolatilityObs),
		cache:     cache,
		sink:      sink,
		logger:    logger.With("component", "scoring"),
		cacheTTL:  cfg.CacheTTL,
		depth:     cfg.NeighborhoodDepth,
		events:    newEventWindow(cfg.EventWindow),
		lastKnown: make(map[string]*Snapshot),
	}
}

// History exposes the engine's score history for trend queries.
func (e *Engine) History() *History { return e.history }

// ObserveEvent retains an event in the entity's recent-event window so the
// next computation can factor it in.
func (e *Engine) ObserveEvent(entityID string, ev schema.SecurityEvent) {
	if entityID == "" {
		return
	}
	e.events.add(entityID, ev)
}

// GetScore serves a snapshot, preferring the cache. A cache miss or outage
// degrades to a fresh computation; it never fails the read.
func (e *Engine) GetScore(ctx context.Context, entityID string) (*Snapshot, error) {
	if e.cache != nil {
		snap, err := e.cache.Get(ctx, entityID)
		if err == nil {
			snap.Cached = true
			return snap, nil
		}
		if err != ErrCacheMiss {
			e.logger.Warn("score cache unavailable, computing directly",
				"entity_id", entityID, "error", err)
		}
	}
	return e.ScoreEntity(ctx, entityID)
}

// ScoreEntity computes a fresh snapshot for the entity. Concurrent calls for
// the same id coalesce into a single computation; every caller receives the
// same snapshot and version.
func (e *Engine) ScoreEntity(ctx context.Context, entityID string) (*Snapshot, error) {
	v, err, _ := e.flight.Do(entityID, func() (any, error) {
		return e.compute(ctx, entityID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

func (e *Engine) compute(ctx context.Context, entityID string) (*Snapshot, error) {
	node, err := e.graph.GetNode(entityID)
	if err != nil {
		if graph.IsRetryable(err) {
			return e.lastKnownStale(entityID, err)
		}
		return nil, &ScoringError{Op: "compute", EntityID: entityID, Err: err}
	}

	neighbors, err := e.graph.Neighborhood(entityID, e.depth)
	if err != nil {
		if graph.IsRetryable(err) {
			return e.lastKnownStale(entityID, err)
		}
		return nil, &ScoringError{Op: "compute", EntityID: entityID, Err: err}
	}

	events := e.events.recent(entityID)
	factors := e.rules.CalculateFactors(node, neighbors, events)

	exposure := e.rules.ExposureScore(factors)
	volatility := e.history.Volatility(entityID)
	sensitivity := e.rules.SensitivityLikelihood(factors)
	composite := CompositeScore(exposure, volatility, sensitivity)

	now := time.Now().UTC()
	snap := &Snapshot{
		EntityID:    entityID,
		Exposure:    exposure,
		Volatility:  volatility,
		Sensitivity: sensitivity,
		Composite:   composite,
		Level:       ClassifyRiskLevel(composite),
		Version:     node.Scores.Version + 1,
		Algorithm:   ScoringVersion,
		ComputedAt:  now,
		Factors:     factors,
	}

	applied, err := e.graph.UpdateScores(entityID, graph.Scores{
		Exposure:       exposure,
		Volatility:     volatility,
		Sensitivity:    sensitivity,
		Composite:      composite,
		Version:        snap.Version,
		ScoringVersion: ScoringVersion,
		ComputedAt:     now,
	})
	if err != nil {
		return nil, &ScoringError{Op: "publish", EntityID: entityID, Err: err}
	}
	if !applied {
		// A newer snapshot won the race; discard ours silently and serve
		// the current one.
		e.logger.Debug("stale snapshot discarded", "entity_id", entityID, "version", snap.Version)
		if current, err := e.graph.GetNode(entityID); err == nil {
			snap = snapshotFromNode(current)
		}
		return snap, nil
	}

	e.publish(ctx, snap)

	e.logger.Info("entity scored",
		"entity_id", entityID,
		"composite", snap.Composite,
		"risk_level", snap.Level,
		"version", snap.Version)

	return snap, nil
}

func (e *Engine) publish(ctx context.Context, snap *Snapshot) {
	e.history.Append(snap.EntityID, snap.Composite, snap.Version, snap.ComputedAt)

	e.mu.Lock()
	e.lastKnown[snap.EntityID] = snap
	e.mu.Unlock()

	if e.cache != nil {
		if err := e.cache.Set(ctx, snap, e.cacheTTL); err != nil {
			e.logger.Warn("score cache write failed", "entity_id", snap.EntityID, "error", err)
		}
	}
	if e.sink != nil {
		if err := e.sink.WriteSnapshot(ctx, snap); err != nil {
			e.logger.Warn("snapshot sink write failed", "entity_id", snap.EntityID, "error", err)
		}
	}
}

// lastKnownStale serves the most recent published snapshot flagged stale.
// Zeros are never fabricated for an unreachable graph.
func (e *Engine) lastKnownStale(entityID string, cause error) (*Snapshot, error) {
	e.mu.RLock()
	last, ok := e.lastKnown[entityID]
	e.mu.RUnlock()

	if !ok {
		return nil, &ScoringError{Op: "compute", EntityID: entityID, Err: cause}
	}
	cp := *last
	cp.Stale = true
	e.logger.Warn("graph unreachable, serving last-known snapshot",
		"entity_id", entityID, "version", cp.Version, "error", cause)
	return &cp, nil
}

func snapshotFromNode(n *graph.Node) *Snapshot {
	return &Snapshot{
		EntityID:    n.ID,
		Exposure:    n.Scores.Exposure,
		Volatility:  n.Scores.Volatility,
		Sensitivity: n.Scores.Sensitivity,
		Composite:   n.Scores.Composite,
		Level:       ClassifyRiskLevel(n.Scores.Composite),
		Version:     n.Scores.Version,
		Algorithm:   n.Scores.ScoringVersion,
		ComputedAt:  n.Scores.ComputedAt,
	}
}

// eventWindow keeps a bounded ring of recent events per entity.
type eventWindow struct {
	mu    sync.Mutex
	limit int
	byID  map[string][]schema.SecurityEvent
}

func newEventWindow(limit int) *eventWindow {
	return &eventWindow{limit: limit, byID: make(map[string][]schema.SecurityEvent)}
}

func (w *eventWindow) add(entityID string, ev schema.SecurityEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()

	evs := append(w.byID[entityID], ev)
	if len(evs) > w.limit {
		evs = evs[len(evs)-w.limit:]
	}
	w.byID[entityID] = evs
}

func (w *eventWindow) recent(entityID string) []schema.SecurityEvent {
	w.mu.Lock()
	defer w.mu.Unlock()

	evs := w.byID[entityID]
	out := make([]schema.SecurityEvent, len(evs))
	copy(out, evs)
	return out
}
