package autonomous

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"riskgraph/internal/audit"
	"riskgraph/internal/scoring"
)

// RiskState is the escalation state of one entity. It is owned exclusively
// by the Manager; transitions are the only way it changes.
type RiskState string

const (
	StateNormal    RiskState = "normal"
	StateElevated  RiskState = "elevated"
	StateHigh      RiskState = "high"
	StateCritical  RiskState = "critical"
	StateEmergency RiskState = "emergency"
)

// stateOrder ranks states from calm to emergency.
var stateOrder = []RiskState{StateNormal, StateElevated, StateHigh, StateCritical, StateEmergency}

func stateRank(s RiskState) int {
	for i, st := range stateOrder {
		if st == s {
			return i
		}
	}
	return 0
}

// Boundary is the hysteresis pair for one state boundary. Entering the
// higher state requires score >= Up; returning below requires score < Down.
// Down is strictly less than Up so scores hovering near one cutoff cannot
// oscillate.
type Boundary struct {
	Up   float64 `yaml:"up"`
	Down float64 `yaml:"down"`
}

// Thresholds holds the four boundaries of the state ladder.
type Thresholds struct {
	Elevated  Boundary `yaml:"elevated"`
	High      Boundary `yaml:"high"`
	Critical  Boundary `yaml:"critical"`
	Emergency Boundary `yaml:"emergency"`
}

// DefaultThresholds returns the stock ladder. All values are configuration,
// not constants of the scoring model.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Elevated:  Boundary{Up: 0.40, Down: 0.32},
		High:      Boundary{Up: 0.60, Down: 0.50},
		Critical:  Boundary{Up: 0.80, Down: 0.72},
		Emergency: Boundary{Up: 0.92, Down: 0.85},
	}
}

// boundaryAbove returns the boundary guarding entry into the state above s.
func (t Thresholds) boundaryAbove(s RiskState) (Boundary, bool) {
	switch s {
	case StateNormal:
		return t.Elevated, true
	case StateElevated:
		return t.High, true
	case StateHigh:
		return t.Critical, true
	case StateCritical:
		return t.Emergency, true
	default:
		return Boundary{}, false
	}
}

// boundaryInto returns the boundary that was crossed to enter s.
func (t Thresholds) boundaryInto(s RiskState) (Boundary, bool) {
	switch s {
	case StateElevated:
		return t.Elevated, true
	case StateHigh:
		return t.High, true
	case StateCritical:
		return t.Critical, true
	case StateEmergency:
		return t.Emergency, true
	default:
		return Boundary{}, false
	}
}

// Validate checks that every boundary has down < up and the ladder is
// ordered.
func (t Thresholds) Validate() error {
	bounds := []struct {
		name string
		b    Boundary
	}{
		{"elevated", t.Elevated},
		{"high", t.High},
		{"critical", t.Critical},
		{"emergency", t.Emergency},
	}
	prevUp := 0.0
	for _, nb := range bounds {
		if nb.b.Down >= nb.b.Up {
			return fmt.Errorf("threshold %s: down %.3f must be strictly below up %.3f", nb.name, nb.b.Down, nb.b.Up)
		}
		if nb.b.Up <= prevUp {
			return fmt.Errorf("threshold %s: up %.3f must exceed the previous boundary %.3f", nb.name, nb.b.Up, prevUp)
		}
		prevUp = nb.b.Up
	}
	return nil
}

// next walks the ladder from current for score: boundaries above are climbed
// while score clears their up threshold, and the current boundary is
// descended while score falls below its down threshold. Multi-boundary jumps
// in either direction resolve in one evaluation.
func (t Thresholds) next(current RiskState, score float64) RiskState {
	state := current
	for {
		b, ok := t.boundaryAbove(state)
		if !ok || score < b.Up {
			break
		}
		state = stateOrder[stateRank(state)+1]
	}
	for state != StateNormal {
		b, _ := t.boundaryInto(state)
		if score >= b.Down {
			break
		}
		state = stateOrder[stateRank(state)-1]
	}
	return state
}

// EntityState is the persisted state record for one entity.
type EntityState struct {
	EntityID  string    `json:"entity_id"`
	State     RiskState `json:"state"`
	Score     float64   `json:"score"`
	Version   uint64    `json:"version"`
	ChangedAt time.Time `json:"changed_at"`
}

// StateStore persists per-entity risk states. The manager treats store
// failures as fatal-reported: it degrades to alert-only mode rather than
// guessing state.
type StateStore interface {
	Get(entityID string) (*EntityState, error)
	Put(st *EntityState) error
	List() ([]*EntityState, error)
}

// MemoryStateStore is the in-process StateStore.
type MemoryStateStore struct {
	mu     sync.RWMutex
	states map[string]*EntityState

	// FailNext forces the next Put to fail, for exercising degraded mode.
	FailNext bool
}

// NewMemoryStateStore returns an empty store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]*EntityState)}
}

func (m *MemoryStateStore) Get(entityID string) (*EntityState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[entityID]
	if !ok {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

func (m *MemoryStateStore) Put(st *EntityState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailNext {
		m.FailNext = false
		return errors.New("state store unavailable")
	}
	cp := *st
	m.states[st.EntityID] = &cp
	return nil
}

func (m *MemoryStateStore) List() ([]*EntityState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*EntityState, 0, len(m.states))
	for _, st := range m.states {
		cp := *st
		out = append(out, &cp)
	}
	return out, nil
}

// StateChange is published to subscribers on every transition.
type StateChange struct {
	EntityID string        `json:"entity_id"`
	From     RiskState     `json:"from"`
	To       RiskState     `json:"to"`
	Score    float64       `json:"score"`
	Version  uint64        `json:"version"`
	Trend    scoring.Trend `json:"trend"`
	At       time.Time     `json:"at"`
}

// Responder executes the playbook chosen for an escalation.
type Responder interface {
	Execute(ctx context.Context, pb *Playbook, ectx ExecContext) (*ExecutionResult, error)
}

// ScoreSource re-scores entities for the periodic monitoring tick.
type ScoreSource interface {
	ScoreEntity(ctx context.Context, entityID string) (*scoring.Snapshot, error)
}

// ManagerConfig tunes the state machine.
type ManagerConfig struct {
	Thresholds            Thresholds    `yaml:"thresholds"`
	CheckInterval         time.Duration `yaml:"check_interval"`
	MaxAutoActionsPerHour int           `yaml:"max_auto_actions_per_hour"`
	TrendThreshold        float64       `yaml:"trend_threshold"`
	SubscriberBuffer      int           `yaml:"subscriber_buffer"`
}

// DefaultManagerConfig returns the stock configuration.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Thresholds:            DefaultThresholds(),
		CheckInterval:         60 * time.Second,
		MaxAutoActionsPerHour: 10,
		TrendThreshold:        0.05,
		SubscriberBuffer:      16,
	}
}

// Validate checks the configuration.
func (c ManagerConfig) Validate() error {
	if err := c.Thresholds.Validate(); err != nil {
		return err
	}
	if c.CheckInterval <= 0 {
		return errors.New("check_interval must be positive")
	}
	if c.MaxAutoActionsPerHour < 0 {
		return errors.New("max_auto_actions_per_hour cannot be negative")
	}
	return nil
}

// Manager is the per-entity risk state machine. It evaluates transitions
// reactively on every published snapshot and periodically on a monitoring
// tick, and invokes the responder when an entity reaches High or above.
type Manager struct {
	cfg       ManagerConfig
	store     StateStore
	responder Responder
	scores    ScoreSource
	history   *scoring.History
	sink      audit.Sink
	playbooks *PlaybookRegistry
	logger    *slog.Logger

	mu       sync.Mutex
	tracked  map[string]struct{}
	degraded atomic.Bool

	hubMu       sync.Mutex
	subscribers map[int]chan StateChange
	nextSub     int
	dropped     atomic.Uint64

	actionsThisHour int
	hourStart       time.Time

	runCtx    context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	responses sync.WaitGroup
}

// NewManager wires a manager. scores may be nil when there is no periodic
// re-scoring source; the tick then only re-evaluates persisted states.
func NewManager(cfg ManagerConfig, store StateStore, responder Responder, scores ScoreSource, history *scoring.History, sink audit.Sink, playbooks *PlaybookRegistry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if playbooks == nil {
		playbooks = BuiltinPlaybooks()
	}
	return &Manager{
		cfg:         cfg,
		store:       store,
		responder:   responder,
		scores:      scores,
		history:     history,
		sink:        sink,
		playbooks:   playbooks,
		logger:      logger.With("component", "autonomous_manager"),
		tracked:     make(map[string]struct{}),
		subscribers: make(map[int]chan StateChange),
		hourStart:   time.Now().UTC(),
	}
}

// Start launches the periodic monitoring tick. The tick is independent of
// event traffic and catches drift such as volatility-window aging.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.runCtx = ctx
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.tick(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the monitoring tick and any in-flight approval waits, then
// waits for in-flight playbooks to finish or roll back before returning.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	m.responses.Wait()
}

// Degraded reports whether the manager is in alert-only mode after a state
// store failure.
func (m *Manager) Degraded() bool { return m.degraded.Load() }

// tick re-scores every tracked entity and re-evaluates its state.
func (m *Manager) tick(ctx context.Context) {
	if m.scores == nil {
		return
	}
	m.mu.Lock()
	ids := make([]string, 0, len(m.tracked))
	for id := range m.tracked {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		snap, err := m.scores.ScoreEntity(ctx, id)
		if err != nil {
			m.logger.Warn("tick rescore failed", "entity_id", id, "error", err)
			continue
		}
		if snap == nil {
			continue
		}
		m.Evaluate(ctx, snap)
	}
}

// Evaluate runs one state-machine step for the entity in snap. Snapshots
// not strictly newer than the version already evaluated are ignored, so a
// stale rescore can never move the state machine backwards.
func (m *Manager) Evaluate(ctx context.Context, snap *scoring.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tracked[snap.EntityID] = struct{}{}

	prev, err := m.store.Get(snap.EntityID)
	if err != nil {
		m.enterDegraded(ctx, snap.EntityID, fmt.Errorf("read state: %w", err))
		return
	}

	current := StateNormal
	var lastVersion uint64
	if prev != nil {
		current = prev.State
		lastVersion = prev.Version
	}
	if prev != nil && snap.Version <= lastVersion {
		return
	}

	next := m.cfg.Thresholds.next(current, snap.Composite)

	record := &EntityState{
		EntityID:  snap.EntityID,
		State:     next,
		Score:     snap.Composite,
		Version:   snap.Version,
		ChangedAt: time.Now().UTC(),
	}
	if err := m.store.Put(record); err != nil {
		m.enterDegraded(ctx, snap.EntityID, fmt.Errorf("persist state: %w", err))
		return
	}
	if m.degraded.CompareAndSwap(true, false) {
		m.logger.Info("state store recovered, resuming autonomous responses")
		m.emit(ctx, audit.EventStateRecovered, audit.SeverityInfo, snap.EntityID, true, "",
			"state store recovered", nil)
	}

	if next == current {
		return
	}

	trend := scoring.TrendStable
	if m.history != nil {
		trend = m.history.Trend(snap.EntityID, m.cfg.TrendThreshold)
	}
	change := StateChange{
		EntityID: snap.EntityID,
		From:     current,
		To:       next,
		Score:    snap.Composite,
		Version:  snap.Version,
		Trend:    trend,
		At:       record.ChangedAt,
	}

	m.logger.Info("risk state transition",
		"entity_id", snap.EntityID,
		"from", current,
		"to", next,
		"score", snap.Composite,
		"version", snap.Version,
		"trend", trend)
	m.emit(ctx, audit.EventStateTransition, severityFor(next), snap.EntityID, true, "",
		fmt.Sprintf("%s -> %s", current, next), map[string]string{
			"score":   strconv.FormatFloat(snap.Composite, 'f', 4, 64),
			"version": strconv.FormatUint(snap.Version, 10),
			"trend":   string(trend),
		})
	m.publish(change)

	// Escalations fire on upward transitions into High or above.
	if stateRank(next) > stateRank(current) && stateRank(next) >= stateRank(StateHigh) {
		m.respond(ctx, change)
	}
}

// enterDegraded flips the manager to alert-only mode. The failure is
// fatal-reported through both the log and the audit chain; nothing is
// dropped silently.
func (m *Manager) enterDegraded(ctx context.Context, entityID string, cause error) {
	first := m.degraded.CompareAndSwap(false, true)
	m.logger.Error("state store unreachable, degrading to alert-only mode",
		"entity_id", entityID, "error", cause)
	if first {
		m.emit(ctx, audit.EventStateDegraded, audit.SeverityCritical, entityID, false,
			cause.Error(), "state store unreachable, alert-only mode", nil)
	}
}

// respond picks the playbook for the new state and executes it, subject to
// the hourly auto-action budget. Called with m.mu held.
func (m *Manager) respond(ctx context.Context, change StateChange) {
	if m.degraded.Load() {
		m.logger.Warn("alert-only mode, skipping response", "entity_id", change.EntityID, "state", change.To)
		return
	}

	now := time.Now().UTC()
	if now.Sub(m.hourStart) > time.Hour {
		m.actionsThisHour = 0
		m.hourStart = now
	}
	if m.actionsThisHour >= m.cfg.MaxAutoActionsPerHour {
		m.logger.Warn("auto-action budget exhausted, alerting only",
			"entity_id", change.EntityID, "state", change.To, "budget", m.cfg.MaxAutoActionsPerHour)
		m.emit(ctx, audit.EventActionFailed, audit.SeverityWarning, change.EntityID, false,
			"hourly auto-action budget exhausted", "response suppressed", map[string]string{
				"state": string(change.To),
			})
		return
	}
	m.actionsThisHour++

	pb := m.playbooks.ForState(change.To)
	if pb == nil {
		return
	}
	ectx := ExecContext{
		EntityID:  change.EntityID,
		State:     change.To,
		Score:     change.Score,
		Expedited: change.To == StateEmergency,
	}

	// Playbooks can suspend on approval; run them off the evaluation path so
	// one pending decision cannot stall the state machine. Stop waits for
	// these, and cancellation rolls back rather than abandoning mid-action.
	execCtx := ctx
	if m.runCtx != nil {
		execCtx = m.runCtx
	}
	m.responses.Add(1)
	go func() {
		defer m.responses.Done()
		if _, err := m.responder.Execute(execCtx, pb, ectx); err != nil {
			m.logger.Error("response playbook failed",
				"entity_id", change.EntityID, "playbook", pb.Name, "error", err)
		}
	}()
}

// State returns the persisted state for an entity, defaulting to Normal.
func (m *Manager) State(entityID string) (RiskState, error) {
	st, err := m.store.Get(entityID)
	if err != nil {
		return StateNormal, fmt.Errorf("read state: %w", err)
	}
	if st == nil {
		return StateNormal, nil
	}
	return st.State, nil
}

// Subscribe registers a state-change listener. The returned cancel func
// releases it. Slow subscribers drop changes rather than block transitions.
func (m *Manager) Subscribe() (<-chan StateChange, func()) {
	m.hubMu.Lock()
	defer m.hubMu.Unlock()
	id := m.nextSub
	m.nextSub++
	ch := make(chan StateChange, m.cfg.SubscriberBuffer)
	m.subscribers[id] = ch

	cancel := func() {
		m.hubMu.Lock()
		defer m.hubMu.Unlock()
		if c, ok := m.subscribers[id]; ok {
			delete(m.subscribers, id)
			close(c)
		}
	}
	return ch, cancel
}

func (m *Manager) publish(change StateChange) {
	m.hubMu.Lock()
	defer m.hubMu.Unlock()
	for _, ch := range m.subscribers {
		select {
		case ch <- change:
		default:
			m.dropped.Add(1)
		}
	}
}

// DroppedChanges reports how many state changes were dropped by slow
// subscribers.
func (m *Manager) DroppedChanges() uint64 { return m.dropped.Load() }

func (m *Manager) emit(ctx context.Context, typ audit.EventType, sev audit.Severity, target string, success bool, errMsg, msg string, data map[string]string) {
	rec := audit.NewRecord(typ, sev, "autonomous-manager", target, msg)
	rec.TargetType = "entity"
	rec.Success = success
	rec.Error = errMsg
	rec.Data = data
	if err := m.sink.Write(ctx, rec); err != nil {
		m.logger.Error("audit write failed", "type", typ, "target", target, "error", err)
	}
}

func severityFor(s RiskState) audit.Severity {
	switch s {
	case StateCritical, StateEmergency:
		return audit.SeverityCritical
	case StateHigh:
		return audit.SeverityError
	case StateElevated:
		return audit.SeverityWarning
	default:
		return audit.SeverityInfo
	}
}
