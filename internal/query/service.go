// Package query is the read-side contract for the risk graph: scores,
// explanations, exposure paths, entity state, and approval decisions. An
// external API layer consumes this service; the package itself exposes no
// transport.
package query

import (
	"context"
	"errors"
	"log/slog"

	"riskgraph/internal/autonomous"
	"riskgraph/internal/graph"
	"riskgraph/internal/scoring"
)

// ErrInvalidDepth is returned for non-positive traversal depths.
var ErrInvalidDepth = errors.New("query: max depth must be at least 1")

// Service answers read queries against the live pipeline components.
type Service struct {
	graph     *graph.Store
	engine    *scoring.Engine
	manager   *autonomous.Manager
	responder *autonomous.ResponseEngine
	logger    *slog.Logger
}

// NewService wires the query surface over the graph store, scoring engine,
// autonomous manager, and response engine. Manager and responder may be nil
// when running score-only.
func NewService(g *graph.Store, e *scoring.Engine, m *autonomous.Manager, r *autonomous.ResponseEngine, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		graph:     g,
		engine:    e,
		manager:   m,
		responder: r,
		logger:    logger,
	}
}

// ScoreEntity returns the entity's current risk snapshot, served from cache
// when fresh and recomputed otherwise.
func (s *Service) ScoreEntity(ctx context.Context, entityID string) (*scoring.Snapshot, error) {
	return s.engine.GetScore(ctx, entityID)
}

// RecomputeScore forces a fresh computation, bypassing the cache.
func (s *Service) RecomputeScore(ctx context.Context, entityID string) (*scoring.Snapshot, error) {
	return s.engine.ScoreEntity(ctx, entityID)
}

// Explain returns the factor breakdown and recommendations for an entity's
// current score.
func (s *Service) Explain(ctx context.Context, entityID string) (*scoring.Explanation, error) {
	snap, err := s.engine.GetScore(ctx, entityID)
	if err != nil {
		return nil, err
	}
	return scoring.Explain(snap), nil
}

// TraverseExposurePaths returns up to limit exposure paths from the entity,
// in increasing depth order. A limit of zero or less drains the sequence.
func (s *Service) TraverseExposurePaths(entityID string, maxDepth, limit int) ([]graph.Path, error) {
	if maxDepth < 1 {
		return nil, ErrInvalidDepth
	}

	seq, err := s.graph.ExposurePaths(entityID, maxDepth)
	if err != nil {
		return nil, err
	}

	return take(seq, limit), nil
}

// Traverse runs a filtered traversal from the entity.
func (s *Service) Traverse(entityID string, filter graph.TraverseFilter, maxDepth, limit int) ([]graph.Path, error) {
	if maxDepth < 1 {
		return nil, ErrInvalidDepth
	}

	seq, err := s.graph.Traverse(entityID, filter, maxDepth)
	if err != nil {
		return nil, err
	}

	return take(seq, limit), nil
}

func take(seq *graph.PathSeq, limit int) []graph.Path {
	if limit <= 0 {
		return seq.Drain()
	}

	paths := make([]graph.Path, 0, limit)
	for len(paths) < limit {
		p, ok := seq.Next()
		if !ok {
			break
		}
		paths = append(paths, p)
	}
	return paths
}

// Entity returns the graph node for an entity.
func (s *Service) Entity(entityID string) (*graph.Node, error) {
	return s.graph.GetNode(entityID)
}

// EntityState returns the autonomous risk state for an entity.
func (s *Service) EntityState(entityID string) (autonomous.RiskState, error) {
	return s.manager.State(entityID)
}

// SubscribeStateChanges registers a state-change subscriber on the manager's
// hub. The returned cancel func must be called to release the subscription.
func (s *Service) SubscribeStateChanges() (<-chan autonomous.StateChange, func()) {
	return s.manager.Subscribe()
}

// PendingApprovals lists playbook actions awaiting an operator verdict.
func (s *Service) PendingApprovals() []*autonomous.PendingApproval {
	return s.responder.PendingApprovals()
}

// Approve resolves a pending approval in the affirmative.
func (s *Service) Approve(approvalID, approver string) error {
	return s.responder.Approve(approvalID, approver)
}

// Deny resolves a pending approval as denied, triggering rollback.
func (s *Service) Deny(approvalID, approver, reason string) error {
	return s.responder.Deny(approvalID, approver, reason)
}

// Overview is a point-in-time summary of the pipeline.
type Overview struct {
	Nodes          int    `json:"nodes"`
	Edges          int    `json:"edges"`
	Degraded       bool   `json:"degraded"`
	DroppedChanges uint64 `json:"dropped_changes"`
	Executions     uint64 `json:"executions"`
	Rollbacks      uint64 `json:"rollbacks"`
}

// Stats summarizes graph size and autonomous activity.
func (s *Service) Stats() Overview {
	nodes, edges := s.graph.Stats()

	o := Overview{
		Nodes: nodes,
		Edges: edges,
	}
	if s.manager != nil {
		o.Degraded = s.manager.Degraded()
		o.DroppedChanges = s.manager.DroppedChanges()
	}
	if s.responder != nil {
		o.Executions, o.Rollbacks = s.responder.Stats()
	}
	return o
}
