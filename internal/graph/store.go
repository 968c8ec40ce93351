package graph

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store is the in-memory arena behind the graph adapter. All mutations are
// atomic per call: a reader never observes a partially written attribute
// bag, and concurrent upserts to the same node id serialize on the store
// lock. Attribute writes are last-writer-wins; relationship creation is
// first-writer-wins (an existing edge is refreshed, never overwritten).
type Store struct {
	mu    sync.RWMutex
	nodes map[string]*Node
	edges map[string]*Edge
	out   map[string][]string // node id -> outbound edge ids
	in    map[string][]string // node id -> inbound edge ids
}

// NewStore creates an empty graph store.
func NewStore() *Store {
	return &Store{
		nodes: make(map[string]*Node),
		edges: make(map[string]*Edge),
		out:   make(map[string][]string),
		in:    make(map[string][]string),
	}
}

// EdgeKey builds the stable identity of an edge. Two upserts with the same
// source, type, and target address the same relationship.
func EdgeKey(sourceID string, edgeType EdgeType, targetID string) string {
	return fmt.Sprintf("%s|%s|%s", sourceID, edgeType, targetID)
}

// UpsertNode creates the node if absent, or merges the given attributes
// into the existing node (last writer wins per attribute). Kind and name
// are fixed at creation; later calls with an empty name keep the old one.
func (s *Store) UpsertNode(id string, kind Kind, name string, attrs map[string]any) (*Node, error) {
	if id == "" {
		return nil, &GraphError{Op: "UpsertNode", Err: fmt.Errorf("empty node id")}
	}
	if !kind.IsValid() {
		return nil, &GraphError{Op: "UpsertNode", ID: id, Err: ErrInvalidKind}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	n, ok := s.nodes[id]
	if !ok {
		n = &Node{
			ID:        id,
			Kind:      kind,
			Name:      name,
			Attrs:     make(map[string]any),
			Active:    true,
			CreatedAt: now,
		}
		if n.Name == "" {
			n.Name = id
		}
		s.nodes[id] = n
	}
	if name != "" {
		n.Name = name
	}
	for k, v := range attrs {
		n.Attrs[k] = v
	}
	n.UpdatedAt = now

	return copyNode(n), nil
}

// UpsertEdge creates the relationship if absent. An existing edge keeps its
// identity and weight; only activity metadata refreshes. A previously
// retracted edge is re-added with fresh metadata.
func (s *Store) UpsertEdge(sourceID string, edgeType EdgeType, targetID string, weight float64, dataVolume int64, activity time.Time) (*Edge, error) {
	if !edgeType.IsValid() {
		return nil, &GraphError{Op: "UpsertEdge", Err: ErrInvalidEdgeType}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[sourceID]; !ok {
		return nil, &GraphError{Op: "UpsertEdge", ID: sourceID, Err: ErrNodeNotFound}
	}
	if _, ok := s.nodes[targetID]; !ok {
		return nil, &GraphError{Op: "UpsertEdge", ID: targetID, Err: ErrNodeNotFound}
	}

	key := EdgeKey(sourceID, edgeType, targetID)
	now := time.Now().UTC()
	if activity.IsZero() {
		activity = now
	}

	e, ok := s.edges[key]
	if ok && !e.Retracted {
		e.LastActivity = activity
		e.ActivityHits++
		e.DataVolume += dataVolume
		return copyEdge(e), nil
	}

	if weight <= 0 {
		weight = 1.0
	}
	e = &Edge{
		ID:           key,
		Type:         edgeType,
		SourceID:     sourceID,
		TargetID:     targetID,
		Weight:       weight,
		DataVolume:   dataVolume,
		CreatedAt:    now,
		LastActivity: activity,
		ActivityHits: 1,
	}
	if _, existed := s.edges[key]; !existed {
		s.out[sourceID] = append(s.out[sourceID], key)
		s.in[targetID] = append(s.in[targetID], key)
	}
	s.edges[key] = e

	return copyEdge(e), nil
}

// IncrementCounter atomically adds delta to an integer node attribute,
// creating it at delta when absent, and returns the new value. The
// read-modify-write runs under the store lock, so concurrent increments for
// the same node never lose updates regardless of which worker carries them.
func (s *Store) IncrementCounter(id, key string, delta int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return 0, &GraphError{Op: "IncrementCounter", ID: id, Err: ErrNodeNotFound}
	}
	cur, _ := n.Attrs[key].(int)
	cur += delta
	n.Attrs[key] = cur
	n.UpdatedAt = time.Now().UTC()
	return cur, nil
}

// GetNode returns a copy of the node, or ErrNodeNotFound.
func (s *Store) GetNode(id string) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[id]
	if !ok {
		return nil, &GraphError{Op: "GetNode", ID: id, Err: ErrNodeNotFound}
	}
	return copyNode(n), nil
}

// MarkInactive flags a node as inactive. Nodes are never deleted.
func (s *Store) MarkInactive(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return &GraphError{Op: "MarkInactive", ID: id, Err: ErrNodeNotFound}
	}
	n.Active = false
	n.UpdatedAt = time.Now().UTC()
	return nil
}

// RetractEdge explicitly retracts a relationship. The edge record remains
// for audit but no longer participates in traversal or scoring.
func (s *Store) RetractEdge(sourceID string, edgeType EdgeType, targetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := EdgeKey(sourceID, edgeType, targetID)
	e, ok := s.edges[key]
	if !ok {
		return &GraphError{Op: "RetractEdge", ID: key, Err: ErrEdgeNotFound}
	}
	e.Retracted = true
	return nil
}

// UpdateScores publishes a score snapshot onto the node. The write applies
// only if the snapshot version is newer than the node's current one; a
// stale write is discarded and reported via the returned flag. This is the
// compare-and-swap that keeps a slow computation from clobbering a fresh
// snapshot.
func (s *Store) UpdateScores(id string, scores Scores) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return false, &GraphError{Op: "UpdateScores", ID: id, Err: ErrNodeNotFound}
	}
	if scores.Version <= n.Scores.Version {
		return false, nil
	}
	n.Scores = scores
	n.UpdatedAt = time.Now().UTC()
	return true, nil
}

// Neighborhood returns the edges reachable from id within depth hops, in
// both directions, excluding retracted edges. Depth 1 is the immediate
// neighborhood; the scoring engine uses depth 1-2.
func (s *Store) Neighborhood(id string, depth int) ([]Neighbor, error) {
	if depth < 1 {
		depth = 1
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.nodes[id]; !ok {
		return nil, &GraphError{Op: "Neighborhood", ID: id, Err: ErrNodeNotFound}
	}

	var result []Neighbor
	visited := map[string]bool{id: true}
	frontier := []string{id}

	for d := 0; d < depth; d++ {
		var next []string
		for _, nodeID := range frontier {
			for _, edgeID := range s.out[nodeID] {
				e := s.edges[edgeID]
				if e.Retracted {
					continue
				}
				target := s.nodes[e.TargetID]
				result = append(result, Neighbor{
					NodeID:     e.TargetID,
					Kind:       target.Kind,
					EdgeType:   e.Type,
					Outbound:   true,
					Weight:     e.Weight,
					DataVolume: e.DataVolume,
				})
				if !visited[e.TargetID] {
					visited[e.TargetID] = true
					next = append(next, e.TargetID)
				}
			}
			for _, edgeID := range s.in[nodeID] {
				e := s.edges[edgeID]
				if e.Retracted {
					continue
				}
				source := s.nodes[e.SourceID]
				result = append(result, Neighbor{
					NodeID:     e.SourceID,
					Kind:       source.Kind,
					EdgeType:   e.Type,
					Outbound:   false,
					Weight:     e.Weight,
					DataVolume: e.DataVolume,
				})
				if !visited[e.SourceID] {
					visited[e.SourceID] = true
					next = append(next, e.SourceID)
				}
			}
		}
		frontier = next
	}

	return result, nil
}

// NodesByKind returns copies of all active nodes of the given kind,
// ordered by id for determinism.
func (s *Store) NodesByKind(kind Kind) []*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Node
	for _, n := range s.nodes {
		if n.Kind == kind && n.Active {
			result = append(result, copyNode(n))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// NodeIDs returns the ids of all active nodes, ordered for determinism.
func (s *Store) NodeIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.nodes))
	for id, n := range s.nodes {
		if n.Active {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Stats returns node and edge counts.
func (s *Store) Stats() (nodes, edges int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes), len(s.edges)
}

func copyNode(n *Node) *Node {
	c := *n
	c.Attrs = make(map[string]any, len(n.Attrs))
	for k, v := range n.Attrs {
		c.Attrs[k] = v
	}
	c.Tags = append([]string(nil), n.Tags...)
	return &c
}

func copyEdge(e *Edge) *Edge {
	c := *e
	return &c
}
