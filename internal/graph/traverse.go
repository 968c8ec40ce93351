package graph

import (
	"sort"
	"strings"
)

// DefaultMaxDepth bounds traversal when the caller does not specify one.
const DefaultMaxDepth = 5

// TraverseFilter restricts which edges and terminal nodes a traversal
// follows. Empty fields match everything.
type TraverseFilter struct {
	EdgeTypes []EdgeType // follow only these edge types; empty = all
	ToKind    Kind       // report only paths ending at this kind; empty = all
}

func (f TraverseFilter) allowsEdge(t EdgeType) bool {
	if len(f.EdgeTypes) == 0 {
		return true
	}
	for _, et := range f.EdgeTypes {
		if et == t {
			return true
		}
	}
	return false
}

// Path is one traversal result. Depth is the number of edges.
type Path struct {
	NodeIDs          []string
	Depth            int
	CumulativeWeight float64
}

// Key returns the lexicographic identity of the path, used as the
// deterministic tie-break in ordering.
func (p Path) Key() string {
	return strings.Join(p.NodeIDs, "→")
}

// PathSeq is a finite, restartable lazy sequence of paths. Results are
// produced in increasing depth order; within a depth, by descending
// cumulative edge weight, tie-broken lexicographically by node-id sequence.
// The sequence expands one depth level at a time, so deep levels of a large
// graph are never materialized unless the caller drains that far.
type PathSeq struct {
	store    *Store
	fromID   string
	filter   TraverseFilter
	maxDepth int

	partials []Path
	buffer   []Path
	idx      int
	level    int
	done     bool
}

// Traverse starts a bounded breadth-first traversal of outbound edges from
// fromID. Cycles are excluded (simple paths only); retracted edges and
// inactive nodes are not followed.
func (s *Store) Traverse(fromID string, filter TraverseFilter, maxDepth int) (*PathSeq, error) {
	if maxDepth < 1 || maxDepth > DefaultMaxDepth {
		maxDepth = DefaultMaxDepth
	}

	s.mu.RLock()
	_, ok := s.nodes[fromID]
	s.mu.RUnlock()
	if !ok {
		return nil, &GraphError{Op: "Traverse", ID: fromID, Err: ErrNodeNotFound}
	}

	seq := &PathSeq{
		store:    s,
		fromID:   fromID,
		filter:   filter,
		maxDepth: maxDepth,
	}
	seq.Reset()
	return seq, nil
}

// ExposurePaths traverses from a data-bearing entity to AI-tool entities:
// the canonical "exposure path" query.
func (s *Store) ExposurePaths(fromID string, maxDepth int) (*PathSeq, error) {
	return s.Traverse(fromID, TraverseFilter{ToKind: KindAITool}, maxDepth)
}

// Reset restarts the sequence from the beginning.
func (p *PathSeq) Reset() {
	p.partials = []Path{{NodeIDs: []string{p.fromID}}}
	p.buffer = nil
	p.idx = 0
	p.level = 0
	p.done = false
}

// Next returns the next path, or false when the sequence is exhausted.
func (p *PathSeq) Next() (Path, bool) {
	for p.idx >= len(p.buffer) {
		if p.done || p.level >= p.maxDepth || len(p.partials) == 0 {
			p.done = true
			return Path{}, false
		}
		p.expandLevel()
	}
	path := p.buffer[p.idx]
	p.idx++
	return path, true
}

// Drain consumes the remainder of the sequence into a slice.
func (p *PathSeq) Drain() []Path {
	var all []Path
	for {
		path, ok := p.Next()
		if !ok {
			return all
		}
		all = append(all, path)
	}
}

// expandLevel advances the frontier one depth level, collecting matches.
func (p *PathSeq) expandLevel() {
	p.level++

	s := p.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	var next []Path
	var matches []Path

	for _, partial := range p.partials {
		last := partial.NodeIDs[len(partial.NodeIDs)-1]
		for _, edgeID := range s.out[last] {
			e := s.edges[edgeID]
			if e.Retracted || !p.filter.allowsEdge(e.Type) {
				continue
			}
			target, ok := s.nodes[e.TargetID]
			if !ok || !target.Active {
				continue
			}
			if containsNode(partial.NodeIDs, e.TargetID) {
				continue // simple paths only
			}

			extended := Path{
				NodeIDs:          append(append([]string(nil), partial.NodeIDs...), e.TargetID),
				Depth:            p.level,
				CumulativeWeight: partial.CumulativeWeight + e.Weight,
			}
			next = append(next, extended)
			if p.filter.ToKind == "" || target.Kind == p.filter.ToKind {
				matches = append(matches, extended)
			}
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].CumulativeWeight != matches[j].CumulativeWeight {
			return matches[i].CumulativeWeight > matches[j].CumulativeWeight
		}
		return matches[i].Key() < matches[j].Key()
	})

	p.partials = next
	p.buffer = matches
	p.idx = 0
}

func containsNode(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
