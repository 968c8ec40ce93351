// Package graph implements the risk graph store: entities, typed
// relationships, and bounded exposure-path traversal. Nodes and edges live
// in an arena keyed by stable string ids with adjacency lists, so cyclic
// structures carry no ownership problems.
package graph

import (
	"time"
)

// Kind classifies a graph entity. The set is closed.
type Kind string

const (
	KindDataStore Kind = "DataStore"
	KindService   Kind = "Service"
	KindAITool    Kind = "AITool"
	KindIdentity  Kind = "Identity"
	KindAPI       Kind = "API"
	KindExternal  Kind = "External"
)

// IsValid checks if the kind is a valid value.
func (k Kind) IsValid() bool {
	switch k {
	case KindDataStore, KindService, KindAITool, KindIdentity, KindAPI, KindExternal:
		return true
	}
	return false
}

// EdgeType classifies a relationship between two entities.
type EdgeType string

const (
	EdgeAccesses        EdgeType = "ACCESSES"
	EdgeIntegratesWith  EdgeType = "INTEGRATES_WITH"
	EdgeMovesDataTo     EdgeType = "MOVES_DATA_TO"
	EdgeExposes         EdgeType = "EXPOSES"
	EdgeAuthenticatesTo EdgeType = "AUTHENTICATES_TO"
	EdgeManages         EdgeType = "MANAGES"
	EdgeContains        EdgeType = "CONTAINS"
	EdgeExportsTo       EdgeType = "EXPORTS_TO"
)

// IsValid checks if the edge type is a valid value.
func (t EdgeType) IsValid() bool {
	switch t {
	case EdgeAccesses, EdgeIntegratesWith, EdgeMovesDataTo, EdgeExposes,
		EdgeAuthenticatesTo, EdgeManages, EdgeContains, EdgeExportsTo:
		return true
	}
	return false
}

// Scores is the current score snapshot carried on a node. It is written
// only by the scoring engine; Version increases monotonically per entity.
type Scores struct {
	Exposure       float64   `json:"exposure_score"`
	Volatility     float64   `json:"volatility_score"`
	Sensitivity    float64   `json:"sensitivity_likelihood"`
	Composite      float64   `json:"composite_score"`
	Version        uint64    `json:"version"`
	ScoringVersion string    `json:"scoring_version"`
	ComputedAt     time.Time `json:"computed_at"`
}

// Node is a graph entity. Nodes are created on first reference from an
// event and never deleted, only marked inactive.
type Node struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	Name      string         `json:"name"`
	Attrs     map[string]any `json:"attrs,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
	Scores    Scores         `json:"scores"`
	Active    bool           `json:"active"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Edge is a typed, directed relationship between two entities. Edges are
// append/update-only: once created, an edge is never silently dropped —
// removal requires an explicit retraction.
type Edge struct {
	ID           string    `json:"id"`
	Type         EdgeType  `json:"type"`
	SourceID     string    `json:"source_id"`
	TargetID     string    `json:"target_id"`
	Weight       float64   `json:"weight"`
	DataVolume   int64     `json:"data_volume_bytes,omitempty"`
	Retracted    bool      `json:"retracted"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	ActivityHits int64     `json:"activity_hits"`
}

// Neighbor describes one hop from a node, used by the scoring engine to
// evaluate an entity's immediate neighborhood.
type Neighbor struct {
	NodeID     string
	Kind       Kind
	EdgeType   EdgeType
	Outbound   bool
	Weight     float64
	DataVolume int64
}
