// Package scoring computes multi-factor risk scores for graph entities.
//
// Three sub-scores feed a fixed-weight composite:
//
//	exposure    — how reachable the entity is from outside or via AI tooling
//	volatility  — recent variability of the composite over a history window
//	sensitivity — likelihood the entity holds sensitive data
//
// All scores are normalized to [0, 1].
package scoring

import (
	"regexp"
	"strings"
	"time"

	"riskgraph/internal/graph"
	"riskgraph/internal/schema"
)

// Factor weights for the exposure sub-score.
type Weights struct {
	ExternalConnections float64 `yaml:"external_connections"`
	AIIntegrations      float64 `yaml:"ai_integrations"`
	DataVolume          float64 `yaml:"data_volume"`
	PrivilegeLevel      float64 `yaml:"privilege_level"`
	PublicExposure      float64 `yaml:"public_exposure"`
}

// DefaultWeights returns the production factor weights.
func DefaultWeights() Weights {
	return Weights{
		ExternalConnections: 0.25,
		AIIntegrations:      0.30,
		DataVolume:          0.20,
		PrivilegeLevel:      0.15,
		PublicExposure:      0.15,
	}
}

func (w Weights) total() float64 {
	return w.ExternalConnections + w.AIIntegrations + w.DataVolume + w.PrivilegeLevel + w.PublicExposure
}

// Composite weights are fixed, not configurable.
const (
	compositeExposureWeight    = 0.50
	compositeVolatilityWeight  = 0.30
	compositeSensitivityWeight = 0.20
)

// Connection and volume thresholds used to normalize raw counts.
const (
	externalConnectionHigh = 10
	aiIntegrationHigh      = 3
	connectionChangeHigh   = 10
	volumeHighBytes        = 100_000_000
	volumeMediumBytes      = 10_000_000
)

// RiskLevel labels a composite score band.
type RiskLevel string

const (
	LevelCritical RiskLevel = "critical"
	LevelHigh     RiskLevel = "high"
	LevelMedium   RiskLevel = "medium"
	LevelLow      RiskLevel = "low"
	LevelMinimal  RiskLevel = "minimal"
)

// ClassifyRiskLevel maps a composite score to its band.
func ClassifyRiskLevel(composite float64) RiskLevel {
	switch {
	case composite >= 0.8:
		return LevelCritical
	case composite >= 0.6:
		return LevelHigh
	case composite >= 0.4:
		return LevelMedium
	case composite >= 0.2:
		return LevelLow
	default:
		return LevelMinimal
	}
}

// Factors holds the individual [0,1] signals a score is built from.
type Factors struct {
	// Exposure
	ExternalConnection float64 `json:"external_connection"`
	AIIntegration      float64 `json:"ai_integration"`
	DataVolume         float64 `json:"data_volume"`
	PrivilegeLevel     float64 `json:"privilege_level"`
	PublicExposure     float64 `json:"public_exposure"`

	// Sensitivity
	NameHeuristic      float64 `json:"name_heuristic"`
	DataClassification float64 `json:"data_classification"`
	SensitivityTag     float64 `json:"sensitivity_tag"`

	// Change and recency signals derived from the recent event window. They
	// surface in explanations; the composite's volatility term comes from
	// score history instead.
	ConnectionChangeRate float64 `json:"connection_change_rate"`
	AccessPatternChange  float64 `json:"access_pattern_change"`
	RecentIntegration    float64 `json:"recent_integration"`
}

// Name fragments that suggest sensitive content. Matched case-insensitively
// against the entity name and id.
var sensitiveNamePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)customer`),
	regexp.MustCompile(`(?i)user`),
	regexp.MustCompile(`(?i)patient`),
	regexp.MustCompile(`(?i)employee`),
	regexp.MustCompile(`(?i)personal`),
	regexp.MustCompile(`(?i)private`),
	regexp.MustCompile(`(?i)confidential`),
	regexp.MustCompile(`(?i)secret`),
	regexp.MustCompile(`(?i)credential`),
	regexp.MustCompile(`(?i)password`),
	regexp.MustCompile(`(?i)auth`),
	regexp.MustCompile(`(?i)payment`),
	regexp.MustCompile(`(?i)financial`),
	regexp.MustCompile(`(?i)transaction`),
	regexp.MustCompile(`(?i)account`),
	regexp.MustCompile(`(?i)ssn`),
	regexp.MustCompile(`(?i)social.?security`),
	regexp.MustCompile(`(?i)credit.?card`),
	regexp.MustCompile(`(?i)bank`),
	regexp.MustCompile(`(?i)health`),
	regexp.MustCompile(`(?i)medical`),
	regexp.MustCompile(`(?i)diagnosis`),
	regexp.MustCompile(`(?i)insurance`),
	regexp.MustCompile(`(?i)salary`),
	regexp.MustCompile(`(?i)tax`),
	regexp.MustCompile(`(?i)pii`),
	regexp.MustCompile(`(?i)phi`),
	regexp.MustCompile(`(?i)hipaa`),
	regexp.MustCompile(`(?i)gdpr`),
}

var highSensitivityClassifications = map[string]bool{
	"confidential": true,
	"secret":       true,
	"top_secret":   true,
	"restricted":   true,
	"pii":          true,
	"phi":          true,
	"financial":    true,
	"regulated":    true,
}

func privilegeWeight(level string) float64 {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "read":
		return 0.2
	case "write", "standard":
		return 0.4
	case "admin":
		return 0.7
	case "super_admin":
		return 1.0
	default:
		return 0.5
	}
}

// Rules computes factor values and combines them into sub-scores.
type Rules struct {
	weights Weights
}

func NewRules(w Weights) *Rules {
	if w.total() <= 0 {
		w = DefaultWeights()
	}
	return &Rules{weights: w}
}

// CalculateFactors derives all factor values from the entity's current graph
// neighborhood and the recent events referencing it.
func (r *Rules) CalculateFactors(node *graph.Node, neighbors []graph.Neighbor, events []schema.SecurityEvent) Factors {
	return Factors{
		ExternalConnection: externalConnectionFactor(neighbors),
		AIIntegration:      aiIntegrationFactor(neighbors),
		DataVolume:         dataVolumeFactor(neighbors, events),
		PrivilegeLevel:     privilegeLevelFactor(node, neighbors),
		PublicExposure:     publicExposureFactor(node),
		NameHeuristic:      nameHeuristicFactor(node),
		DataClassification: dataClassificationFactor(node),
		SensitivityTag:     sensitivityTagFactor(events),

		ConnectionChangeRate: connectionChangeRateFactor(events),
		AccessPatternChange:  accessPatternChangeFactor(events),
		RecentIntegration:    recentIntegrationFactor(events),
	}
}

func externalConnectionFactor(neighbors []graph.Neighbor) float64 {
	count := 0.0
	for _, n := range neighbors {
		if n.Kind == graph.KindExternal || n.Kind == graph.KindAITool {
			count++
		}
		if n.EdgeType == graph.EdgeExposes || n.EdgeType == graph.EdgeIntegratesWith {
			count += 0.5
		}
	}
	return clamp(count / externalConnectionHigh)
}

func aiIntegrationFactor(neighbors []graph.Neighbor) float64 {
	count := 0
	for _, n := range neighbors {
		if n.Kind == graph.KindAITool {
			count++
		}
	}
	// steep curve: a handful of AI integrations saturates the factor
	return clamp(float64(count) / aiIntegrationHigh)
}

func dataVolumeFactor(neighbors []graph.Neighbor, events []schema.SecurityEvent) float64 {
	var total int64
	for _, n := range neighbors {
		total += n.DataVolume
	}
	for _, ev := range events {
		total += ev.DataVolumeEstimate
	}

	switch {
	case total >= volumeHighBytes:
		return 1.0
	case total >= volumeMediumBytes:
		return clamp(0.5 + float64(total-volumeMediumBytes)/(2*volumeHighBytes))
	default:
		return float64(total) / (2 * volumeMediumBytes)
	}
}

func privilegeLevelFactor(node *graph.Node, neighbors []graph.Neighbor) float64 {
	maxWeight := 0.0
	if lvl, ok := node.Attrs["privilege_level"].(string); ok && lvl != "" {
		maxWeight = privilegeWeight(lvl)
	}
	for _, n := range neighbors {
		if !n.Outbound && n.EdgeType == graph.EdgeManages && maxWeight < 0.8 {
			maxWeight = 0.8
		}
	}
	return maxWeight
}

func publicExposureFactor(node *graph.Node) float64 {
	if b, ok := node.Attrs["is_public"].(bool); ok && b {
		return 1.0
	}
	if b, ok := node.Attrs["is_internal"].(bool); ok && !b {
		return 0.5
	}
	return 0.0
}

func nameHeuristicFactor(node *graph.Node) float64 {
	combined := strings.ToLower(node.Name + " " + node.ID)
	matches := 0
	for _, p := range sensitiveNamePatterns {
		if p.MatchString(combined) {
			matches++
		}
	}
	switch {
	case matches >= 3:
		return 1.0
	case matches >= 2:
		return 0.8
	case matches >= 1:
		return 0.5
	default:
		return 0.0
	}
}

func dataClassificationFactor(node *graph.Node) float64 {
	classification, _ := node.Attrs["data_classification"].(string)
	classification = strings.ToLower(classification)
	switch {
	case highSensitivityClassifications[classification]:
		return 1.0
	case classification == "internal" || classification == "private":
		return 0.5
	case classification == "public" || classification == "unclassified":
		return 0.1
	default:
		return 0.3 // unknown
	}
}

func sensitivityTagFactor(events []schema.SecurityEvent) float64 {
	if len(events) == 0 {
		return 0.0
	}

	counts := map[schema.SensitivityTag]int{}
	for _, ev := range events {
		for _, tag := range ev.SensitivityTags {
			counts[tag]++
		}
	}

	for _, tag := range []schema.SensitivityTag{schema.TagFinancial, schema.TagHealth, schema.TagIdentity} {
		if c, ok := counts[tag]; ok {
			return clamp(0.5 + float64(c)*0.1)
		}
	}
	if len(counts) > 0 {
		return 0.3
	}
	return 0.0
}

// connectionForming reports whether an event type's handler creates or
// reinforces graph relationships.
func connectionForming(t schema.EventType) bool {
	switch t {
	case schema.EventAIDataAccess, schema.EventAIModelTraining,
		schema.EventSystemAccess, schema.EventDataMovement,
		schema.EventDataExport, schema.EventDataAggregation:
		return true
	default:
		return false
	}
}

// connectionChangeRateFactor measures how much of the recent event window is
// forming new relationships.
func connectionChangeRateFactor(events []schema.SecurityEvent) float64 {
	forming := 0
	for _, ev := range events {
		if connectionForming(ev.EventType) {
			forming++
		}
	}
	return clamp(float64(forming) / connectionChangeHigh)
}

// accessPatternChangeFactor compares the older and newer halves of the event
// window; event types appearing only in the newer half signal a shifting
// access pattern.
func accessPatternChangeFactor(events []schema.SecurityEvent) float64 {
	if len(events) < 4 {
		return 0.0
	}
	half := len(events) / 2
	older := map[schema.EventType]bool{}
	for _, ev := range events[:half] {
		older[ev.EventType] = true
	}
	newer := map[schema.EventType]bool{}
	novel := 0
	for _, ev := range events[half:] {
		if newer[ev.EventType] {
			continue
		}
		newer[ev.EventType] = true
		if !older[ev.EventType] {
			novel++
		}
	}
	return clamp(float64(novel) / float64(len(newer)))
}

// recentIntegrationFactor decays with the age of the newest AI integration
// event touching the entity.
func recentIntegrationFactor(events []schema.SecurityEvent) float64 {
	var newest time.Time
	for _, ev := range events {
		switch ev.EventType {
		case schema.EventAIDataAccess, schema.EventAIToolDiscovery, schema.EventAIModelTraining:
			if ev.Timestamp.After(newest) {
				newest = ev.Timestamp
			}
		}
	}
	if newest.IsZero() {
		return 0.0
	}
	switch age := time.Since(newest); {
	case age <= 24*time.Hour:
		return 1.0
	case age <= 7*24*time.Hour:
		return 0.6
	case age <= 30*24*time.Hour:
		return 0.3
	default:
		return 0.0
	}
}

// ExposureScore combines the exposure factors into one weighted score with a
// mild non-linear boost so high-risk entities stand out.
func (r *Rules) ExposureScore(f Factors) float64 {
	weighted := f.ExternalConnection*r.weights.ExternalConnections +
		f.AIIntegration*r.weights.AIIntegrations +
		f.DataVolume*r.weights.DataVolume +
		f.PrivilegeLevel*r.weights.PrivilegeLevel +
		f.PublicExposure*r.weights.PublicExposure

	return clamp(weighted / r.weights.total() * 1.2)
}

// SensitivityLikelihood blends the strongest sensitivity indicator with the
// mean of all three, so a single strong signal is not diluted by zeros.
func (r *Rules) SensitivityLikelihood(f Factors) float64 {
	maxInd := f.NameHeuristic
	if f.DataClassification > maxInd {
		maxInd = f.DataClassification
	}
	if f.SensitivityTag > maxInd {
		maxInd = f.SensitivityTag
	}
	avg := (f.NameHeuristic + f.DataClassification + f.SensitivityTag) / 3

	return clamp(maxInd*0.7 + avg*0.3)
}

// CompositeScore applies the fixed 0.5/0.3/0.2 weighting.
func CompositeScore(exposure, volatility, sensitivity float64) float64 {
	return clamp(exposure*compositeExposureWeight +
		volatility*compositeVolatilityWeight +
		sensitivity*compositeSensitivityWeight)
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
