package scoring

import (
	"fmt"
	"sort"
)

// FactorContribution names one factor's value in an explanation.
type FactorContribution struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// Explanation is a human-readable breakdown of a snapshot.
type Explanation struct {
	EntityID        string               `json:"entity_id"`
	RiskLevel       RiskLevel            `json:"risk_level"`
	CompositeScore  float64              `json:"composite_score"`
	Summary         string               `json:"summary"`
	TopRiskFactors  []string             `json:"top_risk_factors"`
	FactorBreakdown []FactorContribution `json:"factor_breakdown"`
	ScoreBreakdown  map[string]float64   `json:"score_breakdown"`
	Recommendations []string             `json:"recommendations"`
}

// Explain builds the factor breakdown and remediation hints for a snapshot.
func Explain(snap *Snapshot) *Explanation {
	f := snap.Factors
	contributions := []FactorContribution{
		{"External connections", f.ExternalConnection},
		{"AI tool integrations", f.AIIntegration},
		{"Data volume", f.DataVolume},
		{"Privilege level", f.PrivilegeLevel},
		{"Public exposure", f.PublicExposure},
		{"Sensitive naming", f.NameHeuristic},
		{"Data classification", f.DataClassification},
		{"Sensitivity tags", f.SensitivityTag},
		{"Connection change rate", f.ConnectionChangeRate},
		{"Access pattern change", f.AccessPatternChange},
		{"Recent AI integration", f.RecentIntegration},
	}
	sort.SliceStable(contributions, func(i, j int) bool {
		return contributions[i].Value > contributions[j].Value
	})

	var top []string
	for _, c := range contributions[:3] {
		if c.Value > 0.1 {
			top = append(top, c.Name)
		}
	}

	return &Explanation{
		EntityID:        snap.EntityID,
		RiskLevel:       snap.Level,
		CompositeScore:  snap.Composite,
		Summary:         summarize(snap),
		TopRiskFactors:  top,
		FactorBreakdown: contributions,
		ScoreBreakdown: map[string]float64{
			"exposure":    snap.Exposure,
			"volatility":  snap.Volatility,
			"sensitivity": snap.Sensitivity,
		},
		Recommendations: recommend(snap),
	}
}

func summarize(snap *Snapshot) string {
	switch snap.Level {
	case LevelCritical:
		return "This entity has CRITICAL risk exposure. Immediate attention required."
	case LevelHigh:
		return fmt.Sprintf("This entity has HIGH risk with composite score %.2f. Review recommended.", snap.Composite)
	case LevelMedium:
		return "This entity has MODERATE risk. Monitor for changes."
	default:
		return fmt.Sprintf("This entity has %s risk.", snap.Level)
	}
}

func recommend(snap *Snapshot) []string {
	var recs []string
	f := snap.Factors

	if f.ExternalConnection > 0.7 {
		recs = append(recs, "Reduce external connections or add monitoring")
	}
	if f.AIIntegration > 0.5 {
		recs = append(recs, "Review AI tool permissions and data access")
	}
	if f.PublicExposure > 0.5 {
		recs = append(recs, "Consider restricting public access")
	}
	if f.PrivilegeLevel > 0.6 {
		recs = append(recs, "Review privilege levels for least-privilege compliance")
	}
	if snap.Sensitivity > 0.7 {
		recs = append(recs, "Implement additional data protection measures")
	}
	if snap.Volatility > 0.6 {
		recs = append(recs, "Investigate recent changes causing risk fluctuation")
	}
	if f.ConnectionChangeRate > 0.6 {
		recs = append(recs, "Audit recently created connections")
	}
	if f.RecentIntegration > 0.5 {
		recs = append(recs, "Verify the new AI integration is sanctioned")
	}
	if len(recs) == 0 {
		recs = append(recs, "Continue monitoring; no immediate action required")
	}
	return recs
}
