package scoring

import (
	"testing"
)

func TestExplainBreakdownCoversAllFactors(t *testing.T) {
	snap := &Snapshot{
		EntityID:  "db-1",
		Composite: 0.65,
		Level:     LevelHigh,
		Factors: Factors{
			ExternalConnection:   0.4,
			AIIntegration:        0.9,
			DataVolume:           0.2,
			PrivilegeLevel:       0.5,
			PublicExposure:       0.0,
			NameHeuristic:        0.8,
			DataClassification:   1.0,
			SensitivityTag:       0.3,
			ConnectionChangeRate: 0.7,
			AccessPatternChange:  0.5,
			RecentIntegration:    0.6,
		},
	}

	exp := Explain(snap)

	if len(exp.FactorBreakdown) != 11 {
		t.Fatalf("breakdown has %d factors, want 11", len(exp.FactorBreakdown))
	}
	byName := map[string]float64{}
	for _, c := range exp.FactorBreakdown {
		byName[c.Name] = c.Value
	}
	for name, want := range map[string]float64{
		"Data classification":    1.0,
		"Sensitive naming":       0.8,
		"Sensitivity tags":       0.3,
		"Connection change rate": 0.7,
		"Access pattern change":  0.5,
		"Recent AI integration":  0.6,
	} {
		if got, ok := byName[name]; !ok || got != want {
			t.Errorf("breakdown[%q] = %v (present %v), want %v", name, got, ok, want)
		}
	}

	// Sorted descending: the strongest sensitivity indicator leads.
	if exp.FactorBreakdown[0].Name != "Data classification" {
		t.Errorf("top factor = %q, want the data classification indicator", exp.FactorBreakdown[0].Name)
	}
	if len(exp.TopRiskFactors) == 0 {
		t.Error("expected top risk factors")
	}
}

func TestExplainRecommendsForChangeSignals(t *testing.T) {
	snap := &Snapshot{
		EntityID:  "svc-1",
		Composite: 0.3,
		Level:     LevelLow,
		Factors: Factors{
			ConnectionChangeRate: 0.8,
			RecentIntegration:    0.6,
		},
	}

	exp := Explain(snap)
	var gotConnections, gotIntegration bool
	for _, r := range exp.Recommendations {
		switch r {
		case "Audit recently created connections":
			gotConnections = true
		case "Verify the new AI integration is sanctioned":
			gotIntegration = true
		}
	}
	if !gotConnections || !gotIntegration {
		t.Errorf("recommendations missing change-signal entries: %v", exp.Recommendations)
	}
}
