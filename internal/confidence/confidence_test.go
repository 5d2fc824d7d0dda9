package confidence

import (
	"math"
	"strings"
	"testing"

	"github.com/steveyegge/cartograph/internal/types"
)

func rel() *types.Relationship {
	return &types.Relationship{SourcePOIID: 1, TargetPOIID: 2, Type: "CALLS", RunID: "r1"}
}

// uniform builds one evidence item per factor, all with the same strength.
func uniform(strength float64) []EvidenceItem {
	return []EvidenceItem{
		{Factor: FactorSyntactic, Strength: strength},
		{Factor: FactorSemantic, Strength: strength},
		{Factor: FactorContext, Strength: strength},
		{Factor: FactorCrossRef, Strength: strength},
	}
}

func TestScoreLevels(t *testing.T) {
	s := New()
	tests := []struct {
		strength float64
		level    Level
		escalate bool
	}{
		{0.92, LevelHigh, false},
		{0.70, LevelMedium, false},
		{0.50, LevelLow, false},
		{0.30, LevelVeryLow, true},
	}
	for _, tt := range tests {
		res := s.Score(rel(), uniform(tt.strength))
		if math.Abs(res.Final-tt.strength) > 1e-9 {
			t.Errorf("strength %.2f: final = %.4f", tt.strength, res.Final)
		}
		if res.Level != tt.level {
			t.Errorf("strength %.2f: level = %s, want %s", tt.strength, res.Level, tt.level)
		}
		if res.Escalate != tt.escalate {
			t.Errorf("strength %.2f: escalate = %v, want %v", tt.strength, res.Escalate, tt.escalate)
		}
	}
}

func TestWeightedCombination(t *testing.T) {
	s := New()
	evidence := []EvidenceItem{
		{Factor: FactorSyntactic, Strength: 1.0},
		{Factor: FactorSemantic, Strength: 0.8},
		{Factor: FactorContext, Strength: 0.6},
		{Factor: FactorCrossRef, Strength: 0.4},
	}
	res := s.Score(rel(), evidence)
	want := 1.0*0.3 + 0.8*0.3 + 0.6*0.2 + 0.4*0.2
	if math.Abs(res.Final-want) > 1e-9 {
		t.Errorf("final = %.4f, want %.4f", res.Final, want)
	}
	if res.Breakdown.Syntactic != 1.0 || res.Breakdown.CrossRef != 0.4 {
		t.Errorf("breakdown not preserved: %+v", res.Breakdown)
	}
}

func TestFactorAveraging(t *testing.T) {
	s := New()
	evidence := []EvidenceItem{
		{Factor: FactorSyntactic, Strength: 1.0},
		{Factor: FactorSyntactic, Strength: 0.5},
	}
	res := s.Score(rel(), evidence)
	if math.Abs(res.Breakdown.Syntactic-0.75) > 1e-9 {
		t.Errorf("syntactic = %.4f, want 0.75", res.Breakdown.Syntactic)
	}
	// The other three factors fall back to the low neutral value.
	if res.Breakdown.Semantic != neutralFactor {
		t.Errorf("semantic = %.4f, want neutral %.4f", res.Breakdown.Semantic, neutralFactor)
	}
}

func TestNoEvidenceEscalates(t *testing.T) {
	res := New().Score(rel(), nil)
	if !res.Escalate {
		t.Error("evidence-free relationship did not escalate")
	}
	if res.Level != LevelVeryLow {
		t.Errorf("level = %s, want VERY_LOW", res.Level)
	}
}

func TestFactorFloorEscalatesDespiteHighFinal(t *testing.T) {
	s := New()
	evidence := []EvidenceItem{
		{Factor: FactorSyntactic, Strength: 0.95},
		{Factor: FactorSemantic, Strength: 0.95},
		{Factor: FactorContext, Strength: 0.95},
		{Factor: FactorCrossRef, Strength: 0.1},
	}
	res := s.Score(rel(), evidence)
	if res.Final < 0.5 {
		t.Fatalf("setup wrong: final = %.4f", res.Final)
	}
	if !res.Escalate {
		t.Error("per-factor floor breach did not escalate")
	}
	found := false
	for _, r := range res.EscalationReasons {
		if strings.Contains(r, "crossref") {
			found = true
		}
	}
	if !found {
		t.Errorf("escalation reasons do not name the weak factor: %v", res.EscalationReasons)
	}
}

func TestWeakestFactorAndFocusArea(t *testing.T) {
	s := New()
	evidence := []EvidenceItem{
		{Factor: FactorSyntactic, Strength: 0.9},
		{Factor: FactorSemantic, Strength: 0.3},
		{Factor: FactorContext, Strength: 0.8},
		{Factor: FactorCrossRef, Strength: 0.7},
	}
	res := s.Score(rel(), evidence)
	if res.WeakestFactor != FactorSemantic {
		t.Errorf("weakest = %s, want semantic", res.WeakestFactor)
	}
	if res.FocusArea() != FocusSemantic {
		t.Errorf("focus area = %s, want semantic", res.FocusArea())
	}
}

func TestStrengthClamped(t *testing.T) {
	s := New()
	res := s.Score(rel(), []EvidenceItem{
		{Factor: FactorSyntactic, Strength: 3.7},
		{Factor: FactorSemantic, Strength: -1},
		{Factor: FactorContext, Strength: 1},
		{Factor: FactorCrossRef, Strength: 1},
	})
	if res.Breakdown.Syntactic != 1.0 {
		t.Errorf("strength above 1 not clamped: %.4f", res.Breakdown.Syntactic)
	}
	if res.Breakdown.Semantic != 0.0 {
		t.Errorf("negative strength not clamped: %.4f", res.Breakdown.Semantic)
	}
}

func TestDeterminism(t *testing.T) {
	s := New()
	evidence := uniform(0.63)
	a := s.Score(rel(), evidence)
	b := s.Score(rel(), evidence)
	if a.Final != b.Final || a.Level != b.Level || a.WeakestFactor != b.WeakestFactor {
		t.Errorf("scorer not deterministic: %+v vs %+v", a, b)
	}
}
