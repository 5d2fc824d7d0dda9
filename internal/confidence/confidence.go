// Package confidence implements the relationship confidence scorer.
//
// The scorer is a pure function: it receives all evidence as explicit
// data, never reads from the store, and is deterministic for identical
// inputs. Its output doubles as the focus-area selector for enhanced
// re-prompting: the weakest factor names the prompt template.
package confidence

import (
	"fmt"

	"github.com/steveyegge/cartograph/internal/types"
)

// Factor is one of the four scored evidence dimensions.
type Factor string

const (
	// FactorSyntactic covers code-structure evidence.
	FactorSyntactic Factor = "syntactic"
	// FactorSemantic covers naming and domain alignment.
	FactorSemantic Factor = "semantic"
	// FactorContext covers module and architectural-layer proximity.
	FactorContext Factor = "context"
	// FactorCrossRef covers independent corroborations.
	FactorCrossRef Factor = "crossref"
)

// Level is the coarse bucketization of a [0,1] confidence.
type Level string

const (
	LevelHigh    Level = "HIGH"
	LevelMedium  Level = "MEDIUM"
	LevelLow     Level = "LOW"
	LevelVeryLow Level = "VERY_LOW"
)

// FocusArea names the enhanced-prompt template targeting a weak factor.
type FocusArea string

const (
	FocusSyntax   FocusArea = "syntax"
	FocusSemantic FocusArea = "semantic"
	FocusContext  FocusArea = "context"
	FocusCrossRef FocusArea = "crossref"
)

// EvidenceItem is one piece of scoring input. Strength is in [0,1].
type EvidenceItem struct {
	Factor   Factor
	Text     string
	Source   string
	Strength float64
}

// Weights distributes the final score across the four factors.
type Weights struct {
	Syntactic float64
	Semantic  float64
	Context   float64
	CrossRef  float64
}

// DefaultWeights returns the stock 0.3/0.3/0.2/0.2 distribution.
func DefaultWeights() Weights {
	return Weights{Syntactic: 0.3, Semantic: 0.3, Context: 0.2, CrossRef: 0.2}
}

// Thresholds define level boundaries and the escalation cutoff.
type Thresholds struct {
	High       float64
	Medium     float64
	Low        float64
	Escalation float64
}

// DefaultThresholds returns the stock 0.85/0.65/0.45 boundaries with a
// 0.5 escalation cutoff.
func DefaultThresholds() Thresholds {
	return Thresholds{High: 0.85, Medium: 0.65, Low: 0.45, Escalation: 0.5}
}

// DefaultFactorFloor is the per-factor score below which a relationship
// escalates regardless of its final score.
const DefaultFactorFloor = 0.25

// neutralFactor is assumed for factors with no evidence at all. Low
// enough that an evidence-free relationship lands in escalation range.
const neutralFactor = 0.4

// Breakdown is the per-factor decomposition of a score.
type Breakdown struct {
	Syntactic float64 `json:"syntactic"`
	Semantic  float64 `json:"semantic"`
	Context   float64 `json:"context"`
	CrossRef  float64 `json:"crossref"`
}

// Result is the scorer's full output.
type Result struct {
	Final             float64
	Level             Level
	Breakdown         Breakdown
	Escalate          bool
	EscalationReasons []string
	WeakestFactor     Factor
}

// FocusArea maps the weakest factor to its enhanced-prompt template.
func (r Result) FocusArea() FocusArea {
	switch r.WeakestFactor {
	case FactorSemantic:
		return FocusSemantic
	case FactorContext:
		return FocusContext
	case FactorCrossRef:
		return FocusCrossRef
	default:
		return FocusSyntax
	}
}

// Scorer computes confidence scores. Stateless and safe for concurrent use.
type Scorer struct {
	weights    Weights
	thresholds Thresholds
	floors     map[Factor]float64
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithWeights overrides the factor weights.
func WithWeights(w Weights) Option {
	return func(s *Scorer) { s.weights = w }
}

// WithThresholds overrides the level thresholds.
func WithThresholds(t Thresholds) Option {
	return func(s *Scorer) { s.thresholds = t }
}

// WithFactorFloor overrides the escalation floor for one factor.
func WithFactorFloor(f Factor, floor float64) Option {
	return func(s *Scorer) { s.floors[f] = floor }
}

// New creates a scorer with defaults, adjusted by opts.
func New(opts ...Option) *Scorer {
	s := &Scorer{
		weights:    DefaultWeights(),
		thresholds: DefaultThresholds(),
		floors: map[Factor]float64{
			FactorSyntactic: DefaultFactorFloor,
			FactorSemantic:  DefaultFactorFloor,
			FactorContext:   DefaultFactorFloor,
			FactorCrossRef:  DefaultFactorFloor,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Score computes the weighted confidence of a relationship given its
// evidence. Factors without evidence score a low neutral value so an
// unsupported relationship trends toward escalation rather than silently
// passing the gate.
func (s *Scorer) Score(rel *types.Relationship, evidence []EvidenceItem) Result {
	factors := map[Factor]float64{
		FactorSyntactic: s.factorScore(evidence, FactorSyntactic),
		FactorSemantic:  s.factorScore(evidence, FactorSemantic),
		FactorContext:   s.factorScore(evidence, FactorContext),
		FactorCrossRef:  s.factorScore(evidence, FactorCrossRef),
	}

	final := factors[FactorSyntactic]*s.weights.Syntactic +
		factors[FactorSemantic]*s.weights.Semantic +
		factors[FactorContext]*s.weights.Context +
		factors[FactorCrossRef]*s.weights.CrossRef
	final = types.ClampConfidence(final)

	res := Result{
		Final: final,
		Level: s.level(final),
		Breakdown: Breakdown{
			Syntactic: factors[FactorSyntactic],
			Semantic:  factors[FactorSemantic],
			Context:   factors[FactorContext],
			CrossRef:  factors[FactorCrossRef],
		},
		WeakestFactor: weakest(factors),
	}

	if final < s.thresholds.Escalation {
		res.Escalate = true
		res.EscalationReasons = append(res.EscalationReasons,
			fmt.Sprintf("final score %.2f below escalation threshold %.2f", final, s.thresholds.Escalation))
	}
	for _, f := range []Factor{FactorSyntactic, FactorSemantic, FactorContext, FactorCrossRef} {
		if factors[f] < s.floors[f] {
			res.Escalate = true
			res.EscalationReasons = append(res.EscalationReasons,
				fmt.Sprintf("%s factor %.2f below floor %.2f", f, factors[f], s.floors[f]))
		}
	}
	return res
}

// factorScore averages the strengths of the evidence items belonging to
// one factor.
func (s *Scorer) factorScore(evidence []EvidenceItem, f Factor) float64 {
	sum, n := 0.0, 0
	for _, item := range evidence {
		if item.Factor != f {
			continue
		}
		sum += types.ClampConfidence(item.Strength)
		n++
	}
	if n == 0 {
		return neutralFactor
	}
	return sum / float64(n)
}

func (s *Scorer) level(final float64) Level {
	switch {
	case final >= s.thresholds.High:
		return LevelHigh
	case final >= s.thresholds.Medium:
		return LevelMedium
	case final >= s.thresholds.Low:
		return LevelLow
	default:
		return LevelVeryLow
	}
}

// weakest returns the lowest-scoring factor, with a stable tie-break in
// declaration order.
func weakest(factors map[Factor]float64) Factor {
	order := []Factor{FactorSyntactic, FactorSemantic, FactorContext, FactorCrossRef}
	low := order[0]
	for _, f := range order[1:] {
		if factors[f] < factors[low] {
			low = f
		}
	}
	return low
}
