package model

import (
	"maps"
	"slices"
	"time"
)

// WeightModifierBound is the magnitude limit on per-dimension weight
// modifiers. Modifiers are always clamped to [-bound, +bound].
const WeightModifierBound = 0.2

// VerdictStats counts observed feedback outcomes for one verdict band.
type VerdictStats struct {
	Correct   int `json:"correct"`
	Incorrect int `json:"incorrect"`
	Partial   int `json:"partial"`
}

// Total returns the number of observations for this verdict.
func (s VerdictStats) Total() int {
	return s.Correct + s.Incorrect + s.Partial
}

// Bias is a systematic deviation detected from feedback history.
type Bias struct {
	Kind        string  `json:"kind"` // overconfident | underconfident | dimension-drift
	Verdict     Verdict `json:"verdict,omitempty"`
	Dimension   string  `json:"dimension,omitempty"`
	Strength    float64 `json:"strength"` // [0,1]
	Description string  `json:"description"`
}

// LearningState is the serializable snapshot the judge reads at scoring
// time. Value semantics: the learning loop builds a new state and swaps it
// in atomically; readers never see partial updates.
type LearningState struct {
	// WeightModifiers are additive per-dimension score adjustments,
	// each clamped to [-WeightModifierBound, +WeightModifierBound].
	WeightModifiers map[string]float64 `json:"weight_modifiers"`

	// VerdictOutcomes counts feedback outcomes by the verdict the judged
	// item received.
	VerdictOutcomes map[Verdict]VerdictStats `json:"verdict_outcomes"`

	Biases []Bias `json:"biases,omitempty"`

	FeedbackCount    int       `json:"feedback_count"`
	CalibrationCount int       `json:"calibration_count"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// NewLearningState returns an empty state with allocated maps.
func NewLearningState() LearningState {
	return LearningState{
		WeightModifiers: map[string]float64{},
		VerdictOutcomes: map[Verdict]VerdictStats{},
	}
}

// Clone deep-copies the state so callers can mutate their copy freely.
func (s LearningState) Clone() LearningState {
	out := s
	out.WeightModifiers = maps.Clone(s.WeightModifiers)
	if out.WeightModifiers == nil {
		out.WeightModifiers = map[string]float64{}
	}
	out.VerdictOutcomes = maps.Clone(s.VerdictOutcomes)
	if out.VerdictOutcomes == nil {
		out.VerdictOutcomes = map[Verdict]VerdictStats{}
	}
	out.Biases = slices.Clone(s.Biases)
	return out
}
