package judge

import (
	"math"
	"sort"

	"github.com/arbiter-ai/arbiter/internal/model"
)

// DefaultMaxConfidence is the reciprocal of the golden ratio. Certainty is
// never absolute; no judgment's confidence may exceed this bound.
const DefaultMaxConfidence = 0.618

// DefaultConcernThreshold is the dimension score below which a dimension
// is reported as a weakness.
const DefaultConcernThreshold = 0.5

// VerdictThresholds are the inclusive lower qScore bounds of each band
// above reject. Defaults derive from the golden ratio: 38 (≈100/φ²),
// 62 (≈100/φ), and 85 (the golden section of the accept band).
type VerdictThresholds struct {
	Concern      int `json:"concern"`
	Accept       int `json:"accept"`
	StrongAccept int `json:"strong_accept"`
}

// DefaultVerdictThresholds returns the golden-ratio band boundaries.
func DefaultVerdictThresholds() VerdictThresholds {
	return VerdictThresholds{Concern: 38, Accept: 62, StrongAccept: 85}
}

// Config holds the scoring tables. Zero values fall back to defaults.
type Config struct {
	MaxConfidence    float64
	ConcernThreshold float64
	Thresholds       VerdictThresholds

	// AxiomWeights overrides DefaultAxiomWeights; missing axioms keep
	// their default weight. Weights are renormalized at scoring time.
	AxiomWeights map[string]float64

	// DimensionWeights overrides per-dimension within-axiom weights.
	DimensionWeights map[string]float64
}

// Context carries optional scoring inputs: the learning state snapshot and
// an external knowledge-score prior.
type Context struct {
	LearningState *model.LearningState

	// KScore is an optional prior in [0,1] from the knowledge base. When
	// present it nudges the composite by a fixed 10% blend.
	KScore *float64
}

// Judge scores items deterministically against the fixed rubric.
type Judge struct {
	cfg Config
}

// New creates a judge, filling config defaults.
func New(cfg Config) *Judge {
	if cfg.MaxConfidence <= 0 || cfg.MaxConfidence >= 1 {
		cfg.MaxConfidence = DefaultMaxConfidence
	}
	if cfg.ConcernThreshold <= 0 {
		cfg.ConcernThreshold = DefaultConcernThreshold
	}
	if cfg.Thresholds == (VerdictThresholds{}) {
		cfg.Thresholds = DefaultVerdictThresholds()
	}
	return &Judge{cfg: cfg}
}

// MaxConfidence returns the configured confidence cap.
func (j *Judge) MaxConfidence() float64 { return j.cfg.MaxConfidence }

// Score evaluates one item. It returns a judgment populated with dimension
// scores, axiom scores, qScore, verdict, confidence, and weaknesses; ID,
// CreatedAt, BlockSlot, UserID, and SessionID are assigned downstream by
// the pipeline. Pure: no I/O, no clock, no randomness.
func (j *Judge) Score(item model.Item, jctx Context) (model.Judgment, error) {
	if err := model.ValidateItem(item); err != nil {
		return model.Judgment{}, err
	}

	f := analyze(item.Content)

	// 1-2. Raw dimension scores, caller pins honored, learning modifiers applied.
	dims := make(map[string]float64, len(dimensionTable))
	for _, d := range dimensionTable {
		var score float64
		if pinned, ok := item.Scores[d.name]; ok {
			score = clamp01(pinned)
		} else {
			score = clamp01(d.rule(item, f))
		}
		if jctx.LearningState != nil {
			score = clamp01(score + jctx.LearningState.WeightModifiers[d.name])
		}
		dims[d.name] = score
	}

	// 3. Axiom aggregates: weighted mean of member dimensions.
	axioms := j.aggregateAxioms(dims)

	// 4. Composite.
	q := j.composite(axioms, jctx.KScore)

	// 5. Verdict by threshold table.
	verdict := j.verdictFor(q)

	// 6. Confidence: monotone in qScore and in the weakest axiom, capped.
	confidence := j.confidence(q, axioms)

	// 7. Weaknesses: dimensions under the concern threshold, weakest first.
	weaknesses := j.weaknesses(dims)

	return model.Judgment{
		ItemType:        item.Type,
		ItemContent:     item.Content,
		DimensionScores: dims,
		AxiomScores:     axioms,
		QScore:          q,
		Verdict:         verdict,
		Confidence:      confidence,
		Weaknesses:      weaknesses,
	}, nil
}

func (j *Judge) aggregateAxioms(dims map[string]float64) map[string]float64 {
	sums := map[string]float64{}
	weights := map[string]float64{}
	for _, d := range dimensionTable {
		w := d.weight
		if ow, ok := j.cfg.DimensionWeights[d.name]; ok && ow > 0 {
			w = ow
		}
		sums[d.axiom] += dims[d.name] * w
		weights[d.axiom] += w
	}
	out := make(map[string]float64, len(sums))
	for axiom, sum := range sums {
		out[axiom] = sum / weights[axiom]
	}
	return out
}

func (j *Judge) composite(axioms map[string]float64, kScore *float64) int {
	var sum, total float64
	for axiom, score := range axioms {
		w := DefaultAxiomWeights[axiom]
		if ow, ok := j.cfg.AxiomWeights[axiom]; ok && ow > 0 {
			w = ow
		}
		sum += score * w
		total += w
	}
	mean := 0.0
	if total > 0 {
		mean = sum / total
	}
	if kScore != nil {
		mean = 0.9*mean + 0.1*clamp01(*kScore)
	}
	return int(math.Round(100 * mean))
}

func (j *Judge) verdictFor(q int) model.Verdict {
	t := j.cfg.Thresholds
	switch {
	case q >= t.StrongAccept:
		return model.VerdictStrongAccept
	case q >= t.Accept:
		return model.VerdictAccept
	case q >= t.Concern:
		return model.VerdictConcern
	default:
		return model.VerdictReject
	}
}

func (j *Judge) confidence(q int, axioms map[string]float64) float64 {
	minAxiom := 1.0
	for _, score := range axioms {
		if score < minAxiom {
			minAxiom = score
		}
	}
	c := j.cfg.MaxConfidence * (0.7*float64(q)/100 + 0.3*minAxiom)
	return math.Min(c, j.cfg.MaxConfidence)
}

func (j *Judge) weaknesses(dims map[string]float64) []model.Weakness {
	var out []model.Weakness
	for _, d := range dimensionTable {
		score := dims[d.name]
		if score < j.cfg.ConcernThreshold {
			out = append(out, model.Weakness{
				Dimension: d.name,
				Score:     score,
				Deficit:   j.cfg.ConcernThreshold - score,
			})
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Score != out[b].Score {
			return out[a].Score < out[b].Score
		}
		return out[a].Dimension < out[b].Dimension
	})
	return out
}
