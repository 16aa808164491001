package model

import (
	"time"

	"github.com/google/uuid"
)

// Verdict is the discrete category assigned to a judgment from its
// composite score. Ordered from least to most favorable.
type Verdict string

const (
	VerdictReject       Verdict = "reject"
	VerdictConcern      Verdict = "concern"
	VerdictAccept       Verdict = "accept"
	VerdictStrongAccept Verdict = "strong-accept"
)

// verdictRank orders verdicts for monotonicity comparisons.
var verdictRank = map[Verdict]int{
	VerdictReject:       0,
	VerdictConcern:      1,
	VerdictAccept:       2,
	VerdictStrongAccept: 3,
}

// VerdictAtLeast reports whether a is at least as favorable as b.
func VerdictAtLeast(a, b Verdict) bool {
	return verdictRank[a] >= verdictRank[b]
}

// ValidVerdict reports whether v is a known verdict label.
func ValidVerdict(v Verdict) bool {
	_, ok := verdictRank[v]
	return ok
}

// Weakness is a dimension whose score fell below the concern threshold.
// Deficit is the distance from the threshold.
type Weakness struct {
	Dimension string  `json:"dimension"`
	Score     float64 `json:"score"`
	Deficit   float64 `json:"deficit"`
}

// Judgment is the immutable output of scoring one item. Once stored, only
// BlockSlot is ever set (exactly once, by the chain manager at sealing).
type Judgment struct {
	ID          uuid.UUID `json:"id"`
	ItemType    string    `json:"item_type"`
	ItemContent string    `json:"item_content"`

	// DimensionScores maps every defined dimension name to a score in [0,1].
	DimensionScores map[string]float64 `json:"dimension_scores"`
	// AxiomScores is the per-axiom aggregate of DimensionScores.
	AxiomScores map[string]float64 `json:"axiom_scores"`

	QScore     int        `json:"q_score"` // composite, [0,100]
	Verdict    Verdict    `json:"verdict"`
	Confidence float64    `json:"confidence"` // always <= configured maxConfidence
	Weaknesses []Weakness `json:"weaknesses,omitempty"`

	// Isolation keys. Nil for anonymous submissions.
	UserID    *string `json:"user_id,omitempty"`
	SessionID *string `json:"session_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`

	// BlockSlot is the slot of the block that sealed this judgment.
	// Nil until sealed. Set exactly once by the chain manager.
	BlockSlot *int64 `json:"block_slot,omitempty"`
}

// JudgmentRef is the minimal projection of a judgment the chain manager
// needs to seal it into a block.
type JudgmentRef struct {
	ID        uuid.UUID `json:"id"`
	QScore    int       `json:"q_score"`
	Verdict   Verdict   `json:"verdict"`
	CreatedAt time.Time `json:"created_at"`
}

// Ref returns the chain-facing projection of the judgment.
func (j Judgment) Ref() JudgmentRef {
	return JudgmentRef{ID: j.ID, QScore: j.QScore, Verdict: j.Verdict, CreatedAt: j.CreatedAt}
}
