package model

import (
	"time"

	"github.com/google/uuid"
)

// FeedbackOutcome classifies how a judgment held up against reality.
type FeedbackOutcome string

const (
	OutcomeCorrect   FeedbackOutcome = "correct"
	OutcomeIncorrect FeedbackOutcome = "incorrect"
	OutcomePartial   FeedbackOutcome = "partial"
)

// ValidFeedbackOutcome reports whether o is a known outcome label.
func ValidFeedbackOutcome(o FeedbackOutcome) bool {
	switch o {
	case OutcomeCorrect, OutcomeIncorrect, OutcomePartial:
		return true
	}
	return false
}

// Feedback is a post-hoc assessment of a stored judgment. Append-only.
type Feedback struct {
	ID         uuid.UUID       `json:"id"`
	JudgmentID uuid.UUID       `json:"judgment_id"`
	Outcome    FeedbackOutcome `json:"outcome"`
	Reason     *string         `json:"reason,omitempty"`

	// ActualScore is the observed ground-truth score in [0,100], when known.
	ActualScore *int `json:"actual_score,omitempty"`

	UserID    *string   `json:"user_id,omitempty"`
	SessionID *string   `json:"session_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
