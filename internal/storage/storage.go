// Package storage defines the persistence capability the core consumes.
// Implementations live in subpackages: postgres (production, pgx),
// sqlite (embedded single-node), and memory (dev/tests). Every operation
// either fully completes or returns an error with no partial effect.
package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/arbiter-ai/arbiter/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrBadResetToken is returned by ResetAll when the confirmation token
// does not match.
var ErrBadResetToken = errors.New("storage: reset confirmation token mismatch")

// ResetConfirmationToken is the exact string ResetAll requires. Reset is
// an operator tool; the token is deliberately unpleasant to type.
const ResetConfirmationToken = "BURN_IT_ALL"

// Store is the durable, queryable store for judgments, blocks, feedback,
// digests, triggers, and learning state. Implementations must be safe for
// concurrent use; the core does not serialize calls.
type Store interface {
	// StoreJudgment persists a judgment, assigning ID and CreatedAt when
	// unset, and returns the stored value.
	StoreJudgment(ctx context.Context, j model.Judgment) (model.Judgment, error)

	// SetJudgmentBlockSlot records the sealing block for a judgment.
	SetJudgmentBlockSlot(ctx context.Context, id uuid.UUID, slot int64) error

	// GetJudgment returns ErrNotFound when the ID is unknown.
	GetJudgment(ctx context.Context, id uuid.UUID) (model.Judgment, error)

	// SearchJudgments full-text-searches item content, most recent first.
	SearchJudgments(ctx context.Context, query string, limit int) ([]model.Judgment, error)

	GetRecentJudgments(ctx context.Context, limit int) ([]model.Judgment, error)

	// CountUnlinkedJudgments counts judgments with no block slot.
	CountUnlinkedJudgments(ctx context.Context) (int, error)

	// FindOrphanedJudgments returns judgments that have no block slot and
	// appear in no block, oldest first.
	FindOrphanedJudgments(ctx context.Context) ([]model.Judgment, error)

	// SealBlock stores a block and sets the block slot on each of its
	// judgments in one transactional unit. On error nothing is observable.
	SealBlock(ctx context.Context, b model.Block) error

	GetBlockBySlot(ctx context.Context, slot int64) (model.Block, error)

	// GetHeadBlock returns the highest-slot block, or ErrNotFound when the
	// chain is empty.
	GetHeadBlock(ctx context.Context) (model.Block, error)

	GetRecentBlocks(ctx context.Context, limit int) ([]model.Block, error)

	// RelinkJudgments restores block_slot = slot for the given judgment IDs
	// where it is currently unset. Returns how many rows changed;
	// idempotent.
	RelinkJudgments(ctx context.Context, slot int64, ids []uuid.UUID) (int, error)

	StoreFeedback(ctx context.Context, f model.Feedback) (model.Feedback, error)
	GetFeedbackFor(ctx context.Context, judgmentID uuid.UUID) ([]model.Feedback, error)

	StoreKnowledge(ctx context.Context, d model.Digest) (model.Digest, error)
	GetKnowledge(ctx context.Context, id uuid.UUID) (model.Digest, error)
	SearchKnowledge(ctx context.Context, query string, limit int) ([]model.Digest, error)

	UpsertTrigger(ctx context.Context, t model.Trigger) (model.Trigger, error)
	ListTriggers(ctx context.Context) ([]model.Trigger, error)
	DeleteTrigger(ctx context.Context, id uuid.UUID) error
	SetTriggerEnabled(ctx context.Context, id uuid.UUID, enabled bool) error

	// LoadLearningState returns ErrNotFound when no snapshot was saved yet.
	LoadLearningState(ctx context.Context) (model.LearningState, error)
	SaveLearningState(ctx context.Context, s model.LearningState) error

	// ResetAll destroys all persisted data. The token must equal
	// ResetConfirmationToken or ErrBadResetToken is returned and nothing
	// is mutated.
	ResetAll(ctx context.Context, confirmationToken string) error

	Ping(ctx context.Context) error
	Backend() string
	Close(ctx context.Context) error
}

// Capabilities lists what every conforming Store supports; reported in
// /health.
func Capabilities() []string {
	return []string{
		"judgments", "blocks", "feedback", "knowledge",
		"triggers", "learning", "full-text-search",
	}
}

// VerifyResetToken is the shared token gate used by all backends.
func VerifyResetToken(token string) error {
	if token != ResetConfirmationToken {
		return ErrBadResetToken
	}
	return nil
}
