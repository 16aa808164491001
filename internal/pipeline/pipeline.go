// Package pipeline is the single entry point for evaluating an item:
// score, persist, hand to the chain, publish. The pipeline holds no state
// of its own.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/arbiter-ai/arbiter/internal/bus"
	"github.com/arbiter-ai/arbiter/internal/chain"
	"github.com/arbiter-ai/arbiter/internal/judge"
	"github.com/arbiter-ai/arbiter/internal/model"
	"github.com/arbiter-ai/arbiter/internal/storage"
	"github.com/arbiter-ai/arbiter/internal/telemetry"
)

// StateSource supplies the learning state snapshot the judge reads at
// scoring time. Nil snapshots are allowed.
type StateSource interface {
	Snapshot() *model.LearningState
}

// Caller carries the optional isolation keys of a judge request.
type Caller struct {
	UserID    *string
	SessionID *string
}

// Result is the caller-facing summary of a committed judgment.
type Result struct {
	ID           uuid.UUID          `json:"id"`
	QScore       int                `json:"q_score"`
	Verdict      model.Verdict      `json:"verdict"`
	Confidence   float64            `json:"confidence"`
	AxiomScores  map[string]float64 `json:"axiom_scores"`
	Weaknesses   []model.Weakness   `json:"weaknesses,omitempty"`
	BlockPending bool               `json:"block_pending"`
}

// Pipeline wires the judge, storage, chain, and bus together.
type Pipeline struct {
	judge   *judge.Judge
	store   storage.Store
	chain   *chain.Manager
	bus     *bus.Bus
	state   StateSource
	logger  *slog.Logger
	counter metric.Int64Counter
}

// New builds a pipeline. state may be nil when no learning loop runs.
func New(j *judge.Judge, store storage.Store, cm *chain.Manager, eventBus *bus.Bus, state StateSource, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	counter, _ := telemetry.Meter("arbiter/pipeline").Int64Counter("arbiter.judgments_total",
		metric.WithDescription("Judgments committed, by verdict"))
	return &Pipeline{
		judge:   j,
		store:   store,
		chain:   cm,
		bus:     eventBus,
		state:   state,
		logger:  logger,
		counter: counter,
	}
}

// Judge scores the item, persists the judgment, enqueues it for sealing,
// and publishes the judgment event. Once the store write succeeds the
// request succeeds; sealing and event delivery are asynchronous.
func (p *Pipeline) Judge(ctx context.Context, item model.Item, jctx judge.Context, caller Caller) (Result, error) {
	if jctx.LearningState == nil && p.state != nil {
		jctx.LearningState = p.state.Snapshot()
	}

	j, err := p.judge.Score(item, jctx)
	if err != nil {
		return Result{}, err
	}
	j.UserID = caller.UserID
	j.SessionID = caller.SessionID

	stored, err := p.store.StoreJudgment(ctx, j)
	if err != nil {
		return Result{}, model.StorageError("failed to persist judgment", err)
	}

	// The chain enqueue only fails before Init or past the backpressure
	// boundary; the judgment is already durable either way, so the error
	// is logged and the orphan is adoptable later.
	if p.chain != nil {
		if err := p.chain.AddJudgment(ctx, stored.Ref()); err != nil {
			p.logger.Error("chain enqueue failed; judgment left for adoption",
				"judgment_id", stored.ID, "error", err)
		}
	}

	if p.bus != nil {
		p.bus.Publish(bus.TopicJudgment, map[string]any{
			"id":         stored.ID.String(),
			"q_score":    stored.QScore,
			"verdict":    string(stored.Verdict),
			"confidence": stored.Confidence,
			"item_type":  stored.ItemType,
			"created_at": stored.CreatedAt,
		})
	}

	if p.counter != nil {
		p.counter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("verdict", string(stored.Verdict))))
	}
	p.logger.Info("judgment committed",
		"judgment_id", stored.ID, "verdict", stored.Verdict, "q_score", stored.QScore)

	return Result{
		ID:           stored.ID,
		QScore:       stored.QScore,
		Verdict:      stored.Verdict,
		Confidence:   stored.Confidence,
		AxiomScores:  stored.AxiomScores,
		Weaknesses:   stored.Weaknesses,
		BlockPending: p.chain != nil,
	}, nil
}

// Get returns a stored judgment by ID.
func (p *Pipeline) Get(ctx context.Context, id uuid.UUID) (model.Judgment, error) {
	j, err := p.store.GetJudgment(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Judgment{}, model.NotFound(fmt.Sprintf("judgment %s not found", id))
		}
		return model.Judgment{}, model.StorageError("failed to load judgment", err)
	}
	return j, nil
}
