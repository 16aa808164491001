// Package learning adjusts the judge's per-dimension weights from
// accumulated feedback. The judge reads state through a lock-free
// snapshot; this loop is the only writer and swaps whole snapshots.
package learning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arbiter-ai/arbiter/internal/bus"
	"github.com/arbiter-ai/arbiter/internal/model"
	"github.com/arbiter-ai/arbiter/internal/storage"
)

const (
	// DefaultCalibrationThreshold is the feedback backlog size that
	// automatically triggers calibration.
	DefaultCalibrationThreshold = 21

	// DefaultStep scales each calibration adjustment. Small by intent:
	// many calibrations converge, one never overshoots.
	DefaultStep = 0.05

	// biasMinSamples is the minimum observations of a verdict before a
	// miscalibration bias is reported for it.
	biasMinSamples = 5
)

// Options configures the loop. Zero values take the defaults above.
type Options struct {
	CalibrationThreshold int
	Step                 float64
	Logger               *slog.Logger
}

// ProcessResult summarizes one feedback submission.
type ProcessResult struct {
	Feedback    model.Feedback     `json:"feedback"`
	Backlog     int                `json:"backlog"`
	Calibrated  bool               `json:"calibrated"`
	Calibration *CalibrationResult `json:"calibration,omitempty"`
	Biases      []model.Bias       `json:"biases,omitempty"`
}

// CalibrationResult reports what a calibration pass changed.
type CalibrationResult struct {
	Updated bool               `json:"updated"`
	Samples int                `json:"samples"`
	Delta   map[string]float64 `json:"delta,omitempty"`
}

// entry pairs a feedback with the judgment it assesses, captured at
// submission time so calibration needs no further reads.
type entry struct {
	feedback model.Feedback
	judgment model.Judgment
}

// Loop owns the mutable learning state. Snapshot is safe from any
// goroutine; everything else serializes on the internal mutex.
type Loop struct {
	store  storage.Store
	bus    *bus.Bus
	logger *slog.Logger
	opts   Options

	snapshot atomic.Pointer[model.LearningState]

	mu      sync.Mutex
	backlog []entry
}

// New creates a loop with a fresh empty state. Call Init to load the
// persisted snapshot.
func New(store storage.Store, eventBus *bus.Bus, opts Options) *Loop {
	if opts.CalibrationThreshold <= 0 {
		opts.CalibrationThreshold = DefaultCalibrationThreshold
	}
	if opts.Step <= 0 {
		opts.Step = DefaultStep
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	l := &Loop{store: store, bus: eventBus, logger: opts.Logger, opts: opts}
	initial := model.NewLearningState()
	l.snapshot.Store(&initial)
	return l
}

// Init loads the persisted learning state, keeping the empty state when
// none was saved yet.
func (l *Loop) Init(ctx context.Context) error {
	st, err := l.store.LoadLearningState(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("learning: load state: %w", err)
	}
	l.snapshot.Store(&st)
	l.logger.Info("learning state loaded",
		"feedback_count", st.FeedbackCount, "calibrations", st.CalibrationCount)
	return nil
}

// Snapshot returns the current state for the judge's read path. The
// returned value is immutable; callers must not modify it.
func (l *Loop) Snapshot() *model.LearningState {
	return l.snapshot.Load()
}

// GetState returns a caller-owned copy of the current state.
func (l *Loop) GetState() model.LearningState {
	return l.snapshot.Load().Clone()
}

// ProcessFeedback validates and persists the feedback, updates outcome
// counters, and calibrates automatically when the backlog reaches the
// threshold.
func (l *Loop) ProcessFeedback(ctx context.Context, f model.Feedback) (ProcessResult, error) {
	if !model.ValidFeedbackOutcome(f.Outcome) {
		return ProcessResult{}, model.InvalidInput(fmt.Sprintf("unknown feedback outcome %q", f.Outcome))
	}
	if f.ActualScore != nil && (*f.ActualScore < 0 || *f.ActualScore > 100) {
		return ProcessResult{}, model.InvalidInput("actual_score must be in [0, 100]")
	}

	judgment, err := l.store.GetJudgment(ctx, f.JudgmentID)
	if errors.Is(err, storage.ErrNotFound) {
		return ProcessResult{}, model.NotFound(fmt.Sprintf("judgment %s not found", f.JudgmentID))
	}
	if err != nil {
		return ProcessResult{}, model.StorageError("failed to load judgment for feedback", err)
	}

	stored, err := l.store.StoreFeedback(ctx, f)
	if err != nil {
		return ProcessResult{}, model.StorageError("failed to persist feedback", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.backlog = append(l.backlog, entry{feedback: stored, judgment: judgment})

	next := l.snapshot.Load().Clone()
	stats := next.VerdictOutcomes[judgment.Verdict]
	switch stored.Outcome {
	case model.OutcomeCorrect:
		stats.Correct++
	case model.OutcomeIncorrect:
		stats.Incorrect++
	case model.OutcomePartial:
		stats.Partial++
	}
	next.VerdictOutcomes[judgment.Verdict] = stats
	next.FeedbackCount++
	next.UpdatedAt = time.Now().UTC()

	result := ProcessResult{Feedback: stored, Backlog: len(l.backlog)}

	if len(l.backlog) >= l.opts.CalibrationThreshold {
		cal := l.calibrateLocked(&next)
		result.Calibrated = true
		result.Calibration = &cal
	}

	next.Biases = l.detectBiasesFrom(next)
	result.Biases = next.Biases

	if err := l.commitLocked(ctx, next); err != nil {
		return ProcessResult{}, err
	}
	return result, nil
}

// Calibrate forces a calibration pass over the current backlog.
func (l *Loop) Calibrate(ctx context.Context) (CalibrationResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.snapshot.Load().Clone()
	cal := l.calibrateLocked(&next)
	next.Biases = l.detectBiasesFrom(next)
	if err := l.commitLocked(ctx, next); err != nil {
		return CalibrationResult{}, err
	}
	return cal, nil
}

// calibrateLocked applies bounded residual-driven weight steps and clears
// the backlog. Caller holds l.mu.
func (l *Loop) calibrateLocked(next *model.LearningState) CalibrationResult {
	// Mean signed residual per dimension, weighted by how strongly the
	// dimension scored in the judged item. Only entries carrying an
	// observed ground-truth score contribute.
	sums := map[string]float64{}
	counts := map[string]int{}
	samples := 0
	for _, e := range l.backlog {
		if e.feedback.ActualScore == nil {
			continue
		}
		samples++
		residual := float64(*e.feedback.ActualScore-e.judgment.QScore) / 100
		for dim, score := range e.judgment.DimensionScores {
			sums[dim] += residual * score
			counts[dim]++
		}
	}

	result := CalibrationResult{Samples: samples, Delta: map[string]float64{}}
	for dim, sum := range sums {
		mean := sum / float64(counts[dim])
		delta := l.opts.Step * mean
		if delta == 0 {
			continue
		}
		old := next.WeightModifiers[dim]
		updated := clampMod(old + delta)
		if updated != old {
			next.WeightModifiers[dim] = updated
			result.Delta[dim] = updated - old
			result.Updated = true
		}
	}

	next.CalibrationCount++
	next.UpdatedAt = time.Now().UTC()
	l.backlog = nil

	l.logger.Info("calibration pass",
		"samples", samples, "dimensions_updated", len(result.Delta))
	return result
}

// DetectBiases recomputes biases from the current state without mutating it.
func (l *Loop) DetectBiases() []model.Bias {
	return l.detectBiasesFrom(*l.snapshot.Load())
}

func (l *Loop) detectBiasesFrom(st model.LearningState) []model.Bias {
	var biases []model.Bias

	for verdict, stats := range st.VerdictOutcomes {
		total := stats.Total()
		if total < biasMinSamples {
			continue
		}
		incorrectRate := float64(stats.Incorrect) / float64(total)
		if incorrectRate <= 0.5 {
			continue
		}
		kind := "overconfident"
		if verdict == model.VerdictReject || verdict == model.VerdictConcern {
			kind = "underconfident"
		}
		biases = append(biases, model.Bias{
			Kind:     kind,
			Verdict:  verdict,
			Strength: incorrectRate,
			Description: fmt.Sprintf("%.0f%% of %q verdicts judged incorrect over %d observations",
				incorrectRate*100, verdict, total),
		})
	}

	// A modifier pinned near its bound means the rule itself disagrees
	// with observed outcomes faster than calibration can express.
	for dim, mod := range st.WeightModifiers {
		strength := math.Abs(mod) / model.WeightModifierBound
		if strength < 0.9 {
			continue
		}
		biases = append(biases, model.Bias{
			Kind:      "dimension-drift",
			Dimension: dim,
			Strength:  strength,
			Description: fmt.Sprintf("weight modifier for %q saturated at %+.2f",
				dim, mod),
		})
	}
	return biases
}

// Reset discards all learned state, persisting an empty snapshot.
func (l *Loop) Reset(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.backlog = nil
	fresh := model.NewLearningState()
	fresh.UpdatedAt = time.Now().UTC()
	return l.commitLocked(ctx, fresh)
}

// commitLocked persists and swaps in the new state. Caller holds l.mu.
func (l *Loop) commitLocked(ctx context.Context, next model.LearningState) error {
	if err := l.store.SaveLearningState(ctx, next); err != nil {
		return model.StorageError("failed to persist learning state", err)
	}
	l.snapshot.Store(&next)

	if l.bus != nil && len(next.Biases) > 0 {
		l.bus.Publish(bus.TopicPattern, map[string]any{
			"kind":   "learning-biases",
			"biases": next.Biases,
		})
	}
	return nil
}

func clampMod(v float64) float64 {
	if v > model.WeightModifierBound {
		return model.WeightModifierBound
	}
	if v < -model.WeightModifierBound {
		return -model.WeightModifierBound
	}
	return v
}
