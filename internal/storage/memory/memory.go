// Package memory is an in-process Store used for development and tests.
// It mirrors the transactional semantics of the SQL backends: SealBlock
// either fully applies or leaves nothing behind.
package memory

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arbiter-ai/arbiter/internal/model"
	"github.com/arbiter-ai/arbiter/internal/storage"
)

// Store keeps everything in maps guarded by one mutex. Values are deep
// copied on the way in and out so callers can never alias internal state.
type Store struct {
	mu        sync.RWMutex
	judgments map[uuid.UUID]model.Judgment
	blocks    map[int64]model.Block
	feedback  map[uuid.UUID][]model.Feedback
	knowledge []model.Digest
	triggers  map[uuid.UUID]model.Trigger
	learning  *model.LearningState
	closed    bool
}

var _ storage.Store = (*Store)(nil)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		judgments: make(map[uuid.UUID]model.Judgment),
		blocks:    make(map[int64]model.Block),
		feedback:  make(map[uuid.UUID][]model.Feedback),
		triggers:  make(map[uuid.UUID]model.Trigger),
	}
}

func copyJudgment(j model.Judgment) model.Judgment {
	out := j
	if j.DimensionScores != nil {
		out.DimensionScores = make(map[string]float64, len(j.DimensionScores))
		for k, v := range j.DimensionScores {
			out.DimensionScores[k] = v
		}
	}
	if j.AxiomScores != nil {
		out.AxiomScores = make(map[string]float64, len(j.AxiomScores))
		for k, v := range j.AxiomScores {
			out.AxiomScores[k] = v
		}
	}
	out.Weaknesses = slices.Clone(j.Weaknesses)
	if j.BlockSlot != nil {
		slot := *j.BlockSlot
		out.BlockSlot = &slot
	}
	return out
}

func copyBlock(b model.Block) model.Block {
	out := b
	out.JudgmentIDs = slices.Clone(b.JudgmentIDs)
	return out
}

func copyDigest(d model.Digest) model.Digest {
	out := d
	out.Patterns = slices.Clone(d.Patterns)
	out.Insights = slices.Clone(d.Insights)
	if d.Metadata != nil {
		out.Metadata = make(map[string]any, len(d.Metadata))
		for k, v := range d.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

func (s *Store) StoreJudgment(_ context.Context, j model.Judgment) (model.Judgment, error) {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.judgments[j.ID] = copyJudgment(j)
	return copyJudgment(j), nil
}

func (s *Store) SetJudgmentBlockSlot(_ context.Context, id uuid.UUID, slot int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.judgments[id]
	if !ok {
		return storage.ErrNotFound
	}
	j.BlockSlot = &slot
	s.judgments[id] = j
	return nil
}

func (s *Store) GetJudgment(_ context.Context, id uuid.UUID) (model.Judgment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.judgments[id]
	if !ok {
		return model.Judgment{}, storage.ErrNotFound
	}
	return copyJudgment(j), nil
}

// judgmentsNewestFirst snapshots all judgments ordered by CreatedAt
// descending, ID as tiebreak for stable ordering.
func (s *Store) judgmentsNewestFirst() []model.Judgment {
	out := make([]model.Judgment, 0, len(s.judgments))
	for _, j := range s.judgments {
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.After(out[b].CreatedAt)
		}
		return out[a].ID.String() > out[b].ID.String()
	})
	return out
}

func (s *Store) SearchJudgments(_ context.Context, query string, limit int) ([]model.Judgment, error) {
	needle := strings.ToLower(query)

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Judgment
	for _, j := range s.judgmentsNewestFirst() {
		if needle != "" && !strings.Contains(strings.ToLower(j.ItemContent), needle) &&
			!strings.Contains(strings.ToLower(j.ItemType), needle) {
			continue
		}
		out = append(out, copyJudgment(j))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) GetRecentJudgments(_ context.Context, limit int) ([]model.Judgment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Judgment
	for _, j := range s.judgmentsNewestFirst() {
		out = append(out, copyJudgment(j))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) CountUnlinkedJudgments(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, j := range s.judgments {
		if j.BlockSlot == nil {
			n++
		}
	}
	return n, nil
}

func (s *Store) FindOrphanedJudgments(_ context.Context) ([]model.Judgment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sealed := make(map[uuid.UUID]struct{})
	for _, b := range s.blocks {
		for _, id := range b.JudgmentIDs {
			sealed[id] = struct{}{}
		}
	}

	var out []model.Judgment
	for _, j := range s.judgments {
		if j.BlockSlot != nil {
			continue
		}
		if _, inBlock := sealed[j.ID]; inBlock {
			continue
		}
		out = append(out, copyJudgment(j))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

func (s *Store) SealBlock(_ context.Context, b model.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.blocks[b.Slot]; exists {
		return model.StorageError("block slot already sealed", nil)
	}
	// Validate every judgment exists before mutating anything.
	for _, id := range b.JudgmentIDs {
		if _, ok := s.judgments[id]; !ok {
			return storage.ErrNotFound
		}
	}

	s.blocks[b.Slot] = copyBlock(b)
	for _, id := range b.JudgmentIDs {
		j := s.judgments[id]
		slot := b.Slot
		j.BlockSlot = &slot
		s.judgments[id] = j
	}
	return nil
}

func (s *Store) GetBlockBySlot(_ context.Context, slot int64) (model.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blocks[slot]
	if !ok {
		return model.Block{}, storage.ErrNotFound
	}
	return copyBlock(b), nil
}

func (s *Store) GetHeadBlock(_ context.Context) (model.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var head model.Block
	found := false
	for _, b := range s.blocks {
		if !found || b.Slot > head.Slot {
			head = b
			found = true
		}
	}
	if !found {
		return model.Block{}, storage.ErrNotFound
	}
	return copyBlock(head), nil
}

func (s *Store) GetRecentBlocks(_ context.Context, limit int) ([]model.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Block, 0, len(s.blocks))
	for _, b := range s.blocks {
		out = append(out, copyBlock(b))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Slot > out[b].Slot })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) RelinkJudgments(_ context.Context, slot int64, ids []uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := 0
	for _, id := range ids {
		j, ok := s.judgments[id]
		if !ok || j.BlockSlot != nil {
			continue
		}
		sl := slot
		j.BlockSlot = &sl
		s.judgments[id] = j
		changed++
	}
	return changed, nil
}

func (s *Store) StoreFeedback(_ context.Context, f model.Feedback) (model.Feedback, error) {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.judgments[f.JudgmentID]; !ok {
		return model.Feedback{}, storage.ErrNotFound
	}
	s.feedback[f.JudgmentID] = append(s.feedback[f.JudgmentID], f)
	return f, nil
}

func (s *Store) GetFeedbackFor(_ context.Context, judgmentID uuid.UUID) ([]model.Feedback, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.feedback[judgmentID]), nil
}

func (s *Store) StoreKnowledge(_ context.Context, d model.Digest) (model.Digest, error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.knowledge = append(s.knowledge, copyDigest(d))
	return copyDigest(d), nil
}

func (s *Store) GetKnowledge(_ context.Context, id uuid.UUID) (model.Digest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.knowledge {
		if s.knowledge[i].ID == id {
			return copyDigest(s.knowledge[i]), nil
		}
	}
	return model.Digest{}, storage.ErrNotFound
}

func (s *Store) SearchKnowledge(_ context.Context, query string, limit int) ([]model.Digest, error) {
	needle := strings.ToLower(query)

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Digest
	for i := len(s.knowledge) - 1; i >= 0; i-- {
		d := s.knowledge[i]
		if needle != "" && !strings.Contains(strings.ToLower(d.Content), needle) &&
			!strings.Contains(strings.ToLower(d.Source), needle) {
			continue
		}
		out = append(out, copyDigest(d))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) UpsertTrigger(_ context.Context, t model.Trigger) (model.Trigger, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers[t.ID] = t
	return t, nil
}

func (s *Store) ListTriggers(_ context.Context) ([]model.Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Trigger, 0, len(s.triggers))
	for _, t := range s.triggers {
		out = append(out, t)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Priority != out[b].Priority {
			return out[a].Priority > out[b].Priority
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out, nil
}

func (s *Store) DeleteTrigger(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.triggers[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.triggers, id)
	return nil
}

func (s *Store) SetTriggerEnabled(_ context.Context, id uuid.UUID, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.triggers[id]
	if !ok {
		return storage.ErrNotFound
	}
	t.Enabled = enabled
	s.triggers[id] = t
	return nil
}

func (s *Store) LoadLearningState(_ context.Context) (model.LearningState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.learning == nil {
		return model.LearningState{}, storage.ErrNotFound
	}
	return s.learning.Clone(), nil
}

func (s *Store) SaveLearningState(_ context.Context, st model.LearningState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := st.Clone()
	s.learning = &snap
	return nil
}

func (s *Store) ResetAll(_ context.Context, confirmationToken string) error {
	if err := storage.VerifyResetToken(confirmationToken); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.judgments = make(map[uuid.UUID]model.Judgment)
	s.blocks = make(map[int64]model.Block)
	s.feedback = make(map[uuid.UUID][]model.Feedback)
	s.knowledge = nil
	s.triggers = make(map[uuid.UUID]model.Trigger)
	s.learning = nil
	return nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Backend() string { return "memory" }

func (s *Store) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
