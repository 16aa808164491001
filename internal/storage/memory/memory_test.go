package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/arbiter-ai/arbiter/internal/model"
	"github.com/arbiter-ai/arbiter/internal/storage"
)

func storeJudgment(t *testing.T, s *Store, content string) model.Judgment {
	t.Helper()
	j, err := s.StoreJudgment(context.Background(), model.Judgment{
		ItemType:    "code",
		ItemContent: content,
		QScore:      70,
		Verdict:     model.VerdictAccept,
	})
	if err != nil {
		t.Fatalf("StoreJudgment: %v", err)
	}
	return j
}

func TestStoreJudgmentAssignsIDAndTimestamp(t *testing.T) {
	s := New()
	j := storeJudgment(t, s, "some content")

	if j.ID == uuid.Nil {
		t.Fatal("expected a generated ID")
	}
	if j.CreatedAt.IsZero() {
		t.Fatal("expected a generated CreatedAt")
	}

	got, err := s.GetJudgment(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("GetJudgment: %v", err)
	}
	if got.ItemContent != "some content" {
		t.Fatalf("round-trip content = %q", got.ItemContent)
	}
	if got.BlockSlot != nil {
		t.Fatal("fresh judgment should be unlinked")
	}
}

func TestGetJudgmentNotFound(t *testing.T) {
	s := New()
	_, err := s.GetJudgment(context.Background(), uuid.New())
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSealBlockIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := New()
	j1 := storeJudgment(t, s, "first")
	j2 := storeJudgment(t, s, "second")

	// One unknown ID: nothing must change.
	bad := model.Block{
		Slot:        1,
		PrevHash:    model.ZeroHash,
		JudgmentIDs: []uuid.UUID{j1.ID, uuid.New()},
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.SealBlock(ctx, bad); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("SealBlock with unknown judgment: err = %v", err)
	}
	if n, _ := s.CountUnlinkedJudgments(ctx); n != 2 {
		t.Fatalf("unlinked count after failed seal = %d, want 2", n)
	}
	if _, err := s.GetBlockBySlot(ctx, 1); !errors.Is(err, storage.ErrNotFound) {
		t.Fatal("failed seal must not store the block")
	}

	good := model.Block{
		Slot:        1,
		PrevHash:    model.ZeroHash,
		JudgmentIDs: []uuid.UUID{j1.ID, j2.ID},
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.SealBlock(ctx, good); err != nil {
		t.Fatalf("SealBlock: %v", err)
	}

	if n, _ := s.CountUnlinkedJudgments(ctx); n != 0 {
		t.Fatalf("unlinked count after seal = %d, want 0", n)
	}
	got, err := s.GetJudgment(ctx, j1.ID)
	if err != nil {
		t.Fatalf("GetJudgment: %v", err)
	}
	if got.BlockSlot == nil || *got.BlockSlot != 1 {
		t.Fatalf("judgment block slot = %v, want 1", got.BlockSlot)
	}

	// Re-sealing the same slot is rejected.
	if err := s.SealBlock(ctx, good); err == nil {
		t.Fatal("sealing the same slot twice should fail")
	}
}

func TestHeadBlock(t *testing.T) {
	ctx := context.Background()
	s := New()

	if _, err := s.GetHeadBlock(ctx); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("empty chain head: err = %v, want ErrNotFound", err)
	}

	for slot := int64(0); slot < 3; slot++ {
		b := model.Block{Slot: slot, PrevHash: model.ZeroHash, CreatedAt: time.Now().UTC()}
		if err := s.SealBlock(ctx, b); err != nil {
			t.Fatalf("SealBlock slot %d: %v", slot, err)
		}
	}

	head, err := s.GetHeadBlock(ctx)
	if err != nil {
		t.Fatalf("GetHeadBlock: %v", err)
	}
	if head.Slot != 2 {
		t.Fatalf("head slot = %d, want 2", head.Slot)
	}

	recent, err := s.GetRecentBlocks(ctx, 2)
	if err != nil {
		t.Fatalf("GetRecentBlocks: %v", err)
	}
	if len(recent) != 2 || recent[0].Slot != 2 || recent[1].Slot != 1 {
		t.Fatalf("recent blocks = %+v", recent)
	}
}

func TestFindOrphanedAndRelink(t *testing.T) {
	ctx := context.Background()
	s := New()
	j := storeJudgment(t, s, "orphan candidate")

	// Seal a block naming j, then clear its slot to simulate a judgment
	// whose linkage was lost.
	b := model.Block{Slot: 5, PrevHash: model.ZeroHash, JudgmentIDs: []uuid.UUID{j.ID}, CreatedAt: time.Now().UTC()}
	if err := s.SealBlock(ctx, b); err != nil {
		t.Fatalf("SealBlock: %v", err)
	}
	s.mu.Lock()
	stored := s.judgments[j.ID]
	stored.BlockSlot = nil
	s.judgments[j.ID] = stored
	s.mu.Unlock()

	// The judgment is unlinked but appears in a block, so it is not orphaned.
	orphans, err := s.FindOrphanedJudgments(ctx)
	if err != nil {
		t.Fatalf("FindOrphanedJudgments: %v", err)
	}
	if len(orphans) != 0 {
		t.Fatalf("orphans = %d, want 0 (judgment is in a block)", len(orphans))
	}

	n, err := s.RelinkJudgments(ctx, 5, []uuid.UUID{j.ID})
	if err != nil {
		t.Fatalf("RelinkJudgments: %v", err)
	}
	if n != 1 {
		t.Fatalf("relinked = %d, want 1", n)
	}
	// Idempotent: already linked, nothing changes.
	if n, _ := s.RelinkJudgments(ctx, 5, []uuid.UUID{j.ID}); n != 0 {
		t.Fatalf("second relink changed %d rows, want 0", n)
	}

	// A judgment in no block at all is orphaned.
	loose := storeJudgment(t, s, "truly orphaned")
	orphans, _ = s.FindOrphanedJudgments(ctx)
	if len(orphans) != 1 || orphans[0].ID != loose.ID {
		t.Fatalf("orphans = %+v, want just the loose judgment", orphans)
	}
}

func TestFeedbackRequiresExistingJudgment(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.StoreFeedback(ctx, model.Feedback{JudgmentID: uuid.New(), Outcome: model.OutcomeCorrect})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("feedback for unknown judgment: err = %v", err)
	}

	j := storeJudgment(t, s, "judged")
	f, err := s.StoreFeedback(ctx, model.Feedback{JudgmentID: j.ID, Outcome: model.OutcomeIncorrect})
	if err != nil {
		t.Fatalf("StoreFeedback: %v", err)
	}
	if f.ID == uuid.Nil {
		t.Fatal("expected generated feedback ID")
	}

	list, err := s.GetFeedbackFor(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetFeedbackFor: %v", err)
	}
	if len(list) != 1 || list[0].Outcome != model.OutcomeIncorrect {
		t.Fatalf("feedback list = %+v", list)
	}
}

func TestSearchJudgments(t *testing.T) {
	ctx := context.Background()
	s := New()
	storeJudgment(t, s, "the parser rejects malformed headers")
	storeJudgment(t, s, "cache invalidation strategy")

	hits, err := s.SearchJudgments(ctx, "PARSER", 10)
	if err != nil {
		t.Fatalf("SearchJudgments: %v", err)
	}
	if len(hits) != 1 || hits[0].ItemContent != "the parser rejects malformed headers" {
		t.Fatalf("hits = %+v", hits)
	}
}

func TestKnowledgeSearch(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.StoreKnowledge(ctx, model.Digest{Type: "text", Content: "retry with backoff on 503"})
	if err != nil {
		t.Fatalf("StoreKnowledge: %v", err)
	}
	_, err = s.StoreKnowledge(ctx, model.Digest{Type: "text", Content: "unrelated note"})
	if err != nil {
		t.Fatalf("StoreKnowledge: %v", err)
	}

	hits, err := s.SearchKnowledge(ctx, "backoff", 10)
	if err != nil {
		t.Fatalf("SearchKnowledge: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("hits = %d, want 1", len(hits))
	}
}

func TestTriggerLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()

	tr, err := s.UpsertTrigger(ctx, model.Trigger{
		Name:     "low-score-alert",
		Type:     model.TriggerThreshold,
		Action:   model.ActionAlert,
		Enabled:  true,
		Priority: 5,
	})
	if err != nil {
		t.Fatalf("UpsertTrigger: %v", err)
	}
	_, err = s.UpsertTrigger(ctx, model.Trigger{Name: "audit-log", Type: model.TriggerEvent, Action: model.ActionLog, Priority: 1})
	if err != nil {
		t.Fatalf("UpsertTrigger: %v", err)
	}

	list, err := s.ListTriggers(ctx)
	if err != nil {
		t.Fatalf("ListTriggers: %v", err)
	}
	if len(list) != 2 || list[0].Name != "low-score-alert" {
		t.Fatalf("triggers not ordered by priority: %+v", list)
	}

	if err := s.SetTriggerEnabled(ctx, tr.ID, false); err != nil {
		t.Fatalf("SetTriggerEnabled: %v", err)
	}
	list, _ = s.ListTriggers(ctx)
	if list[0].Enabled {
		t.Fatal("trigger should be disabled")
	}

	if err := s.DeleteTrigger(ctx, tr.ID); err != nil {
		t.Fatalf("DeleteTrigger: %v", err)
	}
	if err := s.DeleteTrigger(ctx, tr.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("double delete err = %v, want ErrNotFound", err)
	}
}

func TestLearningStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New()

	if _, err := s.LoadLearningState(ctx); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("empty state err = %v, want ErrNotFound", err)
	}

	st := model.NewLearningState()
	st.WeightModifiers["verification"] = 0.1
	st.FeedbackCount = 3
	if err := s.SaveLearningState(ctx, st); err != nil {
		t.Fatalf("SaveLearningState: %v", err)
	}

	got, err := s.LoadLearningState(ctx)
	if err != nil {
		t.Fatalf("LoadLearningState: %v", err)
	}
	if got.FeedbackCount != 3 || got.WeightModifiers["verification"] != 0.1 {
		t.Fatalf("round-trip state = %+v", got)
	}

	// The stored snapshot must not alias the caller's maps.
	st.WeightModifiers["verification"] = -0.2
	got, _ = s.LoadLearningState(ctx)
	if got.WeightModifiers["verification"] != 0.1 {
		t.Fatal("stored state aliases the caller's map")
	}
}

func TestResetAllRequiresToken(t *testing.T) {
	ctx := context.Background()
	s := New()
	j := storeJudgment(t, s, "to be destroyed")

	if err := s.ResetAll(ctx, "please"); !errors.Is(err, storage.ErrBadResetToken) {
		t.Fatalf("wrong token err = %v", err)
	}
	if _, err := s.GetJudgment(ctx, j.ID); err != nil {
		t.Fatal("wrong token must not destroy data")
	}

	if err := s.ResetAll(ctx, storage.ResetConfirmationToken); err != nil {
		t.Fatalf("ResetAll: %v", err)
	}
	if _, err := s.GetJudgment(ctx, j.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatal("reset should remove all judgments")
	}
}
