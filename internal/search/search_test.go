package search

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/arbiter-ai/arbiter/internal/bus"
	"github.com/arbiter-ai/arbiter/internal/embedding"
	"github.com/arbiter-ai/arbiter/internal/model"
	"github.com/arbiter-ai/arbiter/internal/storage/memory"
	"github.com/arbiter-ai/arbiter/internal/testutil"
)

// fakeIndex is an in-memory VectorIndex for tests.
type fakeIndex struct {
	mu      sync.Mutex
	points  map[uuid.UUID]Point
	results []Result
	healthy bool
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{points: map[uuid.UUID]Point{}, healthy: true}
}

func (f *fakeIndex) Upsert(_ context.Context, points []Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range points {
		f.points[p.ID] = p
	}
	return nil
}

func (f *fakeIndex) Query(_ context.Context, _ []float32, _ Filters, _ int) ([]Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Result(nil), f.results...), nil
}

func (f *fakeIndex) DeleteByIDs(_ context.Context, ids []uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.points, id)
	}
	return nil
}

func (f *fakeIndex) Healthy(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.healthy {
		return context.DeadlineExceeded
	}
	return nil
}

func (f *fakeIndex) Close() error { return nil }

func (f *fakeIndex) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.points)
}

func storeJudgment(t *testing.T, store *memory.Store, content string, qScore int) model.Judgment {
	t.Helper()
	j, err := store.StoreJudgment(context.Background(), model.Judgment{
		ItemType:    "claim",
		ItemContent: content,
		QScore:      qScore,
		Verdict:     model.VerdictAccept,
	})
	if err != nil {
		t.Fatalf("StoreJudgment: %v", err)
	}
	return j
}

func TestSearchValidation(t *testing.T) {
	svc := NewService(memory.New(), nil, nil, testutil.TestLogger())

	_, err := svc.Search(context.Background(), Request{Query: "  "})
	if model.KindOf(err) != model.KindInvalidInput {
		t.Fatalf("empty query kind = %s", model.KindOf(err))
	}

	_, err = svc.Search(context.Background(), Request{Query: "x", Type: "blocks"})
	if model.KindOf(err) != model.KindInvalidInput {
		t.Fatalf("bad type kind = %s", model.KindOf(err))
	}
}

func TestTextFallbackWithoutIndex(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	storeJudgment(t, store, "the cache stampede recurred", 70)
	if _, err := store.StoreKnowledge(ctx, model.Digest{
		Type: "text", Content: "cache stampede postmortem",
	}); err != nil {
		t.Fatalf("StoreKnowledge: %v", err)
	}

	svc := NewService(store, nil, nil, testutil.TestLogger())
	resp, err := svc.Search(ctx, Request{Query: "stampede"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if resp.Mode != "text" {
		t.Fatalf("mode = %q", resp.Mode)
	}
	if resp.Total != 2 {
		t.Fatalf("total = %d, results %+v", resp.Total, resp.Results)
	}

	resp, err = svc.Search(ctx, Request{Query: "stampede", Type: "knowledge"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if resp.Total != 1 || resp.Results[0].Digest == nil {
		t.Fatalf("knowledge-only results = %+v", resp.Results)
	}
}

func TestVectorPathHydratesAndSkipsDeleted(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	j := storeJudgment(t, store, "vector hit", 80)

	idx := newFakeIndex()
	idx.results = []Result{
		{ID: j.ID, Kind: KindJudgment, Score: 0.9},
		{ID: uuid.New(), Kind: KindJudgment, Score: 0.8}, // deleted between index and store
	}

	svc := NewService(store, embedding.NewNoopProvider(8), idx, testutil.TestLogger())
	resp, err := svc.Search(ctx, Request{Query: "vector"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if resp.Mode != "vector" {
		t.Fatalf("mode = %q", resp.Mode)
	}
	if resp.Total != 1 || resp.Results[0].Judgment == nil || resp.Results[0].Judgment.ID != j.ID {
		t.Fatalf("results = %+v", resp.Results)
	}
}

func TestUnhealthyIndexFallsBackToText(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	storeJudgment(t, store, "fallback target", 70)

	idx := newFakeIndex()
	idx.healthy = false

	svc := NewService(store, embedding.NewNoopProvider(8), idx, testutil.TestLogger())
	resp, err := svc.Search(ctx, Request{Query: "fallback"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if resp.Mode != "text" || resp.Total != 1 {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestReScorePrefersQualityAndRecency(t *testing.T) {
	now := time.Now().UTC()
	strong := model.Judgment{ID: uuid.New(), QScore: 90, CreatedAt: now}
	weak := model.Judgment{ID: uuid.New(), QScore: 10, CreatedAt: now}
	stale := model.Judgment{ID: uuid.New(), QScore: 90, CreatedAt: now.AddDate(-1, 0, 0)}

	hits := ReScore([]Hit{
		{Kind: KindJudgment, Score: 0.8, Judgment: &weak},
		{Kind: KindJudgment, Score: 0.8, Judgment: &stale},
		{Kind: KindJudgment, Score: 0.8, Judgment: &strong},
	}, 2)

	if len(hits) != 2 {
		t.Fatalf("len = %d", len(hits))
	}
	if hits[0].Judgment.ID != strong.ID {
		t.Fatalf("expected strong recent judgment first, got %+v", hits[0].Judgment)
	}
}

func TestIndexerFeedsIndexFromBusEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := memory.New()
	eventBus := bus.New(16, testutil.TestLogger())
	idx := newFakeIndex()

	ix := NewIndexer(store, embedding.NewNoopProvider(8), idx, eventBus, IndexerOptions{
		BatchSize:     2,
		FlushInterval: 20 * time.Millisecond,
		Logger:        testutil.TestLogger(),
	})
	go ix.Run(ctx)

	j := storeJudgment(t, store, "indexable judgment", 75)
	d, err := store.StoreKnowledge(ctx, model.Digest{Type: "text", Content: "indexable digest"})
	if err != nil {
		t.Fatalf("StoreKnowledge: %v", err)
	}

	eventBus.Publish(bus.TopicJudgment, map[string]any{"id": j.ID.String()})
	eventBus.Publish(bus.TopicPattern, map[string]any{"kind": "digest", "id": d.ID.String()})
	// Non-digest pattern events are ignored.
	eventBus.Publish(bus.TopicPattern, map[string]any{"kind": "learning-biases"})

	deadline := time.Now().Add(2 * time.Second)
	for idx.count() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("index has %d points, want 2", idx.count())
		}
		time.Sleep(10 * time.Millisecond)
	}

	idx.mu.Lock()
	jp, ok := idx.points[j.ID]
	idx.mu.Unlock()
	if !ok || jp.Kind != KindJudgment || jp.QScore != 75 {
		t.Fatalf("judgment point = %+v", jp)
	}
}
