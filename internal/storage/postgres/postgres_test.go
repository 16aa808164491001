package postgres_test

import (
	"context"
	"errors"
	"flag"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiter-ai/arbiter/internal/model"
	"github.com/arbiter-ai/arbiter/internal/storage"
	"github.com/arbiter-ai/arbiter/internal/storage/postgres"
	"github.com/arbiter-ai/arbiter/internal/testutil"
)

// testStore is shared across all tests in this package; each test uses
// distinct IDs so they do not interfere.
var testStore *postgres.Store

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}

	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testStore, err = tc.NewTestStore(context.Background(), testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		panic(err)
	}
	code := m.Run()
	testStore.Close(context.Background())
	tc.Terminate()
	os.Exit(code)
}

func requireStore(t *testing.T) {
	t.Helper()
	if testStore == nil {
		t.Skip("integration store not available in -short mode")
	}
}

func newJudgment(content string) model.Judgment {
	return model.Judgment{
		ItemType:        "code",
		ItemContent:     content,
		DimensionScores: map[string]float64{"verification": 0.7},
		AxiomScores:     map[string]float64{"veracity": 0.7},
		QScore:          70,
		Verdict:         model.VerdictAccept,
		Confidence:      0.5,
	}
}

func TestJudgmentLifecycle(t *testing.T) {
	requireStore(t)
	ctx := context.Background()

	j, err := testStore.StoreJudgment(ctx, newJudgment("postgres lifecycle judgment"))
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, j.ID)

	got, err := testStore.GetJudgment(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, "postgres lifecycle judgment", got.ItemContent)
	assert.Equal(t, 0.7, got.DimensionScores["verification"])
	assert.Nil(t, got.BlockSlot)

	_, err = testStore.GetJudgment(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, testStore.SetJudgmentBlockSlot(ctx, j.ID, 42))
	got, err = testStore.GetJudgment(ctx, j.ID)
	require.NoError(t, err)
	require.NotNil(t, got.BlockSlot)
	assert.Equal(t, int64(42), *got.BlockSlot)
}

func TestSealBlockTransactional(t *testing.T) {
	requireStore(t)
	ctx := context.Background()

	j1, err := testStore.StoreJudgment(ctx, newJudgment("seal target one"))
	require.NoError(t, err)
	j2, err := testStore.StoreJudgment(ctx, newJudgment("seal target two"))
	require.NoError(t, err)

	// Unknown judgment: the whole seal rolls back.
	bad := model.Block{
		Slot: 9101, PrevHash: model.ZeroHash, MerkleRoot: "m", Hash: "h",
		JudgmentIDs: []uuid.UUID{j1.ID, uuid.New()},
		CreatedAt:   time.Now().UTC(),
	}
	err = testStore.SealBlock(ctx, bad)
	require.Error(t, err)
	_, err = testStore.GetBlockBySlot(ctx, 9101)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	good := bad
	good.JudgmentIDs = []uuid.UUID{j1.ID, j2.ID}
	require.NoError(t, testStore.SealBlock(ctx, good))

	got, err := testStore.GetBlockBySlot(ctx, 9101)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{j1.ID, j2.ID}, got.JudgmentIDs)

	sealed, err := testStore.GetJudgment(ctx, j1.ID)
	require.NoError(t, err)
	require.NotNil(t, sealed.BlockSlot)
	assert.Equal(t, int64(9101), *sealed.BlockSlot)

	// Duplicate slot violates the primary key.
	assert.Error(t, testStore.SealBlock(ctx, good))
}

func TestSearchJudgments(t *testing.T) {
	requireStore(t)
	ctx := context.Background()

	_, err := testStore.StoreJudgment(ctx, newJudgment("the scheduler starves low priority work"))
	require.NoError(t, err)

	hits, err := testStore.SearchJudgments(ctx, "scheduler starves", 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Contains(t, hits[0].ItemContent, "scheduler")
}

func TestFeedbackForeignKey(t *testing.T) {
	requireStore(t)
	ctx := context.Background()

	_, err := testStore.StoreFeedback(ctx, model.Feedback{
		JudgmentID: uuid.New(), Outcome: model.OutcomeCorrect,
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	j, err := testStore.StoreJudgment(ctx, newJudgment("feedback target"))
	require.NoError(t, err)

	f, err := testStore.StoreFeedback(ctx, model.Feedback{
		JudgmentID: j.ID, Outcome: model.OutcomePartial,
	})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, f.ID)

	list, err := testStore.GetFeedbackFor(ctx, j.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, model.OutcomePartial, list[0].Outcome)
}

func TestKnowledgeSearch(t *testing.T) {
	requireStore(t)
	ctx := context.Background()

	d, err := testStore.StoreKnowledge(ctx, model.Digest{
		Source:   "incident-review",
		Type:     "text",
		Content:  "thundering herd on cache expiry",
		Patterns: []string{"cache-stampede"},
		Metadata: map[string]any{"severity": "high"},
	})
	require.NoError(t, err)

	hits, err := testStore.SearchKnowledge(ctx, "thundering herd", 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, d.ID, hits[0].ID)
	assert.Equal(t, []string{"cache-stampede"}, hits[0].Patterns)
}

func TestTriggerPersistence(t *testing.T) {
	requireStore(t)
	ctx := context.Background()

	tr, err := testStore.UpsertTrigger(ctx, model.Trigger{
		Name: "reject-review",
		Type: model.TriggerThreshold,
		Condition: model.Condition{
			Topic: "judgment", Field: "q_score", Op: "lt", Value: 38,
		},
		Action:   model.ActionReview,
		Enabled:  true,
		Priority: 7,
	})
	require.NoError(t, err)

	tr.Priority = 9
	_, err = testStore.UpsertTrigger(ctx, tr)
	require.NoError(t, err)

	list, err := testStore.ListTriggers(ctx)
	require.NoError(t, err)

	var found *model.Trigger
	for i := range list {
		if list[i].ID == tr.ID {
			found = &list[i]
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, 9, found.Priority)
	assert.Equal(t, "lt", found.Condition.Op)

	require.NoError(t, testStore.SetTriggerEnabled(ctx, tr.ID, false))
	require.NoError(t, testStore.DeleteTrigger(ctx, tr.ID))
	assert.ErrorIs(t, testStore.DeleteTrigger(ctx, tr.ID), storage.ErrNotFound)
}

func TestLearningStateRoundTrip(t *testing.T) {
	requireStore(t)
	ctx := context.Background()

	st := model.NewLearningState()
	st.WeightModifiers["depth"] = 0.12
	st.FeedbackCount = 4
	require.NoError(t, testStore.SaveLearningState(ctx, st))

	st.FeedbackCount = 5
	require.NoError(t, testStore.SaveLearningState(ctx, st))

	got, err := testStore.LoadLearningState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, got.FeedbackCount)
	assert.Equal(t, 0.12, got.WeightModifiers["depth"])
}

func TestVectorSimilarity(t *testing.T) {
	requireStore(t)
	ctx := context.Background()

	j, err := testStore.StoreJudgment(ctx, newJudgment("vector similarity target"))
	require.NoError(t, err)

	emb := make([]float32, 768)
	emb[0] = 1
	require.NoError(t, testStore.SetJudgmentEmbedding(ctx, j.ID, emb))

	hits, err := testStore.SimilarJudgments(ctx, emb, 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, j.ID, hits[0].ID)
}

func TestErrNotFoundDistinguishable(t *testing.T) {
	requireStore(t)
	ctx := context.Background()

	_, err := testStore.GetBlockBySlot(ctx, -1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}
