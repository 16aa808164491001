package tools_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arbiter-ai/arbiter/internal/bus"
	"github.com/arbiter-ai/arbiter/internal/chain"
	"github.com/arbiter-ai/arbiter/internal/digest"
	"github.com/arbiter-ai/arbiter/internal/judge"
	"github.com/arbiter-ai/arbiter/internal/learning"
	"github.com/arbiter-ai/arbiter/internal/model"
	"github.com/arbiter-ai/arbiter/internal/pipeline"
	"github.com/arbiter-ai/arbiter/internal/search"
	"github.com/arbiter-ai/arbiter/internal/storage/memory"
	"github.com/arbiter-ai/arbiter/internal/testutil"
	"github.com/arbiter-ai/arbiter/internal/tools"
	"github.com/arbiter-ai/arbiter/internal/trigger"
)

// newRegistry wires a full service stack over the in-memory store.
func newRegistry(t *testing.T) (*tools.Registry, *memory.Store) {
	t.Helper()
	ctx := context.Background()
	logger := testutil.TestLogger()

	store := memory.New()
	eventBus := bus.New(16, logger)

	cm := chain.New(store, eventBus, chain.Options{
		BatchSize:     100,
		FlushInterval: time.Hour,
		Logger:        logger,
	})
	require.NoError(t, cm.Init(ctx))
	t.Cleanup(func() { _ = cm.Close(context.Background()) })

	loop := learning.New(store, eventBus, learning.Options{Logger: logger})
	require.NoError(t, loop.Init(ctx))

	pipe := pipeline.New(judge.New(judge.Config{}), store, cm, eventBus, loop, logger)

	eng := trigger.New(store, eventBus, trigger.Options{Logger: logger})
	require.NoError(t, eng.Load(ctx))

	reg := tools.New(tools.Deps{
		Pipeline: pipe,
		Digester: digest.New(store, eventBus, logger),
		Search:   search.NewService(store, nil, nil, logger),
		Learning: loop,
		Triggers: eng,
		Chain:    cm,
		Store:    store,
		Logger:   logger,
	})
	return reg, store
}

func call(t *testing.T, reg *tools.Registry, name, args string) any {
	t.Helper()
	result, err := reg.Call(context.Background(), name, json.RawMessage(args))
	require.NoError(t, err)
	return result
}

func callErr(t *testing.T, reg *tools.Registry, name, args string) error {
	t.Helper()
	_, err := reg.Call(context.Background(), name, json.RawMessage(args))
	require.Error(t, err)
	return err
}

func TestListDescribesAllTools(t *testing.T) {
	reg, _ := newRegistry(t)

	list := reg.List()
	names := make(map[string]bool, len(list))
	for _, info := range list {
		names[info.Name] = true
		require.NotEmpty(t, info.Description, "tool %s has no description", info.Name)
		require.NotNil(t, info.InputSchema, "tool %s has no schema", info.Name)
	}
	for _, want := range []string{"judge", "digest", "search", "feedback", "chain", "trigger", "learning"} {
		require.True(t, names[want], "missing tool %s", want)
	}
	require.Len(t, list, 7)
}

func TestJudgeThenFlushSealsBlock(t *testing.T) {
	reg, _ := newRegistry(t)

	res := call(t, reg, "judge", `{"item":{"type":"note","content":"hello world"}}`)
	jr, ok := res.(pipeline.Result)
	require.True(t, ok, "judge result type %T", res)
	require.GreaterOrEqual(t, jr.QScore, 0)
	require.LessOrEqual(t, jr.QScore, 100)
	require.LessOrEqual(t, jr.Confidence, 0.618)

	flushed := call(t, reg, "chain", `{"action":"flush"}`).(map[string]any)
	require.NotNil(t, flushed["block"])

	head := call(t, reg, "chain", `{"action":"head"}`).(model.Block)
	require.Equal(t, int64(1), head.Slot)
	require.Equal(t, []string{jr.ID.String()}, func() []string {
		ids := make([]string, len(head.JudgmentIDs))
		for i, id := range head.JudgmentIDs {
			ids[i] = id.String()
		}
		return ids
	}())

	status := call(t, reg, "chain", `{"action":"status"}`).(chain.Status)
	require.True(t, status.Initialized)
	require.Equal(t, int64(1), status.HeadSlot)
	require.Zero(t, status.Pending)
}

func TestChainExportVerifyAndBlockLookup(t *testing.T) {
	reg, _ := newRegistry(t)

	call(t, reg, "judge", `{"item":{"type":"note","content":"first"}}`)
	call(t, reg, "chain", `{"action":"flush"}`)

	export := call(t, reg, "chain", `{"action":"export"}`).(map[string]any)
	require.Equal(t, 2, export["count"]) // genesis + one sealed block
	require.Equal(t, int64(1), export["head_slot"])

	verify := call(t, reg, "chain", `{"action":"verify"}`).(chain.VerifyResult)
	require.True(t, verify.Valid)
	require.Equal(t, 2, verify.BlocksChecked)

	genesis := call(t, reg, "chain", `{"action":"block","slot":0}`).(model.Block)
	require.Equal(t, model.ZeroHash, genesis.PrevHash)

	err := callErr(t, reg, "chain", `{"action":"block","slot":99}`)
	require.Equal(t, model.KindNotFound, model.KindOf(err))
}

func TestFeedbackFlowsIntoLearning(t *testing.T) {
	reg, _ := newRegistry(t)

	jr := call(t, reg, "judge", `{"item":{"type":"note","content":"claim under test"}}`).(pipeline.Result)

	out := call(t, reg, "feedback",
		fmt.Sprintf(`{"judgment_id":%q,"outcome":"incorrect","reason":"observed failure"}`, jr.ID)).(map[string]any)
	require.NotNil(t, out["id"])
	require.Equal(t, 1, out["backlog"])
	require.Equal(t, false, out["calibrated"])

	state := call(t, reg, "learning", `{"action":"state"}`).(model.LearningState)
	require.Equal(t, 1, state.FeedbackCount)

	biases := call(t, reg, "learning", `{"action":"biases"}`).(map[string]any)
	require.Equal(t, 0, biases["count"])
}

func TestFeedbackValidation(t *testing.T) {
	reg, _ := newRegistry(t)

	err := callErr(t, reg, "feedback", `{"judgment_id":"not-a-uuid","outcome":"correct"}`)
	require.Equal(t, model.KindInvalidInput, model.KindOf(err))

	err = callErr(t, reg, "feedback",
		`{"judgment_id":"00000000-0000-0000-0000-000000000001","outcome":"correct"}`)
	require.Equal(t, model.KindNotFound, model.KindOf(err))
}

func TestTriggerLifecycle(t *testing.T) {
	reg, _ := newRegistry(t)

	created := call(t, reg, "trigger", `{
		"action": "register",
		"trigger": {
			"name": "low-score-alert",
			"type": "threshold",
			"condition": {"topic": "judgment", "field": "q_score", "op": "lt", "value": 38},
			"action": "alert",
			"enabled": true
		}
	}`).(model.Trigger)
	require.Equal(t, "low-score-alert", created.Name)
	require.NotEqual(t, "00000000-0000-0000-0000-000000000000", created.ID.String())

	list := call(t, reg, "trigger", `{"action":"list"}`).(map[string]any)
	require.Equal(t, 1, list["count"])

	call(t, reg, "trigger", fmt.Sprintf(`{"action":"disable","id":%q}`, created.ID))
	call(t, reg, "trigger", fmt.Sprintf(`{"action":"enable","id":%q}`, created.ID))

	processed := call(t, reg, "trigger",
		`{"action":"process","event":{"topic":"judgment","payload":{"q_score":10}}}`).(map[string]any)
	require.Equal(t, true, processed["processed"])

	call(t, reg, "trigger", fmt.Sprintf(`{"action":"unregister","id":%q}`, created.ID))
	err := callErr(t, reg, "trigger", fmt.Sprintf(`{"action":"unregister","id":%q}`, created.ID))
	require.Equal(t, model.KindNotFound, model.KindOf(err))
}

func TestDigestAndSearchTools(t *testing.T) {
	reg, _ := newRegistry(t)

	res := call(t, reg, "digest",
		`{"content":"deploy failed with timeout error, see https://ci.example.com/run/1","source":"ci"}`).(digest.Result)
	require.Contains(t, res.Patterns, "url")
	require.Contains(t, res.Patterns, "error-report")

	found := call(t, reg, "search", `{"query":"timeout","type":"knowledge"}`).(search.Response)
	require.Equal(t, 1, found.Total)
	require.Equal(t, "text", found.Mode)
}

func TestUnknownToolsAndActions(t *testing.T) {
	reg, _ := newRegistry(t)

	err := callErr(t, reg, "nonexistent", `{}`)
	require.Equal(t, model.KindNotFound, model.KindOf(err))

	err = callErr(t, reg, "chain", `{"action":"explode"}`)
	require.Equal(t, model.KindInvalidInput, model.KindOf(err))

	err = callErr(t, reg, "learning", `{"action":"explode"}`)
	require.Equal(t, model.KindInvalidInput, model.KindOf(err))

	err = callErr(t, reg, "trigger", `{"action":"enable","id":"garbage"}`)
	require.Equal(t, model.KindInvalidInput, model.KindOf(err))

	err = callErr(t, reg, "digest", `{"content":"   "}`)
	require.Equal(t, model.KindInvalidInput, model.KindOf(err))

	err = callErr(t, reg, "judge", `{not json`)
	require.Equal(t, model.KindInvalidInput, model.KindOf(err))
}

func TestChainResetRequiresExactToken(t *testing.T) {
	reg, _ := newRegistry(t)

	call(t, reg, "judge", `{"item":{"type":"note","content":"doomed"}}`)
	call(t, reg, "chain", `{"action":"flush"}`)

	err := callErr(t, reg, "chain", `{"action":"reset","confirm":"please"}`)
	require.Equal(t, model.KindInvalidInput, model.KindOf(err))

	out := call(t, reg, "chain", `{"action":"reset","confirm":"BURN_IT_ALL"}`).(map[string]any)
	require.Equal(t, true, out["reset"])

	head := call(t, reg, "chain", `{"action":"head"}`).(model.Block)
	require.Equal(t, int64(0), head.Slot)
}
