package chain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/arbiter-ai/arbiter/internal/bus"
	"github.com/arbiter-ai/arbiter/internal/integrity"
	"github.com/arbiter-ai/arbiter/internal/model"
	"github.com/arbiter-ai/arbiter/internal/storage"
	"github.com/arbiter-ai/arbiter/internal/storage/memory"
	"github.com/arbiter-ai/arbiter/internal/testutil"
)

func newManager(t *testing.T, store storage.Store) *Manager {
	t.Helper()
	m := New(store, bus.New(16, testutil.TestLogger()), Options{
		BatchSize:     100, // sealing driven explicitly by Flush in tests
		FlushInterval: time.Hour,
		MaxQueueSize:  1000,
		Logger:        testutil.TestLogger(),
	})
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { m.Close(context.Background()) })
	return m
}

func commitJudgment(t *testing.T, store storage.Store, content string) model.Judgment {
	t.Helper()
	j, err := store.StoreJudgment(context.Background(), model.Judgment{
		ItemType:    "claim",
		ItemContent: content,
		QScore:      65,
		Verdict:     model.VerdictAccept,
	})
	if err != nil {
		t.Fatalf("StoreJudgment: %v", err)
	}
	return j
}

func TestInitSealsGenesis(t *testing.T) {
	store := memory.New()
	m := newManager(t, store)

	st := m.Status()
	if !st.Initialized || st.HeadSlot != 0 {
		t.Fatalf("status after init = %+v", st)
	}

	genesis, err := store.GetBlockBySlot(context.Background(), 0)
	if err != nil {
		t.Fatalf("GetBlockBySlot(0): %v", err)
	}
	if genesis.PrevHash != model.ZeroHash || genesis.MerkleRoot != model.ZeroHash {
		t.Fatalf("genesis = %+v", genesis)
	}
	if genesis.Hash != integrity.HashOf(genesis) {
		t.Fatal("genesis hash does not match its canonical encoding")
	}
	if len(genesis.JudgmentIDs) != 0 {
		t.Fatal("genesis must seal no judgments")
	}
}

func TestInitLoadsExistingHead(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	m := newManager(t, store)

	j := commitJudgment(t, store, "existing head test")
	if err := m.AddJudgment(ctx, j.Ref()); err != nil {
		t.Fatalf("AddJudgment: %v", err)
	}
	if _, err := m.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	m.Close(ctx)

	// A fresh manager over the same store resumes at the sealed head.
	m2 := newManager(t, store)
	if got := m2.Status().HeadSlot; got != 1 {
		t.Fatalf("resumed head slot = %d, want 1", got)
	}
}

func TestFlushSealsPendingBlock(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	eventBus := bus.New(16, testutil.TestLogger())
	blockEvents := eventBus.Subscribe(bus.TopicBlock)
	defer blockEvents.Close()

	m := New(store, eventBus, Options{BatchSize: 100, FlushInterval: time.Hour, Logger: testutil.TestLogger()})
	if err := m.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer m.Close(ctx)

	j1 := commitJudgment(t, store, "first pending")
	j2 := commitJudgment(t, store, "second pending")
	for _, j := range []model.Judgment{j1, j2} {
		if err := m.AddJudgment(ctx, j.Ref()); err != nil {
			t.Fatalf("AddJudgment: %v", err)
		}
	}
	if got := m.Status().Pending; got != 2 {
		t.Fatalf("pending = %d, want 2", got)
	}

	block, err := m.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if block == nil {
		t.Fatal("expected a sealed block")
	}
	if block.Slot != 1 {
		t.Fatalf("slot = %d, want 1", block.Slot)
	}

	genesis, _ := store.GetBlockBySlot(ctx, 0)
	if block.PrevHash != genesis.Hash {
		t.Fatal("block 1 prevHash must be the genesis hash")
	}
	if block.MerkleRoot != integrity.MerkleRoot(block.JudgmentIDs) {
		t.Fatal("merkle root mismatch")
	}
	if block.Hash != integrity.HashOf(*block) {
		t.Fatal("block hash mismatch")
	}
	// Insertion order survives into the block.
	if block.JudgmentIDs[0] != j1.ID || block.JudgmentIDs[1] != j2.ID {
		t.Fatalf("judgment order = %v", block.JudgmentIDs)
	}

	sealed, _ := store.GetJudgment(ctx, j1.ID)
	if sealed.BlockSlot == nil || *sealed.BlockSlot != 1 {
		t.Fatalf("judgment block slot = %v", sealed.BlockSlot)
	}

	select {
	case ev := <-blockEvents.C():
		if ev.Payload["slot"] != int64(1) {
			t.Fatalf("block event payload = %+v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no block event published")
	}

	// Nothing pending: flush is a no-op.
	block, err = m.Flush(ctx)
	if err != nil {
		t.Fatalf("empty Flush: %v", err)
	}
	if block != nil {
		t.Fatalf("empty flush sealed %+v", block)
	}
}

func TestSlotsAreMonotonic(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	m := newManager(t, store)

	for i := range 3 {
		j := commitJudgment(t, store, "monotonic")
		if err := m.AddJudgment(ctx, j.Ref()); err != nil {
			t.Fatalf("AddJudgment: %v", err)
		}
		block, err := m.Flush(ctx)
		if err != nil {
			t.Fatalf("Flush: %v", err)
		}
		if block.Slot != int64(i+1) {
			t.Fatalf("slot = %d, want %d", block.Slot, i+1)
		}
	}

	res, err := m.VerifyIntegrity(ctx, 0)
	if err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
	if !res.Valid || res.BlocksChecked != 4 {
		t.Fatalf("verify = %+v", res)
	}
}

// failOnceStore fails the first SealBlock, then delegates.
type failOnceStore struct {
	storage.Store
	failed bool
}

func (f *failOnceStore) SealBlock(ctx context.Context, b model.Block) error {
	if !f.failed {
		f.failed = true
		return errors.New("induced seal failure")
	}
	return f.Store.SealBlock(ctx, b)
}

func TestFailedSealRequeuesBatch(t *testing.T) {
	ctx := context.Background()
	inner := memory.New()
	// Seal genesis through the raw store so the induced failure hits the
	// first judgment-bearing block.
	m := newManager(t, inner)
	store := &failOnceStore{Store: inner}
	m.store = store

	j := commitJudgment(t, inner, "survives a failed seal")
	if err := m.AddJudgment(ctx, j.Ref()); err != nil {
		t.Fatalf("AddJudgment: %v", err)
	}

	if _, err := m.Flush(ctx); err == nil {
		t.Fatal("expected induced seal failure")
	}
	if got := m.Status().Pending; got != 1 {
		t.Fatalf("pending after failed seal = %d, want 1 (requeued)", got)
	}
	if m.Status().HeadSlot != 0 {
		t.Fatal("head must not advance on a failed seal")
	}

	block, err := m.Flush(ctx)
	if err != nil {
		t.Fatalf("retry Flush: %v", err)
	}
	if block == nil || block.Slot != 1 {
		t.Fatalf("retry sealed %+v", block)
	}
}

func TestVerifyIntegrityDetectsTampering(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	m := newManager(t, store)

	j := commitJudgment(t, store, "tamper target")
	if err := m.AddJudgment(ctx, j.Ref()); err != nil {
		t.Fatalf("AddJudgment: %v", err)
	}
	if _, err := m.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	m.Close(ctx)

	// Append a block whose hash and linkage are both wrong, then resume.
	bad := model.Block{
		Slot:       2,
		PrevHash:   "not-the-head-hash",
		MerkleRoot: model.ZeroHash,
		Hash:       "bogus",
		CreatedAt:  time.Now().UTC(),
	}
	if err := store.SealBlock(ctx, bad); err != nil {
		t.Fatalf("SealBlock: %v", err)
	}

	m2 := newManager(t, store)
	res, err := m2.VerifyIntegrity(ctx, 0)
	if err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
	if res.Valid {
		t.Fatal("tampered chain reported valid")
	}
	if res.BlocksChecked != 3 {
		t.Fatalf("blocks checked = %d, want 3", res.BlocksChecked)
	}
	kinds := make(map[VerifyError]bool, len(res.Errors))
	for _, ve := range res.Errors {
		kinds[ve] = true
	}
	if !kinds[VerifyError{Slot: 2, Kind: VerifyHashMismatch}] {
		t.Fatalf("errors = %+v, want a hash mismatch at slot 2", res.Errors)
	}
	if !kinds[VerifyError{Slot: 2, Kind: VerifyLinkMismatch}] {
		t.Fatalf("errors = %+v, want a link mismatch at slot 2", res.Errors)
	}
}

func TestVerifyIntegrityFromSlot(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	m := newManager(t, store)

	for range 2 {
		j := commitJudgment(t, store, "partial walk")
		if err := m.AddJudgment(ctx, j.Ref()); err != nil {
			t.Fatalf("AddJudgment: %v", err)
		}
		if _, err := m.Flush(ctx); err != nil {
			t.Fatalf("Flush: %v", err)
		}
	}

	res, err := m.VerifyIntegrity(ctx, 2)
	if err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
	if !res.Valid || res.BlocksChecked != 1 {
		t.Fatalf("partial verify = %+v", res)
	}
}

func TestAdoptOrphanedJudgments(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	m := newManager(t, store)

	// Committed directly to storage, never handed to the chain.
	o1 := commitJudgment(t, store, "orphan one")
	o2 := commitJudgment(t, store, "orphan two")

	block, err := m.AdoptOrphanedJudgments(ctx)
	if err != nil {
		t.Fatalf("AdoptOrphanedJudgments: %v", err)
	}
	if block == nil || block.Slot != 1 {
		t.Fatalf("recovery block = %+v", block)
	}
	if len(block.JudgmentIDs) != 2 {
		t.Fatalf("adopted %d judgments, want 2", len(block.JudgmentIDs))
	}

	for _, id := range []uuid.UUID{o1.ID, o2.ID} {
		j, _ := store.GetJudgment(ctx, id)
		if j.BlockSlot == nil || *j.BlockSlot != 1 {
			t.Fatalf("orphan %s block slot = %v", id, j.BlockSlot)
		}
	}

	// Second call finds nothing.
	block, err = m.AdoptOrphanedJudgments(ctx)
	if err != nil {
		t.Fatalf("second adopt: %v", err)
	}
	if block != nil {
		t.Fatalf("second adopt sealed %+v", block)
	}
}

func TestRelinkOnHealthyChainIsNoOp(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	m := newManager(t, store)

	j := commitJudgment(t, store, "healthy relink")
	if err := m.AddJudgment(ctx, j.Ref()); err != nil {
		t.Fatalf("AddJudgment: %v", err)
	}
	if _, err := m.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	res, err := m.RelinkOrphanedJudgments(ctx)
	if err != nil {
		t.Fatalf("RelinkOrphanedJudgments: %v", err)
	}
	if res.BlocksScanned != 2 || res.Relinked != 0 {
		t.Fatalf("relink = %+v", res)
	}
}

func TestResetAllReinitializesToGenesis(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	m := newManager(t, store)

	j := commitJudgment(t, store, "doomed")
	if err := m.AddJudgment(ctx, j.Ref()); err != nil {
		t.Fatalf("AddJudgment: %v", err)
	}
	if _, err := m.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if err := m.ResetAll(ctx, "wrong"); !errors.Is(err, storage.ErrBadResetToken) {
		t.Fatalf("wrong token err = %v", err)
	}
	if m.Status().HeadSlot != 1 {
		t.Fatal("wrong token must not reset the chain")
	}

	if err := m.ResetAll(ctx, storage.ResetConfirmationToken); err != nil {
		t.Fatalf("ResetAll: %v", err)
	}
	if got := m.Status().HeadSlot; got != 0 {
		t.Fatalf("head slot after reset = %d, want 0", got)
	}
	if _, err := store.GetJudgment(ctx, j.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatal("reset should destroy judgments")
	}
}

func TestResetAllClearsPendingSealQueue(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	m := newManager(t, store)

	// Queued but not yet sealed when the reset lands.
	stale := commitJudgment(t, store, "queued before reset")
	if err := m.AddJudgment(ctx, stale.Ref()); err != nil {
		t.Fatalf("AddJudgment: %v", err)
	}

	if err := m.ResetAll(ctx, storage.ResetConfirmationToken); err != nil {
		t.Fatalf("ResetAll: %v", err)
	}
	if got := m.Status().Pending; got != 0 {
		t.Fatalf("pending after reset = %d, want 0", got)
	}

	// The chain must keep sealing judgments committed after the reset.
	fresh := commitJudgment(t, store, "committed after reset")
	if err := m.AddJudgment(ctx, fresh.Ref()); err != nil {
		t.Fatalf("AddJudgment: %v", err)
	}
	block, err := m.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush after reset: %v", err)
	}
	if block == nil || block.Slot != 1 {
		t.Fatalf("post-reset block = %+v, want slot 1", block)
	}
	if len(block.JudgmentIDs) != 1 || block.JudgmentIDs[0] != fresh.ID {
		t.Fatalf("post-reset block seals %v, want only %s", block.JudgmentIDs, fresh.ID)
	}
	sealed, err := store.GetJudgment(ctx, fresh.ID)
	if err != nil {
		t.Fatalf("GetJudgment: %v", err)
	}
	if sealed.BlockSlot == nil || *sealed.BlockSlot != 1 {
		t.Fatalf("post-reset judgment block slot = %v", sealed.BlockSlot)
	}
}

func TestAddBeforeInitRejected(t *testing.T) {
	m := New(memory.New(), nil, Options{Logger: testutil.TestLogger()})
	err := m.AddJudgment(context.Background(), model.JudgmentRef{ID: uuid.New()})
	if !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("err = %v, want ErrNotInitialized", err)
	}
}
