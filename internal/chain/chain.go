// Package chain packages committed judgments into a hash-linked,
// Merkle-committed block log. Sealing is batched through an internal
// queue; every seal is one storage transaction, so a failed seal leaves
// the chain untouched and the batch requeued.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/arbiter-ai/arbiter/internal/batch"
	"github.com/arbiter-ai/arbiter/internal/bus"
	"github.com/arbiter-ai/arbiter/internal/integrity"
	"github.com/arbiter-ai/arbiter/internal/model"
	"github.com/arbiter-ai/arbiter/internal/storage"
	"github.com/arbiter-ai/arbiter/internal/telemetry"
)

// ErrNotInitialized is returned when an operation runs before Init.
var ErrNotInitialized = errors.New("chain: not initialized")

// Options configures the sealing queue. Zero values take batch defaults.
type Options struct {
	BatchSize     int
	FlushInterval time.Duration
	MaxQueueSize  int
	Logger        *slog.Logger
}

// Status is a point-in-time view of the chain manager.
type Status struct {
	Initialized bool        `json:"initialized"`
	HeadSlot    int64       `json:"head_slot"`
	HeadHash    string      `json:"head_hash"`
	Pending     int         `json:"pending_judgments"`
	Stats       batch.Stats `json:"stats"`
}

// Kinds of integrity failure reported by VerifyIntegrity.
const (
	VerifyMerkleMismatch = "merkle_mismatch"
	VerifyHashMismatch   = "hash_mismatch"
	VerifyLinkMismatch   = "link_mismatch"
)

// VerifyError is one failed check in an integrity walk, addressable by
// slot so consumers never parse messages.
type VerifyError struct {
	Slot int64  `json:"slot"`
	Kind string `json:"kind"`
}

// VerifyResult reports an integrity walk. Errors describe each failed
// check; Valid is len(Errors) == 0.
type VerifyResult struct {
	Valid         bool          `json:"valid"`
	BlocksChecked int           `json:"blocks_checked"`
	Errors        []VerifyError `json:"errors,omitempty"`
}

// RelinkResult counts blockSlot backlinks restored per block.
type RelinkResult struct {
	BlocksScanned int `json:"blocks_scanned"`
	Relinked      int `json:"relinked"`
}

// Manager owns the chain head and the pending seal queue.
type Manager struct {
	store  storage.Store
	bus    *bus.Bus
	logger *slog.Logger
	queue  *batch.Queue[model.JudgmentRef]

	mu          sync.Mutex
	head        model.Block
	initialized bool
}

// New creates an uninitialized manager. Call Init before use.
func New(store storage.Store, eventBus *bus.Bus, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	m := &Manager{
		store:  store,
		bus:    eventBus,
		logger: opts.Logger,
	}
	m.queue = batch.New("chain-seal", m.seal, batch.Options{
		BatchSize:     opts.BatchSize,
		FlushInterval: opts.FlushInterval,
		MaxQueueSize:  opts.MaxQueueSize,
		Logger:        opts.Logger,
	})
	return m
}

// Init loads the head block, sealing a genesis block on first run, and
// starts the periodic sealing loop.
func (m *Manager) Init(ctx context.Context) error {
	head, err := m.store.GetHeadBlock(ctx)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		head, err = m.sealGenesis(ctx)
		if err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("chain: load head: %w", err)
	}

	m.mu.Lock()
	m.head = head
	m.initialized = true
	m.mu.Unlock()

	m.queue.Start(ctx)
	m.registerMetrics()
	m.logger.Info("chain initialized", "head_slot", head.Slot, "head_hash", head.Hash)
	return nil
}

func (m *Manager) sealGenesis(ctx context.Context) (model.Block, error) {
	genesis := model.Block{
		Slot:       0,
		PrevHash:   model.ZeroHash,
		MerkleRoot: model.ZeroHash,
		CreatedAt:  time.Now().UTC(),
	}
	genesis.Hash = integrity.HashOf(genesis)
	if err := m.store.SealBlock(ctx, genesis); err != nil {
		return model.Block{}, fmt.Errorf("chain: seal genesis: %w", err)
	}
	m.logger.Info("genesis block sealed", "hash", genesis.Hash)
	return genesis, nil
}

// AddJudgment enqueues a committed judgment for sealing into the next
// block. Crossing the queue's batch size triggers a background seal.
func (m *Manager) AddJudgment(ctx context.Context, ref model.JudgmentRef) error {
	m.mu.Lock()
	initialized := m.initialized
	m.mu.Unlock()
	if !initialized {
		return ErrNotInitialized
	}
	return m.queue.Add(ctx, ref)
}

// Flush forces sealing of all pending judgments. Returns the newly sealed
// block, or nil when nothing was pending.
func (m *Manager) Flush(ctx context.Context) (*model.Block, error) {
	before := m.headSlot()
	n, err := m.queue.Flush(ctx)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.head.Slot == before {
		return nil, nil
	}
	head := m.head
	return &head, nil
}

func (m *Manager) headSlot() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.head.Slot
}

// Status reports the head, pending count, and queue counters.
func (m *Manager) Status() Status {
	m.mu.Lock()
	head := m.head
	initialized := m.initialized
	m.mu.Unlock()
	return Status{
		Initialized: initialized,
		HeadSlot:    head.Slot,
		HeadHash:    head.Hash,
		Pending:     m.queue.Len(),
		Stats:       m.queue.Stats(),
	}
}

// seal is the queue's flush function: it forms the next block from the
// batch and commits it in one storage transaction.
func (m *Manager) seal(ctx context.Context, refs []model.JudgmentRef) error {
	if len(refs) == 0 {
		return nil
	}

	m.mu.Lock()
	head := m.head
	m.mu.Unlock()

	ids := make([]uuid.UUID, len(refs))
	for i, ref := range refs {
		ids[i] = ref.ID
	}

	block := model.Block{
		Slot:        head.Slot + 1,
		PrevHash:    head.Hash,
		MerkleRoot:  integrity.MerkleRoot(ids),
		JudgmentIDs: ids,
		CreatedAt:   time.Now().UTC(),
	}
	block.Hash = integrity.HashOf(block)

	if err := m.store.SealBlock(ctx, block); err != nil {
		return fmt.Errorf("chain: seal block %d: %w", block.Slot, err)
	}

	m.mu.Lock()
	m.head = block
	m.mu.Unlock()

	m.logger.Info("block sealed",
		"slot", block.Slot, "judgments", len(ids), "hash", block.Hash)
	if m.bus != nil {
		m.bus.Publish(bus.TopicBlock, map[string]any{
			"slot":           block.Slot,
			"hash":           block.Hash,
			"merkle_root":    block.MerkleRoot,
			"judgment_count": len(ids),
			"created_at":     block.CreatedAt,
		})
	}
	return nil
}

// VerifyIntegrity walks the chain from fromSlot (clamped to 0) to head,
// recomputing each block's Merkle root and hash and checking prevHash
// linkage. Read-only.
func (m *Manager) VerifyIntegrity(ctx context.Context, fromSlot int64) (VerifyResult, error) {
	if fromSlot < 0 {
		fromSlot = 0
	}
	headSlot := m.headSlot()

	result := VerifyResult{Valid: true}
	var prevHash string
	if fromSlot > 0 {
		prev, err := m.store.GetBlockBySlot(ctx, fromSlot-1)
		if err != nil {
			return VerifyResult{}, fmt.Errorf("chain: verify: load block %d: %w", fromSlot-1, err)
		}
		prevHash = prev.Hash
	}

	for slot := fromSlot; slot <= headSlot; slot++ {
		if err := ctx.Err(); err != nil {
			return VerifyResult{}, model.Cancelled("integrity walk aborted")
		}
		b, err := m.store.GetBlockBySlot(ctx, slot)
		if err != nil {
			return VerifyResult{}, fmt.Errorf("chain: verify: load block %d: %w", slot, err)
		}
		result.BlocksChecked++

		merkleOK, hashOK := integrity.VerifyBlock(b)
		if !merkleOK {
			result.Errors = append(result.Errors, VerifyError{Slot: slot, Kind: VerifyMerkleMismatch})
		}
		if !hashOK {
			result.Errors = append(result.Errors, VerifyError{Slot: slot, Kind: VerifyHashMismatch})
		}
		switch {
		case slot == 0:
			if b.PrevHash != model.ZeroHash {
				result.Errors = append(result.Errors, VerifyError{Slot: 0, Kind: VerifyLinkMismatch})
			}
		case prevHash != "" && b.PrevHash != prevHash:
			result.Errors = append(result.Errors, VerifyError{Slot: slot, Kind: VerifyLinkMismatch})
		}
		prevHash = b.Hash
	}

	result.Valid = len(result.Errors) == 0
	return result, nil
}

// RelinkOrphanedJudgments restores blockSlot on judgments that appear in
// a block but whose stored backlink is NULL. Idempotent.
func (m *Manager) RelinkOrphanedJudgments(ctx context.Context) (RelinkResult, error) {
	headSlot := m.headSlot()

	var result RelinkResult
	for slot := int64(0); slot <= headSlot; slot++ {
		if err := ctx.Err(); err != nil {
			return RelinkResult{}, model.Cancelled("relink aborted")
		}
		b, err := m.store.GetBlockBySlot(ctx, slot)
		if err != nil {
			return RelinkResult{}, fmt.Errorf("chain: relink: load block %d: %w", slot, err)
		}
		result.BlocksScanned++
		if len(b.JudgmentIDs) == 0 {
			continue
		}
		n, err := m.store.RelinkJudgments(ctx, slot, b.JudgmentIDs)
		if err != nil {
			return RelinkResult{}, fmt.Errorf("chain: relink block %d: %w", slot, err)
		}
		result.Relinked += n
	}
	return result, nil
}

// AdoptOrphanedJudgments seals a recovery block over judgments that have
// no blockSlot and appear in no block. Returns nil when there is nothing
// to adopt. Idempotent: a second call finds no orphans.
func (m *Manager) AdoptOrphanedJudgments(ctx context.Context) (*model.Block, error) {
	orphans, err := m.store.FindOrphanedJudgments(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: find orphans: %w", err)
	}
	if len(orphans) == 0 {
		return nil, nil
	}

	refs := make([]model.JudgmentRef, len(orphans))
	for i, j := range orphans {
		refs[i] = j.Ref()
	}
	if err := m.seal(ctx, refs); err != nil {
		return nil, err
	}

	m.mu.Lock()
	head := m.head
	m.mu.Unlock()
	m.logger.Info("adopted orphaned judgments", "count", len(orphans), "slot", head.Slot)
	return &head, nil
}

// ResetAll destroys all persisted data (token-gated by the store) and
// re-initializes to a fresh genesis.
func (m *Manager) ResetAll(ctx context.Context, confirmationToken string) error {
	if err := m.store.ResetAll(ctx, confirmationToken); err != nil {
		return err
	}
	// Queued refs point at judgments the reset just destroyed; sealing
	// them would fail validation on every retry and wedge the queue.
	if n := m.queue.Discard(); n > 0 {
		m.logger.Warn("dropped pending seal refs during reset", "count", n)
	}
	genesis, err := m.sealGenesis(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.head = genesis
	m.mu.Unlock()
	return nil
}

// Close drains and seals any pending judgments, bounded by ctx.
func (m *Manager) Close(ctx context.Context) error {
	return m.queue.Close(ctx)
}

func (m *Manager) registerMetrics() {
	meter := telemetry.Meter("arbiter/chain")

	_, _ = meter.Int64ObservableGauge("arbiter.chain.head_slot",
		metric.WithDescription("Slot of the current chain head"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(m.headSlot())
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("arbiter.chain.pending",
		metric.WithDescription("Judgments awaiting sealing"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(m.queue.Len()))
			return nil
		}),
	)
}
