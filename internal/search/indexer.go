package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/arbiter-ai/arbiter/internal/batch"
	"github.com/arbiter-ai/arbiter/internal/bus"
	"github.com/arbiter-ai/arbiter/internal/embedding"
	"github.com/arbiter-ai/arbiter/internal/storage"
)

// EmbeddingWriter is implemented by stores that keep embeddings alongside
// rows (postgres). Write-back is best-effort; the vector index remains
// the search path.
type EmbeddingWriter interface {
	SetJudgmentEmbedding(ctx context.Context, id uuid.UUID, embedding []float32) error
	SetKnowledgeEmbedding(ctx context.Context, id uuid.UUID, embedding []float32) error
}

// task identifies one entity awaiting indexing.
type task struct {
	Kind string
	ID   uuid.UUID
}

// Indexer consumes judgment and digest events from the bus and feeds the
// vector index in batches. Entities deleted before the flush are skipped;
// a failed flush requeues the whole batch.
type Indexer struct {
	store    storage.Store
	provider embedding.Provider
	index    VectorIndex
	bus      *bus.Bus
	logger   *slog.Logger
	queue    *batch.Queue[task]
}

// IndexerOptions tunes the indexer's internal batch queue. Zero values
// take the batch package defaults.
type IndexerOptions struct {
	BatchSize     int
	FlushInterval time.Duration
	Logger        *slog.Logger
}

// NewIndexer creates an indexer. Call Run to start consuming events.
func NewIndexer(store storage.Store, provider embedding.Provider, index VectorIndex, eventBus *bus.Bus, opts IndexerOptions) *Indexer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ix := &Indexer{
		store:    store,
		provider: provider,
		index:    index,
		bus:      eventBus,
		logger:   opts.Logger,
	}
	ix.queue = batch.New("search-index", ix.flush, batch.Options{
		BatchSize:     opts.BatchSize,
		FlushInterval: opts.FlushInterval,
		Logger:        opts.Logger,
	})
	return ix
}

// Run subscribes to judgment and pattern events and blocks until ctx is
// done, then drains the queue.
func (ix *Indexer) Run(ctx context.Context) {
	ix.queue.Start(ctx)
	sub := ix.bus.Subscribe(bus.TopicJudgment, bus.TopicPattern)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = ix.queue.Close(closeCtx)
			cancel()
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			ix.handleEvent(ctx, ev)
		}
	}
}

func (ix *Indexer) handleEvent(ctx context.Context, ev bus.Event) {
	var kind string
	switch ev.Topic {
	case bus.TopicJudgment:
		kind = KindJudgment
	case bus.TopicPattern:
		if ev.Payload["kind"] != "digest" {
			return
		}
		kind = KindKnowledge
	default:
		return
	}

	raw, _ := ev.Payload["id"].(string)
	id, err := uuid.Parse(raw)
	if err != nil {
		return
	}
	if err := ix.queue.Add(ctx, task{Kind: kind, ID: id}); err != nil {
		ix.logger.Warn("search indexer: enqueue failed", "id", id, "error", err)
	}
}

// flush hydrates the batch, embeds the texts, and upserts the points.
func (ix *Indexer) flush(ctx context.Context, tasks []task) error {
	type pending struct {
		point Point
		text  string
	}
	items := make([]pending, 0, len(tasks))

	for _, t := range tasks {
		switch t.Kind {
		case KindJudgment:
			j, err := ix.store.GetJudgment(ctx, t.ID)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("search indexer: load judgment %s: %w", t.ID, err)
			}
			items = append(items, pending{
				point: Point{
					ID:        j.ID,
					Kind:      KindJudgment,
					ItemType:  j.ItemType,
					Verdict:   string(j.Verdict),
					QScore:    float64(j.QScore),
					CreatedAt: j.CreatedAt,
				},
				text: j.ItemContent,
			})
		case KindKnowledge:
			d, err := ix.store.GetKnowledge(ctx, t.ID)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("search indexer: load knowledge %s: %w", t.ID, err)
			}
			items = append(items, pending{
				point: Point{
					ID:        d.ID,
					Kind:      KindKnowledge,
					ItemType:  d.Type,
					CreatedAt: d.CreatedAt,
				},
				text: d.Content,
			})
		}
	}
	if len(items) == 0 {
		return nil
	}

	texts := make([]string, len(items))
	for i, it := range items {
		texts[i] = it.text
	}
	vecs, err := ix.provider.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("search indexer: embed batch: %w", err)
	}

	points := make([]Point, len(items))
	for i := range items {
		points[i] = items[i].point
		points[i].Embedding = vecs[i].Slice()
	}
	if err := ix.index.Upsert(ctx, points); err != nil {
		return err
	}

	ix.writeBack(ctx, points)
	ix.logger.Debug("search indexer: upserted", "count", len(points))
	return nil
}

// writeBack mirrors embeddings into the store when the backend keeps them.
func (ix *Indexer) writeBack(ctx context.Context, points []Point) {
	ew, ok := ix.store.(EmbeddingWriter)
	if !ok {
		return
	}
	for _, p := range points {
		var err error
		switch p.Kind {
		case KindJudgment:
			err = ew.SetJudgmentEmbedding(ctx, p.ID, p.Embedding)
		case KindKnowledge:
			err = ew.SetKnowledgeEmbedding(ctx, p.ID, p.Embedding)
		}
		if err != nil {
			ix.logger.Warn("search indexer: embedding write-back failed", "id", p.ID, "error", err)
		}
	}
}

// Stats exposes the internal queue counters.
func (ix *Indexer) Stats() batch.Stats {
	return ix.queue.Stats()
}
