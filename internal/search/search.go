// Package search provides semantic search over judgments and knowledge
// using an external vector index, with transparent fallback to the
// store's full-text search when no index is configured or reachable.
package search

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/arbiter-ai/arbiter/internal/embedding"
	"github.com/arbiter-ai/arbiter/internal/model"
	"github.com/arbiter-ai/arbiter/internal/storage"
)

// Entity kinds stored in the index.
const (
	KindJudgment  = "judgment"
	KindKnowledge = "knowledge"
)

// Result holds an entity ID and its raw similarity score from the index.
// The caller hydrates full objects from the store (source of truth).
type Result struct {
	ID    uuid.UUID
	Kind  string
	Score float32
}

// Filters restrict an index query.
type Filters struct {
	Kind     string // judgment | knowledge | "" (both)
	ItemType string
	Verdict  string
}

// VectorIndex is the vector search backend. Implementations must be safe
// for concurrent use.
type VectorIndex interface {
	Upsert(ctx context.Context, points []Point) error
	Query(ctx context.Context, embedding []float32, f Filters, limit int) ([]Result, error)
	DeleteByIDs(ctx context.Context, ids []uuid.UUID) error
	Healthy(ctx context.Context) error
	Close() error
}

// Request is one search call.
type Request struct {
	Query string `json:"query"`
	Type  string `json:"type,omitempty"` // judgments | knowledge | "" (both)
	Limit int    `json:"limit,omitempty"`
}

// Hit is one search result. Exactly one of Judgment or Digest is set.
type Hit struct {
	Kind     string          `json:"kind"`
	Score    float32         `json:"score,omitempty"`
	Judgment *model.Judgment `json:"judgment,omitempty"`
	Digest   *model.Digest   `json:"digest,omitempty"`
}

// Response is the search output envelope.
type Response struct {
	Results []Hit  `json:"results"`
	Total   int    `json:"total"`
	Mode    string `json:"mode"` // vector | text
}

const (
	defaultLimit = 10
	maxLimit     = 100
)

// Service answers search requests, preferring the vector index and
// degrading to full-text store search.
type Service struct {
	store    storage.Store
	provider embedding.Provider
	index    VectorIndex
	logger   *slog.Logger
}

// NewService creates a search service. index and provider may be nil, in
// which case all searches use the store's full-text path.
func NewService(store storage.Store, provider embedding.Provider, index VectorIndex, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, provider: provider, index: index, logger: logger}
}

// Healthy reports index reachability, or Unavailable when none is
// configured.
func (s *Service) Healthy(ctx context.Context) error {
	if s.index == nil {
		return model.Unavailable("no vector index configured")
	}
	return s.index.Healthy(ctx)
}

// Search runs the query through the vector index when available, falling
// back to store full-text search otherwise.
func (s *Service) Search(ctx context.Context, req Request) (Response, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return Response{}, model.InvalidInput("search query is required")
	}
	switch req.Type {
	case "", "judgments", "knowledge":
	default:
		return Response{}, model.InvalidInput("search type must be judgments or knowledge")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	if s.index != nil && s.provider != nil {
		if err := s.index.Healthy(ctx); err == nil {
			resp, err := s.vectorSearch(ctx, query, req.Type, limit)
			if err == nil {
				return resp, nil
			}
			s.logger.Warn("vector search failed, falling back to text", "error", err)
		} else {
			s.logger.Warn("vector index unreachable, falling back to text", "error", err)
		}
	}
	return s.textSearch(ctx, query, req.Type, limit)
}

func (s *Service) vectorSearch(ctx context.Context, query, kind string, limit int) (Response, error) {
	vec, err := s.provider.Embed(ctx, query)
	if err != nil {
		return Response{}, err
	}

	filters := Filters{}
	switch kind {
	case "judgments":
		filters.Kind = KindJudgment
	case "knowledge":
		filters.Kind = KindKnowledge
	}

	// Over-fetch to absorb re-scoring and deleted entities.
	raw, err := s.index.Query(ctx, vec.Slice(), filters, limit*3)
	if err != nil {
		return Response{}, err
	}

	hits := make([]Hit, 0, len(raw))
	for _, r := range raw {
		hit, ok := s.hydrate(ctx, r)
		if !ok {
			continue
		}
		hits = append(hits, hit)
	}

	hits = ReScore(hits, limit)
	return Response{Results: hits, Total: len(hits), Mode: "vector"}, nil
}

// hydrate loads the full entity behind an index result. Entities deleted
// between index query and store read are silently skipped.
func (s *Service) hydrate(ctx context.Context, r Result) (Hit, bool) {
	switch r.Kind {
	case KindJudgment:
		j, err := s.store.GetJudgment(ctx, r.ID)
		if errors.Is(err, storage.ErrNotFound) {
			return Hit{}, false
		}
		if err != nil {
			s.logger.Warn("search hydration failed", "id", r.ID, "error", err)
			return Hit{}, false
		}
		return Hit{Kind: KindJudgment, Score: r.Score, Judgment: &j}, true
	case KindKnowledge:
		d, err := s.store.GetKnowledge(ctx, r.ID)
		if errors.Is(err, storage.ErrNotFound) {
			return Hit{}, false
		}
		if err != nil {
			s.logger.Warn("search hydration failed", "id", r.ID, "error", err)
			return Hit{}, false
		}
		return Hit{Kind: KindKnowledge, Score: r.Score, Digest: &d}, true
	default:
		return Hit{}, false
	}
}

func (s *Service) textSearch(ctx context.Context, query, kind string, limit int) (Response, error) {
	var hits []Hit

	if kind == "" || kind == "judgments" {
		judgments, err := s.store.SearchJudgments(ctx, query, limit)
		if err != nil {
			return Response{}, model.StorageError("judgment search failed", err)
		}
		for i := range judgments {
			hits = append(hits, Hit{Kind: KindJudgment, Judgment: &judgments[i]})
		}
	}
	if kind == "" || kind == "knowledge" {
		digests, err := s.store.SearchKnowledge(ctx, query, limit)
		if err != nil {
			return Response{}, model.StorageError("knowledge search failed", err)
		}
		for i := range digests {
			hits = append(hits, Hit{Kind: KindKnowledge, Digest: &digests[i]})
		}
	}

	if len(hits) > limit {
		hits = hits[:limit]
	}
	return Response{Results: hits, Total: len(hits), Mode: "text"}, nil
}

// ReScore adjusts raw similarity with quality and recency weighting,
// sorts descending, and truncates to limit.
//
// relevance = similarity * (0.6 + 0.3*quality) * (1 / (1 + age_days/90))
func ReScore(hits []Hit, limit int) []Hit {
	now := time.Now()
	out := make([]Hit, 0, len(hits))

	for _, h := range hits {
		var quality float64
		var createdAt time.Time
		switch {
		case h.Judgment != nil:
			quality = float64(h.Judgment.QScore) / 100
			createdAt = h.Judgment.CreatedAt
		case h.Digest != nil:
			quality = 0.5
			createdAt = h.Digest.CreatedAt
		default:
			continue
		}

		ageDays := math.Max(0, now.Sub(createdAt).Hours()/24)
		qualityBonus := 0.6 + 0.3*quality
		recencyDecay := 1.0 / (1.0 + ageDays/90.0)
		relevance := float64(h.Score) * qualityBonus * recencyDecay

		h.Score = float32(math.Min(relevance, 1.0))
		out = append(out, h)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
