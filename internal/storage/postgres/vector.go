package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/arbiter-ai/arbiter/internal/model"
)

// SetJudgmentEmbedding attaches an embedding to a stored judgment. Called
// by the search indexer after the embedding provider returns.
func (s *Store) SetJudgmentEmbedding(ctx context.Context, id uuid.UUID, embedding []float32) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE judgments SET embedding = $1 WHERE id = $2`,
		pgvector.NewVector(embedding), id)
	if err != nil {
		return fmt.Errorf("postgres: set judgment embedding: %w", err)
	}
	return nil
}

// SetKnowledgeEmbedding attaches an embedding to a knowledge entry.
func (s *Store) SetKnowledgeEmbedding(ctx context.Context, id uuid.UUID, embedding []float32) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE knowledge SET embedding = $1 WHERE id = $2`,
		pgvector.NewVector(embedding), id)
	if err != nil {
		return fmt.Errorf("postgres: set knowledge embedding: %w", err)
	}
	return nil
}

// SimilarJudgments returns the judgments nearest to the query embedding by
// cosine distance, skipping rows that have no embedding yet.
func (s *Store) SimilarJudgments(ctx context.Context, embedding []float32, limit int) ([]model.Judgment, error) {
	if limit <= 0 {
		limit = 10
	}
	out, err := s.queryJudgments(ctx, `
		SELECT `+judgmentCols+` FROM judgments
		WHERE embedding IS NOT NULL
		ORDER BY embedding <=> $1
		LIMIT $2`, pgvector.NewVector(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: similar judgments: %w", err)
	}
	return out, nil
}
