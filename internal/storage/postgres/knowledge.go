package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/arbiter-ai/arbiter/internal/model"
	"github.com/arbiter-ai/arbiter/internal/storage"
)

func (s *Store) StoreKnowledge(ctx context.Context, d model.Digest) (model.Digest, error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO knowledge (id, source, type, content, patterns, insights, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.ID, d.Source, d.Type, d.Content, d.Patterns, d.Insights, d.Metadata, d.CreatedAt)
	if err != nil {
		return model.Digest{}, fmt.Errorf("postgres: store knowledge: %w", err)
	}
	return d, nil
}

func (s *Store) GetKnowledge(ctx context.Context, id uuid.UUID) (model.Digest, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, source, type, content, patterns, insights, metadata, created_at
		FROM knowledge WHERE id = $1`, id)

	var d model.Digest
	err := row.Scan(&d.ID, &d.Source, &d.Type, &d.Content,
		&d.Patterns, &d.Insights, &d.Metadata, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Digest{}, storage.ErrNotFound
	}
	if err != nil {
		return model.Digest{}, fmt.Errorf("postgres: get knowledge: %w", err)
	}
	return d, nil
}

func (s *Store) SearchKnowledge(ctx context.Context, query string, limit int) ([]model.Digest, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, source, type, content, patterns, insights, metadata, created_at
		FROM knowledge
		WHERE to_tsvector('english', content) @@ websearch_to_tsquery('english', $1)
		   OR content ILIKE '%' || $1 || '%'
		   OR source ILIKE '%' || $1 || '%'
		ORDER BY created_at DESC LIMIT $2`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: search knowledge: %w", err)
	}
	defer rows.Close()

	var out []model.Digest
	for rows.Next() {
		var d model.Digest
		if err := rows.Scan(&d.ID, &d.Source, &d.Type, &d.Content,
			&d.Patterns, &d.Insights, &d.Metadata, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan knowledge: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
