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

const judgmentCols = `id, item_type, item_content, dimension_scores, axiom_scores,
	q_score, verdict, confidence, weaknesses, user_id, session_id, created_at, block_slot`

func (s *Store) StoreJudgment(ctx context.Context, j model.Judgment) (model.Judgment, error) {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	if j.DimensionScores == nil {
		j.DimensionScores = map[string]float64{}
	}
	if j.AxiomScores == nil {
		j.AxiomScores = map[string]float64{}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO judgments (id, item_type, item_content, dimension_scores, axiom_scores,
		 q_score, verdict, confidence, weaknesses, user_id, session_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		j.ID, j.ItemType, j.ItemContent, j.DimensionScores, j.AxiomScores,
		j.QScore, string(j.Verdict), j.Confidence, j.Weaknesses,
		j.UserID, j.SessionID, j.CreatedAt,
	)
	if err != nil {
		return model.Judgment{}, fmt.Errorf("postgres: store judgment: %w", err)
	}
	return j, nil
}

func (s *Store) SetJudgmentBlockSlot(ctx context.Context, id uuid.UUID, slot int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE judgments SET block_slot = $1 WHERE id = $2`, slot, id)
	if err != nil {
		return fmt.Errorf("postgres: set block slot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func scanJudgment(row pgx.Row) (model.Judgment, error) {
	var (
		j       model.Judgment
		verdict string
	)
	err := row.Scan(
		&j.ID, &j.ItemType, &j.ItemContent, &j.DimensionScores, &j.AxiomScores,
		&j.QScore, &verdict, &j.Confidence, &j.Weaknesses,
		&j.UserID, &j.SessionID, &j.CreatedAt, &j.BlockSlot,
	)
	if err != nil {
		return model.Judgment{}, err
	}
	j.Verdict = model.Verdict(verdict)
	return j, nil
}

func (s *Store) GetJudgment(ctx context.Context, id uuid.UUID) (model.Judgment, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+judgmentCols+` FROM judgments WHERE id = $1`, id)
	j, err := scanJudgment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Judgment{}, storage.ErrNotFound
	}
	if err != nil {
		return model.Judgment{}, fmt.Errorf("postgres: get judgment: %w", err)
	}
	return j, nil
}

func (s *Store) queryJudgments(ctx context.Context, query string, args ...any) ([]model.Judgment, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Judgment
	for rows.Next() {
		j, err := scanJudgment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// SearchJudgments uses websearch-style full text matching over item
// content, falling back to ILIKE for queries tsquery cannot parse.
func (s *Store) SearchJudgments(ctx context.Context, query string, limit int) ([]model.Judgment, error) {
	if limit <= 0 {
		limit = 50
	}
	out, err := s.queryJudgments(ctx, `
		SELECT `+judgmentCols+` FROM judgments
		WHERE to_tsvector('english', item_content) @@ websearch_to_tsquery('english', $1)
		   OR item_content ILIKE '%' || $1 || '%'
		   OR item_type ILIKE '%' || $1 || '%'
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: search judgments: %w", err)
	}
	return out, nil
}

func (s *Store) GetRecentJudgments(ctx context.Context, limit int) ([]model.Judgment, error) {
	if limit <= 0 {
		limit = 50
	}
	out, err := s.queryJudgments(ctx, `
		SELECT `+judgmentCols+` FROM judgments
		ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent judgments: %w", err)
	}
	return out, nil
}

func (s *Store) CountUnlinkedJudgments(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM judgments WHERE block_slot IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count unlinked: %w", err)
	}
	return n, nil
}

func (s *Store) FindOrphanedJudgments(ctx context.Context) ([]model.Judgment, error) {
	out, err := s.queryJudgments(ctx, `
		SELECT `+judgmentCols+` FROM judgments j
		WHERE j.block_slot IS NULL
		  AND NOT EXISTS (SELECT 1 FROM block_judgments bj WHERE bj.judgment_id = j.id)
		ORDER BY j.created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: find orphans: %w", err)
	}
	return out, nil
}

func (s *Store) RelinkJudgments(ctx context.Context, slot int64, ids []uuid.UUID) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE judgments SET block_slot = $1
		WHERE id = ANY($2) AND block_slot IS NULL`, slot, ids)
	if err != nil {
		return 0, fmt.Errorf("postgres: relink judgments: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
