package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/arbiter-ai/arbiter/internal/model"
	"github.com/arbiter-ai/arbiter/internal/storage"
)

func (s *Store) StoreFeedback(ctx context.Context, f model.Feedback) (model.Feedback, error) {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO feedback (id, judgment_id, outcome, reason, actual_score, user_id, session_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		f.ID, f.JudgmentID, string(f.Outcome), f.Reason, f.ActualScore,
		f.UserID, f.SessionID, f.CreatedAt)
	if err != nil {
		// 23503: foreign_key_violation, the judgment does not exist.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return model.Feedback{}, storage.ErrNotFound
		}
		return model.Feedback{}, fmt.Errorf("postgres: store feedback: %w", err)
	}
	return f, nil
}

func (s *Store) GetFeedbackFor(ctx context.Context, judgmentID uuid.UUID) ([]model.Feedback, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, judgment_id, outcome, reason, actual_score, user_id, session_id, created_at
		FROM feedback WHERE judgment_id = $1 ORDER BY created_at ASC`, judgmentID)
	if err != nil {
		return nil, fmt.Errorf("postgres: get feedback: %w", err)
	}
	defer rows.Close()

	var out []model.Feedback
	for rows.Next() {
		var (
			f       model.Feedback
			outcome string
		)
		if err := rows.Scan(&f.ID, &f.JudgmentID, &outcome, &f.Reason,
			&f.ActualScore, &f.UserID, &f.SessionID, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan feedback: %w", err)
		}
		f.Outcome = model.FeedbackOutcome(outcome)
		out = append(out, f)
	}
	return out, rows.Err()
}
