package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/arbiter-ai/arbiter/internal/model"
	"github.com/arbiter-ai/arbiter/internal/storage"
)

func (s *Store) LoadLearningState(ctx context.Context) (model.LearningState, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM learning_state WHERE id = 1`).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.LearningState{}, storage.ErrNotFound
	}
	if err != nil {
		return model.LearningState{}, fmt.Errorf("postgres: load learning state: %w", err)
	}

	var st model.LearningState
	if err := json.Unmarshal(raw, &st); err != nil {
		return model.LearningState{}, fmt.Errorf("postgres: decode learning state: %w", err)
	}
	return st, nil
}

func (s *Store) SaveLearningState(ctx context.Context, st model.LearningState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("postgres: encode learning state: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO learning_state (id, state, updated_at) VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`,
		raw, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("postgres: save learning state: %w", err)
	}
	return nil
}
