package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/arbiter-ai/arbiter/internal/model"
	"github.com/arbiter-ai/arbiter/internal/storage"
)

func (s *Store) UpsertTrigger(ctx context.Context, t model.Trigger) (model.Trigger, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO triggers (id, name, type, condition, action, action_config, enabled, priority, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, type = EXCLUDED.type, condition = EXCLUDED.condition,
			action = EXCLUDED.action, action_config = EXCLUDED.action_config,
			enabled = EXCLUDED.enabled, priority = EXCLUDED.priority`,
		t.ID, t.Name, string(t.Type), t.Condition, string(t.Action), t.ActionConfig,
		t.Enabled, t.Priority, t.CreatedAt)
	if err != nil {
		return model.Trigger{}, fmt.Errorf("postgres: upsert trigger: %w", err)
	}
	return t, nil
}

func (s *Store) ListTriggers(ctx context.Context) ([]model.Trigger, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, type, condition, action, action_config, enabled, priority, created_at
		FROM triggers ORDER BY priority DESC, created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list triggers: %w", err)
	}
	defer rows.Close()

	var out []model.Trigger
	for rows.Next() {
		var (
			t           model.Trigger
			typ, action string
		)
		if err := rows.Scan(&t.ID, &t.Name, &typ, &t.Condition, &action,
			&t.ActionConfig, &t.Enabled, &t.Priority, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan trigger: %w", err)
		}
		t.Type = model.TriggerType(typ)
		t.Action = model.ActionType(action)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) DeleteTrigger(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM triggers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete trigger: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) SetTriggerEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE triggers SET enabled = $1 WHERE id = $2`, enabled, id)
	if err != nil {
		return fmt.Errorf("postgres: set trigger enabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}
