package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/arbiter-ai/arbiter/internal/model"
	"github.com/arbiter-ai/arbiter/internal/storage"
)

// SealBlock inserts the block, its ordered judgment links, and the block
// slot backlink on every judgment in one transaction.
func (s *Store) SealBlock(ctx context.Context, b model.Block) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin seal tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO blocks (slot, prev_hash, merkle_root, hash, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		b.Slot, b.PrevHash, b.MerkleRoot, b.Hash, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert block %d: %w", b.Slot, err)
	}

	for pos, id := range b.JudgmentIDs {
		_, err = tx.Exec(ctx,
			`INSERT INTO block_judgments (slot, position, judgment_id) VALUES ($1, $2, $3)`,
			b.Slot, pos, id)
		if err != nil {
			return fmt.Errorf("postgres: link judgment %s: %w", id, err)
		}
	}

	if len(b.JudgmentIDs) > 0 {
		tag, err := tx.Exec(ctx,
			`UPDATE judgments SET block_slot = $1 WHERE id = ANY($2)`,
			b.Slot, b.JudgmentIDs)
		if err != nil {
			return fmt.Errorf("postgres: set block slots: %w", err)
		}
		if int(tag.RowsAffected()) != len(b.JudgmentIDs) {
			return fmt.Errorf("postgres: seal block %d: %d of %d judgments found: %w",
				b.Slot, tag.RowsAffected(), len(b.JudgmentIDs), storage.ErrNotFound)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit seal tx: %w", err)
	}
	return nil
}

func (s *Store) scanBlock(ctx context.Context, row pgx.Row) (model.Block, error) {
	var b model.Block
	if err := row.Scan(&b.Slot, &b.PrevHash, &b.MerkleRoot, &b.Hash, &b.CreatedAt); err != nil {
		return model.Block{}, err
	}
	ids, err := s.blockJudgmentIDs(ctx, b.Slot)
	if err != nil {
		return model.Block{}, err
	}
	b.JudgmentIDs = ids
	return b, nil
}

func (s *Store) blockJudgmentIDs(ctx context.Context, slot int64) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT judgment_id FROM block_judgments WHERE slot = $1 ORDER BY position`, slot)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) GetBlockBySlot(ctx context.Context, slot int64) (model.Block, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT slot, prev_hash, merkle_root, hash, created_at FROM blocks WHERE slot = $1`, slot)
	b, err := s.scanBlock(ctx, row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Block{}, storage.ErrNotFound
	}
	if err != nil {
		return model.Block{}, fmt.Errorf("postgres: get block %d: %w", slot, err)
	}
	return b, nil
}

func (s *Store) GetHeadBlock(ctx context.Context) (model.Block, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT slot, prev_hash, merkle_root, hash, created_at
		FROM blocks ORDER BY slot DESC LIMIT 1`)
	b, err := s.scanBlock(ctx, row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Block{}, storage.ErrNotFound
	}
	if err != nil {
		return model.Block{}, fmt.Errorf("postgres: head block: %w", err)
	}
	return b, nil
}

func (s *Store) GetRecentBlocks(ctx context.Context, limit int) ([]model.Block, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT slot FROM blocks ORDER BY slot DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent blocks: %w", err)
	}
	var slots []int64
	for rows.Next() {
		var slot int64
		if err := rows.Scan(&slot); err != nil {
			rows.Close()
			return nil, fmt.Errorf("postgres: recent blocks: %w", err)
		}
		slots = append(slots, slot)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: recent blocks: %w", err)
	}

	out := make([]model.Block, 0, len(slots))
	for _, slot := range slots {
		b, err := s.GetBlockBySlot(ctx, slot)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}
