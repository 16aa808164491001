// Package postgres is the production Store backend, built on pgxpool.
// Structured fields live in JSONB columns; full-text search runs on a GIN
// tsvector index; judgment and knowledge embeddings use pgvector for
// similarity queries when an embedding provider is configured.
package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvector "github.com/pgvector/pgvector-go/pgx"

	"github.com/arbiter-ai/arbiter/internal/storage"
)

// Store wraps a pgxpool.Pool. The DSN may point at PgBouncer or directly
// at Postgres; no session-level features are used.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// Open creates the pool and verifies connectivity. Migrations are run
// separately by the caller so tests can control schema setup.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse DSN: %w", err)
	}

	// Register pgvector types on each new connection. Best-effort: before
	// migrations create the extension this fails, and later connections
	// pick the types up once it exists.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if err := pgxvector.RegisterTypes(ctx, conn); err != nil {
			logger.Debug("postgres: pgvector types not registered yet", "error", err)
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	return &Store{pool: pool, logger: logger}, nil
}

// Pool exposes the underlying pool for migrations and tests.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Backend() string { return "postgres" }

func (s *Store) Close(context.Context) error {
	s.pool.Close()
	return nil
}

// ResetAll truncates every table. Token-gated; see storage.ResetConfirmationToken.
func (s *Store) ResetAll(ctx context.Context, confirmationToken string) error {
	if err := storage.VerifyResetToken(confirmationToken); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		TRUNCATE feedback, block_judgments, blocks, judgments, knowledge, triggers, learning_state`)
	if err != nil {
		return fmt.Errorf("postgres: reset: %w", err)
	}
	s.logger.Warn("all persisted data destroyed by reset")
	return nil
}
