// Package sqlite is the embedded Store backend. It uses the pure-Go
// modernc.org/sqlite driver through database/sql, so a single binary runs
// with durable persistence and no external service. Structured fields are
// stored as JSON in TEXT columns; timestamps as RFC 3339 strings in UTC.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/arbiter-ai/arbiter/internal/model"
	"github.com/arbiter-ai/arbiter/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS judgments (
	id               TEXT PRIMARY KEY,
	item_type        TEXT NOT NULL,
	item_content     TEXT NOT NULL,
	dimension_scores TEXT NOT NULL,
	axiom_scores     TEXT NOT NULL,
	q_score          INTEGER NOT NULL,
	verdict          TEXT NOT NULL,
	confidence       REAL NOT NULL,
	weaknesses       TEXT,
	user_id          TEXT,
	session_id       TEXT,
	created_at       TEXT NOT NULL,
	block_slot       INTEGER
);
CREATE INDEX IF NOT EXISTS idx_judgments_created_at ON judgments (created_at DESC);
CREATE INDEX IF NOT EXISTS idx_judgments_block_slot ON judgments (block_slot);

CREATE TABLE IF NOT EXISTS blocks (
	slot        INTEGER PRIMARY KEY,
	prev_hash   TEXT NOT NULL,
	merkle_root TEXT NOT NULL,
	hash        TEXT NOT NULL,
	created_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS block_judgments (
	slot        INTEGER NOT NULL REFERENCES blocks (slot),
	position    INTEGER NOT NULL,
	judgment_id TEXT NOT NULL REFERENCES judgments (id),
	PRIMARY KEY (slot, position)
);
CREATE INDEX IF NOT EXISTS idx_block_judgments_judgment ON block_judgments (judgment_id);

CREATE TABLE IF NOT EXISTS feedback (
	id           TEXT PRIMARY KEY,
	judgment_id  TEXT NOT NULL REFERENCES judgments (id),
	outcome      TEXT NOT NULL,
	reason       TEXT,
	actual_score INTEGER,
	user_id      TEXT,
	session_id   TEXT,
	created_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_feedback_judgment ON feedback (judgment_id);

CREATE TABLE IF NOT EXISTS knowledge (
	id         TEXT PRIMARY KEY,
	source     TEXT,
	type       TEXT NOT NULL,
	content    TEXT NOT NULL,
	patterns   TEXT,
	insights   TEXT,
	metadata   TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_knowledge_created_at ON knowledge (created_at DESC);

CREATE TABLE IF NOT EXISTS triggers (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	type          TEXT NOT NULL,
	condition     TEXT NOT NULL,
	action        TEXT NOT NULL,
	action_config TEXT,
	enabled       INTEGER NOT NULL,
	priority      INTEGER NOT NULL,
	created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS learning_state (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	state      TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

// Store is the sqlite-backed implementation of storage.Store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and bootstraps the
// schema. Use ":memory:" for an ephemeral database.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	if path == ":memory:" {
		dsn = "file::memory:?_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// The driver serializes access per connection; a single connection
	// avoids table-lock contention between writers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: bootstrap schema: %w", err)
	}

	logger.Info("sqlite store ready", "path", path)
	return &Store{db: db, logger: logger}, nil
}

func marshalJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func unmarshalJSON(s sql.NullString, dst any) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), dst)
}

func encodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullStr(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func strPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func (s *Store) StoreJudgment(ctx context.Context, j model.Judgment) (model.Judgment, error) {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}

	dims, err := marshalJSON(j.DimensionScores)
	if err != nil {
		return model.Judgment{}, fmt.Errorf("sqlite: encode dimension scores: %w", err)
	}
	axioms, err := marshalJSON(j.AxiomScores)
	if err != nil {
		return model.Judgment{}, fmt.Errorf("sqlite: encode axiom scores: %w", err)
	}
	weak, err := marshalJSON(j.Weaknesses)
	if err != nil {
		return model.Judgment{}, fmt.Errorf("sqlite: encode weaknesses: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO judgments
			(id, item_type, item_content, dimension_scores, axiom_scores,
			 q_score, verdict, confidence, weaknesses, user_id, session_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID.String(), j.ItemType, j.ItemContent, dims.String, axioms.String,
		j.QScore, string(j.Verdict), j.Confidence, weak,
		nullStr(j.UserID), nullStr(j.SessionID), encodeTime(j.CreatedAt),
	)
	if err != nil {
		return model.Judgment{}, fmt.Errorf("sqlite: insert judgment: %w", err)
	}
	return j, nil
}

func (s *Store) SetJudgmentBlockSlot(ctx context.Context, id uuid.UUID, slot int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE judgments SET block_slot = ? WHERE id = ?`, slot, id.String())
	if err != nil {
		return fmt.Errorf("sqlite: set block slot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

const judgmentCols = `id, item_type, item_content, dimension_scores, axiom_scores,
	q_score, verdict, confidence, weaknesses, user_id, session_id, created_at, block_slot`

func scanJudgment(row interface{ Scan(...any) error }) (model.Judgment, error) {
	var (
		j                   model.Judgment
		id, verdict, tsRaw  string
		dims, axioms, weak  sql.NullString
		userID, sessionID   sql.NullString
		blockSlot           sql.NullInt64
	)
	err := row.Scan(&id, &j.ItemType, &j.ItemContent, &dims, &axioms,
		&j.QScore, &verdict, &j.Confidence, &weak, &userID, &sessionID, &tsRaw, &blockSlot)
	if err != nil {
		return model.Judgment{}, err
	}

	j.ID, err = uuid.Parse(id)
	if err != nil {
		return model.Judgment{}, fmt.Errorf("parse judgment id: %w", err)
	}
	j.Verdict = model.Verdict(verdict)
	if err := unmarshalJSON(dims, &j.DimensionScores); err != nil {
		return model.Judgment{}, fmt.Errorf("decode dimension scores: %w", err)
	}
	if err := unmarshalJSON(axioms, &j.AxiomScores); err != nil {
		return model.Judgment{}, fmt.Errorf("decode axiom scores: %w", err)
	}
	if err := unmarshalJSON(weak, &j.Weaknesses); err != nil {
		return model.Judgment{}, fmt.Errorf("decode weaknesses: %w", err)
	}
	j.UserID = strPtr(userID)
	j.SessionID = strPtr(sessionID)
	if j.CreatedAt, err = decodeTime(tsRaw); err != nil {
		return model.Judgment{}, fmt.Errorf("parse created_at: %w", err)
	}
	if blockSlot.Valid {
		slot := blockSlot.Int64
		j.BlockSlot = &slot
	}
	return j, nil
}

func (s *Store) GetJudgment(ctx context.Context, id uuid.UUID) (model.Judgment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+judgmentCols+` FROM judgments WHERE id = ?`, id.String())
	j, err := scanJudgment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Judgment{}, storage.ErrNotFound
	}
	if err != nil {
		return model.Judgment{}, fmt.Errorf("sqlite: get judgment: %w", err)
	}
	return j, nil
}

func (s *Store) queryJudgments(ctx context.Context, query string, args ...any) ([]model.Judgment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
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

func (s *Store) SearchJudgments(ctx context.Context, query string, limit int) ([]model.Judgment, error) {
	if limit <= 0 {
		limit = 50
	}
	out, err := s.queryJudgments(ctx, `
		SELECT `+judgmentCols+` FROM judgments
		WHERE item_content LIKE '%' || ? || '%' OR item_type LIKE '%' || ? || '%'
		ORDER BY created_at DESC, id DESC LIMIT ?`, query, query, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: search judgments: %w", err)
	}
	return out, nil
}

func (s *Store) GetRecentJudgments(ctx context.Context, limit int) ([]model.Judgment, error) {
	if limit <= 0 {
		limit = 50
	}
	out, err := s.queryJudgments(ctx, `
		SELECT `+judgmentCols+` FROM judgments
		ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: recent judgments: %w", err)
	}
	return out, nil
}

func (s *Store) CountUnlinkedJudgments(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM judgments WHERE block_slot IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: count unlinked: %w", err)
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
		return nil, fmt.Errorf("sqlite: find orphans: %w", err)
	}
	return out, nil
}

func (s *Store) SealBlock(ctx context.Context, b model.Block) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin seal tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO blocks (slot, prev_hash, merkle_root, hash, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		b.Slot, b.PrevHash, b.MerkleRoot, b.Hash, encodeTime(b.CreatedAt))
	if err != nil {
		return fmt.Errorf("sqlite: insert block %d: %w", b.Slot, err)
	}

	for pos, id := range b.JudgmentIDs {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO block_judgments (slot, position, judgment_id) VALUES (?, ?, ?)`,
			b.Slot, pos, id.String())
		if err != nil {
			return fmt.Errorf("sqlite: link judgment %s: %w", id, err)
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE judgments SET block_slot = ? WHERE id = ?`, b.Slot, id.String())
		if err != nil {
			return fmt.Errorf("sqlite: set block slot for %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("sqlite: seal block %d: judgment %s: %w", b.Slot, id, storage.ErrNotFound)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit seal tx: %w", err)
	}
	return nil
}

func (s *Store) scanBlock(ctx context.Context, row *sql.Row) (model.Block, error) {
	var (
		b     model.Block
		tsRaw string
	)
	if err := row.Scan(&b.Slot, &b.PrevHash, &b.MerkleRoot, &b.Hash, &tsRaw); err != nil {
		return model.Block{}, err
	}
	var err error
	if b.CreatedAt, err = decodeTime(tsRaw); err != nil {
		return model.Block{}, fmt.Errorf("parse created_at: %w", err)
	}
	if b.JudgmentIDs, err = s.blockJudgmentIDs(ctx, b.Slot); err != nil {
		return model.Block{}, err
	}
	return b, nil
}

func (s *Store) blockJudgmentIDs(ctx context.Context, slot int64) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT judgment_id FROM block_judgments WHERE slot = ? ORDER BY position`, slot)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse judgment id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) GetBlockBySlot(ctx context.Context, slot int64) (model.Block, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT slot, prev_hash, merkle_root, hash, created_at FROM blocks WHERE slot = ?`, slot)
	b, err := s.scanBlock(ctx, row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Block{}, storage.ErrNotFound
	}
	if err != nil {
		return model.Block{}, fmt.Errorf("sqlite: get block %d: %w", slot, err)
	}
	return b, nil
}

func (s *Store) GetHeadBlock(ctx context.Context) (model.Block, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT slot, prev_hash, merkle_root, hash, created_at
		FROM blocks ORDER BY slot DESC LIMIT 1`)
	b, err := s.scanBlock(ctx, row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Block{}, storage.ErrNotFound
	}
	if err != nil {
		return model.Block{}, fmt.Errorf("sqlite: head block: %w", err)
	}
	return b, nil
}

func (s *Store) GetRecentBlocks(ctx context.Context, limit int) ([]model.Block, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT slot FROM blocks ORDER BY slot DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: recent blocks: %w", err)
	}
	var slots []int64
	for rows.Next() {
		var slot int64
		if err := rows.Scan(&slot); err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlite: recent blocks: %w", err)
		}
		slots = append(slots, slot)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: recent blocks: %w", err)
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

func (s *Store) RelinkJudgments(ctx context.Context, slot int64, ids []uuid.UUID) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin relink tx: %w", err)
	}
	defer tx.Rollback()

	changed := 0
	for _, id := range ids {
		res, err := tx.ExecContext(ctx,
			`UPDATE judgments SET block_slot = ? WHERE id = ? AND block_slot IS NULL`,
			slot, id.String())
		if err != nil {
			return 0, fmt.Errorf("sqlite: relink %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			changed++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: commit relink tx: %w", err)
	}
	return changed, nil
}

func (s *Store) StoreFeedback(ctx context.Context, f model.Feedback) (model.Feedback, error) {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}

	var actual sql.NullInt64
	if f.ActualScore != nil {
		actual = sql.NullInt64{Int64: int64(*f.ActualScore), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feedback (id, judgment_id, outcome, reason, actual_score, user_id, session_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID.String(), f.JudgmentID.String(), string(f.Outcome),
		nullStr(f.Reason), actual, nullStr(f.UserID), nullStr(f.SessionID), encodeTime(f.CreatedAt))
	if err != nil {
		// FK violation means the judgment does not exist.
		if isConstraintErr(err) {
			return model.Feedback{}, storage.ErrNotFound
		}
		return model.Feedback{}, fmt.Errorf("sqlite: insert feedback: %w", err)
	}
	return f, nil
}

func (s *Store) GetFeedbackFor(ctx context.Context, judgmentID uuid.UUID) ([]model.Feedback, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, judgment_id, outcome, reason, actual_score, user_id, session_id, created_at
		FROM feedback WHERE judgment_id = ? ORDER BY created_at ASC`, judgmentID.String())
	if err != nil {
		return nil, fmt.Errorf("sqlite: get feedback: %w", err)
	}
	defer rows.Close()

	var out []model.Feedback
	for rows.Next() {
		var (
			f                 model.Feedback
			id, jid, outcome  string
			tsRaw             string
			reason, uid, sid  sql.NullString
			actual            sql.NullInt64
		)
		if err := rows.Scan(&id, &jid, &outcome, &reason, &actual, &uid, &sid, &tsRaw); err != nil {
			return nil, fmt.Errorf("sqlite: scan feedback: %w", err)
		}
		if f.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("sqlite: parse feedback id: %w", err)
		}
		if f.JudgmentID, err = uuid.Parse(jid); err != nil {
			return nil, fmt.Errorf("sqlite: parse judgment id: %w", err)
		}
		f.Outcome = model.FeedbackOutcome(outcome)
		f.Reason = strPtr(reason)
		if actual.Valid {
			v := int(actual.Int64)
			f.ActualScore = &v
		}
		f.UserID = strPtr(uid)
		f.SessionID = strPtr(sid)
		if f.CreatedAt, err = decodeTime(tsRaw); err != nil {
			return nil, fmt.Errorf("sqlite: parse feedback created_at: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) StoreKnowledge(ctx context.Context, d model.Digest) (model.Digest, error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	patterns, err := marshalJSON(d.Patterns)
	if err != nil {
		return model.Digest{}, fmt.Errorf("sqlite: encode patterns: %w", err)
	}
	insights, err := marshalJSON(d.Insights)
	if err != nil {
		return model.Digest{}, fmt.Errorf("sqlite: encode insights: %w", err)
	}
	meta, err := marshalJSON(d.Metadata)
	if err != nil {
		return model.Digest{}, fmt.Errorf("sqlite: encode metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO knowledge (id, source, type, content, patterns, insights, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID.String(), d.Source, d.Type, d.Content, patterns, insights, meta, encodeTime(d.CreatedAt))
	if err != nil {
		return model.Digest{}, fmt.Errorf("sqlite: insert knowledge: %w", err)
	}
	return d, nil
}

func (s *Store) GetKnowledge(ctx context.Context, id uuid.UUID) (model.Digest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source, type, content, patterns, insights, metadata, created_at
		FROM knowledge WHERE id = ?`, id.String())

	var (
		d                        model.Digest
		idRaw, tsRaw             string
		patterns, insights, meta sql.NullString
	)
	err := row.Scan(&idRaw, &d.Source, &d.Type, &d.Content, &patterns, &insights, &meta, &tsRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Digest{}, storage.ErrNotFound
	}
	if err != nil {
		return model.Digest{}, fmt.Errorf("sqlite: get knowledge: %w", err)
	}
	if d.ID, err = uuid.Parse(idRaw); err != nil {
		return model.Digest{}, fmt.Errorf("sqlite: parse knowledge id: %w", err)
	}
	if err := unmarshalJSON(patterns, &d.Patterns); err != nil {
		return model.Digest{}, fmt.Errorf("sqlite: decode patterns: %w", err)
	}
	if err := unmarshalJSON(insights, &d.Insights); err != nil {
		return model.Digest{}, fmt.Errorf("sqlite: decode insights: %w", err)
	}
	if err := unmarshalJSON(meta, &d.Metadata); err != nil {
		return model.Digest{}, fmt.Errorf("sqlite: decode metadata: %w", err)
	}
	if d.CreatedAt, err = decodeTime(tsRaw); err != nil {
		return model.Digest{}, fmt.Errorf("sqlite: parse knowledge created_at: %w", err)
	}
	return d, nil
}

func (s *Store) SearchKnowledge(ctx context.Context, query string, limit int) ([]model.Digest, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source, type, content, patterns, insights, metadata, created_at
		FROM knowledge
		WHERE content LIKE '%' || ? || '%' OR source LIKE '%' || ? || '%'
		ORDER BY created_at DESC LIMIT ?`, query, query, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: search knowledge: %w", err)
	}
	defer rows.Close()

	var out []model.Digest
	for rows.Next() {
		var (
			d                        model.Digest
			id, tsRaw                string
			patterns, insights, meta sql.NullString
		)
		if err := rows.Scan(&id, &d.Source, &d.Type, &d.Content, &patterns, &insights, &meta, &tsRaw); err != nil {
			return nil, fmt.Errorf("sqlite: scan knowledge: %w", err)
		}
		if d.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("sqlite: parse knowledge id: %w", err)
		}
		if err := unmarshalJSON(patterns, &d.Patterns); err != nil {
			return nil, fmt.Errorf("sqlite: decode patterns: %w", err)
		}
		if err := unmarshalJSON(insights, &d.Insights); err != nil {
			return nil, fmt.Errorf("sqlite: decode insights: %w", err)
		}
		if err := unmarshalJSON(meta, &d.Metadata); err != nil {
			return nil, fmt.Errorf("sqlite: decode metadata: %w", err)
		}
		if d.CreatedAt, err = decodeTime(tsRaw); err != nil {
			return nil, fmt.Errorf("sqlite: parse knowledge created_at: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) UpsertTrigger(ctx context.Context, t model.Trigger) (model.Trigger, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	cond, err := marshalJSON(t.Condition)
	if err != nil {
		return model.Trigger{}, fmt.Errorf("sqlite: encode condition: %w", err)
	}
	cfg, err := marshalJSON(t.ActionConfig)
	if err != nil {
		return model.Trigger{}, fmt.Errorf("sqlite: encode action config: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO triggers (id, name, type, condition, action, action_config, enabled, priority, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name, type = excluded.type, condition = excluded.condition,
			action = excluded.action, action_config = excluded.action_config,
			enabled = excluded.enabled, priority = excluded.priority`,
		t.ID.String(), t.Name, string(t.Type), cond.String, string(t.Action), cfg,
		t.Enabled, t.Priority, encodeTime(t.CreatedAt))
	if err != nil {
		return model.Trigger{}, fmt.Errorf("sqlite: upsert trigger: %w", err)
	}
	return t, nil
}

func (s *Store) ListTriggers(ctx context.Context) ([]model.Trigger, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, type, condition, action, action_config, enabled, priority, created_at
		FROM triggers ORDER BY priority DESC, created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list triggers: %w", err)
	}
	defer rows.Close()

	var out []model.Trigger
	for rows.Next() {
		var (
			t                model.Trigger
			id, typ, action  string
			tsRaw            string
			cond, cfg        sql.NullString
		)
		if err := rows.Scan(&id, &t.Name, &typ, &cond, &action, &cfg, &t.Enabled, &t.Priority, &tsRaw); err != nil {
			return nil, fmt.Errorf("sqlite: scan trigger: %w", err)
		}
		if t.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("sqlite: parse trigger id: %w", err)
		}
		t.Type = model.TriggerType(typ)
		t.Action = model.ActionType(action)
		if err := unmarshalJSON(cond, &t.Condition); err != nil {
			return nil, fmt.Errorf("sqlite: decode condition: %w", err)
		}
		if err := unmarshalJSON(cfg, &t.ActionConfig); err != nil {
			return nil, fmt.Errorf("sqlite: decode action config: %w", err)
		}
		if t.CreatedAt, err = decodeTime(tsRaw); err != nil {
			return nil, fmt.Errorf("sqlite: parse trigger created_at: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) DeleteTrigger(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM triggers WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("sqlite: delete trigger: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) SetTriggerEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE triggers SET enabled = ? WHERE id = ?`, enabled, id.String())
	if err != nil {
		return fmt.Errorf("sqlite: set trigger enabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) LoadLearningState(ctx context.Context) (model.LearningState, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM learning_state WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return model.LearningState{}, storage.ErrNotFound
	}
	if err != nil {
		return model.LearningState{}, fmt.Errorf("sqlite: load learning state: %w", err)
	}

	var st model.LearningState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return model.LearningState{}, fmt.Errorf("sqlite: decode learning state: %w", err)
	}
	return st, nil
}

func (s *Store) SaveLearningState(ctx context.Context, st model.LearningState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("sqlite: encode learning state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO learning_state (id, state, updated_at) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		string(raw), encodeTime(time.Now()))
	if err != nil {
		return fmt.Errorf("sqlite: save learning state: %w", err)
	}
	return nil
}

func (s *Store) ResetAll(ctx context.Context, confirmationToken string) error {
	if err := storage.VerifyResetToken(confirmationToken); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin reset tx: %w", err)
	}
	defer tx.Rollback()

	// Dependency order: children first.
	for _, table := range []string{"feedback", "block_judgments", "blocks", "judgments", "knowledge", "triggers", "learning_state"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("sqlite: reset %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit reset tx: %w", err)
	}
	s.logger.Warn("all persisted data destroyed by reset")
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Backend() string { return "sqlite" }

func (s *Store) Close(context.Context) error {
	return s.db.Close()
}

// isConstraintErr detects FK/unique violations without importing driver
// internals; modernc's error strings carry the SQLITE_CONSTRAINT text.
func isConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "constraint") || strings.Contains(msg, "FOREIGN KEY")
}
