package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lifeos-labs/lifeos-agent/pkg/provider/llm"
)

// ddlCheckpoints is the idempotent schema for the checkpoint table: one
// logical record per conversation, whole message sequence as JSONB.
const ddlCheckpoints = `
CREATE TABLE IF NOT EXISTS checkpoints (
    conversation_id TEXT         PRIMARY KEY,
    messages        JSONB        NOT NULL DEFAULT '[]',
    turns           INTEGER      NOT NULL DEFAULT 0,
    updated_at      TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_checkpoints_updated_at
    ON checkpoints (updated_at);
`

// PostgresStore is a [Store] backed by a PostgreSQL checkpoints table.
//
// All methods are safe for concurrent use; row-level locking gives each
// conversation identifier an independent write path.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to the database at dsn and runs [Migrate] to
// ensure the checkpoint table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("checkpoint store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("checkpoint store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("checkpoint store: migrate: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Migrate creates the checkpoint table if it does not exist. It is idempotent
// and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlCheckpoints); err != nil {
		return fmt.Errorf("checkpoint migrate: %w", err)
	}
	return nil
}

// Load implements [Store].
func (s *PostgresStore) Load(ctx context.Context, conversationID string) (*Checkpoint, error) {
	const q = `
		SELECT messages, turns, updated_at
		FROM   checkpoints
		WHERE  conversation_id = $1`

	var (
		raw       []byte
		turns     int
		updatedAt time.Time
	)
	err := s.pool.QueryRow(ctx, q, conversationID).Scan(&raw, &turns, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &Checkpoint{ConversationID: conversationID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint store: load %q: %w", conversationID, err)
	}

	var messages []llm.Message
	if err := json.Unmarshal(raw, &messages); err != nil {
		return nil, fmt.Errorf("checkpoint store: decode %q: %w", conversationID, err)
	}

	return &Checkpoint{
		ConversationID: conversationID,
		Messages:       messages,
		Turns:          turns,
		UpdatedAt:      updatedAt,
	}, nil
}

// Save implements [Store]. The write is a whole-sequence upsert.
func (s *PostgresStore) Save(ctx context.Context, cp *Checkpoint) error {
	if cp == nil || cp.ConversationID == "" {
		return fmt.Errorf("checkpoint store: save requires a conversation id")
	}

	raw, err := json.Marshal(cp.Messages)
	if err != nil {
		return fmt.Errorf("checkpoint store: encode %q: %w", cp.ConversationID, err)
	}

	const q = `
		INSERT INTO checkpoints (conversation_id, messages, turns, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (conversation_id) DO UPDATE
		SET messages = EXCLUDED.messages,
		    turns = EXCLUDED.turns,
		    updated_at = now()`

	if _, err := s.pool.Exec(ctx, q, cp.ConversationID, raw, cp.Turns); err != nil {
		return fmt.Errorf("checkpoint store: save %q: %w", cp.ConversationID, err)
	}
	return nil
}

// Close implements [Store].
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
