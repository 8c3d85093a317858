package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

const postgresMessageSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id UUID PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	provider_id TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	tokens INTEGER NOT NULL DEFAULT 0,
	latency_ms BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);
`

// PostgresMessageStore persists messages in Postgres for deployments where
// several relay hosts share one conversation history.
type PostgresMessageStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresMessageStore connects with the given DSN and ensures the schema.
func NewPostgresMessageStore(ctx context.Context, dsn string) (*PostgresMessageStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, postgresMessageSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &PostgresMessageStore{db: db, now: time.Now}, nil
}

func (s *PostgresMessageStore) Create(ctx context.Context, conversationID, role, content string) (string, error) {
	id := uuid.NewString()
	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, conversationID, role, content, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("insert message: %w", err)
	}
	return id, nil
}

func (s *PostgresMessageStore) UpdateMetadata(ctx context.Context, id string, meta MessageMetadata) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET content = $1, provider_id = $2, model = $3, tokens = $4, latency_ms = $5, updated_at = $6
		 WHERE id = $7`,
		meta.Content, meta.ProviderID, meta.Model, meta.Tokens, meta.LatencyMs, s.now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrMessageNotFound
	}
	return nil
}

func (s *PostgresMessageStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrMessageNotFound
	}
	return nil
}

func (s *PostgresMessageStore) ListByConversation(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, provider_id, model, tokens, latency_ms, created_at, updated_at
		 FROM messages WHERE conversation_id = $1 ORDER BY created_at, id`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.ProviderID, &m.Model, &m.Tokens, &m.LatencyMs, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresMessageStore) Close() error {
	return s.db.Close()
}
