package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const sqliteMessageSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	provider_id TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	tokens INTEGER NOT NULL DEFAULT 0,
	latency_ms INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);
`

// SQLiteMessageStore persists messages in a local SQLite file. Suited to
// single-machine deployments where the relay runs next to its caller.
type SQLiteMessageStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteMessageStore opens (creating if needed) the database at path.
func NewSQLiteMessageStore(path string) (*SQLiteMessageStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The driver serializes writes; a single connection avoids lock errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(sqliteMessageSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &SQLiteMessageStore{db: db, now: time.Now}, nil
}

func (s *SQLiteMessageStore) Create(ctx context.Context, conversationID, role, content string) (string, error) {
	id := uuid.NewString()
	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, conversationID, role, content, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("insert message: %w", err)
	}
	return id, nil
}

func (s *SQLiteMessageStore) UpdateMetadata(ctx context.Context, id string, meta MessageMetadata) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET content = ?, provider_id = ?, model = ?, tokens = ?, latency_ms = ?, updated_at = ?
		 WHERE id = ?`,
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

func (s *SQLiteMessageStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
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

func (s *SQLiteMessageStore) ListByConversation(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, provider_id, model, tokens, latency_ms, created_at, updated_at
		 FROM messages WHERE conversation_id = ? ORDER BY created_at, id`,
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

func (s *SQLiteMessageStore) Close() error {
	return s.db.Close()
}
