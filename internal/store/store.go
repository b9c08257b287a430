// Package store provides a SQLite-backed conversation history store for the
// mindbook agents. Each conversation has its own thread of turns. Turns are
// persisted across server restarts and injected into the LLM context window
// on subsequent queries.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver
)

// Turn is the durable record of one question/answer exchange as stored.
// ToolTrace and Citations carry JSON-encoded payloads produced by the agent
// layer; the store treats them as opaque text.
type Turn struct {
	// ConversationID groups turns belonging to one conversation thread.
	ConversationID string
	// ProjectID is the workspace the turn ran in.
	ProjectID string
	// Question is the user's message.
	Question string
	// Answer is the agent's final text.
	Answer string
	// Path records how the turn was resolved (simple, direct, clarify, delegate).
	Path string
	// ToolTrace is the JSON-encoded tool call trace, empty for direct answers.
	ToolTrace string
	// Citations is the JSON-encoded citation list grounding the answer.
	Citations string
	// CreatedAt is when the turn was persisted.
	CreatedAt time.Time
}

// ConversationStore persists and retrieves conversation turns keyed by
// conversation ID. Implementations must be safe for concurrent use.
type ConversationStore interface {
	// AppendTurn persists a completed turn.
	AppendTurn(ctx context.Context, turn Turn) error
	// Recent returns the most recent n turns for the conversation, ordered
	// oldest-first so they can be replayed into the LLM message slice directly.
	// If fewer than n turns exist, all are returned.
	Recent(ctx context.Context, conversationID string, n int) ([]Turn, error)
	// Close releases any resources held by the store.
	Close() error
}

// SQLiteStore is a ConversationStore backed by a local SQLite database.
type SQLiteStore struct {
	// db is the underlying database connection pool.
	db *sql.DB
}

// DefaultDBPath returns the default path for the conversation history database.
// It resolves to ~/.mindbook/history.db, creating the directory if needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("store: could not determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".mindbook")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("store: could not create %s: %w", dir, err)
	}
	return filepath.Join(dir, "history.db"), nil
}

// Open opens (or creates) a SQLiteStore at the given path and runs the schema
// migration. Use ":memory:" for an in-memory database in tests.
func Open(path string) (*SQLiteStore, error) {
	// WAL mode improves concurrent read performance and is safe for single-host use.
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// Limit to a single writer connection to avoid SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrate creates the schema if it does not already exist.
func (s *SQLiteStore) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS turns (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    conversation_id TEXT    NOT NULL,
    project_id      TEXT    NOT NULL,
    question        TEXT    NOT NULL,
    answer          TEXT    NOT NULL,
    path            TEXT    NOT NULL,
    tool_trace      TEXT    NOT NULL DEFAULT '',
    citations       TEXT    NOT NULL DEFAULT '',
    created_at      INTEGER NOT NULL  -- Unix timestamp (seconds)
);
CREATE INDEX IF NOT EXISTS idx_turns_conversation_created
    ON turns (conversation_id, created_at);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// AppendTurn persists a completed turn.
func (s *SQLiteStore) AppendTurn(ctx context.Context, turn Turn) error {
	const q = `
INSERT INTO turns (conversation_id, project_id, question, answer, path, tool_trace, citations, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q,
		turn.ConversationID, turn.ProjectID, turn.Question, turn.Answer,
		turn.Path, turn.ToolTrace, turn.Citations, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("store: append turn: %w", err)
	}
	return nil
}

// Recent returns the most recent n turns for the conversation, ordered
// oldest-first. Uses a subquery to select the tail then re-order for injection.
func (s *SQLiteStore) Recent(ctx context.Context, conversationID string, n int) ([]Turn, error) {
	const q = `
SELECT conversation_id, project_id, question, answer, path, tool_trace, citations, created_at FROM (
    SELECT id, conversation_id, project_id, question, answer, path, tool_trace, citations, created_at
    FROM   turns
    WHERE  conversation_id = ?
    ORDER  BY created_at DESC, id DESC
    LIMIT  ?
) ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, q, conversationID, n)
	if err != nil {
		return nil, fmt.Errorf("store: recent: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var ts int64
		if err := rows.Scan(&t.ConversationID, &t.ProjectID, &t.Question, &t.Answer,
			&t.Path, &t.ToolTrace, &t.Citations, &ts); err != nil {
			return nil, fmt.Errorf("store: recent scan: %w", err)
		}
		t.CreatedAt = time.Unix(ts, 0)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: recent rows: %w", err)
	}
	return turns, nil
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}
