// Package jobs provides the asynchronous job orchestrator: a persistent job
// queue over the workspace SQLite database, executed by a bounded worker pool
// with retry, per-document serialization, and idempotent submission.
package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the work a job performs.
type Kind string

const (
	// KindIngest runs the ingestion pipeline for one document.
	KindIngest Kind = "ingest"
	// KindAgentTurn runs one agent conversation turn.
	KindAgentTurn Kind = "agent_turn"
)

// State is a job's lifecycle state. queued → running → {succeeded, retrying,
// failed}; retrying goes back to queued after backoff; succeeded and failed
// are terminal.
type State string

const (
	// StateQueued means the job is waiting for a worker.
	StateQueued State = "queued"
	// StateRunning means a worker is executing the job.
	StateRunning State = "running"
	// StateRetrying means the last attempt failed and the job is backing off.
	StateRetrying State = "retrying"
	// StateSucceeded means the job completed. Terminal.
	StateSucceeded State = "succeeded"
	// StateFailed means the job exhausted its attempts, hit a fatal error,
	// or was cancelled. Terminal.
	StateFailed State = "failed"
)

// ErrNotFound is returned when a job ID does not exist.
var ErrNotFound = errors.New("jobs: job not found")

// Job is one unit of queued work.
type Job struct {
	// ID is the job's UUID.
	ID string
	// Kind identifies the handler that executes the job.
	Kind Kind
	// Payload is the JSON-encoded job input.
	Payload string
	// State is the current lifecycle state.
	State State
	// Attempts counts execution attempts so far.
	Attempts int
	// LastError describes the most recent failure, empty if none.
	LastError string
	// IdempotencyKey collapses duplicate submissions, empty if unused.
	IdempotencyKey string
	// CreatedAt is when the job was enqueued.
	CreatedAt time.Time
	// UpdatedAt is when the job last changed state.
	UpdatedAt time.Time
}

// Terminal reports whether the job can no longer change state.
func (j *Job) Terminal() bool {
	return j.State == StateSucceeded || j.State == StateFailed
}

// Store persists jobs in the workspace SQLite database so state survives
// restarts. It shares the connection owned by the document store.
type Store struct {
	db *sql.DB
}

// NewStore wraps db and creates the jobs schema if needed.
func NewStore(db *sql.DB) (*Store, error) {
	const ddl = `
CREATE TABLE IF NOT EXISTS jobs (
    id              TEXT    PRIMARY KEY,
    kind            TEXT    NOT NULL CHECK(kind IN ('ingest','agent_turn')),
    payload         TEXT    NOT NULL,
    state           TEXT    NOT NULL CHECK(state IN ('queued','running','retrying','succeeded','failed')),
    attempts        INTEGER NOT NULL DEFAULT 0,
    last_error      TEXT    NOT NULL DEFAULT '',
    idempotency_key TEXT    UNIQUE,  -- NULL when unused; NULLs never collide
    created_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs (state);
`
	if _, err := db.Exec(ddl); err != nil {
		return nil, fmt.Errorf("jobs: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Create inserts a queued job. When idempotencyKey is non-empty and a job
// with the same key already exists, the existing job is returned instead and
// created is false.
func (s *Store) Create(ctx context.Context, kind Kind, payload, idempotencyKey string) (job *Job, created bool, err error) {
	if idempotencyKey != "" {
		existing, err := s.byIdempotencyKey(ctx, idempotencyKey)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, false, err
		}
		if existing != nil {
			return existing, false, nil
		}
	}

	now := time.Now().Unix()
	j := &Job{
		ID:             uuid.NewString(),
		Kind:           kind,
		Payload:        payload,
		State:          StateQueued,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      time.Unix(now, 0),
		UpdatedAt:      time.Unix(now, 0),
	}

	var key any
	if idempotencyKey != "" {
		key = idempotencyKey
	}
	const q = `
INSERT INTO jobs (id, kind, payload, state, attempts, last_error, idempotency_key, created_at, updated_at)
VALUES (?, ?, ?, ?, 0, '', ?, ?, ?)
ON CONFLICT(idempotency_key) DO NOTHING`
	res, err := s.db.ExecContext(ctx, q, j.ID, string(kind), payload, string(StateQueued), key, now, now)
	if err != nil {
		return nil, false, fmt.Errorf("jobs: create: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost a race on the idempotency key — return the winner.
		existing, err := s.byIdempotencyKey(ctx, idempotencyKey)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	return j, true, nil
}

// Get returns the job with the given ID, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	const q = `
SELECT id, kind, payload, state, attempts, last_error, idempotency_key, created_at, updated_at
FROM jobs WHERE id = ?`
	return scanJob(s.db.QueryRowContext(ctx, q, id))
}

// byIdempotencyKey returns the job holding the given key, or ErrNotFound.
func (s *Store) byIdempotencyKey(ctx context.Context, key string) (*Job, error) {
	const q = `
SELECT id, kind, payload, state, attempts, last_error, idempotency_key, created_at, updated_at
FROM jobs WHERE idempotency_key = ?`
	return scanJob(s.db.QueryRowContext(ctx, q, key))
}

// Pending returns all non-terminal jobs, oldest first. Used to resume work
// after a restart; jobs found in the running state belonged to a previous
// process and are re-executed.
func (s *Store) Pending(ctx context.Context) ([]Job, error) {
	const q = `
SELECT id, kind, payload, state, attempts, last_error, idempotency_key, created_at, updated_at
FROM jobs WHERE state IN ('queued','running','retrying')
ORDER BY created_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("jobs: pending: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var j Job
		var key sql.NullString
		var createdAt, updatedAt int64
		if err := rows.Scan(&j.ID, (*string)(&j.Kind), &j.Payload, (*string)(&j.State),
			&j.Attempts, &j.LastError, &key, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("jobs: pending scan: %w", err)
		}
		j.IdempotencyKey = key.String
		j.CreatedAt = time.Unix(createdAt, 0)
		j.UpdatedAt = time.Unix(updatedAt, 0)
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("jobs: pending rows: %w", err)
	}
	return out, nil
}

// update persists a state transition.
func (s *Store) update(ctx context.Context, id string, state State, attempts int, lastErr string) error {
	const q = `UPDATE jobs SET state = ?, attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, q, string(state), attempts, lastErr, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("jobs: update %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("jobs: update %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanJob(row *sql.Row) (*Job, error) {
	var j Job
	var key sql.NullString
	var createdAt, updatedAt int64
	err := row.Scan(&j.ID, (*string)(&j.Kind), &j.Payload, (*string)(&j.State),
		&j.Attempts, &j.LastError, &key, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("jobs: scan: %w", err)
	}
	j.IdempotencyKey = key.String
	j.CreatedAt = time.Unix(createdAt, 0)
	j.UpdatedAt = time.Unix(updatedAt, 0)
	return &j, nil
}
