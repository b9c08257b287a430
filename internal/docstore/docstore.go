// Package docstore provides the SQLite-backed document and chunk store.
// Documents are versioned: re-uploading changed content produces a new
// version whose chunk set atomically replaces the prior one. Chunks are
// immutable once committed and are garbage-collected when their document
// version is superseded.
package docstore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // register "sqlite" driver
)

// Status is the ingestion lifecycle state of a document.
type Status string

const (
	// StatusPending means the document is uploaded but not yet processed.
	StatusPending Status = "pending"
	// StatusProcessing means an ingestion job is currently working on it.
	StatusProcessing Status = "processing"
	// StatusReady means the document has a committed, queryable chunk set.
	StatusReady Status = "ready"
	// StatusFailed means ingestion failed fatally; Failure holds the reason.
	StatusFailed Status = "failed"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("docstore: document not found")

// Document is an uploaded source document scoped to a project.
type Document struct {
	// ID is the unique document identifier.
	ID string
	// ProjectID scopes the document to a project workspace.
	ProjectID string
	// SourceRef is the opaque handle to the raw bytes in external storage.
	SourceRef string
	// MediaType is the declared media type of the source (e.g. "application/pdf").
	MediaType string
	// ContentHash is the SHA-256 hex of the extracted content of the current
	// ready version. Empty until the first successful ingestion.
	ContentHash string
	// Version is the current ready version number. Zero means no version has
	// ever been committed.
	Version int
	// Status is the ingestion lifecycle state.
	Status Status
	// Failure is the human-readable reason when Status is failed.
	Failure string
	// CreatedAt is when the document record was created.
	CreatedAt time.Time
	// UpdatedAt is when the record was last mutated.
	UpdatedAt time.Time
}

// Chunk is one ordered text span of a document version with its embedding.
// Chunks are immutable once committed.
type Chunk struct {
	// ID is the unique chunk identifier.
	ID string
	// DocumentID is the owning document.
	DocumentID string
	// Version is the document version this chunk belongs to.
	Version int
	// Index is the chunk's position within the document (0-based).
	Index int
	// Text is the chunk content.
	Text string
	// TokenCount is the estimated token count of Text.
	TokenCount int
	// Embedding is the dense vector for similarity search.
	Embedding []float32
	// CreatedAt is when the chunk was committed.
	CreatedAt time.Time
}

// Store is the SQLite-backed document and chunk store.
type Store struct {
	// db is the underlying database connection pool.
	db *sql.DB
}

// DefaultDBPath returns the default path for the mindbook database.
// It resolves to ~/.mindbook/mindbook.db, creating the directory if needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("docstore: could not determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".mindbook")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("docstore: could not create %s: %w", dir, err)
	}
	return filepath.Join(dir, "mindbook.db"), nil
}

// Open opens (or creates) a Store at the given path and runs the schema
// migration. Use ":memory:" for an in-memory database in tests.
func Open(path string) (*Store, error) {
	// WAL mode improves concurrent read performance and is safe for single-host use.
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("docstore: open %s: %w", path, err)
	}
	// Limit to a single writer connection to avoid SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrate creates the schema if it does not already exist.
func (s *Store) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS documents (
    id            TEXT    PRIMARY KEY,
    project_id    TEXT    NOT NULL,
    source_ref    TEXT    NOT NULL,
    media_type    TEXT    NOT NULL,
    content_hash  TEXT    NOT NULL DEFAULT '',
    version       INTEGER NOT NULL DEFAULT 0,
    status        TEXT    NOT NULL CHECK(status IN ('pending','processing','ready','failed')),
    failure       TEXT    NOT NULL DEFAULT '',
    created_at    INTEGER NOT NULL,  -- Unix timestamp (seconds)
    updated_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_documents_project
    ON documents (project_id, status);

CREATE TABLE IF NOT EXISTS chunks (
    id           TEXT    PRIMARY KEY,
    document_id  TEXT    NOT NULL REFERENCES documents(id),
    version      INTEGER NOT NULL,
    idx          INTEGER NOT NULL,
    text         TEXT    NOT NULL,
    token_count  INTEGER NOT NULL,
    embedding    BLOB    NOT NULL,
    created_at   INTEGER NOT NULL,
    UNIQUE (document_id, version, idx)
);
CREATE INDEX IF NOT EXISTS idx_chunks_document
    ON chunks (document_id, version);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("docstore: migrate: %w", err)
	}
	return nil
}

// Handle exposes the underlying connection pool so sibling stores (the job
// store) can share the same database file and migration lifecycle.
func (s *Store) Handle() *sql.DB {
	return s.db
}

// CreateDocument registers a new document in pending state and returns it.
func (s *Store) CreateDocument(ctx context.Context, projectID, sourceRef, mediaType string) (*Document, error) {
	now := time.Now()
	doc := &Document{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		SourceRef: sourceRef,
		MediaType: mediaType,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	const q = `INSERT INTO documents (id, project_id, source_ref, media_type, status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q, doc.ID, doc.ProjectID, doc.SourceRef, doc.MediaType,
		string(doc.Status), now.Unix(), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("docstore: create document: %w", err)
	}
	return doc, nil
}

// Document returns the document with the given ID, or ErrNotFound.
func (s *Store) Document(ctx context.Context, id string) (*Document, error) {
	const q = `SELECT id, project_id, source_ref, media_type, content_hash, version, status, failure, created_at, updated_at
FROM documents WHERE id = ?`
	return scanDocument(s.db.QueryRowContext(ctx, q, id))
}

// ListDocuments returns all documents in a project ordered by creation time.
func (s *Store) ListDocuments(ctx context.Context, projectID string) ([]Document, error) {
	const q = `SELECT id, project_id, source_ref, media_type, content_hash, version, status, failure, created_at, updated_at
FROM documents WHERE project_id = ? ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, q, projectID)
	if err != nil {
		return nil, fmt.Errorf("docstore: list documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		doc, err := scanDocumentRows(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("docstore: list documents rows: %w", err)
	}
	return docs, nil
}

// MarkProcessing transitions the document to processing state.
func (s *Store) MarkProcessing(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, StatusProcessing, "")
}

// MarkFailed transitions the document to failed state with a human-readable
// reason. A prior ready version, if any, remains queryable.
func (s *Store) MarkFailed(ctx context.Context, id, reason string) error {
	return s.setStatus(ctx, id, StatusFailed, reason)
}

// MarkReady restores the document to ready state without committing a new
// version. Used when re-ingestion finds the content unchanged.
func (s *Store) MarkReady(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, StatusReady, "")
}

// setStatus updates status and failure reason for a document.
func (s *Store) setStatus(ctx context.Context, id string, status Status, failure string) error {
	const q = `UPDATE documents SET status = ?, failure = ?, updated_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, q, string(status), failure, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("docstore: set status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("docstore: set status rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CommitChunks atomically replaces the document's chunk set with a new
// version. The new chunks are inserted, the document is bumped to the new
// version in ready state, and the superseded version's chunks are deleted —
// all in one transaction, so readers never observe a half-written set and the
// prior version stays queryable until the commit lands.
// The returned version is the newly committed version number.
func (s *Store) CommitChunks(ctx context.Context, documentID, contentHash string, chunks []Chunk) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("docstore: begin commit: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after Commit

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT version FROM documents WHERE id = ?`, documentID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("docstore: read version: %w", err)
	}
	next := current + 1

	now := time.Now().Unix()
	const insert = `INSERT INTO chunks (id, document_id, version, idx, text, token_count, embedding, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	for i := range chunks {
		c := &chunks[i]
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		c.DocumentID = documentID
		c.Version = next
		if _, err := tx.ExecContext(ctx, insert,
			c.ID, documentID, next, c.Index, c.Text, c.TokenCount, encodeVector(c.Embedding), now); err != nil {
			return 0, fmt.Errorf("docstore: insert chunk %d: %w", c.Index, err)
		}
	}

	const bump = `UPDATE documents SET content_hash = ?, version = ?, status = 'ready', failure = '', updated_at = ? WHERE id = ?`
	if _, err := tx.ExecContext(ctx, bump, contentHash, next, now, documentID); err != nil {
		return 0, fmt.Errorf("docstore: bump version: %w", err)
	}

	// Garbage-collect the superseded version's chunks.
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ? AND version < ?`, documentID, next); err != nil {
		return 0, fmt.Errorf("docstore: gc superseded chunks: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("docstore: commit: %w", err)
	}
	return next, nil
}

// ReadyChunks returns every chunk belonging to the current ready version of a
// ready document in the project, ordered by document then chunk index. The
// join on the document's current version guarantees superseded chunks are
// never returned even if garbage collection has not yet run.
func (s *Store) ReadyChunks(ctx context.Context, projectID string) ([]Chunk, error) {
	const q = `
SELECT c.id, c.document_id, c.version, c.idx, c.text, c.token_count, c.embedding, c.created_at
FROM   chunks c
JOIN   documents d ON d.id = c.document_id AND d.version = c.version
WHERE  d.project_id = ? AND d.status = 'ready'
ORDER  BY c.document_id ASC, c.idx ASC`

	rows, err := s.db.QueryContext(ctx, q, projectID)
	if err != nil {
		return nil, fmt.Errorf("docstore: ready chunks: %w", err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		var blob []byte
		var ts int64
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Version, &c.Index, &c.Text, &c.TokenCount, &blob, &ts); err != nil {
			return nil, fmt.Errorf("docstore: ready chunks scan: %w", err)
		}
		c.Embedding = decodeVector(blob)
		c.CreatedAt = time.Unix(ts, 0)
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("docstore: ready chunks rows: %w", err)
	}
	return chunks, nil
}

// DocumentChunks returns the chunks of the document's current version in
// index order.
func (s *Store) DocumentChunks(ctx context.Context, documentID string) ([]Chunk, error) {
	const q = `
SELECT c.id, c.document_id, c.version, c.idx, c.text, c.token_count, c.embedding, c.created_at
FROM   chunks c
JOIN   documents d ON d.id = c.document_id AND d.version = c.version
WHERE  c.document_id = ?
ORDER  BY c.idx ASC`

	rows, err := s.db.QueryContext(ctx, q, documentID)
	if err != nil {
		return nil, fmt.Errorf("docstore: document chunks: %w", err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		var blob []byte
		var ts int64
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Version, &c.Index, &c.Text, &c.TokenCount, &blob, &ts); err != nil {
			return nil, fmt.Errorf("docstore: document chunks scan: %w", err)
		}
		c.Embedding = decodeVector(blob)
		c.CreatedAt = time.Unix(ts, 0)
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("docstore: document chunks rows: %w", err)
	}
	return chunks, nil
}

// Chunk returns a single chunk by ID and whether its document version is
// still current. Callers treat stale chunks as absent.
func (s *Store) Chunk(ctx context.Context, id string) (*Chunk, bool, error) {
	const q = `
SELECT c.id, c.document_id, c.version, c.idx, c.text, c.token_count, c.embedding, c.created_at, d.version
FROM   chunks c
JOIN   documents d ON d.id = c.document_id
WHERE  c.id = ?`

	var c Chunk
	var blob []byte
	var ts int64
	var docVersion int
	err := s.db.QueryRowContext(ctx, q, id).Scan(
		&c.ID, &c.DocumentID, &c.Version, &c.Index, &c.Text, &c.TokenCount, &blob, &ts, &docVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("docstore: chunk: %w", err)
	}
	c.Embedding = decodeVector(blob)
	c.CreatedAt = time.Unix(ts, 0)
	return &c, c.Version == docVersion, nil
}

// CountChunks returns the number of chunks in the document's current version.
func (s *Store) CountChunks(ctx context.Context, documentID string) (int, error) {
	const q = `
SELECT COUNT(*)
FROM   chunks c
JOIN   documents d ON d.id = c.document_id AND d.version = c.version
WHERE  c.document_id = ?`

	var n int
	if err := s.db.QueryRowContext(ctx, q, documentID).Scan(&n); err != nil {
		return 0, fmt.Errorf("docstore: count chunks: %w", err)
	}
	return n, nil
}

// Close releases the database connection pool.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("docstore: close: %w", err)
	}
	return nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanDocument scans a single document row, mapping sql.ErrNoRows to ErrNotFound.
func scanDocument(row *sql.Row) (*Document, error) {
	doc, err := scanDocumentFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return doc, err
}

// scanDocumentRows scans a document from an open *sql.Rows cursor.
func scanDocumentRows(rows *sql.Rows) (*Document, error) {
	return scanDocumentFrom(rows)
}

// scanDocumentFrom scans the standard document column set.
func scanDocumentFrom(r rowScanner) (*Document, error) {
	var doc Document
	var status string
	var created, updated int64
	err := r.Scan(&doc.ID, &doc.ProjectID, &doc.SourceRef, &doc.MediaType,
		&doc.ContentHash, &doc.Version, &status, &doc.Failure, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("docstore: scan document: %w", err)
	}
	doc.Status = Status(status)
	doc.CreatedAt = time.Unix(created, 0)
	doc.UpdatedAt = time.Unix(updated, 0)
	return &doc, nil
}

// encodeVector packs a float32 vector into a little-endian byte blob.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeVector unpacks a little-endian byte blob into a float32 vector.
func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
