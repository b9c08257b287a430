// Package ingestion implements the document ingestion pipeline. It turns an
// uploaded document's raw bytes into a committed, embedded chunk set:
// extract → chunk → embed → commit. The pipeline is invoked by ingestion
// jobs and by the `mindbook ingest` CLI command, and is idempotent: re-running
// it over unchanged content never produces a new version.
package ingestion

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/mindbook/mindbook-go/internal/docstore"
	"github.com/mindbook/mindbook-go/internal/logging"
	"github.com/mindbook/mindbook-go/internal/objstore"
	"github.com/mindbook/mindbook-go/internal/rag"
)

// DefaultEmbedBatch is the default number of chunks embedded per provider call.
const DefaultEmbedBatch = 32

// Config holds the ingestion pipeline tunables.
type Config struct {
	// ChunkTokens is the target token count per chunk. Defaults to
	// DefaultChunkTokens if zero.
	ChunkTokens int

	// OverlapFraction is the fraction of a chunk shared with its predecessor.
	// Defaults to DefaultOverlapFraction if zero.
	OverlapFraction float64

	// EmbedBatch is the number of chunks embedded per provider call.
	// Defaults to DefaultEmbedBatch if zero.
	EmbedBatch int
}

// ConfigFromEnv builds a Config from the INGEST_* environment variables,
// falling back to defaults for anything unset or unparseable.
func ConfigFromEnv() *Config {
	cfg := &Config{}
	if v, err := strconv.Atoi(os.Getenv("INGEST_CHUNK_TOKENS")); err == nil && v > 0 {
		cfg.ChunkTokens = v
	}
	if v, err := strconv.ParseFloat(os.Getenv("INGEST_OVERLAP_FRACTION"), 64); err == nil && v > 0 {
		cfg.OverlapFraction = v
	}
	if v, err := strconv.Atoi(os.Getenv("INGEST_EMBED_BATCH")); err == nil && v > 0 {
		cfg.EmbedBatch = v
	}
	return cfg
}

// Pipeline orchestrates the extract → chunk → embed → commit flow for one
// document at a time. It is safe for concurrent use across distinct
// documents; the job orchestrator guarantees per-document serialisation.
type Pipeline struct {
	// store persists documents and committed chunk sets.
	store *docstore.Store

	// storage fetches raw document bytes by source reference.
	storage objstore.Storage

	// embedder converts chunk text into dense vector embeddings.
	embedder rag.Embedder

	// index mirrors committed chunks for similarity search.
	index rag.VectorIndex

	// chunker splits extracted elements into token-bounded pieces.
	chunker *Chunker

	// embedBatch is the number of chunks embedded per provider call.
	embedBatch int
}

// NewPipeline constructs a Pipeline from the provided dependencies and config.
func NewPipeline(store *docstore.Store, storage objstore.Storage, embedder rag.Embedder, index rag.VectorIndex, cfg *Config) (*Pipeline, error) {
	if store == nil {
		return nil, fmt.Errorf("ingestion: store must not be nil")
	}
	if storage == nil {
		return nil, fmt.Errorf("ingestion: storage must not be nil")
	}
	if embedder == nil {
		return nil, fmt.Errorf("ingestion: embedder must not be nil")
	}
	if index == nil {
		return nil, fmt.Errorf("ingestion: index must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.ChunkTokens <= 0 {
		cfg.ChunkTokens = DefaultChunkTokens
	}
	if cfg.OverlapFraction <= 0 {
		cfg.OverlapFraction = DefaultOverlapFraction
	}
	if cfg.EmbedBatch <= 0 {
		cfg.EmbedBatch = DefaultEmbedBatch
	}

	return &Pipeline{
		store:      store,
		storage:    storage,
		embedder:   embedder,
		index:      index,
		chunker:    NewChunker(WithChunkTokens(cfg.ChunkTokens), WithOverlapFraction(cfg.OverlapFraction)),
		embedBatch: cfg.EmbedBatch,
	}, nil
}

// IngestDocument runs the full pipeline for one document. Extraction
// failures mark the document failed and are returned as *ExtractionError so
// callers do not retry; any other error leaves the document in processing
// state for the caller's retry policy to handle. Unchanged content is
// detected by hash and short-circuits without committing a new version.
func (p *Pipeline) IngestDocument(ctx context.Context, documentID string) error {
	log := logging.FromContext(ctx).With(slog.String("document_id", documentID))

	doc, err := p.store.Document(ctx, documentID)
	if err != nil {
		return fmt.Errorf("ingestion: load document: %w", err)
	}
	if err := p.store.MarkProcessing(ctx, documentID); err != nil {
		return fmt.Errorf("ingestion: mark processing: %w", err)
	}

	rc, err := p.storage.Fetch(ctx, doc.SourceRef)
	if err != nil {
		return fmt.Errorf("ingestion: fetch source %s: %w", doc.SourceRef, err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return fmt.Errorf("ingestion: read source %s: %w", doc.SourceRef, err)
	}

	elements, err := Extract(doc.MediaType, data)
	if err != nil {
		// Permanent: the same bytes will never extract differently.
		if markErr := p.store.MarkFailed(ctx, documentID, err.Error()); markErr != nil {
			log.Error("ingestion: mark failed after extraction error", slog.Any("error", markErr))
		}
		return err
	}
	log.Debug("ingestion: extracted elements", slog.Int("elements", len(elements)))

	hash := fmt.Sprintf("%x", sha256.Sum256([]byte(ContentText(elements))))
	if doc.Version > 0 && hash == doc.ContentHash {
		// Re-sync the index from the committed chunks so a retry after a
		// failed index swap still converges.
		committed, err := p.store.DocumentChunks(ctx, documentID)
		if err != nil {
			return fmt.Errorf("ingestion: load committed chunks: %w", err)
		}
		if err := p.index.ReplaceDocument(ctx, doc.ProjectID, documentID, doc.Version, committed); err != nil {
			return fmt.Errorf("ingestion: re-sync index: %w", err)
		}
		if err := p.store.MarkReady(ctx, documentID); err != nil {
			return fmt.Errorf("ingestion: restore ready: %w", err)
		}
		log.Info("ingestion: content unchanged, keeping current version",
			slog.Int("version", doc.Version))
		return nil
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("ingestion: cancelled before chunking: %w", err)
	}

	pieces := p.chunker.Chunk(elements)
	if len(pieces) == 0 {
		err := &ExtractionError{MediaType: doc.MediaType, Reason: "chunking produced no content"}
		if markErr := p.store.MarkFailed(ctx, documentID, err.Error()); markErr != nil {
			log.Error("ingestion: mark failed after empty chunking", slog.Any("error", markErr))
		}
		return err
	}
	log.Debug("ingestion: chunked document", slog.Int("chunks", len(pieces)))

	chunks := make([]docstore.Chunk, len(pieces))
	for i, piece := range pieces {
		chunks[i] = docstore.Chunk{
			Index:      i,
			Text:       piece.Text,
			TokenCount: piece.TokenCount,
		}
	}

	for start := 0; start < len(chunks); start += p.embedBatch {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("ingestion: cancelled during embedding: %w", err)
		}
		end := start + p.embedBatch
		if end > len(chunks) {
			end = len(chunks)
		}
		texts := make([]string, 0, end-start)
		for _, c := range chunks[start:end] {
			texts = append(texts, c.Text)
		}
		embeddings, err := p.embedder.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("ingestion: embed batch %d-%d: %w", start, end, err)
		}
		if len(embeddings) != len(texts) {
			return fmt.Errorf("ingestion: embed batch %d-%d: expected %d embeddings, got %d", start, end, len(texts), len(embeddings))
		}
		for i := range embeddings {
			chunks[start+i].Embedding = embeddings[i]
		}
	}

	// Cancellation is honoured at stage boundaries only: once embedding has
	// finished, the commit and index swap run to completion so a cancel can
	// never strand a half-published version.
	commitCtx := context.WithoutCancel(ctx)
	version, err := p.store.CommitChunks(commitCtx, documentID, hash, chunks)
	if err != nil {
		return fmt.Errorf("ingestion: commit chunks: %w", err)
	}

	if err := p.index.ReplaceDocument(commitCtx, doc.ProjectID, documentID, version, chunks); err != nil {
		// The store commit already succeeded; surface the index error so the
		// retry path can re-run the (idempotent) index swap.
		return fmt.Errorf("ingestion: index document version %d: %w", version, err)
	}

	log.Info("ingestion: committed document version",
		slog.Int("version", version),
		slog.Int("chunks", len(chunks)))
	return nil
}
