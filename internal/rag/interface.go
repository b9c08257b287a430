// Package rag defines the interfaces for retrieval-augmented generation
// components: embedding, vector indexing, and chunk retrieval. Concrete
// index implementations (Qdrant, in-process) satisfy these interfaces so the
// agent layer never depends on a specific backend.
package rag

import (
	"context"
	"time"

	"github.com/mindbook/mindbook-go/internal/docstore"
)

// Result is one retrieved chunk with its relevance score. Results are
// ephemeral — they are never persisted.
type Result struct {
	// ChunkID identifies the retrieved chunk.
	ChunkID string

	// DocumentID is the owning document, used for citations.
	DocumentID string

	// Text is the chunk content.
	Text string

	// Score is the similarity score assigned during retrieval (0.0–1.0 for
	// cosine similarity over normalised vectors).
	Score float32
}

// Hit is a raw index match before staleness filtering and final ordering.
type Hit struct {
	// ChunkID identifies the matched chunk.
	ChunkID string
	// DocumentID is the owning document.
	DocumentID string
	// Version is the document version the chunk was indexed under.
	Version int
	// Text is the chunk content carried in the index payload.
	Text string
	// Score is the raw similarity score.
	Score float32
	// CreatedAt is when the chunk was committed; used for tie-breaking.
	CreatedAt time.Time
}

// Embedder is the interface for converting text into dense vector embeddings.
// Implementations must be safe to call from multiple goroutines.
type Embedder interface {
	// Embed converts a batch of texts into their corresponding embeddings.
	// The returned slice is parallel to the input slice.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorIndex is the interface for similarity search over chunk embeddings.
// Implementations must be safe to call from multiple goroutines.
type VectorIndex interface {
	// ReplaceDocument swaps the indexed chunk set for one document version.
	// Chunks from prior versions of the same document are removed.
	ReplaceDocument(ctx context.Context, projectID, documentID string, version int, chunks []docstore.Chunk) error

	// RemoveDocument removes every indexed chunk of a document.
	RemoveDocument(ctx context.Context, documentID string) error

	// Search returns up to limit hits for the query embedding, scoped to the
	// given project. An empty project yields an empty slice, not an error.
	Search(ctx context.Context, projectID string, query []float32, limit int) ([]Hit, error)

	// Close releases any resources held by the index.
	Close() error
}

// Retriever is the high-level interface used by the agent core to fetch
// relevant context for a query. Implementations must be safe to call from
// multiple goroutines.
type Retriever interface {
	// Retrieve returns the top-k most relevant chunks for the query within
	// the project scope, ordered by descending score.
	Retrieve(ctx context.Context, projectID, query string, k int) ([]Result, error)
}
