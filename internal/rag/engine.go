package rag

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/mindbook/mindbook-go/internal/docstore"
	"github.com/mindbook/mindbook-go/internal/logging"
)

// searchHeadroom is the multiplier applied to k when querying the index so
// that hits dropped by the staleness filter do not starve the result set.
const searchHeadroom = 2

// DefaultTopK is the result count callers fall back to when nothing else
// picked one. The engine itself never applies it: Retrieve honours k
// literally.
const DefaultTopK = 5

// Engine implements Retriever by combining an Embedder, a VectorIndex, and
// the document store. It embeds the query at retrieval time, delegates
// similarity search to the index, and filters out hits whose document
// version has been superseded since indexing.
type Engine struct {
	// embedder converts query text to a dense vector.
	embedder Embedder

	// index performs the vector similarity search.
	index VectorIndex

	// store is consulted to drop hits referencing superseded versions.
	store *docstore.Store
}

// NewEngine constructs an Engine from the given dependencies.
func NewEngine(embedder Embedder, index VectorIndex, store *docstore.Store) (*Engine, error) {
	if embedder == nil {
		return nil, fmt.Errorf("rag: embedder must not be nil")
	}
	if index == nil {
		return nil, fmt.Errorf("rag: index must not be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("rag: store must not be nil")
	}
	return &Engine{
		embedder: embedder,
		index:    index,
		store:    store,
	}, nil
}

// Retrieve embeds the query and returns the top-k most relevant chunks in
// the project scope, ordered by descending score. Ties are broken by chunk
// recency then document ID then chunk ID, so repeated calls return identical
// order. Hits whose document version is no longer current are dropped and
// logged — never surfaced as errors. An empty project yields an empty slice.
// k is honoured literally: zero means zero results; defaults such as
// DefaultTopK belong to the caller.
func (e *Engine) Retrieve(ctx context.Context, projectID, query string, k int) ([]Result, error) {
	if projectID == "" {
		return nil, fmt.Errorf("rag: project scope is required")
	}
	if k < 0 {
		return nil, fmt.Errorf("rag: k must be >= 0, got %d", k)
	}
	if k == 0 {
		return nil, nil
	}

	embeddings, err := e.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("rag: embedding query failed: %w", err)
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("rag: embedder returned empty result for query")
	}

	hits, err := e.index.Search(ctx, projectID, embeddings[0], k*searchHeadroom)
	if err != nil {
		return nil, fmt.Errorf("rag: vector search failed: %w", err)
	}

	log := logging.FromContext(ctx)
	current := make([]Hit, 0, len(hits))
	for _, h := range hits {
		doc, err := e.store.Document(ctx, h.DocumentID)
		if err != nil || doc.Status != docstore.StatusReady || doc.Version != h.Version {
			// Index inconsistency: the chunk references a superseded or
			// unavailable document version. Treat as absent.
			log.Warn("rag: dropping stale index hit",
				slog.String("chunk_id", h.ChunkID),
				slog.String("document_id", h.DocumentID),
				slog.Int("hit_version", h.Version),
			)
			continue
		}
		current = append(current, h)
	}

	sortHits(current)
	if len(current) > k {
		current = current[:k]
	}

	results := make([]Result, 0, len(current))
	for _, h := range current {
		results = append(results, Result{
			ChunkID:    h.ChunkID,
			DocumentID: h.DocumentID,
			Text:       h.Text,
			Score:      h.Score,
		})
	}
	return results, nil
}

// sortHits orders hits by descending score, then chunk recency (newest
// first), then document ID, then chunk ID. The trailing keys make the order
// total so retrieval is deterministic under score ties.
func sortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		if a.DocumentID != b.DocumentID {
			return a.DocumentID < b.DocumentID
		}
		return a.ChunkID < b.ChunkID
	})
}

// CosineSimilarity returns the cosine similarity of two vectors. Mismatched
// lengths or zero vectors score 0.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
