package rag

import (
	"context"
	"fmt"
	"sort"

	"github.com/mindbook/mindbook-go/internal/docstore"
)

// StoreIndex implements VectorIndex by brute-force cosine scoring over the
// chunk store's current ready chunks. Because it reads the store directly it
// is always consistent with committed versions and needs no synchronisation
// on commit — ReplaceDocument and RemoveDocument are no-ops. Suitable for
// single-host deployments and tests; use QdrantIndex at scale.
type StoreIndex struct {
	// store is the chunk store scanned on every search.
	store *docstore.Store
}

// NewStoreIndex constructs a StoreIndex over the given chunk store.
func NewStoreIndex(store *docstore.Store) (*StoreIndex, error) {
	if store == nil {
		return nil, fmt.Errorf("rag: store must not be nil")
	}
	return &StoreIndex{store: store}, nil
}

// ReplaceDocument is a no-op: the store itself is the index's source of truth.
func (s *StoreIndex) ReplaceDocument(ctx context.Context, projectID, documentID string, version int, chunks []docstore.Chunk) error {
	return nil
}

// RemoveDocument is a no-op for the same reason as ReplaceDocument.
func (s *StoreIndex) RemoveDocument(ctx context.Context, documentID string) error {
	return nil
}

// Search scores every ready chunk in the project against the query embedding
// and returns the top limit hits by similarity.
func (s *StoreIndex) Search(ctx context.Context, projectID string, query []float32, limit int) ([]Hit, error) {
	if limit <= 0 {
		return nil, nil
	}

	chunks, err := s.store.ReadyChunks(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("rag: load ready chunks: %w", err)
	}
	if len(chunks) == 0 {
		return nil, nil
	}

	hits := make([]Hit, 0, len(chunks))
	for _, c := range chunks {
		hits = append(hits, Hit{
			ChunkID:    c.ID,
			DocumentID: c.DocumentID,
			Version:    c.Version,
			Text:       c.Text,
			Score:      CosineSimilarity(query, c.Embedding),
			CreatedAt:  c.CreatedAt,
		})
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Close is a no-op; the chunk store owns the database lifecycle.
func (s *StoreIndex) Close() error {
	return nil
}
