package rag

import (
	"context"
	"testing"

	"github.com/mindbook/mindbook-go/internal/docstore"
)

func Test_StoreIndex_SearchLimitsResults(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	commitReadyDoc(t, store, "p1", []docstore.Chunk{
		{Index: 0, Text: "a", TokenCount: 1, Embedding: []float32{1, 0}},
		{Index: 1, Text: "b", TokenCount: 1, Embedding: []float32{0.8, 0.2}},
		{Index: 2, Text: "c", TokenCount: 1, Embedding: []float32{0, 1}},
	})

	idx, err := NewStoreIndex(store)
	if err != nil {
		t.Fatalf("new index: %v", err)
	}

	hits, err := idx.Search(context.Background(), "p1", []float32{1, 0}, 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("want 2 hits, got %d", len(hits))
	}
	if hits[0].Text != "a" {
		t.Errorf("want best match first, got %q", hits[0].Text)
	}

	hits, err = idx.Search(context.Background(), "p1", []float32{1, 0}, 0)
	if err != nil {
		t.Fatalf("search limit 0: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("want no hits for limit 0, got %d", len(hits))
	}
}

func Test_StoreIndex_SearchSeesCommittedVersionOnly(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	docID := commitReadyDoc(t, store, "p1", []docstore.Chunk{
		{Index: 0, Text: "v1 content", TokenCount: 1, Embedding: []float32{1, 0}},
	})

	// Commit a replacement version; the index must reflect it immediately
	// with no explicit synchronisation.
	if _, err := store.CommitChunks(ctx, docID, "hash-v2", []docstore.Chunk{
		{Index: 0, Text: "v2 content", TokenCount: 1, Embedding: []float32{1, 0}},
	}); err != nil {
		t.Fatalf("commit v2: %v", err)
	}

	idx, err := NewStoreIndex(store)
	if err != nil {
		t.Fatalf("new index: %v", err)
	}

	hits, err := idx.Search(ctx, "p1", []float32{1, 0}, 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("want 1 hit, got %d", len(hits))
	}
	if hits[0].Text != "v2 content" {
		t.Errorf("want the committed version, got %q", hits[0].Text)
	}
	if hits[0].Version != 2 {
		t.Errorf("want version 2, got %d", hits[0].Version)
	}
}
