package rag

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/mindbook/mindbook-go/internal/docstore"
)

// fakeEmbedder maps texts to fixed vectors; unknown texts embed to the zero
// direction so they score 0 against everything.
type fakeEmbedder struct {
	vectors map[string][]float32
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := f.vectors[t]; ok {
			out[i] = v
		} else {
			out[i] = []float32{0, 0, 1}
		}
	}
	return out, nil
}

// fakeIndex returns a scripted hit list regardless of the query.
type fakeIndex struct {
	hits []Hit
}

func (f *fakeIndex) ReplaceDocument(context.Context, string, string, int, []docstore.Chunk) error {
	return nil
}
func (f *fakeIndex) RemoveDocument(context.Context, string) error { return nil }
func (f *fakeIndex) Search(context.Context, string, []float32, int) ([]Hit, error) {
	return f.hits, nil
}
func (f *fakeIndex) Close() error { return nil }

// newTestStore opens an in-memory store for the test.
func newTestStore(t *testing.T) *docstore.Store {
	t.Helper()
	s, err := docstore.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// commitReadyDoc creates a document in the project and commits the given
// chunks as its first ready version, returning the document ID.
func commitReadyDoc(t *testing.T, s *docstore.Store, projectID string, chunks []docstore.Chunk) string {
	t.Helper()
	ctx := context.Background()
	doc, err := s.CreateDocument(ctx, projectID, "ref", "text/plain")
	if err != nil {
		t.Fatalf("create document: %v", err)
	}
	if _, err := s.CommitChunks(ctx, doc.ID, fmt.Sprintf("hash-%s", doc.ID), chunks); err != nil {
		t.Fatalf("commit chunks: %v", err)
	}
	return doc.ID
}

func Test_Engine_RetrieveOrdersByScore(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	commitReadyDoc(t, store, "p1", []docstore.Chunk{
		{Index: 0, Text: "exact", TokenCount: 1, Embedding: []float32{1, 0, 0}},
		{Index: 1, Text: "near", TokenCount: 1, Embedding: []float32{0.9, 0.1, 0}},
		{Index: 2, Text: "far", TokenCount: 1, Embedding: []float32{0, 1, 0}},
	})

	idx, err := NewStoreIndex(store)
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	emb := &fakeEmbedder{vectors: map[string][]float32{"q": {1, 0, 0}}}
	eng, err := NewEngine(emb, idx, store)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	results, err := eng.Retrieve(context.Background(), "p1", "q", 2)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("want 2 results, got %d", len(results))
	}
	if results[0].Text != "exact" || results[1].Text != "near" {
		t.Errorf("wrong order: %q then %q", results[0].Text, results[1].Text)
	}
	if results[0].Score < results[1].Score {
		t.Errorf("scores not descending: %v then %v", results[0].Score, results[1].Score)
	}
}

func Test_Engine_RetrieveIsDeterministicUnderTies(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	// Two documents with identical embeddings: every chunk ties on score and
	// on commit time, so ordering must fall back to document then chunk ID.
	commitReadyDoc(t, store, "p1", []docstore.Chunk{
		{Index: 0, Text: "a0", TokenCount: 1, Embedding: []float32{1, 0, 0}},
		{Index: 1, Text: "a1", TokenCount: 1, Embedding: []float32{1, 0, 0}},
	})
	commitReadyDoc(t, store, "p1", []docstore.Chunk{
		{Index: 0, Text: "b0", TokenCount: 1, Embedding: []float32{1, 0, 0}},
	})

	idx, err := NewStoreIndex(store)
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	emb := &fakeEmbedder{vectors: map[string][]float32{"q": {1, 0, 0}}}
	eng, err := NewEngine(emb, idx, store)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	first, err := eng.Retrieve(context.Background(), "p1", "q", 3)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := eng.Retrieve(context.Background(), "p1", "q", 3)
		if err != nil {
			t.Fatalf("retrieve #%d: %v", i, err)
		}
		if len(again) != len(first) {
			t.Fatalf("result count changed: %d vs %d", len(again), len(first))
		}
		for j := range first {
			if again[j].ChunkID != first[j].ChunkID {
				t.Fatalf("order changed at position %d: %s vs %s", j, again[j].ChunkID, first[j].ChunkID)
			}
		}
	}
}

func Test_Engine_RetrieveScopedToProject(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	commitReadyDoc(t, store, "p1", []docstore.Chunk{
		{Index: 0, Text: "mine", TokenCount: 1, Embedding: []float32{1, 0, 0}},
	})
	commitReadyDoc(t, store, "p2", []docstore.Chunk{
		{Index: 0, Text: "theirs", TokenCount: 1, Embedding: []float32{1, 0, 0}},
	})

	idx, err := NewStoreIndex(store)
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	emb := &fakeEmbedder{vectors: map[string][]float32{"q": {1, 0, 0}}}
	eng, err := NewEngine(emb, idx, store)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	results, err := eng.Retrieve(context.Background(), "p1", "q", 10)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("want 1 result, got %d", len(results))
	}
	if results[0].Text != "mine" {
		t.Errorf("leaked chunk from another project: %q", results[0].Text)
	}
}

func Test_Engine_RetrieveEmptyProject(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	idx, err := NewStoreIndex(store)
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	emb := &fakeEmbedder{vectors: map[string][]float32{}}
	eng, err := NewEngine(emb, idx, store)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	results, err := eng.Retrieve(context.Background(), "empty", "anything", 5)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("want no results, got %d", len(results))
	}
}

func Test_Engine_RetrieveRequiresProject(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	idx, err := NewStoreIndex(store)
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	eng, err := NewEngine(&fakeEmbedder{}, idx, store)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	if _, err := eng.Retrieve(context.Background(), "", "q", 5); err == nil {
		t.Error("want error for empty project scope")
	}
	if _, err := eng.Retrieve(context.Background(), "p1", "q", -1); err == nil {
		t.Error("want error for negative k")
	}
}

func Test_Engine_RetrieveZeroKIsEmpty(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	commitReadyDoc(t, store, "p1", []docstore.Chunk{
		{Index: 0, Text: "present", TokenCount: 1, Embedding: []float32{1, 0, 0}},
	})

	idx, err := NewStoreIndex(store)
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	emb := &fakeEmbedder{vectors: map[string][]float32{"q": {1, 0, 0}}}
	eng, err := NewEngine(emb, idx, store)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	// k is literal: zero means zero results, even with matching chunks in
	// scope. Callers that want a default pass DefaultTopK themselves.
	results, err := eng.Retrieve(context.Background(), "p1", "q", 0)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("k=0 must return no results, got %d", len(results))
	}
}

func Test_Engine_DropsStaleIndexHits(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	docID := commitReadyDoc(t, store, "p1", []docstore.Chunk{
		{Index: 0, Text: "current", TokenCount: 1, Embedding: []float32{1, 0, 0}},
	})
	doc, err := store.Document(ctx, docID)
	if err != nil {
		t.Fatalf("document: %v", err)
	}

	// The index answers with one current hit, one hit from a superseded
	// version, and one hit pointing at a document that does not exist.
	idx := &fakeIndex{hits: []Hit{
		{ChunkID: "cur", DocumentID: docID, Version: doc.Version, Text: "current", Score: 0.9, CreatedAt: time.Now()},
		{ChunkID: "old", DocumentID: docID, Version: doc.Version - 1, Text: "superseded", Score: 0.95, CreatedAt: time.Now()},
		{ChunkID: "gone", DocumentID: "no-such-doc", Version: 1, Text: "orphan", Score: 0.99, CreatedAt: time.Now()},
	}}

	emb := &fakeEmbedder{vectors: map[string][]float32{"q": {1, 0, 0}}}
	eng, err := NewEngine(emb, idx, store)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	results, err := eng.Retrieve(ctx, "p1", "q", 5)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("want only the current hit, got %d results", len(results))
	}
	if results[0].ChunkID != "cur" {
		t.Errorf("want current chunk, got %q", results[0].ChunkID)
	}
}

func Test_CosineSimilarity(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		a, b []float32
		want float32
	}{
		{"identical", []float32{1, 0}, []float32{1, 0}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
		{"length mismatch", []float32{1}, []float32{1, 0}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := CosineSimilarity(tc.a, tc.b)
			if diff := got - tc.want; diff > 1e-6 || diff < -1e-6 {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}
