package ingestion

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/mindbook/mindbook-go/internal/docstore"
	"github.com/mindbook/mindbook-go/internal/objstore"
	"github.com/mindbook/mindbook-go/internal/rag"
)

// hashEmbedder derives a small deterministic vector from each text so tests
// never need a real embedding provider.
type hashEmbedder struct{}

func (hashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		var sum float32
		for _, r := range t {
			sum += float32(r)
		}
		out[i] = []float32{sum, float32(len(t)), 1}
	}
	return out, nil
}

// errEmbedder simulates a provider outage.
type errEmbedder struct{}

func (errEmbedder) Embed(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("provider unavailable")
}

// cancellingEmbedder embeds normally but fires cancel mid-call, simulating a
// job cancellation arriving while the provider request is in flight.
type cancellingEmbedder struct{ cancel context.CancelFunc }

func (e cancellingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.cancel()
	return hashEmbedder{}.Embed(ctx, texts)
}

// testHarness wires an in-memory store, local object storage, and an
// in-process index for pipeline tests.
type testHarness struct {
	store   *docstore.Store
	storage *objstore.FileStorage
	index   *rag.StoreIndex
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	store, err := docstore.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	storage, err := objstore.NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("new storage: %v", err)
	}
	index, err := rag.NewStoreIndex(store)
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	return &testHarness{store: store, storage: storage, index: index}
}

func (h *testHarness) pipeline(t *testing.T, embedder rag.Embedder) *Pipeline {
	t.Helper()
	p, err := NewPipeline(h.store, h.storage, embedder, h.index, &Config{ChunkTokens: 64})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	return p
}

func (h *testHarness) upload(t *testing.T, ref, mediaType, content string) *docstore.Document {
	t.Helper()
	ctx := context.Background()
	if err := h.storage.Put(ctx, ref, strings.NewReader(content)); err != nil {
		t.Fatalf("put source: %v", err)
	}
	doc, err := h.store.CreateDocument(ctx, "p1", ref, mediaType)
	if err != nil {
		t.Fatalf("create document: %v", err)
	}
	return doc
}

func Test_Pipeline_IngestCommitsReadyVersion(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	doc := h.upload(t, "p1/guide.md", "text/markdown",
		"# Guide\n\nThe first section explains the basics in a few sentences. "+
			strings.Repeat("More explanatory prose follows here. ", 20))

	if err := h.pipeline(t, hashEmbedder{}).IngestDocument(ctx, doc.ID); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	got, err := h.store.Document(ctx, doc.ID)
	if err != nil {
		t.Fatalf("document: %v", err)
	}
	if got.Status != docstore.StatusReady {
		t.Errorf("status: got %s, want ready", got.Status)
	}
	if got.Version != 1 {
		t.Errorf("version: got %d, want 1", got.Version)
	}
	if got.ContentHash == "" {
		t.Error("content hash not recorded")
	}
	n, err := h.store.CountChunks(ctx, doc.ID)
	if err != nil {
		t.Fatalf("count chunks: %v", err)
	}
	if n == 0 {
		t.Error("no chunks committed")
	}
}

func Test_Pipeline_UnchangedContentKeepsVersion(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	p := h.pipeline(t, hashEmbedder{})

	doc := h.upload(t, "p1/doc.txt", "text/plain",
		"A stable document whose content does not change between ingestion runs.")

	if err := p.IngestDocument(ctx, doc.ID); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if err := p.IngestDocument(ctx, doc.ID); err != nil {
		t.Fatalf("second ingest: %v", err)
	}

	got, err := h.store.Document(ctx, doc.ID)
	if err != nil {
		t.Fatalf("document: %v", err)
	}
	if got.Version != 1 {
		t.Errorf("unchanged content must not bump the version: got %d", got.Version)
	}
	if got.Status != docstore.StatusReady {
		t.Errorf("status: got %s, want ready", got.Status)
	}
}

func Test_Pipeline_ChangedContentReplacesChunks(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	p := h.pipeline(t, hashEmbedder{})

	doc := h.upload(t, "p1/doc.txt", "text/plain", "The original content of the document.")
	if err := p.IngestDocument(ctx, doc.ID); err != nil {
		t.Fatalf("first ingest: %v", err)
	}

	if err := h.storage.Put(ctx, "p1/doc.txt", strings.NewReader("Entirely different content after the edit.")); err != nil {
		t.Fatalf("replace source: %v", err)
	}
	if err := p.IngestDocument(ctx, doc.ID); err != nil {
		t.Fatalf("second ingest: %v", err)
	}

	got, err := h.store.Document(ctx, doc.ID)
	if err != nil {
		t.Fatalf("document: %v", err)
	}
	if got.Version != 2 {
		t.Errorf("version: got %d, want 2", got.Version)
	}

	chunks, err := h.store.ReadyChunks(ctx, "p1")
	if err != nil {
		t.Fatalf("ready chunks: %v", err)
	}
	for _, c := range chunks {
		if strings.Contains(c.Text, "original content") {
			t.Errorf("superseded chunk still queryable: %q", c.Text)
		}
	}
}

func Test_Pipeline_CancelAfterEmbedStillCommits(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	doc := h.upload(t, "p1/doc.txt", "text/plain",
		"Content that finishes embedding just as the job is cancelled.")

	// The cancel lands during the embed call; the commit and index swap must
	// still run to completion rather than stranding a half-published version.
	if err := h.pipeline(t, cancellingEmbedder{cancel: cancel}).IngestDocument(ctx, doc.ID); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	got, err := h.store.Document(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("document: %v", err)
	}
	if got.Status != docstore.StatusReady {
		t.Errorf("status: got %s, want ready", got.Status)
	}
	if got.Version != 1 {
		t.Errorf("version: got %d, want 1", got.Version)
	}
}

func Test_Pipeline_RetrievalDuringReingestSeesOneVersion(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	p := h.pipeline(t, hashEmbedder{})

	doc := h.upload(t, "p1/doc.txt", "text/plain", "The original content of the document.")
	if err := p.IngestDocument(ctx, doc.ID); err != nil {
		t.Fatalf("first ingest: %v", err)
	}

	eng, err := rag.NewEngine(hashEmbedder{}, h.index, h.store)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	// Hammer retrieval while the re-ingest swaps versions underneath it:
	// every read must land on one complete version, never a mixed or empty
	// set.
	done := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		for {
			select {
			case <-done:
				return
			default:
			}
			results, err := eng.Retrieve(ctx, "p1", "content", 5)
			if err != nil {
				errCh <- err
				return
			}
			if len(results) == 0 {
				errCh <- errors.New("retrieval gap: no chunks visible during re-ingest")
				return
			}
			var sawOld, sawNew bool
			for _, r := range results {
				sawOld = sawOld || strings.Contains(r.Text, "original content")
				sawNew = sawNew || strings.Contains(r.Text, "different content")
			}
			if sawOld && sawNew {
				errCh <- errors.New("retrieval returned chunks from two versions at once")
				return
			}
		}
	}()

	if err := h.storage.Put(ctx, "p1/doc.txt", strings.NewReader("Entirely different content after the edit.")); err != nil {
		t.Fatalf("replace source: %v", err)
	}
	if err := p.IngestDocument(ctx, doc.ID); err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	close(done)
	if err := <-errCh; err != nil {
		t.Fatal(err)
	}

	got, err := h.store.Document(ctx, doc.ID)
	if err != nil {
		t.Fatalf("document: %v", err)
	}
	if got.Version != 2 {
		t.Errorf("version: got %d, want 2", got.Version)
	}
}

func Test_Pipeline_ExtractionFailureIsFatal(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	doc := h.upload(t, "p1/image.png", "image/png", "\x89PNG not text")

	err := h.pipeline(t, hashEmbedder{}).IngestDocument(ctx, doc.ID)
	if err == nil {
		t.Fatal("want error for unsupported media type")
	}
	if !IsFatal(err) {
		t.Errorf("extraction failure should be fatal, got %v", err)
	}

	got, lookupErr := h.store.Document(ctx, doc.ID)
	if lookupErr != nil {
		t.Fatalf("document: %v", lookupErr)
	}
	if got.Status != docstore.StatusFailed {
		t.Errorf("status: got %s, want failed", got.Status)
	}
	if got.Failure == "" {
		t.Error("failure reason not recorded")
	}
}

func Test_Pipeline_EmbedFailureIsTransient(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	doc := h.upload(t, "p1/doc.txt", "text/plain", "Some content that will fail to embed.")

	err := h.pipeline(t, errEmbedder{}).IngestDocument(ctx, doc.ID)
	if err == nil {
		t.Fatal("want error when the embedding provider is down")
	}
	if IsFatal(err) {
		t.Errorf("provider outage must be retryable, got fatal: %v", err)
	}

	got, lookupErr := h.store.Document(ctx, doc.ID)
	if lookupErr != nil {
		t.Fatalf("document: %v", lookupErr)
	}
	if got.Status != docstore.StatusProcessing {
		t.Errorf("status: got %s, want processing (eligible for retry)", got.Status)
	}
}
