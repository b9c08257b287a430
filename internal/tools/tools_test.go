package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mindbook/mindbook-go/internal/docstore"
	"github.com/mindbook/mindbook-go/internal/rag"
)

// fakeRetriever records the last call and returns canned results.
type fakeRetriever struct {
	lastProject string
	lastQuery   string
	lastK       int
	results     []rag.Result
	err         error
}

func (f *fakeRetriever) Retrieve(_ context.Context, projectID, query string, k int) ([]rag.Result, error) {
	f.lastProject, f.lastQuery, f.lastK = projectID, query, k
	return f.results, f.err
}

func Test_Registry_UnknownToolIsNotFound(t *testing.T) {
	t.Parallel()
	reg, err := NewRegistry(NewRetrievalTool(&fakeRetriever{}, "p1", 5))
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	_, err = reg.Invoke(context.Background(), "delete_everything", "{}")
	if err == nil {
		t.Fatal("want error for unregistered tool")
	}
	if KindOf(err) != KindNotFound {
		t.Errorf("kind: got %s, want %s", KindOf(err), KindNotFound)
	}
}

func Test_Registry_RejectsDuplicateNames(t *testing.T) {
	t.Parallel()
	_, err := NewRegistry(
		NewRetrievalTool(&fakeRetriever{}, "p1", 5),
		NewRetrievalTool(&fakeRetriever{}, "p1", 5),
	)
	if err == nil {
		t.Fatal("want error for duplicate tool names")
	}
}

func Test_RetrievalTool_ScopeIsFixed(t *testing.T) {
	t.Parallel()
	fr := &fakeRetriever{results: []rag.Result{
		{ChunkID: "c1", DocumentID: "d1", Text: "relevant text", Score: 0.9},
	}}
	tl := NewRetrievalTool(fr, "p1", 5)

	out, err := tl.InvokableRun(context.Background(), `{"query":"what is this","k":3}`)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if fr.lastProject != "p1" {
		t.Errorf("project: got %s, want p1", fr.lastProject)
	}
	if fr.lastK != 3 {
		t.Errorf("k: got %d, want 3", fr.lastK)
	}

	var results []retrievalResult
	if err := json.Unmarshal([]byte(out), &results); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if len(results) != 1 || results[0].ChunkID != "c1" {
		t.Errorf("results: %+v", results)
	}
}

func Test_RetrievalTool_InvalidArgs(t *testing.T) {
	t.Parallel()
	tl := NewRetrievalTool(&fakeRetriever{}, "p1", 5)

	for _, args := range []string{"not json", `{"k":2}`} {
		_, err := tl.InvokableRun(context.Background(), args)
		if KindOf(err) != KindInvalidArgs {
			t.Errorf("args %q: kind got %s, want %s", args, KindOf(err), KindInvalidArgs)
		}
	}
}

func Test_RetrievalTool_EmptyResultIsNotError(t *testing.T) {
	t.Parallel()
	tl := NewRetrievalTool(&fakeRetriever{}, "p1", 5)

	out, err := tl.InvokableRun(context.Background(), `{"query":"nothing matches"}`)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out != "[]" {
		t.Errorf("want empty JSON array, got %q", out)
	}
}

func Test_DocumentsTool_FiltersByStatus(t *testing.T) {
	t.Parallel()
	store, err := docstore.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	ready, err := store.CreateDocument(ctx, "p1", "a.txt", "text/plain")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.CommitChunks(ctx, ready.ID, "h", []docstore.Chunk{
		{Index: 0, Text: "x", TokenCount: 1, Embedding: []float32{1}},
	}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := store.CreateDocument(ctx, "p1", "b.txt", "text/plain"); err != nil {
		t.Fatalf("create: %v", err)
	}

	tl := NewDocumentsTool(store, "p1")
	out, err := tl.InvokableRun(ctx, `{"status":"ready"}`)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}

	var entries []documentEntry
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != ready.ID {
		t.Errorf("entries: %+v", entries)
	}

	if _, err := tl.InvokableRun(ctx, `{"status":"bogus"}`); KindOf(err) != KindInvalidArgs {
		t.Errorf("bogus status: kind got %s, want %s", KindOf(err), KindInvalidArgs)
	}
}

func Test_WebFetchTool_ExtractsPageText(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body><h1>Welcome</h1><p>Useful page content.</p></body></html>"))
	}))
	t.Cleanup(srv.Close)

	tl := NewWebFetchTool(nil)
	out, err := tl.InvokableRun(context.Background(), `{"url":"`+srv.URL+`"}`)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if !strings.Contains(out, "Useful page content.") {
		t.Errorf("page text missing: %q", out)
	}
	if strings.Contains(out, "<p>") {
		t.Errorf("markup leaked into output: %q", out)
	}
}

func Test_WebFetchTool_MapsStatusToErrorKind(t *testing.T) {
	t.Parallel()
	cases := []struct {
		status int
		kind   ErrorKind
	}{
		{http.StatusNotFound, KindNotFound},
		{http.StatusTooManyRequests, KindRateLimited},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))

		tl := NewWebFetchTool(nil)
		_, err := tl.InvokableRun(context.Background(), `{"url":"`+srv.URL+`"}`)
		if KindOf(err) != tc.kind {
			t.Errorf("status %d: kind got %s, want %s", tc.status, KindOf(err), tc.kind)
		}
		srv.Close()
	}
}

func Test_WebFetchTool_RejectsBadURL(t *testing.T) {
	t.Parallel()
	tl := NewWebFetchTool(nil)
	for _, u := range []string{"", "ftp://host/file", "not a url", "/relative"} {
		_, err := tl.InvokableRun(context.Background(), `{"url":"`+u+`"}`)
		if KindOf(err) != KindInvalidArgs {
			t.Errorf("url %q: kind got %s, want %s", u, KindOf(err), KindInvalidArgs)
		}
	}
}
