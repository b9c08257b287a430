package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mindbook/mindbook-go/internal/agent"
	"github.com/mindbook/mindbook-go/internal/jobs"
	"github.com/mindbook/mindbook-go/internal/rag"
)

// fakeAsker implements Asker. It writes response to the writer and returns a
// turn carrying the configured citations.
type fakeAsker struct {
	response  string
	citations []agent.Citation
	err       error
	calls     int
}

func (f *fakeAsker) Ask(_ context.Context, projectID, conversationID, question string, w io.Writer) (*agent.ConversationTurn, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	_, _ = fmt.Fprint(w, f.response)
	return &agent.ConversationTurn{
		ProjectID:      projectID,
		ConversationID: conversationID,
		Question:       question,
		Answer:         f.response,
		Path:           agent.PathSimple,
		Citations:      f.citations,
	}, nil
}

// fakeJobs implements JobRunner over an in-memory map.
type fakeJobs struct {
	enqueued  []jobs.Kind
	jobsByID  map[string]*jobs.Job
	cancelled []string
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{jobsByID: make(map[string]*jobs.Job)}
}

func (f *fakeJobs) Enqueue(_ context.Context, kind jobs.Kind, payload, _ string) (string, error) {
	f.enqueued = append(f.enqueued, kind)
	id := fmt.Sprintf("job-%d", len(f.enqueued))
	f.jobsByID[id] = &jobs.Job{
		ID: id, Kind: kind, Payload: payload, State: jobs.StateQueued,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	return id, nil
}

func (f *fakeJobs) Status(_ context.Context, id string) (*jobs.Job, error) {
	job, ok := f.jobsByID[id]
	if !ok {
		return nil, jobs.ErrNotFound
	}
	return job, nil
}

func (f *fakeJobs) Cancel(_ context.Context, id string) error {
	if _, ok := f.jobsByID[id]; !ok {
		return jobs.ErrNotFound
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

// fakeServerRetriever implements rag.Retriever for handler tests.
type fakeServerRetriever struct {
	results []rag.Result
	err     error
	lastK   int
}

func (f *fakeServerRetriever) Retrieve(_ context.Context, _, _ string, k int) ([]rag.Result, error) {
	f.lastK = k
	return f.results, f.err
}

// newTestServer builds a Server wired with fakes for direct handler calls.
func newTestServer(deps Deps) *Server {
	if deps.Jobs == nil {
		deps.Jobs = newFakeJobs()
	}
	if deps.Retriever == nil {
		deps.Retriever = &fakeServerRetriever{}
	}
	if deps.Simple == nil {
		deps.Simple = &fakeAsker{response: "ok"}
	}
	return &Server{
		deps:    deps,
		cfg:     &Config{Port: 8080},
		log:     slog.Default(),
		metrics: newServerMetrics(prometheus.NewRegistry()),
	}
}

func postJSON(t *testing.T, handler http.HandlerFunc, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler(w, req)
	return w
}

func Test_HandleChat_Validation(t *testing.T) {
	t.Parallel()
	s := newTestServer(Deps{})

	tests := []struct {
		name string
		body string
	}{
		{"missing project", `{"message":"hi"}`},
		{"missing message", `{"project_id":"p1"}`},
		{"blank message", `{"project_id":"p1","message":"  "}`},
		{"bad json", `{`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			w := postJSON(t, s.handleChat, "/api/chat", tc.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func Test_HandleChat_StreamsDeltasAndCitations(t *testing.T) {
	t.Parallel()
	simple := &fakeAsker{
		response:  "grounded answer",
		citations: []agent.Citation{{ChunkID: "c1", DocumentID: "d1"}},
	}
	s := newTestServer(Deps{Simple: simple})

	w := postJSON(t, s.handleChat, "/api/chat", `{"project_id":"p1","message":"question"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("content type = %q", got)
	}
	body := w.Body.String()
	if !strings.Contains(body, "data: grounded answer") {
		t.Errorf("body missing answer delta:\n%s", body)
	}
	if !strings.Contains(body, "event: citations") || !strings.Contains(body, `"chunk_id":"c1"`) {
		t.Errorf("body missing citations event:\n%s", body)
	}
	if !strings.Contains(body, "event: done") {
		t.Errorf("body missing done event:\n%s", body)
	}
	// Citations must precede the done event.
	if strings.Index(body, "event: citations") > strings.Index(body, "event: done") {
		t.Error("citations event must come before done")
	}
}

func Test_HandleChat_SupervisedRoutesToSupervisor(t *testing.T) {
	t.Parallel()
	simple := &fakeAsker{response: "simple"}
	supervisor := &fakeAsker{response: "supervised"}
	s := newTestServer(Deps{Simple: simple, Supervisor: supervisor})

	w := postJSON(t, s.handleChat, "/api/chat", `{"project_id":"p1","message":"q","supervised":true}`)
	if !strings.Contains(w.Body.String(), "data: supervised") {
		t.Errorf("supervised request not routed to supervisor:\n%s", w.Body.String())
	}
	if supervisor.calls != 1 || simple.calls != 0 {
		t.Errorf("calls: supervisor=%d simple=%d", supervisor.calls, simple.calls)
	}
}

func Test_HandleChat_AgentErrorEmitsErrorEvent(t *testing.T) {
	t.Parallel()
	s := newTestServer(Deps{Simple: &fakeAsker{err: errors.New("model unavailable")}})

	w := postJSON(t, s.handleChat, "/api/chat", `{"project_id":"p1","message":"q"}`)
	body := w.Body.String()
	if !strings.Contains(body, "event: error") {
		t.Errorf("body missing error event:\n%s", body)
	}
	if !strings.Contains(body, chatFailureMessage) {
		t.Errorf("body missing the generic failure message:\n%s", body)
	}
	if strings.Contains(body, "event: done") {
		t.Errorf("errored stream must not emit done:\n%s", body)
	}
}

func Test_HandleChat_ErrorEventNeverLeaksCause(t *testing.T) {
	t.Parallel()
	// A wrapped provider failure carrying a credential-shaped fragment: none
	// of it may reach the stream.
	cause := errors.New("agent: generate failed: 401 invalid api key sk-abc123")
	s := newTestServer(Deps{Simple: &fakeAsker{err: cause}})

	w := postJSON(t, s.handleChat, "/api/chat", `{"project_id":"p1","message":"q"}`)
	body := w.Body.String()
	for _, fragment := range []string{"sk-abc123", "401", "generate failed"} {
		if strings.Contains(body, fragment) {
			t.Errorf("stream leaked %q:\n%s", fragment, body)
		}
	}
	if !strings.Contains(body, "event: error\ndata: "+chatFailureMessage) {
		t.Errorf("want the generic failure payload, got:\n%s", body)
	}
}

func Test_HandleRetrieve(t *testing.T) {
	t.Parallel()
	s := newTestServer(Deps{Retriever: &fakeServerRetriever{results: []rag.Result{
		{ChunkID: "c1", DocumentID: "d1", Text: "hello", Score: 0.9},
	}}})

	w := postJSON(t, s.handleRetrieve, "/api/retrieve", `{"project_id":"p1","query":"hello"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp retrieveResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].ChunkID != "c1" || resp.Results[0].Score != 0.9 {
		t.Errorf("results = %+v", resp.Results)
	}
}

func Test_HandleRetrieve_DefaultsK(t *testing.T) {
	t.Parallel()
	fr := &fakeServerRetriever{}
	s := newTestServer(Deps{Retriever: fr})

	// An omitted k gets the API default before reaching the retriever, which
	// treats its k argument literally.
	w := postJSON(t, s.handleRetrieve, "/api/retrieve", `{"project_id":"p1","query":"hello"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if fr.lastK != rag.DefaultTopK {
		t.Errorf("k = %d, want %d", fr.lastK, rag.DefaultTopK)
	}

	w = postJSON(t, s.handleRetrieve, "/api/retrieve", `{"project_id":"p1","query":"hello","k":3}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if fr.lastK != 3 {
		t.Errorf("k = %d, want 3", fr.lastK)
	}
}

func Test_HandleRetrieve_Validation(t *testing.T) {
	t.Parallel()
	s := newTestServer(Deps{})

	for _, body := range []string{`{"query":"q"}`, `{"project_id":"p1"}`, `{`} {
		w := postJSON(t, s.handleRetrieve, "/api/retrieve", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want 400", body, w.Code)
		}
	}
}

func Test_HandleJobCreate(t *testing.T) {
	t.Parallel()
	fj := newFakeJobs()
	s := newTestServer(Deps{Jobs: fj})

	w := postJSON(t, s.handleJobCreate, "/api/jobs", `{"kind":"ingest","document_id":"doc-1"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	var resp jobResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.JobID == "" {
		t.Error("missing job_id")
	}
	if len(fj.enqueued) != 1 || fj.enqueued[0] != jobs.KindIngest {
		t.Errorf("enqueued = %v", fj.enqueued)
	}

	job := fj.jobsByID[resp.JobID]
	var payload jobs.IngestPayload
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.DocumentID != "doc-1" {
		t.Errorf("payload document = %q", payload.DocumentID)
	}
}

func Test_HandleJobCreate_Validation(t *testing.T) {
	t.Parallel()
	s := newTestServer(Deps{})

	tests := []struct {
		name string
		body string
	}{
		{"unknown kind", `{"kind":"reindex"}`},
		{"ingest without document", `{"kind":"ingest"}`},
		{"agent turn without project", `{"kind":"agent_turn","question":"q"}`},
		{"agent turn without question", `{"kind":"agent_turn","project_id":"p1"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			w := postJSON(t, s.handleJobCreate, "/api/jobs", tc.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func Test_HandleJobStatus(t *testing.T) {
	t.Parallel()
	fj := newFakeJobs()
	id, _ := fj.Enqueue(context.Background(), jobs.KindIngest, `{}`, "")
	s := newTestServer(Deps{Jobs: fj})

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/"+id, nil)
	req.SetPathValue("id", id)
	w := httptest.NewRecorder()
	s.handleJobStatus(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp jobStatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.JobID != id || resp.State != string(jobs.StateQueued) {
		t.Errorf("response = %+v", resp)
	}
}

func Test_HandleJobStatus_NotFound(t *testing.T) {
	t.Parallel()
	s := newTestServer(Deps{})

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/nope", nil)
	req.SetPathValue("id", "nope")
	w := httptest.NewRecorder()
	s.handleJobStatus(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func Test_HandleJobCancel(t *testing.T) {
	t.Parallel()
	fj := newFakeJobs()
	id, _ := fj.Enqueue(context.Background(), jobs.KindIngest, `{}`, "")
	s := newTestServer(Deps{Jobs: fj})

	req := httptest.NewRequest(http.MethodDelete, "/api/jobs/"+id, nil)
	req.SetPathValue("id", id)
	w := httptest.NewRecorder()
	s.handleJobCancel(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
	if len(fj.cancelled) != 1 || fj.cancelled[0] != id {
		t.Errorf("cancelled = %v", fj.cancelled)
	}
}

func Test_HandleHealth(t *testing.T) {
	t.Parallel()
	s := newTestServer(Deps{})

	w := httptest.NewRecorder()
	s.handleHealth(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"ok"`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

// failingPinger always reports its dependency as down.
type failingPinger struct{}

func (failingPinger) Name() string               { return "down-dep" }
func (failingPinger) Ping(context.Context) error { return errors.New("unreachable") }

// okPinger always reports healthy.
type okPinger struct{}

func (okPinger) Name() string               { return "up-dep" }
func (okPinger) Ping(context.Context) error { return nil }

func Test_HandleReady(t *testing.T) {
	t.Parallel()

	s := newTestServer(Deps{})
	s.pingers = []Pinger{okPinger{}}
	w := httptest.NewRecorder()
	s.handleReady(w, httptest.NewRequest(http.MethodGet, "/api/ready", nil))
	if w.Code != http.StatusOK {
		t.Errorf("all healthy: status = %d, want 200", w.Code)
	}

	s.pingers = []Pinger{okPinger{}, failingPinger{}}
	w = httptest.NewRecorder()
	s.handleReady(w, httptest.NewRequest(http.MethodGet, "/api/ready", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("degraded: status = %d, want 503", w.Code)
	}
	var resp readyResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Ready || len(resp.Checks) != 2 || resp.Checks[1].OK {
		t.Errorf("response = %+v", resp)
	}
}
