package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mindbook/mindbook-go/internal/agent"
	"github.com/mindbook/mindbook-go/internal/jobs"
	"github.com/mindbook/mindbook-go/internal/rag"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 8080).
	Port int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// Logger is the structured logger used by the server and its handlers.
	// If nil, slog.Default() is used.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency probes run by GET /api/ready.
	// If empty, /api/ready returns 200 with no checks (liveness-only mode).
	Pingers []Pinger
	// RateLimit is the sustained request rate allowed per IP on rate-limited
	// endpoints (requests/second). Defaults to 10 if zero.
	RateLimit float64
	// RateBurst is the maximum instantaneous burst per IP. Defaults to 20 if zero.
	RateBurst int
	// APIKey is the Bearer token required on all protected /api/* routes.
	// If empty, authentication is disabled (development mode).
	APIKey string
	// Registry receives the server's Prometheus metrics and backs GET /metrics.
	// If nil, a private registry is created.
	Registry *prometheus.Registry
}

// Asker runs one conversation turn, streaming answer deltas to w.
// *agent.SimpleAgent and *agent.Supervisor both satisfy it.
type Asker interface {
	Ask(ctx context.Context, projectID, conversationID, question string, w io.Writer) (*agent.ConversationTurn, error)
}

// JobRunner is the orchestrator surface the job endpoints need.
// *jobs.Orchestrator satisfies it; tests inject a fake.
type JobRunner interface {
	Enqueue(ctx context.Context, kind jobs.Kind, payload, idempotencyKey string) (string, error)
	Status(ctx context.Context, id string) (*jobs.Job, error)
	Cancel(ctx context.Context, id string) error
}

// Deps holds the collaborators the server dispatches to.
type Deps struct {
	// Simple answers chat requests without tool use.
	Simple Asker
	// Supervisor answers chat requests marked supervised. May be nil, in
	// which case supervised requests fall back to Simple.
	Supervisor Asker
	// Jobs enqueues and reports background work.
	Jobs JobRunner
	// Retriever serves POST /api/retrieve.
	Retriever rag.Retriever
}

// Server is the HTTP server exposing the workspace API.
type Server struct {
	// deps holds the agents, orchestrator, and retriever.
	deps Deps
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency probes for GET /api/ready.
	pingers []Pinger
	// metrics holds the Prometheus instruments owned by this server.
	metrics *serverMetrics
	// stopRL stops the rate limiter's background eviction goroutine on shutdown.
	stopRL func()
}

// chatRequest is the JSON body for POST /api/chat.
type chatRequest struct {
	// ProjectID scopes the turn to one workspace.
	ProjectID string `json:"project_id"`
	// ConversationID groups turns into a thread. Optional; stateless if empty.
	ConversationID string `json:"conversation_id,omitempty"`
	// Message is the user's question.
	Message string `json:"message"`
	// Supervised routes the turn through the supervisor instead of the
	// simple retrieve-then-answer agent.
	Supervised bool `json:"supervised,omitempty"`
}

// retrieveRequest is the JSON body for POST /api/retrieve.
type retrieveRequest struct {
	// ProjectID scopes the search to one workspace.
	ProjectID string `json:"project_id"`
	// Query is the natural-language search text.
	Query string `json:"query"`
	// K is the number of results wanted. Zero uses the engine default.
	K int `json:"k,omitempty"`
}

// retrieveResponse is the JSON response for POST /api/retrieve.
type retrieveResponse struct {
	// Results are the scored chunks, best first.
	Results []retrieveResult `json:"results"`
}

// retrieveResult is one scored chunk in a retrieve response.
type retrieveResult struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Text       string  `json:"text"`
	Score      float32 `json:"score"`
}

// jobRequest is the JSON body for POST /api/jobs.
type jobRequest struct {
	// Kind selects the work: "ingest" or "agent_turn".
	Kind string `json:"kind"`
	// IdempotencyKey collapses duplicate submissions. Optional.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	// DocumentID is required for ingest jobs.
	DocumentID string `json:"document_id,omitempty"`
	// ProjectID, ConversationID, Question, and Supervised describe an
	// agent_turn job.
	ProjectID      string `json:"project_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Question       string `json:"question,omitempty"`
	Supervised     bool   `json:"supervised,omitempty"`
}

// jobResponse is the JSON response for POST /api/jobs.
type jobResponse struct {
	// JobID identifies the queued (or deduplicated) job.
	JobID string `json:"job_id"`
}

// jobStatusResponse is the JSON response for GET /api/jobs/{id}.
type jobStatusResponse struct {
	JobID     string `json:"job_id"`
	Kind      string `json:"kind"`
	State     string `json:"state"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}
