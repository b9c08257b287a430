// Package server implements the HTTP server that exposes the mindbook
// workspace API: background jobs, retrieval, and the chat agents over
// REST/SSE. The server is started by the `mindbook serve` CLI command.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mindbook/mindbook-go/internal/agent"
	"github.com/mindbook/mindbook-go/internal/jobs"
	"github.com/mindbook/mindbook-go/internal/logging"
	"github.com/mindbook/mindbook-go/internal/rag"
)

// New constructs a Server from the provided collaborators and config.
func New(cfg *Config, deps Deps) (*Server, error) {
	if deps.Simple == nil {
		return nil, fmt.Errorf("server: simple agent must not be nil")
	}
	if deps.Jobs == nil {
		return nil, fmt.Errorf("server: job runner must not be nil")
	}
	if deps.Retriever == nil {
		return nil, fmt.Errorf("server: retriever must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		// WriteTimeout must be long enough for streaming responses.
		cfg.WriteTimeout = 5 * time.Minute
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	rateLimit := cfg.RateLimit
	if rateLimit == 0 {
		rateLimit = defaultRateLimit
	}
	rateBurst := cfg.RateBurst
	if rateBurst == 0 {
		rateBurst = defaultRateBurst
	}

	s := &Server{
		deps:    deps,
		cfg:     cfg,
		log:     log,
		pingers: cfg.Pingers,
		metrics: newServerMetrics(reg),
	}

	rl, stopRL := newRateLimiter(rateLimit, rateBurst, log)
	s.stopRL = stopRL

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("POST /api/retrieve", s.handleRetrieve)
	mux.HandleFunc("POST /api/jobs", s.handleJobCreate)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleJobStatus)
	mux.HandleFunc("DELETE /api/jobs/{id}", s.handleJobCancel)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/ready", s.handleReady)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	// Outermost first: request logging, then auth, then rate limiting, then
	// the metrics-instrumented mux.
	var handler http.Handler = s.metrics.instrument(mux)
	handler = rl.middleware(handler)
	handler = authMiddleware(cfg.APIKey, handler)
	handler = requestLogger(log, handler)

	if cfg.APIKey == "" {
		log.Warn("API authentication disabled — set an API key for non-local use")
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s, nil
}

// Start begins listening and serving HTTP requests. It blocks until the
// context is cancelled, then performs a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.log.Info("server listening", slog.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.stopRL()
		return fmt.Errorf("server: listen error: %w", err)
	case <-ctx.Done():
		s.stopRL()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: graceful shutdown failed: %w", err)
		}
		return nil
	}
}

// chatFailureMessage is the only error text ever sent over the chat stream.
const chatFailureMessage = "The assistant could not complete this response. Please try again."

// handleChat handles POST /api/chat. The agent's answer is streamed as SSE
// data events; a citations event with the grounding chunks follows the last
// delta, then a done event closes the stream.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ProjectID == "" {
		http.Error(w, "project_id is required", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		http.Error(w, "message is required", http.StatusBadRequest)
		return
	}

	asker := s.deps.Simple
	if req.Supervised && s.deps.Supervisor != nil {
		asker = s.deps.Supervisor
	}

	// Set SSE headers so the client receives a streaming response.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	s.metrics.chatActiveStreams.Inc()
	defer s.metrics.chatActiveStreams.Dec()
	start := time.Now()

	sr := agent.Stream(r.Context(), func(ctx context.Context, out io.Writer) (*agent.ConversationTurn, error) {
		return asker.Ask(ctx, req.ProjectID, req.ConversationID, req.Message, out)
	})
	defer sr.Close()

	sw := &sseWriter{w: w, flusher: flusher}
	outcome := "ok"
	for {
		ev, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// The cause stays in the log; the client gets a generic message so
			// provider and infrastructure details never leak over the stream.
			logging.FromContext(r.Context()).Error("chat turn failed", slog.Any("error", err))
			fmt.Fprintf(w, "event: error\ndata: %s\n\n", chatFailureMessage)
			flusher.Flush()
			outcome = "error"
			break
		}
		if ev.Turn != nil {
			cites, _ := json.Marshal(ev.Turn.Citations)
			fmt.Fprintf(w, "event: citations\ndata: %s\n\n", cites)
			flusher.Flush()
			continue
		}
		if ev.Delta != "" {
			_, _ = sw.Write([]byte(ev.Delta))
		}
	}

	if outcome == "ok" {
		fmt.Fprint(w, "event: done\ndata: [DONE]\n\n")
		flusher.Flush()
	}
	s.metrics.chatRequestsTotal.WithLabelValues(outcome).Inc()
	s.metrics.chatDurationSeconds.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}

// handleRetrieve handles POST /api/retrieve.
func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req retrieveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ProjectID == "" {
		http.Error(w, "project_id is required", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		http.Error(w, "query is required", http.StatusBadRequest)
		return
	}
	k := req.K
	if k == 0 {
		// The API default lives here; the engine treats k literally.
		k = rag.DefaultTopK
	}

	results, err := s.deps.Retriever.Retrieve(r.Context(), req.ProjectID, req.Query, k)
	if err != nil {
		logging.FromContext(r.Context()).Error("retrieve failed", slog.Any("error", err))
		http.Error(w, "retrieval failed", http.StatusInternalServerError)
		return
	}

	resp := retrieveResponse{Results: make([]retrieveResult, len(results))}
	for i, res := range results {
		resp.Results[i] = retrieveResult{
			ChunkID:    res.ChunkID,
			DocumentID: res.DocumentID,
			Text:       res.Text,
			Score:      res.Score,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleJobCreate handles POST /api/jobs.
func (s *Server) handleJobCreate(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var kind jobs.Kind
	var payload any
	switch req.Kind {
	case string(jobs.KindIngest):
		if req.DocumentID == "" {
			http.Error(w, "document_id is required for ingest jobs", http.StatusBadRequest)
			return
		}
		kind = jobs.KindIngest
		payload = jobs.IngestPayload{DocumentID: req.DocumentID}
	case string(jobs.KindAgentTurn):
		if req.ProjectID == "" || strings.TrimSpace(req.Question) == "" {
			http.Error(w, "project_id and question are required for agent_turn jobs", http.StatusBadRequest)
			return
		}
		kind = jobs.KindAgentTurn
		payload = jobs.AgentTurnPayload{
			ProjectID:      req.ProjectID,
			ConversationID: req.ConversationID,
			Question:       req.Question,
			Supervised:     req.Supervised,
		}
	default:
		http.Error(w, fmt.Sprintf("unknown job kind %q", req.Kind), http.StatusBadRequest)
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	id, err := s.deps.Jobs.Enqueue(r.Context(), kind, string(body), req.IdempotencyKey)
	if err != nil {
		logging.FromContext(r.Context()).Error("enqueue failed", slog.Any("error", err))
		http.Error(w, "failed to enqueue job", http.StatusInternalServerError)
		return
	}
	s.metrics.jobsEnqueuedTotal.WithLabelValues(string(kind)).Inc()
	writeJSON(w, http.StatusAccepted, jobResponse{JobID: id})
}

// handleJobStatus handles GET /api/jobs/{id}.
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs.Status(r.Context(), r.PathValue("id"))
	if errors.Is(err, jobs.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		logging.FromContext(r.Context()).Error("job status failed", slog.Any("error", err))
		http.Error(w, "failed to load job", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, jobStatusResponse{
		JobID:     job.ID,
		Kind:      string(job.Kind),
		State:     string(job.State),
		Attempts:  job.Attempts,
		LastError: job.LastError,
		CreatedAt: job.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: job.UpdatedAt.UTC().Format(time.RFC3339),
	})
}

// handleJobCancel handles DELETE /api/jobs/{id}.
func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Jobs.Cancel(r.Context(), r.PathValue("id"))
	if errors.Is(err, jobs.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		logging.FromContext(r.Context()).Error("job cancel failed", slog.Any("error", err))
		http.Error(w, "failed to cancel job", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleHealth handles GET /api/health for liveness checks.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON encodes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sseWriter wraps an http.ResponseWriter to emit Server-Sent Event data frames.
type sseWriter struct {
	// w is the underlying response writer.
	w http.ResponseWriter

	// flusher flushes buffered data to the client after each write.
	flusher http.Flusher
}

// Write formats p as one or more SSE data lines and flushes to the client.
// Each newline in p is prefixed with "data: " so multi-line chunks never
// break the SSE frame boundary.
func (s *sseWriter) Write(p []byte) (n int, err error) {
	chunk := strings.TrimRight(string(bytes.Clone(p)), "\n")
	lines := strings.Split(chunk, "\n")
	var buf strings.Builder
	for _, line := range lines {
		buf.WriteString("data: ")
		buf.WriteString(line)
		buf.WriteString("\n")
	}
	buf.WriteString("\n")
	if _, err = fmt.Fprint(s.w, buf.String()); err != nil {
		return 0, err
	}
	s.flusher.Flush()
	return len(p), nil
}
