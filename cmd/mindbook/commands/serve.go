package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/mindbook/mindbook-go/internal/agent"
	"github.com/mindbook/mindbook-go/internal/docstore"
	"github.com/mindbook/mindbook-go/internal/embedder"
	"github.com/mindbook/mindbook-go/internal/ingestion"
	"github.com/mindbook/mindbook-go/internal/jobs"
	"github.com/mindbook/mindbook-go/internal/logging"
	"github.com/mindbook/mindbook-go/internal/provider"
	"github.com/mindbook/mindbook-go/internal/rag"
	"github.com/mindbook/mindbook-go/internal/server"
	"github.com/mindbook/mindbook-go/internal/store"
	"github.com/mindbook/mindbook-go/internal/tools"
	"github.com/mindbook/mindbook-go/internal/tracing"
)

// NewServeCmd constructs the `mindbook serve` command, which starts the HTTP
// server exposing the ingestion, retrieval, and chat APIs.
func NewServeCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the mindbook HTTP server",
		Long: `Start the mindbook HTTP server on localhost.

The server exposes a REST/SSE API: background jobs (ingestion and agent
turns), scoped retrieval, and streaming chat over the workspace documents.

Examples:
  mindbook serve
  mindbook serve --port 9090
  MODEL_PROVIDER=azure mindbook serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			log.Info("serve starting", slog.String("provider", os.Getenv("MODEL_PROVIDER")))

			// Setup Langfuse tracing — opt-in, no-op if keys are absent.
			handler, flush, ok := tracing.Setup()
			if ok {
				callbacks.AppendGlobalHandlers(handler)
				defer flush()
				log.Info("langfuse tracing enabled")
			} else {
				log.Info("langfuse tracing disabled", slog.String("reason", "LANGFUSE_PUBLIC_KEY not set"))
			}

			chatModel, err := provider.NewFromEnv(ctx)
			if err != nil {
				return fmt.Errorf("serve: failed to initialise model provider: %w", err)
			}

			if err := embedder.Validate(log); err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			emb, err := embedder.NewFromEnv()
			if err != nil {
				return fmt.Errorf("serve: failed to initialise embedder: %w", err)
			}

			ds, err := openDocstore()
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer func() { _ = ds.Close() }()

			storage, err := openObjectStorage()
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			index, err := buildIndex(ctx, ds, log)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer func() { _ = index.Close() }()

			engine, err := buildEngine(ds, emb, index)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			pipeline, err := ingestion.NewPipeline(ds, storage, emb, index, ingestion.ConfigFromEnv())
			if err != nil {
				return fmt.Errorf("serve: failed to create pipeline: %w", err)
			}

			history := openHistory(log)
			if history != nil {
				defer func() { _ = history.Close() }()
			}

			simple, err := agent.NewSimple(&agent.SimpleConfig{
				ChatModel:        chatModel,
				Retriever:        engine,
				TopK:             getEnvInt("RAG_TOP_K", 0),
				History:          history,
				MaxContextTokens: getEnvInt("AGENT_CONTEXT_TOKENS", 0),
			})
			if err != nil {
				return fmt.Errorf("serve: failed to initialise agent: %w", err)
			}

			supervisor := &supervisorRouter{
				model:   chatModel,
				store:   ds,
				engine:  engine,
				simple:  simple,
				history: history,
			}

			jobStore, err := jobs.NewStore(ds.Handle())
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			orchOpts := []jobs.Option{
				jobs.WithMaxAttempts(getEnvInt("JOBS_MAX_ATTEMPTS", jobs.DefaultMaxAttempts)),
				jobs.WithLogger(log),
			}
			if workers := getEnvInt("JOBS_WORKERS", 0); workers > 0 {
				orchOpts = append(orchOpts, jobs.WithWorkers(workers))
			}
			orch, err := jobs.New(jobStore, orchOpts...)
			if err != nil {
				return fmt.Errorf("serve: failed to create orchestrator: %w", err)
			}
			registerJobHandlers(orch, pipeline, simple, supervisor)
			if err := orch.Resume(ctx); err != nil {
				return fmt.Errorf("serve: failed to resume persisted jobs: %w", err)
			}

			pingers := []server.Pinger{server.NewStorePinger(ds.Handle())}
			if qi, ok := index.(*rag.QdrantIndex); ok {
				pingers = append(pingers, server.NewQdrantPinger(qi.Client()))
			}

			srv, err := server.New(&server.Config{
				Host:     host,
				Port:     port,
				Logger:   log,
				Pingers:  pingers,
				APIKey:   os.Getenv("MINDBOOK_API_KEY"),
				Registry: prometheus.NewRegistry(),
			}, server.Deps{
				Simple:     simple,
				Supervisor: supervisor,
				Jobs:       orch,
				Retriever:  engine,
			})
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}

			err = srv.Start(ctx)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if serr := orch.Shutdown(shutdownCtx); serr != nil {
				log.Warn("orchestrator shutdown incomplete", slog.Any("error", serr))
			}
			return err
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Host address to bind to")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "TCP port to listen on")

	return cmd
}

// openHistory opens the conversation history store. MINDBOOK_HISTORY_DB
// overrides the default path (~/.mindbook/history.db); "disabled" turns
// history off. Failure to open is non-fatal — chat runs stateless.
func openHistory(log *slog.Logger) store.ConversationStore {
	path := os.Getenv("MINDBOOK_HISTORY_DB")
	if path == "disabled" {
		log.Info("history: disabled via MINDBOOK_HISTORY_DB=disabled")
		return nil
	}
	if path == "" {
		var err error
		path, err = store.DefaultDBPath()
		if err != nil {
			log.Warn("history: could not resolve default DB path, disabling", slog.Any("error", err))
			return nil
		}
	}
	hs, err := store.Open(path)
	if err != nil {
		log.Warn("history: failed to open store, disabling", slog.Any("error", err))
		return nil
	}
	log.Info("history: store opened", slog.String("path", path))
	return hs
}

// supervisorRouter builds a project-scoped supervisor per turn. Tools carry
// their project binding at construction time, so the registry cannot be
// shared across projects; assembling it per request is cheap (no I/O).
type supervisorRouter struct {
	model   model.ToolCallingChatModel
	store   *docstore.Store
	engine  rag.Retriever
	simple  *agent.SimpleAgent
	history store.ConversationStore
}

// Ask satisfies the server's Asker interface.
func (r *supervisorRouter) Ask(ctx context.Context, projectID, conversationID, question string, w io.Writer) (*agent.ConversationTurn, error) {
	registry, err := tools.NewRegistry(
		tools.NewRetrievalTool(r.engine, projectID, getEnvInt("RAG_TOP_K", 0)),
		tools.NewDocumentsTool(r.store, projectID),
		tools.NewWebFetchTool(&tools.WebFetchConfig{APIKey: os.Getenv("SCRAPEDO_API_KEY")}),
	)
	if err != nil {
		return nil, fmt.Errorf("serve: build tool registry: %w", err)
	}
	sup, err := agent.NewSupervisor(&agent.SupervisorConfig{
		ChatModel:        r.model,
		Tools:            registry,
		Simple:           r.simple,
		History:          r.history,
		MaxToolCalls:     getEnvInt("AGENT_MAX_TOOL_CALLS", 0),
		MaxContextTokens: getEnvInt("AGENT_CONTEXT_TOKENS", 0),
	})
	if err != nil {
		return nil, fmt.Errorf("serve: build supervisor: %w", err)
	}
	return sup.Ask(ctx, projectID, conversationID, question, w)
}

// registerJobHandlers binds the ingest and agent turn handlers.
func registerJobHandlers(orch *jobs.Orchestrator, pipeline *ingestion.Pipeline, simple *agent.SimpleAgent, supervisor *supervisorRouter) {
	orch.Register(jobs.KindIngest, func(ctx context.Context, job *jobs.Job) error {
		var p jobs.IngestPayload
		if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
			return fmt.Errorf("serve: decode ingest payload: %w", err)
		}
		return pipeline.IngestDocument(ctx, p.DocumentID)
	})

	orch.Register(jobs.KindAgentTurn, func(ctx context.Context, job *jobs.Job) error {
		var p jobs.AgentTurnPayload
		if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
			return fmt.Errorf("serve: decode agent turn payload: %w", err)
		}
		// Background turns are persisted through the history store; deltas
		// have no live consumer.
		if p.Supervised {
			_, err := supervisor.Ask(ctx, p.ProjectID, p.ConversationID, p.Question, io.Discard)
			return err
		}
		_, err := simple.Ask(ctx, p.ProjectID, p.ConversationID, p.Question, io.Discard)
		return err
	})
}
