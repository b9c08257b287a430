package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cloudwego/eino/callbacks"
	"github.com/spf13/cobra"

	"github.com/mindbook/mindbook-go/internal/agent"
	"github.com/mindbook/mindbook-go/internal/embedder"
	"github.com/mindbook/mindbook-go/internal/logging"
	"github.com/mindbook/mindbook-go/internal/provider"
	"github.com/mindbook/mindbook-go/internal/tools"
	"github.com/mindbook/mindbook-go/internal/tracing"
)

// NewAskCmd constructs the `mindbook ask` command, which answers a single
// question over the project's documents and streams the answer to stdout.
func NewAskCmd() *cobra.Command {
	var projectID string
	var conversationID string
	var supervised bool
	var showCitations bool

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a question over the documents in a project",
		Long: `Ask a single question over a project's documents.

The answer is grounded in retrieved document chunks and streamed to stdout.
With --supervised the agent may call tools (document search, document
listing, web fetch) before answering.

Examples:
  mindbook ask --project research "What does the paper conclude?"
  mindbook ask --project research --supervised "Compare the two proposals"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			handler, flush, ok := tracing.Setup()
			if ok {
				callbacks.AppendGlobalHandlers(handler)
				defer flush()
			}

			chatModel, err := provider.NewFromEnv(ctx)
			if err != nil {
				return fmt.Errorf("ask: failed to initialise model provider: %w", err)
			}

			if err := embedder.Validate(log); err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			emb, err := embedder.NewFromEnv()
			if err != nil {
				return fmt.Errorf("ask: failed to initialise embedder: %w", err)
			}

			ds, err := openDocstore()
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			defer func() { _ = ds.Close() }()

			index, err := buildIndex(ctx, ds, log)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			defer func() { _ = index.Close() }()

			engine, err := buildEngine(ds, emb, index)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
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
				return fmt.Errorf("ask: failed to initialise agent: %w", err)
			}

			var turn *agent.ConversationTurn
			if supervised {
				registry, err := tools.NewRegistry(
					tools.NewRetrievalTool(engine, projectID, getEnvInt("RAG_TOP_K", 0)),
					tools.NewDocumentsTool(ds, projectID),
					tools.NewWebFetchTool(&tools.WebFetchConfig{APIKey: os.Getenv("SCRAPEDO_API_KEY")}),
				)
				if err != nil {
					return fmt.Errorf("ask: build tool registry: %w", err)
				}
				sup, err := agent.NewSupervisor(&agent.SupervisorConfig{
					ChatModel:        chatModel,
					Tools:            registry,
					Simple:           simple,
					History:          history,
					MaxToolCalls:     getEnvInt("AGENT_MAX_TOOL_CALLS", 0),
					MaxContextTokens: getEnvInt("AGENT_CONTEXT_TOKENS", 0),
				})
				if err != nil {
					return fmt.Errorf("ask: build supervisor: %w", err)
				}
				turn, err = sup.Ask(ctx, projectID, conversationID, args[0], os.Stdout)
				if err != nil {
					return fmt.Errorf("ask: %w", err)
				}
			} else {
				turn, err = simple.Ask(ctx, projectID, conversationID, args[0], os.Stdout)
				if err != nil {
					return fmt.Errorf("ask: %w", err)
				}
			}
			fmt.Println()

			if showCitations && len(turn.Citations) > 0 {
				fmt.Println("\nSources:")
				for _, c := range turn.Citations {
					fmt.Printf("  document %s, chunk %s\n", c.DocumentID, c.ChunkID)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&projectID, "project", "P", "default", "Project workspace to search")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "Conversation ID for multi-turn context")
	cmd.Flags().BoolVar(&supervised, "supervised", false, "Let the agent call tools before answering")
	cmd.Flags().BoolVar(&showCitations, "citations", true, "Print source citations after the answer")

	return cmd
}
