package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/mindbook/mindbook-go/internal/budget"
	"github.com/mindbook/mindbook-go/internal/logging"
	"github.com/mindbook/mindbook-go/internal/store"
	"github.com/mindbook/mindbook-go/internal/tools"
)

// DefaultMaxToolCalls bounds the number of tool invocations per turn.
// Override via AGENT_MAX_TOOL_CALLS.
const DefaultMaxToolCalls = 6

// supervisorPromptTemplate is the base system prompt for the supervisor. The
// tool catalog is appended at construction time from the registry.
const supervisorPromptTemplate = `You are Mindbook, an assistant that answers questions about the documents in
the user's workspace. You can call tools to look things up before answering.

At every step respond with ONLY a JSON object in one of these shapes — no
markdown fencing, no text outside the JSON:

To call a tool:
{"action": "tool_call", "tool": "<tool name>", "arguments": {<tool input>}}

To answer the user:
{"action": "answer", "text": "<your answer>"}

To ask the user a clarifying question (only when the question is genuinely
ambiguous and a wrong guess would waste the user's time):
{"action": "clarify", "text": "<your question to the user>"}

To hand the question to the plain document-search assistant (when the question
is a straightforward lookup that needs no planning):
{"action": "delegate", "reason": "<one sentence>"}

Rules:
- Ground answers in tool results. If a search returns nothing relevant, say
  the workspace does not cover it; do not invent facts.
- If a tool fails, you may retry with different arguments or answer with what
  you already have. Never report raw tool errors to the user.
- Call tools sparingly. Most questions need at most one or two searches.

Available tools:
%s`

// SupervisorConfig holds the dependencies required to construct a Supervisor.
type SupervisorConfig struct {
	// ChatModel is the LLM backend constructed by the provider factory.
	ChatModel model.ToolCallingChatModel

	// Tools is the closed registry of tools the supervisor may invoke.
	Tools *tools.Registry

	// Simple is the agent that serves delegate decisions. May be nil, in
	// which case delegate decisions degrade to direct answers.
	Simple *SimpleAgent

	// History is the optional conversation store used to persist and replay
	// prior turns. If nil, each question is stateless.
	History store.ConversationStore
	// HistoryDepth is the number of prior turns to inject per question.
	// Defaults to 10 if zero.
	HistoryDepth int
	// MaxToolCalls bounds tool invocations per turn. Once the bound is
	// reached the model is forced to answer with what it has.
	// Defaults to DefaultMaxToolCalls if zero.
	MaxToolCalls int
	// MaxContextTokens is the estimated token budget for the input context.
	// Defaults to budget.DefaultMaxContextTokens if zero.
	MaxContextTokens int
}

// Supervisor runs a bounded decision loop: at each step the model emits a
// JSON decision, which either invokes one tool from the registry or
// terminates the turn (answer, clarify, or delegate). The loop always
// terminates — tool calls are capped, and every non-tool decision is final.
type Supervisor struct {
	model            model.ToolCallingChatModel
	registry         *tools.Registry
	simple           *SimpleAgent
	history          store.ConversationStore
	historyDepth     int
	maxToolCalls     int
	maxContextTokens int
	systemPrompt     string
}

// NewSupervisor constructs a Supervisor from the provided SupervisorConfig.
func NewSupervisor(cfg *SupervisorConfig) (*Supervisor, error) {
	if cfg.ChatModel == nil {
		return nil, fmt.Errorf("agent: ChatModel must not be nil")
	}
	if cfg.Tools == nil {
		return nil, fmt.Errorf("agent: Tools must not be nil")
	}

	depth := cfg.HistoryDepth
	if depth <= 0 {
		depth = 10
	}
	maxCalls := cfg.MaxToolCalls
	if maxCalls <= 0 {
		maxCalls = DefaultMaxToolCalls
	}
	maxCtx := cfg.MaxContextTokens
	if maxCtx <= 0 {
		maxCtx = budget.DefaultMaxContextTokens
	}

	return &Supervisor{
		model:            cfg.ChatModel,
		registry:         cfg.Tools,
		simple:           cfg.Simple,
		history:          cfg.History,
		historyDepth:     depth,
		maxToolCalls:     maxCalls,
		maxContextTokens: maxCtx,
		systemPrompt:     fmt.Sprintf(supervisorPromptTemplate, toolCatalog(cfg.Tools)),
	}, nil
}

// Ask answers one question through the decision loop, streaming the final
// answer to w. The returned turn carries the answer, the full tool trace, and
// citations collected from document searches, and is persisted to the history
// store when one is configured.
func (s *Supervisor) Ask(ctx context.Context, projectID, conversationID, question string, w io.Writer) (*ConversationTurn, error) {
	if projectID == "" {
		return nil, fmt.Errorf("agent: project id must not be empty")
	}
	if strings.TrimSpace(question) == "" {
		return nil, fmt.Errorf("agent: question must not be empty")
	}

	messages := s.buildMessages(ctx, conversationID, question)
	log := logging.FromContext(ctx)

	turn := &ConversationTurn{
		ConversationID: conversationID,
		ProjectID:      projectID,
		Question:       question,
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("agent: turn cancelled: %w", err)
		}

		out, err := s.model.Generate(ctx, messages)
		if err != nil {
			return nil, fmt.Errorf("agent: generate failed: %w", err)
		}

		d := parseDecision(out.Content)
		if d == nil {
			// Not a decision envelope — the model answered in plain text.
			return s.finish(ctx, turn, PathDirect, out.Content, w)
		}

		switch d.Action {
		case "answer":
			return s.finish(ctx, turn, PathDirect, d.Text, w)

		case "clarify":
			return s.finish(ctx, turn, PathClarify, d.Text, w)

		case "delegate":
			if s.simple == nil {
				log.Warn("delegate requested without a simple agent, answering directly")
				return s.finish(ctx, turn, PathDirect, d.Text, w)
			}
			return s.delegate(ctx, turn, w)

		case "tool_call":
			if len(turn.ToolCalls) >= s.maxToolCalls {
				return s.forceAnswer(ctx, turn, messages, w)
			}
			messages = append(messages, schema.AssistantMessage(out.Content, nil))
			messages = append(messages, s.invokeTool(ctx, turn, d))

		default:
			log.Warn("unknown decision action, answering directly", slog.String("action", d.Action))
			return s.finish(ctx, turn, PathDirect, out.Content, w)
		}
	}
}

// invokeTool runs one tool call, records it in the trace, and returns the
// message carrying the result (or failure) back to the model. Tool failures
// never abort the turn; the model sees them and decides what to do next.
func (s *Supervisor) invokeTool(ctx context.Context, turn *ConversationTurn, d *decision) *schema.Message {
	args := string(d.Arguments)
	if args == "" {
		args = "{}"
	}
	call := ToolCall{
		Step:      len(turn.ToolCalls) + 1,
		Tool:      d.Tool,
		Arguments: args,
	}

	result, err := s.registry.Invoke(ctx, d.Tool, args)
	if err != nil {
		kind := tools.KindOf(err)
		call.Error = err.Error()
		turn.ToolCalls = append(turn.ToolCalls, call)
		logging.FromContext(ctx).Warn("tool call failed",
			slog.String("tool", d.Tool),
			slog.String("kind", string(kind)),
			slog.Any("error", err),
		)
		return schema.UserMessage(fmt.Sprintf(
			"[tool result] %s failed (%s): %s. Retry with different arguments or answer with what you have.",
			d.Tool, kind, err))
	}

	call.Result = result
	turn.ToolCalls = append(turn.ToolCalls, call)
	collectCitations(turn, d.Tool, result)
	return schema.UserMessage(fmt.Sprintf("[tool result] %s returned:\n%s", d.Tool, result))
}

// forceAnswer is taken when the tool budget is exhausted: the model gets one
// final generation with tool calls forbidden, and whatever it produces is the
// answer.
func (s *Supervisor) forceAnswer(ctx context.Context, turn *ConversationTurn, messages []*schema.Message, w io.Writer) (*ConversationTurn, error) {
	logging.FromContext(ctx).Warn("tool call budget exhausted, forcing a direct answer",
		slog.Int("max_tool_calls", s.maxToolCalls))

	messages = append(messages, schema.SystemMessage(
		"You have used all your tool calls for this question. "+
			`Respond now with {"action": "answer", "text": "..."} using the information gathered so far.`))

	out, err := s.model.Generate(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("agent: forced answer failed: %w", err)
	}
	text := out.Content
	if d := parseDecision(text); d != nil && d.Text != "" {
		text = d.Text
	}
	return s.finish(ctx, turn, PathDirect, text, w)
}

// delegate hands the turn to the simple agent. The simple agent is invoked
// without a conversation ID so it does not persist a duplicate turn; the
// supervisor records the combined turn under the delegate path.
func (s *Supervisor) delegate(ctx context.Context, turn *ConversationTurn, w io.Writer) (*ConversationTurn, error) {
	inner, err := s.simple.Ask(ctx, turn.ProjectID, "", turn.Question, w)
	if err != nil {
		return nil, fmt.Errorf("agent: delegate failed: %w", err)
	}
	turn.Answer = inner.Answer
	turn.Path = PathDelegate
	turn.Citations = append(turn.Citations, inner.Citations...)
	persistTurn(ctx, s.history, turn)
	return turn, nil
}

// finish writes the answer to w, stamps the path, and persists the turn.
func (s *Supervisor) finish(ctx context.Context, turn *ConversationTurn, path Path, answer string, w io.Writer) (*ConversationTurn, error) {
	if w != nil {
		if _, err := io.WriteString(w, answer); err != nil {
			return nil, fmt.Errorf("agent: write error: %w", err)
		}
	}
	turn.Answer = answer
	turn.Path = path
	persistTurn(ctx, s.history, turn)
	return turn, nil
}

// buildMessages assembles [system, ...trimmed history, question].
func (s *Supervisor) buildMessages(ctx context.Context, conversationID, question string) []*schema.Message {
	system := schema.SystemMessage(s.systemPrompt)
	user := schema.UserMessage(question)

	historyMsgs := loadHistory(ctx, s.history, conversationID, s.historyDepth)
	before := len(historyMsgs)
	historyMsgs = budget.TrimHistory([]*schema.Message{system, user}, historyMsgs, s.maxContextTokens)
	if dropped := before - len(historyMsgs); dropped > 0 {
		logging.FromContext(ctx).Warn("budget: dropped history messages to fit context window",
			slog.Int("dropped", dropped),
			slog.Int("retained", len(historyMsgs)),
			slog.Int("max_tokens", s.maxContextTokens),
		)
	}

	messages := make([]*schema.Message, 0, len(historyMsgs)+2)
	messages = append(messages, system)
	messages = append(messages, historyMsgs...)
	messages = append(messages, user)
	return messages
}

// collectCitations extracts citations from a successful document search
// result. Other tools do not contribute citations.
func collectCitations(turn *ConversationTurn, toolName, result string) {
	if toolName != "search_documents" {
		return
	}
	var hits []struct {
		ChunkID    string `json:"chunk_id"`
		DocumentID string `json:"document_id"`
	}
	if err := json.Unmarshal([]byte(result), &hits); err != nil {
		return
	}
	seen := make(map[string]bool, len(turn.Citations))
	for _, c := range turn.Citations {
		seen[c.ChunkID] = true
	}
	for _, h := range hits {
		if h.ChunkID == "" || seen[h.ChunkID] {
			continue
		}
		seen[h.ChunkID] = true
		turn.Citations = append(turn.Citations, Citation{ChunkID: h.ChunkID, DocumentID: h.DocumentID})
	}
}

// toolCatalog renders the registry as a name/description list for the prompt.
func toolCatalog(r *tools.Registry) string {
	var sb strings.Builder
	for _, t := range r.List() {
		fmt.Fprintf(&sb, "- %s: %s\n", t.Name(), t.Description())
	}
	return strings.TrimRight(sb.String(), "\n")
}
