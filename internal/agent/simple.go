package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/mindbook/mindbook-go/internal/budget"
	"github.com/mindbook/mindbook-go/internal/logging"
	"github.com/mindbook/mindbook-go/internal/rag"
	"github.com/mindbook/mindbook-go/internal/store"
)

// simpleSystemPrompt is the base system prompt for the retrieve-then-answer
// agent. It constrains the model to the retrieved excerpts so answers stay
// grounded in the workspace documents.
const simpleSystemPrompt = `You are Mindbook, an assistant that answers questions about the documents in
the user's workspace.

You will be given excerpts retrieved from the workspace documents. Answer the
user's question using ONLY those excerpts and the conversation so far.

Rules:
- If the excerpts do not contain the answer, say so plainly. Do not invent
  facts or fall back on general knowledge about the topic.
- Quote or paraphrase the excerpts; do not pad the answer with filler.
- Keep answers concise and direct.
- Respond in plain prose. Do not mention excerpt numbers or retrieval
  mechanics in the answer.`

// SimpleConfig holds the dependencies required to construct a SimpleAgent.
type SimpleConfig struct {
	// ChatModel is the LLM backend constructed by the provider factory.
	ChatModel model.ToolCallingChatModel

	// Retriever serves workspace-scoped retrieval for grounding context.
	Retriever rag.Retriever

	// TopK controls how many chunks are retrieved per question.
	// Defaults to rag.DefaultTopK if zero.
	TopK int
	// History is the optional conversation store used to persist and replay
	// prior turns. If nil, each question is stateless.
	History store.ConversationStore
	// HistoryDepth is the number of prior turns to inject per question.
	// Defaults to 10 if zero.
	HistoryDepth int
	// MaxContextTokens is the estimated token budget for the full input
	// context (system prompt + history + retrieved excerpts + question).
	// Defaults to budget.DefaultMaxContextTokens if zero.
	MaxContextTokens int
}

// SimpleAgent answers each question with a single retrieval pass followed by
// a single generation. It never calls tools; the chunks whose text made it
// into the prompt become the turn's citations.
type SimpleAgent struct {
	model            model.ToolCallingChatModel
	retriever        rag.Retriever
	topK             int
	history          store.ConversationStore
	historyDepth     int
	maxContextTokens int
}

// NewSimple constructs a SimpleAgent from the provided SimpleConfig.
func NewSimple(cfg *SimpleConfig) (*SimpleAgent, error) {
	if cfg.ChatModel == nil {
		return nil, fmt.Errorf("agent: ChatModel must not be nil")
	}
	if cfg.Retriever == nil {
		return nil, fmt.Errorf("agent: Retriever must not be nil")
	}

	topK := cfg.TopK
	if topK <= 0 {
		topK = rag.DefaultTopK
	}
	depth := cfg.HistoryDepth
	if depth <= 0 {
		depth = 10
	}
	maxCtx := cfg.MaxContextTokens
	if maxCtx <= 0 {
		maxCtx = budget.DefaultMaxContextTokens
	}

	return &SimpleAgent{
		model:            cfg.ChatModel,
		retriever:        cfg.Retriever,
		topK:             topK,
		history:          cfg.History,
		historyDepth:     depth,
		maxContextTokens: maxCtx,
	}, nil
}

// Ask answers one question, streaming response deltas to w as they arrive.
// The returned turn carries the full answer, the citations for every excerpt
// that was included in the prompt, and is already persisted to the history
// store when one is configured (persistence failure is non-fatal).
func (a *SimpleAgent) Ask(ctx context.Context, projectID, conversationID, question string, w io.Writer) (*ConversationTurn, error) {
	if projectID == "" {
		return nil, fmt.Errorf("agent: project id must not be empty")
	}
	if strings.TrimSpace(question) == "" {
		return nil, fmt.Errorf("agent: question must not be empty")
	}

	messages, citations := a.buildMessages(ctx, projectID, conversationID, question)

	answer, err := streamModel(ctx, a.model, messages, w)
	if err != nil {
		return nil, err
	}

	turn := &ConversationTurn{
		ConversationID: conversationID,
		ProjectID:      projectID,
		Question:       question,
		Answer:         answer,
		Path:           PathSimple,
		Citations:      citations,
	}
	persistTurn(ctx, a.history, turn)
	return turn, nil
}

// buildMessages assembles [system, ...history, excerpts, question] and
// returns the citations for the excerpts that fit the token budget.
func (a *SimpleAgent) buildMessages(ctx context.Context, projectID, conversationID, question string) ([]*schema.Message, []Citation) {
	messages := []*schema.Message{schema.SystemMessage(simpleSystemPrompt)}

	var results []rag.Result
	if a.retriever != nil {
		var err error
		results, err = a.retriever.Retrieve(ctx, projectID, question, a.topK)
		if err != nil {
			// Retrieval failure is non-fatal — log and answer without context.
			logging.FromContext(ctx).Warn("retrieval failed, continuing without context", slog.Any("error", err))
			results = nil
		}
	}

	historyMsgs := loadHistory(ctx, a.history, conversationID, a.historyDepth)

	// Fit the retrieved excerpts into whatever budget remains after the fixed
	// messages and history. Results arrive highest-relevance first, so the
	// lowest-ranked excerpts are the ones dropped.
	used := budget.EstimateMessages(messages) +
		budget.EstimateMessages(historyMsgs) +
		budget.Estimate(question)
	texts := make([]string, len(results))
	for i, r := range results {
		texts[i] = r.Text
	}
	fitted := budget.FitTexts(texts, used, a.maxContextTokens)
	if dropped := len(texts) - len(fitted); dropped > 0 {
		logging.FromContext(ctx).Warn("budget: dropped retrieved excerpts to fit context window",
			slog.Int("dropped", dropped),
			slog.Int("retained", len(fitted)),
			slog.Int("max_tokens", a.maxContextTokens),
		)
	}

	var citations []Citation
	if len(fitted) > 0 {
		messages = append(messages, schema.SystemMessage(buildExcerptContext(fitted)))
		citations = make([]Citation, len(fitted))
		for i := range fitted {
			citations[i] = Citation{ChunkID: results[i].ChunkID, DocumentID: results[i].DocumentID}
		}
	}

	// [system, ...history, excerpts, question]
	result := make([]*schema.Message, 0, len(messages)+len(historyMsgs)+1)
	result = append(result, messages[0])
	result = append(result, historyMsgs...)
	result = append(result, messages[1:]...)
	result = append(result, schema.UserMessage(question))
	return result, citations
}

// buildExcerptContext formats retrieved chunk texts into a system message.
func buildExcerptContext(texts []string) string {
	var sb strings.Builder
	sb.WriteString("## Retrieved Document Excerpts\n\n")
	sb.WriteString("The following excerpts were retrieved from the workspace documents. ")
	sb.WriteString("Answer the question using only these excerpts.\n\n")
	for i, t := range texts {
		fmt.Fprintf(&sb, "### Excerpt %d\n%s\n\n", i+1, t)
	}
	return sb.String()
}

// loadHistory replays recent turns from the conversation store as alternating
// user/assistant messages. Load failure is non-fatal.
func loadHistory(ctx context.Context, history store.ConversationStore, conversationID string, depth int) []*schema.Message {
	if history == nil || conversationID == "" {
		return nil
	}
	prior, err := history.Recent(ctx, conversationID, depth)
	if err != nil {
		logging.FromContext(ctx).Warn("history: failed to load prior turns", slog.Any("error", err))
		return nil
	}
	msgs := make([]*schema.Message, 0, len(prior)*2)
	for _, t := range prior {
		msgs = append(msgs, schema.UserMessage(t.Question))
		msgs = append(msgs, schema.AssistantMessage(t.Answer, nil))
	}
	return msgs
}

// persistTurn writes the completed turn to the conversation store.
// Persistence failure is non-fatal — the answer was already delivered.
func persistTurn(ctx context.Context, history store.ConversationStore, turn *ConversationTurn) {
	if history == nil || turn.ConversationID == "" {
		return
	}
	trace, _ := json.Marshal(turn.ToolCalls)
	cites, _ := json.Marshal(turn.Citations)
	err := history.AppendTurn(ctx, store.Turn{
		ConversationID: turn.ConversationID,
		ProjectID:      turn.ProjectID,
		Question:       turn.Question,
		Answer:         turn.Answer,
		Path:           string(turn.Path),
		ToolTrace:      string(trace),
		Citations:      string(cites),
	})
	if err != nil {
		logging.FromContext(ctx).Warn("history: failed to persist turn", slog.Any("error", err))
	}
}

// streamModel streams one generation, copying content deltas to w as they
// arrive, and returns the accumulated text.
func streamModel(ctx context.Context, m model.ToolCallingChatModel, messages []*schema.Message, w io.Writer) (string, error) {
	sr, err := m.Stream(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("agent: stream failed: %w", err)
	}
	defer sr.Close()

	var buf strings.Builder
	for {
		msg, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("agent: stream receive error: %w", err)
		}
		if msg == nil || msg.Content == "" {
			continue
		}
		buf.WriteString(msg.Content)
		if w != nil {
			if _, err := io.WriteString(w, msg.Content); err != nil {
				return "", fmt.Errorf("agent: write error: %w", err)
			}
		}
	}
	return buf.String(), nil
}
