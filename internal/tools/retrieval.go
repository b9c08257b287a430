package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"github.com/mindbook/mindbook-go/internal/rag"
)

// RetrievalTool exposes project-scoped chunk retrieval to the agent. The
// project scope is fixed at construction time — the model chooses the query,
// never the scope.
type RetrievalTool struct {
	// retriever performs the actual similarity search.
	retriever rag.Retriever

	// projectID is the workspace the current conversation is bound to.
	projectID string

	// defaultK is the result count used when the model does not ask for one.
	defaultK int
}

// retrievalInput is the JSON-serialisable input schema for RetrievalTool.
type retrievalInput struct {
	// Query is the natural-language search query.
	Query string `json:"query"`

	// K is the optional number of chunks to return.
	K int `json:"k,omitempty"`
}

// retrievalResult is one retrieved chunk as presented to the model.
type retrievalResult struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Text       string  `json:"text"`
	Score      float32 `json:"score"`
}

// NewRetrievalTool constructs a RetrievalTool bound to one project. A
// non-positive defaultK falls back to rag.DefaultTopK.
func NewRetrievalTool(retriever rag.Retriever, projectID string, defaultK int) *RetrievalTool {
	if defaultK <= 0 {
		defaultK = rag.DefaultTopK
	}
	return &RetrievalTool{retriever: retriever, projectID: projectID, defaultK: defaultK}
}

// Name returns the tool name registered with the agent.
func (t *RetrievalTool) Name() string { return "search_documents" }

// Description returns the LLM-facing description of this tool.
func (t *RetrievalTool) Description() string {
	return "Searches the workspace's ingested documents and returns the most relevant text chunks " +
		"with their source document IDs. Use this to ground answers in the user's own documents."
}

// Info returns the Eino tool metadata including the JSON input schema.
func (t *RetrievalTool) Info(ctx context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name: t.Name(),
		Desc: t.Description(),
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"query": {
				Type:     schema.String,
				Desc:     "Natural-language search query.",
				Required: true,
			},
			"k": {
				Type: schema.Integer,
				Desc: "Number of chunks to return (optional).",
			},
		}),
	}, nil
}

// InvokableRun executes the retrieval and returns the results as a JSON
// array for the agent to consume. No matching chunks is a valid empty
// result, not an error.
func (t *RetrievalTool) InvokableRun(ctx context.Context, argumentsInJSON string, opts ...tool.Option) (string, error) {
	var input retrievalInput
	if err := json.Unmarshal([]byte(argumentsInJSON), &input); err != nil {
		return "", &Error{Kind: KindInvalidArgs, Tool: t.Name(), Message: "invalid JSON input", Err: err}
	}
	if input.Query == "" {
		return "", &Error{Kind: KindInvalidArgs, Tool: t.Name(), Message: "query is required"}
	}
	k := input.K
	if k <= 0 {
		k = t.defaultK
	}

	results, err := t.retriever.Retrieve(ctx, t.projectID, input.Query, k)
	if err != nil {
		if ctx.Err() != nil {
			return "", &Error{Kind: KindTimeout, Tool: t.Name(), Message: "retrieval cancelled", Err: err}
		}
		return "", fmt.Errorf("%s: retrieval failed: %w", t.Name(), err)
	}

	out := make([]retrievalResult, 0, len(results))
	for _, r := range results {
		out = append(out, retrievalResult{
			ChunkID:    r.ChunkID,
			DocumentID: r.DocumentID,
			Text:       r.Text,
			Score:      r.Score,
		})
	}

	payload, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("%s: marshal results: %w", t.Name(), err)
	}
	return string(payload), nil
}
