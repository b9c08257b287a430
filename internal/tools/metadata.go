package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"github.com/mindbook/mindbook-go/internal/docstore"
)

// DocumentsTool lists the documents in the conversation's project so the
// model can answer questions about what material the workspace holds.
type DocumentsTool struct {
	// store is the document store queried for metadata.
	store *docstore.Store

	// projectID is the workspace the current conversation is bound to.
	projectID string
}

// documentsInput is the JSON-serialisable input schema for DocumentsTool.
type documentsInput struct {
	// Status optionally filters by ingestion status.
	Status string `json:"status,omitempty"`
}

// documentEntry is one document as presented to the model.
type documentEntry struct {
	ID        string `json:"id"`
	SourceRef string `json:"source_ref"`
	MediaType string `json:"media_type"`
	Status    string `json:"status"`
	Version   int    `json:"version"`
	UpdatedAt string `json:"updated_at"`
}

// NewDocumentsTool constructs a DocumentsTool bound to one project.
func NewDocumentsTool(store *docstore.Store, projectID string) *DocumentsTool {
	return &DocumentsTool{store: store, projectID: projectID}
}

// Name returns the tool name registered with the agent.
func (t *DocumentsTool) Name() string { return "list_documents" }

// Description returns the LLM-facing description of this tool.
func (t *DocumentsTool) Description() string {
	return "Lists the documents in this workspace with their ingestion status and version. " +
		"Use this to tell the user what material is available or still processing."
}

// Info returns the Eino tool metadata including the JSON input schema.
func (t *DocumentsTool) Info(ctx context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name: t.Name(),
		Desc: t.Description(),
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"status": {
				Type: schema.String,
				Desc: "Optional status filter: pending, processing, ready, or failed.",
			},
		}),
	}, nil
}

// InvokableRun lists the project's documents as a JSON array.
func (t *DocumentsTool) InvokableRun(ctx context.Context, argumentsInJSON string, opts ...tool.Option) (string, error) {
	var input documentsInput
	if argumentsInJSON != "" {
		if err := json.Unmarshal([]byte(argumentsInJSON), &input); err != nil {
			return "", &Error{Kind: KindInvalidArgs, Tool: t.Name(), Message: "invalid JSON input", Err: err}
		}
	}
	switch input.Status {
	case "", string(docstore.StatusPending), string(docstore.StatusProcessing),
		string(docstore.StatusReady), string(docstore.StatusFailed):
	default:
		return "", &Error{Kind: KindInvalidArgs, Tool: t.Name(), Message: fmt.Sprintf("unknown status %q", input.Status)}
	}

	docs, err := t.store.ListDocuments(ctx, t.projectID)
	if err != nil {
		return "", fmt.Errorf("%s: list documents: %w", t.Name(), err)
	}

	out := make([]documentEntry, 0, len(docs))
	for _, d := range docs {
		if input.Status != "" && string(d.Status) != input.Status {
			continue
		}
		out = append(out, documentEntry{
			ID:        d.ID,
			SourceRef: d.SourceRef,
			MediaType: d.MediaType,
			Status:    string(d.Status),
			Version:   d.Version,
			UpdatedAt: d.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}

	payload, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("%s: marshal results: %w", t.Name(), err)
	}
	return string(payload), nil
}
