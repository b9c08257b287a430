package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// defaultOllamaTimeout bounds one embedding call. Ingestion batches of 32
// chunks can take a while on CPU-only hosts, so this is generous.
const defaultOllamaTimeout = 60 * time.Second

// OllamaEmbedder implements rag.Embedder against the Ollama /api/embed
// endpoint. It is the zero-config default backend: no API key, runs locally,
// and handles the pipeline's chunk batches in one request per batch.
// Safe for concurrent use.
type OllamaEmbedder struct {
	// host is the Ollama server base URL (e.g. "http://localhost:11434").
	host string
	// model is the embedding model name (e.g. "nomic-embed-text").
	model string
	// client is the shared HTTP client.
	client *http.Client
}

// OllamaConfig holds the settings for constructing an OllamaEmbedder.
type OllamaConfig struct {
	// Host is the Ollama server base URL (e.g. "http://localhost:11434").
	Host string
	// Model is the embedding model name (e.g. "nomic-embed-text").
	Model string
	// Timeout bounds each embedding request. Zero means the default.
	Timeout time.Duration
}

// NewOllamaEmbedder constructs an OllamaEmbedder from the given config.
func NewOllamaEmbedder(cfg *OllamaConfig) *OllamaEmbedder {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultOllamaTimeout
	}
	return &OllamaEmbedder{
		host:   cfg.Host,
		model:  cfg.Model,
		client: &http.Client{Timeout: timeout},
	}
}

// ollamaEmbedRequest is the JSON body sent to /api/embed.
type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// ollamaEmbedResponse is the JSON body returned from /api/embed.
type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error,omitempty"`
}

// Embed converts a batch of chunk or query texts into embeddings. The
// returned slice is parallel to texts; an empty batch is a no-op.
func (e *OllamaEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	payload, err := json.Marshal(ollamaEmbedRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("embedder: ollama: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.host+"/api/embed", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("embedder: ollama: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedder: ollama: request failed: %w", err)
	}
	defer resp.Body.Close()

	var result ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("embedder: ollama: decode response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		// Ollama reports model errors (not pulled, wrong kind) in the body.
		if result.Error != "" {
			return nil, fmt.Errorf("embedder: ollama: %s", result.Error)
		}
		return nil, fmt.Errorf("embedder: ollama: HTTP %d from %s", resp.StatusCode, e.host)
	}

	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedder: ollama: batch size mismatch: sent %d texts, got %d embeddings", len(texts), len(result.Embeddings))
	}

	return result.Embeddings, nil
}
