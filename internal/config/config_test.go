package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_NoFile(t *testing.T) {
	t.Parallel()

	log := slog.Default()
	path, err := Load("/nonexistent/path/config.yaml", log)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path != "" {
		t.Errorf("expected empty path, got %q", path)
	}
}

func TestLoad_ValidFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	content := []byte(`
model:
  provider: openai
  max_tokens: 8192
  temperature: 0.3
embedding:
  provider: ollama
  model: nomic-embed-text
qdrant:
  host: qdrant.internal
  port: 6334
  collection: mindbook-chunks
ingest:
  chunk_tokens: 512
  overlap_fraction: 0.15
  embed_batch: 32
agent:
  max_tool_calls: 6
  top_k: 5
jobs:
  workers: 4
  max_attempts: 4
  backoff_base: 2s
logging:
  level: debug
  format: text
`)

	if err := os.WriteFile(cfgPath, content, 0o644); err != nil {
		t.Fatal(err)
	}

	// Clear env vars that the YAML should set.
	envKeys := []string{
		"MODEL_PROVIDER", "MODEL_MAX_TOKENS", "MODEL_TEMPERATURE",
		"EMBEDDING_PROVIDER", "EMBEDDING_MODEL",
		"QDRANT_HOST", "QDRANT_PORT", "QDRANT_COLLECTION",
		"INGEST_CHUNK_TOKENS", "INGEST_OVERLAP_FRACTION", "INGEST_EMBED_BATCH",
		"AGENT_MAX_TOOL_CALLS", "AGENT_TOP_K",
		"JOBS_WORKERS", "JOBS_MAX_ATTEMPTS", "JOBS_BACKOFF_BASE",
		"LOG_LEVEL", "LOG_FORMAT",
	}
	for _, k := range envKeys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	log := slog.Default()
	loaded, err := Load(cfgPath, log)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded != cfgPath {
		t.Errorf("loaded path: got %q, want %q", loaded, cfgPath)
	}

	checks := map[string]string{
		"MODEL_PROVIDER":          "openai",
		"MODEL_MAX_TOKENS":        "8192",
		"EMBEDDING_PROVIDER":      "ollama",
		"EMBEDDING_MODEL":         "nomic-embed-text",
		"QDRANT_HOST":             "qdrant.internal",
		"QDRANT_PORT":             "6334",
		"QDRANT_COLLECTION":       "mindbook-chunks",
		"INGEST_CHUNK_TOKENS":     "512",
		"INGEST_OVERLAP_FRACTION": "0.15",
		"INGEST_EMBED_BATCH":      "32",
		"AGENT_MAX_TOOL_CALLS":    "6",
		"AGENT_TOP_K":             "5",
		"JOBS_WORKERS":            "4",
		"JOBS_MAX_ATTEMPTS":       "4",
		"JOBS_BACKOFF_BASE":       "2s",
		"LOG_LEVEL":               "debug",
		"LOG_FORMAT":              "text",
	}
	for k, want := range checks {
		got := os.Getenv(k)
		if got != want {
			t.Errorf("%s: got %q, want %q", k, got, want)
		}
	}
}

func TestLoad_EnvWins(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	content := []byte("model:\n  provider: openai\n")
	if err := os.WriteFile(cfgPath, content, 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("MODEL_PROVIDER", "ollama")

	if _, err := Load(cfgPath, slog.Default()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := os.Getenv("MODEL_PROVIDER"); got != "ollama" {
		t.Errorf("env var should not be overridden: got %q, want ollama", got)
	}
}
