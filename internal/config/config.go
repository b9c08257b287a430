// Package config provides YAML-based configuration for mindbook.
// Configuration is loaded with a layered precedence: defaults → YAML file → env vars.
// Environment variables always win, so existing workflows are unaffected.
//
// File search order:
//  1. --config CLI flag (explicit path)
//  2. MINDBOOK_CONFIG environment variable
//  3. ~/.mindbook/config.yaml
//  4. ./mindbook.yaml
//
// If no file is found the system runs entirely from env vars (backwards compatible).
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration structure.
// Field names use yaml tags that mirror the env var naming (lowercase, underscored).
type Config struct {
	// Model configures the LLM chat model provider.
	Model ModelConfig `yaml:"model"`

	// Embedding configures the embedding provider.
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Qdrant configures the Qdrant vector index connection.
	Qdrant QdrantConfig `yaml:"qdrant"`

	// Ingest configures the document ingestion pipeline.
	Ingest IngestConfig `yaml:"ingest"`

	// Agent configures the supervisor and simple agent behaviour.
	Agent AgentConfig `yaml:"agent"`

	// Jobs configures the asynchronous job orchestrator.
	Jobs JobsConfig `yaml:"jobs"`

	// Server configures the HTTP server.
	Server ServerConfig `yaml:"server"`

	// Storage configures document and conversation persistence.
	Storage StorageConfig `yaml:"storage"`

	// WebSearch configures the web search tool.
	WebSearch WebSearchConfig `yaml:"web_search"`

	// Logging configures structured logging.
	Logging LoggingConfig `yaml:"logging"`

	// Tracing configures Langfuse tracing integration.
	Tracing TracingConfig `yaml:"tracing"`
}

// ModelConfig holds LLM chat model settings.
type ModelConfig struct {
	// Provider selects the backend: ollama, openai, azure, bedrock, gemini.
	Provider string `yaml:"provider"`
	// MaxTokens is the maximum number of tokens in the response.
	MaxTokens int `yaml:"max_tokens"`
	// Temperature controls response randomness (0.0–1.0).
	Temperature float32 `yaml:"temperature"`
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	// Provider selects the embedding backend (ollama, openai, azure).
	Provider string `yaml:"provider"`
	// Model is the embedding model name.
	Model string `yaml:"model"`
	// Dimensions overrides the embedding vector size.
	Dimensions int `yaml:"dimensions"`
	// APIKey is the embedding API key. Prefer env var EMBEDDING_API_KEY.
	APIKey string `yaml:"api_key"`
	// Endpoint is the embedding API endpoint.
	Endpoint string `yaml:"endpoint"`
}

// QdrantConfig holds Qdrant vector index settings. When Host is empty the
// system falls back to the in-process index.
type QdrantConfig struct {
	// Host is the Qdrant server hostname.
	Host string `yaml:"host"`
	// Port is the Qdrant gRPC port.
	Port int `yaml:"port"`
	// Collection is the Qdrant collection name.
	Collection string `yaml:"collection"`
	// APIKey is the Qdrant API key. Prefer env var QDRANT_API_KEY.
	APIKey string `yaml:"api_key"`
	// TLS enables TLS for the Qdrant connection.
	TLS bool `yaml:"tls"`
}

// IngestConfig holds ingestion pipeline tunables. The chunking constants are
// product-tuning choices, so they are deliberately configuration rather than
// hard-coded values.
type IngestConfig struct {
	// ChunkTokens is the target token count per chunk.
	ChunkTokens int `yaml:"chunk_tokens"`
	// OverlapFraction is the maximum fraction of a chunk shared with its
	// predecessor (0.0–0.5).
	OverlapFraction float64 `yaml:"overlap_fraction"`
	// EmbedBatch is the number of chunks embedded per provider call.
	EmbedBatch int `yaml:"embed_batch"`
}

// AgentConfig holds supervisor and simple-agent tunables.
type AgentConfig struct {
	// MaxToolCalls is the hard bound on tool-call steps per turn.
	MaxToolCalls int `yaml:"max_tool_calls"`
	// TopK is the default retrieval result count.
	TopK int `yaml:"top_k"`
	// ContextTokens is the input context token budget per generation call.
	ContextTokens int `yaml:"context_tokens"`
}

// JobsConfig holds job orchestrator tunables.
type JobsConfig struct {
	// Workers is the worker pool size. Defaults to the CPU count.
	Workers int `yaml:"workers"`
	// MaxAttempts is the retry budget per job (including the first attempt).
	MaxAttempts int `yaml:"max_attempts"`
	// BackoffBase is the initial retry delay; it doubles per attempt.
	BackoffBase time.Duration `yaml:"backoff_base"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the bind address.
	Host string `yaml:"host"`
	// Port is the TCP port.
	Port int `yaml:"port"`
	// APIKey is the Bearer token for API authentication. Prefer env var MINDBOOK_API_KEY.
	APIKey string `yaml:"api_key"`
}

// StorageConfig holds persistence settings.
type StorageConfig struct {
	// DBPath is the SQLite database path for documents, chunks, and jobs.
	DBPath string `yaml:"db_path"`
	// DataDir is the root directory of the local object store holding raw
	// uploaded files.
	DataDir string `yaml:"data_dir"`
}

// WebSearchConfig holds web search tool settings.
type WebSearchConfig struct {
	// APIKey authenticates against the scraping service. Prefer env var WEB_SEARCH_API_KEY.
	APIKey string `yaml:"api_key"`
	// Endpoint is the scraping service base URL.
	Endpoint string `yaml:"endpoint"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is the log output format: json, text.
	Format string `yaml:"format"`
}

// TracingConfig holds Langfuse tracing settings.
type TracingConfig struct {
	// PublicKey is the Langfuse public key. Prefer env var LANGFUSE_PUBLIC_KEY.
	PublicKey string `yaml:"public_key"`
	// SecretKey is the Langfuse secret key. Prefer env var LANGFUSE_SECRET_KEY.
	SecretKey string `yaml:"secret_key"`
	// Host is the Langfuse API host.
	Host string `yaml:"host"`
}

// envMapping maps YAML config fields to their corresponding env var names.
// Only non-empty YAML values are applied; env vars always take precedence.
var envMapping = []struct {
	envKey string
	value  func(*Config) string
}{
	{"MODEL_PROVIDER", func(c *Config) string { return c.Model.Provider }},
	{"MODEL_MAX_TOKENS", func(c *Config) string { return intStr(c.Model.MaxTokens) }},
	{"MODEL_TEMPERATURE", func(c *Config) string { return float32Str(c.Model.Temperature) }},
	{"EMBEDDING_PROVIDER", func(c *Config) string { return c.Embedding.Provider }},
	{"EMBEDDING_MODEL", func(c *Config) string { return c.Embedding.Model }},
	{"EMBEDDING_DIMENSIONS", func(c *Config) string { return intStr(c.Embedding.Dimensions) }},
	{"EMBEDDING_API_KEY", func(c *Config) string { return c.Embedding.APIKey }},
	{"EMBEDDING_ENDPOINT", func(c *Config) string { return c.Embedding.Endpoint }},
	{"QDRANT_HOST", func(c *Config) string { return c.Qdrant.Host }},
	{"QDRANT_PORT", func(c *Config) string { return intStr(c.Qdrant.Port) }},
	{"QDRANT_COLLECTION", func(c *Config) string { return c.Qdrant.Collection }},
	{"QDRANT_API_KEY", func(c *Config) string { return c.Qdrant.APIKey }},
	{"QDRANT_TLS", func(c *Config) string { return boolStr(c.Qdrant.TLS) }},
	{"INGEST_CHUNK_TOKENS", func(c *Config) string { return intStr(c.Ingest.ChunkTokens) }},
	{"INGEST_OVERLAP_FRACTION", func(c *Config) string { return float64Str(c.Ingest.OverlapFraction) }},
	{"INGEST_EMBED_BATCH", func(c *Config) string { return intStr(c.Ingest.EmbedBatch) }},
	{"AGENT_MAX_TOOL_CALLS", func(c *Config) string { return intStr(c.Agent.MaxToolCalls) }},
	{"AGENT_TOP_K", func(c *Config) string { return intStr(c.Agent.TopK) }},
	{"AGENT_CONTEXT_TOKENS", func(c *Config) string { return intStr(c.Agent.ContextTokens) }},
	{"JOBS_WORKERS", func(c *Config) string { return intStr(c.Jobs.Workers) }},
	{"JOBS_MAX_ATTEMPTS", func(c *Config) string { return intStr(c.Jobs.MaxAttempts) }},
	{"JOBS_BACKOFF_BASE", func(c *Config) string { return durationStr(c.Jobs.BackoffBase) }},
	{"SERVER_HOST", func(c *Config) string { return c.Server.Host }},
	{"SERVER_PORT", func(c *Config) string { return intStr(c.Server.Port) }},
	{"MINDBOOK_API_KEY", func(c *Config) string { return c.Server.APIKey }},
	{"MINDBOOK_DB", func(c *Config) string { return c.Storage.DBPath }},
	{"MINDBOOK_DATA_DIR", func(c *Config) string { return c.Storage.DataDir }},
	{"WEB_SEARCH_API_KEY", func(c *Config) string { return c.WebSearch.APIKey }},
	{"WEB_SEARCH_ENDPOINT", func(c *Config) string { return c.WebSearch.Endpoint }},
	{"LOG_LEVEL", func(c *Config) string { return c.Logging.Level }},
	{"LOG_FORMAT", func(c *Config) string { return c.Logging.Format }},
	{"LANGFUSE_PUBLIC_KEY", func(c *Config) string { return c.Tracing.PublicKey }},
	{"LANGFUSE_SECRET_KEY", func(c *Config) string { return c.Tracing.SecretKey }},
	{"LANGFUSE_HOST", func(c *Config) string { return c.Tracing.Host }},
}

// Load reads a YAML config file and applies non-empty values as environment
// variables. Existing env vars are never overwritten (env always wins).
// Returns the path that was loaded, or empty string if no file was found.
func Load(explicitPath string, log *slog.Logger) (string, error) {
	path := resolveConfigPath(explicitPath)
	if path == "" {
		log.Debug("config: no YAML config file found, using env vars only")
		return "", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return "", fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	applied := 0
	for _, m := range envMapping {
		yamlVal := m.value(&cfg)
		if yamlVal == "" || yamlVal == "0" || yamlVal == "false" {
			continue
		}
		if os.Getenv(m.envKey) != "" {
			continue // env var already set — do not override
		}
		os.Setenv(m.envKey, yamlVal)
		applied++
	}

	log.Info("config: loaded YAML config",
		slog.String("path", path),
		slog.Int("keys_applied", applied),
	)

	return path, nil
}

// resolveConfigPath returns the first config file path that exists.
func resolveConfigPath(explicit string) string {
	if explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return explicit
		}
		return ""
	}

	if envPath := os.Getenv("MINDBOOK_CONFIG"); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	home, err := os.UserHomeDir()
	if err == nil {
		p := filepath.Join(home, ".mindbook", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	if _, err := os.Stat("mindbook.yaml"); err == nil {
		return "mindbook.yaml"
	}

	return ""
}

// intStr converts an int to string, returning "" for zero values.
func intStr(v int) string {
	if v == 0 {
		return ""
	}
	return fmt.Sprintf("%d", v)
}

// float32Str converts a float32 to string, returning "" for zero values.
func float32Str(v float32) string {
	if v == 0 {
		return ""
	}
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.4f", v), "0"), ".")
}

// float64Str converts a float64 to string, returning "" for zero values.
func float64Str(v float64) string {
	if v == 0 {
		return ""
	}
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.4f", v), "0"), ".")
}

// durationStr converts a duration to string, returning "" for zero values.
func durationStr(v time.Duration) string {
	if v == 0 {
		return ""
	}
	return v.String()
}

// boolStr converts a bool to string, returning "" for false.
func boolStr(v bool) string {
	if !v {
		return ""
	}
	return "true"
}
