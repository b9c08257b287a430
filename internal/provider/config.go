// Package provider selects and constructs the LLM chat model backend used
// for answer generation. Supported backends: Ollama, OpenAI, Azure OpenAI,
// AWS Bedrock, Google Gemini.
package provider

import (
	"fmt"
	"strings"
)

// Backend enumerates the supported LLM inference providers.
type Backend string

const (
	// BackendOllama selects a locally running Ollama instance.
	BackendOllama Backend = "ollama"
	// BackendOpenAI selects the OpenAI API.
	BackendOpenAI Backend = "openai"
	// BackendAzure selects Azure OpenAI Service.
	BackendAzure Backend = "azure"
	// BackendBedrock selects AWS Bedrock.
	BackendBedrock Backend = "bedrock"
	// BackendGemini selects Google Gemini via AI Studio.
	BackendGemini Backend = "gemini"
)

// ProviderOllama holds Ollama connection settings.
type ProviderOllama struct {
	// Host is the Ollama server base URL.
	Host string
	// Model is the chat model name (e.g. "llama3").
	Model string
}

// ProviderOpenAI holds OpenAI API settings.
type ProviderOpenAI struct {
	// APIKey authenticates against the OpenAI API.
	APIKey string
	// Model is the chat model name (e.g. "gpt-4o").
	Model string
}

// ProviderAzureOpenAI holds Azure OpenAI Service settings.
type ProviderAzureOpenAI struct {
	// APIKey authenticates against the Azure OpenAI resource.
	APIKey string
	// Endpoint is the resource endpoint URL.
	Endpoint string
	// Deployment is the model deployment name.
	Deployment string
	// APIVersion is the REST API version (e.g. "2024-02-01").
	APIVersion string
}

// ProviderBedrock holds AWS Bedrock settings. AWS credentials are resolved
// via the standard SDK chain.
type ProviderBedrock struct {
	// AWSRegion is the AWS region hosting the model.
	AWSRegion string
	// ModelID is the Bedrock model identifier.
	ModelID string
	// Endpoint optionally overrides the runtime endpoint.
	Endpoint string
	// APIKey is an optional bearer credential for gateway deployments.
	APIKey string
}

// ProviderGemini holds Google Gemini settings.
type ProviderGemini struct {
	// APIKey is the AI Studio API key.
	APIKey string
	// Model is the chat model name (e.g. "gemini-1.5-pro").
	Model string
}

// SharedTuning holds generation parameters common to every backend.
type SharedTuning struct {
	// MaxTokens caps the number of tokens the model may generate per response.
	MaxTokens int
	// Temperature controls response randomness (0.0–1.0).
	Temperature float32
}

// Config holds all provider-level configuration resolved from environment
// variables or explicit caller-supplied values.
type Config struct {
	// Backend identifies which inference provider to use.
	Backend Backend

	// Ollama holds settings for the ollama backend.
	Ollama ProviderOllama
	// OpenAI holds settings for the openai backend.
	OpenAI ProviderOpenAI
	// AzureOpenAI holds settings for the azure backend.
	AzureOpenAI ProviderAzureOpenAI
	// Bedrock holds settings for the bedrock backend.
	Bedrock ProviderBedrock
	// Gemini holds settings for the gemini backend.
	Gemini ProviderGemini

	// Tuning holds shared generation parameters.
	Tuning SharedTuning
}

// Validate checks that the configuration for the selected backend is
// complete. Error messages name the env var that supplies the missing value.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendOllama:
		if c.Ollama.Host == "" {
			return fmt.Errorf("provider: OLLAMA_HOST is required for ollama backend")
		}
		if c.Ollama.Model == "" {
			return fmt.Errorf("provider: OLLAMA_MODEL is required for ollama backend")
		}

	case BackendOpenAI:
		if c.OpenAI.APIKey == "" {
			return fmt.Errorf("provider: OPENAI_API_KEY is required for openai backend")
		}
		if c.OpenAI.Model == "" {
			return fmt.Errorf("provider: OPENAI_MODEL is required for openai backend")
		}

	case BackendAzure:
		if c.AzureOpenAI.APIKey == "" {
			return fmt.Errorf("provider: AZURE_OPENAI_API_KEY is required for azure backend")
		}
		if c.AzureOpenAI.Endpoint == "" {
			return fmt.Errorf("provider: AZURE_OPENAI_ENDPOINT is required for azure backend")
		}
		if c.AzureOpenAI.Deployment == "" {
			return fmt.Errorf("provider: AZURE_OPENAI_DEPLOYMENT is required for azure backend")
		}

	case BackendBedrock:
		if c.Bedrock.ModelID == "" {
			return fmt.Errorf("provider: BEDROCK_MODEL_ID is required for bedrock backend")
		}
		if c.Bedrock.AWSRegion == "" {
			return fmt.Errorf("provider: AWS_REGION is required for bedrock backend")
		}

	case BackendGemini:
		if c.Gemini.APIKey == "" {
			return fmt.Errorf("provider: GOOGLE_API_KEY is required for gemini backend")
		}
		if c.Gemini.Model == "" {
			return fmt.Errorf("provider: GEMINI_MODEL is required for gemini backend")
		}

	default:
		return fmt.Errorf("provider: unknown backend %q — valid values: ollama, openai, azure, bedrock, gemini", c.Backend)
	}
	return nil
}

// azureReasoningPrefixes matches o-series and codex-class deployments, which
// reject the temperature parameter.
var azureReasoningPrefixes = []string{"o1", "o3", "o4", "codex"}

// isAzureReasoningModel reports whether an Azure deployment name refers to a
// reasoning model that does not accept a temperature parameter.
func isAzureReasoningModel(deployment string) bool {
	lower := strings.ToLower(deployment)
	for _, p := range azureReasoningPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}
