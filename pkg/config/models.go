package config

import (
	"fmt"
	"os"
	"strings"
)

// ModelInfo contains static information about a known LLM model.
// This data is hardcoded in the application, not user-configurable.
type ModelInfo struct {
	Provider          string  // API provider (moonshot, deepinfra, anthropic, ...)
	DisplayName       string  // Human-readable name for UI surfaces
	Description       string  // Short description for the model picker
	InputCPM          float64 // Cost per million input tokens (USD)
	OutputCPM         float64 // Cost per million output tokens (USD)
	MaxContextTokens  int     // Maximum context window size in tokens
	MaxOutputTokens   int     // Maximum output tokens per request
	SupportsReasoning bool    // Emits extended thinking before answering
}

// KnownModels registry contains pricing and provider information for common models.
// This is optional - unknown models will be inferred via ProviderPatterns.
//
//nolint:gochecknoglobals // Intentional global for static model registry
var KnownModels = map[string]ModelInfo{
	// Moonshot AI models
	ModelKimiK2Thinking: {
		Provider:          ProviderMoonshot,
		DisplayName:       "Kimi K2 Thinking",
		Description:       "Moonshot AI's most advanced model with reasoning capabilities. Best quality but slower.",
		InputCPM:          0.60,
		OutputCPM:         2.50,
		MaxContextTokens:  200000,
		MaxOutputTokens:   32768,
		SupportsReasoning: true,
	},

	// DeepInfra-hosted models
	ModelGLM46: {
		Provider:         ProviderDeepInfra,
		DisplayName:      "GLM-4.6",
		Description:      "Fast and capable model with 200K context window. Great for testing and faster iterations.",
		InputCPM:         0.45,
		OutputCPM:        1.90,
		MaxContextTokens: 200000,
		MaxOutputTokens:  32768,
	},

	// Claude models (Anthropic)
	ModelClaudeSonnet45: {
		Provider:         ProviderAnthropic,
		DisplayName:      "Claude Sonnet 4.5",
		Description:      "Strong prose quality with a 200K context window.",
		InputCPM:         3.0,
		OutputCPM:        15.0,
		MaxContextTokens: 200000,
		MaxOutputTokens:  8192,
	},

	// OpenAI GPT models
	ModelGPT4o: {
		Provider:         ProviderOpenAI,
		DisplayName:      "GPT-4o",
		Description:      "General-purpose model. Smaller context window than the defaults.",
		InputCPM:         2.5,
		OutputCPM:        10.0,
		MaxContextTokens: 128000,
		MaxOutputTokens:  4096,
	},

	// Google Gemini models
	ModelGemini25Flash: {
		Provider:         ProviderGoogle,
		DisplayName:      "Gemini 2.5 Flash",
		Description:      "Fast drafts with a very large context window.",
		InputCPM:         0.30,
		OutputCPM:        2.50,
		MaxContextTokens: 1048576,
		MaxOutputTokens:  65536,
	},
}

// ProviderPattern represents a pattern for inferring provider from model name.
type ProviderPattern struct {
	Prefix   string
	Provider string
}

// ProviderPatterns defines rules for inferring providers from unknown model names.
// Allows using new models without code changes.
//
//nolint:gochecknoglobals // Intentional global for inference rules
var ProviderPatterns = []ProviderPattern{
	{"kimi", ProviderMoonshot},
	{"moonshot", ProviderMoonshot},
	{"zai-org/", ProviderDeepInfra},
	{"deepseek-ai/", ProviderDeepInfra},
	{"meta-llama/", ProviderDeepInfra},
	{"claude", ProviderAnthropic},
	{"gpt", ProviderOpenAI},
	{"o1", ProviderOpenAI},
	{"o3", ProviderOpenAI},
	{"o4", ProviderOpenAI},
	{"gemini", ProviderGoogle},
	// Ollama models - common open-source model prefixes
	{"phi", ProviderOllama},
	{"llama", ProviderOllama},
	{"qwen", ProviderOllama},
	{"mistral", ProviderOllama},
	{"deepseek", ProviderOllama},
	{"ollama:", ProviderOllama}, // Explicit prefix like "ollama:phi4"
}

// GetModelProvider returns the API provider for a given model.
// First checks KnownModels, then tries pattern matching.
// Returns error if model cannot be mapped to a provider (FATAL).
func GetModelProvider(modelName string) (string, error) {
	// Check known models first
	if info, exists := KnownModels[modelName]; exists {
		return info.Provider, nil
	}

	// Try pattern matching for unknown models
	for i := range ProviderPatterns {
		if strings.HasPrefix(modelName, ProviderPatterns[i].Prefix) {
			return ProviderPatterns[i].Provider, nil
		}
	}

	// FATAL: Cannot proceed without valid provider
	return "", fmt.Errorf("unknown model '%s': no known provider mapping or pattern match - cannot determine API provider", modelName)
}

// GetModelInfo returns the ModelInfo for a given model name.
// Returns the info and true if found in KnownModels, or a default info with
// inferred provider and false if not found.
func GetModelInfo(modelName string) (ModelInfo, bool) {
	if info, exists := KnownModels[modelName]; exists {
		return info, true
	}

	provider := ""
	for i := range ProviderPatterns {
		if strings.HasPrefix(modelName, ProviderPatterns[i].Prefix) {
			provider = ProviderPatterns[i].Provider
			break
		}
	}

	// Conservative defaults for unknown models
	return ModelInfo{
		Provider:         provider,
		DisplayName:      modelName,
		InputCPM:         0.0, // No cost tracking for unknown models
		OutputCPM:        0.0,
		MaxContextTokens: 32000,
		MaxOutputTokens:  4096,
	}, false
}

// CalculateCost calculates the cost in USD for a given model and token usage.
// Uses separate input and output token pricing from the KnownModels registry.
// Returns 0 cost for unknown models (allows using new models without pricing data).
func CalculateCost(modelName string, promptTokens, completionTokens int) (float64, error) {
	if info, exists := KnownModels[modelName]; exists {
		inputCost := (float64(promptTokens) / 1_000_000.0) * info.InputCPM
		outputCost := (float64(completionTokens) / 1_000_000.0) * info.OutputCPM
		return inputCost + outputCost, nil
	}

	// For unknown models, return 0 cost (allows usage but no cost tracking)
	return 0.0, nil
}

// ProviderBaseURL returns the endpoint override for providers that speak the
// OpenAI wire format on their own hosts. Returns "" for providers that use
// their SDK's default endpoint.
func ProviderBaseURL(provider string) string {
	switch provider {
	case ProviderMoonshot:
		return MoonshotBaseURL
	case ProviderDeepInfra:
		return DeepInfraBaseURL
	default:
		return ""
	}
}

// GetAPIKey returns the API key for a given provider.
// Checks secrets file first, then falls back to environment variables.
// For Ollama, returns the host URL instead of an API key.
func GetAPIKey(provider string) (string, error) {
	var envVar string
	switch provider {
	case ProviderAnthropic:
		envVar = EnvAnthropicAPIKey
	case ProviderOpenAI:
		envVar = EnvOpenAIAPIKey
	case ProviderMoonshot:
		envVar = EnvMoonshotAPIKey
	case ProviderDeepInfra:
		envVar = EnvDeepInfraAPIKey
	case ProviderGoogle:
		envVar = EnvGoogleAPIKey
	case ProviderOllama:
		// Ollama doesn't use API keys - return host URL instead
		host := os.Getenv(EnvOllamaHost)
		if host == "" {
			host = "http://localhost:11434"
		}
		return host, nil
	default:
		return "", fmt.Errorf("unknown provider: %s", provider)
	}

	// Try to get from secrets file first, then environment variable
	key, err := GetSecret(envVar)
	if err == nil && key != "" {
		return key, nil
	}

	return "", fmt.Errorf("API key not found: %s not found in secrets file or environment variables", envVar)
}

// GetServerPassword returns the HTTP API password using unified password logic:
// 1. Password from the loaded config
// 2. LONGFORM_PASSWORD environment variable
// 3. Empty string (auth disabled).
func GetServerPassword() string {
	cfg, err := GetConfig()
	if err == nil && cfg.Server != nil && cfg.Server.Password != "" {
		return cfg.Server.Password
	}

	if password := os.Getenv("LONGFORM_PASSWORD"); password != "" {
		return password
	}

	return ""
}
