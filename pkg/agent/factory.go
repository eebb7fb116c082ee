// Package agent provides LLM client construction with middleware chains.
package agent

import (
	"fmt"

	"longform/pkg/agent/internal/llmimpl/anthropic"
	"longform/pkg/agent/internal/llmimpl/google"
	"longform/pkg/agent/internal/llmimpl/ollama"
	"longform/pkg/agent/internal/llmimpl/openaicompat"
	"longform/pkg/agent/llm"
	"longform/pkg/agent/middleware/debug"
	"longform/pkg/agent/middleware/metrics"
	"longform/pkg/agent/middleware/retry"
	"longform/pkg/agent/middleware/validation"
	"longform/pkg/config"
	"longform/pkg/logx"
)

// LLMClient is the client interface used by everything above the factory.
type LLMClient = llm.LLMClient

// ClientFactory creates LLM clients with properly configured middleware chains.
type ClientFactory struct {
	recorder    metrics.Recorder
	retryConfig retry.Config
}

// NewClientFactory creates a client factory from the generation settings.
//
// The internal usage recorder is always active so the HTTP layer can report
// per-project token usage; Prometheus collectors are added when metrics
// collection is enabled.
func NewClientFactory(gen config.GenerationConfig) *ClientFactory {
	var recorder metrics.Recorder = metrics.NewInternalRecorder()
	if gen.Metrics.Enabled {
		recorder = metrics.Multi(recorder, metrics.NewPrometheusRecorder())
	}

	retryConfig := retry.Config{
		MaxAttempts:   gen.Resilience.Retry.MaxAttempts,
		InitialDelay:  gen.Resilience.Retry.InitialDelay,
		MaxDelay:      gen.Resilience.Retry.MaxDelay,
		BackoffFactor: gen.Resilience.Retry.BackoffFactor,
		Jitter:        gen.Resilience.Retry.Jitter,
	}
	if retryConfig.MaxAttempts <= 0 {
		retryConfig = retry.DefaultConfig
	}

	return &ClientFactory{
		recorder:    recorder,
		retryConfig: retryConfig,
	}
}

// CreateClient creates an LLM client for the given model with the full
// middleware chain:
//
//	Validation -> Metrics -> Retry -> Debug -> Provider client
//
// Validation sits outermost so its guidance retry re-enters metrics as a
// separate observed request; debug payload logging sits innermost so every
// physical attempt is visible. The API key is retrieved from the secrets
// store or environment based on the model's provider.
func (f *ClientFactory) CreateClient(modelName string, mode validation.Mode, stateProvider metrics.StateProvider, logger *logx.Logger) (LLMClient, error) {
	rawClient, err := newProviderClient(modelName)
	if err != nil {
		return nil, err
	}

	validator := validation.NewEmptyResponseValidator(mode)
	retryPolicy := retry.NewPolicy(f.retryConfig, nil) // default classifier

	client := llm.Chain(rawClient,
		validator.Middleware(),
		metrics.Middleware(f.recorder, nil, stateProvider, logger),
		retry.Middleware(retryPolicy),
		debug.Middleware(config.GetDebugLLMMessages, logger),
	)

	return client, nil
}

// newProviderClient creates the raw provider client for a model.
func newProviderClient(modelName string) (llm.LLMClient, error) {
	provider, err := config.GetModelProvider(modelName)
	if err != nil {
		return nil, fmt.Errorf("failed to determine provider for model %s: %w", modelName, err)
	}

	apiKey, err := config.GetAPIKey(provider)
	if err != nil {
		return nil, fmt.Errorf("failed to get API key for provider %s: %w", provider, err)
	}

	switch provider {
	case config.ProviderAnthropic:
		return anthropic.NewClaudeClientWithModel(apiKey, modelName), nil
	case config.ProviderOpenAI, config.ProviderMoonshot, config.ProviderDeepInfra:
		// Moonshot and DeepInfra speak the OpenAI wire format on their own
		// endpoints; ProviderBaseURL returns "" for OpenAI itself.
		return openaicompat.NewClientWithModel(apiKey, modelName, config.ProviderBaseURL(provider)), nil
	case config.ProviderGoogle:
		return google.NewGeminiClientWithModel(apiKey, modelName), nil
	case config.ProviderOllama:
		// GetAPIKey returns the Ollama host URL rather than a key.
		return ollama.NewOllamaClientWithModel(apiKey, modelName), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}
}
