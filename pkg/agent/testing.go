package agent

import (
	"longform/pkg/agent/llm"
	"longform/pkg/agent/middleware/validation"
)

// NewTestLLMClient creates a raw LLM client for integration testing.
// This bypasses the middleware chain for simpler testing.
// Returns an error if the API key is not available.
func NewTestLLMClient(modelName string) (llm.LLMClient, error) {
	return newProviderClient(modelName)
}

// NewTestLLMClientWithMiddleware creates an LLM client with validation
// middleware. This more closely matches the production chain for integration
// testing while skipping metrics and retry.
func NewTestLLMClientWithMiddleware(modelName string, mode validation.Mode) (llm.LLMClient, error) {
	rawClient, err := NewTestLLMClient(modelName)
	if err != nil {
		return nil, err
	}

	validator := validation.NewEmptyResponseValidator(mode)

	return llm.Chain(rawClient, validator.Middleware()), nil
}
