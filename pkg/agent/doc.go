// Package agent provides LLM client construction for the generation pipeline.
//
// This package is the public entry point for model access:
//   - ClientFactory selects the provider adapter for a model and assembles
//     the middleware chain (validation, metrics, retry)
//   - MockLLMClient scripts responses for orchestration-level tests
//
// Provider adapters are kept private under internal/llmimpl; callers work
// exclusively against the llm.LLMClient interface.
package agent
