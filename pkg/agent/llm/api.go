// Package llm provides interfaces and types for Large Language Model client implementations.
package llm

import (
	"context"

	"longform/pkg/tools"
)

// CompletionRole represents the role of a message in a conversation.
type CompletionRole string

const (
	// RoleSystem indicates a system message that provides instructions or context.
	RoleSystem CompletionRole = "system"
	// RoleUser indicates a message from the human user.
	RoleUser CompletionRole = "user"
	// RoleAssistant indicates a message from the AI assistant.
	RoleAssistant CompletionRole = "assistant"
)

const (
	// TemperatureCreative is the temperature for drafting and critique turns.
	// Long-form prose needs room to vary; lower values produce flat, repetitive chapters.
	TemperatureCreative = 1.0

	// TemperatureSummary is the temperature for conversation compression summaries.
	// Summaries should be faithful, not inventive.
	TemperatureSummary = 0.3
)

// CacheControl represents prompt caching configuration for a message.
// Used with Anthropic's prompt caching feature to reduce costs and latency.
type CacheControl struct {
	Type string `json:"type"`          // "ephemeral"
	TTL  string `json:"ttl,omitempty"` // "5m" or "1h" (optional, defaults to 5m)
}

// CompletionMessage represents a message in a completion request.
// Messages round-trip through the conversation store, so every field carries
// a stable JSON name.
type CompletionMessage struct {
	Content      string         `json:"content"`
	ToolCalls    []ToolCall     `json:"tool_calls,omitempty"`    // Calls made by the assistant in this turn
	ToolResults  []ToolResult   `json:"tool_results,omitempty"`  // Results returned to the model in this turn
	CacheControl *CacheControl  `json:"cache_control,omitempty"` // Prompt caching marker
	Role         CompletionRole `json:"role"`
}

// Use tools.ToolDefinition directly instead of a separate definition type.

// ToolCall represents a tool call made by the LLM.
type ToolCall struct {
	Parameters map[string]any `json:"parameters"`
	ID         string         `json:"id"`
	Name       string         `json:"name"`
}

// ToolResult represents the outcome of an executed tool call, sent back to
// the model on the next turn. Name carries the tool name for providers that
// address results by function name rather than call ID.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name,omitempty"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// CompletionRequest represents a request to generate a completion.
//
//nolint:govet // fieldalignment: 80 bytes is reasonable, value semantics preferred over pointer indirection
type CompletionRequest struct {
	Messages    []CompletionMessage    // 24 bytes (slice header)
	Tools       []tools.ToolDefinition // 24 bytes (slice header)
	ToolChoice  string                 // "auto", "required", or "" for provider default
	MaxTokens   int                    // 8 bytes
	Temperature float32                // 4 bytes + 4 bytes padding = 80 bytes total
}

// CompletionResponse represents a response from a completion request.
//
//nolint:govet // fieldalignment: value semantics preferred over pointer indirection
type CompletionResponse struct {
	ToolCalls  []ToolCall
	Content    string // Main response text
	Reasoning  string // Extended thinking emitted by reasoning models; empty for most providers
	StopReason string // Why the response stopped: "end_turn", "max_tokens", "tool_use", "refusal", etc.
}

// StreamChunk represents a chunk of streamed completion response.
type StreamChunk struct {
	Error     error
	Content   string
	Reasoning string // Reasoning delta, for models that stream thinking separately
	Done      bool
}

// LLMClient defines the interface for language model interactions.
type LLMClient interface { //nolint:revive // LLMClient reads better than llm.Client at call sites
	// Complete generates a completion synchronously.
	Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error)

	// Stream generates a completion as a stream of chunks.
	Stream(ctx context.Context, in CompletionRequest) (<-chan StreamChunk, error)

	// GetModelName returns the model name for this LLM client.
	GetModelName() string
}

// NewCompletionRequest creates a new completion request with default values.
func NewCompletionRequest(messages []CompletionMessage) CompletionRequest {
	return CompletionRequest{
		Messages:    messages,
		MaxTokens:   4096,                // Conservative fallback; callers size from model info
		Temperature: TemperatureCreative, // Default: 1.0 for drafting and critique
	}
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) CompletionMessage {
	return CompletionMessage{
		Role:    RoleSystem,
		Content: content,
	}
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) CompletionMessage {
	return CompletionMessage{
		Role:    RoleUser,
		Content: content,
	}
}

// NewAssistantMessage creates a new assistant message.
func NewAssistantMessage(content string) CompletionMessage {
	return CompletionMessage{
		Role:    RoleAssistant,
		Content: content,
	}
}

// NewToolResultMessage creates the user-role message that feeds tool results
// back to the model after a round of tool execution.
func NewToolResultMessage(results []ToolResult) CompletionMessage {
	return CompletionMessage{
		Role:        RoleUser,
		ToolResults: results,
	}
}
