package llm

import (
	"context"
	"testing"
	"time"

	"longform/pkg/tools"
)

// TestCompletionRole tests role constant values.
func TestCompletionRole(t *testing.T) {
	tests := []struct {
		name     string
		role     CompletionRole
		expected string
	}{
		{"system role", RoleSystem, "system"},
		{"user role", RoleUser, "user"},
		{"assistant role", RoleAssistant, "assistant"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if string(tt.role) != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, string(tt.role))
			}
		})
	}
}

// TestTemperatureConstants tests temperature constant values.
func TestTemperatureConstants(t *testing.T) {
	if TemperatureCreative != 1.0 {
		t.Errorf("expected TemperatureCreative=1.0, got %f", TemperatureCreative)
	}
	if TemperatureSummary != 0.3 {
		t.Errorf("expected TemperatureSummary=0.3, got %f", TemperatureSummary)
	}
}

// TestNewCompletionRequest tests completion request creation with defaults.
func TestNewCompletionRequest(t *testing.T) {
	messages := []CompletionMessage{
		{Role: RoleUser, Content: "test"},
	}

	req := NewCompletionRequest(messages)

	if len(req.Messages) != 1 {
		t.Errorf("expected 1 message, got %d", len(req.Messages))
	}
	if req.MaxTokens != 4096 {
		t.Errorf("expected MaxTokens=4096, got %d", req.MaxTokens)
	}
	if req.Temperature != TemperatureCreative {
		t.Errorf("expected Temperature=%f, got %f", float64(TemperatureCreative), req.Temperature)
	}
}

// TestMessageConstructors tests the message helper functions.
func TestMessageConstructors(t *testing.T) {
	tests := []struct {
		name     string
		msg      CompletionMessage
		wantRole CompletionRole
		wantText string
	}{
		{"system message", NewSystemMessage("You are the Story Architect"), RoleSystem, "You are the Story Architect"},
		{"user message", NewUserMessage("Begin planning the story."), RoleUser, "Begin planning the story."},
		{"assistant message", NewAssistantMessage("I'll start with the summary."), RoleAssistant, "I'll start with the summary."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.msg.Role != tt.wantRole {
				t.Errorf("expected role %q, got %q", tt.wantRole, tt.msg.Role)
			}
			if tt.msg.Content != tt.wantText {
				t.Errorf("expected content %q, got %q", tt.wantText, tt.msg.Content)
			}
		})
	}
}

// TestNewToolResultMessage tests the tool result feedback message.
func TestNewToolResultMessage(t *testing.T) {
	results := []ToolResult{
		{ToolCallID: "call_1", Name: "write_chunk", Content: "Successfully wrote Chunk 1"},
		{ToolCallID: "call_2", Name: "finalize_chunk", Content: "chunk not found", IsError: true},
	}

	msg := NewToolResultMessage(results)

	if msg.Role != RoleUser {
		t.Errorf("expected role %q, got %q", RoleUser, msg.Role)
	}
	if msg.Content != "" {
		t.Errorf("expected empty content, got %q", msg.Content)
	}
	if len(msg.ToolResults) != 2 {
		t.Fatalf("expected 2 tool results, got %d", len(msg.ToolResults))
	}
	if !msg.ToolResults[1].IsError {
		t.Error("expected second result to be an error")
	}
}

// TestCompletionMessageStructure tests message structure with tool calls and results.
func TestCompletionMessageStructure(t *testing.T) {
	// Test message with tool calls
	msg := CompletionMessage{
		Role:    RoleAssistant,
		Content: "Writing the opening chunk now",
		ToolCalls: []ToolCall{
			{
				ID:   "call_1",
				Name: "write_chunk",
				Parameters: map[string]any{
					"chunk_number": 1,
					"content":      "The ferry left at dawn.",
				},
			},
		},
	}

	if msg.Role != RoleAssistant {
		t.Errorf("expected role %q, got %q", RoleAssistant, msg.Role)
	}
	if len(msg.ToolCalls) != 1 {
		t.Errorf("expected 1 tool call, got %d", len(msg.ToolCalls))
	}
	if msg.ToolCalls[0].Name != "write_chunk" {
		t.Errorf("expected tool name %q, got %q", "write_chunk", msg.ToolCalls[0].Name)
	}

	// Test message with tool results
	resultMsg := CompletionMessage{
		Role:    RoleUser,
		Content: "Here are the results:",
		ToolResults: []ToolResult{
			{
				ToolCallID: "call_1",
				Content:    "Successfully wrote Chunk 1 (5 words) to chunk_01.md",
				IsError:    false,
			},
		},
	}

	if resultMsg.Role != RoleUser {
		t.Errorf("expected role %q, got %q", RoleUser, resultMsg.Role)
	}
	if len(resultMsg.ToolResults) != 1 {
		t.Errorf("expected 1 tool result, got %d", len(resultMsg.ToolResults))
	}
	if resultMsg.ToolResults[0].ToolCallID != "call_1" {
		t.Errorf("expected tool call ID %q, got %q", "call_1", resultMsg.ToolResults[0].ToolCallID)
	}
	if resultMsg.ToolResults[0].IsError {
		t.Error("expected IsError=false, got true")
	}
}

// TestCacheControl tests prompt caching configuration.
func TestCacheControl(t *testing.T) {
	cache := &CacheControl{
		Type: "ephemeral",
		TTL:  "5m",
	}

	msg := CompletionMessage{
		Role:         RoleSystem,
		Content:      "System instructions",
		CacheControl: cache,
	}

	if msg.CacheControl == nil {
		t.Fatal("expected CacheControl to be set")
	}
	if msg.CacheControl.Type != "ephemeral" {
		t.Errorf("expected Type=%q, got %q", "ephemeral", msg.CacheControl.Type)
	}
	if msg.CacheControl.TTL != "5m" {
		t.Errorf("expected TTL=%q, got %q", "5m", msg.CacheControl.TTL)
	}
}

// TestCompletionRequestWithTools tests request with tool definitions.
func TestCompletionRequestWithTools(t *testing.T) {
	toolDefs := []tools.ToolDefinition{
		{
			Name:        "create_story_summary",
			Description: "Save the story summary",
			InputSchema: tools.InputSchema{
				Type: "object",
				Properties: map[string]tools.Property{
					"summary_text": {
						Type:        "string",
						Description: "The story summary",
					},
				},
				Required: []string{"summary_text"},
			},
		},
	}

	req := CompletionRequest{
		Messages: []CompletionMessage{
			NewUserMessage("Summarize the premise"),
		},
		Tools:       toolDefs,
		ToolChoice:  "required",
		MaxTokens:   1000,
		Temperature: 0.0,
	}

	if len(req.Tools) != 1 {
		t.Errorf("expected 1 tool, got %d", len(req.Tools))
	}
	if req.Tools[0].Name != "create_story_summary" {
		t.Errorf("expected tool name %q, got %q", "create_story_summary", req.Tools[0].Name)
	}
	if req.ToolChoice != "required" {
		t.Errorf("expected ToolChoice=%q, got %q", "required", req.ToolChoice)
	}
	if req.MaxTokens != 1000 {
		t.Errorf("expected MaxTokens=1000, got %d", req.MaxTokens)
	}
}

// mockLLMClient is a simple mock implementation for testing.
type mockLLMClient struct {
	completeFunc     func(context.Context, CompletionRequest) (CompletionResponse, error)
	streamFunc       func(context.Context, CompletionRequest) (<-chan StreamChunk, error)
	getModelNameFunc func() string
}

func (m *mockLLMClient) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	if m.completeFunc != nil {
		return m.completeFunc(ctx, req)
	}
	return CompletionResponse{Content: "mock response"}, nil
}

func (m *mockLLMClient) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error) {
	if m.streamFunc != nil {
		return m.streamFunc(ctx, req)
	}
	ch := make(chan StreamChunk)
	close(ch)
	return ch, nil
}

func (m *mockLLMClient) GetModelName() string {
	if m.getModelNameFunc != nil {
		return m.getModelNameFunc()
	}
	return "mock-model"
}

// TestLLMClientInterface verifies the interface works with a mock.
func TestLLMClientInterface(t *testing.T) {
	mock := &mockLLMClient{
		getModelNameFunc: func() string {
			return "test-model"
		},
	}

	ctx := context.Background()
	req := NewCompletionRequest([]CompletionMessage{
		NewUserMessage("test"),
	})

	// Test Complete
	resp, err := mock.Complete(ctx, req)
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if resp.Content != "mock response" {
		t.Errorf("expected 'mock response', got %q", resp.Content)
	}

	// Test GetModelName
	modelName := mock.GetModelName()
	if modelName != "test-model" {
		t.Errorf("expected 'test-model', got %q", modelName)
	}

	// Test Stream
	stream, err := mock.Stream(ctx, req)
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	// Should be closed immediately
	select {
	case _, ok := <-stream:
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("stream channel should be closed")
	}
}
