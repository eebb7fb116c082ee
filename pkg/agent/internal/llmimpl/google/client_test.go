package google

import (
	"context"
	"errors"
	"strings"
	"testing"

	"google.golang.org/genai"

	"longform/pkg/agent/llm"
	"longform/pkg/agent/llmerrors"
	"longform/pkg/tools"
)

// TestNewGeminiClientWithModel tests client creation with custom model.
func TestNewGeminiClientWithModel(t *testing.T) {
	client := NewGeminiClientWithModel("test-api-key", "gemini-2.5-pro")

	if client == nil {
		t.Fatal("expected client, got nil")
	}

	// Verify it implements the interface
	var _ llm.LLMClient = client
}

// TestGetModelName tests model name retrieval.
func TestGetModelName(t *testing.T) {
	client := NewGeminiClientWithModel("test-key", "gemini-2.5-flash")

	modelName := client.GetModelName()

	if modelName != "gemini-2.5-flash" {
		t.Errorf("expected model %q, got %q", "gemini-2.5-flash", modelName)
	}
}

// TestConvertMessagesToGemini tests message conversion logic.
func TestConvertMessagesToGemini(t *testing.T) {
	tests := []struct {
		name             string
		messages         []llm.CompletionMessage
		cache            []*genai.Content
		expectSystem     string
		expectContentLen int
		expectErr        bool
		errContains      string
	}{
		{
			name:        "empty messages",
			messages:    []llm.CompletionMessage{},
			expectErr:   true,
			errContains: "message list cannot be empty",
		},
		{
			name: "system message extracted",
			messages: []llm.CompletionMessage{
				{Role: llm.RoleSystem, Content: "You are the Story Architect"},
				{Role: llm.RoleUser, Content: "Begin planning the story."},
			},
			expectSystem:     "You are the Story Architect",
			expectContentLen: 1,
			expectErr:        false,
		},
		{
			name: "multiple system messages concatenated",
			messages: []llm.CompletionMessage{
				{Role: llm.RoleSystem, Content: "You are the Story Architect"},
				{Role: llm.RoleSystem, Content: "Plan before you write"},
				{Role: llm.RoleUser, Content: "Begin planning the story."},
			},
			expectSystem:     "You are the Story Architect\n\nPlan before you write",
			expectContentLen: 1,
			expectErr:        false,
		},
		{
			name: "user and assistant messages",
			messages: []llm.CompletionMessage{
				{Role: llm.RoleUser, Content: "Write the opening chunk."},
				{Role: llm.RoleAssistant, Content: "Drafting now."},
			},
			expectSystem:     "",
			expectContentLen: 2,
			expectErr:        false,
		},
		{
			name: "tool call message",
			messages: []llm.CompletionMessage{
				{Role: llm.RoleUser, Content: "Save the summary."},
				{
					Role: llm.RoleAssistant,
					ToolCalls: []llm.ToolCall{
						{ID: "call_1", Name: "create_story_summary", Parameters: map[string]any{"summary_text": "A keeper's vigil."}},
					},
				},
				{Role: llm.RoleUser, Content: "Now the structure."},
			},
			expectSystem:     "",
			expectContentLen: 3,
			expectErr:        false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			contents, system, err := convertMessagesToGemini(tt.messages, tt.cache)

			if tt.expectErr {
				if err == nil {
					t.Error("expected error, got nil")
				} else if tt.errContains != "" && !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("expected error containing %q, got %q", tt.errContains, err.Error())
				}
				return
			}

			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}

			if system != tt.expectSystem {
				t.Errorf("expected system %q, got %q", tt.expectSystem, system)
			}

			if len(contents) != tt.expectContentLen {
				t.Errorf("expected %d contents, got %d", tt.expectContentLen, len(contents))
			}
		})
	}
}

// TestConvertMessagesToGeminiFunctionResponses verifies tool results are
// addressed by function name, with the call ID as fallback.
func TestConvertMessagesToGeminiFunctionResponses(t *testing.T) {
	messages := []llm.CompletionMessage{
		{
			Role: llm.RoleUser,
			ToolResults: []llm.ToolResult{
				{ToolCallID: "call_1", Name: "write_chunk", Content: "Successfully wrote Chunk 1"},
				{ToolCallID: "read_plan", Content: "# Story Plan"},
			},
		},
	}

	contents, _, err := convertMessagesToGemini(messages, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(contents) != 1 {
		t.Fatalf("expected 1 content, got %d", len(contents))
	}
	parts := contents[0].Parts
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(parts))
	}
	if parts[0].FunctionResponse == nil || parts[0].FunctionResponse.Name != "write_chunk" {
		t.Errorf("expected first response named write_chunk, got %+v", parts[0].FunctionResponse)
	}
	if parts[1].FunctionResponse == nil || parts[1].FunctionResponse.Name != "read_plan" {
		t.Errorf("expected fallback to call ID, got %+v", parts[1].FunctionResponse)
	}
}

// TestConvertToolsToGemini tests tool definition conversion.
func TestConvertToolsToGemini(t *testing.T) {
	tool := tools.ToolDefinition{
		Name:        "submit_critique",
		Description: "Submit a critique verdict",
		InputSchema: tools.InputSchema{
			Type: "object",
			Properties: map[string]tools.Property{
				"verdict": {
					Type:        "string",
					Description: "Approval decision",
					Enum:        []string{"approved", "revision_needed"},
				},
				"critique_text": {
					Type:        "string",
					Description: "Detailed critique",
				},
			},
			Required: []string{"critique_text", "verdict"},
		},
	}

	result := convertToolsToGemini([]tools.ToolDefinition{tool})

	if len(result) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(result))
	}

	converted := result[0]

	if converted.Name != "submit_critique" {
		t.Errorf("expected name %q, got %q", "submit_critique", converted.Name)
	}

	if converted.Description != "Submit a critique verdict" {
		t.Errorf("expected description %q, got %q", "Submit a critique verdict", converted.Description)
	}

	if converted.Parameters == nil {
		t.Fatal("expected parameters to be set")
	}

	if converted.Parameters.Type != genai.TypeObject {
		t.Errorf("expected type object, got %v", converted.Parameters.Type)
	}

	verdict, ok := converted.Parameters.Properties["verdict"]
	if !ok {
		t.Fatal("expected verdict property")
	}
	if len(verdict.Enum) != 2 {
		t.Errorf("expected 2 enum values, got %d", len(verdict.Enum))
	}
}

// TestConvertPropertyToGeminiSchema tests schema type mapping.
func TestConvertPropertyToGeminiSchema(t *testing.T) {
	tests := []struct {
		name     string
		prop     tools.Property
		wantType genai.Type
	}{
		{"string", tools.Property{Type: "string"}, genai.TypeString},
		{"integer", tools.Property{Type: "integer"}, genai.TypeInteger},
		{"number", tools.Property{Type: "number"}, genai.TypeNumber},
		{"boolean", tools.Property{Type: "boolean"}, genai.TypeBoolean},
		{"unknown defaults to string", tools.Property{Type: "mystery"}, genai.TypeString},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			schema := convertPropertyToGeminiSchema(&tt.prop)
			if schema.Type != tt.wantType {
				t.Errorf("expected %v, got %v", tt.wantType, schema.Type)
			}
		})
	}

	t.Run("array with items", func(t *testing.T) {
		prop := tools.Property{
			Type:  "array",
			Items: &tools.Property{Type: "string"},
		}
		schema := convertPropertyToGeminiSchema(&prop)
		if schema.Type != genai.TypeArray {
			t.Errorf("expected array type, got %v", schema.Type)
		}
		if schema.Items == nil || schema.Items.Type != genai.TypeString {
			t.Errorf("expected string items, got %+v", schema.Items)
		}
	})
}

// TestConvertFunctionCallsFromGemini tests function call conversion.
func TestConvertFunctionCallsFromGemini(t *testing.T) {
	calls := []*genai.FunctionCall{
		{
			ID:   "call_123",
			Name: "write_chunk",
			Args: map[string]any{
				"chunk_number": 1,
			},
		},
		{
			// Gemini may not provide ID
			Name: "read_chunk",
			Args: map[string]any{
				"chunk_number": 1,
			},
		},
	}

	result := convertFunctionCallsFromGemini(calls)

	if len(result) != 2 {
		t.Fatalf("expected 2 tool calls, got %d", len(result))
	}

	// First call has ID
	if result[0].ID != "call_123" {
		t.Errorf("expected ID %q, got %q", "call_123", result[0].ID)
	}
	if result[0].Name != "write_chunk" {
		t.Errorf("expected name %q, got %q", "write_chunk", result[0].Name)
	}

	// Second call uses name as ID fallback
	if result[1].ID != "read_chunk" {
		t.Errorf("expected ID to fallback to name %q, got %q", "read_chunk", result[1].ID)
	}
	if result[1].Name != "read_chunk" {
		t.Errorf("expected name %q, got %q", "read_chunk", result[1].Name)
	}
}

// TestGetStopReason tests finish reason mapping.
func TestGetStopReason(t *testing.T) {
	tests := []struct {
		name   string
		result *genai.GenerateContentResponse
		want   string
	}{
		{"nil response", nil, "unknown"},
		{"no candidates", &genai.GenerateContentResponse{}, "unknown"},
		{
			"stop",
			&genai.GenerateContentResponse{Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonStop}}},
			"end_turn",
		},
		{
			"max tokens",
			&genai.GenerateContentResponse{Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonMaxTokens}}},
			"max_tokens",
		},
		{
			"empty reason",
			&genai.GenerateContentResponse{Candidates: []*genai.Candidate{{}}},
			"end_turn",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := getStopReason(tt.result); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

// TestClassifyError tests error classification.
func TestClassifyError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected llmerrors.ErrorType
	}{
		{"deadline exceeded", context.DeadlineExceeded, llmerrors.ErrorTypeTransient},
		{"canceled", context.Canceled, llmerrors.ErrorTypeTransient},
		{"quota", errors.New("googleapi: Error 429: RESOURCE_EXHAUSTED"), llmerrors.ErrorTypeRateLimit},
		{"bad key", errors.New("API key not valid"), llmerrors.ErrorTypeAuth},
		{"invalid argument", errors.New("googleapi: Error 400: INVALID_ARGUMENT"), llmerrors.ErrorTypeBadPrompt},
		{"unavailable", errors.New("googleapi: Error 503: service unavailable"), llmerrors.ErrorTypeTransient},
		{"unclassified", errors.New("something odd happened"), llmerrors.ErrorTypeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classified := classifyError(tt.err)

			var llmErr *llmerrors.Error
			if !errors.As(classified, &llmErr) {
				t.Fatalf("expected llmerrors.Error, got %T", classified)
			}
			if llmErr.Type != tt.expected {
				t.Errorf("expected type %v, got %v", tt.expected, llmErr.Type)
			}
		})
	}

	if classifyError(nil) != nil {
		t.Error("expected nil for nil error")
	}
}
