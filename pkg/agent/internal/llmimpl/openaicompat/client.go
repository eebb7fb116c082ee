// Package openaicompat provides an LLM client for providers that speak the
// OpenAI chat-completions wire format. Moonshot and DeepInfra expose their
// models on OpenAI-compatible hosts, so one client covers OpenAI itself plus
// both compatible providers via a base URL override.
package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/respjson"

	"longform/pkg/agent/llm"
	"longform/pkg/agent/llmerrors"
	"longform/pkg/config"
	"longform/pkg/tools"
)

// Client wraps the official OpenAI Go client to implement llm.LLMClient interface.
type Client struct {
	client openai.Client
	model  string
}

// NewClientWithModel creates a chat-completions client (raw client, middleware
// applied at higher level). baseURL selects the provider host; empty means the
// default OpenAI endpoint.
func NewClientWithModel(apiKey, model, baseURL string) llm.LLMClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Client{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

// Complete implements the llm.LLMClient interface.
//
//nolint:gocritic // CompletionRequest is 80 bytes but passing by value matches interface
func (c *Client) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	params, err := c.buildParams(in)
	if err != nil {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, fmt.Sprintf("request conversion error: %v", err))
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}

	if completion == nil || len(completion.Choices) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "received empty response from chat completions API")
	}

	choice := completion.Choices[0]
	result := llm.CompletionResponse{
		Content:    choice.Message.Content,
		StopReason: string(choice.FinishReason),
		// Moonshot's kimi-k2-thinking returns its reasoning in a field the
		// SDK does not model, so pull it from the raw JSON.
		Reasoning: extraString(choice.Message.JSON.ExtraFields, "reasoning_content"),
	}

	for i := range choice.Message.ToolCalls {
		tc := &choice.Message.ToolCalls[i]
		if tc.Function.Name == "" {
			continue
		}

		var callParams map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &callParams); err != nil {
				return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt,
					fmt.Sprintf("failed to parse tool call arguments for %s: %v", tc.Function.Name, err))
			}
		}

		result.ToolCalls = append(result.ToolCalls, llm.ToolCall{
			ID:         tc.ID,
			Name:       tc.Function.Name,
			Parameters: callParams,
		})
	}

	return result, nil
}

// Stream implements the llm.LLMClient interface. Content and reasoning deltas
// are forwarded as they arrive; tool calls are not assembled from the stream,
// so the pipeline uses Complete for tool turns.
//
//nolint:gocritic // CompletionRequest is 80 bytes but passing by value matches interface
func (c *Client) Stream(ctx context.Context, in llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	params, err := c.buildParams(in)
	if err != nil {
		return nil, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, fmt.Sprintf("request conversion error: %v", err))
	}

	stream := c.client.Chat.Completions.NewStreaming(ctx, params)

	ch := make(chan llm.StreamChunk)
	go func() {
		defer close(ch)
		defer func() {
			_ = stream.Close() // Ignore error in cleanup
		}()

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta

			if reasoning := extraString(delta.JSON.ExtraFields, "reasoning_content"); reasoning != "" {
				ch <- llm.StreamChunk{Reasoning: reasoning}
			}
			if delta.Content != "" {
				ch <- llm.StreamChunk{Content: delta.Content}
			}
		}

		if err := stream.Err(); err != nil {
			ch <- llm.StreamChunk{Error: classifyError(err)}
			return
		}
		ch <- llm.StreamChunk{Done: true}
	}()

	return ch, nil
}

// GetModelName returns the model name for this client.
func (c *Client) GetModelName() string {
	return c.model
}

// buildParams converts our request format to chat-completions parameters.
//
//nolint:gocritic // CompletionRequest passed by value for interface consistency
func (c *Client) buildParams(in llm.CompletionRequest) (openai.ChatCompletionNewParams, error) {
	messages, err := convertMessages(in.Messages)
	if err != nil {
		return openai.ChatCompletionNewParams{}, err
	}

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.model),
		Messages:    messages,
		Temperature: openai.Float(float64(in.Temperature)),
	}

	if maxTokens := capMaxTokens(c.model, in.MaxTokens); maxTokens > 0 {
		// The classic max_tokens field: compatible providers expect it.
		params.MaxTokens = openai.Int(int64(maxTokens))
	}

	if len(in.Tools) > 0 {
		params.Tools = convertTools(in.Tools)

		if in.ToolChoice == "required" || in.ToolChoice == "any" {
			params.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{
				OfAuto: openai.String("required"),
			}
		}
	}

	return params, nil
}

// convertMessages converts our message format to chat-completions message params.
// Tool results become role:"tool" messages keyed by tool_call_id; assistant
// tool calls are replayed on the assistant message that made them.
func convertMessages(messages []llm.CompletionMessage) ([]openai.ChatCompletionMessageParamUnion, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("message list cannot be empty")
	}

	result := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))

	for i := range messages {
		msg := &messages[i]

		switch msg.Role {
		case llm.RoleSystem:
			result = append(result, openai.SystemMessage(msg.Content))

		case llm.RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				result = append(result, openai.AssistantMessage(msg.Content))
				continue
			}

			assistant := openai.ChatCompletionAssistantMessageParam{}
			if msg.Content != "" {
				assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
					OfString: openai.String(msg.Content),
				}
			}
			for j := range msg.ToolCalls {
				tc := &msg.ToolCalls[j]
				args, err := json.Marshal(tc.Parameters)
				if err != nil {
					return nil, fmt.Errorf("failed to marshal tool call arguments for %s: %w", tc.Name, err)
				}
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(args),
					},
				})
			}
			result = append(result, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})

		case llm.RoleUser:
			// Tool results must directly follow the assistant message that
			// requested them, before any fresh user content.
			for j := range msg.ToolResults {
				tr := &msg.ToolResults[j]
				result = append(result, openai.ToolMessage(tr.Content, tr.ToolCallID))
			}
			if msg.Content != "" || len(msg.ToolResults) == 0 {
				result = append(result, openai.UserMessage(msg.Content))
			}

		default:
			return nil, fmt.Errorf("unsupported message role: %s", msg.Role)
		}
	}

	return result, nil
}

// convertTools converts our tool definitions to chat-completions function tools.
func convertTools(toolDefs []tools.ToolDefinition) []openai.ChatCompletionToolParam {
	result := make([]openai.ChatCompletionToolParam, 0, len(toolDefs))

	for i := range toolDefs {
		td := &toolDefs[i]

		properties := make(map[string]any, len(td.InputSchema.Properties))
		for name := range td.InputSchema.Properties {
			prop := td.InputSchema.Properties[name]
			properties[name] = convertProperty(&prop)
		}

		result = append(result, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        td.Name,
				Description: openai.String(td.Description),
				Parameters: openai.FunctionParameters{
					"type":       td.InputSchema.Type,
					"properties": properties,
					"required":   td.InputSchema.Required,
				},
			},
		})
	}

	return result
}

// convertProperty recursively converts a tool property to JSON schema form.
func convertProperty(prop *tools.Property) map[string]any {
	schema := map[string]any{"type": prop.Type}
	if prop.Description != "" {
		schema["description"] = prop.Description
	}
	if len(prop.Enum) > 0 {
		schema["enum"] = prop.Enum
	}
	if prop.Items != nil {
		schema["items"] = convertProperty(prop.Items)
	}
	if len(prop.Properties) > 0 {
		nested := make(map[string]any, len(prop.Properties))
		for name, child := range prop.Properties {
			if child != nil {
				nested[name] = convertProperty(child)
			}
		}
		schema["properties"] = nested
	}
	return schema
}

// capMaxTokens clamps the requested output budget to the model's known limit
// to prevent API errors.
func capMaxTokens(model string, requested int) int {
	if info, known := config.GetModelInfo(model); known && info.MaxOutputTokens > 0 && requested > info.MaxOutputTokens {
		return info.MaxOutputTokens
	}
	return requested
}

// extraString pulls a provider extension field the SDK does not model, such
// as Moonshot's reasoning_content. Returns "" when absent or not a string.
func extraString(fields map[string]respjson.Field, key string) string {
	field, ok := fields[key]
	if !ok || !field.Valid() {
		return ""
	}
	var s string
	if err := json.Unmarshal([]byte(field.Raw()), &s); err != nil {
		return ""
	}
	return s
}

// classifyError maps SDK errors to our structured error types. The official
// client surfaces typed API errors with status codes, so no string parsing of
// status lines is needed.
func classifyError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "request timeout")
	}
	if errors.Is(err, context.Canceled) {
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "request canceled")
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 401, 403:
			return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeAuth, apiErr.StatusCode, "authentication failed - check API key")
		case 429:
			return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeRateLimit, apiErr.StatusCode, "rate limit exceeded")
		case 400, 404, 422:
			return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeBadPrompt, apiErr.StatusCode, "bad request - check prompt format and parameters")
		default:
			if apiErr.StatusCode >= 500 {
				return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeTransient, apiErr.StatusCode, "server error")
			}
		}
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "connection") || strings.Contains(errStr, "eof"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "network or connection error")
	case strings.Contains(errStr, "rate") || strings.Contains(errStr, "quota"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeRateLimit, err, "rate limiting detected")
	default:
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeUnknown, err, "unclassified error")
	}
}
