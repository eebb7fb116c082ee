// Package validation provides response validation middleware for LLM clients.
package validation

import (
	"context"
	"fmt"
	"strings"

	"longform/pkg/agent/llm"
	"longform/pkg/agent/llmerrors"
	"longform/pkg/logx"
	"longform/pkg/tools"
)

// Mode selects how strictly responses are validated.
type Mode string

const (
	// ModeFreeform accepts prose answers; only blank responses are invalid.
	// Used for summary and compression calls that carry no tools.
	ModeFreeform Mode = "freeform"
	// ModeToolDriven requires every response to carry tool calls. All phase
	// agents run tool-driven: prose without a tool call cannot advance the
	// pipeline.
	ModeToolDriven Mode = "tool_driven"
)

// EmptyResponseValidator provides mode-aware validation and fallback guidance for LLM responses.
type EmptyResponseValidator struct {
	mode Mode
}

// NewEmptyResponseValidator creates a new validator for the given mode.
func NewEmptyResponseValidator(mode Mode) *EmptyResponseValidator {
	return &EmptyResponseValidator{
		mode: mode,
	}
}

// Middleware returns a middleware function that validates LLM responses and provides fallback guidance.
//
// For empty responses (retry pattern):
// - First occurrence: Adds guidance message to request, retries immediately
// - Second occurrence: Returns ErrorTypeEmptyResponse for the dispatcher to process
//
// Mode-specific behavior:
// - Freeform: only truly empty content is considered invalid
// - Tool-driven: any response without tool calls is considered invalid.
func (v *EmptyResponseValidator) Middleware() llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			// Complete implementation with mode-aware validation and retry with guidance
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				// Track empty response attempts (max 2: original + 1 retry with guidance)
				const maxEmptyAttempts = 2

				logger := logx.NewLogger("empty-response-validator")

				for attempt := 1; attempt <= maxEmptyAttempts; attempt++ {
					resp, err := next.Complete(ctx, req)

					// Non-empty-response errors pass through immediately.
					if err != nil && !llmerrors.Is(err, llmerrors.ErrorTypeEmptyResponse) {
						//nolint:wrapcheck // Middleware intentionally passes through errors unchanged
						return resp, err
					}

					// A response is empty either because the client said so or
					// because our mode-aware check rejects it.
					isEmpty := err != nil || v.isEmptyResponse(req, resp)

					if !isEmpty {
						return resp, nil
					}

					v.logEmptyResponseDetails(logger, attempt, resp, err)

					if attempt == 1 {
						// First attempt: add guidance and retry
						logger.Warn("🔄 AUTO-RETRY: Adding guidance message and retrying (attempt 1→2)")
						guidanceMessage := v.createGuidanceMessage(req)
						logger.Debug("🔄 Guidance message: %s", guidanceMessage)

						modifiedReq := req
						modifiedReq.Messages = append(modifiedReq.Messages, llm.CompletionMessage{
							Role:    llm.RoleUser,
							Content: guidanceMessage,
						})

						req = modifiedReq
						continue
					}

					// Second attempt failed - escalate
					logger.Error("❌ AUTO-RETRY FAILED: Both attempts returned empty responses, escalating to dispatcher")
					break
				}

				emptyErr := llmerrors.NewError(
					llmerrors.ErrorTypeEmptyResponse,
					"received inadequate response after guidance: no meaningful content or tool usage",
				)
				return llm.CompletionResponse{}, emptyErr
			},
			// Stream implementation - pass through unchanged (validation less applicable to streaming)
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				return next.Stream(ctx, req)
			},
			// Delegate GetModelName to the next client
			next.GetModelName,
		)
	}
}

// isEmptyResponse determines if a response should be considered "empty" based on validation mode.
func (v *EmptyResponseValidator) isEmptyResponse(req llm.CompletionRequest, resp llm.CompletionResponse) bool {
	// Responses with tool calls are never empty.
	if len(resp.ToolCalls) > 0 {
		return false
	}

	contentEmpty := strings.TrimSpace(resp.Content) == ""

	// Requests that offer no tools cannot demand tool calls. Compression
	// summaries ride the same client as the phase agent, so a tool-driven
	// validator must still accept prose for tool-less requests.
	if v.mode != ModeToolDriven || len(req.Tools) == 0 {
		return contentEmpty
	}

	return true
}

// createGuidanceMessage creates appropriate fallback guidance based on validation mode and available tools.
func (v *EmptyResponseValidator) createGuidanceMessage(req llm.CompletionRequest) string {
	if v.mode == ModeFreeform {
		return "Your response was empty. Please provide a clear answer in prose."
	}

	toolNames := extractToolNames(req.Tools)

	if len(toolNames) == 0 {
		return "No response received, please try again."
	}

	fallback := fmt.Sprintf("Responses without tool usage are invalid. Use one of the available tools such as %s.",
		exampleTools(toolNames))

	// Point at the terminal tool for the current phase when it is available.
	switch {
	case contains(toolNames, tools.ToolFinalizeChunk):
		fallback += fmt.Sprintf(" If the draft is ready for review, use %s to submit it.", tools.ToolFinalizeChunk)
	case contains(toolNames, tools.ToolFinalizePlan):
		fallback += fmt.Sprintf(" If the plan is complete, use %s to send it for critique.", tools.ToolFinalizePlan)
	case contains(toolNames, tools.ToolApproveChunk):
		fallback += fmt.Sprintf(" Record your verdict with %s or %s.", tools.ToolApproveChunk, tools.ToolRequestRevision)
	case contains(toolNames, tools.ToolApprovePlan):
		fallback += fmt.Sprintf(" Record your verdict with %s or %s.", tools.ToolApprovePlan, tools.ToolCritiquePlan)
	}

	return fallback
}

// exampleTools renders up to two tool names for guidance text.
func exampleTools(names []string) string {
	if len(names) == 1 {
		return names[0]
	}
	return names[0] + " or " + names[1]
}

// extractToolNames extracts tool names from tool definitions.
func extractToolNames(toolDefs []tools.ToolDefinition) []string {
	names := make([]string, len(toolDefs))
	for i := range toolDefs {
		names[i] = toolDefs[i].Name
	}
	return names
}

// contains checks if a slice contains a specific string.
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// logEmptyResponseDetails logs why a response was considered empty.
func (v *EmptyResponseValidator) logEmptyResponseDetails(logger *logx.Logger, attempt int, resp llm.CompletionResponse, err error) {
	hasContent := strings.TrimSpace(resp.Content) != ""
	hasToolCalls := len(resp.ToolCalls) > 0

	var emptyReason string
	switch {
	case err != nil:
		emptyReason = fmt.Sprintf("LLM client returned ErrorTypeEmptyResponse: %v", err)
	case !hasContent && !hasToolCalls:
		emptyReason = "Response has no content and no tool calls"
	case hasContent && !hasToolCalls && v.mode == ModeToolDriven:
		emptyReason = fmt.Sprintf("Response has content (%d chars) but NO TOOL CALLS (invalid for tool-driven agents)", len(resp.Content))
	default:
		emptyReason = "Response was considered empty for unknown reason"
	}

	logger.Warn("⚠️ EMPTY RESPONSE DETECTED (attempt %d/%d): %s", attempt, 2, emptyReason)
	logger.Debug("📊 Response details: content_length=%d, tool_calls_count=%d, mode=%s",
		len(resp.Content), len(resp.ToolCalls), v.mode)

	// Content without tool calls is the common failure; show a snippet.
	if hasContent && !hasToolCalls && v.mode == ModeToolDriven {
		contentSnippet := resp.Content
		if len(contentSnippet) > 200 {
			contentSnippet = contentSnippet[:200] + "..."
		}
		logger.Info("📝 Response content (no tool calls): %s", contentSnippet)
	}
}
