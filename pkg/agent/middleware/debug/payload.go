// Package debug provides LLM payload logging for troubleshooting.
package debug

import (
	"context"
	"strings"
	"time"

	"longform/pkg/agent/llm"
	"longform/pkg/agent/llmerrors"
	"longform/pkg/logx"
)

// maxPayloadChars bounds a single logged payload. Longer payloads are
// truncated head and tail with an embedded hash for correlation.
const maxPayloadChars = 4000

// Middleware returns payload-logging middleware for LLM traffic.
//
// The enabled func is consulted per request so the debug flag can change at
// runtime without rebuilding the client. This sits innermost in the chain so
// every physical attempt is visible, including retry attempts.
func Middleware(enabled func() bool, logger *logx.Logger) llm.Middleware {
	if logger == nil {
		logger = logx.NewLogger("llm-debug")
	}

	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				if enabled == nil || !enabled() {
					//nolint:wrapcheck // Middleware intentionally passes through errors unchanged
					return next.Complete(ctx, req)
				}

				start := time.Now()
				logger.Debug("📤 LLM request: model=%s messages=%d tools=%d max_tokens=%d temp=%.2f prompt=%s",
					next.GetModelName(), len(req.Messages), len(req.Tools), req.MaxTokens, req.Temperature,
					llmerrors.SanitizePrompt(renderMessages(req), maxPayloadChars))

				resp, err := next.Complete(ctx, req)
				duration := time.Since(start)

				if err != nil {
					logger.Warn("📥 LLM request failed after %dms: error_type=%s prompt_chars=%d error=%v",
						duration.Milliseconds(), llmerrors.TypeOf(err).String(), promptLength(req), err)
					//nolint:wrapcheck // Middleware intentionally passes through errors unchanged
					return resp, err
				}

				logger.Debug("📥 LLM response after %dms: stop=%s tool_calls=%d content=%s",
					duration.Milliseconds(), resp.StopReason, len(resp.ToolCalls),
					llmerrors.SanitizePrompt(resp.Content, maxPayloadChars))

				return resp, nil
			},
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				if enabled != nil && enabled() {
					logger.Debug("📤 LLM stream request: model=%s messages=%d max_tokens=%d",
						next.GetModelName(), len(req.Messages), req.MaxTokens)
				}
				//nolint:wrapcheck // Middleware intentionally passes through errors unchanged
				return next.Stream(ctx, req)
			},
			next.GetModelName,
		)
	}
}

// renderMessages flattens a request's messages into a single loggable string.
func renderMessages(req llm.CompletionRequest) string {
	var b strings.Builder
	for i := range req.Messages {
		msg := &req.Messages[i]
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("[")
		b.WriteString(string(msg.Role))
		b.WriteString("]: ")
		b.WriteString(msg.Content)
	}
	return b.String()
}

// promptLength is the total character length of all message contents.
func promptLength(req llm.CompletionRequest) int {
	total := 0
	for i := range req.Messages {
		total += len(req.Messages[i].Content)
	}
	return total
}
