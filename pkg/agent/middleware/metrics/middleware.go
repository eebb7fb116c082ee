// Metrics middleware for LLM clients.
package metrics

import (
	"context"
	"time"

	"longform/pkg/agent/llm"
	"longform/pkg/agent/llmerrors"
	"longform/pkg/config"
	"longform/pkg/logx"
	"longform/pkg/utils"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// UsageExtractor is a function that extracts token usage from a request and response.
type UsageExtractor func(req llm.CompletionRequest, resp llm.CompletionResponse) (promptTokens, completionTokens int)

// DefaultUsageExtractor estimates token usage with TikToken. Providers do not
// all report usage on their responses, so counting locally keeps the numbers
// comparable across models.
func DefaultUsageExtractor(req llm.CompletionRequest, resp llm.CompletionResponse) (promptTokens, completionTokens int) {
	var promptText string
	for i := range req.Messages {
		promptText += req.Messages[i].Content + "\n"
	}
	promptTokens = utils.CountTokensSimple(promptText)

	completionTokens = utils.CountTokensSimple(resp.Content)

	return promptTokens, completionTokens
}

// nopStateProvider labels requests with empty context when no provider is wired.
type nopStateProvider struct{}

func (nopStateProvider) GetPhase() string     { return "" }
func (nopStateProvider) GetProjectID() string { return "" }
func (nopStateProvider) GetRole() string      { return "" }

// Middleware returns a middleware function that records metrics for LLM operations.
// It tracks request latency, token usage, cost, success/failure rates, and error types.
func Middleware(recorder Recorder, usageExtractor UsageExtractor, stateProvider StateProvider, logger *logx.Logger) llm.Middleware {
	if recorder == nil {
		recorder = Nop()
	}
	if usageExtractor == nil {
		usageExtractor = DefaultUsageExtractor
	}
	if stateProvider == nil {
		stateProvider = nopStateProvider{}
	}

	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			// Complete implementation with metrics
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				start := time.Now()
				model := next.GetModelName()

				resp, err := next.Complete(ctx, req)
				duration := time.Since(start)

				var promptTokens, completionTokens int
				var cost float64
				if err == nil {
					promptTokens, completionTokens = usageExtractor(req, resp)
					// Unknown models price at zero.
					cost, _ = config.CalculateCost(model, promptTokens, completionTokens)
				}

				errorType := ""
				if err != nil {
					errorType = llmerrors.TypeOf(err).String()
				}

				projectID := stateProvider.GetProjectID()
				role := stateProvider.GetRole()
				phase := stateProvider.GetPhase()

				recorder.ObserveRequest(
					model,
					projectID,
					role,
					phase,
					promptTokens,
					completionTokens,
					cost,
					err == nil,
					errorType,
					duration,
				)

				if logger != nil {
					status := statusSuccess
					if err != nil {
						status = statusError
					}
					totalTokens := promptTokens + completionTokens
					logger.Info("🎯 LLM Request: model=%s project=%s phase=%s tokens=%d+%d=%d status=%s duration=%dms",
						model, projectID, phase, promptTokens, completionTokens, totalTokens, status, duration.Milliseconds())
				}

				return resp, err //nolint:wrapcheck // Middleware should pass through errors unchanged
			},
			// Stream implementation with metrics
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				start := time.Now()
				model := next.GetModelName()

				ch, err := next.Stream(ctx, req)
				duration := time.Since(start)

				// Only setup time and success/failure are tracked for streams;
				// token counting would require consuming the stream.
				errorType := ""
				if err != nil {
					errorType = llmerrors.TypeOf(err).String()
				}

				projectID := stateProvider.GetProjectID()
				role := stateProvider.GetRole()
				phase := stateProvider.GetPhase()

				recorder.ObserveRequest(
					model,
					projectID,
					role,
					phase,
					0,
					0,
					0,
					err == nil,
					errorType,
					duration,
				)

				if logger != nil {
					status := statusSuccess
					if err != nil {
						status = statusError
					}
					logger.Info("🎯 LLM Stream: model=%s project=%s phase=%s tokens=streaming status=%s duration=%dms",
						model, projectID, phase, status, duration.Milliseconds())
				}

				return ch, err //nolint:wrapcheck // Middleware should pass through errors unchanged
			},
			// Delegate GetModelName to the next client
			next.GetModelName,
		)
	}
}
