// Retry middleware for LLM clients.
package retry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"longform/pkg/agent/llm"
	"longform/pkg/agent/llmerrors"
	"longform/pkg/logx"
)

// maxLoggedPromptChars bounds the sanitized prompt logged on final failure.
const maxLoggedPromptChars = 4000

// Middleware returns a middleware function that wraps an LLM client with retry logic.
// It will retry failed requests according to the configured policy, with exponential backoff.
// When a retryable error survives every attempt, the middleware emits a
// ServiceUnavailable error so the pipeline can fail the run instead of looping.
func Middleware(policy *Policy) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			// Complete implementation with retry
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				var lastErr error
				attemptsMade := 0

				for attempt := 1; attempt <= policy.Config.MaxAttempts; attempt++ {
					// Wait for backoff delay (except on first attempt)
					if attempt > 1 {
						delay := policy.CalculateDelay(attempt)
						if delay > 0 {
							select {
							case <-ctx.Done():
								return llm.CompletionResponse{}, fmt.Errorf("retry cancelled: %w", ctx.Err())
							case <-time.After(delay):
								// Continue with retry
							}
						}
					}

					resp, err := next.Complete(ctx, req)
					attemptsMade = attempt
					if err == nil {
						return resp, nil
					}

					lastErr = err

					if !policy.ShouldRetry(err) {
						break
					}

					// If this is the last attempt, don't sleep
					if attempt >= policy.Config.MaxAttempts {
						break
					}
				}

				logFinalFailure(req, lastErr, attemptsMade)

				if policy.ShouldRetry(lastErr) {
					return llm.CompletionResponse{}, llmerrors.NewServiceUnavailableError(lastErr, policy.Config.MaxAttempts)
				}
				return llm.CompletionResponse{}, lastErr
			},
			// Stream implementation with retry
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				var lastErr error

				for attempt := 1; attempt <= policy.Config.MaxAttempts; attempt++ {
					// Wait for backoff delay (except on first attempt)
					if attempt > 1 {
						delay := policy.CalculateDelay(attempt)
						if delay > 0 {
							select {
							case <-ctx.Done():
								return nil, fmt.Errorf("stream retry cancelled: %w", ctx.Err())
							case <-time.After(delay):
								// Continue with retry
							}
						}
					}

					ch, err := next.Stream(ctx, req)
					if err == nil {
						return ch, nil
					}

					lastErr = err

					if !policy.ShouldRetry(err) {
						break
					}

					// If this is the last attempt, don't sleep
					if attempt >= policy.Config.MaxAttempts {
						break
					}
				}

				if policy.ShouldRetry(lastErr) {
					return nil, llmerrors.NewServiceUnavailableError(lastErr, policy.Config.MaxAttempts)
				}
				return nil, lastErr
			},
			// Delegate GetModelName to the next client
			next.GetModelName,
		)
	}
}

// logFinalFailure logs the sanitized prompt once all attempts are spent so
// persistent failures can be traced back to their inputs.
func logFinalFailure(req llm.CompletionRequest, err error, attempts int) {
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

	logx.NewLogger("llm-retry").Warn(
		"❌ LLM request failed after %d attempts: error_type=%s messages=%d tools=%d error=%v prompt=%s",
		attempts, llmerrors.TypeOf(err).String(), len(req.Messages), len(req.Tools), err,
		llmerrors.SanitizePrompt(b.String(), maxLoggedPromptChars))
}
