package retry

import (
	"context"
	"errors"
	"testing"

	"longform/pkg/agent/llm"
	"longform/pkg/agent/llmerrors"
)

// fastConfig retries without delays so tests run instantly.
var fastConfig = Config{ //nolint:gochecknoglobals
	MaxAttempts:   3,
	InitialDelay:  0,
	MaxDelay:      0,
	BackoffFactor: 2.0,
	Jitter:        false,
}

// failingClient fails the first n calls with err, then succeeds.
func failingClient(n int, err error, calls *int) llm.LLMClient {
	return llm.WrapClient(
		func(_ context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
			*calls++
			if *calls <= n {
				return llm.CompletionResponse{}, err
			}
			return llm.CompletionResponse{Content: "recovered"}, nil
		},
		func(_ context.Context, _ llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
			*calls++
			if *calls <= n {
				return nil, err
			}
			ch := make(chan llm.StreamChunk, 1)
			ch <- llm.StreamChunk{Done: true}
			close(ch)
			return ch, nil
		},
		func() string { return "test-model" },
	)
}

func TestMiddleware_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	client := Middleware(NewPolicy(fastConfig, nil))(failingClient(0, nil, &calls))

	resp, err := client.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "recovered" {
		t.Errorf("unexpected content: %q", resp.Content)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestMiddleware_RecoversAfterTransient(t *testing.T) {
	calls := 0
	transient := llmerrors.NewError(llmerrors.ErrorTypeTransient, "connection reset")
	client := Middleware(NewPolicy(fastConfig, nil))(failingClient(2, transient, &calls))

	resp, err := client.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("expected recovery, got: %v", err)
	}
	if resp.Content != "recovered" {
		t.Errorf("unexpected content: %q", resp.Content)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestMiddleware_ExhaustionEmitsServiceUnavailable(t *testing.T) {
	calls := 0
	transient := llmerrors.NewError(llmerrors.ErrorTypeTransient, "connection reset")
	client := Middleware(NewPolicy(fastConfig, nil))(failingClient(99, transient, &calls))

	_, err := client.Complete(context.Background(), llm.CompletionRequest{})
	if err == nil {
		t.Fatal("expected error after exhaustion")
	}
	if !llmerrors.IsServiceUnavailable(err) {
		t.Errorf("expected ServiceUnavailable, got: %v", err)
	}
	if calls != fastConfig.MaxAttempts {
		t.Errorf("expected %d calls, got %d", fastConfig.MaxAttempts, calls)
	}
	// The original transient error stays in the chain for diagnostics.
	var llmErr *llmerrors.Error
	if !errors.As(errors.Unwrap(err), &llmErr) || llmErr.Type != llmerrors.ErrorTypeTransient {
		t.Errorf("expected wrapped transient cause, got: %v", errors.Unwrap(err))
	}
}

func TestMiddleware_NonRetryableFailsFast(t *testing.T) {
	calls := 0
	authErr := llmerrors.NewError(llmerrors.ErrorTypeAuth, "invalid api key")
	client := Middleware(NewPolicy(fastConfig, nil))(failingClient(99, authErr, &calls))

	_, err := client.Complete(context.Background(), llm.CompletionRequest{})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call for non-retryable error, got %d", calls)
	}
	if llmerrors.TypeOf(err) != llmerrors.ErrorTypeAuth {
		t.Errorf("expected auth error passed through, got: %v", err)
	}
}

func TestMiddleware_StreamRecovers(t *testing.T) {
	calls := 0
	transient := llmerrors.NewError(llmerrors.ErrorTypeTransient, "connection reset")
	client := Middleware(NewPolicy(fastConfig, nil))(failingClient(1, transient, &calls))

	ch, err := client.Stream(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("expected stream recovery, got: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
	chunk := <-ch
	if !chunk.Done {
		t.Errorf("expected Done chunk, got %+v", chunk)
	}
}

func TestMiddleware_ModelNamePassthrough(t *testing.T) {
	calls := 0
	client := Middleware(NewPolicy(fastConfig, nil))(failingClient(0, nil, &calls))

	if name := client.GetModelName(); name != "test-model" {
		t.Errorf("expected model name passthrough, got %q", name)
	}
}
