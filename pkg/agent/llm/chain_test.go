package llm

import (
	"context"
	"fmt"
	"testing"
)

// completeMiddleware builds a Middleware that intercepts Complete and passes
// Stream and GetModelName through to the next client unchanged.
func completeMiddleware(intercept func(next LLMClient, ctx context.Context, req CompletionRequest) (CompletionResponse, error)) Middleware {
	return func(next LLMClient) LLMClient {
		return WrapClient(
			func(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
				return intercept(next, ctx, req)
			},
			next.Stream,
			next.GetModelName,
		)
	}
}

// TestWrapClient tests the WrapClient helper function.
func TestWrapClient(t *testing.T) {
	completeCalled := false
	streamCalled := false
	modelNameCalled := false

	client := WrapClient(
		func(_ context.Context, _ CompletionRequest) (CompletionResponse, error) {
			completeCalled = true
			return CompletionResponse{Content: "wrapped"}, nil
		},
		func(_ context.Context, _ CompletionRequest) (<-chan StreamChunk, error) {
			streamCalled = true
			ch := make(chan StreamChunk)
			close(ch)
			return ch, nil
		},
		func() string {
			modelNameCalled = true
			return "wrapped-model"
		},
	)

	ctx := context.Background()
	req := NewCompletionRequest([]CompletionMessage{NewUserMessage("test")})

	resp, err := client.Complete(ctx, req)
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if !completeCalled {
		t.Error("Complete function was not called")
	}
	if resp.Content != "wrapped" {
		t.Errorf("expected 'wrapped', got %q", resp.Content)
	}

	if _, err = client.Stream(ctx, req); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if !streamCalled {
		t.Error("Stream function was not called")
	}

	if name := client.GetModelName(); name != "wrapped-model" {
		t.Errorf("expected 'wrapped-model', got %q", name)
	}
	if !modelNameCalled {
		t.Error("GetModelName function was not called")
	}
}

// TestChainOrdering verifies that earlier middlewares wrap later ones.
func TestChainOrdering(t *testing.T) {
	base := &mockLLMClient{
		completeFunc: func(_ context.Context, _ CompletionRequest) (CompletionResponse, error) {
			return CompletionResponse{Content: "base"}, nil
		},
	}

	mw1 := completeMiddleware(func(next LLMClient, ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
		resp, err := next.Complete(ctx, req)
		if err != nil {
			return resp, err
		}
		resp.Content = "mw1:" + resp.Content
		return resp, nil
	})
	mw2 := completeMiddleware(func(next LLMClient, ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
		resp, err := next.Complete(ctx, req)
		if err != nil {
			return resp, err
		}
		resp.Content += ":mw2"
		return resp, nil
	})
	mw3 := completeMiddleware(func(next LLMClient, ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
		resp, err := next.Complete(ctx, req)
		if err != nil {
			return resp, err
		}
		resp.Content = "[" + resp.Content + "]"
		return resp, nil
	})

	// Chain middlewares: mw1 -> mw2 -> mw3 -> base
	client := Chain(base, mw1, mw2, mw3)

	ctx := context.Background()
	req := NewCompletionRequest([]CompletionMessage{NewUserMessage("test")})
	resp, err := client.Complete(ctx, req)
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	// Response transformation: base="base" -> mw3="[base]" -> mw2="[base]:mw2" -> mw1="mw1:[base]:mw2"
	expected := "mw1:[base]:mw2"
	if resp.Content != expected {
		t.Errorf("expected %q, got %q", expected, resp.Content)
	}
}

// TestChainRequestModification tests middleware that modifies requests.
func TestChainRequestModification(t *testing.T) {
	base := &mockLLMClient{
		completeFunc: func(_ context.Context, req CompletionRequest) (CompletionResponse, error) {
			return CompletionResponse{
				Content: fmt.Sprintf("temp=%.1f", req.Temperature),
			}, nil
		},
	}

	tempMiddleware := completeMiddleware(func(next LLMClient, ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
		req.Temperature = 0.9
		return next.Complete(ctx, req)
	})

	client := Chain(base, tempMiddleware)

	ctx := context.Background()
	req := NewCompletionRequest([]CompletionMessage{NewUserMessage("test")})
	req.Temperature = 0.5

	resp, err := client.Complete(ctx, req)
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	// Base should see the modified temperature
	if resp.Content != "temp=0.9" {
		t.Errorf("expected 'temp=0.9', got %q", resp.Content)
	}
}

// TestChainErrorHandling tests middleware error propagation.
func TestChainErrorHandling(t *testing.T) {
	base := &mockLLMClient{
		completeFunc: func(_ context.Context, _ CompletionRequest) (CompletionResponse, error) {
			return CompletionResponse{}, fmt.Errorf("base error")
		},
	}

	errorMiddleware := completeMiddleware(func(next LLMClient, ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
		resp, err := next.Complete(ctx, req)
		if err != nil {
			return resp, fmt.Errorf("middleware wrapper: %w", err)
		}
		return resp, nil
	})

	client := Chain(base, errorMiddleware)

	ctx := context.Background()
	req := NewCompletionRequest([]CompletionMessage{NewUserMessage("test")})
	_, err := client.Complete(ctx, req)

	if err == nil {
		t.Error("expected error, got nil")
	}
	if err.Error() != "middleware wrapper: base error" {
		t.Errorf("expected 'middleware wrapper: base error', got %q", err.Error())
	}
}

// TestChainShortCircuit tests middleware that short-circuits the chain.
func TestChainShortCircuit(t *testing.T) {
	baseCalled := false
	base := &mockLLMClient{
		completeFunc: func(_ context.Context, _ CompletionRequest) (CompletionResponse, error) {
			baseCalled = true
			return CompletionResponse{Content: "base"}, nil
		},
	}

	shortCircuitMiddleware := completeMiddleware(func(next LLMClient, ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
		if len(req.Messages) > 0 && req.Messages[0].Content == "skip" {
			return CompletionResponse{Content: "short-circuited"}, nil
		}
		return next.Complete(ctx, req)
	})

	client := Chain(base, shortCircuitMiddleware)

	ctx := context.Background()

	// Short-circuit case
	req1 := NewCompletionRequest([]CompletionMessage{NewUserMessage("skip")})
	resp1, err := client.Complete(ctx, req1)
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if resp1.Content != "short-circuited" {
		t.Errorf("expected 'short-circuited', got %q", resp1.Content)
	}
	if baseCalled {
		t.Error("base should not have been called (short-circuited)")
	}

	// Normal case
	baseCalled = false
	req2 := NewCompletionRequest([]CompletionMessage{NewUserMessage("normal")})
	resp2, err := client.Complete(ctx, req2)
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if resp2.Content != "base" {
		t.Errorf("expected 'base', got %q", resp2.Content)
	}
	if !baseCalled {
		t.Error("base should have been called (not short-circuited)")
	}
}

// TestChainModelNamePropagation tests GetModelName through the chain.
func TestChainModelNamePropagation(t *testing.T) {
	base := &mockLLMClient{
		getModelNameFunc: func() string {
			return "base-model-v1"
		},
	}

	passthrough := completeMiddleware(func(next LLMClient, ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
		return next.Complete(ctx, req)
	})

	client := Chain(base, passthrough, passthrough)

	if name := client.GetModelName(); name != "base-model-v1" {
		t.Errorf("expected 'base-model-v1', got %q", name)
	}
}

// TestChainNoMiddlewares tests chain with no middlewares (just base client).
func TestChainNoMiddlewares(t *testing.T) {
	base := &mockLLMClient{
		completeFunc: func(_ context.Context, _ CompletionRequest) (CompletionResponse, error) {
			return CompletionResponse{Content: "base"}, nil
		},
	}

	client := Chain(base)

	ctx := context.Background()
	req := NewCompletionRequest([]CompletionMessage{NewUserMessage("test")})
	resp, err := client.Complete(ctx, req)

	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if resp.Content != "base" {
		t.Errorf("expected 'base', got %q", resp.Content)
	}
}

// TestClientFuncAdapter tests the clientFunc adapter type directly.
func TestClientFuncAdapter(t *testing.T) {
	adapter := clientFunc{
		complete: func(_ context.Context, _ CompletionRequest) (CompletionResponse, error) {
			return CompletionResponse{Content: "adapted"}, nil
		},
		stream: func(_ context.Context, _ CompletionRequest) (<-chan StreamChunk, error) {
			ch := make(chan StreamChunk)
			close(ch)
			return ch, nil
		},
		getModelName: func() string {
			return "adapted-model"
		},
	}

	ctx := context.Background()
	req := NewCompletionRequest([]CompletionMessage{NewUserMessage("test")})

	resp, err := adapter.Complete(ctx, req)
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if resp.Content != "adapted" {
		t.Errorf("expected 'adapted', got %q", resp.Content)
	}

	if _, err = adapter.Stream(ctx, req); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	if name := adapter.GetModelName(); name != "adapted-model" {
		t.Errorf("expected 'adapted-model', got %q", name)
	}
}
