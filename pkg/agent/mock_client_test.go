package agent

import (
	"context"
	"errors"
	"testing"

	"longform/pkg/agent/llm"
)

func TestMockClientServesResponsesInOrder(t *testing.T) {
	mock := NewMockLLMClient([]llm.CompletionResponse{
		{Content: "first"},
		{Content: "second"},
	}, nil)

	ctx := context.Background()

	resp, err := mock.Complete(ctx, llm.CompletionRequest{})
	if err != nil || resp.Content != "first" {
		t.Fatalf("call 1: got (%q, %v)", resp.Content, err)
	}

	resp, err = mock.Complete(ctx, llm.CompletionRequest{})
	if err != nil || resp.Content != "second" {
		t.Fatalf("call 2: got (%q, %v)", resp.Content, err)
	}

	// Exhausted scripts fail loudly so tests catch extra calls.
	if _, err = mock.Complete(ctx, llm.CompletionRequest{}); err == nil {
		t.Fatal("call 3: expected exhaustion error")
	}
}

func TestMockClientErrorsIndexedByCall(t *testing.T) {
	scriptedErr := errors.New("scripted failure")
	mock := NewMockLLMClient([]llm.CompletionResponse{
		{Content: "ok"},
	}, []error{nil, scriptedErr})

	ctx := context.Background()

	// Call 1 has no scripted error and consumes the response.
	if resp, err := mock.Complete(ctx, llm.CompletionRequest{}); err != nil || resp.Content != "ok" {
		t.Fatalf("call 1: got (%q, %v)", resp.Content, err)
	}

	// Call 2 fails without consuming a response.
	if _, err := mock.Complete(ctx, llm.CompletionRequest{}); !errors.Is(err, scriptedErr) {
		t.Fatalf("call 2: expected scripted error, got %v", err)
	}
}

func TestMockClientRecordsRequests(t *testing.T) {
	mock := NewMockLLMClient([]llm.CompletionResponse{{Content: "ok"}}, nil)

	req := llm.CompletionRequest{
		Messages: []llm.CompletionMessage{llm.NewUserMessage("draft the outline")},
	}
	if _, err := mock.Complete(context.Background(), req); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	recorded := mock.Requests()
	if len(recorded) != 1 {
		t.Fatalf("Requests() len = %d, want 1", len(recorded))
	}
	if recorded[0].Messages[0].Content != "draft the outline" {
		t.Errorf("recorded wrong request: %+v", recorded[0])
	}
	if mock.CallCount() != 1 {
		t.Errorf("CallCount() = %d, want 1", mock.CallCount())
	}
}

func TestMockClientStream(t *testing.T) {
	mock := NewMockLLMClient([]llm.CompletionResponse{{Content: "streamed text"}}, nil)

	ch, err := mock.Stream(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	chunk := <-ch
	if chunk.Content != "streamed text" || !chunk.Done {
		t.Errorf("unexpected chunk: %+v", chunk)
	}
	if _, more := <-ch; more {
		t.Error("expected channel closed after final chunk")
	}
}

func TestMockClientModelName(t *testing.T) {
	mock := NewMockLLMClient(nil, nil)

	if got := mock.GetModelName(); got != "mock-model" {
		t.Errorf("GetModelName() = %q, want mock-model", got)
	}

	mock.SetModelName("kimi-k2-thinking")
	if got := mock.GetModelName(); got != "kimi-k2-thinking" {
		t.Errorf("GetModelName() = %q after override", got)
	}
}
