package debug

import (
	"context"
	"errors"
	"testing"

	"longform/pkg/agent/llm"
)

func passthroughClient(resp llm.CompletionResponse, err error) llm.LLMClient {
	return llm.WrapClient(
		func(_ context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
			return resp, err
		},
		func(_ context.Context, _ llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
			ch := make(chan llm.StreamChunk, 1)
			ch <- llm.StreamChunk{Done: true}
			close(ch)
			return ch, nil
		},
		func() string { return "debug-model" },
	)
}

func TestMiddlewarePassesResponseThrough(t *testing.T) {
	inner := passthroughClient(llm.CompletionResponse{Content: "chapter text", StopReason: "end_turn"}, nil)
	client := Middleware(func() bool { return true }, nil)(inner)

	resp, err := client.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.CompletionMessage{llm.NewUserMessage("write the chapter")},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Content != "chapter text" || resp.StopReason != "end_turn" {
		t.Errorf("response altered by logging middleware: %+v", resp)
	}
}

func TestMiddlewarePassesErrorThrough(t *testing.T) {
	innerErr := errors.New("provider down")
	inner := passthroughClient(llm.CompletionResponse{}, innerErr)
	client := Middleware(func() bool { return true }, nil)(inner)

	_, err := client.Complete(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, innerErr) {
		t.Errorf("expected inner error unchanged, got %v", err)
	}
}

func TestMiddlewareDisabled(t *testing.T) {
	inner := passthroughClient(llm.CompletionResponse{Content: "ok"}, nil)
	client := Middleware(func() bool { return false }, nil)(inner)

	resp, err := client.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil || resp.Content != "ok" {
		t.Errorf("disabled middleware changed behavior: (%q, %v)", resp.Content, err)
	}
}

func TestRenderMessages(t *testing.T) {
	req := llm.CompletionRequest{
		Messages: []llm.CompletionMessage{
			llm.NewSystemMessage("You are a story architect."),
			llm.NewUserMessage("Plan a heist novella."),
		},
	}

	got := renderMessages(req)
	want := "[system]: You are a story architect.\n\n[user]: Plan a heist novella."
	if got != want {
		t.Errorf("renderMessages() = %q, want %q", got, want)
	}
}

func TestPromptLength(t *testing.T) {
	req := llm.CompletionRequest{
		Messages: []llm.CompletionMessage{
			{Role: llm.RoleUser, Content: "12345"},
			{Role: llm.RoleAssistant, Content: "678"},
		},
	}

	if got := promptLength(req); got != 8 {
		t.Errorf("promptLength() = %d, want 8", got)
	}
}

func TestModelNameDelegation(t *testing.T) {
	inner := passthroughClient(llm.CompletionResponse{}, nil)
	client := Middleware(nil, nil)(inner)

	if got := client.GetModelName(); got != "debug-model" {
		t.Errorf("GetModelName() = %q, want debug-model", got)
	}
}
