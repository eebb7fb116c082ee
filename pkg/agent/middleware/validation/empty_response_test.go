package validation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"longform/pkg/agent/llm"
	"longform/pkg/agent/llmerrors"
	"longform/pkg/tools"
)

// scriptedClient returns the given responses in order, recording every
// request it sees so tests can inspect injected guidance messages.
func scriptedClient(responses []llm.CompletionResponse, errs []error, seen *[]llm.CompletionRequest) llm.LLMClient {
	call := 0
	return llm.WrapClient(
		func(_ context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
			*seen = append(*seen, req)
			idx := call
			call++
			var err error
			if idx < len(errs) {
				err = errs[idx]
			}
			if idx < len(responses) {
				return responses[idx], err
			}
			return llm.CompletionResponse{}, err
		},
		func(_ context.Context, _ llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
			ch := make(chan llm.StreamChunk, 1)
			ch <- llm.StreamChunk{Done: true}
			close(ch)
			return ch, nil
		},
		func() string { return "test-model" },
	)
}

func wrap(mode Mode, client llm.LLMClient) llm.LLMClient {
	return NewEmptyResponseValidator(mode).Middleware()(client)
}

func writingRequest() llm.CompletionRequest {
	return llm.CompletionRequest{
		Messages: []llm.CompletionMessage{
			llm.NewUserMessage("Draft chapter 3."),
		},
		Tools: []tools.ToolDefinition{
			{Name: tools.ToolGetChunkContext},
			{Name: tools.ToolWriteChunk},
			{Name: tools.ToolFinalizeChunk},
		},
	}
}

func TestToolDrivenPassesThroughToolCalls(t *testing.T) {
	var seen []llm.CompletionRequest
	inner := scriptedClient([]llm.CompletionResponse{
		{ToolCalls: []llm.ToolCall{{ID: "call_1", Name: tools.ToolWriteChunk}}},
	}, nil, &seen)

	resp, err := wrap(ModeToolDriven, inner).Complete(context.Background(), writingRequest())
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Errorf("expected tool calls preserved, got %d", len(resp.ToolCalls))
	}
	if len(seen) != 1 {
		t.Errorf("expected 1 upstream call, got %d", len(seen))
	}
}

func TestToolDrivenRetriesProseOnlyResponse(t *testing.T) {
	var seen []llm.CompletionRequest
	inner := scriptedClient([]llm.CompletionResponse{
		{Content: "I think the chapter should open with the storm."},
		{ToolCalls: []llm.ToolCall{{ID: "call_2", Name: tools.ToolWriteChunk}}},
	}, nil, &seen)

	resp, err := wrap(ModeToolDriven, inner).Complete(context.Background(), writingRequest())
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected recovered tool call response, got %+v", resp)
	}
	if len(seen) != 2 {
		t.Fatalf("expected 2 upstream calls, got %d", len(seen))
	}

	// The retry request carries one extra user message with guidance.
	first, second := seen[0], seen[1]
	if len(second.Messages) != len(first.Messages)+1 {
		t.Fatalf("expected guidance message appended, got %d messages", len(second.Messages))
	}
	guidance := second.Messages[len(second.Messages)-1]
	if guidance.Role != llm.RoleUser {
		t.Errorf("guidance role = %q, want user", guidance.Role)
	}
	if !strings.Contains(guidance.Content, "tool usage are invalid") {
		t.Errorf("guidance missing tool instruction: %q", guidance.Content)
	}
	if !strings.Contains(guidance.Content, tools.ToolFinalizeChunk) {
		t.Errorf("guidance should name the terminal tool: %q", guidance.Content)
	}
}

func TestToolDrivenEscalatesAfterTwoEmptyAttempts(t *testing.T) {
	var seen []llm.CompletionRequest
	inner := scriptedClient([]llm.CompletionResponse{
		{Content: "First prose-only answer."},
		{Content: "Second prose-only answer."},
	}, nil, &seen)

	_, err := wrap(ModeToolDriven, inner).Complete(context.Background(), writingRequest())
	if err == nil {
		t.Fatal("expected escalation error, got nil")
	}
	if !llmerrors.Is(err, llmerrors.ErrorTypeEmptyResponse) {
		t.Errorf("expected ErrorTypeEmptyResponse, got %v", err)
	}
	if len(seen) != 2 {
		t.Errorf("expected exactly 2 attempts, got %d", len(seen))
	}
}

func TestFreeformAcceptsProse(t *testing.T) {
	var seen []llm.CompletionRequest
	inner := scriptedClient([]llm.CompletionResponse{
		{Content: "The conversation so far covers the outline for acts one and two."},
	}, nil, &seen)

	resp, err := wrap(ModeFreeform, inner).Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.CompletionMessage{llm.NewUserMessage("Summarize the conversation.")},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Content == "" {
		t.Error("expected prose content preserved")
	}
	if len(seen) != 1 {
		t.Errorf("expected 1 upstream call, got %d", len(seen))
	}
}

func TestFreeformRetriesBlankContent(t *testing.T) {
	var seen []llm.CompletionRequest
	inner := scriptedClient([]llm.CompletionResponse{
		{Content: "   \n"},
		{Content: "A proper summary this time."},
	}, nil, &seen)

	resp, err := wrap(ModeFreeform, inner).Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.CompletionMessage{llm.NewUserMessage("Summarize the conversation.")},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Content != "A proper summary this time." {
		t.Errorf("unexpected content: %q", resp.Content)
	}
	if len(seen) != 2 {
		t.Fatalf("expected 2 upstream calls, got %d", len(seen))
	}
	guidance := seen[1].Messages[len(seen[1].Messages)-1]
	if !strings.Contains(guidance.Content, "provide a clear answer") {
		t.Errorf("freeform guidance wrong: %q", guidance.Content)
	}
}

func TestNonEmptyErrorsPassThroughWithoutRetry(t *testing.T) {
	var seen []llm.CompletionRequest
	authErr := llmerrors.NewError(llmerrors.ErrorTypeAuth, "invalid API key")
	inner := scriptedClient(nil, []error{authErr}, &seen)

	_, err := wrap(ModeToolDriven, inner).Complete(context.Background(), writingRequest())
	if !errors.Is(err, authErr) {
		t.Errorf("expected auth error passed through, got %v", err)
	}
	if len(seen) != 1 {
		t.Errorf("expected no retry for non-empty errors, got %d calls", len(seen))
	}
}

func TestClientEmptyResponseErrorTriggersRetry(t *testing.T) {
	var seen []llm.CompletionRequest
	emptyErr := llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "no content returned")
	inner := scriptedClient([]llm.CompletionResponse{
		{},
		{ToolCalls: []llm.ToolCall{{ID: "call_3", Name: tools.ToolCritiqueChunk}}},
	}, []error{emptyErr, nil}, &seen)

	resp, err := wrap(ModeToolDriven, inner).Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.CompletionMessage{llm.NewUserMessage("Review chunk 4.")},
		Tools:    []tools.ToolDefinition{{Name: tools.ToolCritiqueChunk}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Errorf("expected recovered response, got %+v", resp)
	}
	if len(seen) != 2 {
		t.Errorf("expected retry after client empty-response error, got %d calls", len(seen))
	}
}

func TestIsEmptyResponse(t *testing.T) {
	withTools := llm.CompletionRequest{Tools: []tools.ToolDefinition{{Name: tools.ToolWriteChunk}}}
	noTools := llm.CompletionRequest{}

	tests := []struct {
		name string
		mode Mode
		req  llm.CompletionRequest
		resp llm.CompletionResponse
		want bool
	}{
		{
			name: "tool calls never empty",
			mode: ModeToolDriven,
			req:  withTools,
			resp: llm.CompletionResponse{ToolCalls: []llm.ToolCall{{Name: tools.ToolWriteChunk}}},
			want: false,
		},
		{
			name: "tool-driven rejects prose without tools",
			mode: ModeToolDriven,
			req:  withTools,
			resp: llm.CompletionResponse{Content: "Here is my thinking about the plot."},
			want: true,
		},
		{
			name: "tool-driven rejects blank",
			mode: ModeToolDriven,
			req:  withTools,
			resp: llm.CompletionResponse{},
			want: true,
		},
		{
			name: "tool-driven accepts prose when request offers no tools",
			mode: ModeToolDriven,
			req:  noTools,
			resp: llm.CompletionResponse{Content: "Summary of acts one and two."},
			want: false,
		},
		{
			name: "freeform accepts prose",
			mode: ModeFreeform,
			req:  noTools,
			resp: llm.CompletionResponse{Content: "Summary of the plan."},
			want: false,
		},
		{
			name: "freeform rejects whitespace",
			mode: ModeFreeform,
			req:  noTools,
			resp: llm.CompletionResponse{Content: " \t\n"},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewEmptyResponseValidator(tt.mode)
			if got := v.isEmptyResponse(tt.req, tt.resp); got != tt.want {
				t.Errorf("isEmptyResponse() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCreateGuidanceMessageNamesTerminalTools(t *testing.T) {
	v := NewEmptyResponseValidator(ModeToolDriven)

	tests := []struct {
		name     string
		tools    []string
		wantTool string
	}{
		{"planning phase", tools.PlanningTools, tools.ToolFinalizePlan},
		{"plan critique phase", tools.PlanCritiqueTools, tools.ToolApprovePlan},
		{"writing phase", tools.WritingTools, tools.ToolFinalizeChunk},
		{"write critique phase", tools.WriteCritiqueTools, tools.ToolApproveChunk},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defs := make([]tools.ToolDefinition, len(tt.tools))
			for i, name := range tt.tools {
				defs[i] = tools.ToolDefinition{Name: name}
			}
			msg := v.createGuidanceMessage(llm.CompletionRequest{Tools: defs})
			if !strings.Contains(msg, tt.wantTool) {
				t.Errorf("guidance %q should mention %s", msg, tt.wantTool)
			}
		})
	}

	t.Run("no tools", func(t *testing.T) {
		msg := v.createGuidanceMessage(llm.CompletionRequest{})
		if !strings.Contains(msg, "try again") {
			t.Errorf("unexpected guidance without tools: %q", msg)
		}
	})
}

func TestStreamPassesThrough(t *testing.T) {
	var seen []llm.CompletionRequest
	inner := scriptedClient(nil, nil, &seen)

	ch, err := wrap(ModeToolDriven, inner).Stream(context.Background(), writingRequest())
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	chunk := <-ch
	if !chunk.Done {
		t.Errorf("expected Done chunk, got %+v", chunk)
	}
}

func TestModelNameDelegation(t *testing.T) {
	var seen []llm.CompletionRequest
	inner := scriptedClient(nil, nil, &seen)

	if got := wrap(ModeToolDriven, inner).GetModelName(); got != "test-model" {
		t.Errorf("GetModelName() = %q, want test-model", got)
	}
}
