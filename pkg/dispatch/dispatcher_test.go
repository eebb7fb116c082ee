package dispatch_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"longform/pkg/agent"
	"longform/pkg/agent/llm"
	"longform/pkg/agent/llmerrors"
	"longform/pkg/config"
	"longform/pkg/contextmgr"
	"longform/pkg/dispatch"
	"longform/pkg/logx"
	"longform/pkg/persistence"
	"longform/pkg/tools"
	"longform/pkg/workspace"
)

// stubTool is a test-local tool with a configurable exec function.
type stubTool struct {
	name string
	def  tools.ToolDefinition
	exec func(ctx context.Context, args map[string]any) (any, error)
}

func (s *stubTool) Name() string                     { return s.name }
func (s *stubTool) Definition() tools.ToolDefinition { return s.def }
func (s *stubTool) PromptDocumentation() string      { return "- **" + s.name + "** - test tool" }
func (s *stubTool) Exec(ctx context.Context, args map[string]any) (any, error) {
	return s.exec(ctx, args)
}

// openToolDef builds a permissive schema with one optional string parameter.
func openToolDef(name string) tools.ToolDefinition {
	return tools.ToolDefinition{
		Name:        name,
		Description: "test tool",
		InputSchema: tools.InputSchema{
			Type: "object",
			Properties: map[string]tools.Property{
				"note": {Type: "string"},
			},
		},
	}
}

func generalTool(name string, executed *[]string) *stubTool {
	return &stubTool{
		name: name,
		def:  openToolDef(name),
		exec: func(_ context.Context, _ map[string]any) (any, error) {
			if executed != nil {
				*executed = append(*executed, name)
			}
			return map[string]any{"success": true, "message": name + " ok"}, nil
		},
	}
}

func terminalTool(name, signal string, executed *[]string) *stubTool {
	return &stubTool{
		name: name,
		def:  openToolDef(name),
		exec: func(_ context.Context, _ map[string]any) (any, error) {
			if executed != nil {
				*executed = append(*executed, name)
			}
			return map[string]any{"success": true, "message": name + " done", "next_state": signal}, nil
		},
	}
}

// stubProvider serves test-local tools without the global registry.
type stubProvider struct {
	byName map[string]tools.Tool
}

func newStubProvider(ts ...tools.Tool) *stubProvider {
	p := &stubProvider{byName: make(map[string]tools.Tool, len(ts))}
	for _, tool := range ts {
		p.byName[tool.Name()] = tool
	}
	return p
}

func (p *stubProvider) Get(name string) (tools.Tool, error) {
	tool, ok := p.byName[name]
	if !ok {
		return nil, fmt.Errorf("tool '%s' not allowed in this context", name)
	}
	return tool, nil
}

func (p *stubProvider) Definitions() []tools.ToolDefinition {
	defs := make([]tools.ToolDefinition, 0, len(p.byName))
	for _, tool := range p.byName {
		defs = append(defs, tool.Definition())
	}
	return defs
}

// recorderStub captures persisted records in arrival order.
type recorderStub struct {
	turns     []persistence.ConversationTurn
	execs     []persistence.ToolExecution
	summaries []persistence.ContextSummary
}

func (r *recorderStub) AppendTurn(turn *persistence.ConversationTurn) error {
	r.turns = append(r.turns, *turn)
	return nil
}

func (r *recorderStub) InsertToolExecution(exec *persistence.ToolExecution) error {
	r.execs = append(r.execs, *exec)
	return nil
}

func (r *recorderStub) InsertContextSummary(summary *persistence.ContextSummary) error {
	r.summaries = append(r.summaries, *summary)
	return nil
}

func toolCall(id, name string, params map[string]any) llm.ToolCall {
	if params == nil {
		params = map[string]any{}
	}
	return llm.ToolCall{ID: id, Name: name, Parameters: params}
}

func toolResp(content string, calls ...llm.ToolCall) llm.CompletionResponse {
	return llm.CompletionResponse{Content: content, ToolCalls: calls, StopReason: "tool_use"}
}

func textResp(content string) llm.CompletionResponse {
	return llm.CompletionResponse{Content: content, StopReason: "end_turn"}
}

func newDispatcher(client llm.LLMClient) *dispatch.Dispatcher {
	return dispatch.New(client, logx.NewLogger("test"))
}

func TestRunTerminalSignal(t *testing.T) {
	var executed []string
	client := agent.NewMockLLMClient([]llm.CompletionResponse{
		toolResp("Finalizing", toolCall("c1", "finalize_plan", nil)),
	}, nil)

	out := newDispatcher(client).Run(context.Background(), &dispatch.Config{
		Context:       contextmgr.NewContextManager(),
		Tools:         newStubProvider(terminalTool("finalize_plan", "PLAN_CRITIQUE", &executed)),
		Phase:         "PLANNING",
		InitialPrompt: "Plan the story.",
		MaxIterations: 5,
	})

	require.Equal(t, dispatch.OutcomeSignal, out.Kind, "unexpected outcome: %v", out.Err)
	assert.Equal(t, "PLAN_CRITIQUE", out.Signal)
	assert.Equal(t, 1, out.Iterations)
	assert.Equal(t, []string{"finalize_plan"}, executed)
	assert.Equal(t, 1, client.CallCount())
	assert.Equal(t, int64(1), out.Usage.ModelCalls)
	assert.Positive(t, out.Usage.PromptTokens)
	assert.Positive(t, out.Usage.CompletionTokens)
}

func TestRunExecutesAllCallsInTurn(t *testing.T) {
	var executed []string
	client := agent.NewMockLLMClient([]llm.CompletionResponse{
		toolResp("Working through the batch",
			toolCall("c1", "load_notes", nil),
			toolCall("c2", "finalize_plan", nil),
			toolCall("c3", "save_extra", nil),
		),
	}, nil)

	provider := newStubProvider(
		generalTool("load_notes", &executed),
		terminalTool("finalize_plan", "PLAN_CRITIQUE", &executed),
		generalTool("save_extra", &executed),
	)

	out := newDispatcher(client).Run(context.Background(), &dispatch.Config{
		Context:       contextmgr.NewContextManager(),
		Tools:         provider,
		Phase:         "PLANNING",
		MaxIterations: 5,
	})

	require.Equal(t, dispatch.OutcomeSignal, out.Kind, "unexpected outcome: %v", out.Err)
	assert.Equal(t, "PLAN_CRITIQUE", out.Signal)
	// Every call in the turn executes even after the terminal tool fires.
	assert.Equal(t, []string{"load_notes", "finalize_plan", "save_extra"}, executed)
	assert.Equal(t, 1, client.CallCount())
}

func TestRunGeneralThenTerminal(t *testing.T) {
	var executed []string
	client := agent.NewMockLLMClient([]llm.CompletionResponse{
		toolResp("Loading materials", toolCall("c1", "load_notes", nil)),
		toolResp("Finalizing", toolCall("c2", "finalize_plan", nil)),
	}, nil)

	cm := contextmgr.NewContextManager()
	out := newDispatcher(client).Run(context.Background(), &dispatch.Config{
		Context:       cm,
		Tools:         newStubProvider(generalTool("load_notes", &executed), terminalTool("finalize_plan", "WRITING", &executed)),
		Phase:         "PLAN_CRITIQUE",
		InitialPrompt: "Review the plan.",
		MaxIterations: 5,
	})

	require.Equal(t, dispatch.OutcomeSignal, out.Kind, "unexpected outcome: %v", out.Err)
	assert.Equal(t, 2, out.Iterations)
	assert.Equal(t, []string{"load_notes", "finalize_plan"}, executed)
	assert.Equal(t, 2, client.CallCount())

	// Tool results from the first turn are in the conversation before the
	// second model call.
	reqs := client.Requests()
	require.Len(t, reqs, 2)
	second := reqs[1].Messages
	require.NotEmpty(t, second)
	var sawResults bool
	for i := range second {
		if len(second[i].ToolResults) > 0 {
			sawResults = true
		}
	}
	assert.True(t, sawResults, "second request should carry the first turn's tool results")
}

func TestRunValidationRejectsBeforeExec(t *testing.T) {
	execCalled := false
	strict := &stubTool{
		name: "write_note",
		def: tools.ToolDefinition{
			Name:        "write_note",
			Description: "requires text",
			InputSchema: tools.InputSchema{
				Type: "object",
				Properties: map[string]tools.Property{
					"text": {Type: "string"},
				},
				Required: []string{"text"},
			},
		},
		exec: func(_ context.Context, _ map[string]any) (any, error) {
			execCalled = true
			return map[string]any{"success": true}, nil
		},
	}

	client := agent.NewMockLLMClient([]llm.CompletionResponse{
		toolResp("Trying without args", toolCall("c1", "write_note", nil)),
		toolResp("Finalizing", toolCall("c2", "finalize_plan", nil)),
	}, nil)

	recorder := &recorderStub{}
	out := newDispatcher(client).Run(context.Background(), &dispatch.Config{
		Context:       contextmgr.NewContextManager(),
		Tools:         newStubProvider(strict, terminalTool("finalize_plan", "WRITING", nil)),
		Recorder:      recorder,
		ProjectID:     "proj-1",
		Phase:         "WRITING",
		MaxIterations: 5,
	})

	require.Equal(t, dispatch.OutcomeSignal, out.Kind, "unexpected outcome: %v", out.Err)
	assert.False(t, execCalled, "invalid arguments must be rejected before Exec")

	require.NotEmpty(t, recorder.execs)
	rejected := recorder.execs[0]
	assert.True(t, rejected.IsError)
	assert.Contains(t, rejected.Error, "missing required parameter 'text'")

	// The model saw the rejection as an error tool result and corrected.
	assert.Equal(t, 2, client.CallCount())
}

func TestRunNoToolReminderThenContent(t *testing.T) {
	client := agent.NewMockLLMClient([]llm.CompletionResponse{
		textResp("I believe the plan is complete."),
		textResp("Nothing further to do."),
	}, nil)

	cm := contextmgr.NewContextManager()
	out := newDispatcher(client).Run(context.Background(), &dispatch.Config{
		Context:       cm,
		Tools:         newStubProvider(terminalTool("finalize_plan", "PLAN_CRITIQUE", nil)),
		Phase:         "PLANNING",
		MaxIterations: 5,
	})

	require.Equal(t, dispatch.OutcomeContent, out.Kind)
	assert.Equal(t, "Nothing further to do.", out.Content)
	assert.Equal(t, 2, client.CallCount())

	// The single reminder was injected between the two turns.
	var sawReminder bool
	for _, msg := range cm.Messages() {
		if msg.Role == llm.RoleUser && strings.Contains(msg.Content, "did not call any tool") {
			sawReminder = true
		}
	}
	assert.True(t, sawReminder, "reminder message should be in the conversation")
}

func TestRunNoToolRecoversAfterReminder(t *testing.T) {
	client := agent.NewMockLLMClient([]llm.CompletionResponse{
		textResp("Let me think."),
		toolResp("Finalizing now", toolCall("c1", "finalize_plan", nil)),
	}, nil)

	out := newDispatcher(client).Run(context.Background(), &dispatch.Config{
		Context:       contextmgr.NewContextManager(),
		Tools:         newStubProvider(terminalTool("finalize_plan", "PLAN_CRITIQUE", nil)),
		Phase:         "PLANNING",
		MaxIterations: 5,
	})

	require.Equal(t, dispatch.OutcomeSignal, out.Kind, "unexpected outcome: %v", out.Err)
	assert.Equal(t, "PLAN_CRITIQUE", out.Signal)
	assert.Equal(t, 2, client.CallCount())
}

func TestRunIterationLimit(t *testing.T) {
	responses := make([]llm.CompletionResponse, 3)
	for i := range responses {
		responses[i] = toolResp(fmt.Sprintf("Turn %d", i+1), toolCall(fmt.Sprintf("c%d", i+1), "load_notes", nil))
	}
	client := agent.NewMockLLMClient(responses, nil)

	out := newDispatcher(client).Run(context.Background(), &dispatch.Config{
		Context:       contextmgr.NewContextManager(),
		Tools:         newStubProvider(generalTool("load_notes", nil), terminalTool("finalize_plan", "WRITING", nil)),
		Phase:         "PLANNING",
		MaxIterations: 3,
	})

	require.Equal(t, dispatch.OutcomeIterationLimit, out.Kind)
	assert.ErrorIs(t, out.Err, dispatch.ErrTurnLimit)
	assert.Equal(t, 3, out.Iterations)
	assert.Equal(t, 3, client.CallCount())
}

func TestRunModelErrorFatal(t *testing.T) {
	cause := llmerrors.NewServiceUnavailableError(errors.New("connection refused"), 4)
	client := agent.NewMockLLMClient(nil, []error{cause})

	out := newDispatcher(client).Run(context.Background(), &dispatch.Config{
		Context:       contextmgr.NewContextManager(),
		Tools:         newStubProvider(terminalTool("finalize_plan", "WRITING", nil)),
		Phase:         "WRITING",
		MaxIterations: 5,
	})

	require.Equal(t, dispatch.OutcomeFatal, out.Kind)
	assert.True(t, llmerrors.IsServiceUnavailable(out.Err), "classification must survive wrapping: %v", out.Err)
	assert.Equal(t, 0, out.Iterations)
}

func TestRunInterrupt(t *testing.T) {
	t.Run("pause_flag", func(t *testing.T) {
		client := agent.NewMockLLMClient(nil, nil)
		out := newDispatcher(client).Run(context.Background(), &dispatch.Config{
			Context:       contextmgr.NewContextManager(),
			Tools:         newStubProvider(terminalTool("finalize_plan", "WRITING", nil)),
			Phase:         "WRITING",
			Interrupt:     func() bool { return true },
			MaxIterations: 5,
		})

		require.Equal(t, dispatch.OutcomeInterrupted, out.Kind)
		assert.ErrorIs(t, out.Err, dispatch.ErrInterrupted)
		assert.Equal(t, 0, out.Iterations)
		assert.Equal(t, 0, client.CallCount(), "no model call may start after a pause request")
	})

	t.Run("canceled_context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		client := agent.NewMockLLMClient(nil, nil)
		out := newDispatcher(client).Run(ctx, &dispatch.Config{
			Context:       contextmgr.NewContextManager(),
			Tools:         newStubProvider(terminalTool("finalize_plan", "WRITING", nil)),
			Phase:         "WRITING",
			MaxIterations: 5,
		})

		require.Equal(t, dispatch.OutcomeInterrupted, out.Kind)
		assert.ErrorIs(t, out.Err, dispatch.ErrInterrupted)
		assert.Equal(t, 0, client.CallCount())
	})
}

func TestRunRecordsConversationInOrder(t *testing.T) {
	var executed []string
	client := agent.NewMockLLMClient([]llm.CompletionResponse{
		toolResp("Loading", toolCall("c1", "load_notes", map[string]any{"note": "draft"})),
		toolResp("Finalizing", toolCall("c2", "finalize_plan", nil)),
	}, nil)

	recorder := &recorderStub{}
	out := newDispatcher(client).Run(context.Background(), &dispatch.Config{
		Context:       contextmgr.NewContextManager(),
		Tools:         newStubProvider(generalTool("load_notes", &executed), terminalTool("finalize_plan", "WRITING", &executed)),
		Recorder:      recorder,
		ProjectID:     "proj-1",
		Phase:         "PLAN_CRITIQUE",
		InitialPrompt: "Review everything.",
		MaxIterations: 5,
	})
	require.Equal(t, dispatch.OutcomeSignal, out.Kind, "unexpected outcome: %v", out.Err)

	roles := make([]string, 0, len(recorder.turns))
	for i := range recorder.turns {
		roles = append(roles, recorder.turns[i].Role)
		assert.Equal(t, "proj-1", recorder.turns[i].ProjectID)
		assert.Equal(t, "PLAN_CRITIQUE", recorder.turns[i].Phase)
	}
	// initial prompt, assistant+calls, tool results, assistant+calls, tool results
	require.Equal(t, []string{"user", "assistant", "user", "assistant", "user"}, roles)

	assert.Equal(t, "Review everything.", recorder.turns[0].Content)
	assert.Contains(t, recorder.turns[1].ToolCallsJSON, "load_notes")
	assert.Contains(t, recorder.turns[2].ToolResultsJSON, "load_notes ok")
	assert.Contains(t, recorder.turns[3].ToolCallsJSON, "finalize_plan")
	assert.Contains(t, recorder.turns[4].ToolResultsJSON, "next_state")

	require.Len(t, recorder.execs, 2)
	assert.Equal(t, "load_notes", recorder.execs[0].ToolName)
	assert.Contains(t, recorder.execs[0].ArgsJSON, "draft")
	assert.Equal(t, "finalize_plan", recorder.execs[1].ToolName)
	assert.False(t, recorder.execs[1].IsError)
}

// seedConversation adds n user/assistant exchanges of padded filler so the
// token estimate crosses small test thresholds.
func seedConversation(cm *contextmgr.ContextManager, n int) {
	filler := strings.Repeat("The tide keeps rising over the old harbor wall. ", 3)
	for i := 0; i < n; i++ {
		cm.AddUserMessage(contextmgr.ProvenanceUserInput, fmt.Sprintf("Exchange %d: %s", i+1, filler))
		cm.FlushUserBuffer()
		cm.AddAssistantMessage(fmt.Sprintf("Noted %d: %s", i+1, filler))
	}
}

func TestRunCompressesBeforeNextCall(t *testing.T) {
	gen := config.GenerationConfig{
		Model:                config.DefaultGenerationModel,
		ContextTokenLimit:    100000,
		CompressionThreshold: 150,
		KeepRecentTurns:      2,
	}
	cm := contextmgr.NewContextManagerWithConfig(gen)
	cm.ResetSystemPrompt("You are a story planner.")
	// Long middle messages push usage past the threshold; the two short
	// recent ones keep the retained window well below it.
	seedConversation(cm, 3)
	cm.AddUserMessage(contextmgr.ProvenanceUserInput, "wrap it up")
	cm.FlushUserBuffer()
	cm.AddAssistantMessage("almost done")
	require.True(t, cm.ShouldCompress(), "test setup must cross the threshold")

	ws, err := workspace.Open(t.TempDir(), "proj-compress")
	require.NoError(t, err)

	client := agent.NewMockLLMClient([]llm.CompletionResponse{
		textResp("Summary of the planning so far."),
		toolResp("Finalizing", toolCall("c1", "finalize_plan", nil)),
	}, nil)

	recorder := &recorderStub{}
	out := newDispatcher(client).Run(context.Background(), &dispatch.Config{
		Context:       cm,
		Tools:         newStubProvider(terminalTool("finalize_plan", "PLAN_CRITIQUE", nil)),
		Recorder:      recorder,
		Workspace:     ws,
		ProjectID:     "proj-compress",
		Phase:         "PLANNING",
		MaxIterations: 5,
	})

	require.Equal(t, dispatch.OutcomeSignal, out.Kind, "unexpected outcome: %v", out.Err)
	assert.Equal(t, int64(1), out.Usage.Compressions)
	assert.Equal(t, int64(2), out.Usage.ModelCalls, "compression call plus one turn")
	assert.Equal(t, 1, cm.Compressions())

	// The compression call carries no tools; the turn call does.
	reqs := client.Requests()
	require.Len(t, reqs, 2)
	assert.Empty(t, reqs[0].Tools)
	assert.NotEmpty(t, reqs[1].Tools)

	require.Len(t, recorder.summaries, 1)
	summary := recorder.summaries[0]
	assert.Equal(t, "Summary of the planning so far.", summary.Summary)
	assert.Equal(t, "proj-compress", summary.ProjectID)
	assert.Equal(t, "PLANNING", summary.Phase)
	assert.Positive(t, summary.MessagesCompressed)
	assert.Equal(t, 2, summary.MessagesRetained)
	assert.Greater(t, summary.TokensBefore, summary.TokensAfter)

	entries, err := os.ReadDir(ws.Path(workspace.HistoryDir))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "context_summary_"))
}

func TestRunBudgetOverflowFatal(t *testing.T) {
	gen := config.GenerationConfig{
		Model:                config.DefaultGenerationModel,
		ContextTokenLimit:    100000,
		CompressionThreshold: 40,
		KeepRecentTurns:      50, // retained window alone exceeds the threshold
	}
	cm := contextmgr.NewContextManagerWithConfig(gen)
	cm.ResetSystemPrompt("You are a story planner.")
	seedConversation(cm, 4)
	require.True(t, cm.ShouldCompress(), "test setup must cross the threshold")

	client := agent.NewMockLLMClient(nil, nil)
	out := newDispatcher(client).Run(context.Background(), &dispatch.Config{
		Context:       cm,
		Tools:         newStubProvider(terminalTool("finalize_plan", "PLAN_CRITIQUE", nil)),
		Phase:         "PLANNING",
		MaxIterations: 5,
	})

	require.Equal(t, dispatch.OutcomeFatal, out.Kind)
	assert.True(t, contextmgr.IsBudgetOverflow(out.Err), "expected budget overflow, got: %v", out.Err)
	assert.Equal(t, 0, client.CallCount(), "overflow must be detected without a model call")
}

func TestRunOnApply(t *testing.T) {
	t.Run("applies_successful_results_in_order", func(t *testing.T) {
		chunkTool := &stubTool{
			name: "set_chunks",
			def:  openToolDef("set_chunks"),
			exec: func(_ context.Context, _ map[string]any) (any, error) {
				return map[string]any{"success": true, "total_chunks": 8}, nil
			},
		}
		failing := &stubTool{
			name: "broken",
			def:  openToolDef("broken"),
			exec: func(_ context.Context, _ map[string]any) (any, error) {
				return nil, errors.New("disk full")
			},
		}

		client := agent.NewMockLLMClient([]llm.CompletionResponse{
			toolResp("Batch",
				toolCall("c1", "set_chunks", nil),
				toolCall("c2", "broken", nil),
				toolCall("c3", "finalize_plan", nil),
			),
		}, nil)

		var applied []string
		out := newDispatcher(client).Run(context.Background(), &dispatch.Config{
			Context: contextmgr.NewContextManager(),
			Tools:   newStubProvider(chunkTool, failing, terminalTool("finalize_plan", "PLAN_CRITIQUE", nil)),
			Phase:   "PLANNING",
			OnApply: func(call *llm.ToolCall, result map[string]any) error {
				applied = append(applied, call.Name)
				if call.Name == "set_chunks" {
					assert.Equal(t, 8, result["total_chunks"])
				}
				return nil
			},
			MaxIterations: 5,
		})

		require.Equal(t, dispatch.OutcomeSignal, out.Kind, "unexpected outcome: %v", out.Err)
		// Failed executions are never applied.
		assert.Equal(t, []string{"set_chunks", "finalize_plan"}, applied)
	})

	t.Run("refusals_are_applied_but_never_signal", func(t *testing.T) {
		// A tool at its round cap refuses with success=false but still
		// carries the auto-approve flag. The flag must reach OnApply; the
		// refusal itself must not end the turn loop.
		capped := &stubTool{
			name: "request_revision",
			def:  openToolDef("request_revision"),
			exec: func(_ context.Context, _ map[string]any) (any, error) {
				return map[string]any{
					"success":      false,
					"message":      "Maximum critique iterations (2) reached for Chunk 3. Auto-approving to prevent infinite loop.",
					"auto_approve": true,
				}, nil
			},
		}

		client := agent.NewMockLLMClient([]llm.CompletionResponse{
			toolResp("Requesting another pass", toolCall("c1", "request_revision", nil)),
			toolResp("Approving instead", toolCall("c2", "approve_chunk", nil)),
		}, nil)

		autoApproved := false
		out := newDispatcher(client).Run(context.Background(), &dispatch.Config{
			Context: contextmgr.NewContextManager(),
			Tools:   newStubProvider(capped, terminalTool("approve_chunk", "WRITING", nil)),
			Phase:   "WRITE_CRITIQUE",
			OnApply: func(call *llm.ToolCall, result map[string]any) error {
				if flag, _ := result["auto_approve"].(bool); flag {
					autoApproved = true
				}
				return nil
			},
			MaxIterations: 5,
		})

		require.Equal(t, dispatch.OutcomeSignal, out.Kind, "unexpected outcome: %v", out.Err)
		assert.Equal(t, "WRITING", out.Signal)
		// The refusal did not signal: two turns were needed.
		assert.Equal(t, 2, out.Iterations)
		assert.True(t, autoApproved, "auto_approve flag from the refusal should reach OnApply")
	})

	t.Run("apply_error_is_fatal", func(t *testing.T) {
		client := agent.NewMockLLMClient([]llm.CompletionResponse{
			toolResp("Finalizing", toolCall("c1", "finalize_plan", nil)),
		}, nil)

		out := newDispatcher(client).Run(context.Background(), &dispatch.Config{
			Context: contextmgr.NewContextManager(),
			Tools:   newStubProvider(terminalTool("finalize_plan", "PLAN_CRITIQUE", nil)),
			Phase:   "PLANNING",
			OnApply: func(*llm.ToolCall, map[string]any) error {
				return errors.New("snapshot write failed")
			},
			MaxIterations: 5,
		})

		require.Equal(t, dispatch.OutcomeFatal, out.Kind)
		assert.Contains(t, out.Err.Error(), "applying finalize_plan result")
	})
}

func TestRunOnTurnEnd(t *testing.T) {
	t.Run("fires_after_each_applied_turn", func(t *testing.T) {
		client := agent.NewMockLLMClient([]llm.CompletionResponse{
			toolResp("Loading", toolCall("c1", "load_notes", nil)),
			toolResp("Finalizing", toolCall("c2", "finalize_plan", nil)),
		}, nil)

		checkpoints := 0
		out := newDispatcher(client).Run(context.Background(), &dispatch.Config{
			Context:       contextmgr.NewContextManager(),
			Tools:         newStubProvider(generalTool("load_notes", nil), terminalTool("finalize_plan", "WRITING", nil)),
			Phase:         "PLAN_CRITIQUE",
			OnTurnEnd:     func() error { checkpoints++; return nil },
			MaxIterations: 5,
		})

		require.Equal(t, dispatch.OutcomeSignal, out.Kind, "unexpected outcome: %v", out.Err)
		// Once per tool-bearing turn, the signal turn included.
		assert.Equal(t, 2, checkpoints)
	})

	t.Run("checkpoint_error_is_fatal", func(t *testing.T) {
		client := agent.NewMockLLMClient([]llm.CompletionResponse{
			toolResp("Loading", toolCall("c1", "load_notes", nil)),
		}, nil)

		out := newDispatcher(client).Run(context.Background(), &dispatch.Config{
			Context:       contextmgr.NewContextManager(),
			Tools:         newStubProvider(generalTool("load_notes", nil)),
			Phase:         "PLANNING",
			OnTurnEnd:     func() error { return errors.New("disk full") },
			MaxIterations: 5,
		})

		require.Equal(t, dispatch.OutcomeFatal, out.Kind)
		assert.Contains(t, out.Err.Error(), "turn checkpoint failed")
		assert.Equal(t, 1, out.Iterations)
	})
}

func TestRunConfigValidation(t *testing.T) {
	client := agent.NewMockLLMClient(nil, nil)
	provider := newStubProvider(terminalTool("finalize_plan", "WRITING", nil))

	tests := []struct {
		name    string
		cfg     dispatch.Config
		wantErr string
	}{
		{
			name:    "missing_context",
			cfg:     dispatch.Config{Tools: provider, Phase: "PLANNING"},
			wantErr: "Context is required",
		},
		{
			name:    "missing_tools",
			cfg:     dispatch.Config{Context: contextmgr.NewContextManager(), Phase: "PLANNING"},
			wantErr: "Tools is required",
		},
		{
			name:    "missing_phase",
			cfg:     dispatch.Config{Context: contextmgr.NewContextManager(), Tools: provider},
			wantErr: "Phase is required",
		},
		{
			name: "recorder_without_project_id",
			cfg: dispatch.Config{
				Context:  contextmgr.NewContextManager(),
				Tools:    provider,
				Phase:    "PLANNING",
				Recorder: &recorderStub{},
			},
			wantErr: "ProjectID is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := newDispatcher(client).Run(context.Background(), &tt.cfg)
			require.Equal(t, dispatch.OutcomeFatal, out.Kind)
			assert.Contains(t, out.Err.Error(), tt.wantErr)
		})
	}
}

func TestOutcomeKindString(t *testing.T) {
	assert.Equal(t, "Signal", dispatch.OutcomeSignal.String())
	assert.Equal(t, "Content", dispatch.OutcomeContent.String())
	assert.Equal(t, "Interrupted", dispatch.OutcomeInterrupted.String())
	assert.Equal(t, "IterationLimit", dispatch.OutcomeIterationLimit.String())
	assert.Equal(t, "Fatal", dispatch.OutcomeFatal.String())
}

func TestUsageAdd(t *testing.T) {
	total := dispatch.Usage{ModelCalls: 2, PromptTokens: 100, CompletionTokens: 50, Compressions: 1}
	total.Add(dispatch.Usage{ModelCalls: 3, PromptTokens: 400, CompletionTokens: 250})

	assert.Equal(t, dispatch.Usage{
		ModelCalls:       5,
		PromptTokens:     500,
		CompletionTokens: 300,
		Compressions:     1,
	}, total)
}
