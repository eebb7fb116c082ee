// Package dispatch drives one agent phase of the writing pipeline: the
// model-call / tool-execution cycle that repeats until a terminal tool
// signals a phase transition or the model stops calling tools. Every tool
// result is appended to the conversation before the next model call, and
// every finalized turn is handed to the configured Recorder in order.
// Streamed output is observational only; control flow acts exclusively on
// finalized responses.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"longform/pkg/agent/llm"
	"longform/pkg/agent/llmerrors"
	"longform/pkg/config"
	"longform/pkg/contextmgr"
	"longform/pkg/logx"
	"longform/pkg/persistence"
	"longform/pkg/tools"
	"longform/pkg/workspace"
)

// defaultMaxTokens bounds a model response when the caller does not size it
// from the model registry.
const defaultMaxTokens = 4096

// noToolReminder is injected after a turn with no tool calls. The model gets
// exactly one reminder; a second tool-less turn ends the run.
const noToolReminder = "You did not call any tool. All work in this phase happens through tool calls. " +
	"Use one of the available tools to continue, or call the terminal tool if the phase is complete."

// ToolProvider supplies the phase toolset.
type ToolProvider interface {
	Get(name string) (tools.Tool, error)
	Definitions() []tools.ToolDefinition
}

// Recorder receives the durable events of a dispatch run: finalized
// conversation turns, tool executions, and compression summaries. The
// sqlite operations layer satisfies it directly; recording failures are
// logged and never interrupt the run.
type Recorder interface {
	AppendTurn(turn *persistence.ConversationTurn) error
	InsertToolExecution(exec *persistence.ToolExecution) error
	InsertContextSummary(summary *persistence.ContextSummary) error
}

var _ Recorder = (*persistence.DatabaseOperations)(nil)

// Dispatcher runs phase conversations against one model client.
type Dispatcher struct {
	client llm.LLMClient
	logger *logx.Logger
}

// New creates a dispatcher bound to a model client.
func New(client llm.LLMClient, logger *logx.Logger) *Dispatcher {
	if logger == nil {
		logger = logx.NewLogger("dispatch")
	}
	return &Dispatcher{client: client, logger: logger}
}

// Config defines one dispatch run.
//
//nolint:govet // fieldalignment: struct fields ordered for clarity over memory alignment
type Config struct {
	// Context is the conversation state for this phase. The dispatcher
	// flushes buffered user input and pending tool results before every
	// model call and compresses when the budget threshold is crossed.
	Context *contextmgr.ContextManager

	// Tools provides the phase toolset.
	Tools ToolProvider

	// Recorder receives finalized turns, tool executions, and compression
	// summaries. Optional; nil disables persistence.
	Recorder Recorder

	// Workspace, when set, receives a markdown export of every compression
	// summary under its history directory.
	Workspace *workspace.Project

	// Interrupt is consulted before each model call. A true return stops
	// the run with OutcomeInterrupted. The manager wires the project pause
	// flag here.
	Interrupt func() bool

	// OnApply is invoked with every map-shaped tool result, refusals
	// included, before the next tool in the same turn executes. The
	// pipeline folds state changes ("total_chunks", "chunk_approved",
	// "auto_approve", ...) into project state here. Executions that fail
	// outright produce no result map and are never applied. A non-nil
	// error is fatal for the run.
	OnApply func(call *llm.ToolCall, result map[string]any) error

	// OnAssistantTurn observes each finalized assistant turn. Observation
	// never drives control flow.
	OnAssistantTurn func(content, reasoning string, toolCalls []llm.ToolCall)

	// OnTurnEnd runs after a turn's tool results are fully applied and
	// flushed, before a terminal signal is surfaced or the next model call
	// starts. The pipeline snapshots resumable state here, so a crash loses
	// at most the in-flight turn. A non-nil error is fatal for the run.
	OnTurnEnd func() error

	// ProjectID stamps persisted records. Required when Recorder is set.
	ProjectID string

	// Phase labels logs and persisted records (e.g. "PLANNING").
	Phase string

	// InitialPrompt is buffered as user input before the first call.
	// Optional; the conversation may already carry the prompt.
	InitialPrompt string

	// MaxIterations caps model turns for this run. Zero or negative uses
	// the configured per-phase default.
	MaxIterations int

	// MaxTokens bounds each model response. Zero or negative uses a
	// conservative default; callers normally size it from the model registry.
	MaxTokens int

	// Temperature for model calls. Zero or negative uses the creative
	// default.
	Temperature float32
}

func (cfg *Config) validate() error {
	if cfg.Context == nil {
		return fmt.Errorf("dispatch: Context is required")
	}
	if cfg.Tools == nil {
		return fmt.Errorf("dispatch: Tools is required")
	}
	if cfg.Phase == "" {
		return fmt.Errorf("dispatch: Phase is required")
	}
	if cfg.Recorder != nil && cfg.ProjectID == "" {
		return fmt.Errorf("dispatch: ProjectID is required when a Recorder is set")
	}
	return nil
}

// Run executes the turn loop until a terminal tool fires, the model stops
// calling tools, an interrupt is requested, the turn cap is reached, or a
// fatal error occurs. The returned Outcome's Kind tells the caller which.
func (d *Dispatcher) Run(ctx context.Context, cfg *Config) Outcome {
	if err := cfg.validate(); err != nil {
		return Outcome{Kind: OutcomeFatal, Err: err}
	}
	maxIterations := cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = config.DefaultMaxIterationsPerPhase
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	temperature := cfg.Temperature
	if temperature <= 0 {
		temperature = llm.TemperatureCreative
	}

	cm := cfg.Context
	if cfg.InitialPrompt != "" {
		cm.AddUserMessage(contextmgr.ProvenanceUserInput, cfg.InitialPrompt)
	}

	toolDefs := cfg.Tools.Definitions()
	var usage Usage
	noToolTurns := 0

	for iteration := 1; iteration <= maxIterations; iteration++ {
		// Suspension point: pause and shutdown are honored between turns,
		// never in the middle of a tool batch.
		if err := d.checkInterrupt(ctx, cfg); err != nil {
			d.logger.Info("⚠️  Dispatch interrupted before turn %d of %s: %v", iteration, cfg.Phase, err)
			return Outcome{Kind: OutcomeInterrupted, Err: err, Iterations: iteration - 1, Usage: usage}
		}

		d.flushPending(cfg)

		if cm.ShouldCompress() {
			if err := d.compress(ctx, cfg, &usage); err != nil {
				return Outcome{Kind: OutcomeFatal, Err: err, Iterations: iteration - 1, Usage: usage}
			}
		}

		promptTokens := cm.CountTokens()
		req := llm.CompletionRequest{
			Messages:    cm.CompletionMessages(),
			Tools:       toolDefs,
			MaxTokens:   maxTokens,
			Temperature: temperature,
		}

		d.logger.Info("🔄 Starting model call to '%s' with %d messages, ~%d prompt tokens, %d tools (turn %d/%d)",
			d.client.GetModelName(), len(req.Messages), promptTokens, len(toolDefs), iteration, maxIterations)

		start := time.Now()
		resp, err := d.client.Complete(ctx, req)
		duration := time.Since(start)

		if err != nil {
			if ctx.Err() != nil {
				d.logger.Warn("⚠️  Model call aborted by cancellation after %.3gs", duration.Seconds())
				return Outcome{
					Kind:       OutcomeInterrupted,
					Err:        fmt.Errorf("%w: %v", ErrInterrupted, ctx.Err()),
					Iterations: iteration - 1,
					Usage:      usage,
				}
			}
			d.logger.Error("❌ Model call failed after %.3gs (%s): %v",
				duration.Seconds(), llmerrors.TypeOf(err), err)
			return Outcome{
				Kind:       OutcomeFatal,
				Err:        fmt.Errorf("model completion failed: %w", err),
				Iterations: iteration - 1,
				Usage:      usage,
			}
		}

		d.logger.Info("✅ Model call completed in %.3gs, response length: %d chars, tool calls: %d",
			duration.Seconds(), len(resp.Content), len(resp.ToolCalls))

		cm.AddAssistantTurn(resp.Content, resp.Reasoning, resp.ToolCalls)
		usage.ModelCalls++
		usage.PromptTokens += int64(promptTokens)
		usage.CompletionTokens += int64(cm.CountTokens() - promptTokens)
		d.recordTurn(cfg, llm.RoleAssistant, resp.Content, resp.Reasoning, resp.ToolCalls, nil)
		if cfg.OnAssistantTurn != nil {
			cfg.OnAssistantTurn(resp.Content, resp.Reasoning, resp.ToolCalls)
		}

		if len(resp.ToolCalls) == 0 {
			noToolTurns++
			if noToolTurns >= 2 {
				d.logger.Warn("⚠️  Model stopped calling tools in %s after %d turns", cfg.Phase, iteration)
				return Outcome{Kind: OutcomeContent, Content: resp.Content, Iterations: iteration, Usage: usage}
			}
			d.logger.Warn("⚠️  Model response had no tool calls, sending one reminder")
			cm.AddUserMessage(contextmgr.ProvenanceUserInput, noToolReminder)
			continue
		}
		noToolTurns = 0

		signal, applyErr := d.executeToolCalls(ctx, cfg, resp.ToolCalls)
		d.flushPending(cfg)
		if applyErr != nil {
			d.logger.Error("❌ Applying tool results failed: %v", applyErr)
			return Outcome{Kind: OutcomeFatal, Err: applyErr, Iterations: iteration, Usage: usage}
		}
		if cfg.OnTurnEnd != nil {
			if err := cfg.OnTurnEnd(); err != nil {
				d.logger.Error("❌ Turn checkpoint failed: %v", err)
				return Outcome{
					Kind:       OutcomeFatal,
					Err:        fmt.Errorf("turn checkpoint failed: %w", err),
					Iterations: iteration,
					Usage:      usage,
				}
			}
		}
		if signal != "" {
			d.logger.Info("✅ Terminal tool signaled transition: %s → %s", cfg.Phase, signal)
			return Outcome{Kind: OutcomeSignal, Signal: signal, Content: resp.Content, Iterations: iteration, Usage: usage}
		}

		d.logger.Info("🔄 Tools executed, continuing turn loop")
	}

	d.logger.Warn("⚠️  Maximum model turns (%d) reached in %s without a terminal signal", maxIterations, cfg.Phase)
	return Outcome{
		Kind:       OutcomeIterationLimit,
		Err:        fmt.Errorf("%w: %d turns in %s", ErrTurnLimit, maxIterations, cfg.Phase),
		Iterations: maxIterations,
		Usage:      usage,
	}
}

// checkInterrupt reports whether the run should stop at this suspension point.
func (d *Dispatcher) checkInterrupt(ctx context.Context, cfg *Config) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrInterrupted, err)
	}
	if cfg.Interrupt != nil && cfg.Interrupt() {
		return fmt.Errorf("%w: pause requested", ErrInterrupted)
	}
	return nil
}

// flushPending finalizes deferred conversation input: tool results from the
// last executed batch (or from a resumed snapshot), then buffered user
// input. Every message appended here lands in the conversation log.
func (d *Dispatcher) flushPending(cfg *Config) {
	cm := cfg.Context
	before := cm.MessageCount()
	cm.FlushToolResults()
	cm.FlushUserBuffer()
	if cfg.Recorder == nil {
		return
	}
	msgs := cm.Messages()
	for i := before; i < len(msgs); i++ {
		m := &msgs[i]
		d.recordTurn(cfg, m.Role, m.Content, m.Reasoning, m.ToolCalls, m.ToolResults)
	}
}

// compress summarizes older history once the budget threshold is crossed.
// It must land the conversation strictly under the threshold; failure is
// fatal for the run (the caller moves the project to FAILED).
func (d *Dispatcher) compress(ctx context.Context, cfg *Config, usage *Usage) error {
	res, err := cfg.Context.Compress(ctx, d.client)
	if err != nil {
		d.logger.Error("❌ Context compression failed: %v", err)
		return err
	}
	if res.MessagesCompressed == 0 {
		return nil
	}
	usage.ModelCalls++
	usage.Compressions++
	d.recordCompression(cfg, res)
	return nil
}

// recordCompression exports the summary to the workspace history directory
// and persists it alongside the conversation log.
func (d *Dispatcher) recordCompression(cfg *Config, res *contextmgr.CompressionResult) {
	if cfg.Workspace != nil {
		rel := workspace.ContextSummaryPath(res.CompressedAt)
		if err := cfg.Workspace.WriteFile(rel, []byte(res.Markdown())); err != nil {
			d.logger.Warn("⚠️  Failed to export context summary to %s: %v", rel, err)
		} else {
			d.logger.Info("📝 Context summary exported to %s", rel)
		}
	}
	if cfg.Recorder == nil {
		return
	}
	summary := &persistence.ContextSummary{
		ID:                 persistence.GenerateSummaryID(),
		CreatedAt:          res.CompressedAt,
		ProjectID:          cfg.ProjectID,
		Phase:              cfg.Phase,
		Summary:            res.Summary,
		MessagesCompressed: res.MessagesCompressed,
		MessagesRetained:   res.MessagesRetained,
		TokensBefore:       int64(res.TokensBefore),
		TokensAfter:        int64(res.TokensAfter),
	}
	if err := cfg.Recorder.InsertContextSummary(summary); err != nil {
		d.logger.Warn("⚠️  Failed to persist context summary: %v", err)
	}
}

// executeToolCalls runs every call in the batch in order. Every map-shaped
// result is applied through OnApply before the next call executes, including
// refusals (success=false): a refusal can still carry state flags, such as
// the auto-approve marker from a critique tool at its round cap. Failed
// executions never produce a result map, so validation and exec errors leave
// pipeline state untouched. Only successful results can signal a transition;
// the first terminal signal wins and later conflicting signals are logged
// and ignored. An OnApply error aborts the batch.
func (d *Dispatcher) executeToolCalls(ctx context.Context, cfg *Config, calls []llm.ToolCall) (string, error) {
	d.logger.Info("Processing %d tool calls", len(calls))
	cm := cfg.Context
	signal := ""
	for i := range calls {
		call := &calls[i]
		d.logger.Info("Executing tool: %s", call.Name)

		content, isError, result := d.executeOne(ctx, cfg, call)
		cm.AddToolResult(llm.ToolResult{
			ToolCallID: call.ID,
			Name:       call.Name,
			Content:    content,
			IsError:    isError,
		})

		resultMap, ok := result.(map[string]any)
		if !ok {
			continue
		}
		if cfg.OnApply != nil {
			if err := cfg.OnApply(call, resultMap); err != nil {
				return "", fmt.Errorf("applying %s result: %w", call.Name, err)
			}
		}
		if isError {
			continue
		}
		if s, _ := resultMap["next_state"].(string); s != "" {
			switch {
			case signal == "":
				signal = s
			case s != signal:
				d.logger.Warn("⚠️  Conflicting terminal signals in one turn: keeping %s, ignoring %s from %s",
					signal, s, call.Name)
			}
		}
	}
	return signal, nil
}

// executeOne resolves, validates, and executes a single tool call, then
// records the execution. Invalid arguments are rejected locally and never
// reach Exec, so pipeline state is untouched.
func (d *Dispatcher) executeOne(ctx context.Context, cfg *Config, call *llm.ToolCall) (string, bool, any) {
	start := time.Now()
	result, execErr := d.invoke(ctx, cfg, call)
	duration := time.Since(start)

	content, isError := renderToolResult(result, execErr)
	if execErr != nil {
		d.logger.Error("Tool %s failed after %.3fs: %v", call.Name, duration.Seconds(), execErr)
	} else {
		d.logger.Info("Tool %s completed in %.3fs", call.Name, duration.Seconds())
	}
	d.recordToolExecution(cfg, call, content, execErr, isError, duration)

	if execErr != nil {
		return content, true, nil
	}
	return content, isError, result
}

func (d *Dispatcher) invoke(ctx context.Context, cfg *Config, call *llm.ToolCall) (any, error) {
	tool, err := cfg.Tools.Get(call.Name)
	if err != nil {
		return nil, err
	}
	if err := tools.ValidateArgs(tool.Definition(), call.Parameters); err != nil {
		return nil, err
	}
	return tool.Exec(ctx, call.Parameters)
}

// renderToolResult converts a tool execution result to the string sent back
// to the model. A result map with success=false is marked as an error so
// the model sees the failure and self-corrects.
func renderToolResult(result any, execErr error) (string, bool) {
	if execErr != nil {
		return fmt.Sprintf("Tool failed: %v", execErr), true
	}
	isError := false
	if m, ok := result.(map[string]any); ok {
		if success, ok := m["success"].(bool); ok && !success {
			isError = true
		}
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("%v", result), isError
	}
	return string(data), isError
}

// recordTurn appends one finalized turn to the conversation log. Failures
// are logged, never fatal: the conversation itself lives in the context
// manager and the state snapshot.
func (d *Dispatcher) recordTurn(cfg *Config, role llm.CompletionRole, content, reasoning string,
	calls []llm.ToolCall, results []llm.ToolResult) {
	if cfg.Recorder == nil {
		return
	}
	turn := &persistence.ConversationTurn{
		ID:        persistence.GenerateTurnID(),
		CreatedAt: time.Now(),
		ProjectID: cfg.ProjectID,
		Phase:     cfg.Phase,
		Role:      string(role),
		Content:   content,
		Reasoning: reasoning,
	}
	if len(calls) > 0 {
		if data, err := json.Marshal(calls); err == nil {
			turn.ToolCallsJSON = string(data)
		}
	}
	if len(results) > 0 {
		if data, err := json.Marshal(results); err == nil {
			turn.ToolResultsJSON = string(data)
		}
	}
	if err := cfg.Recorder.AppendTurn(turn); err != nil {
		d.logger.Warn("⚠️  Failed to persist %s turn: %v", role, err)
	}
}

func (d *Dispatcher) recordToolExecution(cfg *Config, call *llm.ToolCall, content string,
	execErr error, isError bool, duration time.Duration) {
	if cfg.Recorder == nil {
		return
	}
	exec := &persistence.ToolExecution{
		ID:         persistence.GenerateToolExecutionID(),
		CreatedAt:  time.Now(),
		ProjectID:  cfg.ProjectID,
		Phase:      cfg.Phase,
		ToolName:   call.Name,
		ToolID:     call.ID,
		DurationMS: duration.Milliseconds(),
		IsError:    isError,
	}
	if data, err := json.Marshal(call.Parameters); err == nil {
		exec.ArgsJSON = string(data)
	}
	if execErr != nil {
		exec.Error = execErr.Error()
	} else {
		exec.Result = content
	}
	if err := cfg.Recorder.InsertToolExecution(exec); err != nil {
		d.logger.Warn("⚠️  Failed to persist tool execution %s: %v", call.Name, err)
	}
}
