// Package contextmgr maintains the conversation state for one writing
// pipeline: the ordered message history with tool calls and results, a
// buffered channel for user-origin input, token budget accounting, and
// threshold-triggered compression that summarizes older history while keeping
// the system prompt and the most recent turns verbatim.
//
// A ContextManager is owned by a single pipeline goroutine and is not safe
// for concurrent use.
package contextmgr

import (
	"fmt"
	"strings"
	"time"

	"longform/pkg/agent/llm"
	"longform/pkg/config"
	"longform/pkg/logx"
	"longform/pkg/utils"
)

// Provenance values record where a message originated. Callers may pass
// additional free-form values (e.g. "approval-feedback") through
// AddUserMessage.
const (
	ProvenanceSystemPrompt   = "system-prompt"
	ProvenanceModelOutput    = "model-output"
	ProvenanceToolResults    = "tool-results"
	ProvenanceUserInput      = "user-input"
	ProvenanceContextSummary = "context-summary"
	// ProvenanceAggregate marks a flushed user message built from fragments
	// with differing provenance.
	ProvenanceAggregate = "aggregate"
)

// Message is a single entry in the conversation history. Reasoning is kept
// for summaries and persistence but is never sent back to providers.
type Message struct {
	Role        llm.CompletionRole
	Content     string
	Reasoning   string
	Provenance  string
	ToolCalls   []llm.ToolCall
	ToolResults []llm.ToolResult
}

// Fragment is one piece of buffered user-origin input waiting to be flushed
// into a single user message before the next model call.
type Fragment struct {
	Timestamp  time.Time
	Provenance string
	Content    string
}

// ContextManager tracks conversation messages and their token cost against
// the configured context budget.
type ContextManager struct {
	messages           []Message
	userBuffer         []Fragment
	pendingToolCalls   []llm.ToolCall
	pendingToolResults []llm.ToolResult

	modelName            string
	counter              *utils.TokenCounter
	contextTokenLimit    int
	compressionThreshold int
	keepRecentTurns      int

	tokens       int // cached token count over messages
	compressions int

	logger *logx.Logger
}

// NewContextManager creates a context manager with the default generation
// model and token budget.
func NewContextManager() *ContextManager {
	return newContextManager(config.DefaultGenerationModel,
		config.DefaultContextTokenLimit,
		config.DefaultCompressionThreshold,
		config.DefaultKeepRecentTurns)
}

// NewContextManagerWithConfig creates a context manager sized from the
// generation settings. Zero or negative limits fall back to the defaults.
func NewContextManagerWithConfig(gen config.GenerationConfig) *ContextManager {
	model := gen.Model
	if model == "" {
		model = config.DefaultGenerationModel
	}
	limit := gen.ContextTokenLimit
	if limit <= 0 {
		limit = config.DefaultContextTokenLimit
	}
	threshold := gen.CompressionThreshold
	if threshold <= 0 {
		threshold = config.DefaultCompressionThreshold
	}
	keep := gen.KeepRecentTurns
	if keep <= 0 {
		keep = config.DefaultKeepRecentTurns
	}
	return newContextManager(model, limit, threshold, keep)
}

func newContextManager(model string, limit, threshold, keep int) *ContextManager {
	// NewTokenCounter only fails for unknown encodings; CountTokens on a nil
	// counter falls back to the len/4 estimate.
	counter, _ := utils.NewTokenCounter(model)
	return &ContextManager{
		messages:             make([]Message, 0),
		userBuffer:           make([]Fragment, 0),
		modelName:            model,
		counter:              counter,
		contextTokenLimit:    limit,
		compressionThreshold: threshold,
		keepRecentTurns:      keep,
		logger:               logx.NewLogger("contextmgr"),
	}
}

// ResetSystemPrompt sets the system message at the head of the conversation,
// replacing an existing one. The pipeline calls this on every phase entry so
// the persona always matches the current phase.
func (cm *ContextManager) ResetSystemPrompt(prompt string) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return
	}
	msg := Message{
		Role:       llm.RoleSystem,
		Content:    prompt,
		Provenance: ProvenanceSystemPrompt,
	}
	if len(cm.messages) > 0 && cm.messages[0].Role == llm.RoleSystem {
		cm.messages[0] = msg
	} else {
		cm.messages = append([]Message{msg}, cm.messages...)
	}
	cm.recountTokens()
}

// AddUserMessage buffers user-origin content with its provenance. Buffered
// fragments are coalesced into a single user message by FlushUserBuffer.
// Empty or whitespace-only content is ignored.
func (cm *ContextManager) AddUserMessage(provenance, content string) {
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}
	if provenance == "" {
		provenance = ProvenanceUserInput
	}
	cm.userBuffer = append(cm.userBuffer, Fragment{
		Timestamp:  time.Now(),
		Provenance: provenance,
		Content:    content,
	})
}

// FlushUserBuffer merges all buffered fragments into one user message,
// preserving arrival order. A no-op when the buffer is empty.
func (cm *ContextManager) FlushUserBuffer() {
	if len(cm.userBuffer) == 0 {
		return
	}
	parts := make([]string, 0, len(cm.userBuffer))
	provenance := cm.userBuffer[0].Provenance
	for i := range cm.userBuffer {
		parts = append(parts, cm.userBuffer[i].Content)
		if cm.userBuffer[i].Provenance != provenance {
			provenance = ProvenanceAggregate
		}
	}
	cm.appendMessage(Message{
		Role:       llm.RoleUser,
		Content:    strings.Join(parts, "\n\n"),
		Provenance: provenance,
	})
	cm.userBuffer = cm.userBuffer[:0]
}

// AddAssistantMessage appends a plain assistant message.
func (cm *ContextManager) AddAssistantMessage(content string) {
	cm.AddAssistantTurn(content, "", nil)
}

// AddAssistantTurn appends an assistant message with optional reasoning and
// tool calls. The tool calls become pending until their results are flushed
// via FlushToolResults. A turn with no content, reasoning, or tool calls is
// ignored.
func (cm *ContextManager) AddAssistantTurn(content, reasoning string, toolCalls []llm.ToolCall) {
	content = strings.TrimSpace(content)
	reasoning = strings.TrimSpace(reasoning)
	if content == "" && reasoning == "" && len(toolCalls) == 0 {
		return
	}
	msg := Message{
		Role:       llm.RoleAssistant,
		Content:    content,
		Reasoning:  reasoning,
		Provenance: ProvenanceModelOutput,
	}
	if len(toolCalls) > 0 {
		msg.ToolCalls = append([]llm.ToolCall(nil), toolCalls...)
		cm.pendingToolCalls = append([]llm.ToolCall(nil), toolCalls...)
	}
	cm.appendMessage(msg)
}

// AddToolResult records the outcome of one executed tool call. Results stay
// pending until FlushToolResults packages them into a user message.
func (cm *ContextManager) AddToolResult(result llm.ToolResult) {
	cm.pendingToolResults = append(cm.pendingToolResults, result)
}

// FlushToolResults appends the pending tool results as a single user message
// and clears the pending tool state. A no-op when no results are pending.
func (cm *ContextManager) FlushToolResults() {
	if len(cm.pendingToolResults) == 0 {
		return
	}
	cm.appendMessage(Message{
		Role:        llm.RoleUser,
		Provenance:  ProvenanceToolResults,
		ToolResults: cm.pendingToolResults,
	})
	cm.pendingToolResults = nil
	cm.pendingToolCalls = nil
}

// PendingToolCalls returns the tool calls from the latest assistant turn that
// have not been flushed yet.
func (cm *ContextManager) PendingToolCalls() []llm.ToolCall {
	return append([]llm.ToolCall(nil), cm.pendingToolCalls...)
}

// CompletionMessages converts the history into request message form.
// Reasoning is not forwarded: providers reject echoed thinking content.
func (cm *ContextManager) CompletionMessages() []llm.CompletionMessage {
	out := make([]llm.CompletionMessage, 0, len(cm.messages))
	for i := range cm.messages {
		m := &cm.messages[i]
		msg := llm.CompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		}
		if len(m.ToolCalls) > 0 {
			msg.ToolCalls = append([]llm.ToolCall(nil), m.ToolCalls...)
		}
		if len(m.ToolResults) > 0 {
			msg.ToolResults = append([]llm.ToolResult(nil), m.ToolResults...)
		}
		out = append(out, msg)
	}
	return out
}

// Messages returns a copy of the conversation history.
func (cm *ContextManager) Messages() []Message {
	out := make([]Message, len(cm.messages))
	copy(out, cm.messages)
	return out
}

// MessageCount returns the number of messages in the history, excluding
// buffered fragments and pending tool results.
func (cm *ContextManager) MessageCount() int {
	return len(cm.messages)
}

// CountTokens returns the estimated token usage of the conversation history.
func (cm *ContextManager) CountTokens() int {
	return cm.tokens
}

// ShouldCompress reports whether usage has reached the compression threshold.
func (cm *ContextManager) ShouldCompress() bool {
	return cm.tokens >= cm.compressionThreshold
}

// ContextTokenLimit returns the hard context budget.
func (cm *ContextManager) ContextTokenLimit() int {
	return cm.contextTokenLimit
}

// CompressionThreshold returns the usage level that triggers compression.
func (cm *ContextManager) CompressionThreshold() int {
	return cm.compressionThreshold
}

// Compressions returns how many times this conversation has been compressed.
func (cm *ContextManager) Compressions() int {
	return cm.compressions
}

// ModelName returns the model the token estimate is calibrated for.
func (cm *ContextManager) ModelName() string {
	return cm.modelName
}

// Clear removes all messages, buffered fragments, and pending tool state.
func (cm *ContextManager) Clear() {
	cm.messages = cm.messages[:0]
	cm.userBuffer = cm.userBuffer[:0]
	cm.pendingToolCalls = nil
	cm.pendingToolResults = nil
	cm.tokens = 0
}

// BudgetInfo returns a snapshot of the token budget state for status
// reporting.
func (cm *ContextManager) BudgetInfo() map[string]any {
	return map[string]any{
		"current_tokens":        cm.tokens,
		"context_token_limit":   cm.contextTokenLimit,
		"compression_threshold": cm.compressionThreshold,
		"keep_recent_turns":     cm.keepRecentTurns,
		"message_count":         len(cm.messages),
		"should_compress":       cm.ShouldCompress(),
		"compressions":          cm.compressions,
	}
}

// GetContextSummary returns a one-line description of the conversation state
// for logs.
func (cm *ContextManager) GetContextSummary() string {
	if len(cm.messages) == 0 {
		return "Empty context"
	}
	counts := map[llm.CompletionRole]int{}
	for i := range cm.messages {
		counts[cm.messages[i].Role]++
	}
	var roles []string
	for _, role := range []llm.CompletionRole{llm.RoleSystem, llm.RoleUser, llm.RoleAssistant} {
		if counts[role] > 0 {
			roles = append(roles, fmt.Sprintf("%s: %d", role, counts[role]))
		}
	}
	return fmt.Sprintf("Context: %d messages, ~%d tokens (%s)",
		len(cm.messages), cm.tokens, strings.Join(roles, ", "))
}

func (cm *ContextManager) appendMessage(msg Message) {
	cm.messages = append(cm.messages, msg)
	cm.tokens += cm.messageTokens(&msg)
}

// messageTokens estimates the token cost of one message: role, content,
// reasoning, tool call payloads, and tool result payloads.
func (cm *ContextManager) messageTokens(m *Message) int {
	n := cm.counter.CountTokens(string(m.Role)) + cm.counter.CountTokens(m.Content)
	if m.Reasoning != "" {
		n += cm.counter.CountTokens(m.Reasoning)
	}
	for i := range m.ToolCalls {
		tc := &m.ToolCalls[i]
		n += cm.counter.CountTokens(tc.Name)
		n += cm.counter.CountTokens(renderParams(tc.Parameters))
	}
	for i := range m.ToolResults {
		tr := &m.ToolResults[i]
		n += cm.counter.CountTokens(tr.Name)
		n += cm.counter.CountTokens(tr.Content)
	}
	return n
}

func (cm *ContextManager) recountTokens() {
	total := 0
	for i := range cm.messages {
		total += cm.messageTokens(&cm.messages[i])
	}
	cm.tokens = total
}
