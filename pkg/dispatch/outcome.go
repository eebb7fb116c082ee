package dispatch

import "fmt"

// OutcomeKind categorizes how a dispatch run ended.
type OutcomeKind int

const (
	// OutcomeSignal indicates a terminal tool fired. Signal carries the
	// requested transition (e.g. "PLAN_CRITIQUE", "WRITING", "COMPLETE").
	OutcomeSignal OutcomeKind = iota

	// OutcomeContent indicates the model produced two consecutive turns
	// without tool calls, despite one reminder. Content carries the final
	// assistant text. The phase did not reach a terminal tool.
	OutcomeContent

	// OutcomeInterrupted indicates the run stopped at a suspension point:
	// the context was canceled or the Interrupt check requested a pause.
	// The conversation state is intact and the run can be resumed.
	OutcomeInterrupted

	// OutcomeIterationLimit indicates MaxIterations model turns completed
	// without a terminal signal. Err wraps ErrTurnLimit.
	OutcomeIterationLimit

	// OutcomeFatal indicates an unrecoverable failure: the model client
	// failed after its retries were exhausted, compression could not bring
	// the conversation under budget, or applying a tool result failed.
	OutcomeFatal
)

// String returns the human-readable name for an OutcomeKind.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSignal:
		return "Signal"
	case OutcomeContent:
		return "Content"
	case OutcomeInterrupted:
		return "Interrupted"
	case OutcomeIterationLimit:
		return "IterationLimit"
	case OutcomeFatal:
		return "Fatal"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", k)
	}
}

// Usage aggregates the model traffic of one dispatch run. Token counts are
// tokenizer estimates over the conversation, not provider-reported usage.
type Usage struct {
	ModelCalls       int64
	PromptTokens     int64
	CompletionTokens int64
	Compressions     int64
}

// Add accumulates another run's usage into this one.
func (u *Usage) Add(other Usage) {
	u.ModelCalls += other.ModelCalls
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.Compressions += other.Compressions
}

// Outcome is the result of one dispatch run.
//
//nolint:govet // fieldalignment: field order optimized for readability
type Outcome struct {
	// Kind categorizes what ended the run.
	Kind OutcomeKind

	// Signal is the phase transition requested by a terminal tool.
	// Only set when Kind == OutcomeSignal.
	Signal string

	// Content is the text of the final assistant turn.
	Content string

	// Err is the underlying error. Nil for OutcomeSignal and OutcomeContent.
	// For OutcomeFatal, check with errors helpers for the specific cause
	// (llmerrors.IsServiceUnavailable, contextmgr.IsBudgetOverflow).
	Err error

	// Iterations is the number of completed model turns, excluding
	// compression summary calls.
	Iterations int

	// Usage is the accumulated model traffic, including compression calls.
	Usage Usage
}
