package dispatch

import "errors"

var (
	// ErrInterrupted indicates the run stopped at a suspension point before
	// its phase finished: the context was canceled or a pause was requested.
	// This is a normal termination for pause and shutdown, not a failure.
	// The conversation state is intact; resuming re-enters the loop.
	ErrInterrupted = errors.New("dispatch interrupted")

	// ErrTurnLimit indicates the configured maximum number of model turns
	// completed without a terminal tool signaling a transition.
	ErrTurnLimit = errors.New("model turn limit reached")
)
