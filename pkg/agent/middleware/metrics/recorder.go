// Package metrics provides metrics recording for LLM client operations.
package metrics

import (
	"time"
)

// StateProvider provides access to pipeline state for metrics labeling.
type StateProvider interface {
	// GetPhase returns the current pipeline phase (PLANNING, WRITING, etc).
	GetPhase() string
	// GetProjectID returns the project the agent is working on.
	GetProjectID() string
	// GetRole returns the agent role (architect, writer, critic).
	GetRole() string
}

// Recorder defines the interface for recording LLM operation metrics.
type Recorder interface {
	// ObserveRequest records metrics for a completed LLM request.
	ObserveRequest(
		model, projectID, role, phase string,
		promptTokens, completionTokens int,
		cost float64,
		success bool,
		errorType string,
		duration time.Duration,
	)
}

// NoopRecorder implements Recorder with no-op behavior for when metrics are disabled.
type NoopRecorder struct{}

// Nop returns a no-op metrics recorder that discards all metrics.
func Nop() Recorder {
	return &NoopRecorder{}
}

// ObserveRequest does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveRequest(
	_, _, _, _ string,
	_, _ int,
	_ float64,
	_ bool,
	_ string,
	_ time.Duration,
) {
	// No-op
}

// multiRecorder fans observations out to several recorders.
type multiRecorder struct {
	recorders []Recorder
}

// Multi returns a Recorder that forwards every observation to all the given
// recorders. Nil entries are skipped.
func Multi(recorders ...Recorder) Recorder {
	filtered := make([]Recorder, 0, len(recorders))
	for _, r := range recorders {
		if r != nil {
			filtered = append(filtered, r)
		}
	}
	return &multiRecorder{recorders: filtered}
}

// ObserveRequest forwards the observation to every wrapped recorder.
func (m *multiRecorder) ObserveRequest(
	model, projectID, role, phase string,
	promptTokens, completionTokens int,
	cost float64,
	success bool,
	errorType string,
	duration time.Duration,
) {
	for _, r := range m.recorders {
		r.ObserveRequest(model, projectID, role, phase, promptTokens, completionTokens, cost, success, errorType, duration)
	}
}
