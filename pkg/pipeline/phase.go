// Package pipeline drives one writing project through its phases: the
// four-agent plan/critique/write/review cycle, the human checkpoint gates,
// and the crash-safe state snapshots that make every run resumable. The
// machine is single-threaded per project; all concurrency control lives in
// the manager that owns the project goroutines.
package pipeline

import (
	"fmt"
	"sort"
)

// Phase names a pipeline state. Phases only ever move forward or sideways
// within the writing loop; critique rejections re-enter the loop rather than
// regressing the enum.
type Phase string

// Phase constants - single source of truth for phase names. COMPLETE and
// FAILED are terminal.
const (
	PhasePlanning      Phase = "PLANNING"
	PhasePlanCritique  Phase = "PLAN_CRITIQUE"
	PhaseWriting       Phase = "WRITING"
	PhaseWriteCritique Phase = "WRITE_CRITIQUE"
	PhaseComplete      Phase = "COMPLETE"
	PhaseFailed        Phase = "FAILED"
)

// PhaseTransitions defines the canonical transition map. It is the single
// source of truth; the machine validates every transition against it.
// FAILED is reachable from every non-terminal phase and is listed per row.
//
//nolint:gochecknoglobals // Static transition table
var PhaseTransitions = map[Phase][]Phase{
	// PLANNING produces the four planning documents, then hands the plan to
	// the story editor for critique.
	PhasePlanning: {PhasePlanCritique, PhaseFailed},

	// PLAN_CRITIQUE loops critique/revision internally. Approval (human or
	// critic, including cap auto-approval) moves to WRITING; rejected
	// checkpoints stay here.
	PhasePlanCritique: {PhaseWriting, PhaseFailed},

	// WRITING drafts or revises one chunk, then submits it for review.
	PhaseWriting: {PhaseWriteCritique, PhaseFailed},

	// WRITE_CRITIQUE either sends the chunk back for revision (→WRITING),
	// accepts it and moves to the next chunk (→WRITING), or accepts the last
	// chunk (→COMPLETE).
	PhaseWriteCritique: {PhaseWriting, PhaseComplete, PhaseFailed},

	// COMPLETE and FAILED are terminal.
	PhaseComplete: {},
	PhaseFailed:   {},
}

// ValidPhases returns all phases in deterministic order.
func ValidPhases() []Phase {
	phases := make([]Phase, 0, len(PhaseTransitions))
	for p := range PhaseTransitions {
		phases = append(phases, p)
	}
	sort.Slice(phases, func(i, j int) bool { return phases[i] < phases[j] })
	return phases
}

// ValidatePhase checks that a phase name is known.
func ValidatePhase(p Phase) error {
	if _, ok := PhaseTransitions[p]; !ok {
		return fmt.Errorf("invalid pipeline phase: %s", p)
	}
	return nil
}

// IsValidTransition reports whether moving from one phase to another is
// allowed by the canonical transition map.
func IsValidTransition(from, to Phase) bool {
	allowed, ok := PhaseTransitions[from]
	if !ok {
		return false
	}
	for _, p := range allowed {
		if p == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the phase ends the pipeline.
func (p Phase) IsTerminal() bool {
	return p == PhaseComplete || p == PhaseFailed
}

// String returns the phase name.
func (p Phase) String() string {
	return string(p)
}
