package pipeline

import (
	"sync"

	llmmetrics "longform/pkg/agent/middleware/metrics"
)

// Persona roles, one per phase. Model-client middleware labels its metrics
// and log lines with the role that issued the call.
const (
	RolePlanner     = "planner"
	RolePlanCritic  = "plan_critic"
	RoleWriter      = "writer"
	RoleWriteCritic = "write_critic"
)

// RoleForPhase maps a phase to the persona that runs it.
func RoleForPhase(p Phase) string {
	switch p {
	case PhasePlanning:
		return RolePlanner
	case PhasePlanCritique:
		return RolePlanCritic
	case PhaseWriting:
		return RoleWriter
	case PhaseWriteCritique:
		return RoleWriteCritic
	default:
		return "pipeline"
	}
}

// Probe exposes the live phase and role of a running pipeline to model-client
// middleware, which may read it from streaming goroutines. A nil Probe is
// valid and ignores updates.
type Probe struct {
	mu        sync.Mutex
	projectID string
	phase     Phase
}

var _ llmmetrics.StateProvider = (*Probe)(nil)

// NewProbe creates a probe for a project, starting in PLANNING.
func NewProbe(projectID string) *Probe {
	return &Probe{projectID: projectID, phase: PhasePlanning}
}

func (p *Probe) set(phase Phase) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.phase = phase
}

// GetPhase returns the phase of the call in flight.
func (p *Probe) GetPhase() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return string(p.phase)
}

// GetProjectID returns the project the pipeline is running.
func (p *Probe) GetProjectID() string {
	return p.projectID
}

// GetRole returns the persona issuing the call in flight.
func (p *Probe) GetRole() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return RoleForPhase(p.phase)
}
