// Pipeline-level collectors: phase movement, critique rounds, checkpoint
// decisions, and per-project progress. Model traffic is instrumented
// separately by the client middleware.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// defaultNamespace prefixes the pipeline collectors when the configuration
// does not set one.
const defaultNamespace = "longform"

// Pipeline records the pipeline's own activity. A nil *Pipeline is valid and
// drops every observation, so callers never guard their instrumentation.
type Pipeline struct {
	phaseTransitions *prometheus.CounterVec
	critiqueRounds   *prometheus.CounterVec
	approvals        *prometheus.CounterVec
	chunksApproved   *prometheus.GaugeVec
	progress         *prometheus.GaugeVec
}

//nolint:gochecknoglobals // Collectors register on the default registry once per process
var (
	pipelineInstance *Pipeline
	pipelineOnce     sync.Once
)

// NewPipeline returns the process-wide pipeline collectors. The collectors
// register on the default registry, so construction is guarded by sync.Once
// to keep repeated manager setup from panicking.
func NewPipeline(namespace string) *Pipeline {
	pipelineOnce.Do(func() {
		pipelineInstance = newPipeline(namespace)
	})
	return pipelineInstance
}

func newPipeline(namespace string) *Pipeline {
	if namespace == "" {
		namespace = defaultNamespace
	}
	return &Pipeline{
		phaseTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "phase_transitions_total",
				Help:      "Phase transitions by project, source, and destination",
			},
			[]string{"project_id", "from", "to"},
		),
		critiqueRounds: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "critique_rounds_total",
				Help:      "Critique rounds recorded, by project and kind (plan or chunk)",
			},
			[]string{"project_id", "kind"},
		),
		approvals: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "approval_decisions_total",
				Help:      "Checkpoint decisions by project, checkpoint, and status",
			},
			[]string{"project_id", "checkpoint", "status"},
		),
		chunksApproved: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "chunks_approved",
				Help:      "Number of chunks approved so far, by project",
			},
			[]string{"project_id"},
		),
		progress: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "progress_percent",
				Help:      "Estimated overall completion percentage, by project",
			},
			[]string{"project_id"},
		),
	}
}

// PhaseTransition counts one phase change.
func (p *Pipeline) PhaseTransition(projectID, from, to string) {
	if p == nil {
		return
	}
	p.phaseTransitions.WithLabelValues(projectID, from, to).Inc()
}

// CritiqueRound counts one recorded critique round. Kind is "plan" or
// "chunk".
func (p *Pipeline) CritiqueRound(projectID, kind string) {
	if p == nil {
		return
	}
	p.critiqueRounds.WithLabelValues(projectID, kind).Inc()
}

// ApprovalDecision counts one checkpoint decision.
func (p *Pipeline) ApprovalDecision(projectID, checkpoint, status string) {
	if p == nil {
		return
	}
	p.approvals.WithLabelValues(projectID, checkpoint, status).Inc()
}

// ChunksApproved sets the approved-chunk gauge for a project.
func (p *Pipeline) ChunksApproved(projectID string, n int) {
	if p == nil {
		return
	}
	p.chunksApproved.WithLabelValues(projectID).Set(float64(n))
}

// Progress sets the completion gauge for a project.
func (p *Pipeline) Progress(projectID string, pct float64) {
	if p == nil {
		return
	}
	p.progress.WithLabelValues(projectID).Set(pct)
}
