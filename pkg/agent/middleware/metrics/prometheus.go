// Prometheus-based recorder for LLM operations.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusRecorder implements the Recorder interface using Prometheus metrics.
type PrometheusRecorder struct {
	requestsTotal   *prometheus.CounterVec
	tokensTotal     *prometheus.CounterVec
	costsTotal      *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

//nolint:gochecknoglobals // Collectors register on the default registry once per process
var (
	prometheusInstance *PrometheusRecorder
	prometheusOnce     sync.Once
)

// NewPrometheusRecorder returns the process-wide Prometheus recorder.
// The collectors register on the default registry, so construction is
// guarded by sync.Once to keep repeated factory setup from panicking.
func NewPrometheusRecorder() *PrometheusRecorder {
	prometheusOnce.Do(func() {
		prometheusInstance = newPrometheusRecorder()
	})
	return prometheusInstance
}

func newPrometheusRecorder() *PrometheusRecorder {
	return &PrometheusRecorder{
		requestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_requests_total",
				Help: "Total number of LLM requests by model, project, role, phase, and status",
			},
			[]string{"model", "project_id", "role", "phase", "status", "error_type"},
		),
		tokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_tokens_total",
				Help: "Total number of tokens used in LLM requests",
			},
			[]string{"model", "project_id", "role", "phase", "type"},
		),
		costsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_costs_total",
				Help: "Total cost in USD for LLM requests",
			},
			[]string{"model", "project_id", "role", "phase"},
		),
		requestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llm_request_duration_seconds",
				Help:    "Duration of LLM requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model", "role", "phase"},
		),
	}
}

// ObserveRequest records metrics for a completed LLM request.
func (p *PrometheusRecorder) ObserveRequest(
	model, projectID, role, phase string,
	promptTokens, completionTokens int,
	cost float64,
	success bool,
	errorType string,
	duration time.Duration,
) {
	status := "success"
	if !success {
		status = "error"
	}

	p.requestsTotal.WithLabelValues(model, projectID, role, phase, status, errorType).Inc()

	// Tokens and costs only accrue on success.
	if success {
		p.tokensTotal.WithLabelValues(model, projectID, role, phase, "prompt").Add(float64(promptTokens))
		p.tokensTotal.WithLabelValues(model, projectID, role, phase, "completion").Add(float64(completionTokens))
		p.costsTotal.WithLabelValues(model, projectID, role, phase).Add(cost)
	}

	p.requestDuration.WithLabelValues(model, role, phase).Observe(duration.Seconds())
}
