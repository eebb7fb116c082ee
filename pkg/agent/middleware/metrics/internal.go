// In-memory per-project usage aggregation.
package metrics

import (
	"sync"
	"time"
)

// InternalRecorder implements the Recorder interface using in-memory aggregation.
// The HTTP layer reads it to report cumulative token and cost usage per project
// without a Prometheus deployment.
type InternalRecorder struct {
	projects map[string]*ProjectUsage // projectID -> aggregated usage
	mu       sync.RWMutex
}

// ProjectUsage represents aggregated LLM usage for one project.
//
//nolint:govet
type ProjectUsage struct {
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
	RequestCount     int64     `json:"request_count"`
	TotalCost        float64   `json:"total_cost_usd"`
	ProjectID        string    `json:"project_id"`
	LastUpdated      time.Time `json:"last_updated"`
}

var (
	// Singleton instance and initialization synchronization.
	internalInstance *InternalRecorder //nolint:gochecknoglobals
	internalOnce     sync.Once         //nolint:gochecknoglobals
)

// NewInternalRecorder returns a singleton internal metrics recorder.
func NewInternalRecorder() *InternalRecorder {
	internalOnce.Do(func() {
		internalInstance = &InternalRecorder{
			projects: make(map[string]*ProjectUsage),
		}
	})
	return internalInstance
}

// ObserveRequest records usage for a completed LLM request.
func (r *InternalRecorder) ObserveRequest(
	_, projectID, _, _ string,
	promptTokens, completionTokens int,
	cost float64,
	success bool,
	_ string,
	_ time.Duration,
) {
	// Only successful requests count toward token and cost usage.
	if !success || projectID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	usage, exists := r.projects[projectID]
	if !exists {
		usage = &ProjectUsage{
			ProjectID: projectID,
		}
		r.projects[projectID] = usage
	}

	usage.PromptTokens += int64(promptTokens)
	usage.CompletionTokens += int64(completionTokens)
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	usage.TotalCost += cost
	usage.RequestCount++
	usage.LastUpdated = time.Now()
}

// GetProjectUsage returns the aggregated usage for a specific project.
func (r *InternalRecorder) GetProjectUsage(projectID string) *ProjectUsage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if usage, exists := r.projects[projectID]; exists {
		// Return a copy to prevent external modification.
		cp := *usage
		return &cp
	}
	return nil
}

// GetAllProjectUsage returns usage for all projects.
func (r *InternalRecorder) GetAllProjectUsage() map[string]*ProjectUsage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*ProjectUsage, len(r.projects))
	for projectID, usage := range r.projects {
		cp := *usage
		result[projectID] = &cp
	}
	return result
}

// ClearProjectUsage removes usage for a specific project (useful for testing).
func (r *InternalRecorder) ClearProjectUsage(projectID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.projects, projectID)
}

// Reset clears all usage (useful for testing).
func (r *InternalRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.projects = make(map[string]*ProjectUsage)
}
