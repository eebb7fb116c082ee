// Package metrics exposes the pipeline's Prometheus instrumentation: local
// collectors for phase and checkpoint activity, and a query service that
// aggregates a project's model usage from a Prometheus server scraping the
// /metrics endpoint.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// ProjectUsage aggregates the model traffic recorded for one project.
type ProjectUsage struct {
	ProjectID        string  `json:"project_id"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	TotalCost        float64 `json:"total_cost_usd"`
}

// QueryService reads aggregated usage back out of Prometheus. The sqlite
// stats table remains the source of truth for the API; this service exists
// for deployments that retain Prometheus history past the database.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a query service against a Prometheus server.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

// GetProjectUsage retrieves token and cost totals for a project across all
// personas and models.
func (q *QueryService) GetProjectUsage(ctx context.Context, projectID string) (*ProjectUsage, error) {
	if !model.LabelValue(projectID).IsValid() {
		return nil, fmt.Errorf("project id %q is not a valid label value", projectID)
	}

	usage := &ProjectUsage{
		ProjectID: projectID,
	}

	promptQuery := fmt.Sprintf(`sum(llm_tokens_total{project_id=%q, type="prompt"})`, projectID)
	promptResult, _, err := q.queryAPI.Query(ctx, promptQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query prompt tokens: %w", err)
	}
	if vector, ok := promptResult.(model.Vector); ok && len(vector) > 0 {
		usage.PromptTokens = int64(vector[0].Value)
	}

	completionQuery := fmt.Sprintf(`sum(llm_tokens_total{project_id=%q, type="completion"})`, projectID)
	completionResult, _, err := q.queryAPI.Query(ctx, completionQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query completion tokens: %w", err)
	}
	if vector, ok := completionResult.(model.Vector); ok && len(vector) > 0 {
		usage.CompletionTokens = int64(vector[0].Value)
	}

	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	costQuery := fmt.Sprintf(`sum(llm_costs_total{project_id=%q})`, projectID)
	costResult, _, err := q.queryAPI.Query(ctx, costQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query total cost: %w", err)
	}
	if vector, ok := costResult.(model.Vector); ok && len(vector) > 0 {
		usage.TotalCost = float64(vector[0].Value)
	}

	return usage, nil
}

// GetProjectUsageByRole retrieves usage broken down by persona, showing how
// the token budget split across planner, critics, and writer.
func (q *QueryService) GetProjectUsageByRole(ctx context.Context, projectID string) (map[string]*ProjectUsage, error) {
	if !model.LabelValue(projectID).IsValid() {
		return nil, fmt.Errorf("project id %q is not a valid label value", projectID)
	}

	result := make(map[string]*ProjectUsage)

	rolesQuery := fmt.Sprintf(`group by (role) (llm_tokens_total{project_id=%q})`, projectID)
	rolesResult, _, err := q.queryAPI.Query(ctx, rolesQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query roles: %w", err)
	}

	var roles []string
	if vector, ok := rolesResult.(model.Vector); ok {
		for _, sample := range vector {
			if role, ok := sample.Metric["role"]; ok {
				roles = append(roles, string(role))
			}
		}
	}

	for _, role := range roles {
		usage := &ProjectUsage{
			ProjectID: projectID,
		}

		promptQuery := fmt.Sprintf(`sum(llm_tokens_total{project_id=%q, role=%q, type="prompt"})`, projectID, role)
		promptResult, _, err := q.queryAPI.Query(ctx, promptQuery, time.Now())
		if err != nil {
			return nil, fmt.Errorf("failed to query prompt tokens for role %s: %w", role, err)
		}
		if vector, ok := promptResult.(model.Vector); ok && len(vector) > 0 {
			usage.PromptTokens = int64(vector[0].Value)
		}

		completionQuery := fmt.Sprintf(`sum(llm_tokens_total{project_id=%q, role=%q, type="completion"})`, projectID, role)
		completionResult, _, err := q.queryAPI.Query(ctx, completionQuery, time.Now())
		if err != nil {
			return nil, fmt.Errorf("failed to query completion tokens for role %s: %w", role, err)
		}
		if vector, ok := completionResult.(model.Vector); ok && len(vector) > 0 {
			usage.CompletionTokens = int64(vector[0].Value)
		}

		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

		costQuery := fmt.Sprintf(`sum(llm_costs_total{project_id=%q, role=%q})`, projectID, role)
		costResult, _, err := q.queryAPI.Query(ctx, costQuery, time.Now())
		if err != nil {
			return nil, fmt.Errorf("failed to query cost for role %s: %w", role, err)
		}
		if vector, ok := costResult.(model.Vector); ok && len(vector) > 0 {
			usage.TotalCost = float64(vector[0].Value)
		}

		result[role] = usage
	}

	return result, nil
}
