package persistence

import (
	"time"

	"github.com/google/uuid"
)

// Project is the registry row for one writing project. Every history table
// references it, so the manager upserts the project before any turn, tool,
// or approval is recorded.
type Project struct {
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Title      string    `json:"title"`
	ConfigJSON string    `json:"config_json"`
}

// ConversationTurn is one finalized turn of a project's conversation.
// Seq is assigned by AppendTurn and is dense per project; tool calls and
// results are stored as JSON blobs rendered by the dispatcher.
type ConversationTurn struct {
	CreatedAt       time.Time `json:"created_at"`
	Seq             int64     `json:"seq"`
	ID              string    `json:"id"`
	ProjectID       string    `json:"project_id"`
	Phase           string    `json:"phase"`
	Role            string    `json:"role"`
	Content         string    `json:"content"`
	Reasoning       string    `json:"reasoning,omitempty"`
	ToolCallsJSON   string    `json:"tool_calls,omitempty"`
	ToolResultsJSON string    `json:"tool_results,omitempty"`
}

// ToolExecution records a single tool invocation for debugging and analysis.
type ToolExecution struct {
	CreatedAt  time.Time `json:"created_at"`
	DurationMS int64     `json:"duration_ms"`
	ID         string    `json:"id"`
	ProjectID  string    `json:"project_id"`
	Phase      string    `json:"phase"`
	ToolName   string    `json:"tool_name"`
	ToolID     string    `json:"tool_id,omitempty"`
	ArgsJSON   string    `json:"args,omitempty"`
	Result     string    `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	IsError    bool      `json:"is_error"`
}

// ApprovalRecord is a checkpoint approval request plus its eventual decision.
// A project has at most one pending record at a time, enforced by a partial
// unique index.
type ApprovalRecord struct {
	CreatedAt  time.Time  `json:"created_at"`
	DecidedAt  *time.Time `json:"decided_at,omitempty"`
	ID         string     `json:"id"`
	ProjectID  string     `json:"project_id"`
	Checkpoint string     `json:"checkpoint"`
	Summary    string     `json:"summary"`
	Status     string     `json:"status"`
	Notes      string     `json:"notes,omitempty"`
}

// PhaseEvent records one phase transition.
type PhaseEvent struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	FromPhase string    `json:"from_phase"`
	ToPhase   string    `json:"to_phase"`
	Reason    string    `json:"reason,omitempty"`
}

// ContextSummary records one compression of a project's conversation.
type ContextSummary struct {
	CreatedAt          time.Time `json:"created_at"`
	TokensBefore       int64     `json:"tokens_before"`
	TokensAfter        int64     `json:"tokens_after"`
	ID                 string    `json:"id"`
	ProjectID          string    `json:"project_id"`
	Phase              string    `json:"phase"`
	Summary            string    `json:"summary"`
	MessagesCompressed int       `json:"messages_compressed"`
	MessagesRetained   int       `json:"messages_retained"`
}

// GenerationStats aggregates model usage for one project.
// PhaseIterationsJSON holds the per-phase iteration counts as a JSON object.
type GenerationStats struct {
	StartedAt           time.Time `json:"started_at"`
	UpdatedAt           time.Time `json:"updated_at"`
	ModelCalls          int64     `json:"model_calls"`
	PromptTokens        int64     `json:"prompt_tokens"`
	CompletionTokens    int64     `json:"completion_tokens"`
	Compressions        int64     `json:"compressions"`
	ProjectID           string    `json:"project_id"`
	PhaseIterationsJSON string    `json:"phase_iterations,omitempty"`
}

// StatsDelta is an increment applied to a project's GenerationStats.
// Counter fields add; PhaseIterationsJSON, when non-empty, replaces the
// stored value.
type StatsDelta struct {
	ModelCalls          int64
	PromptTokens        int64
	CompletionTokens    int64
	Compressions        int64
	PhaseIterationsJSON string
}

// Approval status constants.
const (
	ApprovalStatusPending  = "pending"
	ApprovalStatusApproved = "approved"
	ApprovalStatusRejected = "rejected"
)

// Checkpoint constants name the four approval gates.
const (
	CheckpointPlan          = "plan"
	CheckpointPlanCritique  = "plan_critique"
	CheckpointChunk         = "chunk"
	CheckpointChunkCritique = "chunk_critique"
)

// Checkpoints returns all valid checkpoint names.
func Checkpoints() []string {
	return []string{
		CheckpointPlan,
		CheckpointPlanCritique,
		CheckpointChunk,
		CheckpointChunkCritique,
	}
}

// IsValidCheckpoint checks if a checkpoint name is valid.
func IsValidCheckpoint(name string) bool {
	for _, checkpoint := range Checkpoints() {
		if name == checkpoint {
			return true
		}
	}
	return false
}

// TurnFilter represents criteria for querying conversation turns.
type TurnFilter struct {
	Phase    *string `json:"phase,omitempty"`
	SinceSeq *int64  `json:"since_seq,omitempty"`
	Limit    int     `json:"limit,omitempty"`
}

// GenerateTurnID generates a new UUID for a conversation turn.
func GenerateTurnID() string {
	return uuid.New().String()
}

// GenerateToolExecutionID generates a new UUID for a tool execution record.
func GenerateToolExecutionID() string {
	return uuid.New().String()
}

// GenerateApprovalID generates a new UUID for an approval request.
func GenerateApprovalID() string {
	return uuid.New().String()
}

// GenerateEventID generates a new UUID for a phase event.
func GenerateEventID() string {
	return uuid.New().String()
}

// GenerateSummaryID generates a new UUID for a context summary.
func GenerateSummaryID() string {
	return uuid.New().String()
}

// GenerateSessionID generates a new UUID for a daemon session.
func GenerateSessionID() string {
	return uuid.New().String()
}
