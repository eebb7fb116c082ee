package pipeline

import (
	"encoding/json"
	"sort"
	"time"

	"longform/pkg/config"
	"longform/pkg/tools"
)

// State is the complete durable record of one project run. It is what the
// snapshot store persists at every turn boundary and phase transition, so
// every field must round-trip through JSON. A freshly loaded State plus the
// workspace artifacts is enough to resume the run without replaying a single
// model call.
//
// State is owned by the project's pipeline goroutine; readers outside the
// goroutine work from persisted snapshots.
//
//nolint:govet // fieldalignment: field order optimized for readability
type State struct {
	ProjectID string                 `json:"project_id"`
	Phase     Phase                  `json:"phase"`
	Settings  config.ProjectSettings `json:"settings"`

	// Chunk bookkeeping. TotalChunksCount starts at the length preset's
	// default and is overwritten when the story structure settles on a real
	// count. CurrentChunkNum is 1-based and 0 before writing starts.
	TotalChunksCount    int         `json:"total_chunks"`
	CurrentChunkNum     int         `json:"current_chunk"`
	ApprovedChunks      []int       `json:"approved_chunks,omitempty"`
	PlanCritiqueRounds  int         `json:"plan_critique_rounds"`
	ChunkCritiqueRounds map[int]int `json:"chunk_critique_rounds,omitempty"`

	// Review outcomes. PlanReviewOutcome and ChunkReviewOutcomes record how
	// each loop resolved ("approved" or "auto_approved_at_cap").
	PlanApproved        bool           `json:"plan_approved"`
	PlanReviewOutcome   string         `json:"plan_review_outcome,omitempty"`
	ChunkReviewOutcomes map[int]string `json:"chunk_review_outcomes,omitempty"`

	// Suspension markers, persisted so a restart re-enters the exact wait.
	// PlanCriticApproved and PendingChunkApproval mark a critic approval
	// that has not yet cleared its human checkpoint. PendingGateCheckpoint
	// marks a mid-loop critique-round gate. PendingApprovalID is the open
	// approval request, if any. PendingFeedback carries rejection notes into
	// the next loop entry.
	PlanCriticApproved    bool   `json:"plan_critic_approved,omitempty"`
	PendingChunkApproval  int    `json:"pending_chunk_approval,omitempty"`
	PendingGateCheckpoint string `json:"pending_gate_checkpoint,omitempty"`
	PendingApprovalID     string `json:"pending_approval_id,omitempty"`
	PendingFeedback       string `json:"pending_feedback,omitempty"`

	Paused        bool   `json:"paused,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`

	// Run statistics.
	PhaseIterations map[string]int `json:"phase_iterations,omitempty"`
	TotalIterations int            `json:"total_iterations"`
	GateRejections  int            `json:"gate_rejections,omitempty"`

	// Conversation snapshot for the phase in flight, serialized by the
	// context manager. Cleared whenever a phase starts a fresh persona.
	Conversation      json.RawMessage `json:"conversation,omitempty"`
	ConversationPhase Phase           `json:"conversation_phase,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// The phase toolsets read pipeline state through this view.
var _ tools.StateView = (*State)(nil)

// NewState builds the initial state for a project: PLANNING phase, chunk
// count seeded from the length preset.
func NewState(settings config.ProjectSettings) *State {
	now := time.Now().UTC()
	return &State{
		ProjectID:           settings.ProjectID,
		Phase:               PhasePlanning,
		Settings:            settings,
		TotalChunksCount:    settings.InitialChunkCount(),
		ChunkCritiqueRounds: make(map[int]int),
		ChunkReviewOutcomes: make(map[int]string),
		PhaseIterations:     make(map[string]int),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

// normalize repairs nil maps after a JSON round trip.
func (s *State) normalize() {
	if s.ChunkCritiqueRounds == nil {
		s.ChunkCritiqueRounds = make(map[int]int)
	}
	if s.ChunkReviewOutcomes == nil {
		s.ChunkReviewOutcomes = make(map[int]string)
	}
	if s.PhaseIterations == nil {
		s.PhaseIterations = make(map[string]int)
	}
}

// UnmarshalJSON decodes a snapshot and repairs empty collections.
func (s *State) UnmarshalJSON(data []byte) error {
	type alias State
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*s = State(a)
	s.normalize()
	return nil
}

// Touch updates the modification timestamp.
func (s *State) Touch() {
	s.UpdatedAt = time.Now().UTC()
}

// CurrentChunk returns the 1-based chunk in progress, 0 before writing starts.
func (s *State) CurrentChunk() int {
	return s.CurrentChunkNum
}

// TotalChunks returns the planned chunk count.
func (s *State) TotalChunks() int {
	return s.TotalChunksCount
}

// PlanCritiqueRound returns the plan critique versions recorded so far.
func (s *State) PlanCritiqueRound() int {
	return s.PlanCritiqueRounds
}

// ChunkCritiqueRound returns the critique versions recorded for a chunk.
func (s *State) ChunkCritiqueRound(chunk int) int {
	return s.ChunkCritiqueRounds[chunk]
}

// ChunksApproved returns the approved chunk numbers in ascending order.
func (s *State) ChunksApproved() []int {
	out := make([]int, len(s.ApprovedChunks))
	copy(out, s.ApprovedChunks)
	sort.Ints(out)
	return out
}

// MaxPlanCritiqueRounds returns the project's plan critique cap.
func (s *State) MaxPlanCritiqueRounds() int {
	if s.Settings.MaxPlanCritiqueRounds > 0 {
		return s.Settings.MaxPlanCritiqueRounds
	}
	return config.DefaultPlanCritiqueRounds
}

// MaxChunkCritiqueRounds returns the project's per-chunk critique cap.
func (s *State) MaxChunkCritiqueRounds() int {
	if s.Settings.MaxChunkCritiqueRounds > 0 {
		return s.Settings.MaxChunkCritiqueRounds
	}
	return config.DefaultChunkCritiqueRounds
}

// SetTotalChunks applies the chunk count reported by the story structure.
func (s *State) SetTotalChunks(n int) {
	if n > 0 {
		s.TotalChunksCount = n
		s.Touch()
	}
}

// RecordPlanCritique folds a saved plan critique version into the round
// ledger. Versions arrive in order; stale duplicates are ignored.
func (s *State) RecordPlanCritique(version int) {
	if version > s.PlanCritiqueRounds {
		s.PlanCritiqueRounds = version
		s.Touch()
	}
}

// RecordChunkCritique folds a saved chunk critique version into the ledger.
func (s *State) RecordChunkCritique(chunk, version int) {
	if chunk > 0 && version > s.ChunkCritiqueRounds[chunk] {
		s.ChunkCritiqueRounds[chunk] = version
		s.Touch()
	}
}

// IsChunkApproved reports whether the chunk has been accepted.
func (s *State) IsChunkApproved(chunk int) bool {
	for _, n := range s.ApprovedChunks {
		if n == chunk {
			return true
		}
	}
	return false
}

// ApproveChunk marks a chunk accepted. Duplicate approvals are no-ops.
func (s *State) ApproveChunk(chunk int) {
	if chunk < 1 || s.IsChunkApproved(chunk) {
		return
	}
	s.ApprovedChunks = append(s.ApprovedChunks, chunk)
	sort.Ints(s.ApprovedChunks)
	s.Touch()
}

// AllChunksApproved reports whether every planned chunk has been accepted.
func (s *State) AllChunksApproved() bool {
	return s.TotalChunksCount > 0 && len(s.ApprovedChunks) >= s.TotalChunksCount
}

// AdvanceChunk moves the writing cursor to the given chunk.
func (s *State) AdvanceChunk(chunk int) {
	if chunk > s.CurrentChunkNum {
		s.CurrentChunkNum = chunk
		s.Touch()
	}
}

// RecordIterations accumulates agent turns spent in a phase.
func (s *State) RecordIterations(phase Phase, turns int) {
	if turns <= 0 {
		return
	}
	s.PhaseIterations[string(phase)] += turns
	s.TotalIterations += turns
	s.Touch()
}

// PhaseIterationsJSON renders the per-phase iteration counts for the stats
// table. Returns "" when nothing has been recorded.
func (s *State) PhaseIterationsJSON() string {
	if len(s.PhaseIterations) == 0 {
		return ""
	}
	data, err := json.Marshal(s.PhaseIterations)
	if err != nil {
		return ""
	}
	return string(data)
}
