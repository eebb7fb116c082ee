package tools

// Tool name constants - use these instead of magic strings to prevent typos
// and enable compile-time checking.
const (
	// Planning tools.
	ToolCreateStorySummary     = "create_story_summary"
	ToolCreateDramatisPersonae = "create_dramatis_personae"
	ToolCreateStoryStructure   = "create_story_structure"
	ToolCreatePlotOutline      = "create_plot_outline"
	ToolFinalizePlan           = "finalize_plan"

	// Plan critique tools.
	ToolLoadPlanMaterials = "load_plan_materials"
	ToolCritiquePlan      = "critique_plan"
	ToolReviseSummary     = "revise_summary"
	ToolReviseCharacters  = "revise_characters"
	ToolReviseStructure   = "revise_structure"
	ToolReviseOutline     = "revise_outline"
	ToolApprovePlan       = "approve_plan"

	// Writing tools.
	ToolLoadApprovedPlan      = "load_approved_plan"
	ToolGetChunkContext       = "get_chunk_context"
	ToolWriteChunk            = "write_chunk"
	ToolReviewPreviousWriting = "review_previous_writing"
	ToolFinalizeChunk         = "finalize_chunk"

	// Write critique tools.
	ToolLoadChunkForReview     = "load_chunk_for_review"
	ToolLoadContextForCritique = "load_context_for_critique"
	ToolCritiqueChunk          = "critique_chunk"
	ToolApproveChunk           = "approve_chunk"
	ToolRequestRevision        = "request_revision"
)

// Phase-specific tool availability - defines which tools each agent role
// receives. Terminal tools carry a "next_state" key in their result map.
//
//nolint:gochecknoglobals // These are constants that need to be globally accessible
var (
	// PlanningTools - Story Architect toolset for drafting the plan.
	PlanningTools = []string{
		ToolCreateStorySummary,
		ToolCreateDramatisPersonae,
		ToolCreateStoryStructure,
		ToolCreatePlotOutline,
		ToolFinalizePlan,
	}

	// PlanCritiqueTools - Story Editor toolset for reviewing and revising the plan.
	PlanCritiqueTools = []string{
		ToolLoadPlanMaterials,
		ToolCritiquePlan,
		ToolReviseSummary,
		ToolReviseCharacters,
		ToolReviseStructure,
		ToolReviseOutline,
		ToolApprovePlan,
	}

	// WritingTools - Creative Writer toolset for drafting manuscript chunks.
	WritingTools = []string{
		ToolLoadApprovedPlan,
		ToolGetChunkContext,
		ToolWriteChunk,
		ToolReviewPreviousWriting,
		ToolFinalizeChunk,
	}

	// WriteCritiqueTools - Chunk Editor toolset for reviewing individual chunks.
	WriteCritiqueTools = []string{
		ToolLoadChunkForReview,
		ToolLoadContextForCritique,
		ToolCritiqueChunk,
		ToolApproveChunk,
		ToolRequestRevision,
	}
)
