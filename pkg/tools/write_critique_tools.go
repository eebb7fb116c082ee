package tools

import (
	"context"
	"fmt"
	"strings"

	"longform/pkg/utils"
	"longform/pkg/workspace"
)

// LoadChunkForReviewTool loads one chunk so the critic can read it.
type LoadChunkForReviewTool struct {
	ctx AgentContext
}

// NewLoadChunkForReviewTool creates a new load chunk for review tool instance.
func NewLoadChunkForReviewTool(ctx AgentContext) *LoadChunkForReviewTool {
	return &LoadChunkForReviewTool{ctx: ctx}
}

// Definition returns the tool's definition in provider API format.
func (t *LoadChunkForReviewTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolLoadChunkForReview,
		Description: "Loads the specified chunk for review. Use this to read the chunk content before providing critique.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"chunk_number": {
					Type:        "integer",
					Description: "The chunk number to review (1-indexed)",
				},
			},
			Required: []string{"chunk_number"},
		},
	}
}

// Name returns the tool identifier.
func (t *LoadChunkForReviewTool) Name() string {
	return ToolLoadChunkForReview
}

// PromptDocumentation returns markdown documentation for LLM prompts.
func (t *LoadChunkForReviewTool) PromptDocumentation() string {
	return `- **load_chunk_for_review** - Load a chunk the writer submitted
  - Parameters: chunk_number (required, 1-indexed)
  - Read the full chunk before critiquing it`
}

// Exec loads the chunk and reports its word count.
func (t *LoadChunkForReviewTool) Exec(_ context.Context, args map[string]any) (any, error) {
	chunkNumber, err := utils.GetIntField(args, "chunk_number")
	if err != nil {
		return nil, fmt.Errorf("chunk_number parameter is required: %w", err)
	}
	if chunkNumber < 1 {
		return nil, fmt.Errorf("chunk_number must be positive, got %d", chunkNumber)
	}

	rel := workspace.ChunkPath(chunkNumber)
	if !t.ctx.Workspace.Exists(rel) {
		return map[string]any{
			"success": false,
			"message": fmt.Sprintf("Chunk %d not found.", chunkNumber),
		}, nil
	}
	content, err := t.ctx.Workspace.ReadFile(rel)
	if err != nil {
		return nil, fmt.Errorf("failed to load chunk: %w", err)
	}

	wordCount := utils.CountWords(content)
	formatted := fmt.Sprintf(`CHUNK %d FOR REVIEW:

%s
%s
%s

Word Count: %d
`, chunkNumber, sectionRule, content, sectionRule, wordCount)

	return map[string]any{
		"success":      true,
		"message":      fmt.Sprintf("Loaded Chunk %d for review (%d words).", chunkNumber, wordCount),
		"content":      formatted,
		"chunk_number": chunkNumber,
		"word_count":   wordCount,
	}, nil
}

// LoadContextForCritiqueTool gathers the plan and neighboring chunks the
// critic needs to judge continuity.
type LoadContextForCritiqueTool struct {
	ctx AgentContext
}

// NewLoadContextForCritiqueTool creates a new load context for critique tool instance.
func NewLoadContextForCritiqueTool(ctx AgentContext) *LoadContextForCritiqueTool {
	return &LoadContextForCritiqueTool{ctx: ctx}
}

// Definition returns the tool's definition in provider API format.
func (t *LoadContextForCritiqueTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolLoadContextForCritique,
		Description: "Loads relevant context for critiquing a chunk, including the plan, outline, and previous chunks for continuity checking.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"chunk_number": {
					Type:        "integer",
					Description: "The chunk number being critiqued",
				},
			},
			Required: []string{"chunk_number"},
		},
	}
}

// Name returns the tool identifier.
func (t *LoadContextForCritiqueTool) Name() string {
	return ToolLoadContextForCritique
}

// PromptDocumentation returns markdown documentation for LLM prompts.
func (t *LoadContextForCritiqueTool) PromptDocumentation() string {
	return `- **load_context_for_critique** - Load plan and prior chunk for continuity checks
  - Parameters: chunk_number (required)
  - Includes the outline, character profiles, and the preceding chunk when present`
}

// Exec assembles outline, characters, and the previous chunk into one view.
func (t *LoadContextForCritiqueTool) Exec(_ context.Context, args map[string]any) (any, error) {
	chunkNumber, err := utils.GetIntField(args, "chunk_number")
	if err != nil {
		return nil, fmt.Errorf("chunk_number parameter is required: %w", err)
	}
	if chunkNumber < 1 {
		return nil, fmt.Errorf("chunk_number must be positive, got %d", chunkNumber)
	}

	var parts []string
	if t.ctx.Workspace.Exists(workspace.OutlinePath) {
		if outline, rerr := t.ctx.Workspace.ReadFile(workspace.OutlinePath); rerr == nil {
			parts = append(parts, fmt.Sprintf("PLOT OUTLINE:\n%s\n%s", sectionRule, outline))
		}
	}
	if t.ctx.Workspace.Exists(workspace.CharactersPath) {
		if chars, rerr := t.ctx.Workspace.ReadFile(workspace.CharactersPath); rerr == nil {
			parts = append(parts, fmt.Sprintf("\nCHARACTER PROFILES:\n%s\n%s", sectionRule, chars))
		}
	}
	if chunkNumber > 1 {
		prevRel := workspace.ChunkPath(chunkNumber - 1)
		if t.ctx.Workspace.Exists(prevRel) {
			if prev, rerr := t.ctx.Workspace.ReadFile(prevRel); rerr == nil {
				parts = append(parts, fmt.Sprintf("\nPREVIOUS CHUNK (Chunk %d):\n%s\n%s", chunkNumber-1, sectionRule, prev))
			}
		}
	}

	formatted := fmt.Sprintf(`CONTEXT FOR CRITIQUING CHUNK %d:

%s
%s
%s
`, chunkNumber, sectionRule, strings.Join(parts, ""), sectionRule)

	return map[string]any{
		"success": true,
		"message": fmt.Sprintf("Loaded context for critiquing Chunk %d.", chunkNumber),
		"content": formatted,
	}, nil
}

// CritiqueChunkTool records versioned critique feedback for one chunk.
type CritiqueChunkTool struct {
	ctx AgentContext
}

// NewCritiqueChunkTool creates a new critique chunk tool instance.
func NewCritiqueChunkTool(ctx AgentContext) *CritiqueChunkTool {
	return &CritiqueChunkTool{ctx: ctx}
}

// Definition returns the tool's definition in provider API format.
func (t *CritiqueChunkTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolCritiqueChunk,
		Description: "Provides detailed critique of a chunk. Document issues with plot consistency, character behavior, prose quality, pacing, or adherence to the plan. This critique will be saved.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"chunk_number": {
					Type:        "integer",
					Description: "The chunk number being critiqued",
				},
				"critique_text": {
					Type:        "string",
					Description: "Detailed critique feedback",
				},
			},
			Required: []string{"chunk_number", "critique_text"},
		},
	}
}

// Name returns the tool identifier.
func (t *CritiqueChunkTool) Name() string {
	return ToolCritiqueChunk
}

// PromptDocumentation returns markdown documentation for LLM prompts.
func (t *CritiqueChunkTool) PromptDocumentation() string {
	return `- **critique_chunk** - Save detailed critique feedback for a chunk
  - Parameters: chunk_number (required), critique_text (required)
  - Each call writes a new critiques/chunk_NN_critique_vN.md version
  - Follow with approve_chunk or request_revision`
}

// Exec writes the next critique version for the chunk. The "version" result
// key tells the caller to advance the chunk's critique round.
func (t *CritiqueChunkTool) Exec(_ context.Context, args map[string]any) (any, error) {
	chunkNumber, err := utils.GetIntField(args, "chunk_number")
	if err != nil {
		return nil, fmt.Errorf("chunk_number parameter is required: %w", err)
	}
	if chunkNumber < 1 {
		return nil, fmt.Errorf("chunk_number must be positive, got %d", chunkNumber)
	}
	textVal, ok := args["critique_text"]
	if !ok {
		return nil, fmt.Errorf("critique_text parameter is required")
	}
	critiqueText, ok := textVal.(string)
	if !ok {
		return nil, fmt.Errorf("critique_text must be a string")
	}

	version := t.ctx.State.ChunkCritiqueRound(chunkNumber) + 1
	rel := workspace.ChunkCritiquePath(chunkNumber, version)
	content := fmt.Sprintf("# Chunk %d Critique - Version %d\n\n**Date:** %s\n\n---\n\n%s\n",
		chunkNumber, version, recordTimestamp(), critiqueText)
	if err := t.ctx.Workspace.WriteFile(rel, []byte(content)); err != nil {
		return nil, fmt.Errorf("failed to save critique: %w", err)
	}

	return map[string]any{
		"success":      true,
		"message":      fmt.Sprintf("Critique saved for Chunk %d (version %d).", chunkNumber, version),
		"file_path":    rel,
		"version":      version,
		"chunk_number": chunkNumber,
		"next_step":    "Use approve_chunk to accept it or request_revision to send back for improvements",
	}, nil
}

// ApproveChunkTool accepts a chunk and moves the pipeline forward.
type ApproveChunkTool struct {
	ctx AgentContext
}

// NewApproveChunkTool creates a new approve chunk tool instance.
func NewApproveChunkTool(ctx AgentContext) *ApproveChunkTool {
	return &ApproveChunkTool{ctx: ctx}
}

// Definition returns the tool's definition in provider API format.
func (t *ApproveChunkTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolApproveChunk,
		Description: "Approves a chunk, marking it as complete. If there are more chunks to write, transitions back to writing phase for the next chunk. If this is the last chunk, completes the manuscript.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"chunk_number": {
					Type:        "integer",
					Description: "The chunk number being approved",
				},
				"approval_notes": {
					Type:        "string",
					Description: "Notes about why the chunk is approved",
				},
			},
			Required: []string{"chunk_number", "approval_notes"},
		},
	}
}

// Name returns the tool identifier.
func (t *ApproveChunkTool) Name() string {
	return ToolApproveChunk
}

// PromptDocumentation returns markdown documentation for LLM prompts.
func (t *ApproveChunkTool) PromptDocumentation() string {
	return `- **approve_chunk** - Accept a chunk as final
  - Parameters: chunk_number (required), approval_notes (required)
  - Terminal: moves to the next chunk, or completes the manuscript after the last one`
}

// Exec records the approval and signals either the next chunk or completion.
func (t *ApproveChunkTool) Exec(_ context.Context, args map[string]any) (any, error) {
	chunkNumber, err := utils.GetIntField(args, "chunk_number")
	if err != nil {
		return nil, fmt.Errorf("chunk_number parameter is required: %w", err)
	}
	if chunkNumber < 1 {
		return nil, fmt.Errorf("chunk_number must be positive, got %d", chunkNumber)
	}
	notesVal, ok := args["approval_notes"]
	if !ok {
		return nil, fmt.Errorf("approval_notes parameter is required")
	}
	approvalNotes, ok := notesVal.(string)
	if !ok {
		return nil, fmt.Errorf("approval_notes must be a string")
	}

	rel := workspace.ChunkApprovalPath(chunkNumber)
	content := fmt.Sprintf("# Chunk %d Approval\n\n**Date:** %s\n\n**Status:** APPROVED\n\n---\n\n%s\n",
		chunkNumber, recordTimestamp(), approvalNotes)
	if err := t.ctx.Workspace.WriteFile(rel, []byte(content)); err != nil {
		return nil, fmt.Errorf("failed to save approval: %w", err)
	}

	approved := len(t.ctx.State.ChunksApproved())
	alreadyApproved := false
	for _, n := range t.ctx.State.ChunksApproved() {
		if n == chunkNumber {
			alreadyApproved = true
			break
		}
	}
	if !alreadyApproved {
		approved++
	}
	isComplete := approved >= t.ctx.State.TotalChunks()

	result := map[string]any{
		"success":        true,
		"message":        fmt.Sprintf("Chunk %d approved by critic!", chunkNumber),
		"file_path":      rel,
		"chunk_number":   chunkNumber,
		"chunk_approved": chunkNumber,
		"is_complete":    isComplete,
	}
	if isComplete {
		result["next_state"] = "COMPLETE"
		result["next_phase"] = "All chunks complete! Manuscript finished (pending user approval if enabled)."
	} else {
		nextChunk := t.ctx.State.CurrentChunk() + 1
		result["next_state"] = "WRITING"
		result["next_chunk"] = nextChunk
		result["next_phase"] = fmt.Sprintf("Chunk %d approved by critic. Moving to Chunk %d (pending user approval if enabled).", chunkNumber, nextChunk)
	}
	return result, nil
}

// RequestRevisionTool sends a chunk back to the writer with notes.
type RequestRevisionTool struct {
	ctx AgentContext
}

// NewRequestRevisionTool creates a new request revision tool instance.
func NewRequestRevisionTool(ctx AgentContext) *RequestRevisionTool {
	return &RequestRevisionTool{ctx: ctx}
}

// Definition returns the tool's definition in provider API format.
func (t *RequestRevisionTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolRequestRevision,
		Description: "Requests revisions to a chunk. Sends the chunk back to the writing phase with specific revision notes. The writer will revise and resubmit the chunk.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"chunk_number": {
					Type:        "integer",
					Description: "The chunk number requiring revision",
				},
				"revision_notes": {
					Type:        "string",
					Description: "Specific notes about what needs to be revised",
				},
			},
			Required: []string{"chunk_number", "revision_notes"},
		},
	}
}

// Name returns the tool identifier.
func (t *RequestRevisionTool) Name() string {
	return ToolRequestRevision
}

// PromptDocumentation returns markdown documentation for LLM prompts.
func (t *RequestRevisionTool) PromptDocumentation() string {
	return `- **request_revision** - Send a chunk back for rework
  - Parameters: chunk_number (required), revision_notes (required)
  - Terminal: returns to the writing phase with your notes
  - Refused once the chunk hits its critique round cap (the chunk auto-approves instead)`
}

// Exec records the revision request and signals the writing phase. At the
// critique round cap it refuses and flags the chunk for auto-approval.
func (t *RequestRevisionTool) Exec(_ context.Context, args map[string]any) (any, error) {
	chunkNumber, err := utils.GetIntField(args, "chunk_number")
	if err != nil {
		return nil, fmt.Errorf("chunk_number parameter is required: %w", err)
	}
	if chunkNumber < 1 {
		return nil, fmt.Errorf("chunk_number must be positive, got %d", chunkNumber)
	}
	notesVal, ok := args["revision_notes"]
	if !ok {
		return nil, fmt.Errorf("revision_notes parameter is required")
	}
	revisionNotes, ok := notesVal.(string)
	if !ok {
		return nil, fmt.Errorf("revision_notes must be a string")
	}

	rounds := t.ctx.State.ChunkCritiqueRound(chunkNumber)
	maxRounds := t.ctx.State.MaxChunkCritiqueRounds()
	if rounds >= maxRounds {
		return map[string]any{
			"success":      false,
			"message":      fmt.Sprintf("Maximum critique iterations (%d) reached for Chunk %d. Auto-approving to prevent infinite loop.", maxRounds, chunkNumber),
			"auto_approve": true,
			"chunk_number": chunkNumber,
		}, nil
	}

	rel := workspace.ChunkRevisionRequestPath(chunkNumber, rounds)
	content := fmt.Sprintf("# Chunk %d Revision Request - Version %d\n\n**Date:** %s\n\n**Status:** REVISION REQUESTED\n\n---\n\n%s\n",
		chunkNumber, rounds, recordTimestamp(), revisionNotes)
	if err := t.ctx.Workspace.WriteFile(rel, []byte(content)); err != nil {
		return nil, fmt.Errorf("failed to save revision request: %w", err)
	}

	return map[string]any{
		"success":      true,
		"message":      fmt.Sprintf("Revision requested for Chunk %d. Transitioning back to writing phase.", chunkNumber),
		"file_path":    rel,
		"chunk_number": chunkNumber,
		"iteration":    rounds,
		"next_state":   "WRITING",
		"next_phase":   fmt.Sprintf("The Creative Writer will now revise Chunk %d based on feedback.", chunkNumber),
	}, nil
}
