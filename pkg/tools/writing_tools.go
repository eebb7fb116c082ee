package tools

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"longform/pkg/utils"
	"longform/pkg/workspace"
)

// LoadApprovedPlanTool reloads the approved planning materials for reference.
type LoadApprovedPlanTool struct {
	ctx AgentContext
}

// NewLoadApprovedPlanTool creates a new load approved plan tool instance.
func NewLoadApprovedPlanTool(ctx AgentContext) *LoadApprovedPlanTool {
	return &LoadApprovedPlanTool{ctx: ctx}
}

// Definition returns the tool's definition in provider API format.
func (t *LoadApprovedPlanTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolLoadApprovedPlan,
		Description: "Loads the approved planning materials (summary, characters, structure, outline) to refresh your memory before writing. Use this at the start of writing or when you need to check the plan.",
		InputSchema: InputSchema{
			Type:       "object",
			Properties: map[string]Property{},
			Required:   []string{},
		},
	}
}

// Name returns the tool identifier.
func (t *LoadApprovedPlanTool) Name() string {
	return ToolLoadApprovedPlan
}

// PromptDocumentation returns markdown documentation for LLM prompts.
func (t *LoadApprovedPlanTool) PromptDocumentation() string {
	return `- **load_approved_plan** - Reload the approved plan for reference
  - Parameters: none
  - Use before drafting a chunk to stay aligned with the plan`
}

// Exec loads the four planning documents; missing documents get placeholders.
func (t *LoadApprovedPlanTool) Exec(_ context.Context, _ map[string]any) (any, error) {
	sections := []struct {
		rel         string
		placeholder string
	}{
		{workspace.SummaryPath, "Summary not found"},
		{workspace.CharactersPath, "Characters not found"},
		{workspace.StructurePath, "Structure not found"},
		{workspace.OutlinePath, "Outline not found"},
	}

	var b strings.Builder
	b.WriteString("APPROVED PLAN - REFERENCE FOR WRITING:\n")
	for _, s := range sections {
		content := s.placeholder
		if t.ctx.Workspace.Exists(s.rel) {
			if loaded, err := t.ctx.Workspace.ReadFile(s.rel); err == nil {
				content = loaded
			} else {
				content = fmt.Sprintf("Error reading file: %v", err)
			}
		}
		fmt.Fprintf(&b, "\n%s\n%s\n", sectionRule, content)
	}
	fmt.Fprintf(&b, "\n%s\n", sectionRule)

	return map[string]any{
		"success": true,
		"message": "Successfully loaded approved plan materials.",
		"content": b.String(),
	}, nil
}

// GetChunkContextTool surfaces the outline context for one chunk.
type GetChunkContextTool struct {
	ctx AgentContext
}

// NewGetChunkContextTool creates a new get chunk context tool instance.
func NewGetChunkContextTool(ctx AgentContext) *GetChunkContextTool {
	return &GetChunkContextTool{ctx: ctx}
}

// Definition returns the tool's definition in provider API format.
func (t *GetChunkContextTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolGetChunkContext,
		Description: "Gets the specific outline and context for a particular chunk. Use this to see what should happen in the chunk you're about to write.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"chunk_number": {
					Type:        "integer",
					Description: "The chunk number to get context for (1-indexed)",
				},
			},
			Required: []string{"chunk_number"},
		},
	}
}

// Name returns the tool identifier.
func (t *GetChunkContextTool) Name() string {
	return ToolGetChunkContext
}

// PromptDocumentation returns markdown documentation for LLM prompts.
func (t *GetChunkContextTool) PromptDocumentation() string {
	return `- **get_chunk_context** - Load the outline context for one chunk
  - Parameters: chunk_number (required, 1-indexed)
  - Marks the chunk as the one currently being written`
}

// Exec loads the outline and reports which chunk is now current.
func (t *GetChunkContextTool) Exec(_ context.Context, args map[string]any) (any, error) {
	chunkNumber, err := utils.GetIntField(args, "chunk_number")
	if err != nil {
		return nil, fmt.Errorf("chunk_number parameter is required: %w", err)
	}
	if chunkNumber < 1 {
		return nil, fmt.Errorf("chunk_number must be positive, got %d", chunkNumber)
	}

	if !t.ctx.Workspace.Exists(workspace.OutlinePath) {
		return map[string]any{
			"success": false,
			"message": "Outline file not found.",
		}, nil
	}
	outline, err := t.ctx.Workspace.ReadFile(workspace.OutlinePath)
	if err != nil {
		return nil, fmt.Errorf("failed to load context: %w", err)
	}

	content := fmt.Sprintf(`CHUNK %d CONTEXT:

Full outline for reference:
%s

NOTE: Focus on the section for Chunk %d when writing.
`, chunkNumber, outline, chunkNumber)

	return map[string]any{
		"success":      true,
		"message":      fmt.Sprintf("Context loaded for Chunk %d", chunkNumber),
		"content":      content,
		"chunk_number": chunkNumber,
	}, nil
}

// WriteChunkTool writes a complete manuscript chunk file.
type WriteChunkTool struct {
	ctx AgentContext
}

// NewWriteChunkTool creates a new write chunk tool instance.
func NewWriteChunkTool(ctx AgentContext) *WriteChunkTool {
	return &WriteChunkTool{ctx: ctx}
}

// Definition returns the tool's definition in provider API format.
func (t *WriteChunkTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolWriteChunk,
		Description: "Writes a complete chunk to a file. The chunk should be substantial (2,500-5,000+ words), fully developed with scenes, dialogue, and description. Creates the file in the manuscript directory.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"chunk_number": {
					Type:        "integer",
					Description: "The chunk number (used for filename)",
				},
				"content": {
					Type:        "string",
					Description: "The complete chunk content",
				},
			},
			Required: []string{"chunk_number", "content"},
		},
	}
}

// Name returns the tool identifier.
func (t *WriteChunkTool) Name() string {
	return ToolWriteChunk
}

// PromptDocumentation returns markdown documentation for LLM prompts.
func (t *WriteChunkTool) PromptDocumentation() string {
	return `- **write_chunk** - Write a complete manuscript chunk
  - Parameters: chunk_number (required), content (required)
  - Writes manuscript/chunk_NN.md; aim for 2,500-5,000+ words of finished prose
  - Rewriting the same chunk number replaces the previous draft`
}

// Exec writes the chunk file and reports its word count.
func (t *WriteChunkTool) Exec(_ context.Context, args map[string]any) (any, error) {
	chunkNumber, err := utils.GetIntField(args, "chunk_number")
	if err != nil {
		return nil, fmt.Errorf("chunk_number parameter is required: %w", err)
	}
	if chunkNumber < 1 {
		return nil, fmt.Errorf("chunk_number must be positive, got %d", chunkNumber)
	}
	contentVal, ok := args["content"]
	if !ok {
		return nil, fmt.Errorf("content parameter is required")
	}
	content, ok := contentVal.(string)
	if !ok {
		return nil, fmt.Errorf("content must be a string")
	}
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("content cannot be empty")
	}

	rel := workspace.ChunkPath(chunkNumber)
	fileContent := fmt.Sprintf("# Chunk %d\n\n%s\n", chunkNumber, content)
	if err := t.ctx.Workspace.WriteFile(rel, []byte(fileContent)); err != nil {
		return nil, fmt.Errorf("failed to write chunk: %w", err)
	}

	wordCount := utils.CountWords(content)
	return map[string]any{
		"success":      true,
		"message":      fmt.Sprintf("Successfully wrote Chunk %d (%d words) to %s", chunkNumber, wordCount, rel),
		"file_path":    rel,
		"filename":     workspace.ChunkFilename(chunkNumber),
		"chunk_number": chunkNumber,
		"word_count":   wordCount,
		"next_step":    "Use finalize_chunk to submit this chunk for critique",
	}, nil
}

// ReviewPreviousWritingTool loads earlier chunks for continuity checking.
type ReviewPreviousWritingTool struct {
	ctx AgentContext
}

// NewReviewPreviousWritingTool creates a new review previous writing tool instance.
func NewReviewPreviousWritingTool(ctx AgentContext) *ReviewPreviousWritingTool {
	return &ReviewPreviousWritingTool{ctx: ctx}
}

// Definition returns the tool's definition in provider API format.
func (t *ReviewPreviousWritingTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolReviewPreviousWriting,
		Description: "Loads and displays previously written chunks for continuity checking. Use this to maintain consistency in voice, plot, and character development.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"chunk_range": {
					Type:        "string",
					Description: "Chunk range to review (e.g., '1-3' or 'all' or '5')",
				},
			},
			Required: []string{"chunk_range"},
		},
	}
}

// Name returns the tool identifier.
func (t *ReviewPreviousWritingTool) Name() string {
	return ToolReviewPreviousWriting
}

// PromptDocumentation returns markdown documentation for LLM prompts.
func (t *ReviewPreviousWritingTool) PromptDocumentation() string {
	return `- **review_previous_writing** - Reload earlier chunks for continuity
  - Parameters: chunk_range (required; '1-3', '5', or 'all')
  - Use before writing a chunk that follows directly from earlier events`
}

// Exec loads the requested chunks.
func (t *ReviewPreviousWritingTool) Exec(_ context.Context, args map[string]any) (any, error) {
	rangeVal, ok := args["chunk_range"]
	if !ok {
		return nil, fmt.Errorf("chunk_range parameter is required")
	}
	chunkRange, ok := rangeVal.(string)
	if !ok {
		return nil, fmt.Errorf("chunk_range must be a string")
	}

	var numbers []int
	switch {
	case strings.EqualFold(chunkRange, "all"):
		all, err := t.ctx.Workspace.ChunkNumbers()
		if err != nil {
			return nil, fmt.Errorf("failed to list chunks: %w", err)
		}
		numbers = all
	case strings.Contains(chunkRange, "-"):
		startStr, endStr, _ := strings.Cut(chunkRange, "-")
		start, err1 := strconv.Atoi(strings.TrimSpace(startStr))
		end, err2 := strconv.Atoi(strings.TrimSpace(endStr))
		if err1 != nil || err2 != nil || start < 1 || end < start {
			return map[string]any{
				"success": false,
				"message": fmt.Sprintf("Invalid chunk range format: %s", chunkRange),
			}, nil
		}
		for i := start; i <= end; i++ {
			numbers = append(numbers, i)
		}
	default:
		n, err := strconv.Atoi(strings.TrimSpace(chunkRange))
		if err != nil {
			return map[string]any{
				"success": false,
				"message": fmt.Sprintf("Invalid chunk number: %s", chunkRange),
			}, nil
		}
		numbers = []int{n}
	}

	var loaded []string
	for _, n := range numbers {
		rel := workspace.ChunkPath(n)
		if !t.ctx.Workspace.Exists(rel) {
			continue
		}
		content, err := t.ctx.Workspace.ReadFile(rel)
		if err != nil {
			loaded = append(loaded, fmt.Sprintf("\nError loading %s: %v", workspace.ChunkFilename(n), err))
			continue
		}
		loaded = append(loaded, fmt.Sprintf("\n%s\n%s\n%s\n%s", sectionRule, workspace.ChunkFilename(n), sectionRule, content))
	}

	if len(loaded) == 0 {
		return map[string]any{
			"success": false,
			"message": fmt.Sprintf("No chunks found for range: %s", chunkRange),
		}, nil
	}

	content := fmt.Sprintf("PREVIOUS CHUNKS FOR REVIEW:\n%s\n\n%s\nEND OF PREVIOUS CHUNKS\n%s\n",
		strings.Join(loaded, ""), sectionRule, sectionRule)

	return map[string]any{
		"success":       true,
		"message":       fmt.Sprintf("Loaded %d chunk(s) for review.", len(loaded)),
		"content":       content,
		"chunks_loaded": len(loaded),
	}, nil
}

// FinalizeChunkTool submits a written chunk for critique.
type FinalizeChunkTool struct {
	ctx AgentContext
}

// NewFinalizeChunkTool creates a new finalize chunk tool instance.
func NewFinalizeChunkTool(ctx AgentContext) *FinalizeChunkTool {
	return &FinalizeChunkTool{ctx: ctx}
}

// Definition returns the tool's definition in provider API format.
func (t *FinalizeChunkTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolFinalizeChunk,
		Description: "Finalizes a chunk and submits it for critique. Call this after writing a complete chunk. This transitions to the write critique phase for this specific chunk.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"chunk_number": {
					Type:        "integer",
					Description: "The chunk number being finalized",
				},
				"notes": {
					Type:        "string",
					Description: "Optional notes about the chunk",
				},
			},
			Required: []string{"chunk_number"},
		},
	}
}

// Name returns the tool identifier.
func (t *FinalizeChunkTool) Name() string {
	return ToolFinalizeChunk
}

// PromptDocumentation returns markdown documentation for LLM prompts.
func (t *FinalizeChunkTool) PromptDocumentation() string {
	return `- **finalize_chunk** - Submit a written chunk for critique
  - Parameters: chunk_number (required), notes (optional)
  - Terminal: the Chunk Editor reviews the chunk next`
}

// Exec verifies the chunk exists and signals the critique phase.
func (t *FinalizeChunkTool) Exec(_ context.Context, args map[string]any) (any, error) {
	chunkNumber, err := utils.GetIntField(args, "chunk_number")
	if err != nil {
		return nil, fmt.Errorf("chunk_number parameter is required: %w", err)
	}
	if chunkNumber < 1 {
		return nil, fmt.Errorf("chunk_number must be positive, got %d", chunkNumber)
	}
	notes := ""
	if notesVal, hasNotes := args["notes"]; hasNotes {
		if notesStr, ok := notesVal.(string); ok {
			notes = notesStr
		}
	}

	if !t.ctx.Workspace.Exists(workspace.ChunkPath(chunkNumber)) {
		return map[string]any{
			"success": false,
			"message": fmt.Sprintf("Chunk %d not found. Write the chunk first using write_chunk.", chunkNumber),
		}, nil
	}

	return map[string]any{
		"success":      true,
		"message":      fmt.Sprintf("Chunk %d finalized and submitted for critique.", chunkNumber),
		"chunk_number": chunkNumber,
		"notes":        notes,
		"next_state":   "WRITE_CRITIQUE",
		"next_phase":   fmt.Sprintf("The Chunk Editor will now review Chunk %d.", chunkNumber),
	}, nil
}
