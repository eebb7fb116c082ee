package tools

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"longform/pkg/utils"
	"longform/pkg/workspace"
)

// summaryMinWords guards against the model submitting a stub summary.
const summaryMinWords = 50

// chunkCountRe extracts the planned chunk count from a structure document
// ("... 12 chunks ..."). The first match wins.
var chunkCountRe = regexp.MustCompile(`(?i)(\d+)\s+chunks?`)

// extractChunkCount returns the chunk count named in a structure document.
func extractChunkCount(doc string) (int, bool) {
	m := chunkCountRe.FindStringSubmatch(doc)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// CreateStorySummaryTool writes the high-level story summary document.
type CreateStorySummaryTool struct {
	ctx AgentContext
}

// NewCreateStorySummaryTool creates a new create story summary tool instance.
func NewCreateStorySummaryTool(ctx AgentContext) *CreateStorySummaryTool {
	return &CreateStorySummaryTool{ctx: ctx}
}

// Definition returns the tool's definition in provider API format.
func (t *CreateStorySummaryTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolCreateStorySummary,
		Description: "Creates the high-level story summary file. This should include the core concept, main themes, central conflict, and narrative arc. This is the foundational planning document.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"project_name": {
					Type:        "string",
					Description: "The title/name of the writing project",
				},
				"summary_text": {
					Type:        "string",
					Description: "The complete story summary including concept, themes, conflict, and arc",
				},
			},
			Required: []string{"project_name", "summary_text"},
		},
	}
}

// Name returns the tool identifier.
func (t *CreateStorySummaryTool) Name() string {
	return ToolCreateStorySummary
}

// PromptDocumentation returns markdown documentation for LLM prompts.
func (t *CreateStorySummaryTool) PromptDocumentation() string {
	return `- **create_story_summary** - Create the high-level story summary
  - Parameters: project_name (required), summary_text (required)
  - Writes planning/summary.md; the summary must be at least 50 words
  - Call this first, it is the foundation for every other planning document`
}

// Exec writes the summary document.
func (t *CreateStorySummaryTool) Exec(_ context.Context, args map[string]any) (any, error) {
	nameVal, ok := args["project_name"]
	if !ok {
		return nil, fmt.Errorf("project_name parameter is required")
	}
	projectName, ok := nameVal.(string)
	if !ok {
		return nil, fmt.Errorf("project_name must be a string")
	}
	textVal, ok := args["summary_text"]
	if !ok {
		return nil, fmt.Errorf("summary_text parameter is required")
	}
	summaryText, ok := textVal.(string)
	if !ok {
		return nil, fmt.Errorf("summary_text must be a string")
	}

	content := fmt.Sprintf("# %s\n\n## Story Summary\n\n%s\n", projectName, summaryText)
	wordCount := utils.CountWords(content)
	if wordCount < summaryMinWords {
		return map[string]any{
			"success": false,
			"message": fmt.Sprintf("Content validation failed: content has %d words, minimum is %d", wordCount, summaryMinWords),
		}, nil
	}

	if err := t.ctx.Workspace.WriteFile(workspace.SummaryPath, []byte(content)); err != nil {
		return nil, fmt.Errorf("failed to write summary: %w", err)
	}

	return map[string]any{
		"success":       true,
		"message":       fmt.Sprintf("Successfully created story summary in %s (%d words)", workspace.SummaryPath, wordCount),
		"file_path":     workspace.SummaryPath,
		"plan_artifact": workspace.SummaryPath,
		"next_step":     "Now create the dramatis personae (character profiles) using create_dramatis_personae",
	}, nil
}

// CreateDramatisPersonaeTool writes the character profiles document.
type CreateDramatisPersonaeTool struct {
	ctx AgentContext
}

// NewCreateDramatisPersonaeTool creates a new dramatis personae tool instance.
func NewCreateDramatisPersonaeTool(ctx AgentContext) *CreateDramatisPersonaeTool {
	return &CreateDramatisPersonaeTool{ctx: ctx}
}

// Definition returns the tool's definition in provider API format.
func (t *CreateDramatisPersonaeTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolCreateDramatisPersonae,
		Description: "Creates the character profiles file (dramatis personae). Include all major and significant minor characters with their backgrounds, motivations, relationships, and character arcs.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"characters_data": {
					Type:        "string",
					Description: "Complete character profiles in markdown format with all major and significant minor characters",
				},
			},
			Required: []string{"characters_data"},
		},
	}
}

// Name returns the tool identifier.
func (t *CreateDramatisPersonaeTool) Name() string {
	return ToolCreateDramatisPersonae
}

// PromptDocumentation returns markdown documentation for LLM prompts.
func (t *CreateDramatisPersonaeTool) PromptDocumentation() string {
	return `- **create_dramatis_personae** - Create the character profiles document
  - Parameters: characters_data (required)
  - Writes planning/characters.md with backgrounds, motivations, and arcs`
}

// Exec writes the characters document.
func (t *CreateDramatisPersonaeTool) Exec(_ context.Context, args map[string]any) (any, error) {
	dataVal, ok := args["characters_data"]
	if !ok {
		return nil, fmt.Errorf("characters_data parameter is required")
	}
	charactersData, ok := dataVal.(string)
	if !ok {
		return nil, fmt.Errorf("characters_data must be a string")
	}

	content := "# Dramatis Personae\n\n" + charactersData + "\n"
	if err := t.ctx.Workspace.WriteFile(workspace.CharactersPath, []byte(content)); err != nil {
		return nil, fmt.Errorf("failed to write characters: %w", err)
	}

	return map[string]any{
		"success":       true,
		"message":       fmt.Sprintf("Successfully created character profiles in %s", workspace.CharactersPath),
		"file_path":     workspace.CharactersPath,
		"plan_artifact": workspace.CharactersPath,
		"next_step":     "Now create the story structure using create_story_structure",
	}, nil
}

// CreateStoryStructureTool writes the narrative structure document.
type CreateStoryStructureTool struct {
	ctx AgentContext
}

// NewCreateStoryStructureTool creates a new story structure tool instance.
func NewCreateStoryStructureTool(ctx AgentContext) *CreateStoryStructureTool {
	return &CreateStoryStructureTool{ctx: ctx}
}

// Definition returns the tool's definition in provider API format.
func (t *CreateStoryStructureTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolCreateStoryStructure,
		Description: "Creates the story structure file. Define POV (point of view), narrative timeline, chunk count, pacing strategy, and structural elements (acts, parts, etc.).",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"structure_data": {
					Type:        "string",
					Description: "Complete structure information including POV, timeline, chunk count, and pacing",
				},
			},
			Required: []string{"structure_data"},
		},
	}
}

// Name returns the tool identifier.
func (t *CreateStoryStructureTool) Name() string {
	return ToolCreateStoryStructure
}

// PromptDocumentation returns markdown documentation for LLM prompts.
func (t *CreateStoryStructureTool) PromptDocumentation() string {
	return `- **create_story_structure** - Create the narrative structure document
  - Parameters: structure_data (required)
  - Writes planning/structure.md; state the planned chunk count explicitly
    (for example "The story spans 12 chunks") so it can be tracked`
}

// Exec writes the structure document and reports the planned chunk count.
func (t *CreateStoryStructureTool) Exec(_ context.Context, args map[string]any) (any, error) {
	dataVal, ok := args["structure_data"]
	if !ok {
		return nil, fmt.Errorf("structure_data parameter is required")
	}
	structureData, ok := dataVal.(string)
	if !ok {
		return nil, fmt.Errorf("structure_data must be a string")
	}

	content := "# Story Structure\n\n" + structureData + "\n"
	if err := t.ctx.Workspace.WriteFile(workspace.StructurePath, []byte(content)); err != nil {
		return nil, fmt.Errorf("failed to write structure: %w", err)
	}

	result := map[string]any{
		"success":       true,
		"message":       fmt.Sprintf("Successfully created story structure in %s", workspace.StructurePath),
		"file_path":     workspace.StructurePath,
		"plan_artifact": workspace.StructurePath,
		"next_step":     "Now create the plot outline using create_plot_outline",
	}
	if n, ok := extractChunkCount(structureData); ok {
		result["total_chunks"] = n
	}
	return result, nil
}

// CreatePlotOutlineTool writes the chunk-by-chunk plot outline document.
type CreatePlotOutlineTool struct {
	ctx AgentContext
}

// NewCreatePlotOutlineTool creates a new plot outline tool instance.
func NewCreatePlotOutlineTool(ctx AgentContext) *CreatePlotOutlineTool {
	return &CreatePlotOutlineTool{ctx: ctx}
}

// Definition returns the tool's definition in provider API format.
func (t *CreatePlotOutlineTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolCreatePlotOutline,
		Description: "Creates the detailed plot outline file. Break down the story chunk by chunk with key events, character moments, plot developments, and how each chunk advances the narrative.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"outline_data": {
					Type:        "string",
					Description: "Complete chunk-by-chunk plot outline in markdown format",
				},
			},
			Required: []string{"outline_data"},
		},
	}
}

// Name returns the tool identifier.
func (t *CreatePlotOutlineTool) Name() string {
	return ToolCreatePlotOutline
}

// PromptDocumentation returns markdown documentation for LLM prompts.
func (t *CreatePlotOutlineTool) PromptDocumentation() string {
	return `- **create_plot_outline** - Create the chunk-by-chunk plot outline
  - Parameters: outline_data (required)
  - Writes planning/outline.md with a section per chunk`
}

// Exec writes the outline document.
func (t *CreatePlotOutlineTool) Exec(_ context.Context, args map[string]any) (any, error) {
	dataVal, ok := args["outline_data"]
	if !ok {
		return nil, fmt.Errorf("outline_data parameter is required")
	}
	outlineData, ok := dataVal.(string)
	if !ok {
		return nil, fmt.Errorf("outline_data must be a string")
	}

	content := "# Plot Outline\n\n" + outlineData + "\n"
	if err := t.ctx.Workspace.WriteFile(workspace.OutlinePath, []byte(content)); err != nil {
		return nil, fmt.Errorf("failed to write outline: %w", err)
	}

	return map[string]any{
		"success":       true,
		"message":       fmt.Sprintf("Successfully created plot outline in %s", workspace.OutlinePath),
		"file_path":     workspace.OutlinePath,
		"plan_artifact": workspace.OutlinePath,
		"next_step":     "Now finalize the plan using finalize_plan to complete the planning phase",
	}, nil
}

// FinalizePlanTool ends the planning phase once every planning document exists.
type FinalizePlanTool struct {
	ctx AgentContext
}

// NewFinalizePlanTool creates a new finalize plan tool instance.
func NewFinalizePlanTool(ctx AgentContext) *FinalizePlanTool {
	return &FinalizePlanTool{ctx: ctx}
}

// Definition returns the tool's definition in provider API format.
func (t *FinalizePlanTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolFinalizePlan,
		Description: "Finalizes the planning phase. Call this after creating all planning documents (summary, characters, structure, outline). This transitions the project to the plan critique phase.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"notes": {
					Type:        "string",
					Description: "Optional notes about the completed plan",
				},
			},
			Required: []string{},
		},
	}
}

// Name returns the tool identifier.
func (t *FinalizePlanTool) Name() string {
	return ToolFinalizePlan
}

// PromptDocumentation returns markdown documentation for LLM prompts.
func (t *FinalizePlanTool) PromptDocumentation() string {
	return `- **finalize_plan** - Complete the planning phase
  - Parameters: notes (optional)
  - Requires all four planning documents to exist; fails with the missing list otherwise
  - Terminal: hands the plan to the Story Editor for critique`
}

// Exec verifies the planning artifacts and signals the phase transition.
func (t *FinalizePlanTool) Exec(_ context.Context, args map[string]any) (any, error) {
	notes := ""
	if notesVal, hasNotes := args["notes"]; hasNotes {
		if notesStr, ok := notesVal.(string); ok {
			notes = notesStr
		}
	}

	var missing []string
	for _, rel := range workspace.PlanArtifacts() {
		if !t.ctx.Workspace.Exists(rel) {
			missing = append(missing, rel)
		}
	}
	if len(missing) > 0 {
		return map[string]any{
			"success":       false,
			"message":       fmt.Sprintf("Cannot finalize plan. Missing required files: %s", strings.Join(missing, ", ")),
			"missing_files": missing,
		}, nil
	}

	return map[string]any{
		"success":       true,
		"message":       "Planning phase complete! All planning documents created. Transitioning to plan critique phase.",
		"notes":         notes,
		"files_created": workspace.PlanArtifacts(),
		"next_state":    "PLAN_CRITIQUE",
		"next_phase":    "The Story Editor will now review and critique the plan.",
	}, nil
}
