package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"longform/pkg/workspace"
)

// sectionRule separates documents when several are loaded into one tool result.
var sectionRule = strings.Repeat("=", 80)

// recordTimestamp is the date format stamped into critique and approval records.
func recordTimestamp() string {
	return time.Now().Format("2006-01-02 15:04:05")
}

// LoadPlanMaterialsTool loads every planning document for review.
type LoadPlanMaterialsTool struct {
	ctx AgentContext
}

// NewLoadPlanMaterialsTool creates a new load plan materials tool instance.
func NewLoadPlanMaterialsTool(ctx AgentContext) *LoadPlanMaterialsTool {
	return &LoadPlanMaterialsTool{ctx: ctx}
}

// Definition returns the tool's definition in provider API format.
func (t *LoadPlanMaterialsTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolLoadPlanMaterials,
		Description: "Loads all planning materials (summary, characters, structure, outline) for review. Use this at the start of the plan critique phase to read all planning documents.",
		InputSchema: InputSchema{
			Type:       "object",
			Properties: map[string]Property{},
			Required:   []string{},
		},
	}
}

// Name returns the tool identifier.
func (t *LoadPlanMaterialsTool) Name() string {
	return ToolLoadPlanMaterials
}

// PromptDocumentation returns markdown documentation for LLM prompts.
func (t *LoadPlanMaterialsTool) PromptDocumentation() string {
	return `- **load_plan_materials** - Load all four planning documents
  - Parameters: none
  - Use at the start of the critique so feedback is grounded in the full plan`
}

// Exec loads and formats the four planning documents.
func (t *LoadPlanMaterialsTool) Exec(_ context.Context, _ map[string]any) (any, error) {
	sections := []struct {
		title string
		rel   string
	}{
		{"STORY SUMMARY", workspace.SummaryPath},
		{"DRAMATIS PERSONAE (CHARACTERS)", workspace.CharactersPath},
		{"STORY STRUCTURE", workspace.StructurePath},
		{"PLOT OUTLINE", workspace.OutlinePath},
	}

	loaded := make(map[string]string, len(sections))
	var missing []string
	for _, s := range sections {
		if !t.ctx.Workspace.Exists(s.rel) {
			missing = append(missing, s.rel)
			continue
		}
		content, err := t.ctx.Workspace.ReadFile(s.rel)
		if err != nil {
			content = fmt.Sprintf("Error reading file: %v", err)
		}
		loaded[s.rel] = content
	}

	if len(missing) > 0 {
		return map[string]any{
			"success":       false,
			"message":       fmt.Sprintf("Missing planning files: %s", strings.Join(missing, ", ")),
			"missing_files": missing,
		}, nil
	}

	var b strings.Builder
	b.WriteString("PLANNING MATERIALS LOADED FOR REVIEW:\n")
	filesLoaded := make([]string, 0, len(sections))
	for _, s := range sections {
		fmt.Fprintf(&b, "\n%s\n%s\n%s\n%s\n", sectionRule, s.title, sectionRule, loaded[s.rel])
		filesLoaded = append(filesLoaded, s.rel)
	}
	fmt.Fprintf(&b, "\n%s\nEND OF PLANNING MATERIALS\n%s\n", sectionRule, sectionRule)

	return map[string]any{
		"success":      true,
		"message":      "Successfully loaded all planning materials for review.",
		"content":      b.String(),
		"files_loaded": filesLoaded,
	}, nil
}

// CritiquePlanTool records a versioned critique of the plan.
type CritiquePlanTool struct {
	ctx AgentContext
}

// NewCritiquePlanTool creates a new critique plan tool instance.
func NewCritiquePlanTool(ctx AgentContext) *CritiquePlanTool {
	return &CritiquePlanTool{ctx: ctx}
}

// Definition returns the tool's definition in provider API format.
func (t *CritiquePlanTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolCritiquePlan,
		Description: "Provides comprehensive critique of the planning materials. Document any issues, plot holes, inconsistencies, weak motivations, or areas for improvement. This critique will be saved for reference.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"critique_text": {
					Type:        "string",
					Description: "Comprehensive critique identifying issues and suggesting improvements",
				},
			},
			Required: []string{"critique_text"},
		},
	}
}

// Name returns the tool identifier.
func (t *CritiquePlanTool) Name() string {
	return ToolCritiquePlan
}

// PromptDocumentation returns markdown documentation for LLM prompts.
func (t *CritiquePlanTool) PromptDocumentation() string {
	return `- **critique_plan** - Record a versioned plan critique
  - Parameters: critique_text (required)
  - Writes critiques/plan_critique_vN.md; follow up with revision tools or approve_plan
  - Refused once the plan hits its critique round cap (the plan auto-approves instead)`
}

// Exec writes the critique record. The version is the round the critic is
// starting: one past the rounds already recorded in pipeline state. At the
// critique round cap it refuses and flags the plan for auto-approval.
func (t *CritiquePlanTool) Exec(_ context.Context, args map[string]any) (any, error) {
	textVal, ok := args["critique_text"]
	if !ok {
		return nil, fmt.Errorf("critique_text parameter is required")
	}
	critiqueText, ok := textVal.(string)
	if !ok {
		return nil, fmt.Errorf("critique_text must be a string")
	}

	rounds := t.ctx.State.PlanCritiqueRound()
	maxRounds := t.ctx.State.MaxPlanCritiqueRounds()
	if rounds >= maxRounds {
		return map[string]any{
			"success":      false,
			"message":      fmt.Sprintf("Maximum critique iterations (%d) reached for the plan. Auto-approving to prevent infinite loop.", maxRounds),
			"auto_approve": true,
		}, nil
	}

	version := rounds + 1
	rel := workspace.PlanCritiquePath(version)

	var b strings.Builder
	fmt.Fprintf(&b, "# Plan Critique - Version %d\n\n", version)
	fmt.Fprintf(&b, "**Date:** %s\n\n", recordTimestamp())
	b.WriteString("---\n\n")
	b.WriteString(critiqueText)
	b.WriteString("\n")

	if err := t.ctx.Workspace.WriteFile(rel, []byte(b.String())); err != nil {
		return nil, fmt.Errorf("failed to save critique: %w", err)
	}

	return map[string]any{
		"success":   true,
		"message":   fmt.Sprintf("Critique saved as plan_critique_v%d.md", version),
		"file_path": rel,
		"version":   version,
		"next_step": "Now use revision tools (revise_summary, revise_characters, etc.) to make changes, or use approve_plan if no changes needed",
	}, nil
}

// ReviseSummaryTool rewrites the story summary, preserving the title line.
type ReviseSummaryTool struct {
	ctx AgentContext
}

// NewReviseSummaryTool creates a new revise summary tool instance.
func NewReviseSummaryTool(ctx AgentContext) *ReviseSummaryTool {
	return &ReviseSummaryTool{ctx: ctx}
}

// Definition returns the tool's definition in provider API format.
func (t *ReviseSummaryTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolReviseSummary,
		Description: "Revises the story summary based on critique feedback. Overwrites the existing summary with improvements.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"new_summary": {
					Type:        "string",
					Description: "The revised story summary text",
				},
			},
			Required: []string{"new_summary"},
		},
	}
}

// Name returns the tool identifier.
func (t *ReviseSummaryTool) Name() string {
	return ToolReviseSummary
}

// PromptDocumentation returns markdown documentation for LLM prompts.
func (t *ReviseSummaryTool) PromptDocumentation() string {
	return `- **revise_summary** - Rewrite the story summary after critique
  - Parameters: new_summary (required)
  - Keeps the project title line, replaces everything else`
}

// Exec rewrites the summary document.
func (t *ReviseSummaryTool) Exec(_ context.Context, args map[string]any) (any, error) {
	sumVal, ok := args["new_summary"]
	if !ok {
		return nil, fmt.Errorf("new_summary parameter is required")
	}
	newSummary, ok := sumVal.(string)
	if !ok {
		return nil, fmt.Errorf("new_summary must be a string")
	}

	// Preserve the original title line if the summary already exists.
	title := ""
	if existing, err := t.ctx.Workspace.ReadFile(workspace.SummaryPath); err == nil {
		if line, _, _ := strings.Cut(existing, "\n"); strings.HasPrefix(line, "#") {
			title = line + "\n"
		}
	}

	var b strings.Builder
	if title != "" {
		b.WriteString(title)
	} else {
		b.WriteString("# Story Summary\n\n")
	}
	b.WriteString("## Story Summary (Revised)\n\n")
	b.WriteString(newSummary)
	b.WriteString("\n")

	if err := t.ctx.Workspace.WriteFile(workspace.SummaryPath, []byte(b.String())); err != nil {
		return nil, fmt.Errorf("failed to revise summary: %w", err)
	}

	return map[string]any{
		"success":   true,
		"message":   "Successfully revised story summary.",
		"file_path": workspace.SummaryPath,
	}, nil
}

// ReviseCharactersTool rewrites the character profiles.
type ReviseCharactersTool struct {
	ctx AgentContext
}

// NewReviseCharactersTool creates a new revise characters tool instance.
func NewReviseCharactersTool(ctx AgentContext) *ReviseCharactersTool {
	return &ReviseCharactersTool{ctx: ctx}
}

// Definition returns the tool's definition in provider API format.
func (t *ReviseCharactersTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolReviseCharacters,
		Description: "Revises the character profiles based on critique feedback. Overwrites the existing characters file with improvements.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"character_updates": {
					Type:        "string",
					Description: "The revised character profiles text",
				},
			},
			Required: []string{"character_updates"},
		},
	}
}

// Name returns the tool identifier.
func (t *ReviseCharactersTool) Name() string {
	return ToolReviseCharacters
}

// PromptDocumentation returns markdown documentation for LLM prompts.
func (t *ReviseCharactersTool) PromptDocumentation() string {
	return `- **revise_characters** - Rewrite the character profiles after critique
  - Parameters: character_updates (required)`
}

// Exec rewrites the characters document.
func (t *ReviseCharactersTool) Exec(_ context.Context, args map[string]any) (any, error) {
	updVal, ok := args["character_updates"]
	if !ok {
		return nil, fmt.Errorf("character_updates parameter is required")
	}
	characterUpdates, ok := updVal.(string)
	if !ok {
		return nil, fmt.Errorf("character_updates must be a string")
	}

	content := "# Dramatis Personae (Revised)\n\n" + characterUpdates + "\n"
	if err := t.ctx.Workspace.WriteFile(workspace.CharactersPath, []byte(content)); err != nil {
		return nil, fmt.Errorf("failed to revise characters: %w", err)
	}

	return map[string]any{
		"success":   true,
		"message":   "Successfully revised character profiles.",
		"file_path": workspace.CharactersPath,
	}, nil
}

// ReviseStructureTool rewrites the story structure and re-reads the chunk count.
type ReviseStructureTool struct {
	ctx AgentContext
}

// NewReviseStructureTool creates a new revise structure tool instance.
func NewReviseStructureTool(ctx AgentContext) *ReviseStructureTool {
	return &ReviseStructureTool{ctx: ctx}
}

// Definition returns the tool's definition in provider API format.
func (t *ReviseStructureTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolReviseStructure,
		Description: "Revises the story structure based on critique feedback. Overwrites the existing structure file with improvements.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"structure_updates": {
					Type:        "string",
					Description: "The revised story structure text",
				},
			},
			Required: []string{"structure_updates"},
		},
	}
}

// Name returns the tool identifier.
func (t *ReviseStructureTool) Name() string {
	return ToolReviseStructure
}

// PromptDocumentation returns markdown documentation for LLM prompts.
func (t *ReviseStructureTool) PromptDocumentation() string {
	return `- **revise_structure** - Rewrite the story structure after critique
  - Parameters: structure_updates (required)
  - Restate the chunk count if it changed; it is tracked from this document`
}

// Exec rewrites the structure document and reports a changed chunk count.
func (t *ReviseStructureTool) Exec(_ context.Context, args map[string]any) (any, error) {
	updVal, ok := args["structure_updates"]
	if !ok {
		return nil, fmt.Errorf("structure_updates parameter is required")
	}
	structureUpdates, ok := updVal.(string)
	if !ok {
		return nil, fmt.Errorf("structure_updates must be a string")
	}

	content := "# Story Structure (Revised)\n\n" + structureUpdates + "\n"
	if err := t.ctx.Workspace.WriteFile(workspace.StructurePath, []byte(content)); err != nil {
		return nil, fmt.Errorf("failed to revise structure: %w", err)
	}

	result := map[string]any{
		"success":   true,
		"message":   "Successfully revised story structure.",
		"file_path": workspace.StructurePath,
	}
	if n, ok := extractChunkCount(structureUpdates); ok {
		result["total_chunks"] = n
	}
	return result, nil
}

// ReviseOutlineTool rewrites the plot outline.
type ReviseOutlineTool struct {
	ctx AgentContext
}

// NewReviseOutlineTool creates a new revise outline tool instance.
func NewReviseOutlineTool(ctx AgentContext) *ReviseOutlineTool {
	return &ReviseOutlineTool{ctx: ctx}
}

// Definition returns the tool's definition in provider API format.
func (t *ReviseOutlineTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolReviseOutline,
		Description: "Revises the plot outline based on critique feedback. Overwrites the existing outline file with improvements.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"outline_updates": {
					Type:        "string",
					Description: "The revised plot outline text",
				},
			},
			Required: []string{"outline_updates"},
		},
	}
}

// Name returns the tool identifier.
func (t *ReviseOutlineTool) Name() string {
	return ToolReviseOutline
}

// PromptDocumentation returns markdown documentation for LLM prompts.
func (t *ReviseOutlineTool) PromptDocumentation() string {
	return `- **revise_outline** - Rewrite the plot outline after critique
  - Parameters: outline_updates (required)`
}

// Exec rewrites the outline document.
func (t *ReviseOutlineTool) Exec(_ context.Context, args map[string]any) (any, error) {
	updVal, ok := args["outline_updates"]
	if !ok {
		return nil, fmt.Errorf("outline_updates parameter is required")
	}
	outlineUpdates, ok := updVal.(string)
	if !ok {
		return nil, fmt.Errorf("outline_updates must be a string")
	}

	content := "# Plot Outline (Revised)\n\n" + outlineUpdates + "\n"
	if err := t.ctx.Workspace.WriteFile(workspace.OutlinePath, []byte(content)); err != nil {
		return nil, fmt.Errorf("failed to revise outline: %w", err)
	}

	return map[string]any{
		"success":   true,
		"message":   "Successfully revised plot outline.",
		"file_path": workspace.OutlinePath,
	}, nil
}

// ApprovePlanTool records plan approval and signals the writing phase.
type ApprovePlanTool struct {
	ctx AgentContext
}

// NewApprovePlanTool creates a new approve plan tool instance.
func NewApprovePlanTool(ctx AgentContext) *ApprovePlanTool {
	return &ApprovePlanTool{ctx: ctx}
}

// Definition returns the tool's definition in provider API format.
func (t *ApprovePlanTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolApprovePlan,
		Description: "Approves the plan and transitions to the writing phase. Call this when all planning materials are reviewed and meet quality standards. This ends the plan critique phase.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"approval_notes": {
					Type:        "string",
					Description: "Notes about the approval and why the plan is ready for writing",
				},
			},
			Required: []string{"approval_notes"},
		},
	}
}

// Name returns the tool identifier.
func (t *ApprovePlanTool) Name() string {
	return ToolApprovePlan
}

// PromptDocumentation returns markdown documentation for LLM prompts.
func (t *ApprovePlanTool) PromptDocumentation() string {
	return `- **approve_plan** - Approve the plan and end the critique phase
  - Parameters: approval_notes (required)
  - Terminal: writes planning/plan_approval.md and hands off to the Creative Writer`
}

// Exec writes the approval record and signals the transition.
func (t *ApprovePlanTool) Exec(_ context.Context, args map[string]any) (any, error) {
	notesVal, ok := args["approval_notes"]
	if !ok {
		return nil, fmt.Errorf("approval_notes parameter is required")
	}
	approvalNotes, ok := notesVal.(string)
	if !ok {
		return nil, fmt.Errorf("approval_notes must be a string")
	}

	var b strings.Builder
	b.WriteString("# Plan Approval\n\n")
	fmt.Fprintf(&b, "**Date:** %s\n\n", recordTimestamp())
	b.WriteString("**Status:** APPROVED\n\n")
	b.WriteString("---\n\n")
	b.WriteString(approvalNotes)
	b.WriteString("\n")

	if err := t.ctx.Workspace.WriteFile(workspace.PlanApprovalPath, []byte(b.String())); err != nil {
		return nil, fmt.Errorf("failed to write approval: %w", err)
	}

	return map[string]any{
		"success":             true,
		"message":             "Plan approved by critic! Requesting user approval before transitioning to writing phase.",
		"file_path":           workspace.PlanApprovalPath,
		"plan_approved":       true,
		"critique_iterations": t.ctx.State.PlanCritiqueRound(),
		"next_state":          "WRITING",
		"next_phase":          "The Creative Writer will begin writing chunks based on the approved plan (pending user approval).",
	}, nil
}
