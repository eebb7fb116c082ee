// Package tools provides the phase toolsets exposed to the writing agents and
// the registry that creates them per project context. Tools write artifacts
// into the project workspace and report state changes through typed keys in
// their result maps; they never mutate pipeline state directly.
package tools

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"longform/pkg/workspace"
)

// StateView is the read-only view of pipeline state that tools consult.
// Mutations travel back to the pipeline as keys in the tool result map
// ("version", "total_chunks", "chunk_approved", "next_state", ...).
type StateView interface {
	CurrentChunk() int
	TotalChunks() int
	PlanCritiqueRound() int
	ChunkCritiqueRound(chunk int) int
	ChunksApproved() []int
	MaxPlanCritiqueRounds() int
	MaxChunkCritiqueRounds() int
}

// AgentContext carries the per-project dependencies used to build tools.
type AgentContext struct {
	Workspace *workspace.Project
	State     StateView
}

// ToolFactory creates a tool instance configured for a specific agent context.
type ToolFactory func(ctx AgentContext) (Tool, error)

// ToolMeta contains metadata about a tool for documentation and discovery.
type ToolMeta struct {
	Name        string
	Description string
	InputSchema InputSchema
}

// toolDescriptor contains the factory and metadata for a tool.
type toolDescriptor struct {
	meta    ToolMeta
	factory ToolFactory
}

// immutableRegistry is the global, read-only tool registry.
type immutableRegistry struct {
	mu     sync.RWMutex
	sealed bool
	tools  map[string]toolDescriptor
}

// Global registry instance - populated in init().
//
//nolint:gochecknoglobals // Factory pattern requires global registry
var globalRegistry = &immutableRegistry{
	tools: make(map[string]toolDescriptor),
}

// Register adds a tool factory to the global registry.
// Panics if called after the registry is sealed.
func Register(name string, factory ToolFactory, meta *ToolMeta) {
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()

	if globalRegistry.sealed {
		panic(fmt.Sprintf("tool registry sealed - cannot register tool '%s'", name))
	}

	globalRegistry.tools[name] = toolDescriptor{
		meta:    *meta,
		factory: factory,
	}
}

// Seal prevents further tool registrations.
// Called automatically when the first ToolProvider is created.
func Seal() {
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()
	globalRegistry.sealed = true
}

// ListTools returns metadata for all registered tools, sorted by name.
func ListTools() []ToolMeta {
	globalRegistry.mu.RLock()
	defer globalRegistry.mu.RUnlock()

	result := make([]ToolMeta, 0, len(globalRegistry.tools))
	for _, desc := range globalRegistry.tools {
		result = append(result, desc.meta)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// ToolProvider creates and manages tool instances for a specific project context.
type ToolProvider struct {
	ctx      AgentContext
	tools    map[string]Tool
	allowSet map[string]struct{}
	mu       sync.Mutex
}

// NewProvider creates a new ToolProvider for the given agent context and
// allowed tools. Automatically seals the global registry on first use.
func NewProvider(ctx AgentContext, allowedTools []string) *ToolProvider {
	Seal() // Ensure registry is immutable

	allowSet := make(map[string]struct{}, len(allowedTools))
	for _, name := range allowedTools {
		allowSet[name] = struct{}{}
	}

	return &ToolProvider{
		ctx:      ctx,
		tools:    make(map[string]Tool),
		allowSet: allowSet,
	}
}

// Get retrieves a tool instance, creating it lazily if needed.
func (p *ToolProvider) Get(name string) (Tool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.allowSet[name]; !ok {
		return nil, fmt.Errorf("tool '%s' not allowed in this context", name)
	}

	if tool, ok := p.tools[name]; ok {
		return tool, nil
	}

	globalRegistry.mu.RLock()
	desc, exists := globalRegistry.tools[name]
	globalRegistry.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("tool '%s' not registered", name)
	}

	tool, err := desc.factory(p.ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool '%s': %w", name, err)
	}

	p.tools[name] = tool
	return tool, nil
}

// Must is like Get but panics on error. Use for tools that must exist.
func (p *ToolProvider) Must(name string) Tool {
	tool, err := p.Get(name)
	if err != nil {
		panic(err)
	}
	return tool
}

// List returns metadata for all allowed tools, sorted by name.
func (p *ToolProvider) List() []ToolMeta {
	globalRegistry.mu.RLock()
	defer globalRegistry.mu.RUnlock()

	result := make([]ToolMeta, 0, len(p.allowSet))
	for name := range p.allowSet {
		if desc, ok := globalRegistry.tools[name]; ok {
			result = append(result, desc.meta)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Definitions returns the full tool definitions for all allowed tools,
// sorted by name, for handing to a model request.
func (p *ToolProvider) Definitions() []ToolDefinition {
	metas := p.List()
	defs := make([]ToolDefinition, 0, len(metas))
	for i := range metas {
		defs = append(defs, ToolDefinition{
			Name:        metas[i].Name,
			Description: metas[i].Description,
			InputSchema: metas[i].InputSchema,
		})
	}
	return defs
}

// GenerateToolDocumentation generates tool documentation for this provider's allowed tools.
func (p *ToolProvider) GenerateToolDocumentation() string {
	return GenerateToolDocumentationForTools(p.List())
}

// GenerateToolDocumentationForTools creates markdown documentation for the provided tool metadata.
func GenerateToolDocumentationForTools(tools []ToolMeta) string {
	if len(tools) == 0 {
		return "No tools available"
	}

	var doc strings.Builder
	doc.WriteString("## Available Tools\n\n")

	for i := range tools {
		doc.WriteString(fmt.Sprintf("- **%s** - %s\n", tools[i].Name, tools[i].Description))
	}

	return doc.String()
}

// FACTORY HELPERS

func requireWorkspace(name string, ctx AgentContext) error {
	if ctx.Workspace == nil {
		return fmt.Errorf("%s requires a project workspace", name)
	}
	return nil
}

func requireState(name string, ctx AgentContext) error {
	if err := requireWorkspace(name, ctx); err != nil {
		return err
	}
	if ctx.State == nil {
		return fmt.Errorf("%s requires pipeline state access", name)
	}
	return nil
}

// TOOL FACTORY FUNCTIONS

func createStorySummaryTool(ctx AgentContext) (Tool, error) {
	if err := requireWorkspace(ToolCreateStorySummary, ctx); err != nil {
		return nil, err
	}
	return NewCreateStorySummaryTool(ctx), nil
}

func createDramatisPersonaeTool(ctx AgentContext) (Tool, error) {
	if err := requireWorkspace(ToolCreateDramatisPersonae, ctx); err != nil {
		return nil, err
	}
	return NewCreateDramatisPersonaeTool(ctx), nil
}

func createStoryStructureTool(ctx AgentContext) (Tool, error) {
	if err := requireWorkspace(ToolCreateStoryStructure, ctx); err != nil {
		return nil, err
	}
	return NewCreateStoryStructureTool(ctx), nil
}

func createPlotOutlineTool(ctx AgentContext) (Tool, error) {
	if err := requireWorkspace(ToolCreatePlotOutline, ctx); err != nil {
		return nil, err
	}
	return NewCreatePlotOutlineTool(ctx), nil
}

func createFinalizePlanTool(ctx AgentContext) (Tool, error) {
	if err := requireWorkspace(ToolFinalizePlan, ctx); err != nil {
		return nil, err
	}
	return NewFinalizePlanTool(ctx), nil
}

func createLoadPlanMaterialsTool(ctx AgentContext) (Tool, error) {
	if err := requireWorkspace(ToolLoadPlanMaterials, ctx); err != nil {
		return nil, err
	}
	return NewLoadPlanMaterialsTool(ctx), nil
}

func createCritiquePlanTool(ctx AgentContext) (Tool, error) {
	if err := requireState(ToolCritiquePlan, ctx); err != nil {
		return nil, err
	}
	return NewCritiquePlanTool(ctx), nil
}

func createReviseSummaryTool(ctx AgentContext) (Tool, error) {
	if err := requireWorkspace(ToolReviseSummary, ctx); err != nil {
		return nil, err
	}
	return NewReviseSummaryTool(ctx), nil
}

func createReviseCharactersTool(ctx AgentContext) (Tool, error) {
	if err := requireWorkspace(ToolReviseCharacters, ctx); err != nil {
		return nil, err
	}
	return NewReviseCharactersTool(ctx), nil
}

func createReviseStructureTool(ctx AgentContext) (Tool, error) {
	if err := requireWorkspace(ToolReviseStructure, ctx); err != nil {
		return nil, err
	}
	return NewReviseStructureTool(ctx), nil
}

func createReviseOutlineTool(ctx AgentContext) (Tool, error) {
	if err := requireWorkspace(ToolReviseOutline, ctx); err != nil {
		return nil, err
	}
	return NewReviseOutlineTool(ctx), nil
}

func createApprovePlanTool(ctx AgentContext) (Tool, error) {
	if err := requireState(ToolApprovePlan, ctx); err != nil {
		return nil, err
	}
	return NewApprovePlanTool(ctx), nil
}

func createLoadApprovedPlanTool(ctx AgentContext) (Tool, error) {
	if err := requireWorkspace(ToolLoadApprovedPlan, ctx); err != nil {
		return nil, err
	}
	return NewLoadApprovedPlanTool(ctx), nil
}

func createChunkContextTool(ctx AgentContext) (Tool, error) {
	if err := requireWorkspace(ToolGetChunkContext, ctx); err != nil {
		return nil, err
	}
	return NewGetChunkContextTool(ctx), nil
}

func createWriteChunkTool(ctx AgentContext) (Tool, error) {
	if err := requireWorkspace(ToolWriteChunk, ctx); err != nil {
		return nil, err
	}
	return NewWriteChunkTool(ctx), nil
}

func createReviewPreviousWritingTool(ctx AgentContext) (Tool, error) {
	if err := requireWorkspace(ToolReviewPreviousWriting, ctx); err != nil {
		return nil, err
	}
	return NewReviewPreviousWritingTool(ctx), nil
}

func createFinalizeChunkTool(ctx AgentContext) (Tool, error) {
	if err := requireWorkspace(ToolFinalizeChunk, ctx); err != nil {
		return nil, err
	}
	return NewFinalizeChunkTool(ctx), nil
}

func createLoadChunkForReviewTool(ctx AgentContext) (Tool, error) {
	if err := requireWorkspace(ToolLoadChunkForReview, ctx); err != nil {
		return nil, err
	}
	return NewLoadChunkForReviewTool(ctx), nil
}

func createLoadContextForCritiqueTool(ctx AgentContext) (Tool, error) {
	if err := requireWorkspace(ToolLoadContextForCritique, ctx); err != nil {
		return nil, err
	}
	return NewLoadContextForCritiqueTool(ctx), nil
}

func createCritiqueChunkTool(ctx AgentContext) (Tool, error) {
	if err := requireState(ToolCritiqueChunk, ctx); err != nil {
		return nil, err
	}
	return NewCritiqueChunkTool(ctx), nil
}

func createApproveChunkTool(ctx AgentContext) (Tool, error) {
	if err := requireState(ToolApproveChunk, ctx); err != nil {
		return nil, err
	}
	return NewApproveChunkTool(ctx), nil
}

func createRequestRevisionTool(ctx AgentContext) (Tool, error) {
	if err := requireState(ToolRequestRevision, ctx); err != nil {
		return nil, err
	}
	return NewRequestRevisionTool(ctx), nil
}

// init registers all tools in the global registry using the factory pattern.
// Schemas are extracted from zero-context instances; Definition never touches
// the context.
//
//nolint:gochecknoinits // Factory pattern requires init() for tool registration
func init() {
	// Planning tools.
	Register(ToolCreateStorySummary, createStorySummaryTool, &ToolMeta{
		Name:        ToolCreateStorySummary,
		Description: "Create the high-level story summary document",
		InputSchema: NewCreateStorySummaryTool(AgentContext{}).Definition().InputSchema,
	})

	Register(ToolCreateDramatisPersonae, createDramatisPersonaeTool, &ToolMeta{
		Name:        ToolCreateDramatisPersonae,
		Description: "Create the character profiles document",
		InputSchema: NewCreateDramatisPersonaeTool(AgentContext{}).Definition().InputSchema,
	})

	Register(ToolCreateStoryStructure, createStoryStructureTool, &ToolMeta{
		Name:        ToolCreateStoryStructure,
		Description: "Create the story structure document including the planned chunk count",
		InputSchema: NewCreateStoryStructureTool(AgentContext{}).Definition().InputSchema,
	})

	Register(ToolCreatePlotOutline, createPlotOutlineTool, &ToolMeta{
		Name:        ToolCreatePlotOutline,
		Description: "Create the chunk-by-chunk plot outline document",
		InputSchema: NewCreatePlotOutlineTool(AgentContext{}).Definition().InputSchema,
	})

	Register(ToolFinalizePlan, createFinalizePlanTool, &ToolMeta{
		Name:        ToolFinalizePlan,
		Description: "Finalize the planning phase once all planning documents exist",
		InputSchema: NewFinalizePlanTool(AgentContext{}).Definition().InputSchema,
	})

	// Plan critique tools.
	Register(ToolLoadPlanMaterials, createLoadPlanMaterialsTool, &ToolMeta{
		Name:        ToolLoadPlanMaterials,
		Description: "Load all planning materials for review",
		InputSchema: NewLoadPlanMaterialsTool(AgentContext{}).Definition().InputSchema,
	})

	Register(ToolCritiquePlan, createCritiquePlanTool, &ToolMeta{
		Name:        ToolCritiquePlan,
		Description: "Record a versioned critique of the planning materials",
		InputSchema: NewCritiquePlanTool(AgentContext{}).Definition().InputSchema,
	})

	Register(ToolReviseSummary, createReviseSummaryTool, &ToolMeta{
		Name:        ToolReviseSummary,
		Description: "Revise the story summary based on critique feedback",
		InputSchema: NewReviseSummaryTool(AgentContext{}).Definition().InputSchema,
	})

	Register(ToolReviseCharacters, createReviseCharactersTool, &ToolMeta{
		Name:        ToolReviseCharacters,
		Description: "Revise the character profiles based on critique feedback",
		InputSchema: NewReviseCharactersTool(AgentContext{}).Definition().InputSchema,
	})

	Register(ToolReviseStructure, createReviseStructureTool, &ToolMeta{
		Name:        ToolReviseStructure,
		Description: "Revise the story structure based on critique feedback",
		InputSchema: NewReviseStructureTool(AgentContext{}).Definition().InputSchema,
	})

	Register(ToolReviseOutline, createReviseOutlineTool, &ToolMeta{
		Name:        ToolReviseOutline,
		Description: "Revise the plot outline based on critique feedback",
		InputSchema: NewReviseOutlineTool(AgentContext{}).Definition().InputSchema,
	})

	Register(ToolApprovePlan, createApprovePlanTool, &ToolMeta{
		Name:        ToolApprovePlan,
		Description: "Approve the plan and signal the transition to the writing phase",
		InputSchema: NewApprovePlanTool(AgentContext{}).Definition().InputSchema,
	})

	// Writing tools.
	Register(ToolLoadApprovedPlan, createLoadApprovedPlanTool, &ToolMeta{
		Name:        ToolLoadApprovedPlan,
		Description: "Load the approved planning materials for reference while writing",
		InputSchema: NewLoadApprovedPlanTool(AgentContext{}).Definition().InputSchema,
	})

	Register(ToolGetChunkContext, createChunkContextTool, &ToolMeta{
		Name:        ToolGetChunkContext,
		Description: "Get the outline context for the chunk about to be written",
		InputSchema: NewGetChunkContextTool(AgentContext{}).Definition().InputSchema,
	})

	Register(ToolWriteChunk, createWriteChunkTool, &ToolMeta{
		Name:        ToolWriteChunk,
		Description: "Write a complete manuscript chunk to the project",
		InputSchema: NewWriteChunkTool(AgentContext{}).Definition().InputSchema,
	})

	Register(ToolReviewPreviousWriting, createReviewPreviousWritingTool, &ToolMeta{
		Name:        ToolReviewPreviousWriting,
		Description: "Load previously written chunks for continuity checking",
		InputSchema: NewReviewPreviousWritingTool(AgentContext{}).Definition().InputSchema,
	})

	Register(ToolFinalizeChunk, createFinalizeChunkTool, &ToolMeta{
		Name:        ToolFinalizeChunk,
		Description: "Finalize a chunk and submit it for critique",
		InputSchema: NewFinalizeChunkTool(AgentContext{}).Definition().InputSchema,
	})

	// Write critique tools.
	Register(ToolLoadChunkForReview, createLoadChunkForReviewTool, &ToolMeta{
		Name:        ToolLoadChunkForReview,
		Description: "Load a chunk for review",
		InputSchema: NewLoadChunkForReviewTool(AgentContext{}).Definition().InputSchema,
	})

	Register(ToolLoadContextForCritique, createLoadContextForCritiqueTool, &ToolMeta{
		Name:        ToolLoadContextForCritique,
		Description: "Load the plan and neighboring chunks as context for a chunk critique",
		InputSchema: NewLoadContextForCritiqueTool(AgentContext{}).Definition().InputSchema,
	})

	Register(ToolCritiqueChunk, createCritiqueChunkTool, &ToolMeta{
		Name:        ToolCritiqueChunk,
		Description: "Record a versioned critique of a chunk",
		InputSchema: NewCritiqueChunkTool(AgentContext{}).Definition().InputSchema,
	})

	Register(ToolApproveChunk, createApproveChunkTool, &ToolMeta{
		Name:        ToolApproveChunk,
		Description: "Approve a chunk and signal the next chunk or completion",
		InputSchema: NewApproveChunkTool(AgentContext{}).Definition().InputSchema,
	})

	Register(ToolRequestRevision, createRequestRevisionTool, &ToolMeta{
		Name:        ToolRequestRevision,
		Description: "Send a chunk back to the writer with revision notes",
		InputSchema: NewRequestRevisionTool(AgentContext{}).Definition().InputSchema,
	})
}
