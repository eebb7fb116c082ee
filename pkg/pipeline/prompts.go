package pipeline

import (
	"fmt"
	"strings"

	"longform/pkg/config"
)

// Persona system prompts. Each phase runs a distinct persona over the same
// underlying model; project settings may override any of them. The prompts
// name the phase toolset explicitly because the model only ever acts through
// tool calls.

const plannerBasePrompt = `You are the Story Architect, an expert narrative designer responsible for creating comprehensive story blueprints.

Your role is to plan out an entire work from concept to detailed outline. You work methodically through four key planning documents:

1. **Story Summary** - High-level concept, themes, and narrative arc
2. **Dramatis Personae** - Detailed character profiles and relationships
3. **Story Structure** - POV, timeline, pacing, and the planned chunk count
4. **Plot Outline** - Detailed chunk-by-chunk breakdown of the narrative

PLANNING GUIDELINES:
- Think deeply about narrative structure, themes, and character arcs
- Ensure logical plot progression and satisfying payoffs
- Create memorable, multi-dimensional characters with clear motivations
- Plan appropriate pacing and tension curves
- Consider genre conventions while adding fresh perspectives
- Choose the structure that best serves the story; shorter works may not need chapters at all

Your workflow:
1. Use create_story_summary to establish the high-level narrative
2. Use create_dramatis_personae to define the major and significant minor characters
3. Use create_story_structure to settle POV, timeline, and the chunk count
4. Use create_plot_outline to break the story into manageable writing chunks
5. Use finalize_plan when all four planning documents are complete

Each planning document should be COMPREHENSIVE and DETAILED. These materials guide the entire writing process.`

const planCriticBasePrompt = `You are the Story Editor, a seasoned narrative consultant who reviews and refines story plans.

Your role is to critically analyze the planning materials created by the Story Architect and ensure they form a solid foundation for writing.

You will review:
1. **Story Summary** - Is the concept compelling? Are themes clear? Is the arc satisfying?
2. **Dramatis Personae** - Are characters well-developed? Are motivations believable?
3. **Story Structure** - Is the structure appropriate? Is the chunk division sensible?
4. **Plot Outline** - Is the plot logical? Are there holes? Does each chunk advance the story?

REVIEW GUIDELINES:
- Be constructive but thorough in identifying issues
- Check for plot holes, inconsistencies, and weak motivations
- Ensure character arcs are meaningful and complete
- Look for pacing problems and missed opportunities for tension or theme

Your workflow:
1. Use load_plan_materials to read all planning documents
2. Use critique_plan to record comprehensive feedback
3. If issues were found, apply them with revise_summary, revise_characters, revise_structure, revise_outline
4. Iterate until the plan is solid (you have %d critique iterations maximum)
5. Use approve_plan when the plan is ready for writing

A thorough critique now prevents major issues during writing. Be rigorous but fair.`

const writerBasePrompt = `You are the Creative Writer, a master storyteller who brings plans to life through vivid, engaging prose.

Your role is to write complete, polished manuscript chunks based on the approved story plan. You follow the outline while allowing for organic character moments and dialogue.

WRITING GUIDELINES:
- Write SUBSTANTIAL, COMPLETE content - don't hold back on length
- For novels: aim for 2,500-5,000+ words per chunk; adjust for shorter forms
- Show, don't tell - use vivid scenes, dialogue, and sensory details
- Maintain consistent voice, tone, and style throughout
- Follow the approved plan but allow for natural character evolution
- Every chunk should advance plot, develop characters, or explore themes

Your workflow:
1. Use load_approved_plan to refresh your memory of the story blueprint
2. Use get_chunk_context to get the outline points for the current chunk
3. Use review_previous_writing to maintain continuity with earlier chunks
4. Use write_chunk to save the complete chunk
5. Use finalize_chunk to submit it for critique

You're writing the actual work readers will experience. Make it compelling, immersive, and complete.`

const writeCriticBasePrompt = `You are the Content Editor, a skilled editor who reviews manuscript chunks for quality, consistency, and polish.

Your role is to critically evaluate each chunk and ensure it meets publication standards before the work moves on.

You will review:
1. **Adherence to Plan** - Does the chunk follow the outline? Are deviations justified?
2. **Character Consistency** - Are characters acting true to their established selves?
3. **Plot Progression** - Does the chunk advance the story meaningfully?
4. **Prose Quality** - Is the writing polished? Is the pacing right?
5. **Continuity** - Are there contradictions with earlier chunks?

REVIEW GUIDELINES:
- Focus on substantive issues, not minor nitpicks
- Verify character behavior makes sense
- Ensure the chunk accomplishes its narrative purpose

Your workflow:
1. Use load_chunk_for_review to read the submitted chunk
2. Use load_context_for_critique to refresh on the plan and neighboring chunks
3. Use critique_chunk to record your assessment
4. Then either approve_chunk if it meets standards, or request_revision with specific notes
5. You have %d critique iterations maximum per chunk

You are the quality gate. Approve only when the content is truly ready.`

// PlannerSystemPrompt builds the Story Architect system prompt.
func PlannerSystemPrompt(s *config.ProjectSettings) string {
	if s.Prompts.Planner != "" {
		return s.Prompts.Planner
	}
	var b strings.Builder
	b.WriteString(plannerBasePrompt)
	fmt.Fprintf(&b, "\n\nPROJECT SPECIFICATIONS:\n- User's Theme/Concept: %s\n- Target Length: %s\n- Genre: %s\n\n%s",
		s.Theme, lengthDisplay(s), genreOr(s, "To be determined based on theme"), lengthGuidance(s))
	return b.String()
}

// PlanCriticSystemPrompt builds the Story Editor system prompt.
func PlanCriticSystemPrompt(s *config.ProjectSettings) string {
	if s.Prompts.PlanCritic != "" {
		return s.Prompts.PlanCritic
	}
	maxRounds := s.MaxPlanCritiqueRounds
	if maxRounds < 1 {
		maxRounds = config.DefaultPlanCritiqueRounds
	}
	var b strings.Builder
	fmt.Fprintf(&b, planCriticBasePrompt, maxRounds)
	fmt.Fprintf(&b, "\n\nPROJECT CONTEXT:\n- Theme: %s\n- Target Length: %s\n- Genre: %s\n- Maximum Critique Iterations: %d",
		s.Theme, lengthDisplay(s), genreOr(s, "Determined by planning"), maxRounds)
	return b.String()
}

// WriterSystemPrompt builds the Creative Writer system prompt. A non-empty
// sample is injected as style guidance.
func WriterSystemPrompt(s *config.ProjectSettings, sample string) string {
	if s.Prompts.Writer != "" {
		return s.Prompts.Writer
	}
	var b strings.Builder
	b.WriteString(writerBasePrompt)
	if sample != "" {
		fmt.Fprintf(&b, `

STYLE GUIDANCE:
Below is a writing sample that demonstrates the desired style, tone, and voice for this work. Study it carefully and emulate its qualities:

---
%s
---

Capture the essence of this style: the narrative voice, sentence structure, dialogue patterns, and overall feel. Make your writing feel like it was written by the same author.`, sample)
	}
	fmt.Fprintf(&b, "\n\nPROJECT CONTEXT:\n- Theme: %s\n- Genre: %s\n- Target Length: %s",
		s.Theme, genreOr(s, "As defined in planning"), lengthDisplay(s))
	return b.String()
}

// WriteCriticSystemPrompt builds the Content Editor system prompt.
func WriteCriticSystemPrompt(s *config.ProjectSettings) string {
	if s.Prompts.WriteCritic != "" {
		return s.Prompts.WriteCritic
	}
	maxRounds := s.MaxChunkCritiqueRounds
	if maxRounds < 1 {
		maxRounds = config.DefaultChunkCritiqueRounds
	}
	var b strings.Builder
	fmt.Fprintf(&b, writeCriticBasePrompt, maxRounds)
	fmt.Fprintf(&b, "\n\nPROJECT CONTEXT:\n- Theme: %s\n- Genre: %s\n- Maximum Revision Iterations: %d",
		s.Theme, genreOr(s, "As defined in planning"), maxRounds)
	return b.String()
}

// PlanningPrompt is the user prompt that starts the planning phase.
func PlanningPrompt(s *config.ProjectSettings) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Please create a comprehensive plan for a work based on the following theme/concept:\n\n%q\n\nTarget length: %s\n",
		s.Theme, lengthDisplay(s))
	if s.Genre != "" {
		fmt.Fprintf(&b, "Genre: %s\n", s.Genre)
	}
	b.WriteString(`
Follow the planning workflow:
1. Create a story summary (concept, themes, conflict, arc)
2. Create dramatis personae (character profiles)
3. Create the story structure (POV, timeline, chunk count, pacing)
4. Create a detailed plot outline (chunk-by-chunk breakdown)
5. Finalize the plan

Take your time to think deeply about the narrative structure, character arcs, and thematic elements.`)
	return b.String()
}

// PlanCritiquePrompt is the user prompt that starts (or re-enters) the plan
// critique. Non-empty feedback carries checkpoint rejection notes into the
// review.
func PlanCritiquePrompt(st *State, feedback string) string {
	var b strings.Builder
	b.WriteString("Please review the completed story plan.\n")
	fmt.Fprintf(&b, "\nCurrent Critique Iteration: %d of %d\n", st.PlanCritiqueRound()+1, st.MaxPlanCritiqueRounds())
	if feedback != "" {
		fmt.Fprintf(&b, "\nCHECKPOINT FEEDBACK - a reviewer rejected the plan with these notes. Address them in your review and revisions:\n%s\n", feedback)
	}
	b.WriteString(`
Your workflow:
1. Use load_plan_materials to read all planning documents
2. Use critique_plan to record your assessment
3. Apply fixes with the revision tools where needed
4. Use approve_plan once the plan is a solid foundation for writing`)
	if st.PlanCritiqueRound()+1 >= st.MaxPlanCritiqueRounds() {
		fmt.Fprintf(&b, "\n\nIf this is iteration %d, consider being more lenient to prevent infinite revision loops.", st.MaxPlanCritiqueRounds())
	}
	return b.String()
}

// WritingPrompt is the user prompt that starts a chunk draft or revision.
// revisionNote carries the latest revision request text; feedback carries
// checkpoint rejection notes. Either may be empty.
func WritingPrompt(st *State, chunk int, revisionNote, feedback string) string {
	isRevision := revisionNote != "" || feedback != "" || st.ChunkCritiqueRound(chunk) > 0
	var b strings.Builder
	if isRevision {
		b.WriteString("REVISION: ")
	}
	fmt.Fprintf(&b, "Please write Chunk %d of %d.\n", chunk, st.TotalChunks())
	if revisionNote != "" {
		fmt.Fprintf(&b, "\nREVISION REQUESTED - Please address the following feedback:\n%s\n", revisionNote)
	}
	if feedback != "" {
		fmt.Fprintf(&b, "\nCHECKPOINT FEEDBACK - a reviewer rejected this chunk with these notes. Address them in your revision:\n%s\n", feedback)
	}
	fmt.Fprintf(&b, `
Your workflow:
1. Use load_approved_plan to refresh your memory of the story blueprint
2. Use get_chunk_context to get the specific outline for Chunk %d
3. Use review_previous_writing if you need to check earlier chunks for continuity
4. Write a complete, polished chunk
5. Use write_chunk to save your work
6. Use finalize_chunk to submit it for critique

Remember:
- Follow the approved plan and outline
- Maintain consistent voice and style throughout
- Show, don't tell - use vivid scenes and dialogue
- Write complete, publication-quality prose and don't hold back on length`, chunk)
	return b.String()
}

// WriteCritiquePrompt is the user prompt that starts a chunk review round.
func WriteCritiquePrompt(st *State, chunk int) string {
	maxRounds := st.MaxChunkCritiqueRounds()
	round := st.ChunkCritiqueRound(chunk) + 1
	var b strings.Builder
	fmt.Fprintf(&b, "Please review Chunk %d for quality and consistency.\n\nCurrent Critique Iteration: %d of %d\n", chunk, round, maxRounds)
	fmt.Fprintf(&b, `
Your workflow:
1. Use load_chunk_for_review to read Chunk %d
2. Use load_context_for_critique to get the plan and previous chunks
3. Use critique_chunk to document your assessment
4. Then either approve_chunk if it meets quality standards, or request_revision with specific notes

Focus on substantive issues rather than minor nitpicks.`, chunk)
	if round >= maxRounds {
		fmt.Fprintf(&b, "\n\nIf this is iteration %d, consider being more lenient to prevent infinite revision loops.", maxRounds)
	}
	return b.String()
}

func lengthDisplay(s *config.ProjectSettings) string {
	if s.Length == config.LengthCustom && s.CustomWordCount > 0 {
		return fmt.Sprintf("Custom (%d words)", s.CustomWordCount)
	}
	return s.Length.Display()
}

func genreOr(s *config.ProjectSettings, fallback string) string {
	if s.Genre != "" {
		return s.Genre
	}
	return fallback
}

// lengthGuidance returns the planner's target-length section for the
// project's preset.
func lengthGuidance(s *config.ProjectSettings) string {
	if s.Length == config.LengthCustom && s.CustomWordCount > 0 {
		return fmt.Sprintf(`TARGET LENGTH:
- Total Word Count: %d words (aim to be within 1,000 words of this target)
- Structure: Appropriate for the specified length
- Narrative Division: Choose structure based on what serves the story best

Plan a work that meets the specified word count target.`, s.CustomWordCount)
	}

	spec, ok := s.Length.Spec()
	if !ok {
		spec = config.LengthSpecs[config.LengthNovel]
	}
	scope := map[config.LengthPreset]string{
		config.LengthShortStory:    "This is a SHORT STORY - keep it focused and impactful. Consider whether chunks are appropriate or if the story flows better as a continuous piece.",
		config.LengthNovella:       "This is a NOVELLA - room for depth but maintain tight focus.",
		config.LengthNovel:         "This is a NOVEL - standard length with room for complexity and depth.",
		config.LengthVeryLongNovel: "This is a VERY LONG NOVEL - epic scope with rich world-building and intricate plotting.",
	}[s.Length]

	return fmt.Sprintf(`TARGET LENGTH:
- Total Word Count: %d-%d words
- Suggested Chunk Count: around %d (the story structure document settles the real count)

%s`, spec.MinWords, spec.MaxWords, spec.DefaultChunks, scope)
}
