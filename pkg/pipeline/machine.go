package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"longform/pkg/agent/llm"
	"longform/pkg/approval"
	"longform/pkg/config"
	"longform/pkg/contextmgr"
	"longform/pkg/critique"
	"longform/pkg/dispatch"
	"longform/pkg/logx"
	"longform/pkg/metrics"
	"longform/pkg/persistence"
	"longform/pkg/state"
	"longform/pkg/tools"
	"longform/pkg/workspace"
)

// ErrPaused indicates the run stopped because a pause was requested before
// the next phase step started. The state snapshot is intact; a new Run call
// picks up where this one left off.
var ErrPaused = errors.New("pipeline pause requested")

// IsSuspension reports whether an error from Run means the pipeline stopped
// at a suspension point rather than failing. Suspended projects resume;
// anything else lands in FAILED.
func IsSuspension(err error) bool {
	return errors.Is(err, ErrPaused) ||
		errors.Is(err, dispatch.ErrInterrupted) ||
		errors.Is(err, approval.ErrInterrupted) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// MachineConfig wires a Machine to its collaborators.
//
//nolint:govet // fieldalignment: field order optimized for readability
type MachineConfig struct {
	// State is the project state to drive. Required.
	State *State

	// Store persists state snapshots at every turn boundary and phase
	// transition. Required.
	Store *state.Store

	// Workspace is the project's artifact directory. Required.
	Workspace *workspace.Project

	// Client is the model client shared by all four personas. Required.
	Client llm.LLMClient

	// Ops records turns, tool executions, approvals, phase events, and
	// stats. Optional; nil disables sqlite persistence and makes every
	// checkpoint resolve synchronously.
	Ops *persistence.DatabaseOperations

	// Gate overrides the approval gate built over Ops. Mainly for tests.
	Gate *approval.Gate

	// Generation tunes context budgets and per-phase turn caps.
	Generation config.GenerationConfig

	// Sample is the style sample text injected into the writer persona.
	Sample string

	// Interrupt is polled at suspension points. A true return pauses the
	// run. The manager wires the project pause flag here.
	Interrupt func() bool

	// Probe receives live phase updates for model-client middleware.
	Probe *Probe

	// Metrics receives pipeline-level counters and gauges.
	Metrics *metrics.Pipeline

	Logger *logx.Logger
}

// Machine drives one project through the phase sequence: it runs the persona
// for the current phase, folds tool results into the project state, suspends
// at approval checkpoints, and snapshots after every turn so a crash loses at
// most the turn in flight.
//
// A Machine is owned by a single goroutine. Pausing it means making Interrupt
// return true and waiting for Run to return; resuming means calling Run again
// on a Machine rebuilt from the snapshot.
type Machine struct {
	state      *State
	store      *state.Store
	ws         *workspace.Project
	ops        *persistence.DatabaseOperations
	gate       *approval.Gate
	dispatcher *dispatch.Dispatcher
	client     llm.LLMClient
	cm         *contextmgr.ContextManager
	gen        config.GenerationConfig
	sample     string
	interrupt  func() bool
	probe      *Probe
	metrics    *metrics.Pipeline
	logger     *logx.Logger

	// scratch holds within-dispatch signals that never outlive the run
	// they were folded in.
	scratch dispatchScratch
}

type dispatchScratch struct {
	// autoApprove is set when a critique tool refused another round
	// because the cap was reached.
	autoApprove bool
}

// NewMachine builds a machine over an existing state snapshot. The serialized
// conversation, if any, is restored so resuming replays no model calls.
func NewMachine(cfg *MachineConfig) (*Machine, error) {
	switch {
	case cfg == nil:
		return nil, errors.New("pipeline: config is required")
	case cfg.State == nil:
		return nil, errors.New("pipeline: State is required")
	case cfg.Store == nil:
		return nil, errors.New("pipeline: Store is required")
	case cfg.Workspace == nil:
		return nil, errors.New("pipeline: Workspace is required")
	case cfg.Client == nil:
		return nil, errors.New("pipeline: Client is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logx.NewLogger("pipeline")
	}

	gen := cfg.Generation
	if gen.Model == "" {
		gen.Model = cfg.Client.GetModelName()
	}

	st := cfg.State
	cm := contextmgr.NewContextManagerWithConfig(gen)
	if len(st.Conversation) > 0 {
		if err := cm.Deserialize(st.Conversation); err != nil {
			logger.Warn("⚠️ Conversation snapshot unreadable, phase will restart its conversation: %v", err)
			st.Conversation = nil
			st.ConversationPhase = ""
		}
	}

	gate := cfg.Gate
	if gate == nil && cfg.Ops != nil {
		gate = approval.NewGate(cfg.Ops, logger)
	}
	if gate != nil {
		gate.Interrupt = cfg.Interrupt
	}

	cfg.Probe.set(st.Phase)

	return &Machine{
		state:      st,
		store:      cfg.Store,
		ws:         cfg.Workspace,
		ops:        cfg.Ops,
		gate:       gate,
		dispatcher: dispatch.New(cfg.Client, logger),
		client:     cfg.Client,
		cm:         cm,
		gen:        gen,
		sample:     cfg.Sample,
		interrupt:  cfg.Interrupt,
		probe:      cfg.Probe,
		metrics:    cfg.Metrics,
		logger:     logger,
	}, nil
}

// LoadState reads a project's snapshot from the store. Corrupt snapshots
// surface as a state.CorruptError so callers can distinguish them from a
// missing project.
func LoadState(store *state.Store, projectID string) (*State, error) {
	st := &State{}
	if err := store.Load(projectID, st); err != nil {
		return nil, err
	}
	return st, nil
}

// Run drives the pipeline until it completes, fails, or suspends. The return
// is nil on COMPLETE, a suspension error (see IsSuspension) on pause or
// shutdown, and the failure cause otherwise, with the state already moved to
// FAILED and snapshotted.
func (m *Machine) Run(ctx context.Context) error {
	m.logger.Info("🔄 Pipeline running: project %s, phase %s", m.state.ProjectID, m.state.Phase)

	if m.state.Paused {
		m.state.Paused = false
		if err := m.saveState(); err != nil {
			return m.fail(err)
		}
	}

	for {
		if err := m.checkSuspend(ctx); err != nil {
			return m.suspend(err)
		}

		var err error
		switch m.state.Phase {
		case PhasePlanning:
			err = m.runPlanning(ctx)
		case PhasePlanCritique:
			err = m.runPlanCritique(ctx)
		case PhaseWriting, PhaseWriteCritique:
			err = m.runChunkCycle(ctx)
		case PhaseComplete:
			m.logger.Info("✅ Generation complete: %d/%d chunks approved", len(m.state.ApprovedChunks), m.state.TotalChunksCount)
			return nil
		case PhaseFailed:
			return fmt.Errorf("pipeline failed: %s", m.state.FailureReason)
		default:
			err = fmt.Errorf("unknown phase %q", m.state.Phase)
		}

		if err == nil {
			continue
		}
		if IsSuspension(err) {
			return m.suspend(err)
		}
		return m.fail(err)
	}
}

// checkSuspend is the between-phases suspension point.
func (m *Machine) checkSuspend(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.interrupted() {
		return ErrPaused
	}
	return nil
}

func (m *Machine) interrupted() bool {
	return m.interrupt != nil && m.interrupt()
}

// suspend records the pause and hands the suspension back to the caller.
// Durable markers (pending approvals, conversation) were already snapshotted
// at the point that raised the suspension.
func (m *Machine) suspend(cause error) error {
	m.state.Paused = true
	m.state.Touch()
	if err := m.saveState(); err != nil {
		m.logger.Error("❌ Could not snapshot paused state: %v", err)
	}
	m.logger.Info("📝 Pipeline suspended in %s: %v", m.state.Phase, cause)
	return cause
}

// fail moves the project to FAILED and snapshots the reason.
func (m *Machine) fail(cause error) error {
	if m.state.Phase == PhaseFailed {
		return cause
	}
	m.state.FailureReason = cause.Error()
	if err := m.transitionTo(PhaseFailed, m.state.FailureReason); err != nil {
		m.logger.Error("❌ Could not record failure: %v", err)
	}
	return fmt.Errorf("pipeline failed: %w", cause)
}

// transitionTo validates and applies a phase transition, records the event,
// and snapshots the state.
func (m *Machine) transitionTo(to Phase, reason string) error {
	from := m.state.Phase
	if !IsValidTransition(from, to) {
		return fmt.Errorf("invalid phase transition %s → %s", from, to)
	}
	m.state.Phase = to
	m.state.Touch()
	m.probe.set(to)
	m.logger.Info("🔄 Phase transition: %s → %s (%s)", from, to, reason)

	if m.ops != nil {
		event := &persistence.PhaseEvent{
			ID:        persistence.GenerateEventID(),
			ProjectID: m.state.ProjectID,
			FromPhase: string(from),
			ToPhase:   string(to),
			Reason:    reason,
		}
		if err := m.ops.InsertPhaseEvent(event); err != nil {
			m.logger.Warn("⚠️ Could not record phase event: %v", err)
		}
	}
	m.metrics.PhaseTransition(m.state.ProjectID, string(from), string(to))
	m.metrics.Progress(m.state.ProjectID, ProgressPercentage(m.state))

	return m.saveState()
}

// saveState serializes the conversation into the state and writes the
// snapshot. This runs at every turn boundary, so failures are fatal for the
// run: without snapshots there is no crash safety to offer.
func (m *Machine) saveState() error {
	data, err := m.cm.Serialize()
	if err != nil {
		return fmt.Errorf("serialize conversation: %w", err)
	}
	m.state.Conversation = data
	m.state.Touch()
	if err := m.store.Save(m.state.ProjectID, m.state); err != nil {
		return fmt.Errorf("save state snapshot: %w", err)
	}
	return nil
}

// conversationIs reports whether the live conversation belongs to the given
// phase and carries actual dialogue. A bare system prompt does not count: it
// is never persisted without the first turn.
func (m *Machine) conversationIs(phase Phase) bool {
	return m.state.ConversationPhase == phase && m.cm.MessageCount() > 1
}

// resetConversation starts a fresh persona conversation for a phase.
func (m *Machine) resetConversation(phase Phase, systemPrompt string) {
	m.cm.Clear()
	m.cm.ResetSystemPrompt(systemPrompt)
	m.state.ConversationPhase = phase
}

func (m *Machine) resetScratch() {
	m.scratch = dispatchScratch{}
}

// --- Planning ---

func (m *Machine) runPlanning(ctx context.Context) error {
	initial := ""
	if !m.conversationIs(PhasePlanning) {
		m.resetConversation(PhasePlanning, PlannerSystemPrompt(&m.state.Settings))
		initial = PlanningPrompt(&m.state.Settings)
	}

	m.resetScratch()
	out := m.dispatch(ctx, PhasePlanning, tools.PlanningTools, initial)
	switch out.Kind {
	case dispatch.OutcomeSignal:
		if out.Signal != string(PhasePlanCritique) {
			return fmt.Errorf("planning signaled unexpected transition %q", out.Signal)
		}
		return m.transitionTo(PhasePlanCritique, "plan finalized")
	case dispatch.OutcomeInterrupted:
		return out.Err
	case dispatch.OutcomeContent:
		return errors.New("planning ended without finalizing the plan")
	case dispatch.OutcomeIterationLimit:
		return fmt.Errorf("planning: %w", out.Err)
	default:
		return m.dispatchFailure(PhasePlanning, out)
	}
}

// --- Plan critique ---

// runPlanCritique runs the Story Editor over the finished plan. Revision
// rounds happen inside the critic's own conversation: critique_plan records a
// round, the revise tools apply fixes, and approve_plan is the only terminal.
// The tool layer refuses critique rounds past the cap, steering the critic to
// approve, so a single dispatch covers the whole bounded loop.
func (m *Machine) runPlanCritique(ctx context.Context) error {
	if m.state.PlanCriticApproved {
		// Resumed past the critic's sign-off: go straight to resolution.
		return m.resolvePlanDecision(ctx)
	}

	feedback := m.state.PendingFeedback
	m.state.PendingFeedback = ""

	initial := ""
	if !m.conversationIs(PhasePlanCritique) {
		m.resetConversation(PhasePlanCritique, PlanCriticSystemPrompt(&m.state.Settings))
		initial = PlanCritiquePrompt(m.state, feedback)
	}

	m.resetScratch()
	out := m.dispatchGated(ctx, PhasePlanCritique, tools.PlanCritiqueTools, initial)
	switch out.Kind {
	case dispatch.OutcomeSignal:
		if out.Signal != string(PhaseWriting) || !m.state.PlanCriticApproved {
			return fmt.Errorf("plan critique signaled unexpected transition %q", out.Signal)
		}
		outcome := critique.OutcomeApproved
		if m.scratch.autoApprove {
			outcome = critique.OutcomeAutoApprovedAtCap
		}
		m.state.PlanReviewOutcome = string(outcome)
		if err := m.saveState(); err != nil {
			return err
		}
		return m.resolvePlanDecision(ctx)
	case dispatch.OutcomeInterrupted:
		return out.Err
	case dispatch.OutcomeContent, dispatch.OutcomeIterationLimit:
		if m.scratch.autoApprove {
			return m.autoApprovePlan(ctx)
		}
		if out.Kind == dispatch.OutcomeIterationLimit {
			return fmt.Errorf("plan critique: %w", out.Err)
		}
		return errors.New("plan critique ended without a decision")
	default:
		return m.dispatchFailure(PhasePlanCritique, out)
	}
}

// autoApprovePlan resolves the plan review when the critic hit the round cap
// without issuing an approval.
func (m *Machine) autoApprovePlan(ctx context.Context) error {
	m.logger.Warn("⚠️ Plan critique reached the round cap without approval, auto-approving")
	content := fmt.Sprintf("# Plan Approval\n\n**Date:** %s\n\n**Status:** AUTO-APPROVED\n\n---\n\nThe critique round cap was reached without an editor decision.\n",
		time.Now().UTC().Format(time.RFC3339))
	if err := m.ws.WriteFile(workspace.PlanApprovalPath, []byte(content)); err != nil {
		m.logger.Warn("⚠️ Could not write plan approval record: %v", err)
	}
	m.state.PlanCriticApproved = true
	m.state.PlanReviewOutcome = string(critique.OutcomeAutoApprovedAtCap)
	if err := m.saveState(); err != nil {
		return err
	}
	return m.resolvePlanDecision(ctx)
}

// resolvePlanDecision carries a critic-approved plan through its checkpoints
// and into WRITING. A rejected checkpoint sends the reviewer's notes back
// into a fresh critique entry; the phase never regresses.
func (m *Machine) resolvePlanDecision(ctx context.Context) error {
	notes, rejected, err := m.consumeRoundGate(ctx)
	if err != nil {
		return err
	}
	if rejected {
		return m.rejectPlan(notes, "plan critique round checkpoint rejected")
	}

	outcome := critique.Outcome(m.state.PlanReviewOutcome)
	if outcome == "" {
		outcome = critique.OutcomeApproved
	}

	if m.state.Settings.Checkpoints.RequirePlanApproval {
		summary := fmt.Sprintf("Plan ready after %d critique round(s), %s", m.state.PlanCritiqueRound(), outcome)
		dec, err := m.awaitGate(ctx, persistence.CheckpointPlan, summary)
		if err != nil {
			return err
		}
		if !dec.Approved {
			return m.rejectPlan(dec.Notes, "plan checkpoint rejected")
		}
	}

	m.state.PlanApproved = true
	m.state.PlanCriticApproved = false
	m.state.AdvanceChunk(1)
	m.logger.Info("✅ Plan approved (%s), writing %d chunks", outcome, m.state.TotalChunksCount)
	return m.transitionTo(PhaseWriting, "plan approved")
}

// rejectPlan routes reviewer notes back into the critique phase.
func (m *Machine) rejectPlan(notes, reason string) error {
	m.logger.Info("❌ %s, returning to critique", reason)
	m.state.PlanCriticApproved = false
	m.state.PlanReviewOutcome = ""
	m.state.PendingFeedback = notes
	m.state.GateRejections++
	m.state.ConversationPhase = ""
	return m.saveState()
}

// --- Chunk cycle (WRITING / WRITE_CRITIQUE) ---

// runChunkCycle drives one chunk through draft, bounded critique, and
// approval. The produce step is the Creative Writer persona, the judge step
// the Content Editor; the loop controller enforces the round budget and
// resolves a cap overrun as an auto-approval, never a failure.
func (m *Machine) runChunkCycle(ctx context.Context) error {
	if m.state.CurrentChunk() < 1 {
		m.state.AdvanceChunk(1)
	}
	chunk := m.state.CurrentChunk()

	if m.state.IsChunkApproved(chunk) {
		return m.advanceOrComplete()
	}
	if m.state.PendingChunkApproval == chunk {
		// Resumed past the editor's acceptance: go straight to resolution.
		return m.resolveChunkDecision(ctx, chunk)
	}

	feedback := m.state.PendingFeedback
	m.state.PendingFeedback = ""

	produce := func(pctx context.Context, round int, fb string) error {
		return m.produceChunk(pctx, chunk, fb)
	}
	judge := func(jctx context.Context, round int) (*critique.Verdict, error) {
		return m.judgeChunk(jctx, chunk)
	}

	res, err := critique.RunLoop(ctx, &critique.LoopConfig{
		Name:            fmt.Sprintf("chunk %d", chunk),
		MaxRounds:       m.state.MaxChunkCritiqueRounds(),
		StartRound:      m.chunkLoopStart(chunk),
		SkipProduce:     m.state.Phase == PhaseWriteCritique,
		InitialFeedback: feedback,
		Produce:         produce,
		Judge:           judge,
		Logger:          m.logger,
	})
	if err != nil {
		return err
	}

	if res.Outcome == critique.OutcomeAutoApprovedAtCap && m.state.PendingChunkApproval != chunk {
		// The loop budget ran out before the editor accepted the chunk.
		m.logger.Warn("⚠️ Chunk %d critique rounds exhausted, auto-approving", chunk)
		m.autoApproveChunk(chunk)
	}
	m.state.ChunkReviewOutcomes[chunk] = string(res.Outcome)
	if err := m.saveState(); err != nil {
		return err
	}
	return m.resolveChunkDecision(ctx, chunk)
}

// produceChunk runs the writer persona until it finalizes the chunk.
func (m *Machine) produceChunk(ctx context.Context, chunk int, feedback string) error {
	if m.state.Phase != PhaseWriting {
		if err := m.transitionTo(PhaseWriting, fmt.Sprintf("chunk %d needs a draft", chunk)); err != nil {
			return err
		}
	}

	initial := ""
	if !m.conversationIs(PhaseWriting) {
		m.resetConversation(PhaseWriting, WriterSystemPrompt(&m.state.Settings, m.sample))
		revisionNote := ""
		if feedback == "" && m.state.ChunkCritiqueRound(chunk) > 0 {
			revisionNote = m.latestRevisionRequest(chunk)
		}
		initial = WritingPrompt(m.state, chunk, revisionNote, feedback)
	}

	m.resetScratch()
	out := m.dispatch(ctx, PhaseWriting, tools.WritingTools, initial)
	switch out.Kind {
	case dispatch.OutcomeSignal:
		if out.Signal != string(PhaseWriteCritique) {
			return fmt.Errorf("writing signaled unexpected transition %q", out.Signal)
		}
		return m.transitionTo(PhaseWriteCritique, fmt.Sprintf("chunk %d submitted", chunk))
	case dispatch.OutcomeInterrupted:
		return out.Err
	case dispatch.OutcomeContent:
		return fmt.Errorf("writer ended chunk %d without finalizing it", chunk)
	case dispatch.OutcomeIterationLimit:
		return fmt.Errorf("writing chunk %d: %w", chunk, out.Err)
	default:
		return m.dispatchFailure(PhaseWriting, out)
	}
}

// judgeChunk runs the critic persona over the submitted chunk and translates
// its terminal decision into a verdict. An approval is folded into durable
// state but not acted on here: the resolution step owns the checkpoint and
// the transition.
func (m *Machine) judgeChunk(ctx context.Context, chunk int) (*critique.Verdict, error) {
	if m.state.Phase != PhaseWriteCritique {
		if err := m.transitionTo(PhaseWriteCritique, fmt.Sprintf("chunk %d under review", chunk)); err != nil {
			return nil, err
		}
	}

	initial := ""
	if !m.conversationIs(PhaseWriteCritique) {
		m.resetConversation(PhaseWriteCritique, WriteCriticSystemPrompt(&m.state.Settings))
		initial = WriteCritiquePrompt(m.state, chunk)
	}

	m.resetScratch()
	out := m.dispatchGated(ctx, PhaseWriteCritique, tools.WriteCritiqueTools, initial)
	switch out.Kind {
	case dispatch.OutcomeSignal:
		if m.state.PendingChunkApproval == chunk {
			notes, rejected, err := m.consumeRoundGate(ctx)
			if err != nil {
				return nil, err
			}
			if rejected {
				m.state.PendingChunkApproval = 0
				if err := m.transitionTo(PhaseWriting, fmt.Sprintf("chunk %d round checkpoint rejected", chunk)); err != nil {
					return nil, err
				}
				return &critique.Verdict{Approved: false, Feedback: notes}, nil
			}
			return &critique.Verdict{Approved: true, AtCap: m.scratch.autoApprove}, nil
		}
		if out.Signal == string(PhaseWriting) {
			notes, rejected, err := m.consumeRoundGate(ctx)
			if err != nil {
				return nil, err
			}
			if err := m.transitionTo(PhaseWriting, fmt.Sprintf("chunk %d revision requested", chunk)); err != nil {
				return nil, err
			}
			fb := ""
			if rejected {
				fb = notes
			}
			return &critique.Verdict{Approved: false, Feedback: fb}, nil
		}
		return nil, fmt.Errorf("chunk critique signaled unexpected transition %q", out.Signal)
	case dispatch.OutcomeInterrupted:
		return nil, out.Err
	case dispatch.OutcomeContent, dispatch.OutcomeIterationLimit:
		if m.scratch.autoApprove {
			// The cap refused another revision and the editor stalled
			// instead of approving. The cap decides.
			m.logger.Warn("⚠️ Chunk %d revision cap reached without an editor decision, auto-approving", chunk)
			m.autoApproveChunk(chunk)
			return &critique.Verdict{Approved: true, AtCap: true}, nil
		}
		if out.Kind == dispatch.OutcomeIterationLimit {
			return nil, fmt.Errorf("chunk %d critique: %w", chunk, out.Err)
		}
		return nil, fmt.Errorf("chunk %d critique ended without a decision", chunk)
	default:
		return nil, m.dispatchFailure(PhaseWriteCritique, out)
	}
}

// autoApproveChunk marks an editor acceptance on the cap's authority and
// writes the approval record the approve tool would have produced.
func (m *Machine) autoApproveChunk(chunk int) {
	if m.state.PendingChunkApproval == chunk {
		return
	}
	content := fmt.Sprintf("# Chunk %d Approval\n\n**Date:** %s\n\n**Status:** AUTO-APPROVED\n\n---\n\nThe critique round cap was reached without an editor approval.\n",
		chunk, time.Now().UTC().Format(time.RFC3339))
	if err := m.ws.WriteFile(workspace.ChunkApprovalPath(chunk), []byte(content)); err != nil {
		m.logger.Warn("⚠️ Could not write chunk %d approval record: %v", chunk, err)
	}
	m.state.PendingChunkApproval = chunk
	m.state.Touch()
}

// resolveChunkDecision carries an accepted chunk through its checkpoints and
// either advances the cursor or completes the run. A rejected checkpoint
// returns the chunk to WRITING with the reviewer's notes.
func (m *Machine) resolveChunkDecision(ctx context.Context, chunk int) error {
	notes, rejected, err := m.consumeRoundGate(ctx)
	if err != nil {
		return err
	}
	if rejected {
		return m.rejectChunk(chunk, notes, "round checkpoint rejected")
	}

	outcome := critique.Outcome(m.state.ChunkReviewOutcomes[chunk])
	if outcome == "" {
		outcome = critique.OutcomeApproved
	}

	if m.state.Settings.Checkpoints.RequireChunkApproval {
		summary := fmt.Sprintf("Chunk %d/%d accepted by the editor, %s", chunk, m.state.TotalChunksCount, outcome)
		dec, err := m.awaitGate(ctx, persistence.CheckpointChunk, summary)
		if err != nil {
			return err
		}
		if !dec.Approved {
			return m.rejectChunk(chunk, dec.Notes, "checkpoint rejected")
		}
	}

	m.state.ApproveChunk(chunk)
	m.state.PendingChunkApproval = 0
	m.logger.Info("📦 Chunk %d/%d approved (%s)", chunk, m.state.TotalChunksCount, outcome)
	m.metrics.ChunksApproved(m.state.ProjectID, len(m.state.ApprovedChunks))
	m.metrics.Progress(m.state.ProjectID, ProgressPercentage(m.state))
	return m.advanceOrComplete()
}

// rejectChunk routes reviewer notes back into a fresh draft of the chunk.
func (m *Machine) rejectChunk(chunk int, notes, reason string) error {
	m.logger.Info("❌ Chunk %d %s, returning to writing", chunk, reason)
	m.state.PendingChunkApproval = 0
	delete(m.state.ChunkReviewOutcomes, chunk)
	m.state.PendingFeedback = notes
	m.state.GateRejections++
	m.state.ConversationPhase = ""
	if m.state.Phase != PhaseWriting {
		return m.transitionTo(PhaseWriting, fmt.Sprintf("chunk %d %s", chunk, reason))
	}
	return m.saveState()
}

// advanceOrComplete moves the cursor to the next unapproved chunk, or ends
// the run when every chunk has been accepted.
func (m *Machine) advanceOrComplete() error {
	if m.state.AllChunksApproved() {
		return m.transitionTo(PhaseComplete, "all chunks approved")
	}
	next := m.nextUnapprovedChunk()
	m.state.AdvanceChunk(next)
	m.logger.Info("📝 Advancing to chunk %d/%d", next, m.state.TotalChunksCount)
	if m.state.Phase != PhaseWriting {
		return m.transitionTo(PhaseWriting, fmt.Sprintf("starting chunk %d", next))
	}
	return m.saveState()
}

func (m *Machine) nextUnapprovedChunk() int {
	for n := 1; n <= m.state.TotalChunksCount; n++ {
		if !m.state.IsChunkApproved(n) {
			return n
		}
	}
	return m.state.TotalChunksCount
}

// chunkLoopStart counts the chunk's completed critique rounds: rounds whose
// revision request landed in the workspace. A judge round that was cut by a
// crash has no revision request yet and is not counted, so resuming re-enters
// it instead of burning loop budget.
func (m *Machine) chunkLoopStart(chunk int) int {
	for v := m.state.ChunkCritiqueRound(chunk); v >= 1; v-- {
		if m.ws.Exists(workspace.ChunkRevisionRequestPath(chunk, v)) {
			return v
		}
	}
	return 0
}

// latestRevisionRequest returns the text of the newest revision request for
// a chunk, or "" when none exists.
func (m *Machine) latestRevisionRequest(chunk int) string {
	for v := m.state.ChunkCritiqueRound(chunk); v >= 1; v-- {
		rel := workspace.ChunkRevisionRequestPath(chunk, v)
		if !m.ws.Exists(rel) {
			continue
		}
		text, err := m.ws.ReadFile(rel)
		if err != nil {
			m.logger.Warn("⚠️ Could not read %s: %v", rel, err)
			return ""
		}
		return text
	}
	return ""
}

// --- Dispatch plumbing ---

// dispatch runs one persona conversation for a phase and folds its usage
// into the project stats.
func (m *Machine) dispatch(ctx context.Context, phase Phase, toolset []string, initial string) dispatch.Outcome {
	provider := tools.NewProvider(tools.AgentContext{Workspace: m.ws, State: m.state}, toolset)

	out := m.dispatcher.Run(ctx, &dispatch.Config{
		Context:       m.cm,
		Tools:         provider,
		Recorder:      m.recorder(),
		Workspace:     m.ws,
		Interrupt:     func() bool { return m.interrupted() || m.state.PendingGateCheckpoint != "" },
		OnApply:       m.applyToolResult,
		OnTurnEnd:     m.saveState,
		ProjectID:     m.state.ProjectID,
		Phase:         string(phase),
		InitialPrompt: initial,
		MaxIterations: m.gen.MaxIterationsPerPhase,
		MaxTokens:     m.maxTokens(),
	})

	m.state.RecordIterations(phase, out.Iterations)
	m.recordUsage(out.Usage)
	if err := m.saveState(); err != nil {
		m.logger.Warn("⚠️ Could not snapshot post-dispatch stats: %v", err)
	}
	return out
}

// dispatchGated wraps dispatch for the critic phases, whose critique tools
// can schedule a round checkpoint mid-conversation. The dispatcher stops
// between turns when the checkpoint marker is set; the gate decision is
// applied and the same conversation continues. Rejection notes go to the
// critic as user feedback.
func (m *Machine) dispatchGated(ctx context.Context, phase Phase, toolset []string, initial string) dispatch.Outcome {
	for {
		if m.state.PendingGateCheckpoint != "" {
			notes, rejected, err := m.consumeRoundGate(ctx)
			if err != nil {
				kind := dispatch.OutcomeFatal
				if IsSuspension(err) {
					kind = dispatch.OutcomeInterrupted
				}
				return dispatch.Outcome{Kind: kind, Err: err}
			}
			if rejected {
				m.cm.AddUserMessage("approval-feedback",
					"CHECKPOINT FEEDBACK - a reviewer left notes on your latest critique round. Address them before continuing:\n"+notes)
				if err := m.saveState(); err != nil {
					return dispatch.Outcome{Kind: dispatch.OutcomeFatal, Err: err}
				}
			}
		}

		out := m.dispatch(ctx, phase, toolset, initial)
		initial = ""
		if out.Kind == dispatch.OutcomeInterrupted && m.state.PendingGateCheckpoint != "" {
			continue
		}
		return out
	}
}

// applyToolResult folds tool result signals into the project state. It runs
// for every map-shaped result, refusals included, before the next tool in
// the turn executes; OnTurnEnd persists whatever was folded.
func (m *Machine) applyToolResult(call *llm.ToolCall, result map[string]any) error {
	if call == nil || result == nil {
		return nil
	}

	switch call.Name {
	case tools.ToolCreateStoryStructure, tools.ToolReviseStructure:
		if n, ok := intField(result, "total_chunks"); ok {
			m.state.SetTotalChunks(n)
		}

	case tools.ToolCritiquePlan:
		if v, ok := intField(result, "version"); ok {
			m.state.RecordPlanCritique(v)
			m.metrics.CritiqueRound(m.state.ProjectID, "plan")
			if m.state.Settings.Checkpoints.RequirePlanCritiqueApproval {
				m.state.PendingGateCheckpoint = persistence.CheckpointPlanCritique
			}
		}
		if boolField(result, "auto_approve") {
			m.scratch.autoApprove = true
		}

	case tools.ToolCritiqueChunk:
		if v, ok := intField(result, "version"); ok {
			chunk := m.state.CurrentChunk()
			if n, ok := intField(result, "chunk_number"); ok {
				chunk = n
			}
			m.state.RecordChunkCritique(chunk, v)
			m.metrics.CritiqueRound(m.state.ProjectID, "chunk")
			if m.state.Settings.Checkpoints.RequireChunkCritiqueApproval {
				m.state.PendingGateCheckpoint = persistence.CheckpointChunkCritique
			}
		}

	case tools.ToolRequestRevision:
		if boolField(result, "auto_approve") {
			m.scratch.autoApprove = true
		}

	case tools.ToolApprovePlan:
		if boolField(result, "plan_approved") {
			m.state.PlanCriticApproved = true
		}

	case tools.ToolApproveChunk:
		if n, ok := intField(result, "chunk_approved"); ok {
			m.state.PendingChunkApproval = n
		}
	}

	return nil
}

func intField(result map[string]any, key string) (int, bool) {
	switch v := result[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

func boolField(result map[string]any, key string) bool {
	b, _ := result[key].(bool)
	return b
}

// recorder avoids handing dispatch a typed-nil interface.
func (m *Machine) recorder() dispatch.Recorder {
	if m.ops == nil {
		return nil
	}
	return m.ops
}

func (m *Machine) recordUsage(u dispatch.Usage) {
	if m.ops == nil || u == (dispatch.Usage{}) {
		return
	}
	delta := &persistence.StatsDelta{
		ModelCalls:          u.ModelCalls,
		PromptTokens:        u.PromptTokens,
		CompletionTokens:    u.CompletionTokens,
		Compressions:        u.Compressions,
		PhaseIterationsJSON: m.state.PhaseIterationsJSON(),
	}
	if err := m.ops.ApplyStatsDelta(m.state.ProjectID, delta); err != nil {
		m.logger.Warn("⚠️ Could not record usage stats: %v", err)
	}
}

func (m *Machine) dispatchFailure(phase Phase, out dispatch.Outcome) error {
	if contextmgr.IsBudgetOverflow(out.Err) {
		return fmt.Errorf("%s: conversation exceeded the context budget: %w", phase, out.Err)
	}
	return fmt.Errorf("%s: dispatch failed: %w", phase, out.Err)
}

// maxTokens sizes model responses from the registry entry for the client's
// model.
func (m *Machine) maxTokens() int {
	if info, ok := config.GetModelInfo(m.client.GetModelName()); ok {
		return info.MaxOutputTokens
	}
	return 0
}

// --- Approval gates ---

// awaitGate opens (or re-enters) an approval request and blocks until a
// decision lands. The request ID is persisted before waiting, so a crash or
// pause mid-wait resumes against the same record and duplicate requests are
// never created.
func (m *Machine) awaitGate(ctx context.Context, checkpoint, summary string) (*approval.Decision, error) {
	if m.gate == nil {
		return &approval.Decision{Approved: true, DecidedAt: time.Now().UTC()}, nil
	}

	if m.state.PendingApprovalID == "" {
		rec, err := m.gate.Request(m.state.ProjectID, checkpoint, summary)
		if err != nil {
			return nil, fmt.Errorf("request %s approval: %w", checkpoint, err)
		}
		m.state.PendingApprovalID = rec.ID
		if err := m.saveState(); err != nil {
			return nil, err
		}
		m.logger.Info("📝 Awaiting %s approval (%s)", checkpoint, rec.ID)
	}

	dec, err := m.gate.Await(ctx, m.state.PendingApprovalID)
	if err != nil {
		return nil, err
	}

	m.state.PendingApprovalID = ""
	status := persistence.ApprovalStatusRejected
	if dec.Approved {
		status = persistence.ApprovalStatusApproved
		m.logger.Info("✅ %s checkpoint approved", checkpoint)
	} else {
		m.logger.Info("❌ %s checkpoint rejected", checkpoint)
	}
	m.metrics.ApprovalDecision(m.state.ProjectID, checkpoint, status)
	if err := m.saveState(); err != nil {
		return nil, err
	}
	return dec, nil
}

// consumeRoundGate resolves a pending critique-round checkpoint, if any.
// It reports whether the reviewer rejected the round, with their notes.
func (m *Machine) consumeRoundGate(ctx context.Context) (notes string, rejected bool, err error) {
	checkpoint := m.state.PendingGateCheckpoint
	if checkpoint == "" {
		return "", false, nil
	}
	dec, err := m.awaitGate(ctx, checkpoint, m.roundGateSummary(checkpoint))
	if err != nil {
		return "", false, err
	}
	m.state.PendingGateCheckpoint = ""
	if !dec.Approved {
		m.state.GateRejections++
	}
	if err := m.saveState(); err != nil {
		return "", false, err
	}
	return dec.Notes, !dec.Approved, nil
}

func (m *Machine) roundGateSummary(checkpoint string) string {
	switch checkpoint {
	case persistence.CheckpointPlanCritique:
		return fmt.Sprintf("Plan critique round %d recorded", m.state.PlanCritiqueRound())
	case persistence.CheckpointChunkCritique:
		chunk := m.state.CurrentChunk()
		return fmt.Sprintf("Chunk %d critique round %d recorded", chunk, m.state.ChunkCritiqueRound(chunk))
	default:
		return checkpoint
	}
}
