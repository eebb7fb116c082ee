// Package orch owns project lifecycles: it creates projects, starts and
// pauses their pipeline goroutines, resolves approval decisions, and exposes
// the read surface the HTTP API polls. Each running project gets exactly one
// goroutine and holds the single-writer lock on its workspace; the manager
// itself is safe for concurrent use.
package orch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"longform/pkg/agent"
	"longform/pkg/agent/middleware/validation"
	"longform/pkg/config"
	"longform/pkg/logx"
	"longform/pkg/metrics"
	"longform/pkg/persistence"
	"longform/pkg/pipeline"
	"longform/pkg/samples"
	"longform/pkg/state"
	"longform/pkg/workspace"
)

// Lifecycle errors surfaced to the API layer.
var (
	ErrProjectRunning    = errors.New("project pipeline is already running")
	ErrProjectNotRunning = errors.New("project pipeline is not running")
	ErrProjectFailed     = errors.New("project is in FAILED state and requires operator intervention")
	ErrProjectComplete   = errors.New("project generation is already complete")
	ErrNoPendingApproval = errors.New("project has no pending approval request")
)

// run tracks one live pipeline goroutine.
type run struct {
	cancel context.CancelFunc
	done   chan struct{}
	pause  atomic.Bool
	err    error // final Run error, readable after done closes
}

// Manager owns every project in a work directory.
type Manager struct {
	workDir   string
	outputDir string
	store     *state.Store
	library   *samples.Library
	factory   *agent.ClientFactory
	ops       *persistence.DatabaseOperations
	pipeMet   *metrics.Pipeline
	gen       config.GenerationConfig
	logger    *logx.Logger

	mu      sync.Mutex
	running map[string]*run
}

// NewManager builds a manager over a work directory. Ops is optional; without
// it there is no sqlite history and every approval checkpoint resolves
// synchronously.
func NewManager(workDir string, gen config.GenerationConfig, ops *persistence.DatabaseOperations) (*Manager, error) {
	outputDir := filepath.Join(workDir, config.OutputDirName)
	store, err := state.NewStore(outputDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}
	library, err := samples.NewLibrary(samples.DefaultDir(workDir))
	if err != nil {
		return nil, err
	}

	var pipeMet *metrics.Pipeline
	if gen.Metrics.Enabled {
		pipeMet = metrics.NewPipeline(gen.Metrics.Namespace)
	}

	return &Manager{
		workDir:   workDir,
		outputDir: outputDir,
		store:     store,
		library:   library,
		factory:   agent.NewClientFactory(gen),
		ops:       ops,
		pipeMet:   pipeMet,
		gen:       gen,
		logger:    logx.NewLogger("manager"),
		running:   make(map[string]*run),
	}, nil
}

// Samples exposes the writing-sample library to the API layer.
func (m *Manager) Samples() *samples.Library {
	return m.library
}

// CreateProject validates settings, provisions the workspace, and persists
// the initial PLANNING state. The project does not start running until Start.
func (m *Manager) CreateProject(settings config.ProjectSettings) (*pipeline.State, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid project settings: %w", err)
	}
	if _, err := m.library.ResolveText(&settings.WritingSample); err != nil {
		return nil, fmt.Errorf("invalid writing sample: %w", err)
	}
	if m.store.Exists(settings.ProjectID) {
		return nil, fmt.Errorf("project %s already exists", settings.ProjectID)
	}

	if _, err := workspace.Open(m.outputDir, settings.ProjectID); err != nil {
		return nil, err
	}

	st := pipeline.NewState(settings)
	if err := m.store.Save(st.ProjectID, st); err != nil {
		return nil, fmt.Errorf("failed to save initial state: %w", err)
	}
	if err := m.registerProject(st); err != nil {
		// Without the registry row every later approval and history insert
		// fails its foreign key, so refuse the project rather than create a
		// half-wired one. Roll back the snapshot so a retry is not blocked.
		if derr := m.store.Delete(st.ProjectID); derr != nil {
			m.logger.Warn("⚠️  Could not roll back state for %s: %v", st.ProjectID, derr)
		}
		return nil, fmt.Errorf("failed to register project in the database: %w", err)
	}

	m.logger.Info("✅ Project created: %s (%s, %d initial chunks)",
		st.ProjectID, settings.Length, st.TotalChunksCount)
	return st, nil
}

// registerProject upserts the project's registry row so history tables have
// their foreign key target.
func (m *Manager) registerProject(st *pipeline.State) error {
	if m.ops == nil {
		return nil
	}
	configJSON, err := persistence.ConfigSnapshotToJSON(st.Settings)
	if err != nil {
		return err
	}
	return m.ops.UpsertProject(&persistence.Project{
		ID:         st.ProjectID,
		Title:      st.Settings.ProjectName,
		ConfigJSON: configJSON,
		CreatedAt:  st.CreatedAt,
		UpdatedAt:  st.UpdatedAt,
	})
}

// GetState loads a project's snapshot. A corrupt primary snapshot falls back
// to the backup generation with a warning; if both are unreadable the
// CorruptError is returned so the caller knows resume is unsafe.
func (m *Manager) GetState(projectID string) (*pipeline.State, error) {
	st := &pipeline.State{}
	err := m.store.Load(projectID, st)
	if err == nil {
		return st, nil
	}
	if !state.IsCorrupt(err) {
		return nil, err
	}

	m.logger.Warn("⚠️  State snapshot for %s is corrupt, trying backup: %v", projectID, err)
	backup := &pipeline.State{}
	if berr := m.store.LoadBackup(projectID, backup); berr != nil {
		return nil, err // surface the original corruption, not the backup miss
	}
	m.logger.Warn("⚠️  Resumed %s from the backup snapshot; the last turn before the corruption is lost", projectID)
	return backup, nil
}

// ProjectStatus is the polling view of one project.
//
//nolint:govet // fieldalignment: field order optimized for readability
type ProjectStatus struct {
	ProjectID     string                     `json:"project_id"`
	ProjectName   string                     `json:"project_name"`
	Phase         string                     `json:"phase"`
	Progress      float64                    `json:"progress_percent"`
	Running       bool                       `json:"running"`
	Paused        bool                       `json:"paused"`
	CurrentChunk  int                        `json:"current_chunk"`
	TotalChunks   int                        `json:"total_chunks"`
	ChunksDone    []int                      `json:"chunks_approved"`
	FailureReason string                     `json:"failure_reason,omitempty"`
	Approval      *persistence.ApprovalRecord `json:"pending_approval,omitempty"`
	CreatedAt     time.Time                  `json:"created_at"`
	UpdatedAt     time.Time                  `json:"updated_at"`
}

// Status assembles the polling view for one project.
func (m *Manager) Status(projectID string) (*ProjectStatus, error) {
	st, err := m.GetState(projectID)
	if err != nil {
		return nil, err
	}

	status := &ProjectStatus{
		ProjectID:     st.ProjectID,
		ProjectName:   st.Settings.ProjectName,
		Phase:         string(st.Phase),
		Progress:      pipeline.ProgressPercentage(st),
		Running:       m.IsRunning(projectID),
		Paused:        st.Paused,
		CurrentChunk:  st.CurrentChunk(),
		TotalChunks:   st.TotalChunksCount,
		ChunksDone:    st.ChunksApproved(),
		FailureReason: st.FailureReason,
		CreatedAt:     st.CreatedAt,
		UpdatedAt:     st.UpdatedAt,
	}

	if m.ops != nil {
		if rec, err := m.ops.GetPendingApproval(projectID); err == nil {
			status.Approval = rec
		} else if !errors.Is(err, persistence.ErrNotFound) {
			m.logger.Warn("⚠️  Could not read pending approval for %s: %v", projectID, err)
		}
	}
	return status, nil
}

// List returns the status of every project on disk, newest first.
func (m *Manager) List() ([]*ProjectStatus, error) {
	ids, err := m.store.List()
	if err != nil {
		return nil, err
	}
	out := make([]*ProjectStatus, 0, len(ids))
	for _, id := range ids {
		status, err := m.Status(id)
		if err != nil {
			m.logger.Warn("⚠️  Skipping unreadable project %s: %v", id, err)
			continue
		}
		out = append(out, status)
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].UpdatedAt.After(out[i].UpdatedAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

// IsRunning reports whether the project has a live pipeline goroutine.
func (m *Manager) IsRunning(projectID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[projectID]
	return ok
}

// Start launches (or resumes) a project's pipeline goroutine. FAILED projects
// are never restarted here; COMPLETE projects have nothing left to run.
func (m *Manager) Start(projectID string) error {
	st, err := m.GetState(projectID)
	if err != nil {
		return err
	}
	switch st.Phase {
	case pipeline.PhaseFailed:
		return fmt.Errorf("%w: %s", ErrProjectFailed, st.FailureReason)
	case pipeline.PhaseComplete:
		return ErrProjectComplete
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.running[projectID]; ok {
		return ErrProjectRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{cancel: cancel, done: make(chan struct{})}
	m.running[projectID] = r

	go m.runPipeline(ctx, st, r)
	return nil
}

// runPipeline is the body of one project goroutine. It owns the workspace
// lock for the duration of the run and unregisters itself on exit.
func (m *Manager) runPipeline(ctx context.Context, st *pipeline.State, r *run) {
	projectID := st.ProjectID
	defer func() {
		m.mu.Lock()
		delete(m.running, projectID)
		m.mu.Unlock()
		close(r.done)
	}()

	logger := logx.NewLogger(fmt.Sprintf("pipeline:%s", projectID))

	ws, err := workspace.Open(m.outputDir, projectID)
	if err != nil {
		r.err = err
		logger.Error("❌ Could not open workspace: %v", err)
		return
	}
	if err := ws.AcquireLock(); err != nil {
		r.err = err
		logger.Error("❌ Could not acquire the project lock: %v", err)
		return
	}
	defer func() {
		if err := ws.ReleaseLock(); err != nil {
			logger.Warn("⚠️  Could not release the project lock: %v", err)
		}
	}()

	sample, err := m.library.ResolveText(&st.Settings.WritingSample)
	if err != nil {
		r.err = err
		logger.Error("❌ Could not resolve the writing sample: %v", err)
		return
	}

	probe := pipeline.NewProbe(projectID)
	client, err := m.factory.CreateClient(st.Settings.Model, validation.ModeToolDriven, probe, logger)
	if err != nil {
		r.err = err
		logger.Error("❌ Could not create the model client: %v", err)
		return
	}

	machine, err := pipeline.NewMachine(&pipeline.MachineConfig{
		State:      st,
		Store:      m.store,
		Workspace:  ws,
		Client:     client,
		Ops:        m.ops,
		Generation: m.generationFor(st),
		Sample:     sample,
		Interrupt:  r.pause.Load,
		Probe:      probe,
		Metrics:    m.pipeMet,
		Logger:     logger,
	})
	if err != nil {
		r.err = err
		logger.Error("❌ Could not build the pipeline: %v", err)
		return
	}

	err = machine.Run(ctx)
	r.err = err
	switch {
	case err == nil:
		m.logger.Info("✅ Project %s completed", projectID)
	case pipeline.IsSuspension(err):
		m.logger.Info("📝 Project %s suspended: %v", projectID, err)
	default:
		m.logger.Error("❌ Project %s failed: %v", projectID, err)
	}
}

// generationFor merges the daemon generation defaults with the project's own
// model choice, so a daemon config change never silently switches the model
// of a run already in flight.
func (m *Manager) generationFor(st *pipeline.State) config.GenerationConfig {
	gen := m.gen
	if st.Settings.Model != "" {
		gen.Model = st.Settings.Model
	}
	return gen
}

// Pause requests a cooperative pause. The pipeline stops at its next
// suspension point; Wait can be used to block until the goroutine exits.
func (m *Manager) Pause(projectID string) error {
	m.mu.Lock()
	r, ok := m.running[projectID]
	m.mu.Unlock()
	if !ok {
		return ErrProjectNotRunning
	}
	r.pause.Store(true)
	m.logger.Info("📝 Pause requested for %s", projectID)
	return nil
}

// Resume restarts a paused or interrupted project. It is Start under a name
// the transport layer exposes separately.
func (m *Manager) Resume(projectID string) error {
	return m.Start(projectID)
}

// Wait blocks until the project's pipeline goroutine exits or the context is
// done, and returns the run's final error. Projects that are not running
// return immediately.
func (m *Manager) Wait(ctx context.Context, projectID string) error {
	m.mu.Lock()
	r, ok := m.running[projectID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitDecision resolves a project's pending approval request. Duplicate
// submissions for an already-resolved request are discarded without effect;
// a project that never had a request gets ErrNoPendingApproval.
func (m *Manager) SubmitDecision(projectID string, approved bool, notes string) error {
	if m.ops == nil {
		return ErrNoPendingApproval
	}

	rec, err := m.ops.GetPendingApproval(projectID)
	if errors.Is(err, persistence.ErrNotFound) {
		// Nothing pending. If a resolved request exists this is a duplicate
		// submission, which is idempotent by contract.
		if all, lerr := m.ops.ListApprovals(projectID); lerr == nil && len(all) > 0 {
			m.logger.Info("📝 Ignoring duplicate decision for %s: latest request already resolved", projectID)
			return nil
		}
		return ErrNoPendingApproval
	}
	if err != nil {
		return err
	}

	status := persistence.ApprovalStatusRejected
	if approved {
		status = persistence.ApprovalStatusApproved
	}
	err = m.ops.ResolveApproval(rec.ID, status, notes, time.Now().UTC())
	if errors.Is(err, persistence.ErrApprovalNotPending) {
		m.logger.Info("📝 Ignoring duplicate decision for %s: request %s already resolved", projectID, rec.ID)
		return nil
	}
	if err != nil {
		return err
	}
	m.logger.Info("✅ Decision recorded for %s: %s checkpoint %s", projectID, rec.Checkpoint, status)
	return nil
}

// PendingApproval returns the project's open approval request, or
// ErrNoPendingApproval.
func (m *Manager) PendingApproval(projectID string) (*persistence.ApprovalRecord, error) {
	if m.ops == nil {
		return nil, ErrNoPendingApproval
	}
	rec, err := m.ops.GetPendingApproval(projectID)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, ErrNoPendingApproval
	}
	return rec, err
}

// Stats returns the project's aggregated generation statistics.
func (m *Manager) Stats(projectID string) (*persistence.GenerationStats, error) {
	if m.ops == nil {
		return nil, persistence.ErrNotFound
	}
	return m.ops.GetGenerationStats(projectID)
}

// Files lists the project's generated artifacts.
func (m *Manager) Files(projectID string) ([]workspace.FileInfo, error) {
	if !m.store.Exists(projectID) {
		return nil, fmt.Errorf("project %s: %w", projectID, state.ErrNotFound)
	}
	ws, err := workspace.Open(m.outputDir, projectID)
	if err != nil {
		return nil, err
	}
	return ws.Files()
}

// ReadFile returns one generated artifact's content.
func (m *Manager) ReadFile(projectID, rel string) (string, error) {
	if !m.store.Exists(projectID) {
		return "", fmt.Errorf("project %s: %w", projectID, state.ErrNotFound)
	}
	ws, err := workspace.Open(m.outputDir, projectID)
	if err != nil {
		return "", err
	}
	return ws.ReadFile(rel)
}

// Delete removes a project's snapshot and workspace. Running projects must
// be paused first.
func (m *Manager) Delete(projectID string) error {
	if m.IsRunning(projectID) {
		return ErrProjectRunning
	}
	if !m.store.Exists(projectID) {
		return fmt.Errorf("project %s: %w", projectID, state.ErrNotFound)
	}
	if err := m.store.Delete(projectID); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(m.outputDir, projectID)); err != nil {
		return fmt.Errorf("failed to remove project workspace: %w", err)
	}
	m.logger.Info("🗑️  Project deleted: %s", projectID)
	return nil
}

// Shutdown pauses every running project and waits for the goroutines to
// reach a suspension point. Projects that do not stop before the context
// expires are canceled outright; their snapshots are still consistent
// because snapshots only happen at turn boundaries.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	active := make(map[string]*run, len(m.running))
	for id, r := range m.running {
		active[id] = r
	}
	m.mu.Unlock()

	if len(active) == 0 {
		return nil
	}
	m.logger.Info("🔄 Shutting down: pausing %d running project(s)", len(active))

	for _, r := range active {
		r.pause.Store(true)
	}
	for id, r := range active {
		select {
		case <-r.done:
		case <-ctx.Done():
			m.logger.Warn("⚠️  Project %s did not pause in time, canceling", id)
			r.cancel()
			<-r.done
		}
	}
	m.logger.Info("✅ All project pipelines stopped")
	return nil
}
