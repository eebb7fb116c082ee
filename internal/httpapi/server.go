// Package httpapi is the HTTP control surface over the project manager:
// project CRUD, lifecycle controls, approval decisions, artifact reads, and
// the Prometheus scrape endpoint. It is a thin transport layer; every
// behavior it exposes lives in internal/orch.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"longform/internal/orch"
	"longform/pkg/config"
	"longform/pkg/logx"
	"longform/pkg/state"
)

// authUsername is the fixed Basic Auth user; only the password is configured.
const authUsername = "longform"

// Server serves the control API for one manager.
type Server struct {
	manager *orch.Manager
	logger  *logx.Logger
}

// NewServer creates a server over a manager.
func NewServer(manager *orch.Manager) *Server {
	return &Server{
		manager: manager,
		logger:  logx.NewLogger("httpapi"),
	}
}

// requireAuth wraps a handler with Basic Authentication. An empty configured
// password disables auth entirely (local single-user deployments).
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		expected := config.GetServerPassword()
		if expected == "" {
			next(w, r)
			return
		}

		username, password, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(username), []byte(authUsername)) != 1 ||
			subtle.ConstantTimeCompare([]byte(password), []byte(expected)) != 1 {
			if ok {
				s.logger.Warn("⚠️  Failed authentication attempt from %s", r.RemoteAddr)
			}
			w.Header().Set("WWW-Authenticate", `Basic realm="longform"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// RegisterRoutes sets up the API routes on a mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/projects", s.requireAuth(s.handleListProjects))
	mux.HandleFunc("POST /api/projects", s.requireAuth(s.handleCreateProject))
	mux.HandleFunc("GET /api/projects/{id}", s.requireAuth(s.handleProjectStatus))
	mux.HandleFunc("DELETE /api/projects/{id}", s.requireAuth(s.handleDeleteProject))
	mux.HandleFunc("POST /api/projects/{id}/start", s.requireAuth(s.handleStart))
	mux.HandleFunc("POST /api/projects/{id}/pause", s.requireAuth(s.handlePause))
	mux.HandleFunc("POST /api/projects/{id}/resume", s.requireAuth(s.handleResume))
	mux.HandleFunc("GET /api/projects/{id}/stats", s.requireAuth(s.handleStats))
	mux.HandleFunc("GET /api/projects/{id}/approval", s.requireAuth(s.handleGetApproval))
	mux.HandleFunc("POST /api/projects/{id}/approval", s.requireAuth(s.handleSubmitApproval))
	mux.HandleFunc("GET /api/projects/{id}/files", s.requireAuth(s.handleListFiles))
	mux.HandleFunc("GET /api/projects/{id}/files/{path...}", s.requireAuth(s.handleReadFile))
	mux.HandleFunc("GET /api/models", s.requireAuth(s.handleModels))
	mux.HandleFunc("GET /api/samples", s.requireAuth(s.handleSamples))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
}

// --- Helpers ---

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("⚠️  Could not encode response: %v", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps manager errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, state.ErrNotFound), errors.Is(err, orch.ErrNoPendingApproval):
		status = http.StatusNotFound
	case errors.Is(err, orch.ErrProjectRunning),
		errors.Is(err, orch.ErrProjectNotRunning),
		errors.Is(err, orch.ErrProjectComplete),
		errors.Is(err, orch.ErrProjectFailed):
		status = http.StatusConflict
	case state.IsCorrupt(err):
		// Distinct from generation failures: resume is unsafe without
		// manual repair, so the operator needs to see the corruption.
		status = http.StatusInternalServerError
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) writeValidationError(w http.ResponseWriter, err error) {
	s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
}

// --- Project CRUD ---

// createProjectRequest is the POST /api/projects body. Everything beyond
// name and theme is optional and falls back to the daemon defaults.
//
//nolint:govet // fieldalignment: field order mirrors the JSON layout
type createProjectRequest struct {
	ProjectName            string                      `json:"project_name"`
	Theme                  string                      `json:"theme"`
	Genre                  string                      `json:"genre,omitempty"`
	Length                 config.LengthPreset         `json:"length,omitempty"`
	CustomWordCount        int                         `json:"custom_word_count,omitempty"`
	Model                  string                      `json:"model,omitempty"`
	MaxPlanCritiqueRounds  int                         `json:"max_plan_critique_rounds,omitempty"`
	MaxChunkCritiqueRounds int                         `json:"max_chunk_critique_rounds,omitempty"`
	Checkpoints            *config.CheckpointConfig    `json:"checkpoints,omitempty"`
	WritingSample          *config.WritingSampleConfig `json:"writing_sample,omitempty"`
	Prompts                *config.PromptOverrides     `json:"prompts,omitempty"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeValidationError(w, fmt.Errorf("invalid request body: %w", err))
		return
	}

	settings, err := config.NewProjectSettings(req.ProjectName, req.Theme)
	if err != nil {
		s.writeError(w, err)
		return
	}
	settings.Genre = req.Genre
	if req.Length != "" {
		settings.Length = req.Length
	}
	settings.CustomWordCount = req.CustomWordCount
	if req.Model != "" {
		settings.Model = req.Model
	}
	if req.MaxPlanCritiqueRounds > 0 {
		settings.MaxPlanCritiqueRounds = req.MaxPlanCritiqueRounds
	}
	if req.MaxChunkCritiqueRounds > 0 {
		settings.MaxChunkCritiqueRounds = req.MaxChunkCritiqueRounds
	}
	if req.Checkpoints != nil {
		settings.Checkpoints = *req.Checkpoints
	}
	if req.WritingSample != nil {
		settings.WritingSample = *req.WritingSample
	}
	if req.Prompts != nil {
		settings.Prompts = *req.Prompts
	}

	st, err := s.manager.CreateProject(settings)
	if err != nil {
		s.writeValidationError(w, err)
		return
	}
	status, err := s.manager.Status(st.ProjectID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, status)
}

func (s *Server) handleListProjects(w http.ResponseWriter, _ *http.Request) {
	all, err := s.manager.List()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"projects": all})
}

func (s *Server) handleProjectStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.manager.Status(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Delete(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- Lifecycle ---

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Start(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Pause(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "pausing"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Resume(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "resumed"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.manager.Stats(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// --- Approvals ---

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	rec, err := s.manager.PendingApproval(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

type decisionRequest struct {
	Approved bool   `json:"approved"`
	Notes    string `json:"notes,omitempty"`
}

func (s *Server) handleSubmitApproval(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeValidationError(w, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if err := s.manager.SubmitDecision(r.PathValue("id"), req.Approved, req.Notes); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

// --- Artifacts ---

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.manager.Files(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	content, err := s.manager.ReadFile(r.PathValue("id"), r.PathValue("path"))
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	fmt.Fprint(w, content)
}

// --- Reference data ---

type modelEntry struct {
	ID                string  `json:"id"`
	Provider          string  `json:"provider"`
	DisplayName       string  `json:"display_name"`
	Description       string  `json:"description"`
	MaxContextTokens  int     `json:"max_context_tokens"`
	MaxOutputTokens   int     `json:"max_output_tokens"`
	InputCPM          float64 `json:"input_cost_per_million"`
	OutputCPM         float64 `json:"output_cost_per_million"`
	SupportsReasoning bool    `json:"supports_reasoning"`
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	models := make([]modelEntry, 0, len(config.KnownModels))
	for id, info := range config.KnownModels {
		models = append(models, modelEntry{
			ID:                id,
			Provider:          info.Provider,
			DisplayName:       info.DisplayName,
			Description:       info.Description,
			MaxContextTokens:  info.MaxContextTokens,
			MaxOutputTokens:   info.MaxOutputTokens,
			InputCPM:          info.InputCPM,
			OutputCPM:         info.OutputCPM,
			SupportsReasoning: info.SupportsReasoning,
		})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	s.writeJSON(w, http.StatusOK, map[string]any{
		"models":  models,
		"default": config.DefaultGenerationModel,
	})
}

func (s *Server) handleSamples(w http.ResponseWriter, _ *http.Request) {
	all, err := s.manager.Samples().List()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"samples": all})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// StartServer starts the HTTP server and shuts it down when the context is
// canceled. The call itself does not block.
func (s *Server) StartServer(ctx context.Context, cfg *config.ServerConfig) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.SSL {
		s.logger.Info("🔄 Starting API server on https://%s", addr)
	} else {
		s.logger.Info("🔄 Starting API server on http://%s", addr)
	}

	go func() {
		var err error
		if cfg.SSL {
			err = server.ListenAndServeTLS(cfg.Cert, cfg.Key)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("❌ API server error: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		s.logger.Info("🔄 Shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		//nolint:contextcheck // Parent context is canceled; shutdown needs a fresh one
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("❌ API server shutdown failed: %v", err)
		}
	}()

	return nil
}
