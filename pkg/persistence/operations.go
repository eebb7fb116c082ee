package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrApprovalNotPending is returned when resolving an approval request that
// has already been decided. Callers treat duplicate decisions as discards.
var ErrApprovalNotPending = errors.New("approval request already resolved")

// DatabaseOperations provides typed methods over the history tables.
// Every write is stamped with the session ID the instance was created with.
type DatabaseOperations struct {
	db        *sql.DB
	sessionID string
}

// NewDatabaseOperations creates a new DatabaseOperations instance.
func NewDatabaseOperations(db *sql.DB, sessionID string) *DatabaseOperations {
	return &DatabaseOperations{db: db, sessionID: sessionID}
}

// UpsertProject inserts or updates a project registry row.
// created_at is preserved on update.
func (ops *DatabaseOperations) UpsertProject(project *Project) error {
	if project.ID == "" {
		return fmt.Errorf("cannot upsert project: id is empty")
	}
	now := time.Now().UTC()
	if project.CreatedAt.IsZero() {
		project.CreatedAt = now
	}
	project.UpdatedAt = now

	query := `
		INSERT INTO projects (id, session_id, title, config_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			session_id = excluded.session_id,
			title = excluded.title,
			config_json = excluded.config_json,
			updated_at = excluded.updated_at
	`

	_, err := ops.db.Exec(query,
		project.ID, ops.sessionID, project.Title, project.ConfigJSON,
		project.CreatedAt, project.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert project %s: %w", project.ID, err)
	}
	return nil
}

// GetProjectByID returns a project registry row by its ID.
func (ops *DatabaseOperations) GetProjectByID(projectID string) (*Project, error) {
	query := `SELECT id, session_id, title, config_json, created_at, updated_at FROM projects WHERE id = ?`

	project := &Project{}
	err := ops.db.QueryRow(query, projectID).Scan(
		&project.ID, &project.SessionID, &project.Title, &project.ConfigJSON,
		&project.CreatedAt, &project.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project %s: %w", projectID, err)
	}
	return project, nil
}

// ListProjects returns all project registry rows, oldest first.
func (ops *DatabaseOperations) ListProjects() ([]*Project, error) {
	rows, err := ops.db.Query(`
		SELECT id, session_id, title, config_json, created_at, updated_at
		FROM projects ORDER BY created_at ASC, rowid ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var projects []*Project
	for rows.Next() {
		project := &Project{}
		if err := rows.Scan(
			&project.ID, &project.SessionID, &project.Title, &project.ConfigJSON,
			&project.CreatedAt, &project.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, project)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return projects, nil
}

// AppendTurn appends a finalized conversation turn to the project's log.
// The per-project sequence number is assigned inside a transaction so the
// log stays dense and ordered; the assigned value is written back to turn.Seq.
func (ops *DatabaseOperations) AppendTurn(turn *ConversationTurn) error {
	if turn.ProjectID == "" {
		return fmt.Errorf("cannot append turn: project_id is empty")
	}
	if turn.ID == "" {
		turn.ID = GenerateTurnID()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}

	tx, err := ops.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback() // Ignore rollback errors
		}
	}()

	err = tx.QueryRow(
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM conversation_turns WHERE project_id = ?`,
		turn.ProjectID,
	).Scan(&turn.Seq)
	if err != nil {
		return fmt.Errorf("failed to assign turn sequence for %s: %w", turn.ProjectID, err)
	}

	_, err = tx.Exec(`
		INSERT INTO conversation_turns (
			id, session_id, project_id, phase, seq, role,
			content, reasoning, tool_calls, tool_results, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, turn.ID, ops.sessionID, turn.ProjectID, turn.Phase, turn.Seq, turn.Role,
		turn.Content, turn.Reasoning, turn.ToolCallsJSON, turn.ToolResultsJSON, turn.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append turn %s: %w", turn.ID, err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit turn %s: %w", turn.ID, err)
	}
	return nil
}

// GetTurns returns a project's conversation turns in sequence order.
// A nil filter returns the full log.
func (ops *DatabaseOperations) GetTurns(projectID string, filter *TurnFilter) ([]*ConversationTurn, error) {
	query := `
		SELECT id, project_id, phase, seq, role, content, reasoning, tool_calls, tool_results, created_at
		FROM conversation_turns WHERE project_id = ?`
	args := []interface{}{projectID}

	if filter != nil {
		if filter.Phase != nil {
			query += " AND phase = ?"
			args = append(args, *filter.Phase)
		}
		if filter.SinceSeq != nil {
			query += " AND seq > ?"
			args = append(args, *filter.SinceSeq)
		}
	}

	query += " ORDER BY seq ASC"
	if filter != nil && filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := ops.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns for project %s: %w", projectID, err)
	}
	defer func() { _ = rows.Close() }()

	var turns []*ConversationTurn
	for rows.Next() {
		turn := &ConversationTurn{}
		if err := rows.Scan(
			&turn.ID, &turn.ProjectID, &turn.Phase, &turn.Seq, &turn.Role,
			&turn.Content, &turn.Reasoning, &turn.ToolCallsJSON, &turn.ToolResultsJSON,
			&turn.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		turns = append(turns, turn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return turns, nil
}

// InsertToolExecution records a tool execution.
func (ops *DatabaseOperations) InsertToolExecution(exec *ToolExecution) error {
	if exec.ID == "" {
		exec.ID = GenerateToolExecutionID()
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now().UTC()
	}

	_, err := ops.db.Exec(`
		INSERT INTO tool_executions (
			id, session_id, project_id, phase, tool_name, tool_id,
			args, result, error, is_error, duration_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, exec.ID, ops.sessionID, exec.ProjectID, exec.Phase, exec.ToolName, exec.ToolID,
		exec.ArgsJSON, exec.Result, exec.Error, exec.IsError, exec.DurationMS, exec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert tool execution %s: %w", exec.ID, err)
	}
	return nil
}

// GetToolExecutions returns a project's tool executions in insertion order.
// A limit of 0 or less returns all records.
func (ops *DatabaseOperations) GetToolExecutions(projectID string, limit int) ([]*ToolExecution, error) {
	query := `
		SELECT id, project_id, phase, tool_name, tool_id, args, result, error, is_error, duration_ms, created_at
		FROM tool_executions WHERE project_id = ? ORDER BY created_at ASC, rowid ASC`
	args := []interface{}{projectID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := ops.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tool executions for project %s: %w", projectID, err)
	}
	defer func() { _ = rows.Close() }()

	var execs []*ToolExecution
	for rows.Next() {
		exec := &ToolExecution{}
		if err := rows.Scan(
			&exec.ID, &exec.ProjectID, &exec.Phase, &exec.ToolName, &exec.ToolID,
			&exec.ArgsJSON, &exec.Result, &exec.Error, &exec.IsError, &exec.DurationMS,
			&exec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan tool execution: %w", err)
		}
		execs = append(execs, exec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return execs, nil
}

// InsertApproval records a new pending approval request. The partial unique
// index rejects a second pending request for the same project.
func (ops *DatabaseOperations) InsertApproval(approval *ApprovalRecord) error {
	if approval.ProjectID == "" {
		return fmt.Errorf("cannot insert approval: project_id is empty")
	}
	if !IsValidCheckpoint(approval.Checkpoint) {
		return fmt.Errorf("cannot insert approval: invalid checkpoint %q", approval.Checkpoint)
	}
	if approval.ID == "" {
		approval.ID = GenerateApprovalID()
	}
	if approval.Status == "" {
		approval.Status = ApprovalStatusPending
	}
	if approval.CreatedAt.IsZero() {
		approval.CreatedAt = time.Now().UTC()
	}

	_, err := ops.db.Exec(`
		INSERT INTO approvals (
			id, session_id, project_id, checkpoint, summary, status, notes, created_at, decided_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, approval.ID, ops.sessionID, approval.ProjectID, approval.Checkpoint,
		approval.Summary, approval.Status, approval.Notes, approval.CreatedAt, approval.DecidedAt)
	if err != nil {
		return fmt.Errorf("failed to insert approval %s: %w", approval.ID, err)
	}
	return nil
}

// ResolveApproval applies a decision to a pending approval request.
// Returns ErrApprovalNotPending if the request was already decided and
// ErrNotFound if it does not exist.
func (ops *DatabaseOperations) ResolveApproval(approvalID, status, notes string, decidedAt time.Time) error {
	if status != ApprovalStatusApproved && status != ApprovalStatusRejected {
		return fmt.Errorf("invalid approval decision %q", status)
	}
	if decidedAt.IsZero() {
		decidedAt = time.Now().UTC()
	}

	result, err := ops.db.Exec(`
		UPDATE approvals SET status = ?, notes = ?, decided_at = ?
		WHERE id = ? AND status = ?
	`, status, notes, decidedAt, approvalID, ApprovalStatusPending)
	if err != nil {
		return fmt.Errorf("failed to resolve approval %s: %w", approvalID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		var exists int
		err = ops.db.QueryRow(`SELECT 1 FROM approvals WHERE id = ?`, approvalID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("approval %s: %w", approvalID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to check approval %s: %w", approvalID, err)
		}
		return fmt.Errorf("approval %s: %w", approvalID, ErrApprovalNotPending)
	}
	return nil
}

// GetPendingApproval returns the project's pending approval request, if any.
func (ops *DatabaseOperations) GetPendingApproval(projectID string) (*ApprovalRecord, error) {
	query := approvalSelect + ` WHERE project_id = ? AND status = ?`
	return ops.scanApproval(ops.db.QueryRow(query, projectID, ApprovalStatusPending),
		fmt.Sprintf("pending approval for project %s", projectID))
}

// GetApprovalByID returns an approval request by its ID.
func (ops *DatabaseOperations) GetApprovalByID(approvalID string) (*ApprovalRecord, error) {
	query := approvalSelect + ` WHERE id = ?`
	return ops.scanApproval(ops.db.QueryRow(query, approvalID),
		fmt.Sprintf("approval %s", approvalID))
}

const approvalSelect = `
	SELECT id, project_id, checkpoint, summary, status, notes, created_at, decided_at
	FROM approvals`

// scanApproval scans a single approval row, mapping sql.ErrNoRows to ErrNotFound.
func (ops *DatabaseOperations) scanApproval(row *sql.Row, what string) (*ApprovalRecord, error) {
	approval := &ApprovalRecord{}
	var decidedAt sql.NullTime
	err := row.Scan(
		&approval.ID, &approval.ProjectID, &approval.Checkpoint, &approval.Summary,
		&approval.Status, &approval.Notes, &approval.CreatedAt, &decidedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", what, err)
	}
	if decidedAt.Valid {
		approval.DecidedAt = &decidedAt.Time
	}
	return approval, nil
}

// ListApprovals returns a project's approval history, oldest first.
func (ops *DatabaseOperations) ListApprovals(projectID string) ([]*ApprovalRecord, error) {
	rows, err := ops.db.Query(approvalSelect+` WHERE project_id = ? ORDER BY created_at ASC, rowid ASC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query approvals for project %s: %w", projectID, err)
	}
	defer func() { _ = rows.Close() }()

	var approvals []*ApprovalRecord
	for rows.Next() {
		approval := &ApprovalRecord{}
		var decidedAt sql.NullTime
		if err := rows.Scan(
			&approval.ID, &approval.ProjectID, &approval.Checkpoint, &approval.Summary,
			&approval.Status, &approval.Notes, &approval.CreatedAt, &decidedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan approval: %w", err)
		}
		if decidedAt.Valid {
			approval.DecidedAt = &decidedAt.Time
		}
		approvals = append(approvals, approval)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return approvals, nil
}

// InsertPhaseEvent records a phase transition.
func (ops *DatabaseOperations) InsertPhaseEvent(event *PhaseEvent) error {
	if event.ID == "" {
		event.ID = GenerateEventID()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	_, err := ops.db.Exec(`
		INSERT INTO phase_events (id, session_id, project_id, from_phase, to_phase, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, event.ID, ops.sessionID, event.ProjectID, event.FromPhase, event.ToPhase,
		event.Reason, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert phase event %s: %w", event.ID, err)
	}
	return nil
}

// GetPhaseEvents returns a project's phase transitions in insertion order.
func (ops *DatabaseOperations) GetPhaseEvents(projectID string) ([]*PhaseEvent, error) {
	rows, err := ops.db.Query(`
		SELECT id, project_id, from_phase, to_phase, reason, created_at
		FROM phase_events WHERE project_id = ? ORDER BY created_at ASC, rowid ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query phase events for project %s: %w", projectID, err)
	}
	defer func() { _ = rows.Close() }()

	var events []*PhaseEvent
	for rows.Next() {
		event := &PhaseEvent{}
		if err := rows.Scan(
			&event.ID, &event.ProjectID, &event.FromPhase, &event.ToPhase,
			&event.Reason, &event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan phase event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return events, nil
}

// InsertContextSummary records a compression of the project's conversation.
func (ops *DatabaseOperations) InsertContextSummary(summary *ContextSummary) error {
	if summary.ID == "" {
		summary.ID = GenerateSummaryID()
	}
	if summary.CreatedAt.IsZero() {
		summary.CreatedAt = time.Now().UTC()
	}

	_, err := ops.db.Exec(`
		INSERT INTO context_summaries (
			id, session_id, project_id, phase, summary,
			messages_compressed, messages_retained, tokens_before, tokens_after, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, summary.ID, ops.sessionID, summary.ProjectID, summary.Phase, summary.Summary,
		summary.MessagesCompressed, summary.MessagesRetained,
		summary.TokensBefore, summary.TokensAfter, summary.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert context summary %s: %w", summary.ID, err)
	}
	return nil
}

// GetContextSummaries returns a project's compression history, oldest first.
func (ops *DatabaseOperations) GetContextSummaries(projectID string) ([]*ContextSummary, error) {
	rows, err := ops.db.Query(`
		SELECT id, project_id, phase, summary, messages_compressed, messages_retained,
		       tokens_before, tokens_after, created_at
		FROM context_summaries WHERE project_id = ? ORDER BY created_at ASC, rowid ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query context summaries for project %s: %w", projectID, err)
	}
	defer func() { _ = rows.Close() }()

	var summaries []*ContextSummary
	for rows.Next() {
		summary := &ContextSummary{}
		if err := rows.Scan(
			&summary.ID, &summary.ProjectID, &summary.Phase, &summary.Summary,
			&summary.MessagesCompressed, &summary.MessagesRetained,
			&summary.TokensBefore, &summary.TokensAfter, &summary.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan context summary: %w", err)
		}
		summaries = append(summaries, summary)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return summaries, nil
}

// ApplyStatsDelta increments a project's generation stats, creating the row
// on first use. Counters add; phase_iterations is replaced when the delta
// carries a non-empty value.
func (ops *DatabaseOperations) ApplyStatsDelta(projectID string, delta *StatsDelta) error {
	if projectID == "" {
		return fmt.Errorf("cannot apply stats delta: project_id is empty")
	}
	now := time.Now().UTC()

	query := `
		INSERT INTO generation_stats (
			project_id, session_id, model_calls, prompt_tokens, completion_tokens,
			compressions, phase_iterations, started_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET
			model_calls = model_calls + excluded.model_calls,
			prompt_tokens = prompt_tokens + excluded.prompt_tokens,
			completion_tokens = completion_tokens + excluded.completion_tokens,
			compressions = compressions + excluded.compressions,
			phase_iterations = CASE
				WHEN excluded.phase_iterations != '' THEN excluded.phase_iterations
				ELSE phase_iterations
			END,
			updated_at = excluded.updated_at
	`

	_, err := ops.db.Exec(query,
		projectID, ops.sessionID, delta.ModelCalls, delta.PromptTokens,
		delta.CompletionTokens, delta.Compressions, delta.PhaseIterationsJSON,
		now, now)
	if err != nil {
		return fmt.Errorf("failed to apply stats delta for project %s: %w", projectID, err)
	}
	return nil
}

// GetGenerationStats returns a project's aggregated model usage.
func (ops *DatabaseOperations) GetGenerationStats(projectID string) (*GenerationStats, error) {
	query := `
		SELECT project_id, model_calls, prompt_tokens, completion_tokens,
		       compressions, phase_iterations, started_at, updated_at
		FROM generation_stats WHERE project_id = ?
	`

	stats := &GenerationStats{}
	err := ops.db.QueryRow(query, projectID).Scan(
		&stats.ProjectID, &stats.ModelCalls, &stats.PromptTokens, &stats.CompletionTokens,
		&stats.Compressions, &stats.PhaseIterationsJSON, &stats.StartedAt, &stats.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("generation stats for project %s: %w", projectID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get generation stats for project %s: %w", projectID, err)
	}
	return stats, nil
}

// IsUniqueConstraintError reports whether err is a SQLite unique-constraint
// violation, such as a second pending approval for one project.
func IsUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed")
}
