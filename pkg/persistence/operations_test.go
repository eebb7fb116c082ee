package persistence

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// Helper function to create a new database for each test.
func createTestDB(t *testing.T) *DatabaseOperations {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := InitializeDatabase(dbPath)
	if err != nil {
		t.Fatalf("Failed to initialize database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	// Use test-session as session ID for all test operations
	return NewDatabaseOperations(db, "test-session")
}

// mustProject registers a project row so foreign keys on the history tables
// are satisfied.
func mustProject(t *testing.T, ops *DatabaseOperations, projectID string) {
	t.Helper()
	project := &Project{ID: projectID, Title: "Test Project", ConfigJSON: "{}"}
	if err := ops.UpsertProject(project); err != nil {
		t.Fatalf("Failed to upsert project %s: %v", projectID, err)
	}
}

func TestDatabaseOperations(t *testing.T) {
	t.Run("ProjectOperations", func(t *testing.T) {
		ops := createTestDB(t)

		project := &Project{
			ID:         "my-novel - 20260314_093015",
			Title:      "My Novel",
			ConfigJSON: `{"genre":"mystery"}`,
		}
		if err := ops.UpsertProject(project); err != nil {
			t.Fatalf("Failed to upsert project: %v", err)
		}

		retrieved, err := ops.GetProjectByID(project.ID)
		if err != nil {
			t.Fatalf("Failed to get project: %v", err)
		}
		if retrieved.Title != "My Novel" {
			t.Errorf("Expected title 'My Novel', got %q", retrieved.Title)
		}
		if retrieved.SessionID != "test-session" {
			t.Errorf("Expected session stamp 'test-session', got %q", retrieved.SessionID)
		}

		// Upsert with a new title updates in place, preserving created_at.
		project.Title = "My Novel (revised)"
		if err := ops.UpsertProject(project); err != nil {
			t.Fatalf("Failed to re-upsert project: %v", err)
		}
		updated, err := ops.GetProjectByID(project.ID)
		if err != nil {
			t.Fatalf("Failed to get updated project: %v", err)
		}
		if updated.Title != "My Novel (revised)" {
			t.Errorf("Expected updated title, got %q", updated.Title)
		}
		if !updated.CreatedAt.Equal(retrieved.CreatedAt) {
			t.Errorf("Expected created_at preserved, got %v vs %v", updated.CreatedAt, retrieved.CreatedAt)
		}

		if _, err := ops.GetProjectByID("missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound for missing project, got %v", err)
		}

		projects, err := ops.ListProjects()
		if err != nil {
			t.Fatalf("Failed to list projects: %v", err)
		}
		if len(projects) != 1 {
			t.Errorf("Expected 1 project, got %d", len(projects))
		}

		if err := ops.UpsertProject(&Project{Title: "no id"}); err == nil {
			t.Error("Expected error upserting project without an ID")
		}
	})

	t.Run("TurnAppendOrdering", func(t *testing.T) {
		ops := createTestDB(t)
		mustProject(t, ops, "proj-1")

		turns := []*ConversationTurn{
			{ProjectID: "proj-1", Phase: "PLANNING", Role: "system", Content: "You are the Planner."},
			{ProjectID: "proj-1", Phase: "PLANNING", Role: "assistant", Content: "Outlining.",
				Reasoning: "thinking", ToolCallsJSON: `[{"name":"create_plot_outline"}]`},
			{ProjectID: "proj-1", Phase: "WRITING", Role: "user",
				ToolResultsJSON: `[{"name":"create_plot_outline","content":"ok"}]`},
		}
		for i, turn := range turns {
			if err := ops.AppendTurn(turn); err != nil {
				t.Fatalf("Failed to append turn %d: %v", i, err)
			}
			if turn.Seq != int64(i+1) {
				t.Errorf("Expected seq %d, got %d", i+1, turn.Seq)
			}
		}

		all, err := ops.GetTurns("proj-1", nil)
		if err != nil {
			t.Fatalf("Failed to get turns: %v", err)
		}
		if len(all) != 3 {
			t.Fatalf("Expected 3 turns, got %d", len(all))
		}
		for i, turn := range all {
			if turn.Seq != int64(i+1) {
				t.Errorf("Expected ordered seq at index %d, got %d", i, turn.Seq)
			}
		}
		if all[1].Reasoning != "thinking" {
			t.Errorf("Expected reasoning preserved, got %q", all[1].Reasoning)
		}
		if all[2].ToolResultsJSON == "" {
			t.Error("Expected tool results preserved")
		}

		// Phase filter.
		phase := "PLANNING"
		planning, err := ops.GetTurns("proj-1", &TurnFilter{Phase: &phase})
		if err != nil {
			t.Fatalf("Failed to get filtered turns: %v", err)
		}
		if len(planning) != 2 {
			t.Errorf("Expected 2 PLANNING turns, got %d", len(planning))
		}

		// Resume-style tail read.
		since := int64(1)
		tail, err := ops.GetTurns("proj-1", &TurnFilter{SinceSeq: &since, Limit: 1})
		if err != nil {
			t.Fatalf("Failed to get tail turns: %v", err)
		}
		if len(tail) != 1 || tail[0].Seq != 2 {
			t.Errorf("Expected single turn with seq 2, got %+v", tail)
		}

		if err := ops.AppendTurn(&ConversationTurn{Role: "user"}); err == nil {
			t.Error("Expected error appending turn without project_id")
		}
	})

	t.Run("TurnSeqIsolatedPerProject", func(t *testing.T) {
		ops := createTestDB(t)
		mustProject(t, ops, "proj-a")
		mustProject(t, ops, "proj-b")

		order := []string{"proj-a", "proj-b", "proj-a", "proj-b", "proj-b"}
		for _, projectID := range order {
			turn := &ConversationTurn{ProjectID: projectID, Phase: "PLANNING", Role: "user", Content: "x"}
			if err := ops.AppendTurn(turn); err != nil {
				t.Fatalf("Failed to append turn for %s: %v", projectID, err)
			}
		}

		turnsA, err := ops.GetTurns("proj-a", nil)
		if err != nil {
			t.Fatalf("Failed to get proj-a turns: %v", err)
		}
		turnsB, err := ops.GetTurns("proj-b", nil)
		if err != nil {
			t.Fatalf("Failed to get proj-b turns: %v", err)
		}

		if len(turnsA) != 2 || turnsA[1].Seq != 2 {
			t.Errorf("Expected proj-a seqs [1 2], got %d turns ending at %d", len(turnsA), turnsA[len(turnsA)-1].Seq)
		}
		if len(turnsB) != 3 || turnsB[2].Seq != 3 {
			t.Errorf("Expected proj-b seqs [1 2 3], got %d turns", len(turnsB))
		}
	})

	t.Run("ApprovalLifecycle", func(t *testing.T) {
		ops := createTestDB(t)
		mustProject(t, ops, "proj-1")

		approval := &ApprovalRecord{
			ProjectID:  "proj-1",
			Checkpoint: CheckpointPlan,
			Summary:    "Plan ready for review",
		}
		if err := ops.InsertApproval(approval); err != nil {
			t.Fatalf("Failed to insert approval: %v", err)
		}
		if approval.ID == "" {
			t.Fatal("Expected approval ID to be assigned")
		}
		if approval.Status != ApprovalStatusPending {
			t.Errorf("Expected pending status, got %q", approval.Status)
		}

		pending, err := ops.GetPendingApproval("proj-1")
		if err != nil {
			t.Fatalf("Failed to get pending approval: %v", err)
		}
		if pending.ID != approval.ID {
			t.Errorf("Expected pending approval %s, got %s", approval.ID, pending.ID)
		}
		if pending.DecidedAt != nil {
			t.Error("Expected no decision timestamp on pending approval")
		}

		if err := ops.ResolveApproval(approval.ID, ApprovalStatusApproved, "looks good", time.Time{}); err != nil {
			t.Fatalf("Failed to resolve approval: %v", err)
		}

		if _, err := ops.GetPendingApproval("proj-1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected no pending approval after decision, got %v", err)
		}

		decided, err := ops.GetApprovalByID(approval.ID)
		if err != nil {
			t.Fatalf("Failed to get decided approval: %v", err)
		}
		if decided.Status != ApprovalStatusApproved {
			t.Errorf("Expected approved status, got %q", decided.Status)
		}
		if decided.Notes != "looks good" {
			t.Errorf("Expected notes preserved, got %q", decided.Notes)
		}
		if decided.DecidedAt == nil {
			t.Error("Expected decision timestamp")
		}

		// Duplicate decision is detectable and ignorable.
		err = ops.ResolveApproval(approval.ID, ApprovalStatusRejected, "too late", time.Time{})
		if !errors.Is(err, ErrApprovalNotPending) {
			t.Errorf("Expected ErrApprovalNotPending for duplicate decision, got %v", err)
		}
		unchanged, err := ops.GetApprovalByID(approval.ID)
		if err != nil {
			t.Fatalf("Failed to re-read approval: %v", err)
		}
		if unchanged.Status != ApprovalStatusApproved || unchanged.Notes != "looks good" {
			t.Errorf("Expected duplicate decision discarded, got status=%q notes=%q", unchanged.Status, unchanged.Notes)
		}

		if err := ops.ResolveApproval("missing", ApprovalStatusApproved, "", time.Time{}); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound resolving unknown approval, got %v", err)
		}
		if err := ops.ResolveApproval(approval.ID, "maybe", "", time.Time{}); err == nil {
			t.Error("Expected error for invalid decision status")
		}

		history, err := ops.ListApprovals("proj-1")
		if err != nil {
			t.Fatalf("Failed to list approvals: %v", err)
		}
		if len(history) != 1 {
			t.Errorf("Expected 1 approval in history, got %d", len(history))
		}
	})

	t.Run("OnePendingApprovalPerProject", func(t *testing.T) {
		ops := createTestDB(t)
		mustProject(t, ops, "proj-1")

		first := &ApprovalRecord{ProjectID: "proj-1", Checkpoint: CheckpointPlan}
		if err := ops.InsertApproval(first); err != nil {
			t.Fatalf("Failed to insert first approval: %v", err)
		}

		second := &ApprovalRecord{ProjectID: "proj-1", Checkpoint: CheckpointChunk}
		err := ops.InsertApproval(second)
		if err == nil {
			t.Fatal("Expected second pending approval to be rejected")
		}
		if !IsUniqueConstraintError(err) {
			t.Errorf("Expected unique constraint error, got %v", err)
		}

		// After the first is decided, a new pending request is allowed.
		if err := ops.ResolveApproval(first.ID, ApprovalStatusRejected, "revise", time.Time{}); err != nil {
			t.Fatalf("Failed to resolve first approval: %v", err)
		}
		third := &ApprovalRecord{ProjectID: "proj-1", Checkpoint: CheckpointChunk}
		if err := ops.InsertApproval(third); err != nil {
			t.Fatalf("Expected new pending approval after decision, got %v", err)
		}

		if err := ops.InsertApproval(&ApprovalRecord{ProjectID: "proj-1", Checkpoint: "deploy"}); err == nil {
			t.Error("Expected error for invalid checkpoint name")
		}
	})

	t.Run("PhaseEvents", func(t *testing.T) {
		ops := createTestDB(t)
		mustProject(t, ops, "proj-1")

		events := []*PhaseEvent{
			{ProjectID: "proj-1", FromPhase: "PLANNING", ToPhase: "PLAN_CRITIQUE"},
			{ProjectID: "proj-1", FromPhase: "PLAN_CRITIQUE", ToPhase: "WRITING", Reason: "plan approved"},
		}
		for i, event := range events {
			if err := ops.InsertPhaseEvent(event); err != nil {
				t.Fatalf("Failed to insert phase event %d: %v", i, err)
			}
		}

		retrieved, err := ops.GetPhaseEvents("proj-1")
		if err != nil {
			t.Fatalf("Failed to get phase events: %v", err)
		}
		if len(retrieved) != 2 {
			t.Fatalf("Expected 2 phase events, got %d", len(retrieved))
		}
		if retrieved[0].ToPhase != "PLAN_CRITIQUE" || retrieved[1].ToPhase != "WRITING" {
			t.Errorf("Expected insertion order preserved, got %s then %s",
				retrieved[0].ToPhase, retrieved[1].ToPhase)
		}
		if retrieved[1].Reason != "plan approved" {
			t.Errorf("Expected reason preserved, got %q", retrieved[1].Reason)
		}
	})

	t.Run("ToolExecutions", func(t *testing.T) {
		ops := createTestDB(t)
		mustProject(t, ops, "proj-1")

		execs := []*ToolExecution{
			{ProjectID: "proj-1", Phase: "WRITING", ToolName: "write_chunk", ToolID: "call_1",
				ArgsJSON: `{"chunk_number":1}`, Result: "chunk written", DurationMS: 42},
			{ProjectID: "proj-1", Phase: "WRITING", ToolName: "finalize_chunk", ToolID: "call_2",
				Error: "chunk 1 not found", IsError: true},
		}
		for i, exec := range execs {
			if err := ops.InsertToolExecution(exec); err != nil {
				t.Fatalf("Failed to insert tool execution %d: %v", i, err)
			}
		}

		retrieved, err := ops.GetToolExecutions("proj-1", 0)
		if err != nil {
			t.Fatalf("Failed to get tool executions: %v", err)
		}
		if len(retrieved) != 2 {
			t.Fatalf("Expected 2 tool executions, got %d", len(retrieved))
		}
		if retrieved[0].ToolName != "write_chunk" || retrieved[0].DurationMS != 42 {
			t.Errorf("Unexpected first execution: %+v", retrieved[0])
		}
		if !retrieved[1].IsError || retrieved[1].Error == "" {
			t.Errorf("Expected error flags preserved, got %+v", retrieved[1])
		}

		limited, err := ops.GetToolExecutions("proj-1", 1)
		if err != nil {
			t.Fatalf("Failed to get limited tool executions: %v", err)
		}
		if len(limited) != 1 {
			t.Errorf("Expected 1 limited execution, got %d", len(limited))
		}
	})

	t.Run("ContextSummaries", func(t *testing.T) {
		ops := createTestDB(t)
		mustProject(t, ops, "proj-1")

		summary := &ContextSummary{
			ProjectID:          "proj-1",
			Phase:              "WRITING",
			Summary:            "The story so far.",
			MessagesCompressed: 40,
			MessagesRetained:   10,
			TokensBefore:       185000,
			TokensAfter:        42000,
		}
		if err := ops.InsertContextSummary(summary); err != nil {
			t.Fatalf("Failed to insert context summary: %v", err)
		}

		retrieved, err := ops.GetContextSummaries("proj-1")
		if err != nil {
			t.Fatalf("Failed to get context summaries: %v", err)
		}
		if len(retrieved) != 1 {
			t.Fatalf("Expected 1 summary, got %d", len(retrieved))
		}
		if retrieved[0].TokensBefore != 185000 || retrieved[0].TokensAfter != 42000 {
			t.Errorf("Expected token counts preserved, got %+v", retrieved[0])
		}
		if retrieved[0].MessagesCompressed != 40 {
			t.Errorf("Expected 40 messages compressed, got %d", retrieved[0].MessagesCompressed)
		}
	})

	t.Run("GenerationStats", func(t *testing.T) {
		ops := createTestDB(t)
		mustProject(t, ops, "proj-1")

		if _, err := ops.GetGenerationStats("proj-1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound before first delta, got %v", err)
		}

		if err := ops.ApplyStatsDelta("proj-1", &StatsDelta{
			ModelCalls: 1, PromptTokens: 1000, CompletionTokens: 400,
			PhaseIterationsJSON: `{"PLANNING":1}`,
		}); err != nil {
			t.Fatalf("Failed to apply first delta: %v", err)
		}
		if err := ops.ApplyStatsDelta("proj-1", &StatsDelta{
			ModelCalls: 2, PromptTokens: 3000, CompletionTokens: 600, Compressions: 1,
			PhaseIterationsJSON: `{"PLANNING":3}`,
		}); err != nil {
			t.Fatalf("Failed to apply second delta: %v", err)
		}

		stats, err := ops.GetGenerationStats("proj-1")
		if err != nil {
			t.Fatalf("Failed to get generation stats: %v", err)
		}
		if stats.ModelCalls != 3 {
			t.Errorf("Expected 3 model calls, got %d", stats.ModelCalls)
		}
		if stats.PromptTokens != 4000 || stats.CompletionTokens != 1000 {
			t.Errorf("Expected summed tokens 4000/1000, got %d/%d", stats.PromptTokens, stats.CompletionTokens)
		}
		if stats.Compressions != 1 {
			t.Errorf("Expected 1 compression, got %d", stats.Compressions)
		}
		if stats.PhaseIterationsJSON != `{"PLANNING":3}` {
			t.Errorf("Expected phase iterations replaced, got %q", stats.PhaseIterationsJSON)
		}

		// Empty phase_iterations in a delta leaves the stored value alone.
		if err := ops.ApplyStatsDelta("proj-1", &StatsDelta{ModelCalls: 1}); err != nil {
			t.Fatalf("Failed to apply counter-only delta: %v", err)
		}
		stats, err = ops.GetGenerationStats("proj-1")
		if err != nil {
			t.Fatalf("Failed to re-read generation stats: %v", err)
		}
		if stats.PhaseIterationsJSON != `{"PLANNING":3}` {
			t.Errorf("Expected phase iterations preserved, got %q", stats.PhaseIterationsJSON)
		}
	})
}

func TestSchemaVersion(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "schema.db")

	db, err := InitializeDatabase(dbPath)
	if err != nil {
		t.Fatalf("Failed to initialize database: %v", err)
	}
	defer func() { _ = db.Close() }()

	version, err := GetSchemaVersion(db)
	if err != nil {
		t.Fatalf("Failed to get schema version: %v", err)
	}
	if version != CurrentSchemaVersion {
		t.Errorf("Expected schema version %d, got %d", CurrentSchemaVersion, version)
	}
}

func TestInitializeDatabaseIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "idempotent.db")

	db1, err := InitializeDatabase(dbPath)
	if err != nil {
		t.Fatalf("Failed first initialization: %v", err)
	}
	_ = db1.Close()

	db2, err := InitializeDatabase(dbPath)
	if err != nil {
		t.Fatalf("Failed second initialization: %v", err)
	}
	defer func() { _ = db2.Close() }()

	version, err := GetSchemaVersion(db2)
	if err != nil {
		t.Fatalf("Failed to get schema version: %v", err)
	}
	if version != CurrentSchemaVersion {
		t.Errorf("Expected schema version %d after re-open, got %d", CurrentSchemaVersion, version)
	}
}
