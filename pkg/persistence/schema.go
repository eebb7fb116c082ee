// Package persistence provides SQLite-based storage for project history:
// conversation turns, tool executions, approvals, phase events, context
// summaries, and generation stats.
package persistence

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver
)

// CurrentSchemaVersion defines the current schema version for migration support.
const CurrentSchemaVersion = 2

// InitializeDatabase creates and initializes the SQLite database with the required schema.
// This function is idempotent and safe to call multiple times.
func InitializeDatabase(dbPath string) (*sql.DB, error) {
	// WAL for concurrent readers, busy_timeout so project pipelines queue on
	// the single writer instead of failing.
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
		dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection with a simple ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Initialize schema with migrations
	if err := initializeSchemaWithMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// initializeSchemaWithMigrations ensures the database schema is at the current version.
func initializeSchemaWithMigrations(db *sql.DB) error {
	currentVersion, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	// If database is empty (version 0), create fresh schema
	if currentVersion == 0 {
		return createSchema(db)
	}

	// If database is up-to-date, no migration needed
	if currentVersion == CurrentSchemaVersion {
		return nil
	}

	// Run migrations from current version to target version
	return runMigrations(db, currentVersion, CurrentSchemaVersion)
}

// runMigrations applies database migrations from current version to target version.
func runMigrations(db *sql.DB, fromVersion, toVersion int) error {
	for version := fromVersion + 1; version <= toVersion; version++ {
		if err := runMigration(db, version); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", version, err)
		}

		// Update schema version after successful migration
		if err := setSchemaVersion(db, version); err != nil {
			return fmt.Errorf("failed to update schema version to %d: %w", version, err)
		}
	}
	return nil
}

// runMigration applies a specific version migration.
func runMigration(db *sql.DB, version int) error {
	switch version {
	case 1:
		return nil // initial schema, created fresh by createSchema
	case 2:
		return migrateToVersion2(db)
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}
}

// migrateToVersion2 adds the context_summaries table. Version 1 databases
// recorded compressions only in generation_stats counters.
func migrateToVersion2(db *sql.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS context_summaries (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			project_id TEXT NOT NULL REFERENCES projects(id),
			phase TEXT NOT NULL,
			summary TEXT NOT NULL,
			messages_compressed INTEGER NOT NULL DEFAULT 0,
			messages_retained INTEGER NOT NULL DEFAULT 0,
			tokens_before INTEGER NOT NULL DEFAULT 0,
			tokens_after INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,
		"CREATE INDEX IF NOT EXISTS idx_summaries_project ON context_summaries(project_id)",
	}

	for _, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("failed to execute migration: %s: %w", migration, err)
		}
	}

	return nil
}

// createSchema creates all required tables and indices.
func createSchema(db *sql.DB) error {
	// Enable WAL mode and foreign keys
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}

	// Create tables
	tables := []string{
		// Schema version tracking
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Daemon sessions
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			started_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			ended_at DATETIME,
			status TEXT NOT NULL DEFAULT '` + SessionStatusActive + `'
				CHECK (status IN ('` + SessionStatusActive + `', '` + SessionStatusShutdown + `', '` + SessionStatusCrashed + `')),
			config_json TEXT NOT NULL DEFAULT ''
		)`,

		// Project registry; every history table references it
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			title TEXT NOT NULL,
			config_json TEXT NOT NULL DEFAULT '',
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			updated_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Append-only conversation log; seq is dense per project
		`CREATE TABLE IF NOT EXISTS conversation_turns (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			project_id TEXT NOT NULL REFERENCES projects(id),
			phase TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL CHECK (role IN ('system', 'user', 'assistant')),
			content TEXT NOT NULL DEFAULT '',
			reasoning TEXT NOT NULL DEFAULT '',
			tool_calls TEXT NOT NULL DEFAULT '',
			tool_results TEXT NOT NULL DEFAULT '',
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			UNIQUE (project_id, seq)
		)`,

		// Tool execution log for debugging and analysis
		`CREATE TABLE IF NOT EXISTS tool_executions (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			project_id TEXT NOT NULL REFERENCES projects(id),
			phase TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			tool_id TEXT NOT NULL DEFAULT '',
			args TEXT NOT NULL DEFAULT '',
			result TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			is_error INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Checkpoint approval requests and their decisions
		`CREATE TABLE IF NOT EXISTS approvals (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			project_id TEXT NOT NULL REFERENCES projects(id),
			checkpoint TEXT NOT NULL CHECK (checkpoint IN ('` + CheckpointPlan + `', '` + CheckpointPlanCritique + `', '` + CheckpointChunk + `', '` + CheckpointChunkCritique + `')),
			summary TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '` + ApprovalStatusPending + `'
				CHECK (status IN ('` + ApprovalStatusPending + `', '` + ApprovalStatusApproved + `', '` + ApprovalStatusRejected + `')),
			notes TEXT NOT NULL DEFAULT '',
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			decided_at DATETIME
		)`,

		// Phase transition events
		`CREATE TABLE IF NOT EXISTS phase_events (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			project_id TEXT NOT NULL REFERENCES projects(id),
			from_phase TEXT NOT NULL,
			to_phase TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Compression summaries (added in v2)
		`CREATE TABLE IF NOT EXISTS context_summaries (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			project_id TEXT NOT NULL REFERENCES projects(id),
			phase TEXT NOT NULL,
			summary TEXT NOT NULL,
			messages_compressed INTEGER NOT NULL DEFAULT 0,
			messages_retained INTEGER NOT NULL DEFAULT 0,
			tokens_before INTEGER NOT NULL DEFAULT 0,
			tokens_after INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Aggregated model usage, one row per project
		`CREATE TABLE IF NOT EXISTS generation_stats (
			project_id TEXT PRIMARY KEY REFERENCES projects(id),
			session_id TEXT NOT NULL,
			model_calls INTEGER NOT NULL DEFAULT 0,
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			compressions INTEGER NOT NULL DEFAULT 0,
			phase_iterations TEXT NOT NULL DEFAULT '',
			started_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			updated_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,
	}

	// Create indices
	indices := []string{
		// Session isolation indices
		"CREATE INDEX IF NOT EXISTS idx_projects_session ON projects(session_id)",
		"CREATE INDEX IF NOT EXISTS idx_turns_session ON conversation_turns(session_id)",

		// Functional indices
		"CREATE INDEX IF NOT EXISTS idx_turns_project_phase ON conversation_turns(project_id, phase)",
		"CREATE INDEX IF NOT EXISTS idx_tools_project ON tool_executions(project_id)",
		"CREATE INDEX IF NOT EXISTS idx_tools_name ON tool_executions(tool_name)",
		"CREATE INDEX IF NOT EXISTS idx_approvals_project ON approvals(project_id)",
		"CREATE INDEX IF NOT EXISTS idx_events_project ON phase_events(project_id)",
		"CREATE INDEX IF NOT EXISTS idx_summaries_project ON context_summaries(project_id)",

		// At most one pending approval per project
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_approvals_one_pending ON approvals(project_id) WHERE status = '" + ApprovalStatusPending + "'",
	}

	// Execute table creation
	for _, ddl := range tables {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	// Execute index creation
	for _, ddl := range indices {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	// Set schema version
	if err := setSchemaVersion(db, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}

	return nil
}

// setSchemaVersion records the current schema version.
func setSchemaVersion(db *sql.DB, version int) error {
	_, err := db.Exec(`
		INSERT OR REPLACE INTO schema_version (version) VALUES (?)
	`, version)
	if err != nil {
		return fmt.Errorf("database exec error: %w", err)
	}
	return nil
}

// GetSchemaVersion returns the current schema version from the database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	// First ensure the schema_version table exists
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`)
	if err != nil {
		return 0, fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil // No version set yet
	}
	if err != nil {
		return 0, fmt.Errorf("schema version scan error: %w", err)
	}
	return version, nil
}
