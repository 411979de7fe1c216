package store

import (
	"context"
	"fmt"
	"time"
)

const schemaVersion = 1

func schemaContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// ensureSchema applies every table and index idempotently. There is no
// forward-migration runner: additive schema changes simply add another
// CREATE TABLE/INDEX IF NOT EXISTS statement here and bump schemaVersion.
func (c *Client) ensureSchema(ctx context.Context) error {
	ctx, cancel := schemaContext()
	defer cancel()

	for _, stmt := range schemaStatements() {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement: %s: %w", stmt, err)
		}
	}

	_, err := c.db.ExecContext(ctx,
		`INSERT INTO schema_version (version, applied_at) VALUES (?, CURRENT_TIMESTAMP)
		 ON CONFLICT(version) DO NOTHING`, schemaVersion)
	if err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return nil
}

func schemaStatements() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL
		);`,

		// Sessions (spec §4.1.3): one row per (platform, external_id). Active
		// sessions have ended_at NULL; crash recovery scans for those on startup.
		`CREATE TABLE IF NOT EXISTS sessions (
			internal_id INTEGER PRIMARY KEY AUTOINCREMENT,
			external_id TEXT NOT NULL,
			platform TEXT NOT NULL,
			workspace_hash TEXT NOT NULL,
			workspace_path TEXT,
			workspace_name TEXT,
			started_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP,
			end_reason TEXT,
			metadata TEXT,
			UNIQUE(platform, external_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_active ON sessions(platform, ended_at);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_workspace_hash ON sessions(workspace_hash);`,

		// Workspace bindings (spec §4.1.2): workspace_hash -> resolved Cursor
		// database path, so re-discovery is only needed when the binding is
		// stale or missing.
		`CREATE TABLE IF NOT EXISTS workspace_bindings (
			workspace_hash TEXT PRIMARY KEY,
			workspace_path TEXT,
			database_path TEXT NOT NULL,
			resolved_at TIMESTAMP NOT NULL,
			resolved_by TEXT NOT NULL
		);`,

		// Claude transcript traces (spec §4.3.4).
		`CREATE TABLE IF NOT EXISTS claude_raw_traces (
			sequence INTEGER PRIMARY KEY AUTOINCREMENT,

			event_id TEXT NOT NULL,
			uuid TEXT,
			parent_uuid TEXT,
			request_id TEXT,
			agent_id TEXT,
			session_id TEXT NOT NULL,

			workspace_hash TEXT NOT NULL,
			project_name TEXT,
			is_sidechain INTEGER NOT NULL DEFAULT 0,
			cwd TEXT,
			version TEXT,
			git_branch TEXT,

			event_type TEXT NOT NULL,
			role TEXT,
			model TEXT,
			message_id TEXT,
			stop_reason TEXT,

			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cache_creation_input_tokens INTEGER NOT NULL DEFAULT 0,
			cache_read_input_tokens INTEGER NOT NULL DEFAULT 0,
			service_tier TEXT,
			tokens_used INTEGER NOT NULL DEFAULT 0,

			tool_calls_count INTEGER NOT NULL DEFAULT 0,

			timestamp TIMESTAMP NOT NULL,
			event_data BLOB,

			UNIQUE(event_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_claude_traces_session ON claude_raw_traces(session_id, timestamp);`,
		`CREATE INDEX IF NOT EXISTS idx_claude_traces_workspace ON claude_raw_traces(workspace_hash, timestamp);`,
		`CREATE INDEX IF NOT EXISTS idx_claude_traces_event_type ON claude_raw_traces(event_type);`,
		`CREATE INDEX IF NOT EXISTS idx_claude_traces_uuid ON claude_raw_traces(uuid);`,
		`CREATE INDEX IF NOT EXISTS idx_claude_traces_agent ON claude_raw_traces(agent_id);`,

		// Cursor KV-database traces (spec §4.3.4).
		`CREATE TABLE IF NOT EXISTS cursor_raw_traces (
			sequence INTEGER PRIMARY KEY AUTOINCREMENT,

			event_id TEXT NOT NULL,
			external_session_id TEXT,
			workspace_hash TEXT NOT NULL,

			storage_level TEXT NOT NULL,
			database_table TEXT NOT NULL,
			item_key TEXT NOT NULL,

			generation_id TEXT,
			composer_id TEXT,
			bubble_id TEXT,
			parent_bubble_id TEXT,

			event_type TEXT NOT NULL,
			role TEXT,
			model TEXT,
			text TEXT,

			timing_ms INTEGER NOT NULL DEFAULT 0,

			lines_added INTEGER NOT NULL DEFAULT 0,
			lines_removed INTEGER NOT NULL DEFAULT 0,
			token_count INTEGER NOT NULL DEFAULT 0,

			capabilities_ran TEXT,
			capability_statuses TEXT,
			relevant_files TEXT,
			selections TEXT,

			is_error INTEGER NOT NULL DEFAULT 0,
			completed INTEGER NOT NULL DEFAULT 0,

			timestamp TIMESTAMP NOT NULL,
			event_data BLOB,

			UNIQUE(event_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_cursor_traces_workspace ON cursor_raw_traces(workspace_hash, timestamp);`,
		`CREATE INDEX IF NOT EXISTS idx_cursor_traces_composer ON cursor_raw_traces(composer_id);`,
		`CREATE INDEX IF NOT EXISTS idx_cursor_traces_bubble ON cursor_raw_traces(bubble_id);`,
		`CREATE INDEX IF NOT EXISTS idx_cursor_traces_event_type ON cursor_raw_traces(event_type);`,
	}
}
