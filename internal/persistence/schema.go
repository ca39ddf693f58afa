package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist. Timestamps
// are Unix milliseconds.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		path TEXT NOT NULL UNIQUE,
		color TEXT NOT NULL,
		seq INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS executions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		team_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		agent_name TEXT NOT NULL DEFAULT '',
		project_id TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL,
		ended_at INTEGER NOT NULL,
		exit_code INTEGER NOT NULL,
		signal TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_executions_task ON executions(team_id, task_id);
	CREATE INDEX IF NOT EXISTS idx_executions_ended ON executions(ended_at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
