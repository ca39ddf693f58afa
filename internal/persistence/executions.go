package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// ExecutionRecord is one finished task execution.
type ExecutionRecord struct {
	ID        int64     `json:"id"`
	TeamID    string    `json:"teamId"`
	TaskID    string    `json:"taskId"`
	AgentName string    `json:"agentName"`
	ProjectID string    `json:"projectId"`
	SessionID string    `json:"sessionId"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt"`
	ExitCode  int       `json:"exitCode"`
	Signal    string    `json:"signal,omitempty"`
}

// Duration is the execution's wall-clock run time.
func (r ExecutionRecord) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

// ExecutionFilter narrows ListExecutions. Zero fields match everything.
type ExecutionFilter struct {
	TeamID    string
	TaskID    string
	ProjectID string
	Limit     int
}

// RecordExecution appends a finished execution and returns its row id.
func (s *SQLiteStore) RecordExecution(ctx context.Context, rec ExecutionRecord) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO executions (team_id, task_id, agent_name, project_id, session_id, started_at, ended_at, exit_code, signal)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, rec.TeamID, rec.TaskID, rec.AgentName, rec.ProjectID, rec.SessionID,
			rec.StartedAt.UnixMilli(), rec.EndedAt.UnixMilli(), rec.ExitCode, rec.Signal)
		if err != nil {
			return fmt.Errorf("failed to insert execution: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read execution id: %w", err)
		}
		return nil
	})
	return id, err
}

// ListExecutions returns matching executions, most recently ended first.
// Returns an empty slice (not nil) when nothing matches.
func (s *SQLiteStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]ExecutionRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var where []string
	var args []any
	if filter.TeamID != "" {
		where = append(where, "team_id = ?")
		args = append(args, filter.TeamID)
	}
	if filter.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, filter.TaskID)
	}
	if filter.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, filter.ProjectID)
	}

	query := `SELECT id, team_id, task_id, agent_name, project_id, session_id, started_at, ended_at, exit_code, signal FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	// Double sort keeps same-millisecond rows in insertion order.
	query += " ORDER BY ended_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	records := []ExecutionRecord{}
	for rows.Next() {
		var r ExecutionRecord
		var started, ended int64
		if err := rows.Scan(&r.ID, &r.TeamID, &r.TaskID, &r.AgentName, &r.ProjectID, &r.SessionID,
			&started, &ended, &r.ExitCode, &r.Signal); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		r.StartedAt = time.UnixMilli(started)
		r.EndedAt = time.UnixMilli(ended)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}
	return records, nil
}
