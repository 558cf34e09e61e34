package dispatch

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ExecLogEntry is one terminal execution record, kept for diagnostics and the
// admin API.
type ExecLogEntry struct {
	ExecutionID     string    `json:"execution_id"`
	ConversationKey string    `json:"conversation_key"`
	BatchID         string    `json:"batch_id"`
	Mode            string    `json:"mode"`
	Status          string    `json:"status"`
	StartedAt       time.Time `json:"started_at"`
	CompletedAt     time.Time `json:"completed_at"`
	ExitCode        int       `json:"exit_code"`
	LastError       string    `json:"last_error,omitempty"`
	Stderr          string    `json:"stderr,omitempty"`
}

// ExecLog persists terminal execution records.
type ExecLog struct {
	db *sql.DB
}

func NewExecLog(db *sql.DB) *ExecLog {
	return &ExecLog{db: db}
}

func (l *ExecLog) Append(ctx context.Context, e ExecLogEntry) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO execution_log
			(id, conversation_key, batch_id, mode, status, started_at, completed_at, exit_code, last_error, stderr)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ExecutionID, e.ConversationKey, e.BatchID, e.Mode, e.Status,
		e.StartedAt.UTC().Format(time.RFC3339Nano),
		e.CompletedAt.UTC().Format(time.RFC3339Nano),
		e.ExitCode, nullable(e.LastError), nullable(e.Stderr))
	if err != nil {
		return fmt.Errorf("append execution log: %w", err)
	}
	return nil
}

// Recent returns the newest terminal executions, most recent first.
func (l *ExecLog) Recent(ctx context.Context, limit int) ([]ExecLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, conversation_key, batch_id, mode, status, started_at, completed_at, exit_code, last_error, stderr
		FROM execution_log
		ORDER BY completed_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query execution log: %w", err)
	}
	defer rows.Close()

	var entries []ExecLogEntry
	for rows.Next() {
		var (
			e                    ExecLogEntry
			startedAt, completed string
			lastError, stderr    sql.NullString
		)
		if err := rows.Scan(&e.ExecutionID, &e.ConversationKey, &e.BatchID, &e.Mode, &e.Status,
			&startedAt, &completed, &e.ExitCode, &lastError, &stderr); err != nil {
			return nil, fmt.Errorf("scan execution log: %w", err)
		}
		e.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		e.CompletedAt, _ = time.Parse(time.RFC3339Nano, completed)
		e.LastError = lastError.String
		e.Stderr = stderr.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
