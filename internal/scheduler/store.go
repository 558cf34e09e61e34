package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store persists scheduled tasks in the shared sqlite database.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new task. Fills in ID, timestamps, and defaults.
func (s *Store) Create(ctx context.Context, task *ScheduledTask) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = TaskActive
	}
	if len(task.Payload) == 0 {
		task.Payload = json.RawMessage(`{}`)
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks
			(id, name, spec_kind, spec, conversation_key, payload, status,
			 next_fire_at, retry_count, max_retries, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Name, task.SpecKind, task.Spec, task.ConversationKey,
		string(task.Payload), task.Status,
		task.NextFireAt.UTC().Format(time.RFC3339Nano),
		task.RetryCount, task.MaxRetries, task.LastError,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert scheduled task: %w", err)
	}
	return nil
}

// Get returns one task by id.
func (s *Store) Get(ctx context.Context, id string) (*ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, selectTask+` WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrTaskNotFound
	}
	return task, err
}

// List returns all tasks ordered by next firing time.
func (s *Store) List(ctx context.Context) ([]*ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, selectTask+` ORDER BY next_fire_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list scheduled tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// Due returns active tasks whose next firing time has passed.
func (s *Store) Due(ctx context.Context, now time.Time) ([]*ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx,
		selectTask+` WHERE status = ? AND next_fire_at <= ? ORDER BY next_fire_at ASC`,
		TaskActive, now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("query due tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// Advance records a successful fire: the retry counter resets and the task
// moves to its next firing time, or to the given terminal status for one-offs.
func (s *Store) Advance(ctx context.Context, id string, status TaskStatus, nextFireAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET status = ?, next_fire_at = ?, retry_count = 0, last_error = NULL, updated_at = ?
		WHERE id = ?`,
		status, nextFireAt.UTC().Format(time.RFC3339Nano),
		time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("advance scheduled task: %w", err)
	}
	return requireRow(res)
}

// RecordFailure increments the retry counter and reschedules the task, or
// pauses it when the retry budget is exhausted.
func (s *Store) RecordFailure(ctx context.Context, id string, status TaskStatus, retryCount int, nextFireAt time.Time, lastError string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET status = ?, retry_count = ?, next_fire_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		status, retryCount, nextFireAt.UTC().Format(time.RFC3339Nano),
		lastError, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("record task failure: %w", err)
	}
	return requireRow(res)
}

// Resume reactivates a paused task with a fresh retry budget.
func (s *Store) Resume(ctx context.Context, id string, nextFireAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET status = ?, retry_count = 0, last_error = NULL, next_fire_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		TaskActive, nextFireAt.UTC().Format(time.RFC3339Nano),
		time.Now().UTC().Format(time.RFC3339Nano), id, TaskPaused)
	if err != nil {
		return fmt.Errorf("resume scheduled task: %w", err)
	}
	return requireRow(res)
}

// Cancel marks a task cancelled. Cancelled tasks never fire again.
func (s *Store) Cancel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks SET status = ?, updated_at = ? WHERE id = ?`,
		TaskCancelled, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("cancel scheduled task: %w", err)
	}
	return requireRow(res)
}

const selectTask = `
	SELECT id, name, spec_kind, spec, conversation_key, payload, status,
	       next_fire_at, retry_count, max_retries, last_error, created_at, updated_at
	FROM scheduled_tasks`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*ScheduledTask, error) {
	var (
		task                             ScheduledTask
		payload                          string
		nextFireAt, createdAt, updatedAt string
		lastError                        sql.NullString
	)
	err := row.Scan(&task.ID, &task.Name, &task.SpecKind, &task.Spec,
		&task.ConversationKey, &payload, &task.Status,
		&nextFireAt, &task.RetryCount, &task.MaxRetries,
		&lastError, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	task.Payload = json.RawMessage(payload)
	if lastError.Valid {
		task.LastError = &lastError.String
	}
	task.NextFireAt, _ = time.Parse(time.RFC3339Nano, nextFireAt)
	task.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	task.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &task, nil
}

func collectTasks(rows *sql.Rows) ([]*ScheduledTask, error) {
	var tasks []*ScheduledTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTaskNotFound
	}
	return nil
}
