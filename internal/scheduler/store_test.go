package scheduler

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/jcawthorne/attache/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "state.db")
	db, err := storage.OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func createTask(t *testing.T, s *Store, mutate func(*ScheduledTask)) *ScheduledTask {
	t.Helper()

	task := &ScheduledTask{
		Name:            "daily-digest",
		SpecKind:        SpecCron,
		Spec:            "0 9 * * *",
		ConversationKey: "conv-a",
		Payload:         json.RawMessage(`{"kind":"digest"}`),
		NextFireAt:      time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC),
		MaxRetries:      3,
	}
	if mutate != nil {
		mutate(task)
	}
	if err := s.Create(context.Background(), task); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return task
}

func TestCreateAndGet(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	task := createTask(t, s, nil)

	if task.ID == "" {
		t.Fatal("Create did not assign an id")
	}
	if task.Status != TaskActive {
		t.Fatalf("default status = %s, want active", task.Status)
	}

	got, err := s.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "daily-digest" || got.Spec != "0 9 * * *" || got.SpecKind != SpecCron {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if !got.NextFireAt.Equal(task.NextFireAt) {
		t.Fatalf("next_fire_at = %v, want %v", got.NextFireAt, task.NextFireAt)
	}

	if _, err := s.Get(context.Background(), "no-such-task"); err != ErrTaskNotFound {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestDueReturnsOnlyActivePastTasks(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)

	due := createTask(t, s, func(task *ScheduledTask) {
		task.Name = "due"
		task.NextFireAt = now.Add(-time.Minute)
	})
	createTask(t, s, func(task *ScheduledTask) {
		task.Name = "future"
		task.NextFireAt = now.Add(time.Hour)
	})
	createTask(t, s, func(task *ScheduledTask) {
		task.Name = "paused"
		task.Status = TaskPaused
		task.NextFireAt = now.Add(-time.Hour)
	})

	got, err := s.Due(context.Background(), now)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(got) != 1 || got[0].ID != due.ID {
		t.Fatalf("unexpected due set: %+v", got)
	}
}

func TestAdvanceResetsRetryState(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	task := createTask(t, s, nil)

	// Put the task into a failed-retry state first.
	if err := s.RecordFailure(ctx, task.ID, TaskActive, 2, task.NextFireAt, "enqueue failed"); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}

	next := time.Date(2026, 8, 27, 9, 0, 0, 0, time.UTC)
	if err := s.Advance(ctx, task.ID, TaskActive, next); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	got, err := s.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.RetryCount != 0 || got.LastError != nil {
		t.Fatalf("retry state not reset: %+v", got)
	}
	if !got.NextFireAt.Equal(next) {
		t.Fatalf("next_fire_at = %v, want %v", got.NextFireAt, next)
	}

	if err := s.Advance(ctx, "no-such-task", TaskActive, next); err != ErrTaskNotFound {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestRecordFailurePersistsRetryState(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	task := createTask(t, s, nil)

	retryAt := time.Date(2026, 8, 26, 9, 0, 30, 0, time.UTC)
	if err := s.RecordFailure(ctx, task.ID, TaskActive, 1, retryAt, "store unavailable"); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}

	got, err := s.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.RetryCount != 1 || got.Status != TaskActive {
		t.Fatalf("unexpected retry state: %+v", got)
	}
	if got.LastError == nil || *got.LastError != "store unavailable" {
		t.Fatalf("last_error = %v", got.LastError)
	}
	if !got.NextFireAt.Equal(retryAt) {
		t.Fatalf("next_fire_at = %v, want %v", got.NextFireAt, retryAt)
	}
}

func TestResumeOnlyAffectsPausedTasks(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	task := createTask(t, s, nil)
	if err := s.RecordFailure(ctx, task.ID, TaskPaused, 3, task.NextFireAt, "retries exhausted"); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}

	next := time.Date(2026, 8, 27, 9, 0, 0, 0, time.UTC)
	if err := s.Resume(ctx, task.ID, next); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	got, err := s.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != TaskActive || got.RetryCount != 0 || got.LastError != nil {
		t.Fatalf("resume did not reset task: %+v", got)
	}

	// Resuming an already-active task is a no-op error.
	if err := s.Resume(ctx, task.ID, next); err != ErrTaskNotFound {
		t.Fatalf("expected ErrTaskNotFound for non-paused task, got %v", err)
	}
}

func TestCancelStopsFutureFiring(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)

	task := createTask(t, s, func(task *ScheduledTask) {
		task.NextFireAt = now.Add(-time.Minute)
	})
	if err := s.Cancel(ctx, task.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	due, err := s.Due(ctx, now)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("cancelled task still fires: %+v", due)
	}
}

func TestListOrdersByNextFire(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	base := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)

	later := createTask(t, s, func(task *ScheduledTask) { task.NextFireAt = base.Add(2 * time.Hour) })
	sooner := createTask(t, s, func(task *ScheduledTask) { task.NextFireAt = base })

	got, err := s.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 || got[0].ID != sooner.ID || got[1].ID != later.ID {
		t.Fatalf("unexpected order: %+v", got)
	}
}
