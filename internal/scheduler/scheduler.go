package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jcawthorne/attache/internal/config"
	"github.com/jcawthorne/attache/internal/events"
	"github.com/jcawthorne/attache/internal/log"
	"github.com/jcawthorne/attache/internal/queue"
)

const submittedBy = "scheduler"

// TriggerPayload is the synthetic work-item payload produced when a task
// fires. The sandbox distinguishes triggers from user messages by SubmittedBy
// and this shape.
type TriggerPayload struct {
	TaskID  string          `json:"task_id"`
	Task    string          `json:"task"`
	FiredAt time.Time       `json:"fired_at"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SnapshotSink receives the active-task list per conversation after each
// tick, so persistent workers can see upcoming triggers.
type SnapshotSink interface {
	PublishTaskSnapshot(conversationKey string, tasks []*ScheduledTask) error
}

// Scheduler fires durable tasks into the ingestion queue on a tick loop. A
// failed fire retries with bounded exponential backoff; a task that exhausts
// its retry budget is paused until an operator resumes it.
type Scheduler struct {
	store    TaskStore
	queue    QueueService
	cfg      config.SchedulerConfig
	hub      *events.Hub
	snapshot SnapshotSink // optional
	logger   *slog.Logger
	now      func() time.Time
}

func New(store TaskStore, q QueueService, cfg config.SchedulerConfig, hub *events.Hub, snapshot SnapshotSink) *Scheduler {
	if hub == nil {
		hub = events.NewHub(128)
	}
	return &Scheduler{
		store:    store,
		queue:    q,
		cfg:      cfg,
		hub:      hub,
		snapshot: snapshot,
		logger:   log.WithComponent("scheduler"),
		now:      time.Now,
	}
}

// Start runs the tick loop. Blocks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	interval := s.cfg.TickInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	s.logger.Info("scheduler started", "tick_interval", interval)
	defer s.logger.Info("scheduler stopped")

	s.Tick(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick performs one scheduling pass: fire every due active task, then push
// task snapshots to persistent workers.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now().UTC()
	due, err := s.store.Due(ctx, now)
	if err != nil {
		s.logger.Error("failed to load due tasks", "error", err)
		return
	}

	for _, task := range due {
		if ctx.Err() != nil {
			return
		}
		s.fire(ctx, task, now)
	}

	s.publishSnapshots(ctx)
}

func (s *Scheduler) fire(ctx context.Context, task *ScheduledTask, now time.Time) {
	logger := s.logger.With("task_id", task.ID, "task", task.Name)

	trigger := TriggerPayload{
		TaskID:  task.ID,
		Task:    task.Name,
		FiredAt: now,
		Payload: task.Payload,
	}
	payload, err := json.Marshal(trigger)
	if err != nil {
		logger.Error("failed to marshal trigger payload", "error", err)
		return
	}

	itemID, enqErr := s.queue.Enqueue(ctx, queue.EnqueueRequest{
		ConversationKey: task.ConversationKey,
		Payload:         payload,
		SubmittedBy:     submittedBy,
		Timestamp:       now,
	})
	if enqErr != nil {
		s.recordFailure(ctx, task, now, enqErr, logger)
		return
	}

	status := TaskActive
	next, err := NextFire(task, now)
	if err != nil {
		// The spec became unparseable after creation (clock-sensitive "at"
		// tasks hit this when their moment is already past).
		logger.Warn("task has no next firing time, cancelling", "error", err)
		status = TaskCancelled
		next = task.NextFireAt
	} else if task.SpecKind == SpecAt {
		status = TaskCancelled
	}

	if err := s.store.Advance(ctx, task.ID, status, next); err != nil {
		logger.Error("failed to advance task", "error", err)
		return
	}

	s.hub.Publish(events.SchedulerFired, map[string]any{
		"task_id":      task.ID,
		"task":         task.Name,
		"item_id":      itemID,
		"conversation": task.ConversationKey,
	})
	logger.Info("task fired", "item_id", itemID, "next_fire_at", next, "status", status)
}

// recordFailure applies the retry policy to a fire that could not be
// enqueued. Exhausting the budget pauses the task.
func (s *Scheduler) recordFailure(ctx context.Context, task *ScheduledTask, now time.Time, cause error, logger *slog.Logger) {
	retryCount := task.RetryCount + 1
	maxRetries := task.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.cfg.Retry.MaxAttempts
	}

	if retryCount > maxRetries {
		logger.Error("task retry budget exhausted, pausing", "retries", retryCount, "error", cause)
		if err := s.store.RecordFailure(ctx, task.ID, TaskPaused, retryCount, task.NextFireAt, cause.Error()); err != nil {
			logger.Error("failed to pause task", "error", err)
			return
		}
		s.hub.Publish(events.SchedulerTaskPaused, map[string]any{
			"task_id": task.ID,
			"task":    task.Name,
			"retries": retryCount,
			"error":   cause.Error(),
		})
		return
	}

	delay := s.backoffDelay(retryCount)
	nextAttempt := now.Add(delay)
	logger.Warn("task fire failed, backing off", "retry", retryCount, "delay", delay, "error", cause)
	if err := s.store.RecordFailure(ctx, task.ID, TaskActive, retryCount, nextAttempt, cause.Error()); err != nil {
		logger.Error("failed to record task failure", "error", err)
	}
}

func (s *Scheduler) backoffDelay(attempt int) time.Duration {
	delay := s.cfg.Retry.BackoffBase
	if delay <= 0 {
		delay = 30 * time.Second
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if s.cfg.Retry.BackoffMax > 0 && delay >= s.cfg.Retry.BackoffMax {
			return s.cfg.Retry.BackoffMax
		}
	}
	if s.cfg.Retry.BackoffMax > 0 && delay > s.cfg.Retry.BackoffMax {
		delay = s.cfg.Retry.BackoffMax
	}
	return delay
}

// Resume reactivates a paused task with a fresh retry budget, firing on the
// next computed slot.
func (s *Scheduler) Resume(ctx context.Context, task *ScheduledTask) error {
	now := s.now().UTC()
	next, err := NextFire(task, now)
	if err != nil {
		return fmt.Errorf("compute next firing time: %w", err)
	}
	if err := s.store.Resume(ctx, task.ID, next); err != nil {
		return err
	}
	s.hub.Publish(events.SchedulerTaskResumed, map[string]any{
		"task_id": task.ID,
		"task":    task.Name,
	})
	s.logger.Info("task resumed", "task_id", task.ID, "task", task.Name, "next_fire_at", next)
	return nil
}

func (s *Scheduler) publishSnapshots(ctx context.Context) {
	if s.snapshot == nil {
		return
	}
	tasks, err := s.store.List(ctx)
	if err != nil {
		s.logger.Error("failed to list tasks for snapshot", "error", err)
		return
	}

	byConversation := make(map[string][]*ScheduledTask)
	for _, task := range tasks {
		if task.Status != TaskActive {
			continue
		}
		byConversation[task.ConversationKey] = append(byConversation[task.ConversationKey], task)
	}
	for key, group := range byConversation {
		if err := s.snapshot.PublishTaskSnapshot(key, group); err != nil {
			s.logger.Warn("failed to publish task snapshot", "conversation", key, "error", err)
		}
	}
}

// NextFire computes a task's next firing time strictly after now.
func NextFire(task *ScheduledTask, now time.Time) (time.Time, error) {
	switch task.SpecKind {
	case SpecCron:
		sched, err := cron.ParseStandard(task.Spec)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse cron spec %q: %w", task.Spec, err)
		}
		return sched.Next(now), nil
	case SpecEvery:
		interval, err := config.ParseInterval(task.Spec)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse interval spec %q: %w", task.Spec, err)
		}
		return now.Add(interval), nil
	case SpecAt:
		at, err := time.Parse(time.RFC3339, task.Spec)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse one-off spec %q: %w", task.Spec, err)
		}
		if !at.After(now) {
			return time.Time{}, fmt.Errorf("one-off time %s is in the past", task.Spec)
		}
		return at, nil
	default:
		return time.Time{}, fmt.Errorf("unknown spec kind %q", task.SpecKind)
	}
}
