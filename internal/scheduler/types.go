package scheduler

import (
	"encoding/json"
	"errors"
	"time"
)

// SpecKind selects how a task's firing times are computed.
type SpecKind string

const (
	// SpecCron fires on a standard five-field cron expression.
	SpecCron SpecKind = "cron"
	// SpecEvery fires on a fixed interval ("30s", "hourly", "3d").
	SpecEvery SpecKind = "every"
	// SpecAt fires once at an absolute RFC3339 time, then cancels itself.
	SpecAt SpecKind = "at"
)

// TaskStatus is the lifecycle state of a ScheduledTask.
type TaskStatus string

const (
	TaskActive    TaskStatus = "active"
	TaskPaused    TaskStatus = "paused"
	TaskCancelled TaskStatus = "cancelled"
)

// ScheduledTask is a durable recurring or one-off trigger. When it fires, a
// synthetic work item is enqueued for its conversation.
type ScheduledTask struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	SpecKind        SpecKind        `json:"spec_kind"`
	Spec            string          `json:"spec"`
	ConversationKey string          `json:"conversation_key"`
	Payload         json.RawMessage `json:"payload"`
	Status          TaskStatus      `json:"status"`
	NextFireAt      time.Time       `json:"next_fire_at"`
	RetryCount      int             `json:"retry_count"`
	MaxRetries      int             `json:"max_retries"`
	LastError       *string         `json:"last_error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

var ErrTaskNotFound = errors.New("scheduled task not found")
