package scheduler

import (
	"context"
	"time"

	"github.com/jcawthorne/attache/internal/queue"
)

// The mocks live in this package (mock_scheduler_test.go): TaskStore's
// signatures use scheduler types, so a separate mocks package would import
// scheduler back and cycle.
//go:generate mockgen -destination=mock_scheduler_test.go -package=scheduler -self_package=github.com/jcawthorne/attache/internal/scheduler github.com/jcawthorne/attache/internal/scheduler QueueService,TaskStore

// QueueService is the slice of the ingestion queue the scheduler uses to turn
// fired tasks into work items.
type QueueService interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error)
}

// TaskStore is the persistence surface the scheduler drives.
type TaskStore interface {
	List(ctx context.Context) ([]*ScheduledTask, error)
	Due(ctx context.Context, now time.Time) ([]*ScheduledTask, error)
	Advance(ctx context.Context, id string, status TaskStatus, nextFireAt time.Time) error
	RecordFailure(ctx context.Context, id string, status TaskStatus, retryCount int, nextFireAt time.Time, lastError string) error
	Resume(ctx context.Context, id string, nextFireAt time.Time) error
}
