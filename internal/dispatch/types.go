package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/jcawthorne/attache/internal/protocol"
	"github.com/jcawthorne/attache/internal/queue"
	"github.com/jcawthorne/attache/internal/supervisor"
)

// ExecStatus is the lifecycle state of an Execution.
type ExecStatus string

const (
	ExecQueued    ExecStatus = "queued"
	ExecRunning   ExecStatus = "running"
	ExecCompleted ExecStatus = "completed"
	ExecFailed    ExecStatus = "failed"
	ExecTimedOut  ExecStatus = "timed_out"
	ExecCancelled ExecStatus = "cancelled"
)

// IsTerminal reports whether the status is one of the four terminal outcomes.
func (s ExecStatus) IsTerminal() bool {
	switch s {
	case ExecCompleted, ExecFailed, ExecTimedOut, ExecCancelled:
		return true
	}
	return false
}

// Execution is one run of a sandboxed process against a Batch.
type Execution struct {
	ID              string
	ConversationKey string
	BatchID         string
	Mode            string
	StartedAt       time.Time
	Deadline        time.Time

	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	status     ExecStatus
	superseded bool
}

func (e *Execution) Status() ExecStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *Execution) setStatus(s ExecStatus) {
	e.mu.Lock()
	e.status = s
	e.mu.Unlock()
}

// supersede cancels the execution and marks its eventual result for discard.
func (e *Execution) supersede() {
	e.mu.Lock()
	e.superseded = true
	e.mu.Unlock()
	e.cancel()
}

func (e *Execution) isSuperseded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.superseded
}

// Done is closed when the execution reaches a terminal state.
func (e *Execution) Done() <-chan struct{} { return e.done }

// ExecutionInfo is a read-only snapshot for the admin API.
type ExecutionInfo struct {
	ID              string     `json:"id"`
	ConversationKey string     `json:"conversation_key"`
	BatchID         string     `json:"batch_id"`
	Mode            string     `json:"mode"`
	Status          ExecStatus `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	Deadline        time.Time  `json:"deadline"`
}

// Outcome is the terminal notification delivered to the originating producer.
type Outcome struct {
	ExecutionID     string
	ConversationKey string
	Status          ExecStatus
	Result          string
	ErrorSummary    string
}

// Notifier receives exactly one Outcome per execution id. The receiving side
// (chat front end) owns platform delivery.
type Notifier interface {
	Notify(ctx context.Context, outcome Outcome)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, outcome Outcome)

func (f NotifierFunc) Notify(ctx context.Context, outcome Outcome) { f(ctx, outcome) }

// Runner abstracts the execution supervisor for tests.
type Runner interface {
	Run(ctx context.Context, input *protocol.JobInput) (*supervisor.Result, error)
}

// BatchSource abstracts the ingestion queue for tests.
type BatchSource interface {
	NextReadyBatch(ctx context.Context, exclude []string) (*queue.Batch, error)
	WaitingBatches(ctx context.Context) ([]*queue.Batch, error)
	ClaimBatch(ctx context.Context, batchID string) (*queue.Batch, error)
	CompleteBatch(ctx context.Context, batchID string, status queue.BatchStatus, lastError *string) error
	RetryBatch(ctx context.Context, batchID, reason string) (int, int, error)
}
