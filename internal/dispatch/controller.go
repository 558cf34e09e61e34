package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jcawthorne/attache/internal/config"
	"github.com/jcawthorne/attache/internal/events"
	"github.com/jcawthorne/attache/internal/log"
	"github.com/jcawthorne/attache/internal/protocol"
	"github.com/jcawthorne/attache/internal/queue"
	"github.com/jcawthorne/attache/internal/supervisor"
)

// recentExecutionCap bounds the in-memory terminal-execution history kept for
// the admin API.
const recentExecutionCap = 100

// Controller admits ready Batches into Executions under a global concurrency
// ceiling with per-conversation serialization, and routes each execution's
// outcome back to the queue and the notifier exactly once.
type Controller struct {
	source   BatchSource
	runner   Runner
	notifier Notifier
	execLog  *ExecLog
	cfg      config.DispatchConfig
	sandbox  config.SandboxConfig
	hub      *events.Hub
	logger   *slog.Logger

	slots chan struct{}
	wg    sync.WaitGroup

	mu       sync.Mutex
	active   map[string]*Execution // by conversation key
	recent   []*Execution          // terminal, newest last
	notified map[string]bool       // execution ids already notified
}

// New creates a Controller. notifier may be nil, in which case outcomes are
// only logged and published to the hub.
func New(source BatchSource, runner Runner, notifier Notifier, execLog *ExecLog,
	cfg config.DispatchConfig, sandbox config.SandboxConfig, hub *events.Hub) *Controller {
	if hub == nil {
		hub = events.NewHub(128)
	}
	if notifier == nil {
		notifier = NotifierFunc(func(context.Context, Outcome) {})
	}
	return &Controller{
		source:   source,
		runner:   runner,
		notifier: notifier,
		execLog:  execLog,
		cfg:      cfg,
		sandbox:  sandbox,
		hub:      hub,
		logger:   log.WithComponent("dispatch"),
		slots:    make(chan struct{}, cfg.MaxConcurrent),
		active:   make(map[string]*Execution),
		notified: make(map[string]bool),
	}
}

// Start runs the admission loop. Blocks until ctx is cancelled, then waits
// for in-flight executions to finish.
func (c *Controller) Start(ctx context.Context) error {
	c.logger.Info("dispatch loop started", "max_concurrent", c.cfg.MaxConcurrent)
	defer c.logger.Info("dispatch loop stopped")

	interval := c.cfg.PollInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			if err := c.expireWaitingBatches(ctx); err != nil {
				c.logger.Error("failed to expire waiting batches", "error", err)
			}
			if err := c.admit(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Error("admission pass failed", "error", err)
			}
		}
	}
}

// admit pops ready batches while concurrency slots are free. Batches whose
// conversation has an active execution are skipped (not popped) unless
// interrupt-on-new-message is enabled, which cancels the active execution
// first. Skipping avoids head-of-line blocking across unrelated conversations
// while the queue preserves order within each conversation.
func (c *Controller) admit(ctx context.Context) error {
	for {
		select {
		case c.slots <- struct{}{}:
		default:
			return nil // ceiling reached
		}

		batch, err := c.source.NextReadyBatch(ctx, c.excludedKeys())
		if err != nil {
			<-c.slots
			return err
		}
		if batch == nil {
			<-c.slots
			return nil
		}

		if c.cfg.InterruptOnNewMessage {
			if prev := c.activeFor(batch.ConversationKey); prev != nil {
				c.logger.Info("superseding active execution",
					"conversation", batch.ConversationKey, "execution_id", prev.ID)
				prev.supersede()
				c.hub.Publish(events.DispatchSuperseded, map[string]any{
					"execution_id": prev.ID,
					"conversation": batch.ConversationKey,
				})
			}
		}

		c.startExecution(ctx, batch)
	}
}

// excludedKeys returns conversation keys that may not be admitted this pass.
// With interrupt-on-new-message enabled nothing is excluded; active
// executions get cancelled instead.
func (c *Controller) excludedKeys() []string {
	if c.cfg.InterruptOnNewMessage {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.active))
	for key := range c.active {
		keys = append(keys, key)
	}
	return keys
}

func (c *Controller) activeFor(key string) *Execution {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active[key]
}

// expireWaitingBatches fails batches that waited for admission longer than
// the queue-wait timeout. The timeout takes priority over an exclusivity
// block: a blocked batch still times out rather than waiting forever. Zero
// timeout disables this and batches wait indefinitely.
func (c *Controller) expireWaitingBatches(ctx context.Context) error {
	if c.cfg.QueueWaitTimeout <= 0 {
		return nil
	}

	waiting, err := c.source.WaitingBatches(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, b := range waiting {
		if b.ClosedAt == nil || now.Sub(*b.ClosedAt) <= c.cfg.QueueWaitTimeout {
			continue
		}
		claimed, err := c.source.ClaimBatch(ctx, b.ID)
		if errors.Is(err, queue.ErrBatchNotFound) {
			continue // admitted concurrently
		}
		if err != nil {
			return err
		}

		c.logger.Warn("batch timed out waiting for admission",
			"batch_id", claimed.ID, "conversation", claimed.ConversationKey)
		reason := fmt.Sprintf("queue wait exceeded %v", c.cfg.QueueWaitTimeout)
		if _, _, err := c.source.RetryBatch(ctx, claimed.ID, reason); err != nil {
			return err
		}
		c.hub.Publish(events.DispatchWaitTimeout, map[string]any{
			"batch_id":     claimed.ID,
			"conversation": claimed.ConversationKey,
		})
	}
	return nil
}

// startExecution registers the execution and runs it in its own goroutine.
// The caller has already acquired a concurrency slot.
func (c *Controller) startExecution(ctx context.Context, batch *queue.Batch) {
	execCtx, cancel := context.WithCancel(ctx)
	exec := &Execution{
		ID:              uuid.NewString(),
		ConversationKey: batch.ConversationKey,
		BatchID:         batch.ID,
		Mode:            c.sandbox.Mode,
		StartedAt:       time.Now().UTC(),
		Deadline:        time.Now().UTC().Add(c.sandbox.Deadline),
		cancel:          cancel,
		done:            make(chan struct{}),
		status:          ExecQueued,
	}

	c.mu.Lock()
	c.active[batch.ConversationKey] = exec
	c.mu.Unlock()

	c.hub.Publish(events.DispatchAdmitted, map[string]any{
		"execution_id": exec.ID,
		"batch_id":     batch.ID,
		"conversation": batch.ConversationKey,
		"items":        len(batch.Items),
	})

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		c.runExecution(execCtx, exec, batch)
	}()
}

func (c *Controller) runExecution(ctx context.Context, exec *Execution, batch *queue.Batch) {
	logger := c.logger.With("execution_id", exec.ID, "conversation", exec.ConversationKey)
	exec.setStatus(ExecRunning)
	logger.Info("executing batch", "batch_id", batch.ID, "items", len(batch.Items), "mode", exec.Mode)

	fragments := make([]protocol.Fragment, 0, len(batch.Items))
	for _, item := range batch.Items {
		fragments = append(fragments, protocol.Fragment{
			ItemID:      item.ID,
			Payload:     item.Payload,
			Attachments: item.Attachments,
			ReceivedAt:  item.CreatedAt,
		})
	}
	input := &protocol.JobInput{
		ExecutionID:     exec.ID,
		ConversationKey: exec.ConversationKey,
		Mode:            exec.Mode,
		Fragments:       fragments,
		DeadlineAt:      exec.Deadline,
	}

	res, runErr := c.runner.Run(ctx, input)
	c.settle(exec, batch, res, runErr, logger)
}

// settle maps the supervisor outcome onto the execution state machine, the
// queue's retry policy, and the notifier, then releases the slot.
func (c *Controller) settle(exec *Execution, batch *queue.Batch, res *supervisor.Result, runErr error, logger *slog.Logger) {
	// Completion bookkeeping must not be cut short by shutdown.
	ctx, cancelSettle := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelSettle()

	var stderr string
	exitCode := 0
	if res != nil {
		stderr = res.Stderr
		exitCode = res.ExitCode
	}

	switch {
	case exec.isSuperseded():
		// Discard the result: a newer batch for this conversation took over.
		exec.setStatus(ExecCancelled)
		logger.Info("execution superseded, result discarded")
		errMsg := "superseded by newer message"
		if err := c.source.CompleteBatch(ctx, batch.ID, queue.BatchFailed, &errMsg); err != nil {
			logger.Error("failed to complete superseded batch", "error", err)
		}

	case runErr != nil && errors.Is(runErr, context.Canceled):
		// Shutdown cancellation is transient: the batch goes back through the
		// retry policy so the next start re-dispatches it instead of losing
		// the work. Only a supersession discard is terminal.
		exec.setStatus(ExecCancelled)
		logger.Info("execution cancelled, requeueing batch")
		c.retryBatch(ctx, batch, "execution cancelled", logger)

	case runErr != nil && errors.Is(runErr, supervisor.ErrTimedOut):
		exec.setStatus(ExecTimedOut)
		logger.Warn("execution timed out")
		c.retryBatch(ctx, batch, "execution timed out", logger)
		c.notifyOnce(ctx, exec, Outcome{
			ExecutionID:     exec.ID,
			ConversationKey: exec.ConversationKey,
			Status:          ExecTimedOut,
			ErrorSummary:    "execution timed out",
		})

	case runErr != nil && isCrashLoop(runErr):
		exec.setStatus(ExecFailed)
		logger.Error("execution refused: worker crash loop", "error", runErr)
		errMsg := runErr.Error()
		if err := c.source.CompleteBatch(ctx, batch.ID, queue.BatchFailed, &errMsg); err != nil {
			logger.Error("failed to complete crash-looped batch", "error", err)
		}
		c.notifyOnce(ctx, exec, Outcome{
			ExecutionID:     exec.ID,
			ConversationKey: exec.ConversationKey,
			Status:          ExecFailed,
			ErrorSummary:    errMsg,
		})

	case runErr != nil:
		// Transient host-side failure (spawn error, channel error): retryable.
		exec.setStatus(ExecFailed)
		logger.Error("execution failed", "error", runErr)
		c.retryBatch(ctx, batch, runErr.Error(), logger)
		c.notifyOnce(ctx, exec, Outcome{
			ExecutionID:     exec.ID,
			ConversationKey: exec.ConversationKey,
			Status:          ExecFailed,
			ErrorSummary:    runErr.Error(),
		})

	case res.Status == "ok":
		exec.setStatus(ExecCompleted)
		logger.Info("execution completed")
		if err := c.source.CompleteBatch(ctx, batch.ID, queue.BatchCompleted, nil); err != nil {
			logger.Error("failed to complete batch", "error", err)
		}
		c.notifyOnce(ctx, exec, Outcome{
			ExecutionID:     exec.ID,
			ConversationKey: exec.ConversationKey,
			Status:          ExecCompleted,
			Result:          res.Output,
		})

	case res.Retryable:
		exec.setStatus(ExecFailed)
		logger.Warn("execution reported retryable error", "error", res.ErrMsg)
		c.retryBatch(ctx, batch, res.ErrMsg, logger)
		c.notifyOnce(ctx, exec, Outcome{
			ExecutionID:     exec.ID,
			ConversationKey: exec.ConversationKey,
			Status:          ExecFailed,
			ErrorSummary:    res.ErrMsg,
		})

	default:
		// Deterministic failure: retrying cannot change the outcome.
		exec.setStatus(ExecFailed)
		logger.Warn("execution reported deterministic error", "error", res.ErrMsg)
		errMsg := res.ErrMsg
		if err := c.source.CompleteBatch(ctx, batch.ID, queue.BatchFailed, &errMsg); err != nil {
			logger.Error("failed to complete batch", "error", err)
		}
		c.notifyOnce(ctx, exec, Outcome{
			ExecutionID:     exec.ID,
			ConversationKey: exec.ConversationKey,
			Status:          ExecFailed,
			ErrorSummary:    errMsg,
		})
	}

	if c.execLog != nil {
		entry := ExecLogEntry{
			ExecutionID:     exec.ID,
			ConversationKey: exec.ConversationKey,
			BatchID:         batch.ID,
			Mode:            exec.Mode,
			Status:          string(exec.Status()),
			StartedAt:       exec.StartedAt,
			CompletedAt:     time.Now().UTC(),
			ExitCode:        exitCode,
			Stderr:          stderr,
		}
		if s := exec.Status(); s == ExecFailed || s == ExecTimedOut {
			if res != nil && res.ErrMsg != "" {
				entry.LastError = res.ErrMsg
			} else if runErr != nil {
				entry.LastError = runErr.Error()
			}
		}
		if err := c.execLog.Append(ctx, entry); err != nil {
			logger.Error("failed to append execution log", "error", err)
		}
	}

	c.hub.Publish(events.DispatchTerminal, map[string]any{
		"execution_id": exec.ID,
		"conversation": exec.ConversationKey,
		"status":       exec.Status(),
	})

	c.retire(exec)
	close(exec.done)
	<-c.slots
}

func (c *Controller) retryBatch(ctx context.Context, batch *queue.Batch, reason string, logger *slog.Logger) {
	retried, exhausted, err := c.source.RetryBatch(ctx, batch.ID, reason)
	if err != nil {
		logger.Error("failed to apply retry policy", "batch_id", batch.ID, "error", err)
		return
	}
	logger.Info("retry policy applied", "batch_id", batch.ID, "retried", retried, "exhausted", exhausted)
}

// notifyOnce delivers the outcome exactly once per execution id, even if
// settle paths overlap on retried notifications.
func (c *Controller) notifyOnce(ctx context.Context, exec *Execution, outcome Outcome) {
	c.mu.Lock()
	if c.notified[exec.ID] {
		c.mu.Unlock()
		return
	}
	c.notified[exec.ID] = true
	c.mu.Unlock()

	c.notifier.Notify(ctx, outcome)
}

func (c *Controller) retire(exec *Execution) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if current, ok := c.active[exec.ConversationKey]; ok && current == exec {
		delete(c.active, exec.ConversationKey)
	}
	c.recent = append(c.recent, exec)
	if len(c.recent) > recentExecutionCap {
		overflow := c.recent[:len(c.recent)-recentExecutionCap]
		for _, old := range overflow {
			delete(c.notified, old.ID)
		}
		c.recent = c.recent[len(c.recent)-recentExecutionCap:]
	}
}

// Executions returns active executions followed by recent terminal ones.
func (c *Controller) Executions() []ExecutionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	infos := make([]ExecutionInfo, 0, len(c.active)+len(c.recent))
	for _, e := range c.active {
		infos = append(infos, snapshotExecution(e))
	}
	for i := len(c.recent) - 1; i >= 0; i-- {
		infos = append(infos, snapshotExecution(c.recent[i]))
	}
	return infos
}

func snapshotExecution(e *Execution) ExecutionInfo {
	return ExecutionInfo{
		ID:              e.ID,
		ConversationKey: e.ConversationKey,
		BatchID:         e.BatchID,
		Mode:            e.Mode,
		Status:          e.Status(),
		StartedAt:       e.StartedAt,
		Deadline:        e.Deadline,
	}
}

func isCrashLoop(err error) bool {
	var cle *supervisor.CrashLoopError
	return errors.As(err, &cle)
}
