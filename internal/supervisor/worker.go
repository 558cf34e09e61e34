package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/jcawthorne/attache/internal/events"
	"github.com/jcawthorne/attache/internal/ipc"
	"github.com/jcawthorne/attache/internal/protocol"
)

// Worker is one long-lived sandbox process reused across executions for a
// conversation group.
type Worker struct {
	groupKey  string
	ch        *ipc.Channel
	cmd       *exec.Cmd
	startedAt time.Time
	exited    chan struct{}

	mu         sync.Mutex
	processing bool
	requestID  string
	lastUsed   time.Time
}

// WorkerInfo is a read-only snapshot for the admin API.
type WorkerInfo struct {
	GroupKey      string    `json:"group"`
	PID           int       `json:"pid"`
	State         string    `json:"state"`
	StartedAt     time.Time `json:"started_at"`
	LastUsed      time.Time `json:"last_used"`
	LastHeartbeat time.Time `json:"last_heartbeat,omitempty"`
}

func (w *Worker) GroupKey() string      { return w.groupKey }
func (w *Worker) Channel() *ipc.Channel { return w.ch }
func (w *Worker) StartedAt() time.Time  { return w.startedAt }

// Alive reports whether the worker process is still running.
func (w *Worker) Alive() bool {
	select {
	case <-w.exited:
		return false
	default:
		return true
	}
}

func (w *Worker) Idle() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.processing
}

func (w *Worker) LastUsed() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastUsed
}

func (w *Worker) beginRequest(requestID string, now time.Time) {
	w.mu.Lock()
	w.processing = true
	w.requestID = requestID
	w.lastUsed = now
	w.mu.Unlock()
}

func (w *Worker) endRequest(now time.Time) {
	w.mu.Lock()
	w.processing = false
	w.requestID = ""
	w.lastUsed = now
	w.mu.Unlock()
}

func (w *Worker) Info() WorkerInfo {
	w.mu.Lock()
	state := "idle"
	if w.processing {
		state = "processing"
	}
	info := WorkerInfo{
		GroupKey:  w.groupKey,
		State:     state,
		StartedAt: w.startedAt,
		LastUsed:  w.lastUsed,
	}
	w.mu.Unlock()

	if w.cmd.Process != nil {
		info.PID = w.cmd.Process.Pid
	}
	if hb, err := w.ch.Heartbeat(); err == nil {
		info.LastHeartbeat = hb
	}
	return info
}

// Stop terminates the worker with SIGTERM, escalating to SIGKILL after the
// grace period. The channel directory is left in place for a successor.
func (w *Worker) Stop(grace time.Duration) {
	if w.cmd.Process == nil {
		return
	}
	_ = w.cmd.Process.Signal(syscall.SIGTERM)

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-w.exited:
	case <-timer.C:
		_ = w.cmd.Process.Kill()
		<-w.exited
	}
}

// runPersistent routes the execution through the group's long-lived worker,
// starting one if needed. Only the current request is torn down on timeout or
// cancellation, not the worker itself.
func (s *Supervisor) runPersistent(ctx context.Context, input *protocol.JobInput) (*Result, error) {
	w, err := s.workerFor(input.ConversationKey)
	if err != nil {
		return nil, err
	}

	now := s.now()
	w.beginRequest(input.ExecutionID, now)
	defer w.endRequest(s.now())

	if err := w.ch.Send(protocol.KindJobInput, input.ExecutionID, input); err != nil {
		return nil, fmt.Errorf("write job input: %w", err)
	}

	deadlineAt := now.Add(s.cfg.Deadline)
	if !input.DeadlineAt.IsZero() {
		deadlineAt = input.DeadlineAt
	}

	logger := s.logger.With("execution_id", input.ExecutionID, "conversation", input.ConversationKey)

	for {
		if ctx.Err() != nil {
			logger.Info("execution cancelled, interrupting worker")
			_ = w.ch.Send(protocol.KindInterrupt, input.ExecutionID, nil)
			return nil, ctx.Err()
		}

		remaining := time.Until(deadlineAt)
		if remaining <= 0 {
			logger.Warn("execution deadline exceeded, interrupting worker")
			_ = w.ch.Send(protocol.KindInterrupt, input.ExecutionID, nil)
			return &Result{
				ExecutionID: input.ExecutionID,
				Status:      "error",
				ErrMsg:      fmt.Sprintf("execution timed out after %v", s.cfg.Deadline),
				Retryable:   true,
			}, ErrTimedOut
		}
		if remaining > time.Second {
			remaining = time.Second
		}

		env, err := w.ch.Poll(ctx, protocol.KindJobResult, remaining)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			return nil, fmt.Errorf("poll worker result: %w", err)
		}
		if env == nil {
			if !w.Alive() {
				s.removeWorker(w)
				return &Result{
					ExecutionID: input.ExecutionID,
					Status:      "error",
					ErrMsg:      "worker exited during execution",
					Retryable:   true,
				}, nil
			}
			continue
		}

		if env.CorrelationID != input.ExecutionID {
			// Late result from a superseded execution; its delivery was
			// abandoned, so drop it here.
			logger.Debug("discarding stale worker result", "correlation_id", env.CorrelationID)
			continue
		}

		res, err := protocol.DecodeJobResult(env)
		if err != nil {
			return &Result{
				ExecutionID: input.ExecutionID,
				Status:      "error",
				ErrMsg:      fmt.Sprintf("malformed worker result: %v", err),
				Retryable:   false,
			}, nil
		}
		return &Result{
			ExecutionID: input.ExecutionID,
			Status:      res.Status,
			Output:      res.Output,
			ErrMsg:      res.Error,
			Retryable:   res.ShouldRetry(),
		}, nil
	}
}

// workerFor returns the group's live worker, starting a fresh one when none
// exists. A dead worker is replaced, which counts against the group's restart
// budget; groups in a crash loop are refused.
func (s *Supervisor) workerFor(groupKey string) (*Worker, error) {
	s.mu.Lock()
	if s.looping[groupKey] {
		restarts := len(s.restarts[groupKey])
		s.mu.Unlock()
		return nil, &CrashLoopError{
			GroupKey: groupKey,
			Restarts: restarts,
			Window:   s.cfg.Worker.RestartWindow,
		}
	}
	existing, ok := s.workers[groupKey]
	s.mu.Unlock()

	if ok {
		if existing.Alive() {
			return existing, nil
		}
		s.removeWorker(existing)
		if err := s.noteRestart(groupKey); err != nil {
			return nil, err
		}
	}

	w, err := s.startWorker(groupKey)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	// Another execution may have raced us; the per-conversation exclusivity
	// rule makes that unexpected, so prefer the stored worker if present.
	if current, ok := s.workers[groupKey]; ok && current.Alive() {
		s.mu.Unlock()
		w.Stop(s.cfg.Worker.GracePeriod)
		return current, nil
	}
	s.workers[groupKey] = w
	s.mu.Unlock()

	s.hub.Publish(events.WorkerStarted, map[string]any{"group": groupKey})
	return w, nil
}

func (s *Supervisor) startWorker(groupKey string) (*Worker, error) {
	if len(s.cfg.Command) == 0 {
		return nil, fmt.Errorf("sandbox command is not configured")
	}

	ch, err := ipc.Open(s.cfg.IPCRoot, "worker-"+ipc.ChannelKey(groupKey))
	if err != nil {
		return nil, fmt.Errorf("open worker channel: %w", err)
	}

	cmd := exec.Command(s.cfg.Command[0], s.cfg.Command[1:]...)
	cmd.Env = append(os.Environ(),
		"ATTACHE_IPC_DIR="+ch.Dir(),
		"ATTACHE_GROUP="+groupKey,
		"ATTACHE_MODE=persistent",
	)
	stderr := newCappedBuffer(s.cfg.OutputLimit)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker process: %w", err)
	}

	w := &Worker{
		groupKey:  groupKey,
		ch:        ch,
		cmd:       cmd,
		startedAt: s.now(),
		exited:    make(chan struct{}),
		lastUsed:  s.now(),
	}

	go func() {
		err := cmd.Wait()
		if err != nil {
			s.logger.Warn("worker process exited with error", "group", groupKey, "error", err, "stderr", stderr.String())
		}
		close(w.exited)
	}()

	s.logger.Info("worker started", "group", groupKey, "pid", cmd.Process.Pid)
	return w, nil
}
