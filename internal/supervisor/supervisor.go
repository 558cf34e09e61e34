package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jcawthorne/attache/internal/config"
	"github.com/jcawthorne/attache/internal/events"
	"github.com/jcawthorne/attache/internal/log"
	"github.com/jcawthorne/attache/internal/protocol"
)

// Health is the supervisor's liveness classification for a persistent worker.
type Health string

const (
	HealthHealthy Health = "healthy"
	HealthBusy    Health = "busy"
	HealthDead    Health = "dead"
)

// ErrTimedOut marks an execution terminated for exceeding its deadline.
var ErrTimedOut = errors.New("execution deadline exceeded")

// CrashLoopError is raised when a worker exceeds its restart budget inside
// the restart window. It is fatal: the worker is not restarted again until an
// operator intervenes.
type CrashLoopError struct {
	GroupKey string
	Restarts int
	Window   time.Duration
}

func (e *CrashLoopError) Error() string {
	return fmt.Sprintf("worker %q restarted %d times within %s: crash loop, manual intervention required",
		e.GroupKey, e.Restarts, e.Window)
}

// Result is the outcome of one sandboxed execution.
type Result struct {
	ExecutionID string
	Status      string // ok | error
	Output      string
	ErrMsg      string
	Retryable   bool
	ExitCode    int
	Stderr      string
}

// Supervisor owns the lifecycle of sandboxed execution processes: it spawns
// one-shot processes per execution, or maintains persistent workers reused
// across executions, with heartbeat health checks and crash-loop protection.
type Supervisor struct {
	cfg    config.SandboxConfig
	hub    *events.Hub
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	workers  map[string]*Worker
	restarts map[string][]time.Time
	looping  map[string]bool // groups refused further restarts
	handler  RequestHandler
}

func New(cfg config.SandboxConfig, hub *events.Hub) *Supervisor {
	if hub == nil {
		hub = events.NewHub(128)
	}
	return &Supervisor{
		cfg:      cfg,
		hub:      hub,
		logger:   log.WithComponent("supervisor"),
		now:      time.Now,
		workers:  make(map[string]*Worker),
		restarts: make(map[string][]time.Time),
		looping:  make(map[string]bool),
	}
}

// Run executes one batch in the sandbox and blocks until the sandbox produces
// a result, crashes, the deadline elapses (ErrTimedOut), or ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context, input *protocol.JobInput) (*Result, error) {
	switch input.Mode {
	case "persistent":
		return s.runPersistent(ctx, input)
	case "oneshot":
		return s.runOneShot(ctx, input)
	default:
		return nil, fmt.Errorf("unknown execution mode %q", input.Mode)
	}
}

// RunHealthChecks periodically classifies persistent workers and restarts
// dead ones. Blocks until ctx is cancelled.
func (s *Supervisor) RunHealthChecks(ctx context.Context) error {
	interval := s.cfg.Worker.HealthInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("health check loop started", "interval", interval)
	defer s.logger.Info("health check loop stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.checkWorkers(ctx)
		}
	}
}

func (s *Supervisor) checkWorkers(ctx context.Context) {
	s.mu.Lock()
	snapshot := make([]*Worker, 0, len(s.workers))
	for _, w := range s.workers {
		snapshot = append(snapshot, w)
	}
	s.mu.Unlock()

	for _, w := range snapshot {
		if ctx.Err() != nil {
			return
		}

		if !w.Alive() {
			s.logger.Warn("worker process exited", "group", w.GroupKey())
			s.removeWorker(w)
			continue
		}

		s.drainTraffic(ctx, w)

		health := s.Classify(w)
		switch health {
		case HealthHealthy:
			if w.Idle() && s.cfg.Worker.IdleTimeout > 0 && s.now().Sub(w.LastUsed()) > s.cfg.Worker.IdleTimeout {
				s.logger.Info("stopping idle worker", "group", w.GroupKey())
				s.stopWorker(w, "idle_timeout")
			}
		case HealthBusy:
			// Tolerated: the worker's own status record says it is mid-request
			// and under the deadline. No action.
		case HealthDead:
			s.logger.Warn("worker classified dead, restarting", "group", w.GroupKey())
			s.stopWorker(w, "dead")
			if err := s.noteRestart(w.GroupKey()); err != nil {
				s.logger.Error("crash loop detected", "group", w.GroupKey(), "error", err)
			}
		}
	}
}

// Classify compares heartbeat age against the max-age threshold, consulting
// the worker's status record when the heartbeat is stale:
//
//	healthy: heartbeat age <= max_age
//	busy:    stale heartbeat, but status says processing and under deadline
//	dead:    stale heartbeat while idle, or processing past the deadline
func (s *Supervisor) Classify(w *Worker) Health {
	hb, err := w.Channel().Heartbeat()
	if err != nil {
		s.logger.Warn("failed to read heartbeat", "group", w.GroupKey(), "error", err)
		return HealthDead
	}
	if hb.IsZero() {
		// Not yet written; judge by process start instead.
		hb = w.StartedAt()
	}

	age := s.now().Sub(hb)
	if age <= s.cfg.Heartbeat.MaxAge {
		return HealthHealthy
	}

	st, err := w.Channel().Status()
	if err != nil || st == nil || st.State != "processing" {
		return HealthDead
	}
	if !st.StartedAt.IsZero() && s.now().Sub(st.StartedAt) > s.cfg.Deadline {
		return HealthDead
	}
	return HealthBusy
}

// noteRestart records a restart for the group and enforces the crash-loop
// budget. Returns a *CrashLoopError when the budget is exceeded; the group is
// then refused further restarts until ResetCrashLoop is called.
func (s *Supervisor) noteRestart(groupKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cutoff := now.Add(-s.cfg.Worker.RestartWindow)
	recent := s.restarts[groupKey][:0]
	for _, t := range s.restarts[groupKey] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= s.cfg.Worker.RestartLimit {
		s.restarts[groupKey] = recent
		s.looping[groupKey] = true
		err := &CrashLoopError{
			GroupKey: groupKey,
			Restarts: len(recent),
			Window:   s.cfg.Worker.RestartWindow,
		}
		s.hub.Publish(events.WorkerCrashLoop, map[string]any{
			"group":    groupKey,
			"restarts": len(recent),
			"window":   s.cfg.Worker.RestartWindow.String(),
		})
		return err
	}

	s.restarts[groupKey] = append(recent, now)
	s.hub.Publish(events.WorkerRestarted, map[string]any{"group": groupKey})
	return nil
}

// ResetCrashLoop clears the crash-loop flag for a group after operator
// intervention.
func (s *Supervisor) ResetCrashLoop(groupKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.looping, groupKey)
	delete(s.restarts, groupKey)
}

// Workers returns a snapshot of persistent worker states for the admin API.
func (s *Supervisor) Workers() []WorkerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]WorkerInfo, 0, len(s.workers))
	for _, w := range s.workers {
		infos = append(infos, w.Info())
	}
	return infos
}

// StopAll gracefully stops every persistent worker. Used on shutdown.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	snapshot := make([]*Worker, 0, len(s.workers))
	for _, w := range s.workers {
		snapshot = append(snapshot, w)
	}
	s.mu.Unlock()

	for _, w := range snapshot {
		s.stopWorker(w, "shutdown")
	}
}

func (s *Supervisor) stopWorker(w *Worker, reason string) {
	w.Stop(s.cfg.Worker.GracePeriod)
	s.removeWorker(w)
	s.hub.Publish(events.WorkerStopped, map[string]any{
		"group":  w.GroupKey(),
		"reason": reason,
	})
}

func (s *Supervisor) removeWorker(w *Worker) {
	s.mu.Lock()
	if current, ok := s.workers[w.GroupKey()]; ok && current == w {
		delete(s.workers, w.GroupKey())
	}
	s.mu.Unlock()
}
