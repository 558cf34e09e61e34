package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jcawthorne/attache/internal/config"
	"github.com/jcawthorne/attache/internal/dispatch"
	"github.com/jcawthorne/attache/internal/events"
	"github.com/jcawthorne/attache/internal/log"
	"github.com/jcawthorne/attache/internal/queue"
	"github.com/jcawthorne/attache/internal/scheduler"
	"github.com/jcawthorne/attache/internal/supervisor"
)

// QueueReader is the slice of the ingestion queue the API serves.
type QueueReader interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error)
	Depth(ctx context.Context) (int, error)
	RecentItems(ctx context.Context, limit int) ([]*queue.WorkItem, error)
}

// Dispatcher exposes execution state.
type Dispatcher interface {
	Executions() []dispatch.ExecutionInfo
}

// WorkerSupervisor exposes persistent worker state.
type WorkerSupervisor interface {
	Workers() []supervisor.WorkerInfo
	ResetCrashLoop(groupKey string)
}

// TaskManager exposes scheduled task state and operator actions.
type TaskManager interface {
	List(ctx context.Context) ([]*scheduler.ScheduledTask, error)
	Get(ctx context.Context, id string) (*scheduler.ScheduledTask, error)
	Resume(ctx context.Context, task *scheduler.ScheduledTask) error
}

// Server is the HTTP admin API.
type Server struct {
	cfg        config.APIConfig
	queue      QueueReader
	dispatcher Dispatcher
	workers    WorkerSupervisor
	tasks      TaskManager
	hub        *events.Hub
	execLog    *dispatch.ExecLog
	logger     *slog.Logger
	server     *http.Server
	startedAt  time.Time
}

func New(cfg config.APIConfig, q QueueReader, d Dispatcher, w WorkerSupervisor, t TaskManager, execLog *dispatch.ExecLog, hub *events.Hub) *Server {
	if hub == nil {
		hub = events.NewHub(128)
	}
	return &Server{
		cfg:        cfg,
		queue:      q,
		dispatcher: d,
		workers:    w,
		tasks:      t,
		hub:        hub,
		execLog:    execLog,
		logger:     log.WithComponent("api"),
		startedAt:  time.Now(),
	}
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      s.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // SSE connections stay open
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("api server starting", "listen", s.cfg.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("api server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Routes builds the chi router. Exported so tests can drive handlers through
// httptest without binding a port.
func (s *Server) Routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/v1/status", s.handleStatus)
		r.Get("/v1/queue", s.handleQueue)
		r.Get("/v1/executions", s.handleExecutions)
		r.Get("/v1/workers", s.handleWorkers)
		r.Post("/v1/workers/{group}/reset", s.handleWorkerReset)
		r.Get("/v1/tasks", s.handleTasks)
		r.Post("/v1/tasks/{taskID}/resume", s.handleTaskResume)
		r.Post("/v1/enqueue", s.handleEnqueue)
		r.Get("/v1/events", s.handleEvents)
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
