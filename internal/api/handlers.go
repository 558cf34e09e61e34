package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jcawthorne/attache/internal/queue"
	"github.com/jcawthorne/attache/internal/scheduler"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	depth, err := s.queue.Depth(r.Context())
	if err != nil {
		s.logger.Error("failed to compute queue depth", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to compute queue depth")
		return
	}
	s.writeJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		QueueDepth:    depth,
	})
}

// handleStatus handles GET /v1/status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	depth, err := s.queue.Depth(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to compute queue depth")
		return
	}

	active := 0
	for _, e := range s.dispatcher.Executions() {
		if !e.Status.IsTerminal() {
			active++
		}
	}

	s.writeJSON(w, http.StatusOK, StatusResponse{
		Status:           "ok",
		UptimeSeconds:    int64(time.Since(s.startedAt).Seconds()),
		QueueDepth:       depth,
		ActiveExecutions: active,
		Workers:          len(s.workers.Workers()),
	})
}

// handleQueue handles GET /v1/queue.
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r.URL.Query().Get("limit"), 50)
	items, err := s.queue.RecentItems(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list queue items", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list queue items")
		return
	}

	views := make([]QueueItemView, 0, len(items))
	for _, item := range items {
		views = append(views, QueueItemView{
			ID:              item.ID,
			ConversationKey: item.ConversationKey,
			Status:          string(item.Status),
			Attempt:         item.Attempt,
			MaxAttempts:     item.MaxAttempts,
			BatchID:         item.BatchID,
			CreatedAt:       item.CreatedAt,
			LastError:       item.LastError,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"items": views})
}

// handleExecutions handles GET /v1/executions.
func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	resp := ExecutionsResponse{Executions: s.dispatcher.Executions()}
	if s.execLog != nil {
		history, err := s.execLog.Recent(r.Context(), parseLimit(r.URL.Query().Get("limit"), 20))
		if err != nil {
			s.logger.Error("failed to read execution log", "error", err)
		} else {
			resp.History = history
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleWorkers handles GET /v1/workers.
func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, WorkersResponse{Workers: s.workers.Workers()})
}

// handleWorkerReset handles POST /v1/workers/{group}/reset: clears the
// crash-loop flag so the group may start again.
func (s *Server) handleWorkerReset(w http.ResponseWriter, r *http.Request) {
	group := chi.URLParam(r, "group")
	if group == "" {
		s.writeError(w, http.StatusBadRequest, "missing worker group")
		return
	}
	s.workers.ResetCrashLoop(group)
	s.logger.Info("crash loop reset via api", "group", group)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "group": group})
}

// handleTasks handles GET /v1/tasks.
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.tasks.List(r.Context())
	if err != nil {
		s.logger.Error("failed to list tasks", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// handleTaskResume handles POST /v1/tasks/{taskID}/resume.
func (s *Server) handleTaskResume(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	task, err := s.tasks.Get(r.Context(), taskID)
	if errors.Is(err, scheduler.ErrTaskNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load task")
		return
	}
	if task.Status != scheduler.TaskPaused {
		s.writeError(w, http.StatusConflict, "task is not paused")
		return
	}
	if err := s.tasks.Resume(r.Context(), task); err != nil {
		s.logger.Error("failed to resume task", "task_id", taskID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to resume task")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "resumed", "task_id": taskID})
}

// handleEnqueue handles POST /v1/enqueue.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueAPIRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ConversationKey == "" {
		s.writeError(w, http.StatusBadRequest, "conversation_key is required")
		return
	}
	if len(req.Payload) == 0 {
		s.writeError(w, http.StatusBadRequest, "payload is required")
		return
	}
	submittedBy := req.SubmittedBy
	if submittedBy == "" {
		submittedBy = "api"
	}

	itemID, err := s.queue.Enqueue(r.Context(), queue.EnqueueRequest{
		ConversationKey: req.ConversationKey,
		Payload:         req.Payload,
		Attachments:     req.Attachments,
		SubmittedBy:     submittedBy,
	})
	if err != nil {
		s.logger.Error("failed to enqueue item", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to enqueue item")
		return
	}
	s.writeJSON(w, http.StatusAccepted, EnqueueAPIResponse{ItemID: itemID, Status: "queued"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, ErrorResponse{Error: msg})
}

func parseLimit(v string, fallback int) int {
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 || n > 500 {
		return fallback
	}
	return n
}
