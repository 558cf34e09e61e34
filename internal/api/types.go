package api

import (
	"encoding/json"
	"time"

	"github.com/jcawthorne/attache/internal/dispatch"
	"github.com/jcawthorne/attache/internal/supervisor"
)

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	QueueDepth    int    `json:"queue_depth"`
}

// StatusResponse is returned by GET /v1/status.
type StatusResponse struct {
	Status           string `json:"status"`
	UptimeSeconds    int64  `json:"uptime_seconds"`
	QueueDepth       int    `json:"queue_depth"`
	ActiveExecutions int    `json:"active_executions"`
	Workers          int    `json:"workers"`
}

// QueueItemView is one work item in GET /v1/queue.
type QueueItemView struct {
	ID              string    `json:"id"`
	ConversationKey string    `json:"conversation_key"`
	Status          string    `json:"status"`
	Attempt         int       `json:"attempt"`
	MaxAttempts     int       `json:"max_attempts"`
	BatchID         *string   `json:"batch_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	LastError       *string   `json:"last_error,omitempty"`
}

// ExecutionsResponse is returned by GET /v1/executions.
type ExecutionsResponse struct {
	Executions []dispatch.ExecutionInfo `json:"executions"`
	History    []dispatch.ExecLogEntry  `json:"history,omitempty"`
}

// WorkersResponse is returned by GET /v1/workers.
type WorkersResponse struct {
	Workers []supervisor.WorkerInfo `json:"workers"`
}

// EnqueueAPIRequest is the body of POST /v1/enqueue.
type EnqueueAPIRequest struct {
	ConversationKey string          `json:"conversation_key"`
	Payload         json.RawMessage `json:"payload"`
	Attachments     []string        `json:"attachments,omitempty"`
	SubmittedBy     string          `json:"submitted_by,omitempty"`
}

// EnqueueAPIResponse is the response to POST /v1/enqueue.
type EnqueueAPIResponse struct {
	ItemID string `json:"item_id"`
	Status string `json:"status"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}
