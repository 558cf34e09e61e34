package queue

import (
	"encoding/json"
	"errors"
	"time"
)

// ItemStatus is the lifecycle state of a WorkItem.
type ItemStatus string

const (
	// ItemPending items are waiting to be (re)batched, usually after a retry.
	ItemPending    ItemStatus = "pending"
	ItemBatched    ItemStatus = "batched"
	ItemDispatched ItemStatus = "dispatched"
	ItemCompleted  ItemStatus = "completed"
	ItemFailed     ItemStatus = "failed"
)

// BatchStatus is the lifecycle state of a Batch.
type BatchStatus string

const (
	BatchOpen       BatchStatus = "open"
	BatchClosed     BatchStatus = "closed"
	BatchDispatched BatchStatus = "dispatched"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

// WorkItem is one inbound unit of work, durable until it reaches a terminal
// status.
type WorkItem struct {
	ID              string
	ConversationKey string
	Payload         json.RawMessage
	Attachments     []string
	SubmittedBy     string
	Status          ItemStatus
	Attempt         int
	MaxAttempts     int
	BatchID         *string
	CreatedAt       time.Time
	DispatchedAt    *time.Time
	CompletedAt     *time.Time
	NextRetryAt     *time.Time
	LastError       *string
}

// Batch is an ordered group of same-conversation WorkItems. Immutable once
// closed; consumed exactly once by the dispatch controller.
type Batch struct {
	ID              string
	ConversationKey string
	Status          BatchStatus
	ItemCount       int
	OpenedAt        time.Time
	ClosedAt        *time.Time
	Items           []*WorkItem
}

// EnqueueRequest carries one inbound message or synthetic trigger.
type EnqueueRequest struct {
	ConversationKey string
	Payload         json.RawMessage
	Attachments     []string
	SubmittedBy     string
	MaxAttempts     int
	Timestamp       time.Time // zero means now
}

var ErrBatchNotFound = errors.New("batch not found")
