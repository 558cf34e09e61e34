package protocol

import (
	"encoding/json"
	"time"
)

// Kind identifies the role of an envelope on the host/sandbox channel.
type Kind string

const (
	KindJobInput      Kind = "job-input"
	KindJobResult     Kind = "job-result"
	KindOutgoingEvent Kind = "outgoing-event"
	KindRequest       Kind = "request"
	KindResponse      Kind = "response"
	KindInterrupt     Kind = "interrupt"
	KindHeartbeat     Kind = "heartbeat"
)

// Envelope is a single message exchanged over the filesystem channel.
type Envelope struct {
	Kind          Kind            `json:"kind"`
	CorrelationID string          `json:"correlation_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// JobInput is the payload of a job-input envelope: one batch of conversation
// fragments handed to a sandboxed execution.
type JobInput struct {
	ExecutionID     string     `json:"execution_id"`
	ConversationKey string     `json:"conversation_key"`
	Mode            string     `json:"mode"` // oneshot | persistent
	Fragments       []Fragment `json:"fragments"`
	DeadlineAt      time.Time  `json:"deadline_at"`
}

// Fragment is one inbound message unit, in arrival order.
type Fragment struct {
	ItemID      string          `json:"item_id"`
	Payload     json.RawMessage `json:"payload"`
	Attachments []string        `json:"attachments,omitempty"`
	ReceivedAt  time.Time       `json:"received_at"`
}

// JobResult is the payload of a job-result envelope produced by the sandbox.
type JobResult struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"` // ok | error
	Output      string `json:"output,omitempty"`
	Error       string `json:"error,omitempty"`
	Retry       *bool  `json:"retry,omitempty"` // defaults to true if omitted
}

// SandboxRequest is the payload of a request envelope: a sandbox-initiated
// call the host answers with a response envelope under the same correlation
// id.
type SandboxRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// SandboxResponse is the payload of a response envelope.
type SandboxResponse struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// StatusRecord is the sandbox's own status file, overwritten in place.
type StatusRecord struct {
	State     string    `json:"state"` // starting | idle | processing
	RequestID string    `json:"request_id,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ShouldRetry reports whether a failed result may be retried.
// Defaults to true if the retry field is omitted.
func (r *JobResult) ShouldRetry() bool {
	if r.Retry == nil {
		return true
	}
	return *r.Retry
}
