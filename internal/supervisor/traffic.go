package supervisor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jcawthorne/attache/internal/events"
	"github.com/jcawthorne/attache/internal/protocol"
)

// RequestHandler answers a sandbox-initiated request. The returned value is
// marshalled into the response payload.
type RequestHandler func(ctx context.Context, groupKey string, req *protocol.SandboxRequest) (any, error)

// SetRequestHandler installs the handler for sandbox requests. Without one,
// every request is answered with an error response.
func (s *Supervisor) SetRequestHandler(h RequestHandler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *Supervisor) requestHandler() RequestHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler
}

// drainTraffic services a worker's host-facing surfaces: outgoing events are
// republished on the hub, pending requests are answered with correlated
// responses. Runs on the health-check cadence.
func (s *Supervisor) drainTraffic(ctx context.Context, w *Worker) {
	for ctx.Err() == nil {
		env, err := w.ch.TryConsume(protocol.KindOutgoingEvent)
		if err != nil {
			s.logger.Warn("failed to read outgoing event", "group", w.GroupKey(), "error", err)
			break
		}
		if env == nil {
			break
		}
		s.hub.Publish(events.SandboxEvent, map[string]any{
			"group":   w.GroupKey(),
			"payload": json.RawMessage(env.Payload),
		})
	}

	for ctx.Err() == nil {
		env, err := w.ch.NextRequest()
		if err != nil {
			s.logger.Warn("failed to read sandbox request", "group", w.GroupKey(), "error", err)
			return
		}
		if env == nil {
			return
		}
		s.answerRequest(ctx, w, env)
	}
}

func (s *Supervisor) answerRequest(ctx context.Context, w *Worker, env *protocol.Envelope) {
	resp := &protocol.SandboxResponse{}

	var req protocol.SandboxRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		resp.Error = fmt.Sprintf("malformed request: %v", err)
	} else if h := s.requestHandler(); h == nil {
		resp.Error = fmt.Sprintf("unsupported request method %q", req.Method)
	} else if result, err := h(ctx, w.GroupKey(), &req); err != nil {
		resp.Error = err.Error()
	} else if data, err := json.Marshal(result); err != nil {
		resp.Error = fmt.Sprintf("marshal response: %v", err)
	} else {
		resp.OK = true
		resp.Result = data
	}

	if err := w.ch.Respond(env.CorrelationID, resp); err != nil {
		s.logger.Error("failed to write response", "group", w.GroupKey(),
			"correlation_id", env.CorrelationID, "error", err)
	}
}
