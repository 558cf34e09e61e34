package protocol

import (
	"encoding/json"
	"fmt"
	"io"
)

// EncodeEnvelope serializes an Envelope to JSON and writes it to w.
func EncodeEnvelope(w io.Writer, env *Envelope) error {
	if env.Kind == "" {
		return fmt.Errorf("envelope kind is empty")
	}

	encoder := json.NewEncoder(w)
	if err := encoder.Encode(env); err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return nil
}

// DecodeEnvelope reads and deserializes an Envelope from r.
func DecodeEnvelope(r io.Reader) (*Envelope, error) {
	var env Envelope

	decoder := json.NewDecoder(r)
	if err := decoder.Decode(&env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	if env.Kind == "" {
		return nil, fmt.Errorf("envelope missing required field: kind")
	}
	return &env, nil
}

// DecodeJobResult validates and unpacks a job-result envelope payload.
func DecodeJobResult(env *Envelope) (*JobResult, error) {
	if env.Kind != KindJobResult {
		return nil, fmt.Errorf("expected %s envelope, got %s", KindJobResult, env.Kind)
	}

	var res JobResult
	if err := json.Unmarshal(env.Payload, &res); err != nil {
		return nil, fmt.Errorf("decode job result payload: %w", err)
	}

	if res.Status == "" {
		return nil, fmt.Errorf("job result missing required field: status")
	}
	if res.Status != "ok" && res.Status != "error" {
		return nil, fmt.Errorf("invalid job result status: %q (must be 'ok' or 'error')", res.Status)
	}
	if res.Status == "error" && res.Error == "" {
		return nil, fmt.Errorf("job result has status=error but no error message")
	}
	return &res, nil
}

// DecodeJobResultLenient parses raw sandbox stdout as a JobResult. Used for
// one-shot executions, where the result arrives on stdout rather than through
// the channel. Returns the raw bytes alongside any decode error for logging.
func DecodeJobResultLenient(r io.Reader) (*JobResult, []byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("read result: %w", err)
	}
	if len(data) == 0 {
		return nil, data, fmt.Errorf("sandbox produced no output on stdout")
	}

	var res JobResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, data, fmt.Errorf("sandbox output is not valid JSON: %w", err)
	}

	if res.Status == "" {
		return nil, data, fmt.Errorf("job result missing required field: status")
	}
	if res.Status != "ok" && res.Status != "error" {
		return nil, data, fmt.Errorf("invalid job result status: %q", res.Status)
	}
	if res.Status == "error" && res.Error == "" {
		return nil, data, fmt.Errorf("job result has status=error but no error message")
	}
	return &res, data, nil
}

// MustMarshal marshals v or panics; envelope payloads are host-built structs
// whose marshaling cannot fail at runtime.
func MustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshal envelope payload: %v", err))
	}
	return b
}
