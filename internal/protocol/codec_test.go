package protocol

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestEncodeDecodeEnvelope(t *testing.T) {
	t.Parallel()

	env := &Envelope{
		Kind:          KindJobInput,
		CorrelationID: "e1",
		Timestamp:     time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC),
		Payload:       MustMarshal(map[string]string{"text": "hello"}),
	}

	var buf bytes.Buffer
	if err := EncodeEnvelope(&buf, env); err != nil {
		t.Fatalf("EncodeEnvelope: %v", err)
	}

	got, err := DecodeEnvelope(&buf)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if got.Kind != KindJobInput || got.CorrelationID != "e1" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if !got.Timestamp.Equal(env.Timestamp) {
		t.Fatalf("timestamp = %v, want %v", got.Timestamp, env.Timestamp)
	}
}

func TestEncodeEnvelopeRequiresKind(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := EncodeEnvelope(&buf, &Envelope{CorrelationID: "e1"}); err == nil {
		t.Fatal("expected error for empty kind")
	}
}

func TestDecodeEnvelopeRejectsMissingKind(t *testing.T) {
	t.Parallel()

	if _, err := DecodeEnvelope(strings.NewReader(`{"correlation_id":"e1"}`)); err == nil {
		t.Fatal("expected error for missing kind")
	}
	if _, err := DecodeEnvelope(strings.NewReader(`not json`)); err == nil {
		t.Fatal("expected error for malformed input")
	}
}

func TestDecodeJobResult(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		kind    Kind
		payload string
		wantErr string
	}{
		{
			name:    "ok result",
			kind:    KindJobResult,
			payload: `{"execution_id":"e1","status":"ok","output":"answer"}`,
		},
		{
			name:    "error result with message",
			kind:    KindJobResult,
			payload: `{"execution_id":"e1","status":"error","error":"boom"}`,
		},
		{
			name:    "wrong kind",
			kind:    KindHeartbeat,
			payload: `{"status":"ok"}`,
			wantErr: "expected job-result envelope",
		},
		{
			name:    "missing status",
			kind:    KindJobResult,
			payload: `{"execution_id":"e1"}`,
			wantErr: "missing required field: status",
		},
		{
			name:    "invalid status",
			kind:    KindJobResult,
			payload: `{"status":"done"}`,
			wantErr: "invalid job result status",
		},
		{
			name:    "error status without message",
			kind:    KindJobResult,
			payload: `{"status":"error"}`,
			wantErr: "no error message",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			env := &Envelope{Kind: tc.kind, Payload: []byte(tc.payload)}
			res, err := DecodeJobResult(env)
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("error = %v, want containing %q", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeJobResult: %v", err)
			}
			if res.ExecutionID != "e1" {
				t.Fatalf("unexpected result: %+v", res)
			}
		})
	}
}

func TestDecodeJobResultLenient(t *testing.T) {
	t.Parallel()

	res, raw, err := DecodeJobResultLenient(strings.NewReader(`{"status":"ok","output":"hi"}`))
	if err != nil {
		t.Fatalf("DecodeJobResultLenient: %v", err)
	}
	if res.Output != "hi" || len(raw) == 0 {
		t.Fatalf("unexpected result: %+v raw=%q", res, raw)
	}

	// Malformed output still hands the raw bytes back for logging.
	_, raw, err = DecodeJobResultLenient(strings.NewReader("Traceback (most recent call last):"))
	if err == nil {
		t.Fatal("expected error for non-JSON output")
	}
	if !strings.Contains(string(raw), "Traceback") {
		t.Fatalf("raw bytes not preserved: %q", raw)
	}

	if _, _, err := DecodeJobResultLenient(strings.NewReader("")); err == nil {
		t.Fatal("expected error for empty output")
	}
}

func TestShouldRetryDefaultsTrue(t *testing.T) {
	t.Parallel()

	r := &JobResult{Status: "error", Error: "boom"}
	if !r.ShouldRetry() {
		t.Fatal("omitted retry field must default to true")
	}

	no := false
	r.Retry = &no
	if r.ShouldRetry() {
		t.Fatal("explicit retry=false must be honored")
	}
}
