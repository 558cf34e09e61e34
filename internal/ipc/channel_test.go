package ipc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jcawthorne/attache/internal/protocol"
)

func openTestChannel(t *testing.T) *Channel {
	t.Helper()
	ch, err := Open(t.TempDir(), "worker-conv-a")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return ch
}

func TestSendConsumePreservesOrderAndConsumesOnce(t *testing.T) {
	t.Parallel()

	ch := openTestChannel(t)

	for _, id := range []string{"first", "second", "third"} {
		if err := ch.Send(protocol.KindJobInput, id, map[string]string{"id": id}); err != nil {
			t.Fatalf("Send %s: %v", id, err)
		}
		// Envelope names embed a nanosecond timestamp; keep them distinct.
		time.Sleep(time.Millisecond)
	}

	for _, want := range []string{"first", "second", "third"} {
		env, err := ch.ConsumeInbox(protocol.KindJobInput)
		if err != nil {
			t.Fatalf("ConsumeInbox: %v", err)
		}
		if env == nil || env.CorrelationID != want {
			t.Fatalf("consumed %+v, want correlation %q", env, want)
		}
	}

	env, err := ch.ConsumeInbox(protocol.KindJobInput)
	if err != nil {
		t.Fatalf("ConsumeInbox: %v", err)
	}
	if env != nil {
		t.Fatalf("envelope consumed twice: %+v", env)
	}
}

func TestConsumeFiltersByKind(t *testing.T) {
	t.Parallel()

	ch := openTestChannel(t)

	if err := ch.Deliver(protocol.KindOutgoingEvent, "e1", map[string]string{"text": "hi"}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if err := ch.Deliver(protocol.KindJobResult, "e1", map[string]string{"status": "ok"}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	env, err := ch.TryConsume(protocol.KindJobResult)
	if err != nil {
		t.Fatalf("TryConsume: %v", err)
	}
	if env == nil || env.Kind != protocol.KindJobResult {
		t.Fatalf("expected job result, got %+v", env)
	}

	// The event is still there for its own consumer.
	env, err = ch.TryConsume(protocol.KindOutgoingEvent)
	if err != nil {
		t.Fatalf("TryConsume: %v", err)
	}
	if env == nil || env.Kind != protocol.KindOutgoingEvent {
		t.Fatalf("expected outgoing event, got %+v", env)
	}
}

func TestPollReturnsEnvelopeWrittenLater(t *testing.T) {
	t.Parallel()

	ch := openTestChannel(t)

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = ch.Deliver(protocol.KindJobResult, "e1", map[string]string{"status": "ok"})
	}()

	env, err := ch.Poll(context.Background(), protocol.KindJobResult, 2*time.Second)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if env == nil || env.CorrelationID != "e1" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestPollTimesOutEmpty(t *testing.T) {
	t.Parallel()

	ch := openTestChannel(t)

	env, err := ch.Poll(context.Background(), protocol.KindJobResult, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if env != nil {
		t.Fatalf("expected timeout with no envelope, got %+v", env)
	}
}

func TestPollStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	ch := openTestChannel(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ch.Poll(ctx, protocol.KindJobResult, time.Minute)
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestPublishSnapshotLastWriteWins(t *testing.T) {
	t.Parallel()

	ch := openTestChannel(t)

	type taskView struct {
		ID string `json:"id"`
	}

	if err := ch.PublishSnapshot("tasks", []taskView{{ID: "t1"}}); err != nil {
		t.Fatalf("PublishSnapshot: %v", err)
	}
	if err := ch.PublishSnapshot("tasks", []taskView{{ID: "t2"}, {ID: "t3"}}); err != nil {
		t.Fatalf("PublishSnapshot: %v", err)
	}

	var got []taskView
	if err := ch.ReadSnapshot("tasks", &got); err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if len(got) != 2 || got[0].ID != "t2" {
		t.Fatalf("expected latest snapshot, got %+v", got)
	}

	if err := ch.ReadSnapshot("missing", &got); err == nil {
		t.Fatal("expected error for missing snapshot")
	}
}

func TestHeartbeatRoundTrip(t *testing.T) {
	t.Parallel()

	ch := openTestChannel(t)

	// Never written: zero time, no error.
	hb, err := ch.Heartbeat()
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if !hb.IsZero() {
		t.Fatalf("expected zero heartbeat, got %v", hb)
	}

	at := time.Date(2026, 8, 25, 12, 0, 0, 123456789, time.UTC)
	if err := ch.WriteHeartbeat(at); err != nil {
		t.Fatalf("WriteHeartbeat: %v", err)
	}
	hb, err = ch.Heartbeat()
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if !hb.Equal(at) {
		t.Fatalf("heartbeat = %v, want %v", hb, at)
	}
}

func TestStatusRoundTrip(t *testing.T) {
	t.Parallel()

	ch := openTestChannel(t)

	st, err := ch.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st != nil {
		t.Fatalf("expected nil status before first write, got %+v", st)
	}

	want := &protocol.StatusRecord{
		State:     "processing",
		RequestID: "e1",
		StartedAt: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2026, 8, 25, 12, 0, 5, 0, time.UTC),
	}
	if err := ch.WriteStatus(want); err != nil {
		t.Fatalf("WriteStatus: %v", err)
	}

	st, err = ch.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State != "processing" || st.RequestID != "e1" || !st.StartedAt.Equal(want.StartedAt) {
		t.Fatalf("status round trip mismatch: %+v", st)
	}
}

func TestOpenRejectsBadKeys(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	for _, key := range []string{"", " ", ".", "..", "a/b", `a\b`, "a/../b"} {
		if _, err := Open(root, key); err == nil {
			t.Fatalf("Open accepted invalid key %q", key)
		}
	}
}

func TestRequestResponseCorrelation(t *testing.T) {
	t.Parallel()

	ch := openTestChannel(t)

	if err := ch.SendRequest("r1", &protocol.SandboxRequest{Method: "tasks.list"}); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	time.Sleep(time.Millisecond)
	if err := ch.SendRequest("r2", &protocol.SandboxRequest{Method: "tasks.list"}); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	env, err := ch.NextRequest()
	if err != nil {
		t.Fatalf("NextRequest: %v", err)
	}
	if env == nil || env.CorrelationID != "r1" {
		t.Fatalf("expected oldest request first, got %+v", env)
	}

	// Respond to both, out of order; each awaiter gets only its own response.
	if err := ch.Respond("r2", &protocol.SandboxResponse{OK: true, Result: json.RawMessage(`"two"`)}); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if err := ch.Respond("r1", &protocol.SandboxResponse{OK: true, Result: json.RawMessage(`"one"`)}); err != nil {
		t.Fatalf("Respond: %v", err)
	}

	got, err := ch.AwaitResponse(context.Background(), "r1", time.Second)
	if err != nil || got == nil {
		t.Fatalf("AwaitResponse r1: %v %v", got, err)
	}
	var resp protocol.SandboxResponse
	if err := json.Unmarshal(got.Payload, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if !resp.OK || string(resp.Result) != `"one"` {
		t.Fatalf("r1 got someone else's response: %+v", resp)
	}

	// r2's response was left untouched by r1's await.
	got, err = ch.AwaitResponse(context.Background(), "r2", time.Second)
	if err != nil || got == nil {
		t.Fatalf("AwaitResponse r2: %v %v", got, err)
	}
}

func TestAwaitResponseTimesOutEmpty(t *testing.T) {
	t.Parallel()

	ch := openTestChannel(t)
	env, err := ch.AwaitResponse(context.Background(), "r1", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("AwaitResponse: %v", err)
	}
	if env != nil {
		t.Fatalf("expected timeout with no envelope, got %+v", env)
	}
}

func TestChannelKey(t *testing.T) {
	t.Parallel()

	// Safe keys pass through unchanged.
	for _, key := range []string{"conv-a", "discord-123", "a.b_c"} {
		if got := ChannelKey(key); got != key {
			t.Fatalf("ChannelKey(%q) = %q, want unchanged", key, got)
		}
	}

	// Platform-scoped keys with separators map to distinct, openable names.
	root := t.TempDir()
	seen := make(map[string]bool)
	for _, key := range []string{"discord/123", "discord:123", "slack/team/chan", "../123"} {
		got := ChannelKey(key)
		if seen[got] {
			t.Fatalf("ChannelKey(%q) = %q collides with an earlier key", key, got)
		}
		seen[got] = true
		if _, err := Open(root, "worker-"+got); err != nil {
			t.Fatalf("Open rejected derived key %q: %v", got, err)
		}
	}

	// Stable across calls.
	if ChannelKey("discord/123") != ChannelKey("discord/123") {
		t.Fatal("ChannelKey is not deterministic")
	}
}

func TestEnvelopePayloadSurvivesTransport(t *testing.T) {
	t.Parallel()

	ch := openTestChannel(t)

	input := &protocol.JobInput{
		ExecutionID:     "e1",
		ConversationKey: "conv-a",
		Mode:            "persistent",
	}
	if err := ch.Send(protocol.KindJobInput, input.ExecutionID, input); err != nil {
		t.Fatalf("Send: %v", err)
	}

	env, err := ch.ConsumeInbox(protocol.KindJobInput)
	if err != nil || env == nil {
		t.Fatalf("ConsumeInbox: %v %v", env, err)
	}
	var got protocol.JobInput
	if err := json.Unmarshal(env.Payload, &got); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if got.ExecutionID != "e1" || got.ConversationKey != "conv-a" || got.Mode != "persistent" {
		t.Fatalf("payload mismatch: %+v", got)
	}
}
