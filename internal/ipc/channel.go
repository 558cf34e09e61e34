package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/jcawthorne/attache/internal/protocol"
)

// Directory layout inside a channel:
//
//	inbox/      host -> sandbox envelopes (job-input, interrupt)
//	outbox/     sandbox -> host envelopes (job-result, outgoing-event)
//	requests/   correlated request/response pairs, both directions
//	snapshots/  host-pushed read-only state, last write wins
//	heartbeat   liveness timestamp, overwritten in place
//	status      sandbox status record, overwritten in place
const (
	inboxDir     = "inbox"
	outboxDir    = "outbox"
	requestsDir  = "requests"
	snapshotsDir = "snapshots"

	heartbeatFile = "heartbeat"
	statusFile    = "status"

	scanInterval = 50 * time.Millisecond
)

// Channel is a directory-scoped request/response and event channel between
// the host and one sandboxed execution or persistent worker.
type Channel struct {
	dir string
}

// Open creates (or reopens) the channel directory for key under root.
func Open(root, key string) (*Channel, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	dir := filepath.Join(filepath.Clean(root), key)
	for _, sub := range []string{inboxDir, outboxDir, requestsDir, snapshotsDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create channel directory %q: %w", key, err)
		}
	}
	return &Channel{dir: dir}, nil
}

// Dir returns the channel's root directory.
func (c *Channel) Dir() string { return c.dir }

// Remove tears the channel directory down.
func (c *Channel) Remove() error {
	return os.RemoveAll(c.dir)
}

// Send writes an envelope into the sandbox's inbox. The file becomes visible
// atomically: it is fully written under a temp name, then renamed.
func (c *Channel) Send(kind protocol.Kind, correlationID string, payload any) error {
	return c.write(inboxDir, kind, correlationID, payload)
}

// Deliver writes an envelope into the host-facing outbox. The sandbox side of
// the protocol uses this; tests use it to stand in for a sandbox.
func (c *Channel) Deliver(kind protocol.Kind, correlationID string, payload any) error {
	return c.write(outboxDir, kind, correlationID, payload)
}

// Poll waits for an envelope of the given kind in the outbox, consuming it.
// Returns (nil, nil) when timeout elapses without a match.
func (c *Channel) Poll(ctx context.Context, kind protocol.Kind, timeout time.Duration) (*protocol.Envelope, error) {
	deadline := time.Now().Add(timeout)
	for {
		env, err := c.consume(outboxDir, kind)
		if err != nil {
			return nil, err
		}
		if env != nil {
			return env, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(scanInterval):
		}
	}
}

// TryConsume performs a single non-blocking scan of the outbox.
func (c *Channel) TryConsume(kind protocol.Kind) (*protocol.Envelope, error) {
	return c.consume(outboxDir, kind)
}

// ConsumeInbox consumes one matching envelope from the inbox. This is the
// sandbox side of Send; tests use it to assert host-written envelopes.
func (c *Channel) ConsumeInbox(kind protocol.Kind) (*protocol.Envelope, error) {
	return c.consume(inboxDir, kind)
}

// SendRequest writes a sandbox-initiated request envelope into requests/.
// The correlation id ties the eventual response back to this request.
func (c *Channel) SendRequest(correlationID string, payload any) error {
	return c.write(requestsDir, protocol.KindRequest, correlationID, payload)
}

// NextRequest consumes the oldest pending request, or nil when none waits.
func (c *Channel) NextRequest() (*protocol.Envelope, error) {
	return c.consumeMatch(requestsDir, protocol.KindRequest, "")
}

// Respond writes the response correlated with a previously consumed request.
func (c *Channel) Respond(correlationID string, payload any) error {
	return c.write(requestsDir, protocol.KindResponse, correlationID, payload)
}

// AwaitResponse polls requests/ for the response with the given correlation
// id, consuming it. Returns (nil, nil) when timeout elapses without a match;
// responses to other requests are left in place.
func (c *Channel) AwaitResponse(ctx context.Context, correlationID string, timeout time.Duration) (*protocol.Envelope, error) {
	deadline := time.Now().Add(timeout)
	for {
		env, err := c.consumeMatch(requestsDir, protocol.KindResponse, correlationID)
		if err != nil {
			return nil, err
		}
		if env != nil {
			return env, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(scanInterval):
		}
	}
}

// PublishSnapshot writes a read-only snapshot file for the sandbox.
// Last write wins; no acknowledgment is expected.
func (c *Channel) PublishSnapshot(name string, payload any) error {
	if err := validateKey(name); err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal snapshot %q: %w", name, err)
	}
	return c.atomicWrite(filepath.Join(c.dir, snapshotsDir, name+".json"), data)
}

// ReadSnapshot reads a snapshot file into out. Missing snapshots are an error.
func (c *Channel) ReadSnapshot(name string, out any) error {
	data, err := os.ReadFile(filepath.Join(c.dir, snapshotsDir, name+".json"))
	if err != nil {
		return fmt.Errorf("read snapshot %q: %w", name, err)
	}
	return json.Unmarshal(data, out)
}

// WriteHeartbeat records a liveness timestamp. Overwrites in place via rename
// so a reader never sees a torn value.
func (c *Channel) WriteHeartbeat(t time.Time) error {
	return c.atomicWrite(filepath.Join(c.dir, heartbeatFile), []byte(t.UTC().Format(time.RFC3339Nano)))
}

// Heartbeat returns the last heartbeat timestamp, or the zero time if none
// has been written yet.
func (c *Channel) Heartbeat() (time.Time, error) {
	data, err := os.ReadFile(filepath.Join(c.dir, heartbeatFile))
	if os.IsNotExist(err) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read heartbeat: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(data)))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse heartbeat: %w", err)
	}
	return t, nil
}

// WriteStatus overwrites the sandbox status record.
func (c *Channel) WriteStatus(st *protocol.StatusRecord) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	return c.atomicWrite(filepath.Join(c.dir, statusFile), data)
}

// Status returns the sandbox's status record, or nil if none exists yet.
func (c *Channel) Status() (*protocol.StatusRecord, error) {
	data, err := os.ReadFile(filepath.Join(c.dir, statusFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read status: %w", err)
	}
	var st protocol.StatusRecord
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse status: %w", err)
	}
	return &st, nil
}

func (c *Channel) write(sub string, kind protocol.Kind, correlationID string, payload any) error {
	env := &protocol.Envelope{
		Kind:          kind,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		env.Payload = data
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	// Nanosecond prefix keeps directory order equal to send order.
	name := fmt.Sprintf("%020d-%s-%s.json", env.Timestamp.UnixNano(), kind, correlationID)
	return c.atomicWrite(filepath.Join(c.dir, sub, name), data)
}

// consume claims the oldest matching envelope by renaming it, then reads and
// deletes it. The rename is the claim, so consumption is exactly-once even if
// two pollers race.
func (c *Channel) consume(sub string, kind protocol.Kind) (*protocol.Envelope, error) {
	return c.consumeMatch(sub, kind, "")
}

// consumeMatch is consume narrowed to one correlation id. An empty id matches
// any envelope of the kind. Filenames embed both, so filtering stays on names.
func (c *Channel) consumeMatch(sub string, kind protocol.Kind, correlationID string) (*protocol.Envelope, error) {
	dir := filepath.Join(c.dir, sub)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read channel directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		if !strings.Contains(e.Name(), "-"+string(kind)+"-") {
			continue
		}
		if correlationID != "" && !strings.HasSuffix(e.Name(), "-"+string(kind)+"-"+correlationID+".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		src := filepath.Join(dir, name)
		claimed := src + ".claimed"
		if err := os.Rename(src, claimed); err != nil {
			// Another consumer won the race for this file.
			continue
		}
		data, err := os.ReadFile(claimed)
		if err != nil {
			return nil, fmt.Errorf("read claimed envelope: %w", err)
		}
		if err := os.Remove(claimed); err != nil {
			return nil, fmt.Errorf("remove consumed envelope: %w", err)
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("parse envelope %q: %w", name, err)
		}
		return &env, nil
	}
	return nil, nil
}

func (c *Channel) atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("publish file: %w", err)
	}
	return nil
}

// ChannelKey maps an arbitrary conversation key onto a name that passes
// channel-key validation. Already-safe keys map to themselves; anything with
// path separators or other unsafe runes is sanitized and suffixed with a
// short digest so distinct keys stay distinct ("discord/123" and
// "discord:123" must not share a directory).
func ChannelKey(key string) string {
	if validateKey(key) == nil && !strings.ContainsAny(key, " \t") {
		return key
	}

	safe := make([]rune, 0, len(key))
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			safe = append(safe, r)
		default:
			safe = append(safe, '-')
		}
	}
	sum := blake3.Sum256([]byte(key))
	return fmt.Sprintf("%s-%x", strings.Trim(string(safe), ".-"), sum[:4])
}

func validateKey(key string) error {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return fmt.Errorf("channel key is empty")
	}
	if trimmed == "." || trimmed == ".." {
		return fmt.Errorf("channel key %q is invalid", key)
	}
	if strings.Contains(trimmed, "/") || strings.Contains(trimmed, `\`) {
		return fmt.Errorf("channel key %q must not contain path separators", key)
	}
	if filepath.Clean(trimmed) != trimmed {
		return fmt.Errorf("channel key %q is invalid", key)
	}
	return nil
}
