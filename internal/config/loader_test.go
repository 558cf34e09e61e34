package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
service:
  name: attache-test
store:
  path: /tmp/attache-test.db
sandbox:
  mode: oneshot
  command: ["/usr/bin/env", "true"]
`

func TestLoadAppliesDefaultsOverYAML(t *testing.T) {
	path := writeConfig(t, t.TempDir(), minimalConfig)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Service.Name != "attache-test" {
		t.Fatalf("service.name = %q", cfg.Service.Name)
	}
	// Unset sections fall back to defaults.
	if cfg.Queue.BatchWindow != 2*time.Second {
		t.Fatalf("queue.batch_window = %v, want default 2s", cfg.Queue.BatchWindow)
	}
	if cfg.Dispatch.MaxConcurrent != 4 {
		t.Fatalf("dispatch.max_concurrent = %d, want default 4", cfg.Dispatch.MaxConcurrent)
	}
	if cfg.Sandbox.Heartbeat.MaxAge != 30*time.Second {
		t.Fatalf("sandbox.heartbeat.max_age = %v, want default 30s", cfg.Sandbox.Heartbeat.MaxAge)
	}
}

func TestLoadAcceptsDirectoryContainingConfig(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, minimalConfig)

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load(dir): %v", err)
	}
	if cfg.Service.Name != "attache-test" {
		t.Fatalf("service.name = %q", cfg.Service.Name)
	}
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("ATTACHE_TEST_DB", "/var/lib/attache/state.db")

	path := writeConfig(t, t.TempDir(), `
service:
  name: attache-test
store:
  path: ${ATTACHE_TEST_DB}
sandbox:
  mode: oneshot
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Path != "/var/lib/attache/state.db" {
		t.Fatalf("store.path = %q, env var not expanded", cfg.Store.Path)
	}
}

func TestLoadLeavesUnknownEnvRefsIntact(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
service:
  name: attache-test
store:
  path: ${ATTACHE_DEFINITELY_UNSET_VAR}
sandbox:
  mode: oneshot
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Path != "${ATTACHE_DEFINITELY_UNSET_VAR}" {
		t.Fatalf("store.path = %q, unset reference must stay literal", cfg.Store.Path)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "bad sandbox mode",
			yaml: `
service:
  name: attache-test
store:
  path: /tmp/x.db
sandbox:
  mode: detached
`,
			wantErr: "sandbox.mode",
		},
		{
			name: "zero batch window",
			yaml: `
service:
  name: attache-test
store:
  path: /tmp/x.db
queue:
  batch_window: 0s
sandbox:
  mode: oneshot
`,
			wantErr: "queue.batch_window",
		},
		{
			name: "heartbeat max age below interval",
			yaml: `
service:
  name: attache-test
store:
  path: /tmp/x.db
sandbox:
  mode: oneshot
  heartbeat:
    interval: 30s
    max_age: 10s
`,
			wantErr: "heartbeat.max_age",
		},
		{
			name: "api enabled without listen address",
			yaml: `
service:
  name: attache-test
store:
  path: /tmp/x.db
sandbox:
  mode: oneshot
api:
  enabled: true
  listen: ""
`,
			wantErr: "api.listen",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), tc.yaml)
			_, err := Load(path)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error = %v, want containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "config file not found") {
		t.Fatalf("error = %v", err)
	}
}

func TestParseInterval(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "hourly", want: time.Hour},
		{in: "daily", want: 24 * time.Hour},
		{in: "weekly", want: 7 * 24 * time.Hour},
		{in: "3d", want: 72 * time.Hour},
		{in: "2w", want: 14 * 24 * time.Hour},
		{in: "90m", want: 90 * time.Minute},
		{in: "1h30m", want: 90 * time.Minute},
		{in: "45s", want: 45 * time.Second},
		{in: "0s", wantErr: true},
		{in: "-5m", wantErr: true},
		{in: "monthly", wantErr: true},
		{in: "0d", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tc := range cases {
		got, err := ParseInterval(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseInterval(%q) = %v, want error", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseInterval(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseInterval(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
