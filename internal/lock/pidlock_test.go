package lock

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestAcquireWritesPID(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "attache.pid")
	l, err := AcquirePIDLock(path)
	if err != nil {
		t.Fatalf("AcquirePIDLock: %v", err)
	}
	defer func() { _ = l.Release() }()

	if l.Path() != path {
		t.Fatalf("Path = %q, want %q", l.Path(), path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read pid file: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		t.Fatalf("pid file contents %q: %v", data, err)
	}
	if pid != os.Getpid() {
		t.Fatalf("pid = %d, want %d", pid, os.Getpid())
	}
}

func TestSecondAcquireFailsUntilReleased(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "attache.pid")
	first, err := AcquirePIDLock(path)
	if err != nil {
		t.Fatalf("AcquirePIDLock: %v", err)
	}

	if _, err := AcquirePIDLock(path); err == nil {
		t.Fatal("second acquire succeeded while lock held")
	}

	if err := first.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	second, err := AcquirePIDLock(path)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	_ = second.Release()
}

func TestAcquireCreatesLockDirectory(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "data", "run", "attache.pid")
	l, err := AcquirePIDLock(path)
	if err != nil {
		t.Fatalf("AcquirePIDLock: %v", err)
	}
	_ = l.Release()
}

func TestAcquireRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	if _, err := AcquirePIDLock(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "attache.pid")
	l, err := AcquirePIDLock(path)
	if err != nil {
		t.Fatalf("AcquirePIDLock: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
}
