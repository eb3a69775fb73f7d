package daemon

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPIDFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	if err := WritePIDFile(path); err != nil {
		t.Fatalf("WritePIDFile: %v", err)
	}
	pid, err := ReadPIDFile(path)
	if err != nil {
		t.Fatalf("ReadPIDFile: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("pid %d, want %d", pid, os.Getpid())
	}
	RemovePIDFile(path)
	if _, err := ReadPIDFile(path); err == nil {
		t.Error("expected error after removal")
	}
}

func TestEnsureNotRunning_LiveProcessRefused(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	if err := WritePIDFile(path); err != nil {
		t.Fatal(err)
	}
	// The test process itself is alive, so a second start must refuse.
	if err := ensureNotRunning(path); err == nil {
		t.Error("expected refusal while the recorded pid is alive")
	}
}

func TestEnsureNotRunning_StaleFilePasses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	if err := os.WriteFile(path, []byte("999999999\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := ensureNotRunning(path); err != nil {
		t.Errorf("stale pid file must pass: %v", err)
	}
	if err := ensureNotRunning(filepath.Join(t.TempDir(), "missing.pid")); err != nil {
		t.Errorf("missing pid file must pass: %v", err)
	}
}
