package daemon

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// WritePIDFile records the current process id.
func WritePIDFile(path string) error {
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// ReadPIDFile returns the recorded pid.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pid file: %w", err)
	}
	return pid, nil
}

// RemovePIDFile deletes the pid file, ignoring a missing one.
func RemovePIDFile(path string) {
	_ = os.Remove(path)
}

// ensureNotRunning fails when the pid file points at a live process.  A
// stale file left by a crashed daemon passes and gets overwritten.
func ensureNotRunning(pidPath string) error {
	pid, err := ReadPIDFile(pidPath)
	if err != nil {
		return nil
	}
	if ProcessAlive(pid) {
		return fmt.Errorf("daemon already running with pid %d", pid)
	}
	return nil
}

// ProcessAlive reports whether a process with the pid exists.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
