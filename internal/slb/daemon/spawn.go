package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// EnvDaemonMarker tells a re-executed slb binary to run as the daemon.
const EnvDaemonMarker = "SLB_DAEMON"

// Spawn re-executes the current binary as a detached daemon process writing
// to logPath.  It returns the child's pid.
func Spawn(projectPath, logPath string) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("locate executable: %w", err)
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open daemon log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(exe, "daemon", "run")
	cmd.Dir = projectPath
	cmd.Env = append(os.Environ(), EnvDaemonMarker+"=1")
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("spawn daemon: %w", err)
	}
	pid := cmd.Process.Pid
	// Detach; the daemon outlives this process.
	_ = cmd.Process.Release()
	return pid, nil
}

// Stop signals the daemon recorded in the pid file and waits for it to exit.
func Stop(pidPath string, timeout time.Duration) error {
	pid, err := ReadPIDFile(pidPath)
	if err != nil {
		return err
	}
	if !ProcessAlive(pid) {
		RemovePIDFile(pidPath)
		return nil
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find daemon process: %w", err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal daemon: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !ProcessAlive(pid) {
			RemovePIDFile(pidPath)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon pid %d did not exit within %s", pid, timeout)
}
