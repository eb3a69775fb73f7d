package config

import (
	"os"
	"path/filepath"
)

// UserDir returns ~/.slb, the per-user state directory.
func UserDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".slb")
}

// ProjectDir returns <project>/.slb, the project state directory.
func ProjectDir(projectPath string) string {
	return filepath.Join(projectPath, ".slb")
}

// DBPath returns the authoritative store location for a project.
func DBPath(projectPath string) string {
	return filepath.Join(ProjectDir(projectPath), "state.db")
}

// LogsDir returns the per-request execution log directory.
func LogsDir(projectPath string) string {
	return filepath.Join(ProjectDir(projectPath), "logs")
}

// SocketPath returns the daemon IPC socket location.  A user runtime
// directory is preferred; ~/.slb is the fallback.
func SocketPath(cfg *Config) string {
	if cfg != nil && cfg.Daemon.SocketPath != "" {
		return cfg.Daemon.SocketPath
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "slb", "daemon.sock")
	}
	return filepath.Join(UserDir(), "daemon.sock")
}

// PIDPath returns the daemon singleton PID file location.
func PIDPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "slb", "daemon.pid")
	}
	return filepath.Join(UserDir(), "daemon.pid")
}

// DaemonLogPath returns the daemon log file location.
func DaemonLogPath() string {
	return filepath.Join(UserDir(), "daemon.log")
}
