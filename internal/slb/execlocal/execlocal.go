// Package execlocal runs a claimed command on the local host and records
// the outcome.
//
// The executor only ever receives a request that already passed the gate;
// it re-reads nothing and decides nothing.  Command output goes to a
// per-request log file so reviewers can inspect what actually happened.
package execlocal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bdobrica/slb/common/retry"
	"github.com/bdobrica/slb/internal/slb/gate"
	"github.com/bdobrica/slb/internal/slb/lifecycle"
	"github.com/bdobrica/slb/internal/slb/store"
)

// Executor runs commands for one project.
type Executor struct {
	gate    *gate.Gate
	logsDir string
}

// New returns an Executor writing logs under logsDir.
func New(g *gate.Gate, logsDir string) *Executor {
	return &Executor{gate: g, logsDir: logsDir}
}

// Result is what Execute observed.
type Result struct {
	ExitCode   int
	DurationMs int64
	LogPath    string
	TimedOut   bool
	// PID is set in background mode, where no outcome is recorded yet.
	PID int
}

// Execute runs the claimed request's command and records the outcome.  A
// zero timeout means no deadline.  The recorded exit code follows the shell
// convention: 124 for a command killed by the timeout, 126 for a command
// that could not be started.
func (e *Executor) Execute(ctx context.Context, sessionID string, req *store.Request, timeout time.Duration) (*Result, error) {
	logPath, logFile, err := e.openLog(req.ID)
	if err != nil {
		return nil, err
	}
	defer logFile.Close()

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := e.buildCmd(runCtx, req)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	res := &Result{
		DurationMs: elapsed.Milliseconds(),
		LogPath:    logPath,
	}
	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		res.TimedOut = true
		res.ExitCode = 124
	case runErr == nil:
		res.ExitCode = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			// The command never started.
			fmt.Fprintf(logFile, "slb: failed to start command: %v\n", runErr)
			res.ExitCode = 126
		}
	}

	if err := e.gate.RecordOutcome(ctx, gate.OutcomeParams{
		SessionID:  sessionID,
		RequestID:  req.ID,
		ExitCode:   res.ExitCode,
		DurationMs: res.DurationMs,
		LogPath:    logPath,
		TimedOut:   res.TimedOut,
	}); err != nil {
		return res, err
	}
	return res, nil
}

// ExecuteBackground starts the command detached and returns immediately.
// The request stays in executing; the caller reports the outcome later via
// Report, or the daemon's orphan sweep closes it.
func (e *Executor) ExecuteBackground(ctx context.Context, req *store.Request) (*Result, error) {
	logPath, logFile, err := e.openLog(req.ID)
	if err != nil {
		return nil, err
	}
	defer logFile.Close()

	cmd := e.buildCmd(context.Background(), req)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start background command: %w", err)
	}
	pid := cmd.Process.Pid
	_ = cmd.Process.Release()

	slog.Info("background execution started", "request", req.ID, "pid", pid, "log", logPath)
	return &Result{PID: pid, LogPath: logPath}, nil
}

// Report records the outcome of a background execution.
func (e *Executor) Report(ctx context.Context, sessionID, requestID string, exitCode int, durationMs int64, logPath string) error {
	return e.gate.RecordOutcome(ctx, gate.OutcomeParams{
		SessionID:  sessionID,
		RequestID:  requestID,
		ExitCode:   exitCode,
		DurationMs: durationMs,
		LogPath:    logPath,
	})
}

func (e *Executor) buildCmd(ctx context.Context, req *store.Request) *exec.Cmd {
	var cmd *exec.Cmd
	if !req.Command.Shell && len(req.Command.Argv) > 0 {
		cmd = exec.CommandContext(ctx, req.Command.Argv[0], req.Command.Argv[1:]...)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", req.Command.Raw)
	}
	cmd.Dir = req.Command.Cwd
	return cmd
}

// LogPath returns where a request's execution log lives.
func (e *Executor) LogPath(requestID string) string {
	return filepath.Join(e.logsDir, requestID+".log")
}

func (e *Executor) openLog(requestID string) (string, *os.File, error) {
	if err := os.MkdirAll(e.logsDir, 0o755); err != nil {
		return "", nil, fmt.Errorf("create logs dir: %w", err)
	}
	path := e.LogPath(requestID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", nil, fmt.Errorf("open execution log: %w", err)
	}
	return path, f, nil
}

// WaitDecision polls the store until the request leaves pending, backing
// off exponentially.  Used by slb status --wait when no daemon is around to
// push events.
func WaitDecision(ctx context.Context, s *store.Store, requestID string) (*store.Request, error) {
	var req *store.Request
	err := retry.Do(ctx, retry.Config{
		MaxAttempts:  1000,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     2 * time.Second,
	}, func() error {
		var err error
		req, err = s.GetRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if req.Status == lifecycle.StatusPending {
			return fmt.Errorf("request %s still pending", requestID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}
