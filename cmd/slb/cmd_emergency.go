package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bdobrica/slb/internal/slb/config"
	"github.com/bdobrica/slb/internal/slb/lifecycle"
	"github.com/bdobrica/slb/internal/slb/normalize"
	"github.com/bdobrica/slb/internal/slb/notify"
	"github.com/bdobrica/slb/internal/slb/store"
)

var (
	emergencyReason string
	emergencyYes    bool
	emergencyAck    string
)

var emergencyCmd = &cobra.Command{
	Use:   "emergency-execute [command]",
	Short: "Run a command without review (human override, fully audited)",
	Long: `Bypasses the two-person rule.  This is a deliberate human override:
it requires --yes plus --ack with the command's binding hash, which the
command prints when the ack is missing.  The execution is recorded in the
store as an unreviewed outcome and appended to the emergency log; it never
counts against session rate limits.`,
	Args: minArgs(1),
	RunE: runEmergency,
}

func init() {
	emergencyCmd.Flags().StringVar(&emergencyReason, "reason", "", "Why review is being bypassed (required)")
	emergencyCmd.Flags().BoolVar(&emergencyYes, "yes", false, "Confirm the override")
	emergencyCmd.Flags().StringVar(&emergencyAck, "ack", "", "The command's binding hash, echoed back")
}

func runEmergency(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	sessID, err := a.sessionID()
	if err != nil {
		return err
	}
	sess, err := a.sessions.RequireActive(ctx, sessID)
	if err != nil {
		return err
	}
	if emergencyReason == "" {
		return exitWith(2, fmt.Errorf("--reason is required"))
	}
	if !emergencyYes {
		return exitWith(2, fmt.Errorf("pass --yes to confirm the override"))
	}

	raw := strings.Join(args, " ")
	spec := store.CommandSpec{Raw: raw, Cwd: a.project, Shell: true}
	spec.Hash = spec.ComputeHash()

	// The ack must echo the binding hash back so the override names the
	// exact command, not a shell history entry.
	if !ackMatches(emergencyAck, spec.Hash) {
		human("to confirm, re-run with: --ack %s", strings.TrimPrefix(spec.Hash, "sha256:"))
		return exitWith(2, fmt.Errorf("--ack does not match the command hash"))
	}

	res := a.policy.Classify(normalize.Normalize(raw, a.project))
	now := time.Now().UTC()
	req := &store.Request{
		ID:          store.NewRequestID(),
		ProjectPath: a.project,
		Command:     spec,
		RiskTier:    string(res.Tier),
		Requestor: store.Requestor{
			SessionID: sess.ID, AgentName: sess.AgentName, Model: sess.Model,
		},
		Justification: store.Justification{Reason: emergencyReason},
		Status:        lifecycle.StatusExecuting,
		MinApprovals:  res.MinApprovals,
		Emergency:     true,
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now,
	}
	if err := a.store.InsertRequest(ctx, req, store.RateLimits{}); err != nil {
		return err
	}

	notify.Slog{}.Notify(ctx, notify.Event{
		Kind: notify.KindEmergencyExecute, RequestID: req.ID,
		Tier: req.RiskTier, Project: a.project,
		Message: fmt.Sprintf("%s bypassed review: %s", sess.AgentName, raw),
	})

	exitCode, durationMs, logPath, runErr := emergencyRun(ctx, a, req.ID, raw)

	to := lifecycle.StatusExecuted
	if exitCode != 0 {
		to = lifecycle.StatusExecutionFailed
	}
	if err := a.store.TransitionRequest(ctx, req.ID, lifecycle.StatusExecuting, to,
		time.Now().UTC(), store.TransitionOpts{}); err != nil {
		return err
	}
	if err := a.store.RecordOutcome(ctx, &store.ExecutionOutcome{
		RequestID:  req.ID,
		ExitCode:   exitCode,
		DurationMs: durationMs,
		LogPath:    logPath,
		ExecutedBy: sess.ID,
		Emergency:  true,
		RecordedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}
	appendEmergencyLog(req.ID, sess.AgentName, raw, spec.Hash, exitCode)
	a.refreshSnapshots(ctx)

	total, err := a.store.EmergencyExecutionCount(ctx)
	if err != nil {
		return err
	}
	human("this project has now recorded %d emergency execution(s)", total)
	emit(map[string]any{"request": req.ID, "exit_code": exitCode,
		"duration_ms": durationMs, "log_path": logPath, "emergency_total": total})
	if runErr != nil {
		return runErr
	}
	if exitCode != 0 {
		return exitWith(exitCode, fmt.Errorf("command exited %d", exitCode))
	}
	return nil
}

func ackMatches(ack, hash string) bool {
	if ack == "" {
		return false
	}
	if !strings.HasPrefix(ack, "sha256:") {
		ack = "sha256:" + ack
	}
	return ack == hash
}

// emergencyRun executes terminal-attached while teeing output into the
// per-request log.
func emergencyRun(ctx context.Context, a *app, requestID, raw string) (int, int64, string, error) {
	logPath := a.executor.LogPath(requestID)
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return 126, 0, "", err
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 126, 0, "", err
	}
	defer logFile.Close()

	c := exec.CommandContext(ctx, "sh", "-c", raw)
	c.Dir = a.project
	c.Stdin = os.Stdin
	c.Stdout = io.MultiWriter(os.Stdout, logFile)
	c.Stderr = io.MultiWriter(os.Stderr, logFile)

	start := time.Now()
	runErr := c.Run()
	elapsed := time.Since(start).Milliseconds()

	switch {
	case runErr == nil:
		return 0, elapsed, logPath, nil
	default:
		if ee, ok := runErr.(*exec.ExitError); ok {
			return ee.ExitCode(), elapsed, logPath, nil
		}
		return 126, elapsed, logPath, runErr
	}
}

// appendEmergencyLog writes the append-only audit line under ~/.slb.
func appendEmergencyLog(requestID, agent, raw, hash string, exitCode int) {
	path := filepath.Join(config.UserDir(), "emergency.log")
	if err := os.MkdirAll(config.UserDir(), 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		human("warning: emergency log unavailable: %v", err)
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%s\t%s\t%s\t%s\t%d\t%s\n",
		time.Now().UTC().Format(time.RFC3339), requestID, agent, hash, exitCode, raw)
}
