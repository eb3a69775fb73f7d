package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/bdobrica/slb/internal/slb/execlocal"
	"github.com/bdobrica/slb/internal/slb/lifecycle"
	"github.com/bdobrica/slb/internal/slb/notify"
	"github.com/bdobrica/slb/internal/slb/store"
)

var runTimeoutSecs int

// runCmd is the atomic agent entry point: request, wait, execute.
var runCmd = &cobra.Command{
	Use:   "run [command]",
	Short: "Request authorization, wait for the decision, then execute",
	Long: `The atomic form of the request/approve/execute flow.  Safe commands
run immediately.  Anything riskier becomes a pending request; run blocks
until a reviewer decides, then executes on approval.

The process exit code is the command's own exit code on execution, 1 when
the request was rejected or timed out.`,
	Args: minArgs(1),
	RunE: runRun,
}

func init() {
	addJustificationFlags(runCmd)
	runCmd.Flags().IntVar(&runTimeoutSecs, "timeout", 0, "Execution timeout in seconds (0 = none)")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	params, err := buildCreateParams(a, args)
	if err != nil {
		return err
	}

	res, err := a.requests.Create(ctx, params)
	if err != nil {
		return err
	}

	if res.SkipReview {
		return runUnmediated(ctx, params.Raw, params.Cwd)
	}
	a.refreshSnapshots(ctx)

	human("request %s filed (%s, %d approval(s) needed), waiting for review ...",
		res.Request.ID, res.Tier, res.Request.MinApprovals)

	req, err := waitForDecision(ctx, a, res.Request.ID)
	if err != nil {
		return err
	}
	if req.Status != lifecycle.StatusApproved {
		emit(req)
		return decisionExit(req)
	}

	sessID, _ := a.sessionID()
	claimed, err := a.gate.Claim(ctx, sessID, req.ID)
	if err != nil {
		return err
	}

	outcome, err := a.executor.Execute(ctx, sessID, claimed, time.Duration(runTimeoutSecs)*time.Second)
	if err != nil {
		return err
	}
	a.refreshSnapshots(ctx)
	catLog(outcome.LogPath)
	emit(map[string]any{"request": claimed.ID, "exit_code": outcome.ExitCode,
		"duration_ms": outcome.DurationMs, "log_path": outcome.LogPath})

	if outcome.TimedOut {
		return exitWith(1, fmt.Errorf("command timed out after %ds", runTimeoutSecs))
	}
	if outcome.ExitCode != 0 {
		return exitWith(outcome.ExitCode, fmt.Errorf("command exited %d", outcome.ExitCode))
	}
	return nil
}

// runUnmediated executes a safe-classified command directly, terminal
// attached.  No request record exists for it.
func runUnmediated(ctx context.Context, raw, cwd string) error {
	c := exec.CommandContext(ctx, "sh", "-c", raw)
	c.Dir = cwd
	c.Stdin = os.Stdin
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	if err := c.Run(); err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			return exitWith(ee.ExitCode(), fmt.Errorf("command exited %d", ee.ExitCode()))
		}
		return err
	}
	return nil
}

// waitForDecision blocks until the request leaves pending.  With a live
// daemon it rides the event stream; otherwise it polls the store with
// backoff.
func waitForDecision(ctx context.Context, a *app, requestID string) (*store.Request, error) {
	client, err := a.dialDaemon(ctx)
	if err != nil {
		return execlocal.WaitDecision(ctx, a.store, requestID)
	}
	defer client.Close()

	events, err := client.Subscribe(ctx)
	if err != nil {
		return execlocal.WaitDecision(ctx, a.store, requestID)
	}

	// The decision may have landed between Create and Subscribe.
	req, err := a.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != lifecycle.StatusPending {
		return req, nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case frame, ok := <-events:
			if !ok {
				// Stream dropped; fall back to polling.
				return execlocal.WaitDecision(ctx, a.store, requestID)
			}
			if frame.Lagged {
				// Events were dropped upstream; re-read instead of trusting
				// the stream.
				req, err := a.store.GetRequest(ctx, requestID)
				if err != nil {
					return nil, err
				}
				if req.Status != lifecycle.StatusPending {
					return req, nil
				}
				continue
			}
			if frame.Event == nil || frame.Event.RequestID != requestID {
				continue
			}
			switch frame.Event.Kind {
			case notify.KindRequestApproved, notify.KindRequestRejected,
				notify.KindRequestCancelled, notify.KindRequestTimeout,
				notify.KindRequestEscalated:
				return a.store.GetRequest(ctx, requestID)
			}
		}
	}
}

// catLog copies the execution log to stdout so the wrapper behaves like the
// command it ran.
func catLog(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = io.Copy(os.Stdout, f)
}
