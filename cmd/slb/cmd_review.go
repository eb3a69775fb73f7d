package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bdobrica/slb/internal/slb/review"
	"github.com/bdobrica/slb/internal/slb/store"
)

var (
	approveComment    string
	approveForceMixed bool

	rejectReason string

	execDryRun     bool
	execBackground bool
	execReport     bool
	execExitCode   int
	execDurationMs int64
	execLogPath    string
	execTimeout    int
)

var approveCmd = &cobra.Command{
	Use:   "approve [request-id...]",
	Short: "Approve one or more pending requests",
	Long: `Signs an approval for each request with your session key.  Batch
approval refuses to mix risk tiers unless --force-mixed-tiers is given, so a
critical request cannot ride along with routine ones.`,
	Args: minArgs(1),
	RunE: runApprove,
}

var rejectCmd = &cobra.Command{
	Use:   "reject [request-id]",
	Short: "Reject a pending request",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
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
		if rejectReason == "" {
			return exitWith(2, fmt.Errorf("--reason is required when rejecting"))
		}

		res, err := submitDecision(cmd, a, sessID, args[0], store.DecisionReject, rejectReason)
		if err != nil {
			return err
		}
		a.refreshSnapshots(ctx)
		human("rejected %s (now %s)", args[0], res.Status)
		emit(res)
		return nil
	},
}

var executeCmd = &cobra.Command{
	Use:   "execute [request-id]",
	Short: "Run an approved request through the execution gate",
	Long: `Claims the approved request and runs the exact command that was
reviewed.  The gate re-verifies the command hash, the approval window, the
risk tier under the current patterns, and every approval signature before
anything executes.

--dry-run performs the verification without claiming.  --background starts
the command detached; report its outcome later with
  slb execute <id> --report --exit-code N --duration-ms N`,
	Args: exactArgs(1),
	RunE: runExecute,
}

func init() {
	approveCmd.Flags().StringVar(&approveComment, "comment", "", "Optional review comment")
	approveCmd.Flags().BoolVar(&approveForceMixed, "force-mixed-tiers", false, "Allow batch approval across different risk tiers")

	rejectCmd.Flags().StringVar(&rejectReason, "reason", "", "Why the request is rejected (required)")

	executeCmd.Flags().BoolVar(&execDryRun, "dry-run", false, "Verify without claiming or running")
	executeCmd.Flags().BoolVar(&execBackground, "background", false, "Start detached and return immediately")
	executeCmd.Flags().BoolVar(&execReport, "report", false, "Record the outcome of a background execution")
	executeCmd.Flags().IntVar(&execExitCode, "exit-code", 0, "Exit code for --report")
	executeCmd.Flags().Int64Var(&execDurationMs, "duration-ms", 0, "Duration for --report")
	executeCmd.Flags().StringVar(&execLogPath, "log", "", "Log path for --report")
	executeCmd.Flags().IntVar(&execTimeout, "timeout", 0, "Execution timeout in seconds (0 = none)")
}

func runApprove(cmd *cobra.Command, args []string) error {
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

	// Load everything first so tier homogeneity is checked before any
	// signature lands.
	reqs := make([]*store.Request, 0, len(args))
	for _, id := range args {
		req, err := a.requests.Get(ctx, id)
		if err != nil {
			return err
		}
		reqs = append(reqs, req)
	}
	if !approveForceMixed {
		for _, req := range reqs[1:] {
			if req.RiskTier != reqs[0].RiskTier {
				return exitWith(2, fmt.Errorf(
					"batch mixes tiers %s and %s; approve separately or pass --force-mixed-tiers",
					reqs[0].RiskTier, req.RiskTier))
			}
		}
	}

	results := make([]*review.SubmitResult, 0, len(reqs))
	for _, req := range reqs {
		res, err := submitDecision(cmd, a, sessID, req.ID, store.DecisionApprove, approveComment)
		if err != nil {
			return err
		}
		human("approved %s (%d/%d approvals, now %s)",
			req.ID, res.Approvals, req.MinApprovals, res.Status)
		results = append(results, res)
	}
	a.refreshSnapshots(ctx)
	emit(results)
	return nil
}

func submitDecision(cmd *cobra.Command, a *app, sessID, requestID, decision, comment string) (*review.SubmitResult, error) {
	ctx := cmd.Context()
	sig, ts, err := a.signReview(ctx, sessID, requestID, decision)
	if err != nil {
		return nil, err
	}
	return a.reviews.Submit(ctx, review.SubmitParams{
		SessionID:          sessID,
		RequestID:          requestID,
		Decision:           decision,
		Signature:          sig,
		SignatureTimestamp: ts,
		Comment:            comment,
	})
}

func runExecute(cmd *cobra.Command, args []string) error {
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
	requestID := args[0]

	if execReport {
		if execLogPath == "" {
			execLogPath = a.executor.LogPath(requestID)
		}
		if err := a.executor.Report(ctx, sessID, requestID, execExitCode, execDurationMs, execLogPath); err != nil {
			return err
		}
		a.refreshSnapshots(ctx)
		human("recorded outcome for %s (exit %d)", requestID, execExitCode)
		emit(map[string]any{"id": requestID, "exit_code": execExitCode})
		return nil
	}

	if execDryRun {
		req, err := a.gate.Verify(ctx, sessID, requestID)
		if err != nil {
			return err
		}
		until := "unknown"
		if req.ApprovalExpiresAt != nil {
			until = req.ApprovalExpiresAt.Format(time.RFC3339)
		}
		human("%s would be released (approval valid until %s)", req.ID, until)
		emit(map[string]any{"allowed": true, "request": req})
		return nil
	}

	claimed, err := a.gate.Claim(ctx, sessID, requestID)
	if err != nil {
		return err
	}

	if execBackground {
		res, err := a.executor.ExecuteBackground(ctx, claimed)
		if err != nil {
			return err
		}
		human("started pid %d, log %s; report the outcome with --report", res.PID, res.LogPath)
		emit(map[string]any{"pid": res.PID, "log_path": res.LogPath})
		return nil
	}

	outcome, err := a.executor.Execute(ctx, sessID, claimed, time.Duration(execTimeout)*time.Second)
	if err != nil {
		return err
	}
	a.refreshSnapshots(ctx)
	catLog(outcome.LogPath)
	emit(map[string]any{"request": claimed.ID, "exit_code": outcome.ExitCode,
		"duration_ms": outcome.DurationMs, "log_path": outcome.LogPath})

	if outcome.TimedOut {
		return exitWith(1, fmt.Errorf("command timed out"))
	}
	if outcome.ExitCode != 0 {
		return exitWith(outcome.ExitCode, fmt.Errorf("command exited %d", outcome.ExitCode))
	}
	return nil
}
