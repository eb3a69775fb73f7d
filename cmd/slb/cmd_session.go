package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bdobrica/slb/internal/slb/session"
)

var (
	sessAgent   string
	sessProgram string
	sessModel   string
	sessHuman   bool
	sessCreate  bool
	sessForce   bool

	sessGCThresholdMins int
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage agent sessions",
	Long: `A session ties an agent to a project and carries the HMAC key that
signs its reviews.  The key is returned exactly once, on start or resume
(under --json), for clients that sign remotely; export the session id as
SLB_SESSION so other commands can find it.`,
}

var sessionStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a session for this project",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		if sessAgent == "" {
			return exitWith(2, fmt.Errorf("--agent is required"))
		}
		sess, err := a.sessions.Start(ctx, session.StartParams{
			AgentName:   sessAgent,
			Program:     sessProgram,
			Model:       sessModel,
			ProjectPath: a.project,
			IsHuman:     sessHuman,
		})
		if err != nil {
			return err
		}
		a.refreshSnapshots(ctx)

		human("session %s started for %s", sess.ID, sess.AgentName)
		human("export SLB_SESSION=%s", sess.ID)
		emit(map[string]any{"session": sess, "hmac_key": sess.HMACKey})
		return nil
	},
}

var sessionResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume the active session for this agent and project",
	Long: `Finds the active session for (agent, project) and refreshes its
heartbeat.  A session started by a different program is refused unless
--force ends it and starts over; --create starts a fresh session when none
is active.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		if sessAgent == "" {
			return exitWith(2, fmt.Errorf("--agent is required"))
		}
		sess, err := a.sessions.Resume(ctx, session.ResumeParams{
			AgentName:       sessAgent,
			Program:         sessProgram,
			Model:           sessModel,
			ProjectPath:     a.project,
			CreateIfMissing: sessCreate,
			Force:           sessForce,
		})
		if err != nil {
			return err
		}

		human("session %s resumed for %s", sess.ID, sess.AgentName)
		human("export SLB_SESSION=%s", sess.ID)
		emit(map[string]any{"session": sess, "hmac_key": sess.HMACKey})
		return nil
	},
}

var sessionEndCmd = &cobra.Command{
	Use:   "end",
	Short: "End your session",
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
		endedAt, err := a.sessions.End(ctx, sessID)
		if err != nil {
			return err
		}
		a.refreshSnapshots(ctx)
		human("session %s ended at %s", sessID, endedAt.Format(time.RFC3339))
		emit(map[string]any{"id": sessID, "ended_at": endedAt})
		return nil
	},
}

var sessionHeartbeatCmd = &cobra.Command{
	Use:   "heartbeat",
	Short: "Refresh your session's last-active time",
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
		if err := a.sessions.Heartbeat(ctx, sessID); err != nil {
			return err
		}
		emit(map[string]string{"id": sessID})
		return nil
	},
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active sessions for this project",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		sessions, err := a.sessions.ListActive(ctx, a.project)
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			human("no active sessions")
		}
		for _, sess := range sessions {
			renderSession(sess)
		}
		emit(sessions)
		return nil
	},
}

var sessionGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "End sessions idle past the threshold",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		threshold := time.Duration(sessGCThresholdMins) * time.Minute
		if sessGCThresholdMins == 0 {
			threshold = time.Duration(a.cfg.Sessions.GCThresholdMins) * time.Minute
		}
		n, err := a.sessions.GC(ctx, threshold)
		if err != nil {
			return err
		}
		a.refreshSnapshots(ctx)
		human("collected %d idle session(s)", n)
		emit(map[string]int64{"collected": n})
		return nil
	},
}

var sessionResetLimitsCmd = &cobra.Command{
	Use:   "reset-limits [session-id]",
	Short: "Forgive a session's request rate limits (human escape hatch)",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.sessions.ResetLimits(ctx, args[0]); err != nil {
			return err
		}
		human("rate limits reset for %s", args[0])
		emit(map[string]string{"id": args[0]})
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{sessionStartCmd, sessionResumeCmd} {
		c.Flags().StringVar(&sessAgent, "agent", "", "Agent name (required)")
		c.Flags().StringVar(&sessProgram, "program", "", "Agent program, e.g. the harness binary")
		c.Flags().StringVar(&sessModel, "model", "", "Model identity, used for different-model quorum rules")
	}
	sessionStartCmd.Flags().BoolVar(&sessHuman, "human", false, "Mark this session as a human operator")
	sessionResumeCmd.Flags().BoolVar(&sessCreate, "create", false, "Start a session when none is active")
	sessionResumeCmd.Flags().BoolVar(&sessForce, "force", false, "End a program-mismatched session and start over")

	sessionGCCmd.Flags().IntVar(&sessGCThresholdMins, "threshold-mins", 0, "Idle threshold (default from config)")

	sessionCmd.AddCommand(sessionStartCmd)
	sessionCmd.AddCommand(sessionResumeCmd)
	sessionCmd.AddCommand(sessionEndCmd)
	sessionCmd.AddCommand(sessionHeartbeatCmd)
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionGCCmd)
	sessionCmd.AddCommand(sessionResetLimitsCmd)
}
