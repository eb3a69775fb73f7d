package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/bdobrica/slb/internal/slb/config"
	"github.com/bdobrica/slb/internal/slb/daemon"
	"github.com/bdobrica/slb/internal/slb/ipc"
	"github.com/bdobrica/slb/internal/slb/slberr"
)

var daemonStopTimeout time.Duration

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the notary daemon",
	Long: `The daemon watches the store, expires timed-out requests, sweeps
orphaned executions, auto-approves unattended caution requests, and pushes
realtime events to subscribers over a unix socket.  Everything else works
without it; the CLI degrades to polling.`,
}

var daemonRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		d, err := daemon.New(a.cfg, a.store, a.project, config.DBPath(a.project))
		if err != nil {
			return err
		}
		return d.Run(ctx)
	},
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon in the background",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		socket := config.SocketPath(a.cfg)
		if ipc.DaemonAlive(socket) {
			human("daemon already running")
			return nil
		}

		if err := os.MkdirAll(config.UserDir(), 0o755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
		pid, err := daemon.Spawn(a.project, config.DaemonLogPath())
		if err != nil {
			return err
		}

		// Give it a moment to bind the socket before declaring success.
		for i := 0; i < 20; i++ {
			if ipc.DaemonAlive(socket) {
				human("daemon started (pid %d)", pid)
				emit(map[string]any{"pid": pid, "socket": socket})
				return nil
			}
			time.Sleep(100 * time.Millisecond)
		}
		return slberr.New(slberr.CodeDaemonUnreachable,
			"daemon (pid %d) did not answer on %s", pid, socket).
			WithHint("check " + config.DaemonLogPath())
	},
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := daemon.Stop(config.PIDPath(), daemonStopTimeout); err != nil {
			return err
		}
		human("daemon stopped")
		return nil
	},
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		client, err := a.dialDaemon(ctx)
		if err != nil {
			return slberr.New(slberr.CodeDaemonUnreachable, "no daemon on %s", config.SocketPath(a.cfg)).
				WithHint("slb daemon start")
		}
		defer client.Close()

		callCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		var status ipc.StatusResult
		if err := client.Call(callCtx, ipc.MethodStatus, nil, &status); err != nil {
			return err
		}

		human("daemon %s, pid %d, up %ds", status.Version, status.PID, status.UptimeSecs)
		human("  pending requests: %d", status.PendingCount)
		human("  active sessions:  %d", status.ActiveSessions)
		human("  subscribers:      %d", status.Subscribers)
		emit(status)
		return nil
	},
}

var daemonLogsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Print the daemon log",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(config.DaemonLogPath())
		if err != nil {
			if os.IsNotExist(err) {
				human("no daemon log at %s", config.DaemonLogPath())
				return nil
			}
			return err
		}
		defer f.Close()
		_, err = io.Copy(os.Stdout, f)
		return err
	},
}

func init() {
	daemonStopCmd.Flags().DurationVar(&daemonStopTimeout, "timeout", 10*time.Second, "How long to wait for a clean exit")

	daemonCmd.AddCommand(daemonRunCmd)
	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
	daemonCmd.AddCommand(daemonLogsCmd)
}
