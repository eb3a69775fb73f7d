package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bdobrica/slb/internal/slb/config"
	"github.com/bdobrica/slb/internal/slb/slberr"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream lifecycle events as NDJSON",
	Long: `Subscribes to the daemon's event stream and prints one JSON event
per line.  Requires a running daemon; a "lagged" marker line is emitted when
the subscriber fell behind and events were dropped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

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

		events, err := client.Subscribe(ctx)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		for frame := range events {
			if frame.Lagged {
				_ = enc.Encode(map[string]bool{"lagged": true})
			}
			if frame.Event != nil {
				_ = enc.Encode(frame.Event)
			}
		}
		// The stream closes on interrupt or daemon shutdown; neither is an
		// error for a watcher.
		return nil
	},
}
