// Slb is the simultaneous-launch-button CLI: a two-person rule for
// destructive shell commands issued by autonomous coding agents.
//
// An agent asks for authorization (slb run / slb request), a second agent or
// a human reviews (slb approve / slb reject), and only then does the
// execution gate release the exact command that was reviewed.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bdobrica/slb/common/version"
	"github.com/bdobrica/slb/internal/slb/slberr"
)

var (
	// Global flags
	jsonOutput  bool
	projectPath string
	sessionID   string
)

var rootCmd = &cobra.Command{
	Use:   "slb",
	Short: "Two-person authorization for destructive agent commands",
	Long: `slb mediates destructive shell commands issued by autonomous coding
agents.  Commands are classified by risk tier; anything above "safe" becomes
a pending request that a second agent or a human must approve before the
execution gate releases it.

Typical agent flow:
  slb session start --agent alice --model gpt-5
  slb run "rm -rf ./build" --reason "clean stale artifacts"

Typical reviewer flow:
  slb pending --review-pool
  slb approve req-1234`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		if jsonOutput {
			emit(map[string]string{"version": version.Version})
			return
		}
		fmt.Println(version.Info())
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Structured JSON on stdout, human output on stderr")
	rootCmd.PersistentFlags().StringVarP(&projectPath, "project", "p", "", "Project directory (default: current)")
	rootCmd.PersistentFlags().StringVarP(&sessionID, "session", "s", "", "Session id (or set SLB_SESSION)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(requestCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(executeCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(rejectCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(pendingCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(feedbackCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(patternsCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(emergencyCmd)
}

// exitError pins a specific process exit code to an error.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitWith(code int, err error) error {
	return &exitError{code: code, err: err}
}

// exitCodeFor maps an error to the documented exit codes: 0 success, 1
// denied/rejected/timeout/verification failure, 2 usage, 3 daemon
// unreachable.
func exitCodeFor(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	if slberr.HasCode(err, slberr.CodeDaemonUnreachable) {
		return 3
	}
	return 1
}

func main() {
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return exitWith(2, err)
	})
	if err := rootCmd.Execute(); err != nil {
		emitError(err)
		os.Exit(exitCodeFor(err))
	}
}

// exactArgs is cobra.ExactArgs with the usage exit code attached.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return exitWith(2, fmt.Errorf("%s: expected %d argument(s), got %d", cmd.Name(), n, len(args)))
		}
		return nil
	}
}

// minArgs is cobra.MinimumNArgs with the usage exit code attached.
func minArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) < n {
			return exitWith(2, fmt.Errorf("%s: expected at least %d argument(s)", cmd.Name(), n))
		}
		return nil
	}
}
