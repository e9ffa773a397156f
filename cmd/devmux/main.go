package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// version is stamped at release build time via -ldflags.
var version = "dev"

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		var ue *usageError
		if errors.As(err, &ue) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// usageError marks command-line mistakes so main exits 2 instead of 1.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

// usageArgs wraps a cobra positional-args validator so its failures count
// as usage errors.
func usageArgs(fn cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := fn(cmd, args); err != nil {
			return &usageError{err: err}
		}
		return nil
	}
}

// GlobalFlags holds the persistent flags shared by every subcommand.
type GlobalFlags struct {
	Socket  string
	Timeout time.Duration
}

// UpFlags holds flags for the up command.
type UpFlags struct {
	Detach  bool
	LogFile string
}

// LogsFlags holds flags for the logs command.
type LogsFlags struct {
	Follow bool
}

// HistoryFlags holds flags for the history command.
type HistoryFlags struct {
	Lines int
}

// buildRoot assembles the root command and all subcommands.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	devmuxCommand := command{flags: globalFlags}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createUpCommand(globalFlags),
		createDownCommand(devmuxCommand),
		createStatusCommand(devmuxCommand),
		createStopCommand(devmuxCommand),
		createRestartCommand(devmuxCommand),
		createLogsCommand(devmuxCommand),
		createHistoryCommand(devmuxCommand),
		createBoxCommand(),
		createKubeCommand(),
		createVersionCommand(),
	)
	return root
}

// createRootCommand creates the root command with the persistent flags.
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "devmux",
		Short: "Local development environment supervisor",
		Long: `Devmux runs the processes of a local development environment from one
TOML file: dependency-ordered startup, health probes, crash restarts,
file-watch restarts and aggregated logs on a unix control socket.

Examples:
  devmux up                         # Start every service, stay in foreground
  devmux up -d devmux.toml          # Start detached with an explicit config
  devmux status                     # One row per service
  devmux logs web -f                # Follow one service's output
  devmux down                       # Stop everything and exit the daemon`,
		SilenceUsage:  true,
		SilenceErrors: true,
		// ArbitraryArgs so unmatched names reach RunE and exit as usage
		// errors instead of cobra's generic ones.
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			return &usageError{err: fmt.Errorf("unknown command %q", args[0])}
		},
	}

	root.PersistentFlags().StringVar(&flags.Socket, "socket", "", "daemon control socket (default "+defaultSocket()+")")
	root.PersistentFlags().DurationVar(&flags.Timeout, "timeout", 10*time.Second, "request timeout")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err: err}
	})
	return root
}

// createDownCommand creates the down subcommand
func createDownCommand(devmuxCommand command) *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Stop all services and shut the daemon down",
		Long: `Ask the running daemon to stop every service in reverse dependency
order and exit.

Examples:
  devmux down`,
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return devmuxCommand.Down(cmd.Context())
		},
	}
}

// createStatusCommand creates the status subcommand
func createStatusCommand(devmuxCommand command) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show one row per service",
		Long: `Print the state of every managed service: lifecycle state, health,
PID, port, restart count and uptime.

Examples:
  devmux status
  devmux status --socket /tmp/other.sock`,
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return devmuxCommand.Status(cmd.Context(), os.Stdout)
		},
	}
}

// createStopCommand creates the stop subcommand
func createStopCommand(devmuxCommand command) *cobra.Command {
	return &cobra.Command{
		Use:   "stop [service...]",
		Short: "Stop services without exiting the daemon",
		Long: `Stop the named services, or every service when none are named. The
daemon keeps running; stopped services restart on demand.

Examples:
  devmux stop                       # Stop everything
  devmux stop web worker            # Stop two services`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return devmuxCommand.Stop(cmd.Context(), args)
		},
	}
}

// createRestartCommand creates the restart subcommand
func createRestartCommand(devmuxCommand command) *cobra.Command {
	return &cobra.Command{
		Use:   "restart <service>",
		Short: "Restart one service",
		Long: `Stop and start a single service. Dependents keep running.

Examples:
  devmux restart web`,
		Args: usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			return devmuxCommand.Restart(cmd.Context(), args[0])
		},
	}
}

// createLogsCommand creates the logs subcommand
func createLogsCommand(devmuxCommand command) *cobra.Command {
	logsFlags := &LogsFlags{}
	cmd := &cobra.Command{
		Use:   "logs [service]",
		Short: "Show service logs",
		Long: `Print the retained log lines of one service, or of all services when
none is named. With --follow, stream new lines until interrupted.

Examples:
  devmux logs                       # Recent lines from every service
  devmux logs web                   # Recent lines from one service
  devmux logs web -f                # Stream new lines`,
		Args: usageArgs(cobra.MaximumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			service := ""
			if len(args) > 0 {
				service = args[0]
			}
			return devmuxCommand.Logs(cmd.Context(), service, logsFlags.Follow, os.Stdout)
		},
	}
	cmd.Flags().BoolVarP(&logsFlags.Follow, "follow", "f", false, "stream new log lines")
	return cmd
}

// createHistoryCommand creates the history subcommand
func createHistoryCommand(devmuxCommand command) *cobra.Command {
	historyFlags := &HistoryFlags{}
	cmd := &cobra.Command{
		Use:   "history [service]",
		Short: "Dump retained log history",
		Long: `Print the log lines the daemon retains in memory, oldest first.

Examples:
  devmux history                    # Everything retained
  devmux history web -n 50          # Last 50 lines of one service`,
		Args: usageArgs(cobra.MaximumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			service := ""
			if len(args) > 0 {
				service = args[0]
			}
			return devmuxCommand.History(cmd.Context(), service, historyFlags.Lines, os.Stdout)
		},
	}
	cmd.Flags().IntVarP(&historyFlags.Lines, "lines", "n", 0, "limit to the most recent N lines (0 = all retained)")
	return cmd
}

// createVersionCommand creates the version subcommand
func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the devmux version",
		Args:  usageArgs(cobra.NoArgs),
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "devmux version %s\n", version)
		},
	}
}
