package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/devmux/devmux"
	"github.com/devmux/devmux/internal/logging"
	"github.com/devmux/devmux/pkg/client"
)

// defaultConfigName is the config file up looks for when none is given.
const defaultConfigName = "devmux.toml"

// createUpCommand creates the up subcommand
func createUpCommand(globalFlags *GlobalFlags) *cobra.Command {
	upFlags := &UpFlags{}
	cmd := &cobra.Command{
		Use:   "up [config.toml]",
		Short: "Start the daemon and every enabled service",
		Long: `Load the config, start every enabled service in dependency order and
keep supervising them. Runs in the foreground until interrupted; with
--detach the daemon forks into the background and the command returns.

Examples:
  devmux up                         # ./devmux.toml, foreground
  devmux up ./env/dev.toml          # Explicit config
  devmux up -d                      # Background daemon
  devmux up -d --logfile devmux.log # Background with daemon log file`,
		Args: usageArgs(cobra.MaximumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := defaultConfigName
			if len(args) > 0 {
				configPath = args[0]
			}
			return runUp(configPath, globalFlags, upFlags)
		},
	}

	cmd.Flags().BoolVarP(&upFlags.Detach, "detach", "d", false, "run the daemon in the background")
	cmd.Flags().StringVar(&upFlags.LogFile, "logfile", "", "daemon log file when detached (default discards output)")
	return cmd
}

func runUp(configPath string, globalFlags *GlobalFlags, upFlags *UpFlags) error {
	cfg, err := devmux.Load(configPath)
	if err != nil {
		return err
	}
	if globalFlags.Socket != "" {
		cfg.Socket = globalFlags.Socket
	}

	// A stale socket file is replaced on bind, so probe first: a second
	// daemon on a live socket would steal it from the first.
	probe := client.New(client.Config{Socket: cfg.Socket, Timeout: 2 * time.Second})
	if probe.IsReachable(context.Background()) {
		return fmt.Errorf("a daemon is already running on %s", cfg.Socket)
	}

	if upFlags.Detach {
		return daemonize(upFlags.LogFile)
	}

	log := logging.New(os.Stderr, logging.Options{
		Level: logging.ParseLevel(cfg.LogLevel),
		Color: isTerminal(os.Stderr),
	})
	d, err := devmux.NewWithLogger(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return d.Run(ctx)
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
