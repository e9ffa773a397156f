package main

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
)

// daemonize re-executes the current binary detached from the terminal in a
// new session, then exits the parent. The child runs the plain foreground
// path of up because the detach flags are stripped from its argument list.
func daemonize(logFile string) error {
	if os.Getppid() == 1 {
		// Already running as a daemon.
		return nil
	}

	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	// #nosec G204 -- re-exec of our own binary
	cmd := exec.Command(executable, stripDetachArgs(os.Args[1:])...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}
	cmd.Stdin = nil

	if logFile != "" {
		// #nosec G304 -- operator-chosen log path
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		cmd.Stdout = f
		cmd.Stderr = f
	} else {
		cmd.Stdout = nil
		cmd.Stderr = nil
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	fmt.Printf("devmux daemon started with PID %d\n", cmd.Process.Pid)

	os.Exit(0)
	return nil
}

// stripDetachArgs removes -d/--detach and --logfile from an argument list
// so the re-executed child takes the foreground path.
func stripDetachArgs(args []string) []string {
	var out []string
	skipNext := false
	for _, arg := range args {
		if skipNext {
			skipNext = false
			continue
		}
		switch {
		case arg == "-d" || arg == "--detach":
		case arg == "--logfile":
			skipNext = true
		case strings.HasPrefix(arg, "--logfile="):
		default:
			out = append(out, arg)
		}
	}
	return out
}
