package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/devmux/devmux/pkg/client"
)

type command struct {
	flags *GlobalFlags
}

func defaultSocket() string {
	return client.DefaultConfig().Socket
}

func (c *command) socket() string {
	if c.flags.Socket != "" {
		return c.flags.Socket
	}
	return defaultSocket()
}

// dial builds a client and verifies the daemon answers before the real
// request goes out, so a dead daemon produces one clear message.
func (c *command) dial(ctx context.Context) (*client.Client, error) {
	cl := client.New(client.Config{Socket: c.socket(), Timeout: c.flags.Timeout})
	if !cl.IsReachable(ctx) {
		return nil, fmt.Errorf("daemon not reachable at %s - start it first with 'devmux up'", c.socket())
	}
	return cl, nil
}

// Down asks the daemon to stop everything and exit.
func (c *command) Down(ctx context.Context) error {
	cl, err := c.dial(ctx)
	if err != nil {
		return err
	}
	if err := cl.Shutdown(ctx); err != nil {
		return err
	}
	fmt.Println("devmux daemon stopping")
	return nil
}

// Status prints the service table.
func (c *command) Status(ctx context.Context, w io.Writer) error {
	cl, err := c.dial(ctx)
	if err != nil {
		return err
	}
	rows, err := cl.Status(ctx)
	if err != nil {
		return err
	}
	renderStatus(w, rows)
	return nil
}

// Stop stops the named services, or everything when none are named.
func (c *command) Stop(ctx context.Context, services []string) error {
	cl, err := c.dial(ctx)
	if err != nil {
		return err
	}
	if err := cl.Stop(ctx, services...); err != nil {
		return err
	}
	if len(services) == 0 {
		fmt.Println("stopped all services")
	} else {
		fmt.Printf("stopped %s\n", strings.Join(services, ", "))
	}
	return nil
}

// Restart restarts one service.
func (c *command) Restart(ctx context.Context, service string) error {
	cl, err := c.dial(ctx)
	if err != nil {
		return err
	}
	if err := cl.Restart(ctx, service); err != nil {
		return err
	}
	fmt.Printf("restarted %s\n", service)
	return nil
}

// Logs prints retained lines, or streams new ones with follow. Interrupt
// ends a follow cleanly.
func (c *command) Logs(ctx context.Context, service string, follow bool, w io.Writer) error {
	cl, err := c.dial(ctx)
	if err != nil {
		return err
	}
	if !follow {
		entries, err := cl.History(ctx, service, 0)
		if err != nil {
			return err
		}
		for _, e := range entries {
			printEntry(w, service, e)
		}
		return nil
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	err = cl.Logs(ctx, service, true, func(e client.LogEntry) error {
		printEntry(w, service, e)
		return nil
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// History dumps the retained log buffer, oldest first.
func (c *command) History(ctx context.Context, service string, lines int, w io.Writer) error {
	cl, err := c.dial(ctx)
	if err != nil {
		return err
	}
	entries, err := cl.History(ctx, service, lines)
	if err != nil {
		return err
	}
	for _, e := range entries {
		printEntry(w, service, e)
	}
	return nil
}

// printEntry writes one log entry. Lines are prefixed with the service name
// when the request spanned all services; gap notices go to stderr.
func printEntry(w io.Writer, requested string, e client.LogEntry) {
	if e.Err != "" {
		_, _ = fmt.Fprintf(os.Stderr, "devmux: %s\n", e.Err)
		return
	}
	if requested == "" {
		_, _ = fmt.Fprintf(w, "%s | %s\n", e.Service, e.Line)
		return
	}
	_, _ = fmt.Fprintln(w, e.Line)
}

func renderStatus(w io.Writer, rows []client.Status) {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SERVICE\tSTATE\tHEALTH\tPID\tPORT\tRESTARTS\tUPTIME\tINFO")
	for _, r := range rows {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			r.Service, r.State, orDash(r.Health), fmtNum(r.PID), fmtNum(r.Port),
			r.Restarts, uptime(r), statusInfo(r))
	}
	_ = tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func fmtNum(n int) string {
	if n == 0 {
		return "-"
	}
	return strconv.Itoa(n)
}

func uptime(r client.Status) string {
	if r.PID == 0 || r.StartedAt.IsZero() {
		return "-"
	}
	return time.Since(r.StartedAt).Truncate(time.Second).String()
}

func statusInfo(r client.Status) string {
	switch {
	case r.Exit != "":
		return r.Exit
	case r.BlockedBy != "":
		return "blocked by " + r.BlockedBy
	default:
		return ""
	}
}
