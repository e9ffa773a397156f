// Package client talks to a running devmux daemon over its unix socket,
// one JSON request per line in, one or more JSON responses per line out.
// The CLI is built on it; tests and embedders can use it directly.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"
)

// Config holds client configuration.
type Config struct {
	Socket  string        // unix socket path, default matches the daemon's
	Timeout time.Duration // deadline for non-streaming requests
	Logger  *slog.Logger
}

// DefaultConfig points at the daemon's default socket.
func DefaultConfig() Config {
	return Config{
		Socket:  filepath.Join(os.TempDir(), "devmux.sock"),
		Timeout: 10 * time.Second,
	}
}

// Client is safe for concurrent use; every call dials its own connection.
type Client struct {
	socket  string
	timeout time.Duration
	log     *slog.Logger
}

func New(cfg Config) *Client {
	def := DefaultConfig()
	if cfg.Socket == "" {
		cfg.Socket = def.Socket
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{socket: cfg.Socket, timeout: cfg.Timeout, log: cfg.Logger}
}

// IsReachable reports whether a daemon answers on the socket.
func (c *Client) IsReachable(ctx context.Context) bool {
	_, err := c.Status(ctx)
	if err != nil {
		c.log.Debug("daemon unreachable", "socket", c.socket, "err", err)
	}
	return err == nil
}

// Status fetches the row per service, dependency order.
func (c *Client) Status(ctx context.Context) ([]Status, error) {
	resp, err := c.roundTrip(ctx, request{Type: kindStatus})
	if err != nil {
		return nil, err
	}
	if resp.Type != kindStatus {
		return nil, fmt.Errorf("unexpected response type %q", resp.Type)
	}
	return resp.Rows, nil
}

// Stop stops the named services, or every service when none are named.
func (c *Client) Stop(ctx context.Context, services ...string) error {
	resp, err := c.roundTrip(ctx, request{Type: kindStop, Services: services})
	if err != nil {
		return err
	}
	return expectOK(resp)
}

// Restart restarts one service and waits for it to come back up.
func (c *Client) Restart(ctx context.Context, service string) error {
	resp, err := c.roundTrip(ctx, request{Type: kindRestart, Service: service})
	if err != nil {
		return err
	}
	return expectOK(resp)
}

// Shutdown asks the daemon to stop everything and exit.
func (c *Client) Shutdown(ctx context.Context) error {
	resp, err := c.roundTrip(ctx, request{Type: kindShutdown})
	if err != nil {
		return err
	}
	return expectOK(resp)
}

// History fetches up to lines retained entries for one service; lines <= 0
// means everything the daemon kept.
func (c *Client) History(ctx context.Context, service string, lines int) ([]LogEntry, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()
	if c.timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.timeout))
	}
	if err := send(conn, request{Type: kindHistory, Service: service, Lines: lines}); err != nil {
		return nil, err
	}

	r := bufio.NewReader(conn)
	var entries []LogEntry
	for {
		resp, err := read(r)
		if errors.Is(err, io.EOF) {
			return entries, nil
		}
		if err != nil {
			return nil, err
		}
		if resp.Type == kindError {
			return nil, fmt.Errorf("daemon: %s", resp.Msg)
		}
		entries = append(entries, LogEntry{Service: resp.Service, Line: resp.Line})
	}
}

// Logs streams live log lines for one service to fn. With follow it runs
// until ctx is cancelled, the daemon goes away, or fn returns an error;
// without, the daemon has nothing to stream and the call completes at once
// (retained output goes through History). Error lines after the stream has
// begun are gap notices and arrive through fn with Err set.
func (c *Client) Logs(ctx context.Context, service string, follow bool, fn func(LogEntry) error) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	// unblock the reader on cancellation
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	if err := send(conn, request{Type: kindLogs, Service: service, Follow: follow}); err != nil {
		return err
	}

	r := bufio.NewReader(conn)
	delivered := false
	for {
		resp, err := read(r)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		switch resp.Type {
		case kindLog:
			if err := fn(LogEntry{Service: resp.Service, Line: resp.Line}); err != nil {
				return err
			}
			delivered = true
		case kindOK:
			// end of a no-follow stream
			return nil
		case kindError:
			// before the first line it is a request failure, after it a gap
			if !delivered {
				return fmt.Errorf("daemon: %s", resp.Msg)
			}
			if err := fn(LogEntry{Service: service, Err: resp.Msg}); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unexpected response type %q", resp.Type)
		}
	}
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socket)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.socket, err)
	}
	return conn, nil
}

// roundTrip sends one request and reads one response on a fresh connection.
func (c *Client) roundTrip(ctx context.Context, req request) (response, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return response{}, err
	}
	defer func() { _ = conn.Close() }()
	if c.timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.timeout))
	}
	if err := send(conn, req); err != nil {
		return response{}, err
	}
	return read(bufio.NewReader(conn))
}

func send(conn net.Conn, req request) error {
	b, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	if _, err := conn.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	return nil
}

func read(r *bufio.Reader) (response, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return response{}, err
	}
	var resp response
	if err := json.Unmarshal(line, &resp); err != nil {
		return response{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}

func expectOK(resp response) error {
	switch resp.Type {
	case kindOK:
		return nil
	case kindError:
		return fmt.Errorf("daemon: %s", resp.Msg)
	default:
		return fmt.Errorf("unexpected response type %q", resp.Type)
	}
}
