package ipc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/devmux/devmux/internal/loghub"
	"github.com/devmux/devmux/internal/metrics"
	"github.com/devmux/devmux/internal/supervisor"
)

// maxRequestLine bounds a single client request line.
const maxRequestLine = 256 * 1024

// Server accepts control connections on a unix socket. A stale socket file
// from a previous run is removed before binding; the fresh socket is only
// accessible to the owning user.
type Server struct {
	socket   string
	sup      *supervisor.Supervisor
	shutdown func() // invoked once on a shutdown request
	log      *slog.Logger

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	closed bool

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewServer wires the socket path to the supervisor. shutdown may be nil,
// disabling the shutdown request.
func NewServer(socket string, sup *supervisor.Supervisor, shutdown func(), log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		socket:   socket,
		sup:      sup,
		shutdown: shutdown,
		log:      log,
		conns:    make(map[net.Conn]struct{}),
		done:     make(chan struct{}),
	}
}

// Start binds the socket and serves connections until Close.
func (s *Server) Start() error {
	_ = os.Remove(s.socket)
	ln, err := net.Listen("unix", s.socket)
	if err != nil {
		return fmt.Errorf("ipc bind %s: %w", s.socket, err)
	}
	if err := os.Chmod(s.socket, 0o600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("ipc socket permissions: %w", err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.log.Debug("ipc listening", "socket", s.socket)

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Close stops accepting, disconnects every client, and removes the socket
// file. Safe to call more than once.
func (s *Server) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		ln := s.ln
		for c := range s.conns {
			_ = c.Close()
		}
		s.mu.Unlock()
		if ln != nil {
			_ = ln.Close()
		}
	})
	s.wg.Wait()
	_ = os.Remove(s.socket)
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("ipc accept error", "err", err)
			continue
		}
		if !s.track(conn) {
			_ = conn.Close()
			return
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// handleConn serves one client. A malformed line produces an error response
// and keeps the connection usable; a history request ends the connection
// after the dump, matching the CLI's one-shot use.
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer func() { _ = conn.Close() }()

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 16*1024), maxRequestLine)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			_ = s.write(conn, Response{Type: KindError, Msg: "bad request: " + err.Error()})
			continue
		}

		switch req.Type {
		case KindStatus:
			metrics.IncIPCRequest(KindStatus)
			_ = s.write(conn, Response{Type: KindStatus, Rows: s.sup.Status()})

		case KindStop:
			metrics.IncIPCRequest(KindStop)
			if err := s.sup.Stop(context.Background(), req.Services); err != nil {
				_ = s.write(conn, Response{Type: KindError, Msg: err.Error()})
				continue
			}
			_ = s.write(conn, Response{Type: KindOK})

		case KindRestart:
			metrics.IncIPCRequest(KindRestart)
			if req.Service == "" {
				_ = s.write(conn, Response{Type: KindError, Msg: "restart requires a service"})
				continue
			}
			if err := s.sup.Restart(context.Background(), req.Service); err != nil {
				_ = s.write(conn, Response{Type: KindError, Msg: err.Error()})
				continue
			}
			_ = s.write(conn, Response{Type: KindOK})

		case KindLogs:
			metrics.IncIPCRequest(KindLogs)
			if req.Service != "" && !s.sup.Known(req.Service) {
				_ = s.write(conn, Response{Type: KindError, Msg: "unknown service: " + req.Service})
				continue
			}
			if !req.Follow {
				// live-only stream with no backlog to send; retained
				// output goes through History
				_ = s.write(conn, Response{Type: KindOK})
				continue
			}
			s.streamLogs(conn, req.Service)

		case KindHistory:
			metrics.IncIPCRequest(KindHistory)
			if req.Service != "" && !s.sup.Known(req.Service) {
				_ = s.write(conn, Response{Type: KindError, Msg: "unknown service: " + req.Service})
				continue
			}
			for _, e := range s.sup.Hub().History(req.Service, req.Lines) {
				if err := s.write(conn, Response{Type: KindLog, Service: e.Service, Line: e.Line}); err != nil {
					break
				}
			}
			return

		case KindShutdown:
			metrics.IncIPCRequest(KindShutdown)
			if s.shutdown == nil {
				_ = s.write(conn, Response{Type: KindError, Msg: "shutdown not supported"})
				continue
			}
			_ = s.write(conn, Response{Type: KindOK})
			go s.shutdown()
			return

		default:
			metrics.IncIPCRequest("unknown")
			_ = s.write(conn, Response{Type: KindError, Msg: fmt.Sprintf("unknown request type %q", req.Type)})
		}
	}
}

// streamLogs forwards live entries until the client disconnects, the hub
// closes, or the server shuts down. Entries the subscriber missed are
// reported as an error line rather than silently skipped.
func (s *Server) streamLogs(conn net.Conn, service string) {
	sub := s.sup.Hub().Subscribe(service, 0)
	defer s.sup.Hub().Unsubscribe(sub)

	var reported uint64
	for {
		select {
		case e, ok := <-sub.C():
			if !ok {
				return
			}
			if err := s.write(conn, Response{Type: KindLog, Service: e.Service, Line: e.Line}); err != nil {
				return
			}
			if lag := sub.Lagged(); lag > reported {
				lagErr := &loghub.LagError{Dropped: lag - reported}
				reported = lag
				if err := s.write(conn, Response{Type: KindError, Msg: lagErr.Error()}); err != nil {
					return
				}
			}
		case <-s.done:
			return
		}
	}
}

// write encodes one response line. Encoding failures degrade to a fixed
// error line so the client never sees a torn response.
func (s *Server) write(conn net.Conn, resp Response) error {
	b, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("ipc response serialize failed", "err", err)
		b = []byte(serializeFallback)
	}
	b = append(b, '\n')
	_, werr := conn.Write(b)
	return werr
}
