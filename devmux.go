// Package devmux embeds the devmux daemon: one TOML file describing the
// services of a local development environment, started in dependency order,
// health-probed, watched and restarted, with logs aggregated on a unix
// control socket. New wires the full stack; Run is the programmatic
// equivalent of `devmux up`.
package devmux

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/devmux/devmux/internal/config"
	"github.com/devmux/devmux/internal/ipc"
	"github.com/devmux/devmux/internal/journal"
	"github.com/devmux/devmux/internal/journal/factory"
	"github.com/devmux/devmux/internal/logging"
	"github.com/devmux/devmux/internal/metrics"
	"github.com/devmux/devmux/internal/server"
	"github.com/devmux/devmux/internal/supervisor"
	itls "github.com/devmux/devmux/internal/tls"
)

// Re-export the types external consumers touch. Aliases, so conversions are
// zero-cost.

type Config = config.Config

type Service = config.Service

type StatusRow = supervisor.StatusRow

// Load reads and validates a TOML config file.
func Load(path string) (*Config, error) { return config.Load(path) }

// shutdownWait bounds graceful teardown of services and listeners.
const shutdownWait = 30 * time.Second

// Daemon is a fully wired devmux instance: supervisor, IPC socket and the
// optional HTTP observability server.
type Daemon struct {
	cfg  *config.Config
	log  *slog.Logger
	sup  *supervisor.Supervisor
	ipc  *ipc.Server
	http *http.Server
	rec  *journal.Recorder
	sink journal.Sink

	stopReq  chan struct{}
	stopOnce sync.Once

	closeOnce sync.Once
	closeErr  error
}

// New builds a Daemon from a loaded config. Nothing runs until Run.
func New(cfg *Config) (*Daemon, error) {
	return NewWithLogger(cfg, nil)
}

// NewWithLogger is New with a caller-supplied logger. A nil log builds a
// text logger on stderr at the config's log_level.
func NewWithLogger(cfg *Config, log *slog.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	if log == nil {
		log = logging.New(os.Stderr, logging.Options{Level: logging.ParseLevel(cfg.LogLevel)})
	}
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return nil, err
	}

	var sink journal.Sink
	if cfg.Journal.DSN != "" {
		var err error
		sink, err = factory.FromDSN(cfg.Journal.DSN)
		if err != nil {
			return nil, err
		}
	}

	d := &Daemon{
		cfg:     cfg,
		log:     log,
		sink:    sink,
		rec:     journal.NewRecorder(sink, log),
		stopReq: make(chan struct{}),
	}

	sup, err := supervisor.New(cfg, supervisor.Options{
		Recorder: d.rec,
		Files:    &cfg.Log,
		Log:      log,
	})
	if err != nil {
		d.closeSink()
		return nil, err
	}
	d.sup = sup
	d.ipc = ipc.NewServer(cfg.Socket, sup, d.requestShutdown, log)

	if cfg.HTTP.Listen != "" {
		var tlsCfg *tls.Config
		if cfg.HTTP.AutoTLS {
			tlsCfg, err = itls.AutoConfig(filepath.Join(cfg.BaseDir, ".devmux", "tls"))
			if err != nil {
				d.closeSink()
				return nil, err
			}
		}
		d.http = server.NewServer(cfg.HTTP.Listen, sup, tlsCfg)
	}
	return d, nil
}

// Supervisor exposes the running supervisor, mainly for tests and embedders
// that want Status without a socket round trip.
func (d *Daemon) Supervisor() *supervisor.Supervisor { return d.sup }

// Socket returns the control socket path the daemon listens on.
func (d *Daemon) Socket() string { return d.cfg.Socket }

// Run starts the control socket, the optional HTTP server and every enabled
// service, then blocks until ctx is canceled or a shutdown request arrives
// over IPC. It tears everything down before returning.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.ipc.Start(); err != nil {
		return err
	}
	if d.http != nil {
		go d.serveHTTP()
	}

	d.log.Info("devmux up",
		"services", len(d.sup.Services()),
		"socket", d.cfg.Socket)
	if err := d.sup.StartAll(ctx); err != nil {
		// Individual failures stay local to their service; the daemon keeps
		// running so the operator can inspect and restart.
		d.log.Warn("startup incomplete", "err", err)
	}

	select {
	case <-ctx.Done():
		d.log.Info("signal received, shutting down")
	case <-d.stopReq:
		d.log.Info("shutdown requested over control socket")
	}
	return d.Close()
}

// Close stops all services, the HTTP server and the control socket, and
// flushes the journal. Safe to call more than once.
func (d *Daemon) Close() error {
	d.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownWait)
		defer cancel()

		if err := d.sup.Shutdown(ctx); err != nil {
			d.closeErr = err
		}
		if d.http != nil {
			if err := d.http.Shutdown(ctx); err != nil {
				_ = d.http.Close()
			}
		}
		// Socket last, so status keeps answering while services drain.
		_ = d.ipc.Close()
		_ = d.rec.Close()
		d.closeSink()
		d.log.Info("devmux down")
	})
	return d.closeErr
}

func (d *Daemon) serveHTTP() {
	var err error
	if d.http.TLSConfig != nil {
		d.log.Info("https listening", "addr", d.cfg.HTTP.Listen)
		err = d.http.ListenAndServeTLS("", "")
	} else {
		d.log.Info("http listening", "addr", d.cfg.HTTP.Listen)
		err = d.http.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		d.log.Error("http server failed", "addr", d.cfg.HTTP.Listen, "err", err)
	}
}

// requestShutdown is handed to the IPC server; the first shutdown request
// unblocks Run.
func (d *Daemon) requestShutdown() {
	d.stopOnce.Do(func() { close(d.stopReq) })
}

func (d *Daemon) closeSink() {
	if d.sink != nil {
		_ = d.sink.Close()
	}
}
