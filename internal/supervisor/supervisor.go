// Package supervisor coordinates the lifecycle of every configured service:
// dependency-ordered startup, graceful reverse-order shutdown, crash
// restarts with a ceiling, watch-triggered restarts, and health tracking.
// Each service is serialized through its own control loop; the supervisor
// only orchestrates across them.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/devmux/devmux/internal/config"
	"github.com/devmux/devmux/internal/graph"
	"github.com/devmux/devmux/internal/journal"
	"github.com/devmux/devmux/internal/loghub"
	"github.com/devmux/devmux/internal/logging"
	"github.com/devmux/devmux/internal/runner"
)

// NotFoundError names a service the supervisor does not manage.
type NotFoundError struct {
	Service string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("unknown service: %s", e.Service)
}

// Options wires the supervisor's collaborators. Zero values get defaults.
type Options struct {
	Hub       *loghub.Hub
	Recorder  *journal.Recorder
	Files     *logging.FileConfig
	Log       *slog.Logger
	StopGrace time.Duration
}

// Supervisor drives all enabled services of one configuration.
type Supervisor struct {
	cfg       *config.Config
	graph     *graph.Graph
	hub       *loghub.Hub
	rec       *journal.Recorder
	files     *logging.FileConfig
	log       *slog.Logger
	stopGrace time.Duration

	services map[string]*service
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New validates the dependency graph and spins up one control loop per
// enabled service. Nothing is started yet; call StartAll.
func New(cfg *config.Config, opts Options) (*Supervisor, error) {
	g, err := graph.Build(cfg.DependencyEdges())
	if err != nil {
		return nil, err
	}
	if opts.Hub == nil {
		opts.Hub = loghub.New(cfg.LogHistory)
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = runner.DefaultStopGrace
	}

	s := &Supervisor{
		cfg:       cfg,
		graph:     g,
		hub:       opts.Hub,
		rec:       opts.Recorder,
		files:     opts.Files,
		log:       opts.Log,
		stopGrace: opts.StopGrace,
		services:  make(map[string]*service),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	for name, svcCfg := range cfg.Enabled() {
		svc := newService(svcCfg, s)
		s.services[name] = svc
		s.wg.Add(1)
		go svc.loop(s.ctx)
	}
	return s, nil
}

// Hub exposes the log bus services publish into.
func (s *Supervisor) Hub() *loghub.Hub { return s.hub }

// Services returns the managed service names in dependency order.
func (s *Supervisor) Services() []string { return s.graph.Order() }

// Known reports whether name is a managed service.
func (s *Supervisor) Known(name string) bool {
	_, ok := s.services[name]
	return ok
}

// StartAll starts every service in dependency order. Services within a
// batch start concurrently; a batch member failing readiness blocks its
// transitive dependents but never its siblings or unrelated services.
// The first failure is returned after all startable services were tried.
func (s *Supervisor) StartAll(ctx context.Context) error {
	blocked := make(map[string]bool)
	var firstErr error
	for _, batch := range s.graph.Batches() {
		var mu sync.Mutex
		var failed []string
		g := new(errgroup.Group)
		for _, name := range batch {
			if blocked[name] {
				continue
			}
			svc := s.services[name]
			g.Go(func() error {
				if err := svc.start(ctx); err != nil {
					mu.Lock()
					failed = append(failed, name)
					mu.Unlock()
					return fmt.Errorf("start %s: %w", name, err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil && firstErr == nil {
			firstErr = err
		}
		for _, name := range failed {
			for _, dep := range s.graph.TransitiveDependents(name) {
				if !blocked[dep] {
					blocked[dep] = true
					s.services[dep].block(name)
				}
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return firstErr
}

// StopAll stops every service, dependents before their dependencies.
func (s *Supervisor) StopAll(ctx context.Context) error {
	var firstErr error
	for _, batch := range s.graph.ReverseBatches() {
		g := new(errgroup.Group)
		for _, name := range batch {
			svc := s.services[name]
			g.Go(func() error {
				if err := svc.stop(ctx); err != nil {
					return fmt.Errorf("stop %s: %w", name, err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stop stops the named services in reverse dependency order; an empty list
// means all of them. Unknown names fail before anything is stopped.
func (s *Supervisor) Stop(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return s.StopAll(ctx)
	}
	want := make(map[string]bool, len(names))
	for _, name := range names {
		if !s.Known(name) {
			return &NotFoundError{Service: name}
		}
		want[name] = true
	}
	var firstErr error
	for _, batch := range s.graph.ReverseBatches() {
		g := new(errgroup.Group)
		for _, name := range batch {
			if !want[name] {
				continue
			}
			svc := s.services[name]
			g.Go(func() error {
				if err := svc.stop(ctx); err != nil {
					return fmt.Errorf("stop %s: %w", name, err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Restart stops and starts one service, waiting for the new instance to
// reach readiness. The crash counter is reset.
func (s *Supervisor) Restart(ctx context.Context, name string) error {
	svc, ok := s.services[name]
	if !ok {
		return &NotFoundError{Service: name}
	}
	return svc.restart(ctx, "operator")
}

// Status returns one row per managed service, in dependency order.
func (s *Supervisor) Status() []StatusRow {
	order := s.graph.Order()
	rows := make([]StatusRow, 0, len(order))
	for _, name := range order {
		rows = append(rows, s.services[name].snapshot())
	}
	return rows
}

// Shutdown stops all services gracefully, then ends every control loop.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	err := s.StopAll(ctx)
	s.cancel()
	s.wg.Wait()
	return err
}
