package supervisor

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/devmux/devmux/internal/config"
	"github.com/devmux/devmux/internal/graph"
	"github.com/devmux/devmux/internal/journal"
)

type fakeSink struct {
	mu     sync.Mutex
	events []journal.Event
}

func (f *fakeSink) Send(_ context.Context, e journal.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func (f *fakeSink) Close() error { return nil }

func (f *fakeSink) count(svc string, t journal.EventType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.Service == svc && e.Type == t {
			n++
		}
	}
	return n
}

func newTestSupervisor(t *testing.T, svcs map[string]config.Service, opts Options) *Supervisor {
	t.Helper()
	services := make(map[string]config.Service, len(svcs))
	for name, svc := range svcs {
		svc.Name = name
		if svc.Restart.Interval == 0 {
			svc.Restart.Interval = 50 * time.Millisecond
		}
		services[name] = svc
	}
	cfg := &config.Config{
		LogHistory: 64,
		Restart:    config.Restart{Max: 5, Interval: 50 * time.Millisecond},
		Services:   services,
	}
	sup, err := New(cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
	})
	return sup
}

func waitFor(t *testing.T, sup *Supervisor, name, what string, pred func(StatusRow) bool) StatusRow {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		for _, row := range sup.Status() {
			if row.Service == name && pred(row) {
				return row
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s to reach %s; rows: %+v", name, what, sup.Status())
	return StatusRow{}
}

func waitState(t *testing.T, sup *Supervisor, name, state string) StatusRow {
	t.Helper()
	return waitFor(t, sup, name, state, func(r StatusRow) bool { return r.State == state })
}

func testListener(t *testing.T) (net.Listener, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln, ln.Addr().(*net.TCPAddr).Port
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestStartAllDependencyOrder(t *testing.T) {
	ln, port := testListener(t)
	defer func() { _ = ln.Close() }()

	sup := newTestSupervisor(t, map[string]config.Service{
		"db": {
			Cmd:  "sleep 30",
			Port: port,
			Health: &config.Health{
				Type:     "tcp",
				Interval: 20 * time.Millisecond,
				Timeout:  200 * time.Millisecond,
				Retries:  3,
			},
		},
		"web": {Cmd: "sleep 30", DependsOn: []string{"db"}},
	}, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	require.NoError(t, sup.StartAll(ctx))

	db := waitState(t, sup, "db", "running")
	web := waitState(t, sup, "web", "running")
	require.Equal(t, "healthy", db.Health)
	require.Empty(t, web.Health)
	require.False(t, web.StartedAt.Before(db.StartedAt))
}

func TestSpawnFailureBlocksDependentsNotSiblings(t *testing.T) {
	sup := newTestSupervisor(t, map[string]config.Service{
		"db":    {Cmd: "echo up", Dir: filepath.Join(t.TempDir(), "missing")},
		"web":   {Cmd: "sleep 30", DependsOn: []string{"db"}},
		"api":   {Cmd: "sleep 30", DependsOn: []string{"web"}},
		"cache": {Cmd: "sleep 30"},
	}, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	err := sup.StartAll(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "db")

	waitState(t, sup, "db", "failed")
	web := waitState(t, sup, "web", "blocked")
	require.Equal(t, "db", web.BlockedBy)
	api := waitState(t, sup, "api", "blocked")
	require.Equal(t, "db", api.BlockedBy)
	waitState(t, sup, "cache", "running")
}

func TestUnhealthyDependencyBlocksDependents(t *testing.T) {
	// nothing listens on this port, so the probe can never succeed
	ln, port := testListener(t)
	require.NoError(t, ln.Close())

	sup := newTestSupervisor(t, map[string]config.Service{
		"db": {
			Cmd:  "sleep 30",
			Port: port,
			Health: &config.Health{
				Type:     "tcp",
				Interval: 20 * time.Millisecond,
				Timeout:  100 * time.Millisecond,
				Retries:  2,
			},
		},
		"web": {Cmd: "sleep 30", DependsOn: []string{"db"}},
	}, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	err := sup.StartAll(ctx)
	require.Error(t, err)

	db := waitFor(t, sup, "db", "running+unhealthy", func(r StatusRow) bool {
		return r.State == "running" && r.Health == "unhealthy"
	})
	require.NotZero(t, db.PID)
	web := waitState(t, sup, "web", "blocked")
	require.Equal(t, "db", web.BlockedBy)
}

func TestCrashRestartCeiling(t *testing.T) {
	sink := &fakeSink{}
	rec := journal.NewRecorder(sink, nil)
	defer func() { _ = rec.Close() }()

	sup := newTestSupervisor(t, map[string]config.Service{
		"flappy": {Cmd: "exit 1", Restart: config.Restart{Max: 2, Interval: 30 * time.Millisecond}},
	}, Options{Recorder: rec})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = sup.StartAll(ctx)

	row := waitState(t, sup, "flappy", "failed")
	require.Equal(t, 2, row.Restarts)
	require.Contains(t, row.Exit, "exit code 1")

	require.NoError(t, rec.Close())
	require.Equal(t, 2, sink.count("flappy", journal.EventRestarting))
	require.Equal(t, 3, sink.count("flappy", journal.EventExited))
	require.Equal(t, 1, sink.count("flappy", journal.EventFailed))
}

func TestOperatorRestartResetsCrashCounter(t *testing.T) {
	sup := newTestSupervisor(t, map[string]config.Service{
		"flappy": {Cmd: "exit 1", Restart: config.Restart{Max: 1, Interval: 30 * time.Millisecond}},
	}, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = sup.StartAll(ctx)
	waitState(t, sup, "flappy", "failed")

	// the reset allows a fresh crash-restart cycle instead of failing at once
	_ = sup.Restart(ctx, "flappy")
	waitFor(t, sup, "flappy", "restarting after reset", func(r StatusRow) bool {
		return r.State == "restarting" || r.State == "failed"
	})
	row := waitState(t, sup, "flappy", "failed")
	require.GreaterOrEqual(t, row.Restarts, 3)
}

func TestStopEscalatesToKillAfterGrace(t *testing.T) {
	sup := newTestSupervisor(t, map[string]config.Service{
		"stubborn": {Cmd: "trap '' TERM; while true; do sleep 1; done"},
	}, Options{StopGrace: 300 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	require.NoError(t, sup.StartAll(ctx))
	waitState(t, sup, "stubborn", "running")

	begin := time.Now()
	require.NoError(t, sup.Stop(ctx, []string{"stubborn"}))
	require.GreaterOrEqual(t, time.Since(begin), 300*time.Millisecond)
	waitState(t, sup, "stubborn", "stopped")
}

func TestGracefulStopBeforeGrace(t *testing.T) {
	sup := newTestSupervisor(t, map[string]config.Service{
		"svc": {Cmd: "sleep 30"},
	}, Options{StopGrace: 5 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	require.NoError(t, sup.StartAll(ctx))
	waitState(t, sup, "svc", "running")

	begin := time.Now()
	require.NoError(t, sup.Stop(ctx, []string{"svc"}))
	require.Less(t, time.Since(begin), 3*time.Second)
}

func TestWatchTriggersRestart(t *testing.T) {
	dir := t.TempDir()
	sup := newTestSupervisor(t, map[string]config.Service{
		"web": {
			Cmd:   "sleep 30",
			Watch: &config.Watch{Paths: []string{dir}, Restart: true},
		},
	}, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	require.NoError(t, sup.StartAll(ctx))
	first := waitState(t, sup, "web", "running")

	// give the watcher a moment to arm before changing files
	time.Sleep(200 * time.Millisecond)
	writeFile(t, filepath.Join(dir, "main.go"), "package main\n")

	row := waitFor(t, sup, "web", "restarted with new pid", func(r StatusRow) bool {
		return r.State == "running" && r.PID != 0 && r.PID != first.PID
	})
	require.Equal(t, 1, row.Restarts)
}

func TestHealthTransitionsWhileRunning(t *testing.T) {
	ln, port := testListener(t)

	sup := newTestSupervisor(t, map[string]config.Service{
		"db": {
			Cmd:  "sleep 30",
			Port: port,
			Health: &config.Health{
				Type:     "tcp",
				Interval: 20 * time.Millisecond,
				Timeout:  100 * time.Millisecond,
				Retries:  2,
			},
		},
	}, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	require.NoError(t, sup.StartAll(ctx))
	waitFor(t, sup, "db", "healthy", func(r StatusRow) bool { return r.Health == "healthy" })

	require.NoError(t, ln.Close())
	waitFor(t, sup, "db", "unhealthy", func(r StatusRow) bool { return r.Health == "unhealthy" })
}

func TestStopDuringRestartWindowCancelsRetry(t *testing.T) {
	sup := newTestSupervisor(t, map[string]config.Service{
		"flappy": {Cmd: "exit 1", Restart: config.Restart{Max: 5, Interval: 5 * time.Second}},
	}, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = sup.StartAll(ctx)
	waitState(t, sup, "flappy", "restarting")

	require.NoError(t, sup.Stop(ctx, []string{"flappy"}))
	row := waitState(t, sup, "flappy", "stopped")
	restarts := row.Restarts

	time.Sleep(300 * time.Millisecond)
	require.Equal(t, restarts, sup.Status()[0].Restarts)
	require.Equal(t, "stopped", sup.Status()[0].State)
}

func TestStopNeverStartedService(t *testing.T) {
	sup := newTestSupervisor(t, map[string]config.Service{
		"idle": {Cmd: "sleep 30"},
	}, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	require.NoError(t, sup.Stop(ctx, []string{"idle"}))
	require.Equal(t, "stopped", sup.Status()[0].State)
	// idempotent
	require.NoError(t, sup.Stop(ctx, []string{"idle"}))
}

func TestUnknownServiceErrors(t *testing.T) {
	sup := newTestSupervisor(t, map[string]config.Service{
		"web": {Cmd: "sleep 30"},
	}, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var nf *NotFoundError
	require.ErrorAs(t, sup.Restart(ctx, "ghost"), &nf)
	require.Equal(t, "ghost", nf.Service)
	require.ErrorAs(t, sup.Stop(ctx, []string{"ghost"}), &nf)
	require.False(t, sup.Known("ghost"))
	require.True(t, sup.Known("web"))
}

func TestStatusRowsInDependencyOrder(t *testing.T) {
	sup := newTestSupervisor(t, map[string]config.Service{
		"web": {Cmd: "sleep 30", DependsOn: []string{"db"}},
		"db":  {Cmd: "sleep 30"},
	}, Options{})

	rows := sup.Status()
	require.Len(t, rows, 2)
	require.Equal(t, "db", rows[0].Service)
	require.Equal(t, "web", rows[1].Service)
	require.Equal(t, []string{"db", "web"}, sup.Services())
}

func TestRestartWhileRunning(t *testing.T) {
	sink := &fakeSink{}
	rec := journal.NewRecorder(sink, nil)

	sup := newTestSupervisor(t, map[string]config.Service{
		"web": {Cmd: "sleep 30"},
	}, Options{Recorder: rec})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	require.NoError(t, sup.StartAll(ctx))
	first := waitState(t, sup, "web", "running")

	require.NoError(t, sup.Restart(ctx, "web"))
	row := waitFor(t, sup, "web", "running with new pid", func(r StatusRow) bool {
		return r.State == "running" && r.PID != first.PID
	})
	require.Equal(t, 1, row.Restarts)

	require.NoError(t, rec.Close())
	require.Equal(t, 2, sink.count("web", journal.EventStarted))
	require.Equal(t, 1, sink.count("web", journal.EventStopped))
	require.Equal(t, 1, sink.count("web", journal.EventRestarting))
}

func TestShutdownStopsEverything(t *testing.T) {
	sup := newTestSupervisor(t, map[string]config.Service{
		"a": {Cmd: "sleep 30"},
		"b": {Cmd: "sleep 30", DependsOn: []string{"a"}},
	}, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	require.NoError(t, sup.StartAll(ctx))
	waitState(t, sup, "a", "running")
	waitState(t, sup, "b", "running")

	require.NoError(t, sup.Shutdown(ctx))
	for _, row := range sup.Status() {
		require.Equal(t, "stopped", row.State)
	}

	err := sup.Restart(ctx, "a")
	require.Error(t, err)
}

func TestStartIdempotentWhileRunning(t *testing.T) {
	sup := newTestSupervisor(t, map[string]config.Service{
		"web": {Cmd: "sleep 30"},
	}, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	require.NoError(t, sup.StartAll(ctx))
	first := waitState(t, sup, "web", "running")

	require.NoError(t, sup.StartAll(ctx))
	require.Equal(t, first.PID, waitState(t, sup, "web", "running").PID)
}

func TestNewRejectsCycle(t *testing.T) {
	cfg := &config.Config{
		LogHistory: 16,
		Services: map[string]config.Service{
			"a": {Name: "a", Cmd: "true", DependsOn: []string{"b"}},
			"b": {Name: "b", Cmd: "true", DependsOn: []string{"a"}},
		},
	}
	_, err := New(cfg, Options{})
	require.Error(t, err)

	var cerr *graph.CycleError
	require.ErrorAs(t, err, &cerr)
}
