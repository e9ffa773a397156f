package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/devmux/devmux/internal/config"
	"github.com/devmux/devmux/internal/health"
	"github.com/devmux/devmux/internal/journal"
	"github.com/devmux/devmux/internal/metrics"
	"github.com/devmux/devmux/internal/runner"
	"github.com/devmux/devmux/internal/watcher"
)

// Status is the lifecycle state of one supervised service.
type Status int

const (
	StatusPending Status = iota
	StatusBlocked
	StatusStarting
	StatusRunning
	StatusStopping
	StatusStopped
	StatusRestarting
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusBlocked:
		return "blocked"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	case StatusStopped:
		return "stopped"
	case StatusRestarting:
		return "restarting"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// StatusRow is one service's externally visible state.
type StatusRow struct {
	Service   string    `json:"service"`
	State     string    `json:"state"`
	Health    string    `json:"health,omitempty"`
	PID       int       `json:"pid,omitempty"`
	Port      int       `json:"port,omitempty"`
	Restarts  int       `json:"restarts"`
	StartedAt time.Time `json:"started_at"`
	Exit      string    `json:"exit,omitempty"`
	BlockedBy string    `json:"blocked_by,omitempty"`
}

type ctrlType int

const (
	ctrlStart ctrlType = iota
	ctrlStop
	ctrlRestart
	ctrlBlock
	ctrlWatch
	ctrlHealth
)

// ctrlMsg serializes every lifecycle operation through the service loop.
// reason carries the restart trigger ("operator" or "watch"), dep the failed
// dependency for blocks, paths the changed files for watch bursts.
type ctrlMsg struct {
	typ    ctrlType
	reason string
	dep    string
	paths  []string
	tr     health.Transition
	reply  chan error
}

// service owns one supervised process. All state below the mutex is touched
// only by the loop goroutine; the mutex guards the row snapshot read by
// Status callers.
type service struct {
	cfg config.Service
	sup *Supervisor
	log *slog.Logger

	ctrl chan ctrlMsg

	mu  sync.Mutex
	row StatusRow

	status       Status
	handle       *runner.Handle
	lastExit     runner.ExitStatus
	lastFailure  string
	blockedBy    string
	startedAt    time.Time
	restarts     int
	crashes      int
	healthState  health.State
	healthCancel context.CancelFunc
	watch        *watcher.Watcher

	startWaiters   []chan error
	stopWaiters    []chan error
	pendingRestart bool

	restartTimer *time.Timer
	restartC     <-chan time.Time
	graceTimer   *time.Timer
	graceC       <-chan time.Time
}

func newService(cfg config.Service, sup *Supervisor) *service {
	s := &service{
		cfg:    cfg,
		sup:    sup,
		log:    sup.log.With("service", cfg.Name),
		ctrl:   make(chan ctrlMsg, 16),
		status: StatusPending,
	}
	s.row = StatusRow{Service: cfg.Name, State: StatusPending.String(), Port: cfg.Port}
	return s
}

// start asks the loop to start the service and waits until it is ready:
// running, or healthy when a health spec is declared.
func (s *service) start(ctx context.Context) error {
	return s.send(ctx, ctrlMsg{typ: ctrlStart})
}

// stop asks the loop to stop the service and waits until it has exited.
func (s *service) stop(ctx context.Context) error {
	return s.send(ctx, ctrlMsg{typ: ctrlStop})
}

// restart stops then starts the service, waiting for readiness of the new
// instance.
func (s *service) restart(ctx context.Context, reason string) error {
	return s.send(ctx, ctrlMsg{typ: ctrlRestart, reason: reason})
}

// block marks a never-started service as blocked on a failed dependency.
func (s *service) block(dep string) {
	select {
	case s.ctrl <- ctrlMsg{typ: ctrlBlock, dep: dep}:
	case <-s.sup.ctx.Done():
	}
}

func (s *service) send(ctx context.Context, msg ctrlMsg) error {
	msg.reply = make(chan error, 1)
	select {
	case s.ctrl <- msg:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.sup.ctx.Done():
		return fmt.Errorf("supervisor shutting down")
	}
	select {
	case err := <-msg.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.sup.ctx.Done():
		return fmt.Errorf("supervisor shutting down")
	}
}

// snapshot returns the current status row.
func (s *service) snapshot() StatusRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.row
}

// loop is the single goroutine that owns the service state machine.
func (s *service) loop(ctx context.Context) {
	defer s.sup.wg.Done()
	for {
		var exitC <-chan runner.ExitStatus
		if s.handle != nil {
			exitC = s.handle.Wait()
		}
		select {
		case <-ctx.Done():
			s.teardown()
			return
		case msg := <-s.ctrl:
			s.dispatch(ctx, msg)
		case st := <-exitC:
			s.handleExit(ctx, st)
		case <-s.restartC:
			s.restartTimer = nil
			s.restartC = nil
			s.doStart(ctx)
		case <-s.graceC:
			s.graceTimer = nil
			s.graceC = nil
			if s.handle != nil {
				s.log.Warn("stop grace period expired, killing process group", "pid", s.handle.PID())
				s.handle.Kill()
			}
		}
	}
}

func (s *service) dispatch(ctx context.Context, msg ctrlMsg) {
	switch msg.typ {
	case ctrlStart:
		s.handleStartReq(ctx, msg.reply)
	case ctrlStop:
		s.handleStopReq(msg.reply)
	case ctrlRestart:
		s.handleRestartReq(ctx, msg.reason, msg.reply)
	case ctrlBlock:
		s.handleBlock(msg.dep)
		if msg.reply != nil {
			msg.reply <- nil
		}
	case ctrlWatch:
		s.handleWatch(ctx, msg.paths)
	case ctrlHealth:
		s.handleHealth(msg.tr)
	}
}

func (s *service) handleStartReq(ctx context.Context, reply chan error) {
	switch s.status {
	case StatusRunning:
		// ready already, or still probing toward readiness
		if s.cfg.Health == nil || s.healthState == health.StateHealthy {
			reply <- nil
			return
		}
		if s.healthState == health.StateUnhealthy {
			reply <- fmt.Errorf("service %s is running but unhealthy", s.cfg.Name)
			return
		}
		s.startWaiters = append(s.startWaiters, reply)
	case StatusStopping:
		s.pendingRestart = true
		s.startWaiters = append(s.startWaiters, reply)
	default:
		s.cancelRestartTimer()
		s.crashes = 0
		s.startWaiters = append(s.startWaiters, reply)
		s.doStart(ctx)
	}
}

func (s *service) handleStopReq(reply chan error) {
	switch s.status {
	case StatusRunning:
		s.stopWaiters = append(s.stopWaiters, reply)
		s.pendingRestart = false
		s.doStop()
	case StatusStopping:
		s.pendingRestart = false
		s.stopWaiters = append(s.stopWaiters, reply)
	case StatusRestarting:
		s.cancelRestartTimer()
		s.record(journal.EventStopped, "restart cancelled")
		s.setStatus(StatusStopped)
		reply <- nil
	case StatusPending, StatusBlocked:
		s.setStatus(StatusStopped)
		reply <- nil
	default: // stopped, failed
		reply <- nil
	}
}

func (s *service) handleRestartReq(ctx context.Context, reason string, reply chan error) {
	s.crashes = 0
	s.restarts++
	metrics.IncRestart(s.cfg.Name, reason)
	switch s.status {
	case StatusRunning:
		s.record(journal.EventRestarting, reason)
		s.pendingRestart = true
		s.startWaiters = append(s.startWaiters, reply)
		s.doStop()
	case StatusStopping:
		s.pendingRestart = true
		s.startWaiters = append(s.startWaiters, reply)
	case StatusRestarting:
		s.cancelRestartTimer()
		s.startWaiters = append(s.startWaiters, reply)
		s.doStart(ctx)
	default: // pending, blocked, stopped, failed
		s.startWaiters = append(s.startWaiters, reply)
		s.doStart(ctx)
	}
}

func (s *service) handleBlock(dep string) {
	if s.status != StatusPending {
		return
	}
	s.blockedBy = dep
	s.log.Warn("dependency failed, service blocked", "dependency", dep)
	s.record(journal.EventBlocked, "dependency "+dep+" failed")
	s.setStatus(StatusBlocked)
	s.resolveStart(fmt.Errorf("blocked: dependency %s failed", dep))
}

func (s *service) handleWatch(ctx context.Context, paths []string) {
	if !s.cfg.Watch.Restart {
		s.log.Info("files changed", "changed", len(paths), "first", paths[0])
		return
	}
	if s.status != StatusRunning && s.status != StatusRestarting {
		return
	}
	s.log.Info("files changed, restarting", "changed", len(paths), "first", paths[0])
	s.crashes = 0
	s.restarts++
	metrics.IncRestart(s.cfg.Name, "watch")
	s.record(journal.EventRestarting, fmt.Sprintf("watch: %d files changed", len(paths)))
	if s.status == StatusRestarting {
		s.cancelRestartTimer()
		s.doStart(ctx)
		return
	}
	s.pendingRestart = true
	s.doStop()
}

func (s *service) handleHealth(tr health.Transition) {
	if s.status != StatusRunning {
		return
	}
	s.healthState = tr.State
	s.record(journal.EventHealth, tr.State.String())
	switch tr.State {
	case health.StateHealthy:
		s.log.Info("service healthy")
		s.resolveStart(nil)
	case health.StateUnhealthy:
		s.log.Warn("service unhealthy", "reason", tr.Reason)
		s.resolveStart(fmt.Errorf("service %s became unhealthy: %s", s.cfg.Name, tr.Reason))
	}
	s.syncRow()
}

// doStart spawns the process and, on success, arms the health monitor and
// file watcher. Readiness for waiters resolves immediately for plain
// services and on the first health verdict for probed ones.
func (s *service) doStart(ctx context.Context) {
	s.setStatus(StatusStarting)
	h, err := runner.Start(runner.Options{
		Service: s.cfg.Name,
		Cmd:     s.cfg.Cmd,
		Dir:     s.cfg.Dir,
		Port:    s.cfg.Port,
		Env:     s.cfg.Env,
		Hub:     s.sup.hub,
		Files:   s.sup.files,
	})
	if err != nil {
		s.lastFailure = err.Error()
		s.log.Error("spawn failed", "err", err)
		s.record(journal.EventFailed, err.Error())
		s.setStatus(StatusFailed)
		s.resolveStart(err)
		return
	}

	s.handle = h
	s.startedAt = time.Now()
	s.lastFailure = ""
	s.pendingRestart = false
	s.log.Info("service started", "pid", h.PID(), "port", h.Port())
	s.record(journal.EventStarted, "")
	metrics.IncStart(s.cfg.Name)
	metrics.SetUp(s.cfg.Name, true)
	s.setStatus(StatusRunning)

	if s.cfg.Health != nil {
		s.healthState = health.StateProbing
		hctx, cancel := context.WithCancel(ctx)
		s.healthCancel = cancel
		mon := health.NewMonitor(s.cfg.Name, *s.cfg.Health, h.Port(), func(tr health.Transition) {
			select {
			case s.ctrl <- ctrlMsg{typ: ctrlHealth, tr: tr}:
			case <-hctx.Done():
			}
		})
		go mon.Run(hctx)
		s.syncRow()
	} else {
		s.healthState = health.StateUnknown
		s.resolveStart(nil)
	}

	if s.cfg.Watch != nil && s.watch == nil {
		w, werr := watcher.New(s.cfg.Name, *s.cfg.Watch, func(changed []string) {
			select {
			case s.ctrl <- ctrlMsg{typ: ctrlWatch, paths: changed}:
			case <-ctx.Done():
			}
		}, s.sup.log)
		if werr != nil {
			s.log.Warn("file watch unavailable", "err", werr)
		} else if werr = w.Start(ctx); werr != nil {
			s.log.Warn("file watch failed to start", "err", werr)
			w.Stop()
		} else {
			s.watch = w
		}
	}
}

// doStop sends SIGTERM to the process group and arms the grace timer; the
// exit itself arrives through the loop.
func (s *service) doStop() {
	s.setStatus(StatusStopping)
	s.stopHealth()
	s.handle.Terminate()
	s.graceTimer = time.NewTimer(s.sup.stopGrace)
	s.graceC = s.graceTimer.C
}

func (s *service) handleExit(ctx context.Context, st runner.ExitStatus) {
	pid := s.handle.PID()
	s.handle = nil
	s.lastExit = st
	s.cancelGraceTimer()
	s.stopHealth()
	metrics.SetUp(s.cfg.Name, false)

	if s.status == StatusStopping {
		s.log.Info("service stopped", "pid", pid, "exit", st.String())
		s.record(journal.EventStopped, st.String())
		metrics.IncStop(s.cfg.Name)
		s.resolveStop(nil)
		if s.pendingRestart {
			s.doStart(ctx)
			return
		}
		s.setStatus(StatusStopped)
		return
	}

	// unexpected exit
	s.log.Warn("service exited unexpectedly", "pid", pid, "exit", st.String())
	s.record(journal.EventExited, st.String())
	metrics.IncCrash(s.cfg.Name)
	s.lastFailure = st.String()
	s.crashes++
	if s.crashes > s.cfg.Restart.Max {
		msg := fmt.Sprintf("gave up after %d crashes (%s)", s.crashes, st)
		s.log.Error("restart ceiling reached, service failed", "crashes", s.crashes)
		s.record(journal.EventFailed, msg)
		s.setStatus(StatusFailed)
		s.resolveStart(fmt.Errorf("service %s: %s", s.cfg.Name, msg))
		return
	}
	s.restarts++
	metrics.IncRestart(s.cfg.Name, "crash")
	s.log.Info("scheduling restart", "attempt", s.crashes, "max", s.cfg.Restart.Max, "in", s.cfg.Restart.Interval)
	s.record(journal.EventRestarting, fmt.Sprintf("crash %d/%d", s.crashes, s.cfg.Restart.Max))
	s.setStatus(StatusRestarting)
	s.restartTimer = time.NewTimer(s.cfg.Restart.Interval)
	s.restartC = s.restartTimer.C
}

// teardown runs when the supervisor context is cancelled: terminate the
// child with a bounded grace, then kill.
func (s *service) teardown() {
	if s.watch != nil {
		s.watch.Stop()
		s.watch = nil
	}
	s.stopHealth()
	if s.handle != nil {
		s.handle.Terminate()
		select {
		case <-s.handle.Wait():
		case <-time.After(s.sup.stopGrace):
			s.handle.Kill()
			select {
			case <-s.handle.Wait():
			case <-time.After(2 * time.Second):
			}
		}
		s.handle = nil
		metrics.SetUp(s.cfg.Name, false)
		s.setStatus(StatusStopped)
	}
	err := fmt.Errorf("supervisor shutting down")
	s.resolveStart(err)
	s.resolveStop(nil)
	for {
		select {
		case msg := <-s.ctrl:
			if msg.reply != nil {
				msg.reply <- err
			}
		default:
			return
		}
	}
}

func (s *service) stopHealth() {
	if s.healthCancel != nil {
		s.healthCancel()
		s.healthCancel = nil
	}
	s.healthState = health.StateUnknown
}

func (s *service) cancelRestartTimer() {
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
		s.restartC = nil
	}
}

func (s *service) cancelGraceTimer() {
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
		s.graceC = nil
	}
}

func (s *service) resolveStart(err error) {
	for _, ch := range s.startWaiters {
		ch <- err
	}
	s.startWaiters = nil
}

func (s *service) resolveStop(err error) {
	for _, ch := range s.stopWaiters {
		ch <- err
	}
	s.stopWaiters = nil
}

func (s *service) setStatus(st Status) {
	old := s.status
	s.status = st
	metrics.RecordStateTransition(s.cfg.Name, old.String(), st.String())
	s.syncRow()
}

// record ships a lifecycle event to the journal; a nil recorder drops it.
func (s *service) record(t journal.EventType, detail string) {
	e := journal.Event{
		Type:       t,
		Service:    s.cfg.Name,
		OccurredAt: time.Now().UTC(),
		Detail:     detail,
	}
	if s.handle != nil {
		e.PID = s.handle.PID()
		e.Port = s.handle.Port()
	}
	s.sup.rec.Record(e)
}

// syncRow publishes the loop state into the snapshot read by Status.
func (s *service) syncRow() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.row.State = s.status.String()
	s.row.Restarts = s.restarts
	s.row.StartedAt = time.Time{}
	s.row.PID = 0
	s.row.Port = s.cfg.Port
	s.row.Health = ""
	s.row.Exit = ""
	s.row.BlockedBy = ""
	switch s.status {
	case StatusRunning:
		s.row.PID = s.handle.PID()
		s.row.Port = s.handle.Port()
		s.row.StartedAt = s.startedAt
		if s.cfg.Health != nil {
			s.row.Health = s.healthState.String()
		}
	case StatusStopping:
		if s.handle != nil {
			s.row.PID = s.handle.PID()
			s.row.Port = s.handle.Port()
			s.row.StartedAt = s.startedAt
		}
	case StatusRestarting, StatusFailed:
		s.row.Exit = s.lastFailure
	case StatusBlocked:
		s.row.BlockedBy = s.blockedBy
	}
}
