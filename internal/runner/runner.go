// Package runner spawns service commands, feeds their output into the log
// hub, and reports how they exit. Each process runs in its own process group
// so signals reach the whole service, shell children included.
package runner

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/devmux/devmux/internal/loghub"
	"github.com/devmux/devmux/internal/logging"
)

// DefaultStopGrace is how long a service gets between SIGTERM and SIGKILL.
const DefaultStopGrace = 5 * time.Second

// maxLineSize bounds a single captured output line.
const maxLineSize = 1024 * 1024

// SpawnError means the service command could not be started at all.
type SpawnError struct {
	Service string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Service, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ExitStatus describes how a service process ended.
type ExitStatus struct {
	Code   int    // exit code, -1 when ended by signal
	Signal string // signal name when ended by signal
	Err    error  // wait error, nil on clean exit
}

// Clean reports a zero exit with no signal.
func (s ExitStatus) Clean() bool { return s.Code == 0 && s.Signal == "" }

func (s ExitStatus) String() string {
	if s.Signal != "" {
		return "signal " + s.Signal
	}
	return "exit code " + strconv.Itoa(s.Code)
}

// Options describes one spawn.
type Options struct {
	Service string
	Cmd     string
	Dir     string
	Port    int // 0 picks a free ephemeral port
	Env     map[string]string
	Hub     *loghub.Hub
	Files   *logging.FileConfig // optional on-disk tee
}

// Handle is one running service process.
type Handle struct {
	service string
	port    int
	cmd     *exec.Cmd
	hub     *loghub.Hub

	outFile io.WriteCloser
	errFile io.WriteCloser
	fileMu  sync.Mutex

	scanWG sync.WaitGroup
	waitCh chan ExitStatus
}

// Start spawns the command through the shell with PORT injected into its
// environment. The returned handle owns exactly one exit status, delivered
// on Wait.
func Start(opts Options) (*Handle, error) {
	port := opts.Port
	if port == 0 {
		p, err := freePort()
		if err != nil {
			return nil, &SpawnError{Service: opts.Service, Err: err}
		}
		port = p
	}

	// #nosec G204
	cmd := exec.Command("/bin/sh", "-c", opts.Cmd)
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}
	cmd.Env = mergedEnv(opts.Env, port)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Service: opts.Service, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &SpawnError{Service: opts.Service, Err: err}
	}

	h := &Handle{
		service: opts.Service,
		port:    port,
		cmd:     cmd,
		hub:     opts.Hub,
		waitCh:  make(chan ExitStatus, 1),
	}
	if opts.Files != nil {
		h.outFile, h.errFile = opts.Files.ServiceWriters(opts.Service)
	}

	if err := cmd.Start(); err != nil {
		h.closeFiles()
		return nil, &SpawnError{Service: opts.Service, Err: err}
	}

	h.scanWG.Add(2)
	go h.scan(stdout, h.outFile)
	go h.scan(stderr, h.errFile)
	go h.monitor()
	return h, nil
}

// PID of the spawned shell, which leads the process group.
func (h *Handle) PID() int { return h.cmd.Process.Pid }

// Port the service was told to listen on via PORT.
func (h *Handle) Port() int { return h.port }

// Wait yields the exit status exactly once, then the channel is closed.
func (h *Handle) Wait() <-chan ExitStatus { return h.waitCh }

// Terminate asks the whole process group to shut down.
func (h *Handle) Terminate() {
	_ = syscall.Kill(-h.cmd.Process.Pid, syscall.SIGTERM)
}

// Kill forcefully ends the whole process group.
func (h *Handle) Kill() {
	_ = syscall.Kill(-h.cmd.Process.Pid, syscall.SIGKILL)
}

// scan publishes each output line to the hub and tees it to file when
// logging to disk is configured.
func (h *Handle) scan(r io.Reader, file io.WriteCloser) {
	defer h.scanWG.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	for sc.Scan() {
		line := sc.Text()
		if h.hub != nil {
			h.hub.Publish(h.service, line)
		}
		if file != nil {
			h.fileMu.Lock()
			_, _ = io.WriteString(file, line+"\n")
			h.fileMu.Unlock()
		}
	}
}

// monitor drains both pipes, reaps the process, and delivers the status.
func (h *Handle) monitor() {
	h.scanWG.Wait()
	err := h.cmd.Wait()
	h.closeFiles()
	h.waitCh <- exitStatus(err)
	close(h.waitCh)
}

func (h *Handle) closeFiles() {
	h.fileMu.Lock()
	defer h.fileMu.Unlock()
	if h.outFile != nil {
		_ = h.outFile.Close()
		h.outFile = nil
	}
	if h.errFile != nil {
		_ = h.errFile.Close()
		h.errFile = nil
	}
}

func exitStatus(err error) ExitStatus {
	if err == nil {
		return ExitStatus{Code: 0}
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return ExitStatus{Code: -1, Signal: ws.Signal().String(), Err: err}
		}
		return ExitStatus{Code: ee.ExitCode(), Err: err}
	}
	return ExitStatus{Code: -1, Err: err}
}

// mergedEnv layers the service env over the parent environment and injects
// PORT last so it always wins.
func mergedEnv(env map[string]string, port int) []string {
	out := os.Environ()
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	out = append(out, "PORT="+strconv.Itoa(port))
	return out
}

// freePort asks the kernel for an ephemeral TCP port and releases it for the
// service to claim.
func freePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	port := ln.Addr().(*net.TCPAddr).Port
	if err := ln.Close(); err != nil {
		return 0, err
	}
	return port, nil
}
