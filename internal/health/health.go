// Package health polls one service with HTTP or TCP probes and reports
// state transitions. A service becomes unhealthy after the configured number
// of consecutive probe failures and healthy again after a single success.
package health

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/devmux/devmux/internal/config"
	"github.com/devmux/devmux/internal/metrics"
)

// State is the probe-derived health of one service.
type State int

const (
	StateUnknown State = iota
	StateProbing
	StateHealthy
	StateUnhealthy
)

func (s State) String() string {
	switch s {
	case StateProbing:
		return "probing"
	case StateHealthy:
		return "healthy"
	case StateUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// ProbeError is a single failed probe.
type ProbeError struct {
	Service string
	Err     error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("health probe for %s failed: %v", e.Service, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// Transition is delivered to the supervisor whenever the state changes.
type Transition struct {
	Service string
	State   State
	Reason  string // cause of the last probe failure, for unhealthy
}

// Monitor drives the probe loop for one running service.
type Monitor struct {
	service string
	spec    config.Health
	port    int
	notify  func(Transition)
	client  *http.Client

	// probe-loop state, touched only from Run's goroutine
	state    State
	failures int
}

// NewMonitor builds a monitor for service listening on port. notify is
// invoked from the monitor's goroutine on every state change.
func NewMonitor(service string, spec config.Health, port int, notify func(Transition)) *Monitor {
	return &Monitor{
		service: service,
		spec:    spec,
		port:    port,
		notify:  notify,
		client:  &http.Client{Timeout: spec.Timeout},
		state:   StateUnknown,
	}
}

// Run probes on the configured interval until ctx is cancelled. An in-flight
// probe is bounded by the probe timeout, so cancellation is never delayed by
// more than that.
func (m *Monitor) Run(ctx context.Context) {
	m.state = StateProbing
	m.failures = 0
	m.notify(Transition{Service: m.service, State: StateProbing})

	ticker := time.NewTicker(m.spec.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			err := m.Probe(ctx)
			result := "ok"
			if err != nil {
				result = "fail"
			}
			metrics.ObserveProbe(m.service, result, time.Since(start).Seconds())
			if ctx.Err() != nil {
				return
			}
			if tr, changed := m.evaluate(err); changed {
				m.notify(tr)
			}
		}
	}
}

// evaluate folds one probe result into the state machine and reports the
// transition to emit, if any.
func (m *Monitor) evaluate(err error) (Transition, bool) {
	if err != nil {
		m.failures++
		if m.failures >= m.spec.Retries && m.state != StateUnhealthy {
			m.state = StateUnhealthy
			metrics.SetHealthy(m.service, false)
			return Transition{Service: m.service, State: StateUnhealthy, Reason: err.Error()}, true
		}
		return Transition{}, false
	}
	m.failures = 0
	if m.state != StateHealthy {
		m.state = StateHealthy
		metrics.SetHealthy(m.service, true)
		return Transition{Service: m.service, State: StateHealthy}, true
	}
	return Transition{}, false
}

// Probe performs one probe bounded by the configured timeout.
func (m *Monitor) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.spec.Timeout)
	defer cancel()

	var err error
	if m.spec.Type == "tcp" {
		err = m.probeTCP(ctx)
	} else {
		err = m.probeHTTP(ctx)
	}
	if err != nil {
		return &ProbeError{Service: m.service, Err: err}
	}
	return nil
}

func (m *Monitor) probeTCP(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", m.addr())
	if err != nil {
		return err
	}
	return conn.Close()
}

func (m *Monitor) probeHTTP(ctx context.Context) error {
	url := fmt.Sprintf("http://%s%s", m.addr(), m.spec.Path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	// Any response the service produced counts as alive; only server
	// errors fail the probe.
	if resp.StatusCode >= 500 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func (m *Monitor) addr() string {
	return fmt.Sprintf("127.0.0.1:%d", m.port)
}
