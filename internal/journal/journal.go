// Package journal exports service lifecycle events to an external store.
// The journal is strictly an audit trail: supervision never depends on it,
// and sink failures are logged and dropped.
package journal

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStarted    EventType = "started"
	EventStopped    EventType = "stopped"
	EventExited     EventType = "exited" // unexpected exit while running
	EventRestarting EventType = "restarting"
	EventFailed     EventType = "failed"
	EventBlocked    EventType = "blocked"
	EventHealth     EventType = "health" // healthy/unhealthy transition, state in Detail
)

// Event is one lifecycle event of one service.
type Event struct {
	Type       EventType `json:"type"`
	Service    string    `json:"service"`
	OccurredAt time.Time `json:"occurred_at"`
	PID        int       `json:"pid"`
	Port       int       `json:"port"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for journal events. Implementations must be safe
// for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}

const sendTimeout = 5 * time.Second

// Recorder decouples event producers from the sink: Record returns
// immediately and the send happens on its own goroutine with a bounded
// timeout. A Recorder with a nil sink discards everything.
type Recorder struct {
	sink Sink
	log  *slog.Logger
	wg   sync.WaitGroup
}

// NewRecorder wraps sink; sink may be nil to disable journaling.
func NewRecorder(sink Sink, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{sink: sink, log: log}
}

// Record stamps e with the current time when unset and ships it
// asynchronously. Failures are logged, never returned.
func (r *Recorder) Record(e Event) {
	if r == nil || r.sink == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := r.sink.Send(ctx, e); err != nil {
			r.log.Warn("journal send failed", "service", e.Service, "event", string(e.Type), "error", err)
		}
	}()
}

// Close waits for in-flight sends and closes the sink.
func (r *Recorder) Close() error {
	if r == nil || r.sink == nil {
		return nil
	}
	r.wg.Wait()
	return r.sink.Close()
}
