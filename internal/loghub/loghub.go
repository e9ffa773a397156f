// Package loghub is the daemon-wide log bus. Service output is published as
// (service, line) entries; any number of subscribers receive live entries on
// independent bounded channels, and a fixed-size ring retains the most recent
// entries for history queries. A subscriber that falls behind loses entries
// rather than blocking the publisher; the loss is counted and observable.
package loghub

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/devmux/devmux/internal/metrics"
)

// DefaultHistorySize is the ring capacity used when none is configured.
const DefaultHistorySize = 1000

// DefaultSubscriberBuffer is the per-subscriber channel capacity.
const DefaultSubscriberBuffer = 256

// Entry is one line of service output in hub arrival order.
type Entry struct {
	Service string    `json:"service"`
	Line    string    `json:"line"`
	Time    time.Time `json:"time"`
}

// LagError reports entries a subscriber missed because its buffer was full.
type LagError struct {
	Dropped uint64
}

func (e *LagError) Error() string {
	return fmt.Sprintf("log subscriber lagged: %d entries dropped", e.Dropped)
}

// Subscription is one independent consumer of the hub. Entries arrive on C
// in publish order; entries dropped due to a full buffer are counted and
// retrievable via Lagged.
type Subscription struct {
	id      string
	service string // "" matches every service
	ch      chan Entry
	dropped atomic.Uint64
	closed  bool // guarded by hub mutex
}

// ID returns the unique subscription identifier.
func (s *Subscription) ID() string { return s.id }

// C returns the delivery channel. It is closed on Unsubscribe and on hub
// shutdown.
func (s *Subscription) C() <-chan Entry { return s.ch }

// Lagged returns the total number of entries dropped for this subscriber so
// far. Callers track the previous value to detect new losses.
func (s *Subscription) Lagged() uint64 { return s.dropped.Load() }

// Hub fans service output out to subscribers and maintains history.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]*Subscription
	ring   []Entry
	count  int // total entries ever published; count % cap is the next slot
	closed bool
}

// New returns a hub retaining up to historySize entries; historySize <= 0
// selects DefaultHistorySize.
func New(historySize int) *Hub {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Hub{
		subs: make(map[string]*Subscription),
		ring: make([]Entry, historySize),
	}
}

// Publish appends one entry to history and delivers it to matching
// subscribers. It never blocks: a subscriber whose buffer is full loses the
// entry and has its drop counter incremented.
func (h *Hub) Publish(service, line string) {
	e := Entry{Service: service, Line: line, Time: time.Now()}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.ring[h.count%len(h.ring)] = e
	h.count++
	for _, s := range h.subs {
		if s.service != "" && s.service != service {
			continue
		}
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
			metrics.AddLogDropped(1)
		}
	}
}

// Subscribe registers a new subscriber. service filters delivery to one
// service; empty means all. buffer <= 0 selects DefaultSubscriberBuffer.
func (h *Hub) Subscribe(service string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	s := &Subscription{
		id:      uuid.NewString(),
		service: service,
		ch:      make(chan Entry, buffer),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		s.closed = true
		close(s.ch)
		return s
	}
	h.subs[s.id] = s
	return s
}

// Unsubscribe removes the subscription and closes its channel. It is
// idempotent.
func (h *Hub) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.closed {
		return
	}
	delete(h.subs, s.id)
	s.closed = true
	close(s.ch)
}

// History returns up to limit of the most recent retained entries, oldest
// first, optionally filtered to one service. limit <= 0 means no limit
// beyond the ring capacity.
func (h *Hub) History(service string, limit int) []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()

	size := len(h.ring)
	cnt := h.count
	if cnt > size {
		cnt = size
	}
	start := h.count - cnt
	out := make([]Entry, 0, cnt)
	for i := 0; i < cnt; i++ {
		e := h.ring[(start+i)%size]
		if service != "" && e.Service != service {
			continue
		}
		out = append(out, e)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Close shuts the hub down: all subscriber channels are closed and further
// publishes are discarded.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, s := range h.subs {
		delete(h.subs, id)
		s.closed = true
		close(s.ch)
	}
}
