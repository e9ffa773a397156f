package journal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
}

func (f *fakeSink) Send(_ context.Context, e Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, e)
	return nil
}

func (f *fakeSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestRecorderShipsEvents(t *testing.T) {
	sink := &fakeSink{}
	r := NewRecorder(sink, nil)

	r.Record(Event{Type: EventStarted, Service: "web", PID: 42, Port: 3000})
	r.Record(Event{Type: EventHealth, Service: "web", Detail: "healthy"})
	require.NoError(t, r.Close())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.events, 2)
	byType := make(map[EventType]Event)
	for _, e := range sink.events {
		byType[e.Type] = e
	}
	started := byType[EventStarted]
	assert.Equal(t, "web", started.Service)
	assert.Equal(t, 42, started.PID)
	assert.False(t, started.OccurredAt.IsZero(), "timestamp stamped when unset")
	assert.Equal(t, "healthy", byType[EventHealth].Detail)
	assert.True(t, sink.closed)
}

func TestRecorderKeepsExplicitTimestamp(t *testing.T) {
	sink := &fakeSink{}
	r := NewRecorder(sink, nil)
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	r.Record(Event{Type: EventStopped, Service: "api", OccurredAt: ts})
	require.NoError(t, r.Close())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.events, 1)
	assert.Equal(t, ts, sink.events[0].OccurredAt)
}

func TestRecorderSwallowsSinkErrors(t *testing.T) {
	sink := &fakeSink{err: errors.New("backend down")}
	r := NewRecorder(sink, nil)

	r.Record(Event{Type: EventStarted, Service: "web"})
	assert.NoError(t, r.Close(), "sink failure never propagates")
}

func TestRecorderNilSinkDiscards(t *testing.T) {
	r := NewRecorder(nil, nil)
	r.Record(Event{Type: EventStarted, Service: "web"})
	assert.NoError(t, r.Close())

	var nilRecorder *Recorder
	nilRecorder.Record(Event{Type: EventStopped})
	assert.NoError(t, nilRecorder.Close())
}
