package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/devmux/devmux/internal/journal"
)

func TestNewRejectsEmptyDSN(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}

func TestPostgresSinkIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	postgresContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("devmux"),
		postgres.WithUsername("devmux"),
		postgres.WithPassword("devmux"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	defer func() {
		if err := postgresContainer.Terminate(ctx); err != nil {
			t.Errorf("terminate postgres container: %v", err)
		}
	}()

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	sink, err := New(connStr)
	if err != nil {
		t.Fatalf("create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("close sink: %v", err)
		}
	}()

	events := []journal.Event{
		{Type: journal.EventStarted, Service: "web", OccurredAt: time.Now().UTC(), PID: 100, Port: 3000},
		{Type: journal.EventHealth, Service: "web", OccurredAt: time.Now().UTC(), PID: 100, Port: 3000, Detail: "healthy"},
		{Type: journal.EventStopped, Service: "web", OccurredAt: time.Now().UTC(), Detail: "requested"},
	}
	for _, e := range events {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("send %s: %v", e.Type, err)
		}
	}

	var count int
	if err := sink.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM service_events WHERE service = 'web'`).Scan(&count); err != nil {
		t.Fatalf("count query: %v", err)
	}
	if count != len(events) {
		t.Fatalf("expected %d events, got %d", len(events), count)
	}

	var detail string
	if err := sink.db.QueryRowContext(ctx, `SELECT detail FROM service_events WHERE event = 'health'`).Scan(&detail); err != nil {
		t.Fatalf("detail query: %v", err)
	}
	if detail != "healthy" {
		t.Fatalf("expected detail 'healthy', got %q", detail)
	}
}
