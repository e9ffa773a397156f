// Package clickhouse persists journal events in ClickHouse over the native
// protocol.
package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/devmux/devmux/internal/journal"
)

// Sink writes journal events to a ClickHouse table.
type Sink struct {
	conn  driver.Conn
	table string
}

// New connects to addr (host:port, native protocol), verifies the
// connection and ensures the table exists.
func New(addr, table string) (*Sink, error) {
	if table == "" {
		table = "service_events"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: "default",
			Username: "default",
			Password: "",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping ClickHouse: %w", err)
	}

	s := &Sink{conn: conn, table: table}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		occurred_at DateTime64(6),
		event String,
		service String,
		pid UInt32,
		port UInt32,
		detail String
	) ENGINE = MergeTree()
	ORDER BY (occurred_at, service)`, s.table)
	if err := s.conn.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create ClickHouse table %s: %w", s.table, err)
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e journal.Event) error {
	query := fmt.Sprintf(`INSERT INTO %s (occurred_at, event, service, pid, port, detail) VALUES (?, ?, ?, ?, ?, ?)`, s.table)
	err := s.conn.Exec(ctx, query,
		e.OccurredAt,
		string(e.Type),
		e.Service,
		uint32(e.PID),
		uint32(e.Port),
		e.Detail,
	)
	if err != nil {
		return fmt.Errorf("insert event into ClickHouse: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
