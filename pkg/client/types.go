package client

import "time"

// Status is one service row as reported by the daemon.
type Status struct {
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

// LogEntry is one line from a log stream. Err carries a daemon-side gap
// notice (lines dropped behind a slow reader) instead of a payload line.
type LogEntry struct {
	Service string
	Line    string
	Err     string
}

// Wire types, mirroring the daemon's line protocol.

type request struct {
	Type     string   `json:"type"`
	Services []string `json:"services,omitempty"`
	Service  string   `json:"service,omitempty"`
	Follow   bool     `json:"follow,omitempty"`
	Lines    int      `json:"lines,omitempty"`
}

type response struct {
	Type    string   `json:"type"`
	Rows    []Status `json:"rows,omitempty"`
	Service string   `json:"service,omitempty"`
	Line    string   `json:"line,omitempty"`
	Msg     string   `json:"msg,omitempty"`
}

const (
	kindStatus   = "status"
	kindStop     = "stop"
	kindRestart  = "restart"
	kindLogs     = "logs"
	kindHistory  = "history"
	kindShutdown = "shutdown"
	kindOK       = "ok"
	kindLog      = "log"
	kindError    = "error"
)
