// Package ipc serves the control protocol on a unix domain socket: one JSON
// request per line in, one or more JSON responses per line out.
package ipc

import (
	"github.com/devmux/devmux/internal/supervisor"
)

// Request and response type discriminators.
const (
	KindStatus   = "status"
	KindStop     = "stop"
	KindRestart  = "restart"
	KindLogs     = "logs"
	KindHistory  = "history"
	KindShutdown = "shutdown"
	KindOK       = "ok"
	KindLog      = "log"
	KindError    = "error"
)

// Request is one decoded client line.
type Request struct {
	Type     string   `json:"type"`
	Services []string `json:"services,omitempty"` // stop: empty means all
	Service  string   `json:"service,omitempty"`  // restart, logs, history
	Follow   bool     `json:"follow,omitempty"`   // logs
	Lines    int      `json:"lines,omitempty"`    // history: 0 means all retained
}

// Response is one server line. Exactly one of the payload field groups is
// set, matching Type.
type Response struct {
	Type    string                 `json:"type"`
	Rows    []supervisor.StatusRow `json:"rows,omitempty"`
	Service string                 `json:"service,omitempty"`
	Line    string                 `json:"line,omitempty"`
	Msg     string                 `json:"msg,omitempty"`
}

// serializeFallback is written verbatim when a response cannot be encoded.
const serializeFallback = `{"type":"error","msg":"internal serialize error"}`
