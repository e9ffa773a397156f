// Package logging sets up the daemon's slog logger and the per-service
// rotating log files child output is teed into.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Rotation defaults, lumberjack semantics.
const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

// Options configure the daemon logger.
type Options struct {
	Level slog.Level
	Color bool // ANSI level tags for foreground terminals
}

// ParseLevel maps a config log_level string to a slog.Level. Unknown
// values fall back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New returns a slog.Logger writing key=value text to w.
func New(w io.Writer, opts Options) *slog.Logger {
	ho := &slog.HandlerOptions{Level: opts.Level}
	if opts.Color {
		return slog.New(newColorHandler(w, ho))
	}
	return slog.New(slog.NewTextHandler(w, ho))
}

// colorHandler wraps slog.TextHandler and tints the level tag by severity.
type colorHandler struct {
	*slog.TextHandler
}

func newColorHandler(w io.Writer, opts *slog.HandlerOptions) *colorHandler {
	return &colorHandler{TextHandler: slog.NewTextHandler(w, opts)}
}

var levelColors = map[slog.Level]string{
	slog.LevelDebug: "\033[36m", // cyan
	slog.LevelInfo:  "\033[32m", // green
	slog.LevelWarn:  "\033[33m", // yellow
	slog.LevelError: "\033[31m", // red
}

func (h *colorHandler) Handle(ctx context.Context, r slog.Record) error {
	color, ok := levelColors[r.Level]
	if !ok {
		color = "\033[0m"
	}
	r.Message = color + r.Level.String() + "\033[0m  " + r.Message
	return h.TextHandler.Handle(ctx, r)
}

// FileConfig describes where service output files live and how they rotate.
// An empty Dir disables file logging entirely.
type FileConfig struct {
	Dir        string `mapstructure:"dir"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// ServiceWriters returns rotating writers for one service's stdout and
// stderr, at Dir/<name>.stdout.log and Dir/<name>.stderr.log. Both are nil
// when Dir is unset.
func (c FileConfig) ServiceWriters(name string) (io.WriteCloser, io.WriteCloser) {
	if c.Dir == "" {
		return nil, nil
	}
	return c.newWriter(fmt.Sprintf("%s.stdout.log", name)), c.newWriter(fmt.Sprintf("%s.stderr.log", name))
}

func (c FileConfig) newWriter(base string) io.WriteCloser {
	return &lj.Logger{
		Filename:   filepath.Join(c.Dir, base),
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

func valOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
