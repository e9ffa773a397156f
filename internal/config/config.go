// Package config loads and validates the devmux TOML configuration. The
// result handed to the rest of the daemon is fully resolved: defaults
// applied, env_file contents merged, relative paths anchored at the config
// file's directory.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/devmux/devmux/internal/logging"
)

// Defaults for health specs and the crash-restart policy.
const (
	DefaultHealthInterval  = 2 * time.Second
	DefaultHealthTimeout   = 1 * time.Second
	DefaultHealthRetries   = 3
	DefaultRestartMax      = 5
	DefaultRestartInterval = 2 * time.Second
	DefaultLogHistory      = 1000
)

// ErrInvalid marks configuration problems that prevent the daemon from
// starting. All validation failures wrap it.
var ErrInvalid = errors.New("invalid config")

// PortConflictError reports two enabled services declaring the same port.
type PortConflictError struct {
	A, B string
	Port int
}

func (e *PortConflictError) Error() string {
	return fmt.Sprintf("services %q and %q both declare port %d", e.A, e.B, e.Port)
}

func (e *PortConflictError) Unwrap() error { return ErrInvalid }

// Watch describes the file-watch spec of one service.
type Watch struct {
	Paths   []string
	Ignore  []string
	Restart bool
}

// Health describes the health-probe spec of one service.
type Health struct {
	Type     string // "http" or "tcp"
	Path     string // http only, default "/"
	Interval time.Duration
	Timeout  time.Duration
	Retries  int
}

// Restart is the crash-restart policy: at most Max consecutive automatic
// restarts, one every Interval.
type Restart struct {
	Max      int
	Interval time.Duration
}

// Service is one fully resolved service definition.
type Service struct {
	Name      string
	Cmd       string
	Dir       string
	Port      int
	Env       map[string]string // env_file merged in, inline env wins
	DependsOn []string
	Watch     *Watch
	Health    *Health
	Restart   Restart
	Disabled  bool
}

// HTTP configures the optional read-only observability API.
type HTTP struct {
	Listen  string `mapstructure:"listen"`
	AutoTLS bool   `mapstructure:"auto_tls"`
}

// Journal configures the optional lifecycle event sink.
type Journal struct {
	DSN string `mapstructure:"dsn"`
}

// Config is the loaded, validated daemon configuration.
type Config struct {
	Socket     string
	LogLevel   string
	LogHistory int
	Log        logging.FileConfig
	Journal    Journal
	HTTP       HTTP
	Restart    Restart
	Services   map[string]Service
	BaseDir    string
}

// Raw decode targets. Defaults that differ from Go zero values (watch.restart,
// health durations) use pointers so absence is distinguishable.

type fileConfig struct {
	Socket     string                   `mapstructure:"socket"`
	LogLevel   string                   `mapstructure:"log_level"`
	LogHistory int                      `mapstructure:"log_history"`
	Log        logging.FileConfig       `mapstructure:"log"`
	Journal    Journal                  `mapstructure:"journal"`
	HTTP       HTTP                     `mapstructure:"http"`
	Restart    restartConfig            `mapstructure:"restart"`
	Services   map[string]serviceConfig `mapstructure:"services"`
}

type serviceConfig struct {
	Cmd       string            `mapstructure:"cmd"`
	Dir       string            `mapstructure:"dir"`
	Port      int               `mapstructure:"port"`
	Env       map[string]string `mapstructure:"env"`
	EnvFile   string            `mapstructure:"env_file"`
	DependsOn []string          `mapstructure:"depends_on"`
	Watch     *watchConfig      `mapstructure:"watch"`
	Health    *healthConfig     `mapstructure:"health"`
	Restart   *restartConfig    `mapstructure:"restart"`
	Disabled  bool              `mapstructure:"disabled"`
}

type watchConfig struct {
	Paths   []string `mapstructure:"paths"`
	Ignore  []string `mapstructure:"ignore"`
	Restart *bool    `mapstructure:"restart"`
}

type healthConfig struct {
	Type     string        `mapstructure:"type"`
	Path     string        `mapstructure:"path"`
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Retries  int           `mapstructure:"retries"`
}

type restartConfig struct {
	Max      *int          `mapstructure:"max"`
	Interval time.Duration `mapstructure:"interval"`
}

// Load reads a TOML config file, applies defaults, merges env_files and
// validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var fc fileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	baseDir := filepath.Dir(path)
	cfg := &Config{
		Socket:     fc.Socket,
		LogLevel:   fc.LogLevel,
		LogHistory: fc.LogHistory,
		Log:        fc.Log,
		Journal:    fc.Journal,
		HTTP:       fc.HTTP,
		Restart:    resolveRestart(fc.Restart, Restart{Max: DefaultRestartMax, Interval: DefaultRestartInterval}),
		Services:   make(map[string]Service, len(fc.Services)),
		BaseDir:    baseDir,
	}
	if cfg.Socket == "" {
		cfg.Socket = DefaultSocketPath()
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogHistory <= 0 {
		cfg.LogHistory = DefaultLogHistory
	}

	for name, sc := range fc.Services {
		svc, err := buildService(name, sc, baseDir, cfg.Restart)
		if err != nil {
			return nil, err
		}
		cfg.Services[name] = svc
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultSocketPath is where the daemon listens when the config does not
// name a socket.
func DefaultSocketPath() string {
	return filepath.Join(os.TempDir(), "devmux.sock")
}

func buildService(name string, sc serviceConfig, baseDir string, global Restart) (Service, error) {
	svc := Service{
		Name:      name,
		Cmd:       sc.Cmd,
		Dir:       resolvePath(baseDir, sc.Dir),
		Port:      sc.Port,
		Env:       make(map[string]string, len(sc.Env)),
		DependsOn: append([]string(nil), sc.DependsOn...),
		Disabled:  sc.Disabled,
	}
	if svc.Dir == "" {
		svc.Dir = baseDir
	}
	for k, val := range sc.Env {
		svc.Env[k] = val
	}
	if sc.EnvFile != "" {
		fileVars, err := LoadEnvFile(resolvePath(baseDir, sc.EnvFile))
		if err != nil {
			return Service{}, fmt.Errorf("%w: service %q: %v", ErrInvalid, name, err)
		}
		// inline env takes precedence, env_file provides defaults
		for k, val := range fileVars {
			if _, ok := svc.Env[k]; !ok {
				svc.Env[k] = val
			}
		}
	}
	if sc.Watch != nil {
		w := &Watch{
			Ignore:  append([]string(nil), sc.Watch.Ignore...),
			Restart: sc.Watch.Restart == nil || *sc.Watch.Restart,
		}
		for _, p := range sc.Watch.Paths {
			w.Paths = append(w.Paths, resolvePath(baseDir, p))
		}
		svc.Watch = w
	}
	if sc.Health != nil {
		h := &Health{
			Type:     strings.ToLower(sc.Health.Type),
			Path:     sc.Health.Path,
			Interval: sc.Health.Interval,
			Timeout:  sc.Health.Timeout,
			Retries:  sc.Health.Retries,
		}
		if h.Path == "" {
			h.Path = "/"
		}
		if h.Interval == 0 {
			h.Interval = DefaultHealthInterval
		}
		if h.Timeout == 0 {
			h.Timeout = DefaultHealthTimeout
		}
		if h.Retries == 0 {
			h.Retries = DefaultHealthRetries
		}
		svc.Health = h
	}
	svc.Restart = global
	if sc.Restart != nil {
		svc.Restart = resolveRestart(*sc.Restart, global)
	}
	return svc, nil
}

func resolveRestart(rc restartConfig, def Restart) Restart {
	out := def
	if rc.Max != nil {
		out.Max = *rc.Max
	}
	if rc.Interval > 0 {
		out.Interval = rc.Interval
	}
	return out
}

func resolvePath(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}

func (c *Config) validate() error {
	// Port conflicts: skip port 0 (assigned at start) and disabled services.
	seen := make(map[int]string)
	for name, svc := range c.Services {
		if svc.Disabled || svc.Port == 0 {
			continue
		}
		if svc.Port < 0 || svc.Port > 65535 {
			return fmt.Errorf("%w: service %q: port %d out of range", ErrInvalid, name, svc.Port)
		}
		if other, ok := seen[svc.Port]; ok {
			a, b := other, name
			if a > b {
				a, b = b, a
			}
			return &PortConflictError{A: a, B: b, Port: svc.Port}
		}
		seen[svc.Port] = name
	}
	for name, svc := range c.Services {
		if svc.Disabled {
			continue
		}
		if strings.TrimSpace(svc.Cmd) == "" {
			return fmt.Errorf("%w: service %q: cmd is required", ErrInvalid, name)
		}
		if svc.Health != nil {
			h := svc.Health
			if h.Type != "http" && h.Type != "tcp" {
				return fmt.Errorf("%w: service %q: health type %q (want http or tcp)", ErrInvalid, name, h.Type)
			}
			if h.Interval <= 0 || h.Timeout <= 0 {
				return fmt.Errorf("%w: service %q: health interval and timeout must be positive", ErrInvalid, name)
			}
			if h.Retries <= 0 {
				return fmt.Errorf("%w: service %q: health retries must be positive", ErrInvalid, name)
			}
		}
		if svc.Watch != nil && len(svc.Watch.Paths) == 0 {
			return fmt.Errorf("%w: service %q: watch requires at least one path", ErrInvalid, name)
		}
		for _, dep := range svc.DependsOn {
			depSvc, ok := c.Services[dep]
			if !ok || depSvc.Disabled {
				return fmt.Errorf("%w: service %q depends_on unknown or disabled service %q", ErrInvalid, name, dep)
			}
		}
	}
	return nil
}

// Enabled returns the non-disabled services keyed by name.
func (c *Config) Enabled() map[string]Service {
	out := make(map[string]Service)
	for name, svc := range c.Services {
		if !svc.Disabled {
			out[name] = svc
		}
	}
	return out
}

// DependencyEdges returns service -> depends_on for the enabled set, the
// shape the graph builder consumes.
func (c *Config) DependencyEdges() map[string][]string {
	out := make(map[string][]string)
	for name, svc := range c.Services {
		if !svc.Disabled {
			out[name] = append([]string(nil), svc.DependsOn...)
		}
	}
	return out
}

// LoadEnvFile parses a .env file: KEY=VALUE lines, blank lines and #
// comments skipped, surrounding single or double quotes trimmed from values.
func LoadEnvFile(path string) (map[string]string, error) {
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, fmt.Errorf("read env_file: %w", err)
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			val := strings.TrimSpace(line[i+1:])
			val = strings.Trim(val, `"'`)
			if k != "" {
				m[k] = val
			}
		}
	}
	return m, nil
}
