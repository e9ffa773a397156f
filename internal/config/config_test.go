package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "devmux.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
[services.web]
cmd = "npm run dev"
port = 3000

[services.web.health]
type = "http"

[services.web.watch]
paths = ["src"]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultSocketPath(), cfg.Socket)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, DefaultLogHistory, cfg.LogHistory)
	assert.Equal(t, DefaultRestartMax, cfg.Restart.Max)
	assert.Equal(t, DefaultRestartInterval, cfg.Restart.Interval)

	web, ok := cfg.Services["web"]
	require.True(t, ok)
	assert.Equal(t, "web", web.Name)
	assert.Equal(t, "npm run dev", web.Cmd)
	assert.Equal(t, dir, web.Dir, "dir defaults to the config file directory")
	assert.Equal(t, 3000, web.Port)

	require.NotNil(t, web.Health)
	assert.Equal(t, "http", web.Health.Type)
	assert.Equal(t, "/", web.Health.Path)
	assert.Equal(t, DefaultHealthInterval, web.Health.Interval)
	assert.Equal(t, DefaultHealthTimeout, web.Health.Timeout)
	assert.Equal(t, DefaultHealthRetries, web.Health.Retries)

	require.NotNil(t, web.Watch)
	assert.True(t, web.Watch.Restart, "watch restart defaults to true")
	assert.Equal(t, []string{filepath.Join(dir, "src")}, web.Watch.Paths)
}

func TestLoadExplicitSettings(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
socket = "/tmp/custom.sock"
log_level = "debug"
log_history = 50

[log]
dir = "logs"
max_size_mb = 5

[journal]
dsn = "sqlite:///tmp/devmux.db"

[http]
listen = "127.0.0.1:7070"
auto_tls = true

[restart]
max = 2
interval = "500ms"

[services.api]
cmd = "./api"
dir = "/srv/api"
port = 8080

[services.api.health]
type = "tcp"
interval = "5s"
timeout = "250ms"
retries = 7

[services.api.watch]
paths = ["/srv/api/src"]
ignore = ["*.log"]
restart = false

[services.api.restart]
max = 9
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/custom.sock", cfg.Socket)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 50, cfg.LogHistory)
	assert.Equal(t, "logs", cfg.Log.Dir)
	assert.Equal(t, 5, cfg.Log.MaxSizeMB)
	assert.Equal(t, "sqlite:///tmp/devmux.db", cfg.Journal.DSN)
	assert.Equal(t, "127.0.0.1:7070", cfg.HTTP.Listen)
	assert.True(t, cfg.HTTP.AutoTLS)
	assert.Equal(t, 2, cfg.Restart.Max)
	assert.Equal(t, 500*time.Millisecond, cfg.Restart.Interval)

	api := cfg.Services["api"]
	assert.Equal(t, "/srv/api", api.Dir, "absolute dir kept as-is")
	require.NotNil(t, api.Health)
	assert.Equal(t, "tcp", api.Health.Type)
	assert.Equal(t, 5*time.Second, api.Health.Interval)
	assert.Equal(t, 250*time.Millisecond, api.Health.Timeout)
	assert.Equal(t, 7, api.Health.Retries)
	require.NotNil(t, api.Watch)
	assert.False(t, api.Watch.Restart)
	assert.Equal(t, []string{"*.log"}, api.Watch.Ignore)
	// per-service restart override inherits the global interval
	assert.Equal(t, 9, api.Restart.Max)
	assert.Equal(t, 500*time.Millisecond, api.Restart.Interval)
}

func TestEnvFileMergePrecedence(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte(`
# comment
FROM_FILE=file
SHARED="file-value"
QUOTED='single'
`), 0o644))

	path := writeConfig(t, dir, `
[services.web]
cmd = "run"
env = { SHARED = "inline-value", ONLY_INLINE = "yes" }
env_file = ".env"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	env := cfg.Services["web"].Env
	assert.Equal(t, "inline-value", env["SHARED"], "inline env wins over env_file")
	assert.Equal(t, "file", env["FROM_FILE"])
	assert.Equal(t, "yes", env["ONLY_INLINE"])
	assert.Equal(t, "single", env["QUOTED"], "quotes trimmed from env_file values")
}

func TestEnvFileMissing(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
[services.web]
cmd = "run"
env_file = "absent.env"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestValidatePortConflict(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
[services.a]
cmd = "a"
port = 4000

[services.b]
cmd = "b"
port = 4000
`)
	_, err := Load(path)
	require.Error(t, err)
	var pc *PortConflictError
	require.True(t, errors.As(err, &pc))
	assert.Equal(t, 4000, pc.Port)
	assert.Equal(t, "a", pc.A)
	assert.Equal(t, "b", pc.B)
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestValidatePortConflictIgnoresDisabledAndZero(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
[services.a]
cmd = "a"
port = 4000

[services.b]
cmd = "b"
port = 4000
disabled = true

[services.c]
cmd = "c"
port = 0

[services.d]
cmd = "d"
port = 0
`)
	_, err := Load(path)
	assert.NoError(t, err)
}

func TestValidateUnknownDependency(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
[services.web]
cmd = "run"
depends_on = ["api"]
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `depends_on unknown or disabled service "api"`)
}

func TestValidateDisabledDependency(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
[services.api]
cmd = "api"
disabled = true

[services.web]
cmd = "run"
depends_on = ["api"]
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown or disabled")
}

func TestValidateEmptyCmd(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
[services.web]
cmd = "  "
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cmd is required")
}

func TestValidateBadHealthType(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
[services.web]
cmd = "run"

[services.web.health]
type = "grpc"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `health type "grpc"`)
}

func TestDisabledServiceSkipsValidationAndEnabled(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
[services.off]
cmd = ""
depends_on = ["nowhere"]
disabled = true

[services.on]
cmd = "run"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	enabled := cfg.Enabled()
	_, hasOff := enabled["off"]
	assert.False(t, hasOff)
	_, hasOn := enabled["on"]
	assert.True(t, hasOn)

	edges := cfg.DependencyEdges()
	assert.Len(t, edges, 1)
	assert.Contains(t, edges, "on")
}
