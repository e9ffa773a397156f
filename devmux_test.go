package devmux

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/devmux/devmux/pkg/client"
)

func requireUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "devmux.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAndNew(t *testing.T) {
	requireUnix(t)
	sock := filepath.Join(t.TempDir(), "d.sock")
	path := writeConfig(t, fmt.Sprintf(`
socket = %q
log_history = 32

[services.web]
cmd = "sleep 5"
`, sock))

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Socket != sock {
		t.Fatalf("socket = %q, want %q", cfg.Socket, sock)
	}

	d, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if d.Socket() != sock {
		t.Fatalf("daemon socket = %q", d.Socket())
	}
	if got := d.Supervisor().Services(); len(got) != 1 || got[0] != "web" {
		t.Fatalf("services = %v", got)
	}
	// Close before Run must not hang.
	if err := d.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatal("expected error for missing config")
	}
}

func TestNewNilConfig(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("expected error for nil config")
	}
}

func TestRunServesClientAndShutsDown(t *testing.T) {
	requireUnix(t)
	sock := filepath.Join(t.TempDir(), "d.sock")
	path := writeConfig(t, fmt.Sprintf(`
socket = %q

[services.web]
cmd = "sleep 30"

[services.db]
cmd = "sleep 30"
`, sock))

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	d, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(context.Background()) }()

	cl := client.New(client.Config{Socket: sock, Timeout: 5 * time.Second})
	waitReachable(t, cl)

	rows, err := cl.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	for _, row := range rows {
		if row.State != "running" {
			t.Fatalf("service %s state = %s", row.Service, row.State)
		}
	}

	if err := cl.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("daemon did not exit after shutdown request")
	}
	if _, err := os.Stat(sock); !os.IsNotExist(err) {
		t.Fatalf("socket should be removed, stat err = %v", err)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	requireUnix(t)
	sock := filepath.Join(t.TempDir(), "d.sock")
	path := writeConfig(t, fmt.Sprintf(`
socket = %q

[services.web]
cmd = "sleep 30"
`, sock))

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	d, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx) }()

	cl := client.New(client.Config{Socket: sock, Timeout: 5 * time.Second})
	waitReachable(t, cl)

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("daemon did not exit on context cancel")
	}
}

func TestNewWiresHTTPServer(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	sock := filepath.Join(dir, "d.sock")
	path := writeConfig(t, fmt.Sprintf(`
socket = %q

[http]
listen = "127.0.0.1:0"
auto_tls = true

[services.web]
cmd = "sleep 5"
`, sock))

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	d, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = d.Close() }()

	if d.http == nil {
		t.Fatal("http server not built")
	}
	if d.http.Addr != "127.0.0.1:0" {
		t.Fatalf("addr = %q", d.http.Addr)
	}
	if d.http.TLSConfig == nil {
		t.Fatal("auto_tls should populate TLSConfig")
	}
	certDir := filepath.Join(cfg.BaseDir, ".devmux", "tls")
	if _, err := os.Stat(filepath.Join(certDir, "devmux.crt")); err != nil {
		t.Fatalf("expected generated certificate: %v", err)
	}
}

func waitReachable(t *testing.T, cl *client.Client) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cl.IsReachable(context.Background()) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("daemon never became reachable")
}
