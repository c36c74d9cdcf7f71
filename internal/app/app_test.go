package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/foxzi/ordermail/internal/config"
	"github.com/foxzi/ordermail/internal/smtp/smtptest"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func testConfig(t *testing.T, relay *smtptest.Relay) *config.Config {
	t.Helper()
	dir := t.TempDir()
	content := fmt.Sprintf(`
smtp:
  host: %q
  port: %d
  security: none
  timeout: 5s
mail:
  from_name: "Test Shop"
  from_email: "shop@example.com"
api:
  listen_addr: %q
storage:
  uploads_dir: %q
  index_path: %q
metrics:
  enabled: true
  listen_addr: %q
logging:
  level: error
  format: text
env_file: %q
`, relay.Host(), relay.Port(), freeAddr(t),
		filepath.Join(dir, "uploads"), filepath.Join(dir, "data", "uploads.db"),
		freeAddr(t), filepath.Join(dir, "test.env"))

	if err := os.WriteFile(filepath.Join(dir, "test.env"), []byte("FROM_NAME=Env Shop\n"), 0644); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return cfg
}

func startRelay(t *testing.T) *smtptest.Relay {
	t.Helper()
	relay, err := smtptest.Start(smtptest.Options{})
	if err != nil {
		t.Fatalf("failed to start relay: %v", err)
	}
	t.Cleanup(func() { relay.Close() })
	return relay
}

func TestNewAndShutdown(t *testing.T) {
	cfg := testConfig(t, startRelay(t))

	a, err := New(cfg, "test")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if a.collector == nil || a.metricsServer == nil {
		t.Error("metrics components not created")
	}
	if _, err := os.Stat(cfg.Storage.IndexPath); err != nil {
		t.Errorf("upload index not created: %v", err)
	}

	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestNewInvalidDKIMKey(t *testing.T) {
	cfg := testConfig(t, startRelay(t))
	cfg.DKIM = config.DKIMConfig{
		Enabled:  true,
		Selector: "mail",
		Domain:   "example.com",
		KeyFile:  filepath.Join(t.TempDir(), "missing.pem"),
	}

	if _, err := New(cfg, "test"); err == nil {
		t.Fatal("New() expected error for missing DKIM key")
	}

	// The upload index is released on failure
	cfg.DKIM = config.DKIMConfig{}
	a, err := New(cfg, "test")
	if err != nil {
		t.Fatalf("New() after failure error = %v", err)
	}
	a.Shutdown(context.Background())
}

func TestRun(t *testing.T) {
	cfg := testConfig(t, startRelay(t))

	a, err := New(cfg, "test")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	healthy := false
	for i := 0; i < 50 && !healthy; i++ {
		resp, err := http.Get("http://" + cfg.API.ListenAddr + "/health")
		if err == nil {
			resp.Body.Close()
			healthy = resp.StatusCode == http.StatusOK
		}
		if !healthy {
			time.Sleep(50 * time.Millisecond)
		}
	}
	if !healthy {
		t.Error("API server did not become healthy")
	}

	resp, err := http.Get("http://" + cfg.Metrics.ListenAddr + cfg.Metrics.Path)
	if err != nil {
		t.Errorf("metrics endpoint unreachable: %v", err)
	} else {
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("metrics status = %d, want 200", resp.StatusCode)
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestColumns(t *testing.T) {
	cols := Columns(config.SheetConfig{
		EmailColumns: []string{"Mail"},
		PhoneColumn:  "Phone",
	})
	if len(cols.Email) != 1 || cols.Email[0] != "Mail" {
		t.Errorf("Email = %v, want [Mail]", cols.Email)
	}
	if cols.Phone != "Phone" {
		t.Errorf("Phone = %q, want Phone", cols.Phone)
	}
	if cols.Name != "Tên người nhận" || cols.DefaultName != "Khách hàng" {
		t.Errorf("defaults not kept: %+v", cols)
	}
}

func TestSetupLogger(t *testing.T) {
	logger := SetupLogger(config.LoggingConfig{Level: "warn", Format: "json"})
	if logger.Enabled(context.Background(), -4) {
		t.Error("debug should be disabled at warn level")
	}
	if !logger.Enabled(context.Background(), 4) {
		t.Error("warn should be enabled at warn level")
	}
}
