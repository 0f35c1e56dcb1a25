package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func writeTestConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "gateway.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing test config: %v", err)
	}
	return path
}

const reloadBase = `
rate_limit:
  requests_per_second: 100
  burst_size: 50
token:
  secret: reload-test
instances:
  - name: blue
    base_url: http://localhost:3001
`

const reloadUpdated = `
rate_limit:
  requests_per_second: 200
  burst_size: 100
rollout:
  strategy: gradual
  percentage: 20
token:
  secret: reload-test
instances:
  - name: blue
    base_url: http://localhost:3001
`

const reloadInvalid = `
token:
  secret: reload-test
instances: []
`

func loadTestConfig(t *testing.T, path string) *Config {
	t.Helper()
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return cfg
}

func TestReloaderCurrent(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, reloadBase)
	cfg := loadTestConfig(t, path)

	r := NewReloader(path, cfg, slog.Default())
	if got := r.Current(); got != cfg {
		t.Fatal("Current() should return the initial config before any reload")
	}
}

func TestReloadSwapsConfigAndNotifies(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, reloadBase)
	cfg := loadTestConfig(t, path)

	r := NewReloader(path, cfg, slog.Default())

	var notified *Config
	r.OnReload(func(c *Config) { notified = c })

	writeTestConfig(t, dir, reloadUpdated)
	if !r.Reload() {
		t.Fatal("expected reload to succeed")
	}

	current := r.Current()
	if current.RateLimit.RequestsPerSecond != 200 {
		t.Fatalf("rps = %v, want 200", current.RateLimit.RequestsPerSecond)
	}
	if current.Rollout.Strategy != "gradual" || current.Rollout.Percentage != 20 {
		t.Fatalf("rollout = %+v", current.Rollout)
	}
	if notified != current {
		t.Fatal("callback did not receive the new config")
	}
}

func TestReloadRejectsInvalidKeepsCurrent(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, reloadBase)
	cfg := loadTestConfig(t, path)

	r := NewReloader(path, cfg, slog.Default())

	called := false
	r.OnReload(func(*Config) { called = true })

	writeTestConfig(t, dir, reloadInvalid)
	if r.Reload() {
		t.Fatal("expected reload of invalid config to fail")
	}
	if r.Current() != cfg {
		t.Fatal("invalid reload must keep the previous config")
	}
	if called {
		t.Fatal("callbacks must not fire on a failed reload")
	}
}

func TestReloadMissingFileKeepsCurrent(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, reloadBase)
	cfg := loadTestConfig(t, path)

	r := NewReloader(path, cfg, slog.Default())

	os.Remove(path) //nolint:errcheck
	if r.Reload() {
		t.Fatal("expected reload to fail for a missing file")
	}
	if r.Current() != cfg {
		t.Fatal("expected previous config to remain active")
	}
}
