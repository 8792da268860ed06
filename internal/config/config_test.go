package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("SANDBOXD_CONFIG", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Routing.Mode != RoutingLocal {
		t.Errorf("expected local routing by default, got %q", cfg.Routing.Mode)
	}
	if cfg.Sandbox.CommandTimeout != time.Hour {
		t.Errorf("expected 1h command timeout, got %v", cfg.Sandbox.CommandTimeout)
	}
	if cfg.Sandbox.HealthAttempts != 30 {
		t.Errorf("expected 30 health attempts, got %d", cfg.Sandbox.HealthAttempts)
	}
	if cfg.DatabaseDriver != "sqlite" {
		t.Errorf("expected sqlite driver, got %q", cfg.DatabaseDriver)
	}
}

func TestLoad_RejectsUnknownRoutingMode(t *testing.T) {
	t.Setenv("ROUTING_MODE", "mesh")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown routing mode")
	}
}

func TestLoad_RejectsBadEncryptionKey(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", "abcd")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for short encryption key")
	}
}

func TestApplyFile_OverridesNonZeroValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sandboxd.yaml")
	content := `
sandbox:
  image: registry.example.com/agent:v2
  command_timeout: 15m
routing:
  mode: proxy
  domain: preview.example.com
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("SANDBOXD_CONFIG", path)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Sandbox.Image != "registry.example.com/agent:v2" {
		t.Errorf("image not overridden: %q", cfg.Sandbox.Image)
	}
	if cfg.Sandbox.CommandTimeout != 15*time.Minute {
		t.Errorf("command timeout not overridden: %v", cfg.Sandbox.CommandTimeout)
	}
	if cfg.Routing.Mode != RoutingProxy || cfg.Routing.Domain != "preview.example.com" {
		t.Errorf("routing not overridden: %+v", cfg.Routing)
	}
	// Untouched values keep their env defaults
	if cfg.Sandbox.AgentPort != 3002 {
		t.Errorf("agent port changed unexpectedly: %d", cfg.Sandbox.AgentPort)
	}
}

func TestDetectDriver(t *testing.T) {
	tests := map[string]string{
		"postgres://u:p@db/app": "postgres",
		"sqlite3://./x.db":      "sqlite",
		"./data/app.db":         "sqlite",
		"host=db user=app":      "postgres",
	}
	for dsn, want := range tests {
		if got := detectDriver(dsn); got != want {
			t.Errorf("detectDriver(%q) = %q, want %q", dsn, got, want)
		}
	}
}
