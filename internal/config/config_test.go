package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	t.Setenv("TEST_API_KEY", "sk-test-123")

	content := `
listen:
  port: 9090
anthropic:
  api_key: ${TEST_API_KEY}
model:
  name: claude-sonnet-4-20250514
loop:
  max_iterations: 5
  model_timeout_sec: 60
caldav:
  url: https://dav.example.com/
  username: alice
ledger:
  grant_on_first_seen: 25
data_dir: /var/lib/castellan
log_level: debug
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Listen.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Listen.Port)
	}
	if cfg.Anthropic.APIKey != "sk-test-123" {
		t.Errorf("api_key = %q, want env-expanded value", cfg.Anthropic.APIKey)
	}
	if cfg.Loop.MaxIterations != 5 {
		t.Errorf("max_iterations = %d, want 5", cfg.Loop.MaxIterations)
	}
	if cfg.Loop.ModelTimeout() != 60*time.Second {
		t.Errorf("model timeout = %v, want 60s", cfg.Loop.ModelTimeout())
	}
	// Unset fields keep their defaults.
	if cfg.Loop.HeartbeatSec != 15 {
		t.Errorf("heartbeat = %d, want default 15", cfg.Loop.HeartbeatSec)
	}
	if cfg.CalDAV.URL != "https://dav.example.com/" {
		t.Errorf("caldav url = %q", cfg.CalDAV.URL)
	}
	if cfg.Ledger.GrantOnFirstSeen != 25 {
		t.Errorf("grant = %d, want 25", cfg.Ledger.GrantOnFirstSeen)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Listen.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Listen.Port)
	}
	if cfg.Loop.MaxIterations != 10 {
		t.Errorf("max_iterations = %d, want 10", cfg.Loop.MaxIterations)
	}
	if cfg.Loop.ModelTimeout() != 120*time.Second {
		t.Errorf("model timeout = %v, want 120s", cfg.Loop.ModelTimeout())
	}
	if cfg.Model.Name == "" {
		t.Error("default model name is empty")
	}
}

func TestLedgerAndMemoryPaths(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/data"

	if got := cfg.LedgerPath(); got != filepath.Join("/data", "ledger.db") {
		t.Errorf("LedgerPath = %q", got)
	}
	if got := cfg.MemoryPath(); got != filepath.Join("/data", "memory.db") {
		t.Errorf("MemoryPath = %q", got)
	}

	cfg.Ledger.Path = "/custom/ledger.db"
	if got := cfg.LedgerPath(); got != "/custom/ledger.db" {
		t.Errorf("explicit LedgerPath = %q", got)
	}
}

func TestFindConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "explicit.yaml")
	if err := os.WriteFile(path, []byte("{}"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig: %v", err)
	}
	if got != path {
		t.Errorf("FindConfig = %q, want %q", got, path)
	}

	if _, err := FindConfig(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("FindConfig should fail for a missing explicit path")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"TRACE", LevelTrace, false},
		{"debug", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) err = %v", tt.in, err)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
