// Package config handles Castellan configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/castellan/config.yaml, /etc/castellan/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "castellan", "config.yaml"))
	}

	paths = append(paths, "/etc/castellan/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Castellan configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Model     ModelConfig     `yaml:"model"`
	Loop      LoopConfig      `yaml:"loop"`
	CalDAV    CalDAVConfig    `yaml:"caldav"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// ModelConfig defines which model the gateway targets.
type ModelConfig struct {
	Name      string `yaml:"name"`
	MaxTokens int    `yaml:"max_tokens"` // per-response cap sent to the provider
}

// LoopConfig bounds the orchestration loop.
type LoopConfig struct {
	// MaxIterations caps model-call rounds per interaction. Each round is
	// one model call plus the tool batch it requests. Default 10.
	MaxIterations int `yaml:"max_iterations"`
	// ModelTimeoutSec bounds a single model call in seconds. Zero
	// disables the bound.
	ModelTimeoutSec int `yaml:"model_timeout_sec"`
	// HeartbeatSec is the SSE heartbeat period in seconds. Default 15.
	HeartbeatSec int `yaml:"heartbeat_sec"`
}

// ModelTimeout returns the per-model-call timeout as a duration.
func (l LoopConfig) ModelTimeout() time.Duration {
	return time.Duration(l.ModelTimeoutSec) * time.Second
}

// HeartbeatInterval returns the SSE heartbeat period as a duration.
func (l LoopConfig) HeartbeatInterval() time.Duration {
	return time.Duration(l.HeartbeatSec) * time.Second
}

// CalDAVConfig defines the calendar backend connection.
type CalDAVConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// Calendar is the collection path. Empty means discover the first
	// calendar under the principal's home set.
	Calendar string `yaml:"calendar"`
}

// LedgerConfig defines credit accounting settings.
type LedgerConfig struct {
	// Path is the SQLite database path. Empty defaults to
	// <data_dir>/ledger.db.
	Path string `yaml:"path"`
	// GrantOnFirstSeen is the credit balance given to users on first
	// contact. Zero means unknown users are rejected with NO_CREDITS.
	GrantOnFirstSeen int `yaml:"grant_on_first_seen"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Model: ModelConfig{
			Name:      "claude-sonnet-4-20250514",
			MaxTokens: 4096,
		},
		Loop: LoopConfig{
			MaxIterations:   10,
			ModelTimeoutSec: 120,
			HeartbeatSec:    15,
		},
		DataDir: ".",
	}
}

// LedgerPath resolves the ledger database path against DataDir.
func (c *Config) LedgerPath() string {
	if c.Ledger.Path != "" {
		return c.Ledger.Path
	}
	return filepath.Join(c.DataDir, "ledger.db")
}

// MemoryPath resolves the memory database path against DataDir.
func (c *Config) MemoryPath() string {
	return filepath.Join(c.DataDir, "memory.db")
}
