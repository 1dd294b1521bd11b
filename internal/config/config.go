package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the on-disk configuration for portfolio-agent.
//
// Secrets (provider API keys) must never be stored here. Keys are managed
// via a separate local secrets file; see the settings package.
type Config struct {
	// Providers is the model provider registry available to the subagent
	// runtime.
	//
	// Notes:
	// - Providers own their allowed model list (provider + model are always configured together).
	// - Exactly one provider model must be marked as default via models[].is_default.
	Providers []Provider `json:"providers"`

	// StateDir holds the conversation state database. If empty, a default
	// under the user's home directory is used.
	StateDir string `json:"state_dir,omitempty"`

	// SubagentTimeoutSec overrides every specialist's per-call timeout
	// when > 0.
	SubagentTimeoutSec int `json:"subagent_timeout_sec,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty"`
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if err := c.validateProviders(); err != nil {
		return err
	}
	if c.SubagentTimeoutSec < 0 {
		return fmt.Errorf("invalid subagent_timeout_sec %d", c.SubagentTimeoutSec)
	}
	switch strings.TrimSpace(strings.ToLower(c.LogFormat)) {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}
	switch strings.TrimSpace(strings.ToLower(c.LogLevel)) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return nil
}

// EffectiveStateDir returns the configured state directory or the default
// (~/.portfolio-agent/state).
func (c *Config) EffectiveStateDir() string {
	if c != nil {
		if dir := strings.TrimSpace(c.StateDir); dir != "" {
			return dir
		}
	}
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "portfolio-agent-state"
	}
	return filepath.Join(home, ".portfolio-agent", "state")
}

// EffectiveSubagentTimeout returns the configured timeout override, or 0
// meaning "use each specialist's own timeout".
func (c *Config) EffectiveSubagentTimeout() time.Duration {
	if c == nil || c.SubagentTimeoutSec <= 0 {
		return 0
	}
	return time.Duration(c.SubagentTimeoutSec) * time.Second
}

// DefaultConfigPath returns the default config path:
//
//	~/.portfolio-agent/config.json
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "portfolio-agent.config.json"
	}
	return filepath.Join(home, ".portfolio-agent", "config.json")
}

// DefaultSecretsPath returns the default secrets path:
//
//	~/.portfolio-agent/secrets.json
func DefaultSecretsPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "portfolio-agent.secrets.json"
	}
	return filepath.Join(home, ".portfolio-agent", "secrets.json")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
