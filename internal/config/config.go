// Package config loads and validates the bot configuration from YAML.
// Environment variables in the file are expanded before parsing, so secrets
// can stay in the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/devgram/devgram/internal/ratelimit"
)

// Config is the main configuration structure.
type Config struct {
	Telegram  TelegramConfig   `yaml:"telegram"`
	Agent     AgentConfig      `yaml:"agent"`
	Security  SecurityConfig   `yaml:"security"`
	Sessions  SessionsConfig   `yaml:"sessions"`
	Storage   StorageConfig    `yaml:"storage"`
	RateLimit ratelimit.Config `yaml:"rate_limit"`
	Logging   LoggingConfig    `yaml:"logging"`
	Tracing   TracingConfig    `yaml:"tracing"`
	Metrics   MetricsConfig    `yaml:"metrics"`
}

type TelegramConfig struct {
	// BotToken authenticates against the Telegram Bot API.
	BotToken string `yaml:"bot_token"`
	// AllowedUsers is the chat user id allow-list; empty allows nobody.
	AllowedUsers []int64 `yaml:"allowed_users"`
}

type AgentConfig struct {
	// Backend selects the runner: "claude", "cursor", or "api".
	Backend string `yaml:"backend"`
	// Binary is an explicit path to the agent executable (CLI back-ends).
	Binary string `yaml:"binary"`
	// Model overrides the back-end default when non-empty.
	Model string `yaml:"model"`
	// MaxTurns bounds agentic turns per run.
	MaxTurns int `yaml:"max_turns"`
	// Timeout is the wall-clock bound for one run.
	Timeout time.Duration `yaml:"timeout"`
	// AllowedTools / DisallowedTools constrain the agent's tool set.
	AllowedTools    []string `yaml:"allowed_tools"`
	DisallowedTools []string `yaml:"disallowed_tools"`
	// APIKey and BaseURL configure the "api" back-end.
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	// APIMaxTokens bounds output tokens per turn on the "api" back-end.
	APIMaxTokens int `yaml:"api_max_tokens"`
}

type SecurityConfig struct {
	// ApprovedDirectory is the absolute root all agent work stays under.
	ApprovedDirectory string `yaml:"approved_directory"`
}

type SessionsConfig struct {
	// TTL is how long an idle session stays resumable.
	TTL time.Duration `yaml:"ttl"`
	// CleanupSchedule is a cron expression for the expiry sweep.
	CleanupSchedule string `yaml:"cleanup_schedule"`
}

type StorageConfig struct {
	// Path is the SQLite database file; empty disables persistence.
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
	// Endpoint is the OTLP gRPC collector address.
	Endpoint string `yaml:"endpoint"`
	// SampleRate is the trace sampling ratio in [0,1].
	SampleRate float64 `yaml:"sample_rate"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Agent.Backend == "" {
		cfg.Agent.Backend = "claude"
	}
	if cfg.Agent.Timeout == 0 {
		cfg.Agent.Timeout = 5 * time.Minute
	}
	if cfg.Agent.MaxTurns == 0 {
		cfg.Agent.MaxTurns = 30
	}
	if cfg.Sessions.TTL == 0 {
		cfg.Sessions.TTL = 24 * time.Hour
	}
	if cfg.Sessions.CleanupSchedule == "" {
		cfg.Sessions.CleanupSchedule = "@hourly"
	}
	if !cfg.RateLimit.Enabled && cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit = ratelimit.DefaultConfig()
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.SampleRate == 0 {
		cfg.Tracing.SampleRate = 1.0
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9090"
	}
}

// Validate checks the parts the server cannot start without.
func (c *Config) Validate() error {
	if c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.bot_token is required")
	}
	if len(c.Telegram.AllowedUsers) == 0 {
		return fmt.Errorf("telegram.allowed_users must list at least one user id")
	}
	if c.Security.ApprovedDirectory == "" {
		return fmt.Errorf("security.approved_directory is required")
	}
	if !filepath.IsAbs(c.Security.ApprovedDirectory) {
		return fmt.Errorf("security.approved_directory must be absolute, got %q", c.Security.ApprovedDirectory)
	}
	switch c.Agent.Backend {
	case "claude", "cursor":
	case "api":
		if c.Agent.APIKey == "" {
			return fmt.Errorf("agent.api_key is required for the api back-end")
		}
	default:
		return fmt.Errorf("agent.backend must be claude, cursor, or api, got %q", c.Agent.Backend)
	}
	return nil
}

// UserAllowed reports whether the chat user may talk to the bot.
func (c *Config) UserAllowed(userID int64) bool {
	for _, id := range c.Telegram.AllowedUsers {
		if id == userID {
			return true
		}
	}
	return false
}
