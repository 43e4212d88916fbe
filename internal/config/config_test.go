package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const validConfig = `
telegram:
  bot_token: "123:abc"
  allowed_users: [42]
security:
  approved_directory: /srv/projects
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.Backend != "claude" {
		t.Errorf("backend = %q, want claude", cfg.Agent.Backend)
	}
	if cfg.Agent.Timeout != 5*time.Minute {
		t.Errorf("timeout = %v", cfg.Agent.Timeout)
	}
	if cfg.Sessions.TTL != 24*time.Hour {
		t.Errorf("ttl = %v", cfg.Sessions.TTL)
	}
	if cfg.Sessions.CleanupSchedule != "@hourly" {
		t.Errorf("cleanup schedule = %q", cfg.Sessions.CleanupSchedule)
	}
	if !cfg.RateLimit.Enabled {
		t.Error("rate limiting should default on")
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_BOT_TOKEN", "999:secret")
	cfg, err := Load(writeConfig(t, `
telegram:
  bot_token: "${TEST_BOT_TOKEN}"
  allowed_users: [42]
security:
  approved_directory: /srv/projects
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.BotToken != "999:secret" {
		t.Errorf("token = %q", cfg.Telegram.BotToken)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing token", func(c *Config) { c.Telegram.BotToken = "" }, "bot_token"},
		{"no allowed users", func(c *Config) { c.Telegram.AllowedUsers = nil }, "allowed_users"},
		{"missing approved dir", func(c *Config) { c.Security.ApprovedDirectory = "" }, "approved_directory"},
		{"relative approved dir", func(c *Config) { c.Security.ApprovedDirectory = "projects" }, "absolute"},
		{"unknown backend", func(c *Config) { c.Agent.Backend = "gpt" }, "backend"},
		{"api without key", func(c *Config) { c.Agent.Backend = "api" }, "api_key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, validConfig))
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			tt.mutate(cfg)
			err = cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestUserAllowed(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.UserAllowed(42) {
		t.Error("listed user should be allowed")
	}
	if cfg.UserAllowed(43) {
		t.Error("unlisted user should be denied")
	}
}
