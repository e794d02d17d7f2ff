package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/warden/internal/models"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, []string{CheckSecurity, CheckCodeReview}, cfg.Checks.Enabled)
	assert.Equal(t, 2000, cfg.Janitor.MaxLogChars)
}

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigMergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
max_retries: 2
run_timeout: 45m
backoff:
  base_delay: 500ms
  jitter_mode: symmetric
  jitter: 0.2
  seed: 7
poll:
  interval: 5s
agent:
  command: claude
  args: ["-p", "--dangerously-skip-permissions"]
  close_stdin: true
  require_completion: true
checks:
  enabled: [tests, security]
  tests:
    commands: ["go test ./..."]
    on_failure: fatal
github:
  owner: acme
  repo: widgets
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 2, cfg.MaxRetries)
	assert.Equal(t, 45*time.Minute, cfg.RunTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Backoff.BaseDelay)
	assert.Equal(t, time.Minute, cfg.Backoff.MaxDelay, "absent keys keep defaults")
	assert.Equal(t, 2.0, cfg.Backoff.Multiplier)
	assert.Equal(t, "symmetric", cfg.Backoff.JitterMode)
	assert.Equal(t, uint64(7), cfg.Backoff.Seed)
	assert.Equal(t, 5*time.Second, cfg.Poll.Interval)
	assert.Equal(t, 30*time.Minute, cfg.Poll.Timeout)
	assert.Equal(t, "claude", cfg.Agent.Command)
	assert.Equal(t, []string{"-p", "--dangerously-skip-permissions"}, cfg.Agent.Args)
	assert.True(t, cfg.Agent.CloseStdin)
	assert.True(t, cfg.Agent.RequireCompletion)
	assert.Equal(t, []string{CheckTests, CheckSecurity}, cfg.Checks.Enabled)
	assert.Equal(t, "fatal", cfg.Checks.Tests.OnFailure)
	assert.Equal(t, "retryable-local", cfg.Checks.Security.OnFailure)
	assert.Equal(t, "acme", cfg.GitHub.Owner)
	assert.Equal(t, "origin", cfg.GitHub.Remote)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "max_retries: [oops"))
	require.Error(t, err)
	assert.True(t, models.IsConfigurationError(err))

	_, err = LoadConfig(writeConfig(t, "poll:\n  interval: soon\n"))
	require.Error(t, err)
	var ce *models.ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "poll.interval", ce.Field)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }, "max_retries"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"zero base delay", func(c *Config) { c.Backoff.BaseDelay = 0 }, "backoff.base_delay"},
		{"max below base", func(c *Config) { c.Backoff.MaxDelay = time.Millisecond }, "backoff.max_delay"},
		{"jitter mode", func(c *Config) { c.Backoff.JitterMode = "chaos" }, "backoff.jitter_mode"},
		{"poll timeout", func(c *Config) { c.Poll.Timeout = time.Second }, "poll.timeout"},
		{"empty agent", func(c *Config) { c.Agent.Command = " " }, "agent.command"},
		{"unknown check", func(c *Config) { c.Checks.Enabled = []string{"lint"} }, "checks.enabled"},
		{"duplicate check", func(c *Config) { c.Checks.Enabled = []string{"security", "security"} }, "checks.enabled"},
		{"bad classification", func(c *Config) { c.Checks.Security.OnFailure = "maybe" }, "checks.security.on_failure"},
		{"tests without commands", func(c *Config) { c.Checks.Enabled = []string{"tests"} }, "checks.tests.commands"},
		{"janitor chars", func(c *Config) { c.Janitor.MaxLogChars = 0 }, "janitor.max_log_chars"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			var ce *models.ConfigurationError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}

func TestMergeWithFlags(t *testing.T) {
	cfg := DefaultConfig()
	retries := 1
	timeout := 10 * time.Minute
	level := "debug"
	cmd := "my-agent"

	cfg.MergeWithFlags(&retries, &timeout, &level, nil, nil, &cmd)
	assert.Equal(t, 1, cfg.MaxRetries)
	assert.Equal(t, 10*time.Minute, cfg.RunTimeout)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ".warden/logs", cfg.LogDir)
	assert.Equal(t, "my-agent", cfg.Agent.Command)
}
