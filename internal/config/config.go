// Package config loads warden's YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/harrison/warden/internal/models"
)

// Check step names accepted in checks.enabled.
const (
	CheckSecurity   = "security"
	CheckCodeReview = "code-review"
	CheckTests      = "tests"
)

// BackoffConfig configures the delay between agent attempts.
type BackoffConfig struct {
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
	// Jitter is the fraction used by the symmetric jitter mode.
	Jitter float64
	// JitterMode is one of none, full, symmetric.
	JitterMode string
	Seed       uint64
}

// PollConfig configures CI status polling.
type PollConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

// AgentConfig describes the coding agent CLI.
type AgentConfig struct {
	Command     string
	Args        []string
	Env         map[string]string
	Timeout     time.Duration
	GracePeriod time.Duration
	CloseStdin  bool
	// RequireCompletion treats a clean exit without the completion signal as
	// a crash.
	RequireCompletion bool

	ConfirmReply      string
	PromptPattern     string
	CompletionPattern string
	DeclinePattern    string
}

// SecurityCheckConfig configures the secret scan.
type SecurityCheckConfig struct {
	OnFailure    string
	MaxFileBytes int64
}

// CodeReviewCheckConfig configures the LLM code review.
type CodeReviewCheckConfig struct {
	OnFailure    string
	Timeout      time.Duration
	MaxDiffChars int
}

// TestsCheckConfig configures the test command step.
type TestsCheckConfig struct {
	Commands  []string
	OnFailure string
}

// ChecksConfig defines the local defense pipeline. Enabled is ordered.
type ChecksConfig struct {
	Enabled    []string
	Security   SecurityCheckConfig
	CodeReview CodeReviewCheckConfig
	Tests      TestsCheckConfig
}

// GitHubConfig locates the repository whose CI is polled. Owner and Repo are
// derived from the remote URL when empty.
type GitHubConfig struct {
	Owner    string
	Repo     string
	Remote   string
	TokenEnv string
	APIURL   string
}

// Token reads the GitHub token from the configured environment variable.
func (g GitHubConfig) Token() string {
	return os.Getenv(g.TokenEnv)
}

// JanitorConfig configures CI log summarization.
type JanitorConfig struct {
	Timeout     time.Duration
	MaxLogChars int
}

// Config represents warden configuration options.
type Config struct {
	// MaxRetries is the shared retry budget; a run makes at most
	// MaxRetries+1 agent attempts.
	MaxRetries int

	// RunTimeout cancels the whole run when positive.
	RunTimeout time.Duration

	// LogLevel sets the logging verbosity (trace, debug, info, warn, error)
	LogLevel string

	// LogDir is the directory where run logs are written
	LogDir string

	ReportPath  string
	ReportHTML  bool
	HistoryDB   string
	MetricsFile string

	Backoff BackoffConfig
	Poll    PollConfig
	Agent   AgentConfig
	Checks  ChecksConfig
	GitHub  GitHubConfig
	Janitor JanitorConfig
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:  5,
		RunTimeout:  2 * time.Hour,
		LogLevel:    "info",
		LogDir:      ".warden/logs",
		ReportPath:  "REPORT.md",
		HistoryDB:   ".warden/history.db",
		MetricsFile: "",
		Backoff: BackoffConfig{
			BaseDelay:  2 * time.Second,
			Multiplier: 2,
			MaxDelay:   time.Minute,
			JitterMode: "none",
		},
		Poll: PollConfig{
			Interval: 15 * time.Second,
			Timeout:  30 * time.Minute,
		},
		Agent: AgentConfig{
			Command:     "jules",
			Args:        []string{"new"},
			Timeout:     30 * time.Minute,
			GracePeriod: 5 * time.Second,
		},
		Checks: ChecksConfig{
			Enabled: []string{CheckSecurity, CheckCodeReview},
			Security: SecurityCheckConfig{
				OnFailure:    string(models.RetryableLocal),
				MaxFileBytes: 1 << 20,
			},
			CodeReview: CodeReviewCheckConfig{
				OnFailure:    string(models.RetryableLocal),
				Timeout:      5 * time.Minute,
				MaxDiffChars: 60000,
			},
			Tests: TestsCheckConfig{
				OnFailure: string(models.RetryableLocal),
			},
		},
		GitHub: GitHubConfig{
			Remote:   "origin",
			TokenEnv: "GITHUB_TOKEN",
		},
		Janitor: JanitorConfig{
			Timeout:     2 * time.Minute,
			MaxLogChars: 2000,
		},
	}
}

// LoadConfig loads configuration from the specified file path.
// If the file doesn't exist, returns default configuration without error.
// If the file exists but is malformed, returns a *models.ConfigurationError.
func LoadConfig(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Decode on top of the defaults so absent keys keep their default value.
	file := toFile(DefaultConfig())
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, &models.ConfigurationError{Field: path, Reason: "failed to parse config file", Err: err}
	}
	return file.toConfig()
}

// LoadConfigFromDir loads configuration from .warden/config.yaml in dir.
func LoadConfigFromDir(dir string) (*Config, error) {
	return LoadConfig(filepath.Join(dir, ".warden", "config.yaml"))
}

// MergeWithFlags merges CLI flags into the configuration.
// Non-nil flag values override configuration values.
func (c *Config) MergeWithFlags(maxRetries *int, runTimeout *time.Duration, logLevel, logDir, reportPath, agentCommand *string) {
	if maxRetries != nil {
		c.MaxRetries = *maxRetries
	}
	if runTimeout != nil {
		c.RunTimeout = *runTimeout
	}
	if logLevel != nil {
		c.LogLevel = *logLevel
	}
	if logDir != nil {
		c.LogDir = *logDir
	}
	if reportPath != nil {
		c.ReportPath = *reportPath
	}
	if agentCommand != nil {
		c.Agent.Command = *agentCommand
	}
}

var validChecks = map[string]bool{CheckSecurity: true, CheckCodeReview: true, CheckTests: true}

// Validate validates the configuration values. Every failure is a
// *models.ConfigurationError naming the offending key.
func (c *Config) Validate() error {
	bad := models.NewConfigurationError

	if c.MaxRetries < 0 {
		return bad("max_retries", fmt.Sprintf("must be >= 0, got %d", c.MaxRetries))
	}
	if c.RunTimeout < 0 {
		return bad("run_timeout", fmt.Sprintf("must be >= 0, got %v", c.RunTimeout))
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return bad("log_level", fmt.Sprintf("invalid level %q, must be one of: trace, debug, info, warn, error", c.LogLevel))
	}

	if c.Backoff.BaseDelay <= 0 {
		return bad("backoff.base_delay", fmt.Sprintf("must be > 0, got %v", c.Backoff.BaseDelay))
	}
	if c.Backoff.Multiplier < 1 {
		return bad("backoff.multiplier", fmt.Sprintf("must be >= 1, got %v", c.Backoff.Multiplier))
	}
	if c.Backoff.MaxDelay < c.Backoff.BaseDelay {
		return bad("backoff.max_delay", "must be >= backoff.base_delay")
	}
	if c.Backoff.Jitter < 0 || c.Backoff.Jitter > 1 {
		return bad("backoff.jitter", fmt.Sprintf("must be within [0,1], got %v", c.Backoff.Jitter))
	}
	switch c.Backoff.JitterMode {
	case "", "none", "full", "symmetric":
	default:
		return bad("backoff.jitter_mode", fmt.Sprintf("unknown mode %q", c.Backoff.JitterMode))
	}

	if c.Poll.Interval <= 0 {
		return bad("poll.interval", fmt.Sprintf("must be > 0, got %v", c.Poll.Interval))
	}
	if c.Poll.Timeout < c.Poll.Interval {
		return bad("poll.timeout", "must be >= poll.interval")
	}

	if strings.TrimSpace(c.Agent.Command) == "" {
		return bad("agent.command", "must not be empty")
	}
	if c.Agent.Timeout < 0 || c.Agent.GracePeriod < 0 {
		return bad("agent.timeout", "durations must be >= 0")
	}

	seen := map[string]bool{}
	for _, name := range c.Checks.Enabled {
		if !validChecks[name] {
			return bad("checks.enabled", fmt.Sprintf("unknown check %q (want security, code-review or tests)", name))
		}
		if seen[name] {
			return bad("checks.enabled", fmt.Sprintf("check %q listed twice", name))
		}
		seen[name] = true
	}
	for field, v := range map[string]string{
		"checks.security.on_failure":    c.Checks.Security.OnFailure,
		"checks.code_review.on_failure": c.Checks.CodeReview.OnFailure,
		"checks.tests.on_failure":       c.Checks.Tests.OnFailure,
	} {
		if _, err := models.ParseClassification(v); err != nil {
			return &models.ConfigurationError{Field: field, Reason: "invalid classification", Err: err}
		}
	}
	if seen[CheckTests] && len(c.Checks.Tests.Commands) == 0 {
		return bad("checks.tests.commands", "tests check is enabled but no commands are configured")
	}

	if c.GitHub.Remote == "" {
		return bad("github.remote", "must not be empty")
	}
	if c.GitHub.TokenEnv == "" {
		return bad("github.token_env", "must not be empty")
	}
	if c.Janitor.MaxLogChars <= 0 {
		return bad("janitor.max_log_chars", fmt.Sprintf("must be > 0, got %d", c.Janitor.MaxLogChars))
	}
	return nil
}
