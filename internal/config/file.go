package config

import (
	"fmt"
	"time"

	"github.com/harrison/warden/internal/models"
)

// fileConfig mirrors Config as it appears in YAML. Durations are strings
// such as "30s" or "1h30m".
type fileConfig struct {
	MaxRetries  int    `yaml:"max_retries"`
	RunTimeout  string `yaml:"run_timeout"`
	LogLevel    string `yaml:"log_level"`
	LogDir      string `yaml:"log_dir"`
	ReportPath  string `yaml:"report_path"`
	ReportHTML  bool   `yaml:"report_html"`
	HistoryDB   string `yaml:"history_db"`
	MetricsFile string `yaml:"metrics_file"`

	Backoff struct {
		BaseDelay  string  `yaml:"base_delay"`
		Multiplier float64 `yaml:"multiplier"`
		MaxDelay   string  `yaml:"max_delay"`
		Jitter     float64 `yaml:"jitter"`
		JitterMode string  `yaml:"jitter_mode"`
		Seed       uint64  `yaml:"seed"`
	} `yaml:"backoff"`

	Poll struct {
		Interval string `yaml:"interval"`
		Timeout  string `yaml:"timeout"`
	} `yaml:"poll"`

	Agent struct {
		Command           string            `yaml:"command"`
		Args              []string          `yaml:"args"`
		Env               map[string]string `yaml:"env"`
		Timeout           string            `yaml:"timeout"`
		GracePeriod       string            `yaml:"grace_period"`
		CloseStdin        bool              `yaml:"close_stdin"`
		RequireCompletion bool              `yaml:"require_completion"`
		ConfirmReply      string            `yaml:"confirm_reply"`
		PromptPattern     string            `yaml:"prompt_pattern"`
		CompletionPattern string            `yaml:"completion_pattern"`
		DeclinePattern    string            `yaml:"decline_pattern"`
	} `yaml:"agent"`

	Checks struct {
		Enabled  []string `yaml:"enabled"`
		Security struct {
			OnFailure    string `yaml:"on_failure"`
			MaxFileBytes int64  `yaml:"max_file_bytes"`
		} `yaml:"security"`
		CodeReview struct {
			OnFailure    string `yaml:"on_failure"`
			Timeout      string `yaml:"timeout"`
			MaxDiffChars int    `yaml:"max_diff_chars"`
		} `yaml:"code_review"`
		Tests struct {
			Commands  []string `yaml:"commands"`
			OnFailure string   `yaml:"on_failure"`
		} `yaml:"tests"`
	} `yaml:"checks"`

	GitHub struct {
		Owner    string `yaml:"owner"`
		Repo     string `yaml:"repo"`
		Remote   string `yaml:"remote"`
		TokenEnv string `yaml:"token_env"`
		APIURL   string `yaml:"api_url"`
	} `yaml:"github"`

	Janitor struct {
		Timeout     string `yaml:"timeout"`
		MaxLogChars int    `yaml:"max_log_chars"`
	} `yaml:"janitor"`
}

func toFile(c *Config) fileConfig {
	var f fileConfig
	f.MaxRetries = c.MaxRetries
	f.RunTimeout = c.RunTimeout.String()
	f.LogLevel = c.LogLevel
	f.LogDir = c.LogDir
	f.ReportPath = c.ReportPath
	f.ReportHTML = c.ReportHTML
	f.HistoryDB = c.HistoryDB
	f.MetricsFile = c.MetricsFile

	f.Backoff.BaseDelay = c.Backoff.BaseDelay.String()
	f.Backoff.Multiplier = c.Backoff.Multiplier
	f.Backoff.MaxDelay = c.Backoff.MaxDelay.String()
	f.Backoff.Jitter = c.Backoff.Jitter
	f.Backoff.JitterMode = c.Backoff.JitterMode
	f.Backoff.Seed = c.Backoff.Seed

	f.Poll.Interval = c.Poll.Interval.String()
	f.Poll.Timeout = c.Poll.Timeout.String()

	f.Agent.Command = c.Agent.Command
	f.Agent.Args = c.Agent.Args
	f.Agent.Env = c.Agent.Env
	f.Agent.Timeout = c.Agent.Timeout.String()
	f.Agent.GracePeriod = c.Agent.GracePeriod.String()
	f.Agent.CloseStdin = c.Agent.CloseStdin
	f.Agent.RequireCompletion = c.Agent.RequireCompletion
	f.Agent.ConfirmReply = c.Agent.ConfirmReply
	f.Agent.PromptPattern = c.Agent.PromptPattern
	f.Agent.CompletionPattern = c.Agent.CompletionPattern
	f.Agent.DeclinePattern = c.Agent.DeclinePattern

	f.Checks.Enabled = c.Checks.Enabled
	f.Checks.Security.OnFailure = c.Checks.Security.OnFailure
	f.Checks.Security.MaxFileBytes = c.Checks.Security.MaxFileBytes
	f.Checks.CodeReview.OnFailure = c.Checks.CodeReview.OnFailure
	f.Checks.CodeReview.Timeout = c.Checks.CodeReview.Timeout.String()
	f.Checks.CodeReview.MaxDiffChars = c.Checks.CodeReview.MaxDiffChars
	f.Checks.Tests.Commands = c.Checks.Tests.Commands
	f.Checks.Tests.OnFailure = c.Checks.Tests.OnFailure

	f.GitHub.Owner = c.GitHub.Owner
	f.GitHub.Repo = c.GitHub.Repo
	f.GitHub.Remote = c.GitHub.Remote
	f.GitHub.TokenEnv = c.GitHub.TokenEnv
	f.GitHub.APIURL = c.GitHub.APIURL

	f.Janitor.Timeout = c.Janitor.Timeout.String()
	f.Janitor.MaxLogChars = c.Janitor.MaxLogChars
	return f
}

func (f fileConfig) toConfig() (*Config, error) {
	c := &Config{
		MaxRetries:  f.MaxRetries,
		LogLevel:    f.LogLevel,
		LogDir:      f.LogDir,
		ReportPath:  f.ReportPath,
		ReportHTML:  f.ReportHTML,
		HistoryDB:   f.HistoryDB,
		MetricsFile: f.MetricsFile,
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"run_timeout", f.RunTimeout, &c.RunTimeout},
		{"backoff.base_delay", f.Backoff.BaseDelay, &c.Backoff.BaseDelay},
		{"backoff.max_delay", f.Backoff.MaxDelay, &c.Backoff.MaxDelay},
		{"poll.interval", f.Poll.Interval, &c.Poll.Interval},
		{"poll.timeout", f.Poll.Timeout, &c.Poll.Timeout},
		{"agent.timeout", f.Agent.Timeout, &c.Agent.Timeout},
		{"agent.grace_period", f.Agent.GracePeriod, &c.Agent.GracePeriod},
		{"checks.code_review.timeout", f.Checks.CodeReview.Timeout, &c.Checks.CodeReview.Timeout},
		{"janitor.timeout", f.Janitor.Timeout, &c.Janitor.Timeout},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, &models.ConfigurationError{Field: d.key, Reason: fmt.Sprintf("invalid duration %q", d.raw), Err: err}
		}
		*d.dst = v
	}

	c.Backoff.Multiplier = f.Backoff.Multiplier
	c.Backoff.Jitter = f.Backoff.Jitter
	c.Backoff.JitterMode = f.Backoff.JitterMode
	c.Backoff.Seed = f.Backoff.Seed

	c.Agent.Command = f.Agent.Command
	c.Agent.Args = f.Agent.Args
	c.Agent.Env = f.Agent.Env
	c.Agent.CloseStdin = f.Agent.CloseStdin
	c.Agent.RequireCompletion = f.Agent.RequireCompletion
	c.Agent.ConfirmReply = f.Agent.ConfirmReply
	c.Agent.PromptPattern = f.Agent.PromptPattern
	c.Agent.CompletionPattern = f.Agent.CompletionPattern
	c.Agent.DeclinePattern = f.Agent.DeclinePattern

	c.Checks.Enabled = f.Checks.Enabled
	c.Checks.Security.OnFailure = f.Checks.Security.OnFailure
	c.Checks.Security.MaxFileBytes = f.Checks.Security.MaxFileBytes
	c.Checks.CodeReview.OnFailure = f.Checks.CodeReview.OnFailure
	c.Checks.CodeReview.MaxDiffChars = f.Checks.CodeReview.MaxDiffChars
	c.Checks.Tests.Commands = f.Checks.Tests.Commands
	c.Checks.Tests.OnFailure = f.Checks.Tests.OnFailure

	c.GitHub.Owner = f.GitHub.Owner
	c.GitHub.Repo = f.GitHub.Repo
	c.GitHub.Remote = f.GitHub.Remote
	c.GitHub.TokenEnv = f.GitHub.TokenEnv
	c.GitHub.APIURL = f.GitHub.APIURL

	c.Janitor.MaxLogChars = f.Janitor.MaxLogChars
	return c, nil
}
