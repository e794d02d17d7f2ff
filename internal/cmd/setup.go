package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harrison/warden/internal/agent"
	"github.com/harrison/warden/internal/checks"
	"github.com/harrison/warden/internal/claude"
	"github.com/harrison/warden/internal/config"
	"github.com/harrison/warden/internal/models"
	"github.com/harrison/warden/internal/pipeline"
	"github.com/harrison/warden/internal/retry"
	"github.com/harrison/warden/internal/scm"
)

// addConfigFlags registers the flags every command uses to find its
// working tree and configuration.
func addConfigFlags(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "Path to config file (default: <work tree>/.warden/config.yaml)")
	cmd.Flags().String("dir", ".", "Directory inside the git working tree to operate on")
}

// loadConfig resolves the working tree root and reads its configuration.
// Nothing is validated here; callers merge flags first.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	dir, _ := cmd.Flags().GetString("dir")
	configPath, _ := cmd.Flags().GetString("config")

	root, err := config.FindWorkTreeRoot(dir)
	if err != nil {
		return nil, "", &models.ConfigurationError{Field: "dir", Reason: "not inside a git working tree", Err: err}
	}

	var cfg *config.Config
	if configPath != "" {
		cfg, err = config.LoadConfig(configPath)
	} else {
		cfg, err = config.LoadConfigFromDir(root)
	}
	if err != nil {
		if models.IsConfigurationError(err) {
			return nil, "", err
		}
		return nil, "", &models.ConfigurationError{Field: "config", Reason: "failed to load config", Err: err}
	}
	return cfg, root, nil
}

// components are the pieces built from a validated config that do not
// touch the network.
type components struct {
	pipeline *pipeline.Definition
	backoff  *retry.Backoff
	poll     retry.PollPolicy
	agent    agent.Config
	owner    string
	repo     string
}

func buildComponents(cfg *config.Config, root string) (*components, error) {
	reviewer := claude.NewService(cfg.Checks.CodeReview.Timeout)
	def, err := checks.Build(cfg.Checks, checks.Deps{Reviewer: reviewer})
	if err != nil {
		return nil, err
	}

	backoff, err := retry.NewBackoff(retry.BackoffConfig{
		BaseDelay:  cfg.Backoff.BaseDelay,
		Multiplier: cfg.Backoff.Multiplier,
		MaxDelay:   cfg.Backoff.MaxDelay,
		Jitter:     cfg.Backoff.Jitter,
		Mode:       retry.JitterMode(cfg.Backoff.JitterMode),
		Seed:       cfg.Backoff.Seed,
	})
	if err != nil {
		return nil, err
	}

	poll := retry.PollPolicy{Interval: cfg.Poll.Interval, Timeout: cfg.Poll.Timeout}
	if err := poll.Validate(); err != nil {
		return nil, err
	}

	agentCfg := agent.Config{
		Command:           cfg.Agent.Command,
		Args:              cfg.Agent.Args,
		Env:               cfg.Agent.Env,
		Timeout:           cfg.Agent.Timeout,
		GracePeriod:       cfg.Agent.GracePeriod,
		CloseStdin:        cfg.Agent.CloseStdin,
		RequireCompletion: cfg.Agent.RequireCompletion,
		Protocol: agent.ProtocolConfig{
			PromptPattern:     cfg.Agent.PromptPattern,
			CompletionPattern: cfg.Agent.CompletionPattern,
			DeclinePattern:    cfg.Agent.DeclinePattern,
			ConfirmReply:      cfg.Agent.ConfirmReply,
		},
	}
	if _, err := agent.NewProtocol(agentCfg.Protocol); err != nil {
		return nil, err
	}

	owner, repo := cfg.GitHub.Owner, cfg.GitHub.Repo
	if owner == "" || repo == "" {
		o, r, err := scm.ResolveRepo(root, cfg.GitHub.Remote)
		if err != nil {
			return nil, &models.ConfigurationError{Field: "github.repo", Reason: "cannot derive owner/repo from the remote", Err: err}
		}
		if owner == "" {
			owner = o
		}
		if repo == "" {
			repo = r
		}
	}

	return &components{pipeline: def, backoff: backoff, poll: poll, agent: agentCfg, owner: owner, repo: repo}, nil
}

func describeRepo(c *components) string {
	return fmt.Sprintf("%s/%s", c.owner, c.repo)
}
