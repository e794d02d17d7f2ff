package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/harrison/warden/internal/config"
)

// NewValidateCommand creates and returns the validate subcommand
func NewValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration without running anything",
		Long: `Load and validate the warden configuration, checking for:
  - Value ranges (retry budget, backoff, poll interval and timeout)
  - Known check names and failure classifications
  - Agent output patterns that compile
  - A GitHub owner/repository, given or derived from the remote

Exit code: 0 if valid, 3 if the configuration is invalid`,
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateConfig(cmd, cmd.OutOrStdout())
		},
	}
	addConfigFlags(cmd)
	return cmd
}

func validateConfig(cmd *cobra.Command, w io.Writer) error {
	cfg, root, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	comps, err := buildComponents(cfg, root)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Fprintf(w, "Configuration is valid.\n")
	printConfigSummary(w, cfg, root, comps)
	return nil
}

func printConfigSummary(w io.Writer, cfg *config.Config, root string, comps *components) {
	checks := "none"
	if names := comps.pipeline.Names(); len(names) > 0 {
		checks = strings.Join(names, " -> ")
	}
	fmt.Fprintf(w, "  Work tree:   %s\n", root)
	fmt.Fprintf(w, "  Repository:  %s (remote %s)\n", describeRepo(comps), cfg.GitHub.Remote)
	fmt.Fprintf(w, "  Agent:       %s %s\n", cfg.Agent.Command, strings.Join(cfg.Agent.Args, " "))
	fmt.Fprintf(w, "  Checks:      %s\n", checks)
	fmt.Fprintf(w, "  Max retries: %d\n", cfg.MaxRetries)
	fmt.Fprintf(w, "  Backoff:     %v x%.1f up to %v (%s jitter)\n", cfg.Backoff.BaseDelay, cfg.Backoff.Multiplier, cfg.Backoff.MaxDelay, comps.backoff.Config().Mode)
	fmt.Fprintf(w, "  CI poll:     every %v for up to %v\n", comps.poll.Interval, comps.poll.Timeout)
}
