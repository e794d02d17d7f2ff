package cmd

import (
	"github.com/spf13/cobra"
)

// Version is injected at build time via -ldflags
var Version = "dev"

// NewRootCommand creates and returns the root cobra command for warden
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "warden",
		Short: "Supervise an autonomous coding agent until CI is green",
		Long: `Warden runs a coding agent against a task, checks its change locally,
pushes it and waits for CI. Failures are fed back to the agent as a new
attempt until the change passes or the retry budget is spent.

Exit codes: 0 success, 1 failed, 2 cancelled, 3 configuration or usage error.`,
		Version: Version,
		// Silence usage on errors to avoid duplicate help text
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError(err)
	})

	cmd.AddCommand(NewRunCommand())
	cmd.AddCommand(NewValidateCommand())
	cmd.AddCommand(NewHistoryCommand())

	return cmd
}
