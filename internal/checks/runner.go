// Package checks implements the local defense steps: secret scanning, LLM
// code review and project test commands.
package checks

import (
	"context"
	"os/exec"
)

// CommandRunner abstracts shell command execution for testability.
type CommandRunner interface {
	Run(ctx context.Context, dir, command string) (output string, err error)
}

// ShellCommandRunner executes commands via sh -c.
type ShellCommandRunner struct{}

// Run executes command in dir and returns combined stdout/stderr.
func (ShellCommandRunner) Run(ctx context.Context, dir, command string) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	return string(output), err
}
