package checks

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/harrison/warden/internal/models"
)

// outputTail is how much of a failing command's output is kept.
const outputTail = 1500

// TestCommands runs the project's own test commands in the working tree,
// stopping at the first one that fails.
type TestCommands struct {
	Commands  []string
	Runner    CommandRunner
	OnFailure models.Classification
}

// Name implements pipeline.Step.
func (t *TestCommands) Name() string { return "tests" }

// Execute implements pipeline.Step.
func (t *TestCommands) Execute(ctx context.Context, oc models.OrchestrationContext) (models.StrategyResult, error) {
	for _, command := range t.Commands {
		if err := ctx.Err(); err != nil {
			return models.StrategyResult{}, err
		}

		start := time.Now()
		output, err := t.Runner.Run(ctx, oc.WorkTree(), command)
		duration := time.Since(start)

		if err != nil {
			if ctx.Err() != nil {
				return models.StrategyResult{}, ctx.Err()
			}
			msg := fmt.Sprintf("%q failed after %v: %v", command, duration.Round(time.Millisecond), err)
			if tail := lastChars(strings.TrimSpace(output), outputTail); tail != "" {
				msg += "\nOutput:\n" + tail
			}
			return models.Fail(t.Name(), msg, t.OnFailure).WithDetail(models.DetailOutput, output), nil
		}
	}
	return models.Pass(t.Name(), fmt.Sprintf("%d test command(s) passed", len(t.Commands))), nil
}

// lastChars keeps the last n bytes of s without splitting a UTF-8 sequence.
func lastChars(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[len(s)-n:]
	for len(s) > 0 && !utf8.RuneStart(s[0]) {
		s = s[1:]
	}
	return "..." + s
}
