package checks

import (
	"fmt"

	"github.com/harrison/warden/internal/config"
	"github.com/harrison/warden/internal/models"
	"github.com/harrison/warden/internal/pipeline"
)

// Deps are the collaborators the checks need.
type Deps struct {
	Runner   CommandRunner
	Reviewer Reviewer
}

// Build turns checks.enabled into a pipeline Definition, preserving the
// configured order.
func Build(cfg config.ChecksConfig, deps Deps) (*pipeline.Definition, error) {
	if deps.Runner == nil {
		deps.Runner = ShellCommandRunner{}
	}

	steps := make([]pipeline.Step, 0, len(cfg.Enabled))
	for _, name := range cfg.Enabled {
		switch name {
		case config.CheckSecurity:
			class, err := classification("checks.security.on_failure", cfg.Security.OnFailure)
			if err != nil {
				return nil, err
			}
			steps = append(steps, &SecretScan{OnFailure: class, MaxFileBytes: cfg.Security.MaxFileBytes})

		case config.CheckCodeReview:
			class, err := classification("checks.code_review.on_failure", cfg.CodeReview.OnFailure)
			if err != nil {
				return nil, err
			}
			if deps.Reviewer == nil {
				return nil, models.NewConfigurationError("checks.enabled", "code-review is enabled but no reviewer is available")
			}
			steps = append(steps, &CodeReview{
				Reviewer:     deps.Reviewer,
				Runner:       deps.Runner,
				OnFailure:    class,
				MaxDiffChars: cfg.CodeReview.MaxDiffChars,
			})

		case config.CheckTests:
			class, err := classification("checks.tests.on_failure", cfg.Tests.OnFailure)
			if err != nil {
				return nil, err
			}
			steps = append(steps, &TestCommands{Commands: cfg.Tests.Commands, Runner: deps.Runner, OnFailure: class})

		default:
			return nil, models.NewConfigurationError("checks.enabled", fmt.Sprintf("unknown check %q", name))
		}
	}
	return pipeline.NewDefinition(steps...)
}

func classification(field, raw string) (models.Classification, error) {
	c, err := models.ParseClassification(raw)
	if err != nil {
		return models.ClassNone, &models.ConfigurationError{Field: field, Reason: "invalid classification", Err: err}
	}
	return c, nil
}
