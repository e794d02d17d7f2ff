// Package pipeline runs the local defense steps of one attempt in a fixed
// order, stopping at the first failure.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/harrison/warden/internal/models"
)

// Step is one local check. Execute is called at most once per attempt and
// reports the outcome as a StrategyResult; a returned error means the step
// itself broke and is treated as fatal.
type Step interface {
	Name() string
	Execute(ctx context.Context, oc models.OrchestrationContext) (models.StrategyResult, error)
}

// StepFunc adapts a function to Step.
type StepFunc struct {
	StepName string
	Fn       func(ctx context.Context, oc models.OrchestrationContext) (models.StrategyResult, error)
}

func (f StepFunc) Name() string { return f.StepName }

func (f StepFunc) Execute(ctx context.Context, oc models.OrchestrationContext) (models.StrategyResult, error) {
	return f.Fn(ctx, oc)
}

// Definition is the ordered step list for a run. It is immutable once built.
type Definition struct {
	steps []Step
}

// NewDefinition validates and freezes steps. Nil steps, empty names and
// duplicate names are configuration errors. An empty definition is valid and
// always succeeds.
func NewDefinition(steps ...Step) (*Definition, error) {
	seen := make(map[string]bool, len(steps))
	frozen := make([]Step, 0, len(steps))
	for i, s := range steps {
		if s == nil {
			return nil, models.NewConfigurationError("checks", fmt.Sprintf("step %d is nil", i))
		}
		name := strings.TrimSpace(s.Name())
		if name == "" {
			return nil, models.NewConfigurationError("checks", fmt.Sprintf("step %d has no name", i))
		}
		if seen[name] {
			return nil, models.NewConfigurationError("checks", fmt.Sprintf("duplicate step %q", name))
		}
		seen[name] = true
		frozen = append(frozen, s)
	}
	return &Definition{steps: frozen}, nil
}

// Names returns the step names in execution order.
func (d *Definition) Names() []string {
	names := make([]string, len(d.steps))
	for i, s := range d.steps {
		names[i] = s.Name()
	}
	return names
}

// Len returns the number of steps.
func (d *Definition) Len() int { return len(d.steps) }

// Observer is notified after each step. It may be nil.
type Observer func(r models.StrategyResult)

// Execute runs the steps in order against oc. It stops at the first failing
// step; the aggregate then carries every result produced so far and the
// failing step's classification.
//
// Cancellation of ctx before a step starts stops the pipeline with ctx.Err().
// That is the only error Execute returns.
func (d *Definition) Execute(ctx context.Context, oc models.OrchestrationContext, observe Observer) (models.AggregateResult, error) {
	agg := models.AggregateResult{Results: make([]models.StrategyResult, 0, len(d.steps))}

	for _, step := range d.steps {
		if err := ctx.Err(); err != nil {
			return agg, err
		}

		r := run(ctx, step, oc)
		if !r.Success() && ctx.Err() != nil {
			// A step broken by cancellation is not a verdict on the change.
			return agg, ctx.Err()
		}
		agg.Results = append(agg.Results, r)
		if observe != nil {
			observe(r)
		}

		if !r.Success() {
			agg.Classification = r.Classification()
			return agg, nil
		}
	}

	agg.Success = true
	return agg, nil
}

// run executes one step and normalizes every way it can misbehave into a
// fatal result: an error, a panic or a result that names another step.
func run(ctx context.Context, step Step, oc models.OrchestrationContext) (result models.StrategyResult) {
	name := step.Name()
	defer func() {
		if p := recover(); p != nil {
			result = models.Fail(name, fmt.Sprintf("step panicked: %v", p), models.Fatal).
				WithDetail(models.DetailOutput, string(debug.Stack()))
		}
	}()

	r, err := step.Execute(ctx, oc)
	if err != nil {
		var me *models.MalformedResultError
		if errors.As(err, &me) {
			return models.Fail(name, fmt.Sprintf("step returned a malformed result: %v", err), models.Fatal)
		}
		return models.Fail(name, err.Error(), models.Fatal)
	}
	if r.IsZero() {
		return models.Fail(name, "step returned no result", models.Fatal)
	}
	if r.Step() != name {
		return models.Fail(name, fmt.Sprintf("step reported result for %q", r.Step()), models.Fatal)
	}
	return r
}
