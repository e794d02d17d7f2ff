package models

import (
	"slices"
	"strings"
)

// ContextParams holds the inputs for the first OrchestrationContext of a run.
type ContextParams struct {
	RunID    string
	TaskID   string
	WorkTree string
	Branch   string
	Spec     string
	Budget   int // retries available after the first attempt
}

// OrchestrationContext is the immutable per-attempt snapshot handed to every
// step. A new value is derived for each attempt with NextAttempt.
type OrchestrationContext struct {
	runID    string
	taskID   string
	workTree string
	branch   string
	spec     string
	attempt  int
	history  []StrategyResult
	budget   int
}

// NewOrchestrationContext validates params and builds the context for attempt 1.
func NewOrchestrationContext(p ContextParams) (OrchestrationContext, error) {
	switch {
	case strings.TrimSpace(p.TaskID) == "":
		return OrchestrationContext{}, NewConfigurationError("task", "task identifier is required")
	case strings.TrimSpace(p.Branch) == "":
		return OrchestrationContext{}, NewConfigurationError("branch", "target branch is required")
	case strings.TrimSpace(p.Spec) == "":
		return OrchestrationContext{}, NewConfigurationError("spec", "specification text is required")
	case strings.TrimSpace(p.WorkTree) == "":
		return OrchestrationContext{}, NewConfigurationError("work_tree", "working tree path is required")
	case p.Budget < 0:
		return OrchestrationContext{}, NewConfigurationError("max_retries", "retry budget must be >= 0")
	}

	return OrchestrationContext{
		runID:    p.RunID,
		taskID:   p.TaskID,
		workTree: p.WorkTree,
		branch:   p.Branch,
		spec:     p.Spec,
		attempt:  1,
		budget:   p.Budget,
	}, nil
}

// NextAttempt returns the context for the following attempt: attempt number
// incremented, history extended with prior, budget decremented by one. The
// receiver is left untouched.
func (c OrchestrationContext) NextAttempt(prior ...StrategyResult) OrchestrationContext {
	next := c
	next.attempt = c.attempt + 1
	next.budget = c.budget - 1
	next.history = make([]StrategyResult, 0, len(c.history)+len(prior))
	next.history = append(next.history, c.history...)
	next.history = append(next.history, prior...)
	return next
}

func (c OrchestrationContext) RunID() string    { return c.runID }
func (c OrchestrationContext) TaskID() string   { return c.taskID }
func (c OrchestrationContext) WorkTree() string { return c.workTree }
func (c OrchestrationContext) Branch() string   { return c.branch }
func (c OrchestrationContext) Spec() string     { return c.spec }

// Attempt is the 1-based attempt number.
func (c OrchestrationContext) Attempt() int { return c.attempt }

// Budget is the retry budget remaining at the start of this attempt.
func (c OrchestrationContext) Budget() int { return c.budget }

// History returns a copy of the results carried forward from earlier attempts.
func (c OrchestrationContext) History() []StrategyResult { return slices.Clone(c.history) }

// Hints returns the remediation hints accumulated in the history, oldest first.
func (c OrchestrationContext) Hints() []string {
	var hints []string
	for _, r := range c.history {
		if v, ok := r.Detail(DetailHint); ok {
			if s, ok := v.(string); ok && s != "" {
				hints = append(hints, s)
			}
		}
	}
	return hints
}

// Detail keys shared between the orchestrator, steps and reporters.
const (
	DetailHint     = "hint"
	DetailLogs     = "logs"
	DetailOutcome  = "agent_outcome"
	DetailFindings = "findings"
	DetailOutput   = "output"
)
