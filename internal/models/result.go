package models

import (
	"fmt"
	"maps"
	"strings"
)

// Classification tags a failed StrategyResult with the recovery the
// orchestrator should attempt. The zero value means "no classification" and is
// only valid on successful results.
type Classification string

const (
	// ClassNone is carried by successful results.
	ClassNone Classification = ""
	// RetryableLocal re-runs the agent immediately.
	RetryableLocal Classification = "retryable-local"
	// RemediationTrigger requires remote log analysis before the next attempt.
	RemediationTrigger Classification = "remediation-trigger"
	// Fatal aborts the run.
	Fatal Classification = "fatal"
)

// IsFailure reports whether c is one of the failure classifications.
func (c Classification) IsFailure() bool {
	switch c {
	case RetryableLocal, RemediationTrigger, Fatal:
		return true
	default:
		return false
	}
}

// String returns the wire name, or "none" for ClassNone.
func (c Classification) String() string {
	if c == ClassNone {
		return "none"
	}
	return string(c)
}

// ParseClassification converts a configuration value into a Classification.
func ParseClassification(s string) (Classification, error) {
	switch c := Classification(strings.ToLower(strings.TrimSpace(s))); c {
	case RetryableLocal, RemediationTrigger, Fatal:
		return c, nil
	default:
		return ClassNone, fmt.Errorf("unknown failure classification %q (want retryable-local, remediation-trigger or fatal)", s)
	}
}

// StrategyResult is the outcome of one step. It is a value type: build it with
// NewStrategyResult, Pass or Fail and derive modified copies with WithDetail.
type StrategyResult struct {
	step           string
	success        bool
	message        string
	details        map[string]any
	classification Classification
}

// NewStrategyResult validates and builds a StrategyResult. A classification is
// required when success is false and forbidden when success is true; violating
// either returns a *MalformedResultError.
func NewStrategyResult(step string, success bool, message string, details map[string]any, class Classification) (StrategyResult, error) {
	if strings.TrimSpace(step) == "" {
		return StrategyResult{}, &MalformedResultError{Step: step, Reason: "step name is required"}
	}
	if success && class != ClassNone {
		return StrategyResult{}, &MalformedResultError{Step: step, Reason: fmt.Sprintf("successful result cannot carry classification %q", class)}
	}
	if !success && !class.IsFailure() {
		return StrategyResult{}, &MalformedResultError{Step: step, Reason: fmt.Sprintf("failed result needs a failure classification, got %q", class)}
	}

	return StrategyResult{
		step:           step,
		success:        success,
		message:        message,
		details:        maps.Clone(details),
		classification: class,
	}, nil
}

// Pass builds a successful result.
func Pass(step, message string) StrategyResult {
	r, err := NewStrategyResult(step, true, message, nil, ClassNone)
	if err != nil {
		panic(err)
	}
	return r
}

// Fail builds a failed result. It panics if class is not a failure
// classification or step is empty; use NewStrategyResult for untrusted input.
func Fail(step, message string, class Classification) StrategyResult {
	r, err := NewStrategyResult(step, false, message, nil, class)
	if err != nil {
		panic(err)
	}
	return r
}

// Step returns the name of the step that produced the result.
func (r StrategyResult) Step() string { return r.step }

// Success reports whether the step passed.
func (r StrategyResult) Success() bool { return r.success }

// Message returns the human-readable message.
func (r StrategyResult) Message() string { return r.message }

// Classification returns the failure classification (ClassNone on success).
func (r StrategyResult) Classification() Classification { return r.classification }

// Details returns a copy of the structured detail payload.
func (r StrategyResult) Details() map[string]any { return maps.Clone(r.details) }

// Detail returns a single detail value.
func (r StrategyResult) Detail(key string) (any, bool) {
	v, ok := r.details[key]
	return v, ok
}

// WithDetail returns a copy of r with key set in its details.
func (r StrategyResult) WithDetail(key string, value any) StrategyResult {
	out := r
	out.details = maps.Clone(r.details)
	if out.details == nil {
		out.details = make(map[string]any, 1)
	}
	out.details[key] = value
	return out
}

// IsZero reports whether r was never constructed.
func (r StrategyResult) IsZero() bool { return r.step == "" }

// String renders the result for logs.
func (r StrategyResult) String() string {
	if r.success {
		return fmt.Sprintf("%s: PASS %s", r.step, r.message)
	}
	return fmt.Sprintf("%s: FAIL [%s] %s", r.step, r.classification, r.message)
}

// AggregateResult is what a pipeline execution returns: every result produced
// (in order, stopping at the first failure) and the overall classification.
type AggregateResult struct {
	Results        []StrategyResult
	Success        bool
	Classification Classification
}

// Failed returns the failing result, if any.
func (a AggregateResult) Failed() (StrategyResult, bool) {
	if a.Success || len(a.Results) == 0 {
		return StrategyResult{}, false
	}
	return a.Results[len(a.Results)-1], true
}

// Message summarizes the aggregate for logs and history.
func (a AggregateResult) Message() string {
	if f, ok := a.Failed(); ok {
		return f.Message()
	}
	return fmt.Sprintf("%d step(s) passed", len(a.Results))
}
