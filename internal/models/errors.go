package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrMalformedResult is matched by every *MalformedResultError.
	ErrMalformedResult = errors.New("malformed strategy result")

	// ErrBudgetExhausted marks a run that ran out of retries.
	ErrBudgetExhausted = errors.New("retry budget exhausted")

	// ErrCancelled marks a run stopped by an external signal or the run timeout.
	ErrCancelled = errors.New("run cancelled")
)

// MalformedResultError reports a StrategyResult that violates the
// success/classification invariant.
type MalformedResultError struct {
	Step   string
	Reason string
}

func (e *MalformedResultError) Error() string {
	return fmt.Sprintf("malformed result for step %q: %s", e.Step, e.Reason)
}

// Is lets errors.Is(err, ErrMalformedResult) match.
func (e *MalformedResultError) Is(target error) bool {
	return target == ErrMalformedResult
}

// ConfigurationError reports invalid pipeline, retry or run settings. It is
// never retried.
type ConfigurationError struct {
	Field  string
	Reason string
	Err    error
}

// NewConfigurationError creates a ConfigurationError for field.
func NewConfigurationError(field, reason string) *ConfigurationError {
	return &ConfigurationError{Field: field, Reason: reason}
}

func (e *ConfigurationError) Error() string {
	var sb strings.Builder
	sb.WriteString("invalid configuration")
	if e.Field != "" {
		sb.WriteString(fmt.Sprintf(" %s", e.Field))
	}
	sb.WriteString(fmt.Sprintf(": %s", e.Reason))
	if e.Err != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.Err))
	}
	return sb.String()
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// AgentProcessError reports a crash, timeout or unreadable output of the
// agent process.
type AgentProcessError struct {
	Outcome  AgentOutcome
	ExitCode int
	Output   string // tail of stderr/stdout
	Err      error
	Duration time.Duration
}

func (e *AgentProcessError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("agent %s", e.Outcome))
	if e.ExitCode != 0 {
		sb.WriteString(fmt.Sprintf(" (exit code %d)", e.ExitCode))
	}
	if e.Duration > 0 {
		sb.WriteString(fmt.Sprintf(" after %v", e.Duration.Round(time.Millisecond)))
	}
	if e.Err != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.Err))
	}
	return sb.String()
}

func (e *AgentProcessError) Unwrap() error { return e.Err }

// RemoteOperationError reports a push or CI polling failure. Fatal is set for
// authentication and permission causes.
type RemoteOperationError struct {
	Op    string // "push", "poll", "logs"
	Fatal bool
	Err   error
}

func (e *RemoteOperationError) Error() string {
	kind := "transient"
	if e.Fatal {
		kind = "fatal"
	}
	return fmt.Sprintf("%s failed (%s): %v", e.Op, kind, e.Err)
}

func (e *RemoteOperationError) Unwrap() error { return e.Err }

// IsConfigurationError checks if err is or wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	if err == nil {
		return false
	}
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsFatalRemote reports whether err wraps a fatal RemoteOperationError.
func IsFatalRemote(err error) bool {
	var re *RemoteOperationError
	if errors.As(err, &re) {
		return re.Fatal
	}
	return false
}

// IsCancellation reports whether err stems from context cancellation or
// deadline expiry.
func IsCancellation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
