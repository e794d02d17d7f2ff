// Package janitor turns raw CI failure logs into a short remediation hint for
// the next agent attempt.
package janitor

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultMaxLogChars is how much of the log tail is sent for summary.
	DefaultMaxLogChars = 2000

	FallbackNoModel = "Log summarization unavailable (no LLM)."
	FallbackFailed  = "Log summarization failed."
	FallbackNoLogs  = "CI reported a failure but no logs could be retrieved; re-check the failing checks and tests."
)

const summarySchema = `{
  "type": "object",
  "properties": {
    "summary": {"type": "string"}
  },
  "required": ["summary"]
}`

const summarizePrompt = `You are a CI janitor. Read the failing CI log below and explain, in at most
three sentences, what broke and what the developer must change to fix it.
Name files, tests and error messages when the log shows them. Do not repeat
the log.

CI LOG (tail):
%s

Respond with JSON: {"summary": "..."}`

// Invoker is satisfied by *claude.Service.
type Invoker interface {
	InvokeAndParse(ctx context.Context, dir, prompt, schema string, result any) error
}

// Logger receives summarization failures.
type Logger interface {
	LogWarn(message string)
}

type summaryResponse struct {
	Summary string `json:"summary"`
}

// Janitor summarizes CI logs. It is best effort: only cancellation of ctx is
// reported as an error, every other failure yields a fallback hint.
type Janitor struct {
	invoker     Invoker
	dir         string
	timeout     time.Duration
	maxLogChars int
	logger      Logger
}

// New creates a Janitor. invoker may be nil, in which case every summary is
// FallbackNoModel.
func New(invoker Invoker, dir string, timeout time.Duration, maxLogChars int, logger Logger) *Janitor {
	if maxLogChars <= 0 {
		maxLogChars = DefaultMaxLogChars
	}
	return &Janitor{invoker: invoker, dir: dir, timeout: timeout, maxLogChars: maxLogChars, logger: logger}
}

// Summarize returns a hint distilled from the last maxLogChars of logs.
func (j *Janitor) Summarize(ctx context.Context, logs string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(logs) == "" {
		return FallbackNoLogs, nil
	}
	if j.invoker == nil {
		return FallbackNoModel, nil
	}

	callCtx := ctx
	if j.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}

	var resp summaryResponse
	err := j.invoker.InvokeAndParse(callCtx, j.dir, fmt.Sprintf(summarizePrompt, tail(logs, j.maxLogChars)), summarySchema, &resp)
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if err != nil {
		j.warn(fmt.Sprintf("log summarization failed: %v", err))
		return FallbackFailed, nil
	}
	summary := strings.TrimSpace(resp.Summary)
	if summary == "" {
		j.warn("log summarization returned an empty summary")
		return FallbackFailed, nil
	}
	return summary, nil
}

func (j *Janitor) warn(msg string) {
	if j.logger != nil {
		j.logger.LogWarn(msg)
	}
}

// tail keeps the last n bytes of s without splitting a UTF-8 sequence.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[len(s)-n:]
	for len(s) > 0 && s[0]&0xC0 == 0x80 {
		s = s[1:]
	}
	return s
}
