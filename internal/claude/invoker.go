// Package claude invokes the Claude CLI in print mode for the review step and
// the log summarizer.
package claude

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DefaultSystemPrompt keeps structured calls to raw JSON.
const DefaultSystemPrompt = "You are a code reviewer inside an automated CI loop. When a JSON schema is provided your ONLY output must be valid JSON matching it. No markdown, no code fences, no prose."

// ErrEmptyResponse is returned when the CLI produced no usable content.
var ErrEmptyResponse = errors.New("empty response from claude")

// Invoker runs the claude binary. Create once, use many times; it holds no
// per-call state.
type Invoker struct {
	// ClaudePath defaults to "claude" found in PATH.
	ClaudePath string

	// Timeout bounds each invocation when positive.
	Timeout time.Duration

	// SystemPrompt defaults to DefaultSystemPrompt.
	SystemPrompt string
}

// Request is one invocation.
type Request struct {
	// Prompt is written to the CLI's stdin so large diffs and logs do not
	// hit argument length limits.
	Prompt string

	// Schema enforces structured output via --json-schema when set.
	Schema string

	// Dir is the working directory of the CLI process.
	Dir string
}

// Response is the decoded CLI output.
type Response struct {
	RawOutput []byte
	Content   string
	SessionID string
}

// NewInvoker creates an Invoker with default settings.
func NewInvoker(timeout time.Duration) *Invoker {
	return &Invoker{
		ClaudePath:   "claude",
		Timeout:      timeout,
		SystemPrompt: DefaultSystemPrompt,
	}
}

// BuildArgs returns the CLI arguments for req.
func (inv *Invoker) BuildArgs(req Request) []string {
	systemPrompt := inv.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}

	args := []string{"--system-prompt", systemPrompt, "-p"}
	if req.Schema != "" {
		args = append(args, "--json-schema", req.Schema)
	}
	args = append(args, "--output-format", "json")
	// Hooks of the developer's own setup must not run inside the loop.
	args = append(args, "--settings", `{"disableAllHooks": true}`)
	return args
}

// Invoke runs the CLI and parses its JSON envelope.
func (inv *Invoker) Invoke(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("prompt is required")
	}

	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	path := inv.ClaudePath
	if path == "" {
		path = "claude"
	}

	cmd := exec.CommandContext(ctx, path, inv.BuildArgs(req)...)
	cmd.Dir = req.Dir
	cmd.Stdin = strings.NewReader(req.Prompt)
	SetCleanEnv(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("claude invocation: %w", ctx.Err())
		}
		return nil, fmt.Errorf("claude invocation failed: %w (stderr: %s)", err, truncate(stderr.String(), 500))
	}

	content, sessionID, err := ParseResponse(stdout.Bytes())
	if err != nil {
		return nil, err
	}
	return &Response{RawOutput: stdout.Bytes(), Content: content, SessionID: sessionID}, nil
}
