package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Runner is the part of Invoker that Service needs. Tests substitute it.
type Runner interface {
	Invoke(ctx context.Context, req Request) (*Response, error)
}

// Service wraps an invoker with the two call shapes warden uses: a
// schema-checked JSON call and a plain text call.
//
//	type Reviewer struct {
//	    *claude.Service
//	}
//
//	var verdict Verdict
//	err := r.InvokeAndParse(ctx, dir, prompt, schema, &verdict)
type Service struct {
	runner Runner
}

// NewService creates a Service backed by the claude binary.
func NewService(timeout time.Duration) *Service {
	return &Service{runner: NewInvoker(timeout)}
}

// NewServiceWithRunner creates a Service using an external runner.
func NewServiceWithRunner(r Runner) *Service {
	return &Service{runner: r}
}

// InvokeAndParse sends prompt with schema and unmarshals the response into
// result, which must be a pointer. Prose around the JSON object is tolerated.
func (s *Service) InvokeAndParse(ctx context.Context, dir, prompt, schema string, result any) error {
	resp, err := s.runner.Invoke(ctx, Request{Prompt: prompt, Schema: schema, Dir: dir})
	if err != nil {
		return err
	}
	if resp.Content == "" {
		return ErrEmptyResponse
	}

	if err := json.Unmarshal([]byte(resp.Content), result); err != nil {
		extracted := ExtractJSON(resp.Content)
		if extracted == "" {
			return fmt.Errorf("failed to unmarshal response: %w (content: %s)", err, truncate(resp.Content, 200))
		}
		if err := json.Unmarshal([]byte(extracted), result); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w (content: %s)", err, truncate(resp.Content, 200))
		}
	}
	return nil
}

// InvokeText sends prompt without a schema and returns the trimmed text.
func (s *Service) InvokeText(ctx context.Context, dir, prompt string) (string, error) {
	resp, err := s.runner.Invoke(ctx, Request{Prompt: prompt, Dir: dir})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}
