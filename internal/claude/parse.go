package claude

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// envelope is the --output-format json wrapper printed by the CLI.
type envelope struct {
	Type             string          `json:"type"`
	Result           *string         `json:"result"`
	Content          *string         `json:"content"`
	SessionID        string          `json:"session_id"`
	IsError          bool            `json:"is_error"`
	StructuredOutput json.RawMessage `json:"structured_output"`
}

func (e envelope) isEnvelope() bool {
	return e.Result != nil || e.Content != nil || e.SessionID != "" || len(e.StructuredOutput) > 0
}

// ParseResponse extracts the payload and session ID from raw CLI output.
//
// Structured output wins over the text result, which wins over the legacy
// content field. Output that is JSON but not an envelope is returned as is.
// Text around a JSON object is stripped; output without any JSON object
// yields empty content and no error.
func ParseResponse(raw []byte) (content, sessionID string, err error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return "", "", nil
	}

	var env envelope
	if json.Unmarshal(trimmed, &env) != nil {
		extracted := ExtractJSON(string(trimmed))
		if extracted == "" || !json.Valid([]byte(extracted)) {
			return "", "", nil
		}
		trimmed = []byte(extracted)
		if json.Unmarshal(trimmed, &env) != nil {
			return "", "", nil
		}
	}

	if !env.isEnvelope() {
		return string(trimmed), "", nil
	}
	if env.IsError {
		msg := ""
		if env.Result != nil {
			msg = *env.Result
		}
		return "", env.SessionID, fmt.Errorf("claude reported an error: %s", truncate(msg, 300))
	}

	switch {
	case len(env.StructuredOutput) > 0 && string(env.StructuredOutput) != "null":
		var buf bytes.Buffer
		if err := json.Compact(&buf, env.StructuredOutput); err != nil {
			return "", env.SessionID, fmt.Errorf("structured output: %w", err)
		}
		return buf.String(), env.SessionID, nil
	case env.Result != nil:
		return stripFences(*env.Result), env.SessionID, nil
	case env.Content != nil:
		return stripFences(*env.Content), env.SessionID, nil
	}
	return "", env.SessionID, nil
}

// ExtractJSON returns the text between the first '{' and the last '}', or ""
// when there is no such span.
func ExtractJSON(content string) string {
	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start >= 0 && end > start {
		return content[start : end+1]
	}
	return ""
}

// stripFences removes a surrounding markdown code fence.
func stripFences(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") {
		return s
	}
	t = strings.TrimPrefix(t, "```")
	if nl := strings.IndexByte(t, '\n'); nl >= 0 {
		t = t[nl+1:]
	}
	t = strings.TrimSuffix(strings.TrimSpace(t), "```")
	return strings.TrimSpace(t)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
