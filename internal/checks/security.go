package checks

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zricethezav/gitleaks/v8/detect"

	"github.com/harrison/warden/internal/models"
)

// SecretFinding is one potential secret. The matched value itself is never
// kept so it cannot leak into logs, reports or agent prompts.
type SecretFinding struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	RuleID   string `json:"rule_id"`
	RuleDesc string `json:"rule_desc"`
}

func (f SecretFinding) String() string {
	return fmt.Sprintf("%s:%d (%s)", f.File, f.Line, f.RuleID)
}

// SecretScan fails when a changed file contains something the gitleaks
// default rule set recognizes as a credential.
type SecretScan struct {
	OnFailure    models.Classification
	MaxFileBytes int64
}

// Name implements pipeline.Step.
func (s *SecretScan) Name() string { return "security" }

// Execute implements pipeline.Step.
func (s *SecretScan) Execute(ctx context.Context, oc models.OrchestrationContext) (models.StrategyResult, error) {
	root, files, err := ChangedFiles(oc.WorkTree())
	if err != nil {
		return models.StrategyResult{}, fmt.Errorf("list changed files: %w", err)
	}
	if len(files) == 0 {
		return models.Pass(s.Name(), "no changed files to scan"), nil
	}

	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return models.StrategyResult{}, fmt.Errorf("load gitleaks rules: %w", err)
	}

	var findings []SecretFinding
	scanned := 0
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return models.StrategyResult{}, err
		}
		content, ok := s.readText(filepath.Join(root, rel))
		if !ok {
			continue
		}
		scanned++
		for _, f := range detector.DetectString(content) {
			findings = append(findings, SecretFinding{File: rel, Line: f.StartLine, RuleID: f.RuleID, RuleDesc: f.Description})
		}
	}

	if len(findings) == 0 {
		return models.Pass(s.Name(), fmt.Sprintf("no secrets in %d changed file(s)", scanned)), nil
	}

	parts := make([]string, 0, len(findings))
	for _, f := range findings {
		parts = append(parts, f.String())
	}
	msg := fmt.Sprintf("%d potential secret(s) in changed files: %s. Remove them and load credentials from the environment instead.",
		len(findings), strings.Join(parts, ", "))
	return models.Fail(s.Name(), msg, s.OnFailure).WithDetail(models.DetailFindings, findings), nil
}

// readText returns the file contents unless the file is missing, too large or
// binary.
func (s *SecretScan) readText(path string) (string, bool) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", false
	}
	if s.MaxFileBytes > 0 && info.Size() > s.MaxFileBytes {
		return "", false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	sniff := data
	if len(sniff) > 8000 {
		sniff = sniff[:8000]
	}
	if bytes.IndexByte(sniff, 0) >= 0 {
		return "", false
	}
	return string(data), true
}
