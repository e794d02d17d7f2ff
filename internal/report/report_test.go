package report

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/warden/internal/models"
)

var generated = time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)

func remediatedRun() *models.RunResult {
	red := models.Fail("ci", "CI checks failed", models.RemediationTrigger).
		WithDetail(models.DetailHint, "The test TestParse fails\non empty input.")
	green := models.Pass("ci", "checks green")
	return &models.RunResult{
		RunID:    "run-42",
		TaskID:   "TASK-7",
		Branch:   "feature-1",
		State:    models.StateSuccess,
		History:  []models.StrategyResult{red, green},
		Duration: 125 * time.Second,
		Attempts: []models.AttemptRecord{
			{Number: 1, Outcome: models.OutcomeProducedChange, Duration: time.Minute, Steps: []models.StrategyResult{
				models.Pass("agent", "agent produced a candidate change"),
				models.Pass("security", "no secrets | found"),
				models.Fail("ci", "CI checks failed", models.RemediationTrigger),
			}},
			{Number: 2, Outcome: models.OutcomeProducedChange, Duration: time.Minute, Steps: []models.StrategyResult{
				models.Pass("agent", "agent produced a candidate change"),
				green,
			}},
		},
		Transitions: []models.Transition{
			{From: models.StateInit, To: models.StateAgentRun, Attempt: 1},
			{From: models.StateCIPoll, To: models.StateRemediation, Attempt: 1, Reason: "CI checks failed"},
			{From: models.StateRemediation, To: models.StateAgentRun, Attempt: 2},
			{From: models.StateCIPoll, To: models.StateSuccess, Attempt: 2},
		},
	}
}

func TestMarkdown(t *testing.T) {
	md, err := Markdown(remediatedRun(), "Fix Build", generated)
	require.NoError(t, err)

	for _, want := range []string{
		"# Certificate of Analysis",
		"**Task Name:** Fix Build",
		"**Branch:** feature-1",
		"**Status:** **SUCCESS**",
		"**Exit Code:** 0",
		"**Duration:** 2m5s",
		"**Generated:** 2026-03-01 12:30:00 UTC",
		"| 2 | 2 | 5 | 4 | 1 |",
		"### Attempt 1 (produced-change), 1m0s",
		"| ci | FAIL | remediation-trigger | CI checks failed |",
		`no secrets \| found`,
		"> **Remediation hint:** The test TestParse fails on empty input.",
		"2. CI_POLL -> REMEDIATION (attempt 1): CI checks failed",
		"4. CI_POLL -> SUCCESS (attempt 2)",
	} {
		assert.Contains(t, md, want)
	}
	assert.Equal(t, 1, strings.Count(md, "Remediation hint"))
}

func TestMarkdown_FallsBackToTaskID(t *testing.T) {
	md, err := Markdown(remediatedRun(), "  ", generated)
	require.NoError(t, err)
	assert.Contains(t, md, "**Task Name:** TASK-7")
}

func TestMarkdown_NoAttempts(t *testing.T) {
	res := &models.RunResult{RunID: "r", TaskID: "t", Branch: "b", State: models.StateCancelled}
	md, err := Markdown(res, "", generated)
	require.NoError(t, err)
	assert.Contains(t, md, "No attempts were made.")
	assert.Contains(t, md, "**Exit Code:** 2")
	assert.NotContains(t, md, "Final Verdict")
	assert.NotContains(t, md, "**Cause:**")
}

func TestMarkdown_ShowsTerminalCause(t *testing.T) {
	res := remediatedRun()
	res.State = models.StateFailed
	res.Err = fmt.Errorf("%w after 2 attempt(s): CI checks failed", models.ErrBudgetExhausted)

	md, err := Markdown(res, "", generated)
	require.NoError(t, err)
	assert.Contains(t, md, "**Cause:** retry budget exhausted after 2 attempt(s): CI checks failed")
}

func TestMarkdown_NilResult(t *testing.T) {
	_, err := Markdown(nil, "task", generated)
	assert.Error(t, err)
}

func TestCell(t *testing.T) {
	long := strings.Repeat("x", 300)
	got := cell(long)
	assert.Len(t, []rune(got), maxCellLen)
	assert.True(t, strings.HasSuffix(got, "..."))

	assert.Equal(t, `a \| b c`, cell("a | b\n c"))
}

func TestHTML(t *testing.T) {
	md, err := Markdown(remediatedRun(), "Fix Build", generated)
	require.NoError(t, err)

	page, err := HTML(md)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(page, "<!DOCTYPE html>"))
	assert.Contains(t, page, "<h1>Certificate of Analysis</h1>")
	assert.Contains(t, page, "<table>")
	assert.Contains(t, page, "<blockquote>")
}

func TestWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out", "REPORT.md")

	written, err := Write(path, remediatedRun(), "Fix Build", true, generated)
	require.NoError(t, err)
	require.Equal(t, []string{path, filepath.Join(dir, "out", "REPORT.html")}, written)

	md, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(md), "Certificate of Analysis")

	page, err := os.ReadFile(written[1])
	require.NoError(t, err)
	assert.Contains(t, string(page), "<table>")
}

func TestWrite_MarkdownOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "REPORT.md")
	written, err := Write(path, remediatedRun(), "", false, generated)
	require.NoError(t, err)
	assert.Equal(t, []string{path}, written)
	assert.NoFileExists(t, filepath.Join(filepath.Dir(path), "REPORT.html"))
}
