package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/warden/internal/models"
)

func TestFileLoggerCreatesRunLogAndSymlink(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	fl, err := NewFileLoggerWithDirAndLevel(dir, "info")
	require.NoError(t, err)
	defer fl.Close()

	target, err := os.Readlink(filepath.Join(dir, "latest.log"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(fl.RunFile()), target)
	assert.True(t, strings.HasPrefix(target, "run-"))
	assert.DirExists(t, filepath.Join(dir, "attempts"))
}

func TestFileLoggerSecondRunGetsOwnFile(t *testing.T) {
	dir := t.TempDir()
	a, err := NewFileLoggerWithDirAndLevel(dir, "info")
	require.NoError(t, err)
	defer a.Close()
	b, err := NewFileLoggerWithDirAndLevel(dir, "info")
	require.NoError(t, err)
	defer b.Close()

	assert.NotEqual(t, a.RunFile(), b.RunFile())
	target, err := os.Readlink(filepath.Join(dir, "latest.log"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(b.RunFile()), target)
}

func TestFileLoggerWritesEventsAndAttemptLogs(t *testing.T) {
	dir := t.TempDir()
	fl, err := NewFileLoggerWithDirAndLevel(dir, "info")
	require.NoError(t, err)

	oc := testContext(t)
	fl.LogRunStart(oc)
	fl.LogAttemptStart(oc)
	fl.LogTransition(models.Transition{From: models.StateInit, To: models.StateAgentRun, Attempt: 1, Reason: "run started", At: time.Now()})
	fl.LogDebug("filtered out")
	fl.LogStepResult(1, models.Fail("security", "1 secret found", models.RetryableLocal))
	fl.LogBackoff(1, 1500*time.Millisecond)

	failed := models.Fail("security", "1 secret found", models.RetryableLocal).
		WithDetail(models.DetailFindings, "config.env:3 slack-bot-token")
	fl.LogRunComplete(&models.RunResult{
		RunID:    "run-7",
		TaskID:   "add-login",
		Branch:   "warden/add-login",
		State:    models.StateFailed,
		History:  []models.StrategyResult{failed},
		Attempts: []models.AttemptRecord{{Number: 1, Outcome: models.OutcomeProducedChange, Steps: []models.StrategyResult{models.Pass("agent", "ok"), failed}}},
	})
	require.NoError(t, fl.Close())

	data, err := os.ReadFile(fl.RunFile())
	require.NoError(t, err)
	log := string(data)
	assert.Contains(t, log, "=== Warden Run Log ===")
	assert.Contains(t, log, "Run run-7: task add-login")
	assert.Contains(t, log, "INIT -> AGENT_RUN (attempt 1): run started")
	assert.Contains(t, log, "attempt 1 security: FAIL retryable-local: 1 secret found")
	assert.Contains(t, log, "backing off 1.5s after attempt 1")
	assert.Contains(t, log, "Outcome:      FAILED (exit 1)")
	assert.NotContains(t, log, "filtered out")

	attempt, err := os.ReadFile(filepath.Join(dir, "attempts", "run-7-attempt-1.log"))
	require.NoError(t, err)
	assert.Contains(t, string(attempt), "Agent outcome: produced-change")
	assert.Contains(t, string(attempt), "#### security - FAIL retryable-local")
	assert.Contains(t, string(attempt), "config.env:3 slack-bot-token")
}

func TestFileLoggerCloseIsIdempotent(t *testing.T) {
	fl, err := NewFileLoggerWithDirAndLevel(t.TempDir(), "debug")
	require.NoError(t, err)
	require.NoError(t, fl.Close())
	require.NoError(t, fl.Close())
	fl.LogInfo("after close is dropped")
}

func TestSafeName(t *testing.T) {
	assert.Equal(t, "a_b_c", safeName("a/b:c"))
	assert.Equal(t, "run", safeName(""))
}
