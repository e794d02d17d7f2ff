package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harrison/warden/internal/models"
)

// FileLogger logs run events to files under the log directory.
// It creates a timestamped per-run log, one detailed log per attempt in
// attempts/, and keeps a latest.log symlink pointing at the newest run.
// It is thread-safe and implements orchestrator.Logger.
type FileLogger struct {
	logDir      string
	runLog      *os.File
	runFile     string
	attemptsDir string
	logLevel    string
	mu          sync.Mutex
}

// NewFileLogger creates a FileLogger in .warden/logs with level "info".
func NewFileLogger() (*FileLogger, error) {
	return NewFileLoggerWithDirAndLevel(filepath.Join(".warden", "logs"), "info")
}

// NewFileLoggerWithDirAndLevel creates a FileLogger with a custom log
// directory and log level.
func NewFileLoggerWithDirAndLevel(logDir string, logLevel string) (*FileLogger, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	attemptsDir := filepath.Join(logDir, "attempts")
	if err := os.MkdirAll(attemptsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create attempts directory: %w", err)
	}

	// run-YYYYMMDD-HHMMSS.log; a second run within the same second gets a suffix.
	stamp := time.Now().Format("20060102-150405")
	runFile := filepath.Join(logDir, fmt.Sprintf("run-%s.log", stamp))
	for i := 2; fileExists(runFile); i++ {
		runFile = filepath.Join(logDir, fmt.Sprintf("run-%s-%d.log", stamp, i))
	}

	file, err := os.OpenFile(runFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create run log file: %w", err)
	}

	symlinkPath := filepath.Join(logDir, "latest.log")
	if _, err := os.Lstat(symlinkPath); err == nil {
		if err := os.Remove(symlinkPath); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to remove old symlink: %w", err)
		}
	}
	if err := os.Symlink(filepath.Base(runFile), symlinkPath); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to create symlink: %w", err)
	}

	fl := &FileLogger{
		logDir:      logDir,
		runLog:      file,
		runFile:     runFile,
		attemptsDir: attemptsDir,
		logLevel:    normalizeLogLevel(logLevel),
	}
	fl.writeRunLog("=== Warden Run Log ===\n")
	fl.writeRunLog(fmt.Sprintf("Started at: %s\n\n", time.Now().Format(time.RFC3339)))
	return fl, nil
}

func fileExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// RunFile returns the path of this run's log.
func (fl *FileLogger) RunFile() string { return fl.runFile }

func (fl *FileLogger) shouldLog(messageLevel string) bool {
	return logLevelToInt(messageLevel) >= logLevelToInt(fl.logLevel)
}

// LogTrace logs a trace-level message (most verbose).
func (fl *FileLogger) LogTrace(message string) { fl.logWithLevel("TRACE", message) }

// LogDebug logs a debug-level message.
func (fl *FileLogger) LogDebug(message string) { fl.logWithLevel("DEBUG", message) }

// LogInfo logs an info-level message.
func (fl *FileLogger) LogInfo(message string) { fl.logWithLevel("INFO", message) }

// LogWarn logs a warning-level message.
func (fl *FileLogger) LogWarn(message string) { fl.logWithLevel("WARN", message) }

// LogError logs an error-level message.
func (fl *FileLogger) LogError(message string) { fl.logWithLevel("ERROR", message) }

func (fl *FileLogger) logWithLevel(level string, message string) {
	if !fl.shouldLog(strings.ToLower(level)) {
		return
	}
	fl.writeRunLog(fmt.Sprintf("[%s] [%s] %s\n", time.Now().Format("15:04:05"), level, message))
}

// LogRunStart records the run's identity.
func (fl *FileLogger) LogRunStart(oc models.OrchestrationContext) {
	if !fl.shouldLog("info") {
		return
	}
	fl.writeRunLog(fmt.Sprintf("[%s] Run %s: task %s, branch %s, work tree %s, budget %d\n",
		time.Now().Format("15:04:05"), oc.RunID(), oc.TaskID(), oc.Branch(), oc.WorkTree(), oc.Budget()))
}

// LogAttemptStart marks the beginning of an attempt.
func (fl *FileLogger) LogAttemptStart(oc models.OrchestrationContext) {
	if !fl.shouldLog("info") {
		return
	}
	fl.writeRunLog(fmt.Sprintf("[%s] --- Attempt %d (%d retries left) ---\n",
		time.Now().Format("15:04:05"), oc.Attempt(), oc.Budget()))
}

// LogTransition records every state change, regardless of level.
func (fl *FileLogger) LogTransition(t models.Transition) {
	fl.writeRunLog(fmt.Sprintf("[%s] %s -> %s (attempt %d): %s\n",
		t.At.Format("15:04:05"), t.From, t.To, t.Attempt, t.Reason))
}

// LogStepResult records a step verdict.
func (fl *FileLogger) LogStepResult(attempt int, r models.StrategyResult) {
	if !fl.shouldLog("info") {
		return
	}
	verdict := "PASS"
	if !r.Success() {
		verdict = "FAIL " + string(r.Classification())
	}
	fl.writeRunLog(fmt.Sprintf("[%s] attempt %d %s: %s: %s\n",
		time.Now().Format("15:04:05"), attempt, r.Step(), verdict, r.Message()))
}

// LogBackoff records a backoff delay.
func (fl *FileLogger) LogBackoff(attempt int, delay time.Duration) {
	if !fl.shouldLog("info") {
		return
	}
	fl.writeRunLog(fmt.Sprintf("[%s] backing off %.1fs after attempt %d\n",
		time.Now().Format("15:04:05"), delay.Seconds(), attempt))
}

// LogRunComplete writes the summary to the run log and one detailed file per
// attempt.
func (fl *FileLogger) LogRunComplete(res *models.RunResult) {
	if res == nil {
		return
	}
	ts := time.Now().Format("15:04:05")
	fl.writeRunLog(fmt.Sprintf(
		"\n[%s] === RUN SUMMARY ===\n"+
			"[%s] Outcome:      %s (exit %d)\n"+
			"[%s] Attempts:     %d\n"+
			"[%s] Total time:   %.1fs\n"+
			"[%s] Completed at: %s\n",
		ts, ts, res.State, res.ExitCode(), ts, len(res.Attempts), ts, res.Duration.Seconds(), ts, time.Now().Format(time.RFC3339)))

	for _, a := range res.Attempts {
		if err := fl.writeAttemptLog(res, a); err != nil {
			fl.logWithLevel("WARN", err.Error())
		}
	}
}

// writeAttemptLog creates attempts/<run>-attempt-N.log with every step's
// message and details.
func (fl *FileLogger) writeAttemptLog(res *models.RunResult, a models.AttemptRecord) error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	name := fmt.Sprintf("%s-attempt-%d.log", safeName(res.RunID), a.Number)
	path := filepath.Join(fl.attemptsDir, name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create attempt log file: %w", err)
	}
	defer file.Close()

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("=== Run %s, attempt %d ===\n", res.RunID, a.Number))
	sb.WriteString(fmt.Sprintf("Task: %s\nBranch: %s\n", res.TaskID, res.Branch))
	if a.Outcome != "" {
		sb.WriteString(fmt.Sprintf("Agent outcome: %s\n", a.Outcome))
	}
	sb.WriteString(fmt.Sprintf("Duration: %.1fs\n\n", a.Duration.Seconds()))

	for _, s := range a.Steps {
		verdict := "PASS"
		if !s.Success() {
			verdict = "FAIL " + string(s.Classification())
		}
		sb.WriteString(fmt.Sprintf("#### %s - %s\n%s\n", s.Step(), verdict, s.Message()))
		details := s.Details()
		keys := make([]string, 0, len(details))
		for k := range details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sb.WriteString(fmt.Sprintf("\n%s:\n%v\n", k, details[k]))
		}
		sb.WriteString("\n")
	}

	if _, err := file.WriteString(sb.String()); err != nil {
		return fmt.Errorf("failed to write attempt log: %w", err)
	}
	return nil
}

func safeName(s string) string {
	if s == "" {
		return "run"
	}
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ':' {
			return '_'
		}
		return r
	}, s)
}

// writeRunLog writes a message to the run log file in a thread-safe manner.
func (fl *FileLogger) writeRunLog(message string) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.runLog != nil {
		fl.runLog.WriteString(message)
	}
}

// Close closes the run log file.
func (fl *FileLogger) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.runLog != nil {
		err := fl.runLog.Close()
		fl.runLog = nil
		return err
	}
	return nil
}
