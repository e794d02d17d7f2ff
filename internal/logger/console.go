// Package logger provides logging implementations for warden runs.
//
// The console and file loggers report orchestrator progress (attempts, state
// transitions, step results, backoff and the final outcome) as well as plain
// leveled messages from the collaborators. Implementations are thread-safe.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/harrison/warden/internal/models"
)

// Log level constants for filtering
const (
	levelTrace int = 0
	levelDebug int = 1
	levelInfo  int = 2
	levelWarn  int = 3
	levelError int = 4
)

// ConsoleLogger logs run progress to a writer with timestamps and thread safety.
// All output is prefixed with [HH:MM:SS] timestamps.
// Color output is enabled when writing to a terminal.
type ConsoleLogger struct {
	writer      io.Writer
	logLevel    string
	mutex       sync.Mutex
	colorOutput bool
	colors      *colorScheme
}

// NewConsoleLogger creates a ConsoleLogger that writes to the provided io.Writer.
// If writer is nil, messages are silently discarded.
// Valid levels: trace, debug, info, warn, error (case-insensitive).
// If logLevel is empty or invalid, defaults to "info".
func NewConsoleLogger(writer io.Writer, logLevel string) *ConsoleLogger {
	return &ConsoleLogger{
		writer:      writer,
		logLevel:    normalizeLogLevel(logLevel),
		colorOutput: isTerminal(writer),
		colors:      newColorScheme(),
	}
}

// isTerminal reports whether w is a TTY that should get colors. NO_COLOR
// disables colors through fatih/color.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok || f == nil {
		return false
	}
	if color.NoColor {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// normalizeLogLevel converts a log level string to lowercase and validates it.
// Returns "info" as default for empty or invalid levels.
func normalizeLogLevel(level string) string {
	normalized := strings.ToLower(strings.TrimSpace(level))
	switch normalized {
	case "trace", "debug", "info", "warn", "error":
		return normalized
	}
	return "info"
}

// ValidLogLevel reports whether level names a known log level.
func ValidLogLevel(level string) bool {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace", "debug", "info", "warn", "error":
		return true
	}
	return false
}

// logLevelToInt converts a log level string to its numeric value.
func logLevelToInt(level string) int {
	switch level {
	case "trace":
		return levelTrace
	case "debug":
		return levelDebug
	case "info":
		return levelInfo
	case "warn":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

func (cl *ConsoleLogger) shouldLog(messageLevel string) bool {
	return logLevelToInt(messageLevel) >= logLevelToInt(cl.logLevel)
}

// LogTrace logs a trace-level message (most verbose).
func (cl *ConsoleLogger) LogTrace(message string) { cl.logWithLevel("TRACE", message) }

// LogDebug logs a debug-level message.
func (cl *ConsoleLogger) LogDebug(message string) { cl.logWithLevel("DEBUG", message) }

// LogInfo logs an info-level message.
func (cl *ConsoleLogger) LogInfo(message string) { cl.logWithLevel("INFO", message) }

// LogWarn logs a warning-level message.
func (cl *ConsoleLogger) LogWarn(message string) { cl.logWithLevel("WARN", message) }

// LogError logs an error-level message.
func (cl *ConsoleLogger) LogError(message string) { cl.logWithLevel("ERROR", message) }

// logWithLevel writes "[HH:MM:SS] [LEVEL] message" if filtering allows it.
func (cl *ConsoleLogger) logWithLevel(level string, message string) {
	if cl.writer == nil || !cl.shouldLog(strings.ToLower(level)) {
		return
	}

	tag := level
	if cl.colorOutput {
		switch level {
		case "TRACE":
			tag = color.New(color.FgHiBlack).Sprint(level)
		case "DEBUG":
			tag = color.New(color.FgCyan).Sprint(level)
		case "INFO":
			tag = color.New(color.FgBlue).Sprint(level)
		case "WARN":
			tag = color.New(color.FgYellow).Sprint(level)
		case "ERROR":
			tag = color.New(color.FgRed).Sprint(level)
		}
	}
	cl.write(fmt.Sprintf("[%s] [%s] %s\n", timestamp(), tag, message))
}

// write emits pre-formatted lines at INFO level.
func (cl *ConsoleLogger) write(s string) {
	cl.mutex.Lock()
	defer cl.mutex.Unlock()
	cl.writer.Write([]byte(s))
}

func (cl *ConsoleLogger) infoEnabled() bool {
	return cl.writer != nil && cl.shouldLog("info")
}

// paint applies c when color output is on.
func (cl *ConsoleLogger) paint(c *color.Color, s string) string {
	if !cl.colorOutput {
		return s
	}
	return c.Sprint(s)
}

// LogRunStart logs the task and branch of a new run.
// Format: "[HH:MM:SS] Starting run <id>: task <task> on <branch> (budget <n>)"
func (cl *ConsoleLogger) LogRunStart(oc models.OrchestrationContext) {
	if !cl.infoEnabled() {
		return
	}
	cl.write(fmt.Sprintf("[%s] Starting run %s: task %s on %s (budget %d)\n",
		timestamp(), oc.RunID(), cl.paint(cl.colors.bold, oc.TaskID()), oc.Branch(), oc.Budget()))
}

// LogAttemptStart logs the beginning of an attempt.
// Format: "[HH:MM:SS] Attempt <n> (<budget> retries left)"
func (cl *ConsoleLogger) LogAttemptStart(oc models.OrchestrationContext) {
	if !cl.infoEnabled() {
		return
	}
	cl.write(fmt.Sprintf("[%s] %s (%d retries left)\n",
		timestamp(), cl.paint(cl.colors.bold, fmt.Sprintf("Attempt %d", oc.Attempt())), oc.Budget()))
}

// LogTransition logs a state change at DEBUG level.
// Format: "[HH:MM:SS] <FROM> -> <TO>: <reason>"
func (cl *ConsoleLogger) LogTransition(t models.Transition) {
	if cl.writer == nil || !cl.shouldLog("debug") {
		return
	}
	from, to := string(t.From), string(t.To)
	if cl.colorOutput {
		from, to = cl.colors.state(t.From), cl.colors.state(t.To)
	}
	cl.write(fmt.Sprintf("[%s] %s -> %s: %s\n", timestamp(), from, to, firstLine(t.Reason)))
}

// LogStepResult logs one step's verdict.
// Format: "[HH:MM:SS]   <step>: PASS|FAIL (<classification>) - <message>"
func (cl *ConsoleLogger) LogStepResult(attempt int, r models.StrategyResult) {
	if !cl.infoEnabled() {
		return
	}
	verdict := "PASS"
	if !r.Success() {
		verdict = fmt.Sprintf("FAIL (%s)", r.Classification())
	}
	if cl.colorOutput {
		verdict = cl.colors.verdict(r)
	}
	cl.write(fmt.Sprintf("[%s]   %s: %s - %s\n", timestamp(), r.Step(), verdict, firstLine(r.Message())))
}

// LogBackoff logs the wait before re-running the agent.
func (cl *ConsoleLogger) LogBackoff(attempt int, delay time.Duration) {
	if !cl.infoEnabled() {
		return
	}
	cl.write(fmt.Sprintf("[%s] %s\n", timestamp(),
		cl.paint(cl.colors.warn, fmt.Sprintf("Backing off %s after attempt %d", formatDuration(delay), attempt))))
}

// LogRunComplete logs the run summary.
func (cl *ConsoleLogger) LogRunComplete(res *models.RunResult) {
	if !cl.infoEnabled() || res == nil {
		return
	}
	ts := timestamp()
	state := string(res.State)
	if cl.colorOutput {
		state = cl.colors.state(res.State)
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] %s\n", ts, cl.paint(cl.colors.bold, "=== Run Summary ===")))
	sb.WriteString(fmt.Sprintf("[%s] Outcome: %s\n", ts, state))
	sb.WriteString(fmt.Sprintf("[%s] Attempts: %d\n", ts, len(res.Attempts)))
	sb.WriteString(fmt.Sprintf("[%s] Duration: %s\n", ts, formatDuration(res.Duration)))
	if final, ok := res.Final(); ok && !final.Success() {
		sb.WriteString(fmt.Sprintf("[%s] Last failure: %s: %s\n", ts, final.Step(), cl.paint(cl.colors.fail, firstLine(final.Message()))))
	}
	cl.write(sb.String())
}

// timestamp returns the current time formatted as "15:04:05" (HH:MM:SS).
func timestamp() string {
	return time.Now().Format("15:04:05")
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}

// formatDuration converts a time.Duration to a human-readable string.
// Examples: "5s", "1m30s", "2h15m"
func formatDuration(d time.Duration) string {
	switch {
	case d >= time.Hour:
		hours := d / time.Hour
		remainder := d % time.Hour
		if remainder == 0 {
			return fmt.Sprintf("%dh", hours)
		}
		minutes := remainder / time.Minute
		remainder = remainder % time.Minute
		if remainder == 0 {
			return fmt.Sprintf("%dh%dm", hours, minutes)
		}
		seconds := remainder / time.Second
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	case d >= time.Minute:
		minutes := d / time.Minute
		remainder := d % time.Minute
		if remainder == 0 {
			return fmt.Sprintf("%dm", minutes)
		}
		seconds := remainder / time.Second
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	case d > 0 && d < time.Second:
		return d.Round(time.Millisecond).String()
	default:
		return fmt.Sprintf("%ds", int64(d.Seconds()))
	}
}

// NoOpLogger discards everything. Useful for testing or when logging is
// disabled.
type NoOpLogger struct{}

// NewNoOpLogger creates a NoOpLogger instance.
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

func (n *NoOpLogger) LogTrace(string) {}
func (n *NoOpLogger) LogDebug(string) {}
func (n *NoOpLogger) LogInfo(string) {}
func (n *NoOpLogger) LogWarn(string) {}
func (n *NoOpLogger) LogError(string) {}
func (n *NoOpLogger) LogRunStart(models.OrchestrationContext) {}
func (n *NoOpLogger) LogAttemptStart(models.OrchestrationContext) {}
func (n *NoOpLogger) LogTransition(models.Transition) {}
func (n *NoOpLogger) LogStepResult(int, models.StrategyResult) {}
func (n *NoOpLogger) LogBackoff(int, time.Duration) {}
func (n *NoOpLogger) LogRunComplete(*models.RunResult) {}
