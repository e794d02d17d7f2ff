package logger

import (
	"time"

	"github.com/harrison/warden/internal/models"
)

// RunLogger is what the CLI hands to the orchestrator and collaborators.
type RunLogger interface {
	LogTrace(message string)
	LogDebug(message string)
	LogInfo(message string)
	LogWarn(message string)
	LogError(message string)
	LogRunStart(oc models.OrchestrationContext)
	LogAttemptStart(oc models.OrchestrationContext)
	LogTransition(t models.Transition)
	LogStepResult(attempt int, r models.StrategyResult)
	LogBackoff(attempt int, delay time.Duration)
	LogRunComplete(res *models.RunResult)
}

// MultiLogger forwards every call to each of its loggers in order.
type MultiLogger struct {
	loggers []RunLogger
}

// NewMultiLogger skips nil loggers.
func NewMultiLogger(loggers ...RunLogger) *MultiLogger {
	m := &MultiLogger{}
	for _, l := range loggers {
		if l != nil {
			m.loggers = append(m.loggers, l)
		}
	}
	return m
}

func (m *MultiLogger) each(fn func(RunLogger)) {
	for _, l := range m.loggers {
		fn(l)
	}
}

func (m *MultiLogger) LogTrace(msg string) { m.each(func(l RunLogger) { l.LogTrace(msg) }) }
func (m *MultiLogger) LogDebug(msg string) { m.each(func(l RunLogger) { l.LogDebug(msg) }) }
func (m *MultiLogger) LogInfo(msg string) { m.each(func(l RunLogger) { l.LogInfo(msg) }) }
func (m *MultiLogger) LogWarn(msg string) { m.each(func(l RunLogger) { l.LogWarn(msg) }) }
func (m *MultiLogger) LogError(msg string) { m.each(func(l RunLogger) { l.LogError(msg) }) }

func (m *MultiLogger) LogRunStart(oc models.OrchestrationContext) {
	m.each(func(l RunLogger) { l.LogRunStart(oc) })
}

func (m *MultiLogger) LogAttemptStart(oc models.OrchestrationContext) {
	m.each(func(l RunLogger) { l.LogAttemptStart(oc) })
}

func (m *MultiLogger) LogTransition(t models.Transition) {
	m.each(func(l RunLogger) { l.LogTransition(t) })
}

func (m *MultiLogger) LogStepResult(attempt int, r models.StrategyResult) {
	m.each(func(l RunLogger) { l.LogStepResult(attempt, r) })
}

func (m *MultiLogger) LogBackoff(attempt int, delay time.Duration) {
	m.each(func(l RunLogger) { l.LogBackoff(attempt, delay) })
}

func (m *MultiLogger) LogRunComplete(res *models.RunResult) {
	m.each(func(l RunLogger) { l.LogRunComplete(res) })
}
