package logger

import (
	"github.com/fatih/color"

	"github.com/harrison/warden/internal/models"
)

// colorScheme defines consistent colors for run output.
// Green: passing steps and SUCCESS
// Red: failures and FAILED
// Yellow: retries, backoff and CANCELLED
// Cyan: labels and identifiers
type colorScheme struct {
	success *color.Color
	fail    *color.Color
	warn    *color.Color
	label   *color.Color
	bold    *color.Color
}

func newColorScheme() *colorScheme {
	return &colorScheme{
		success: color.New(color.FgGreen),
		fail:    color.New(color.FgRed),
		warn:    color.New(color.FgYellow),
		label:   color.New(color.FgCyan),
		bold:    color.New(color.Bold),
	}
}

// state colors a state name by how the run is going.
func (s *colorScheme) state(st models.State) string {
	switch st {
	case models.StateSuccess:
		return s.success.Sprint(st)
	case models.StateFailed:
		return s.fail.Sprint(st)
	case models.StateCancelled, models.StateRemediation:
		return s.warn.Sprint(st)
	default:
		return s.label.Sprint(st)
	}
}

// verdict colors PASS/FAIL and the failure classification.
func (s *colorScheme) verdict(r models.StrategyResult) string {
	if r.Success() {
		return s.success.Sprint("PASS")
	}
	switch r.Classification() {
	case models.Fatal:
		return s.fail.Sprintf("FAIL (%s)", r.Classification())
	default:
		return s.warn.Sprintf("FAIL (%s)", r.Classification())
	}
}
