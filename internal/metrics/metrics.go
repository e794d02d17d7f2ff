// Package metrics turns finished runs into Prometheus counters and writes
// them to a node_exporter textfile.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/harrison/warden/internal/models"
)

const namespace = "warden"

// Metrics holds the run collectors on a private registry.
type Metrics struct {
	registry     *prometheus.Registry
	runs         *prometheus.CounterVec
	attempts     prometheus.Counter
	agentRuns    prometheus.Counter
	stepFailures *prometheus.CounterVec
	runDuration  prometheus.Histogram
}

// New registers the run collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Finished runs by terminal state.",
			},
			[]string{"state"},
		),
		attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Attempts started across all runs.",
		}),
		agentRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_runs_total",
			Help:      "Entries into AGENT_RUN across all runs.",
		}),
		stepFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_failures_total",
				Help:      "Failed step results by step and classification.",
			},
			[]string{"step", "classification"},
		),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time from INIT to the terminal state.",
			Buckets:   []float64{30, 60, 300, 600, 1800, 3600, 7200},
		}),
	}
	m.registry.MustRegister(m.runs, m.attempts, m.agentRuns, m.stepFailures, m.runDuration)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveRun folds one finished run into the counters.
func (m *Metrics) ObserveRun(res *models.RunResult) {
	if m == nil || res == nil {
		return
	}
	m.runs.WithLabelValues(string(res.State)).Inc()
	m.attempts.Add(float64(len(res.Attempts)))
	m.agentRuns.Add(float64(res.AgentRuns()))
	m.runDuration.Observe(res.Duration.Seconds())
	for _, a := range res.Attempts {
		for _, s := range a.Steps {
			if !s.Success() {
				m.stepFailures.WithLabelValues(s.Step(), string(s.Classification())).Inc()
			}
		}
	}
}

// WriteTextfile writes the current values to path in the Prometheus text
// format. The write goes through a temporary file and a rename.
func (m *Metrics) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
