package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels cycles that completed without errors.
	OutcomeSuccess = "success"
	// OutcomeError labels cycles that hit pipeline or dependency issues.
	OutcomeError = "error"
)

var (
	cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rollout_engine",
			Name:      "cycles_total",
			Help:      "Total number of pipeline cycles executed, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	cycleDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "rollout_engine",
			Name:      "cycle_seconds",
			Help:      "Pipeline cycle latency in seconds.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
	)

	activeTests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "rollout_engine",
			Name:      "active_tests",
			Help:      "Number of tests currently in a non-terminal phase.",
		},
	)

	testsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rollout_engine",
			Name:      "tests_finished_total",
			Help:      "Tests that reached a terminal phase, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	rollbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rollout_engine",
			Name:      "rollbacks_total",
			Help:      "Automatic and manual rollbacks, partitioned by triggering rule.",
		},
		[]string{"rule"},
	)

	suggestionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rollout_engine",
			Name:      "suggestions_total",
			Help:      "Suggestions processed, partitioned by resulting status.",
		},
		[]string{"status"},
	)
)

// Register attaches rollout-engine collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		cyclesTotal,
		cycleDurationSeconds,
		activeTests,
		testsFinishedTotal,
		rollbacksTotal,
		suggestionsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveCycle records a pipeline cycle duration and outcome label.
func ObserveCycle(duration time.Duration, outcome string) {
	label := outcome
	if label != OutcomeError {
		label = OutcomeSuccess
	}
	cyclesTotal.WithLabelValues(label).Inc()
	if duration < 0 {
		duration = 0
	}
	cycleDurationSeconds.Observe(duration.Seconds())
}

// SetActiveTests updates the active test gauge.
func SetActiveTests(n int) {
	activeTests.Set(float64(n))
}

// TestFinished counts a test reaching a terminal phase.
func TestFinished(outcome string) {
	testsFinishedTotal.WithLabelValues(outcome).Inc()
}

// RollbackTriggered counts a rollback by its triggering rule.
func RollbackTriggered(rule string) {
	rollbacksTotal.WithLabelValues(rule).Inc()
}

// SuggestionProcessed counts a suggestion by its resulting status.
func SuggestionProcessed(status string) {
	suggestionsTotal.WithLabelValues(status).Inc()
}
