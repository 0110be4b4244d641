// Package metrics provides Prometheus metrics for the perception pipeline.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "percept"

var (
	// StepCalls tracks step executions by prompt type and outcome.
	StepCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "step",
			Name:      "calls_total",
			Help:      "Total number of step executions by prompt type and outcome",
		},
		[]string{"prompt_type", "outcome"},
	)

	// StepLatency tracks backend latency per prompt type in seconds.
	StepLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "step",
			Name:      "latency_seconds",
			Help:      "Latency of step backend calls in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"prompt_type"},
	)

	// CacheRequests tracks cache operations.
	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "requests_total",
			Help:      "Total number of cache operations by backend, operation and result",
		},
		[]string{"backend", "op", "result"},
	)

	// LLMRetries tracks provider retries.
	LLMRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "retries_total",
			Help:      "Total number of retried provider requests",
		},
		[]string{"provider"},
	)

	// Runs tracks finished runs by template and validity level.
	Runs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of finished runs by template and validity level",
		},
		[]string{"template", "validity"},
	)

	// ParticipantEvents tracks participant filter decisions.
	ParticipantEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "participant",
			Name:      "events_total",
			Help:      "Total number of perception events by filter action",
		},
		[]string{"action"},
	)
)

// WriteTextfile dumps the default registry in the node_exporter textfile format.
func WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
