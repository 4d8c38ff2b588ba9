package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StageDuration tracks stage execution time.
	// Labels: stage, outcome (success, error)
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "agentflow",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Duration of stage executions in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		},
		[]string{"stage", "outcome"},
	)

	// TaskOutcomes counts tasks settling into a non-running state.
	// Labels: state (paused, completed, failed, cancelled)
	TaskOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentflow",
			Subsystem: "pipeline",
			Name:      "task_outcomes_total",
			Help:      "Total number of task executions by resulting state",
		},
		[]string{"state"},
	)

	// ActiveExecutions is the number of executions currently running stages.
	ActiveExecutions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "agentflow",
			Subsystem: "pipeline",
			Name:      "active_executions",
			Help:      "Number of task executions currently in progress",
		},
	)
)
