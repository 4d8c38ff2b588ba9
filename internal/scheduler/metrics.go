package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth is the number of jobs waiting for a worker.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentflow",
		Subsystem: "scheduler",
		Name:      "queue_depth",
		Help:      "Number of queued jobs waiting for a worker",
	})

	// Dispatched counts jobs handed to the engine.
	Dispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentflow",
		Subsystem: "scheduler",
		Name:      "dispatched_total",
		Help:      "Total number of jobs dispatched to the engine",
	}, []string{"kind"})

	// Rejected counts submissions refused because the queue was full.
	Rejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agentflow",
		Subsystem: "scheduler",
		Name:      "rejected_total",
		Help:      "Total number of submissions rejected with a full queue",
	})
)
