package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Published counts messages relayed to NATS.
	Published = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentflow",
		Subsystem: "relay",
		Name:      "published_total",
		Help:      "Total number of events relayed to NATS",
	}, []string{"kind"})

	// Failures counts events that could not be relayed.
	Failures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentflow",
		Subsystem: "relay",
		Name:      "failures_total",
		Help:      "Total number of events that failed to relay",
	}, []string{"kind"})
)
