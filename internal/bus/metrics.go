package bus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsPublished counts publish calls.
	// Labels: channel
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentflow",
			Subsystem: "bus",
			Name:      "events_published_total",
			Help:      "Total number of events published",
		},
		[]string{"channel"},
	)

	// HandlerFailures counts subscriber handlers that returned an error or panicked.
	// Labels: channel
	HandlerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentflow",
			Subsystem: "bus",
			Name:      "handler_failures_total",
			Help:      "Total number of subscriber handler failures",
		},
		[]string{"channel"},
	)

	// Requests counts request calls by outcome.
	// Labels: channel, outcome (ok, error, timeout, no_responder)
	Requests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentflow",
			Subsystem: "bus",
			Name:      "requests_total",
			Help:      "Total number of bus requests by outcome",
		},
		[]string{"channel", "outcome"},
	)
)
