// Package metrics holds the Prometheus collectors exported by the
// coordinator. Collectors register on the default registry and are served
// from GET /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// OpportunitiesResolved counts opportunities by final status.
var OpportunitiesResolved = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "arbexec",
		Subsystem: "orchestrator",
		Name:      "opportunities_resolved_total",
		Help:      "Opportunities resolved by the orchestrator, by final status",
	},
	[]string{"status"},
)

// DispatchRejected counts opportunities failed at the fail-fast gate.
var DispatchRejected = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "arbexec",
		Subsystem: "orchestrator",
		Name:      "dispatch_rejected_total",
		Help:      "Opportunities rejected before dispatch, by reason",
	},
	[]string{"reason"}, // missing_venue, invalid, expired
)

// OrphanExposures counts failed opportunities that left a placed leg behind.
var OrphanExposures = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "arbexec",
		Subsystem: "orchestrator",
		Name:      "orphan_exposures_total",
		Help:      "Failed opportunities with at least one leg placed",
	},
)

// InFlight is 1 while the orchestrator is joined on an opportunity.
var InFlight = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "arbexec",
		Subsystem: "orchestrator",
		Name:      "in_flight",
		Help:      "Opportunities currently dispatched and awaiting their legs",
	},
)

// JoinDuration observes dispatch-to-join latency in seconds.
var JoinDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "arbexec",
		Subsystem: "orchestrator",
		Name:      "join_duration_seconds",
		Help:      "Time from first enqueue until every leg reported",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
	},
)

// QueueDepth tracks pending tasks per venue queue.
var QueueDepth = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "arbexec",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Leg tasks waiting in the venue queue",
	},
	[]string{"venue"},
)

// LegResults counts reported leg results.
var LegResults = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "arbexec",
		Subsystem: "leg",
		Name:      "results_total",
		Help:      "Leg results reported to the completion barrier",
	},
	[]string{"venue", "result"}, // result: success, failed
)

// LegAttempts counts placement attempts per venue.
var LegAttempts = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "arbexec",
		Subsystem: "leg",
		Name:      "attempts_total",
		Help:      "Placement attempts made by leg executors",
	},
	[]string{"venue", "stage"}, // stage: prepare, submit
)

// RendezvousOutcomes counts wait outcomes.
var RendezvousOutcomes = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "arbexec",
		Subsystem: "rendezvous",
		Name:      "outcomes_total",
		Help:      "Rendezvous wait outcomes",
	},
	[]string{"outcome"}, // synced, timeout, cancelled, aborted, anomaly
)

// RendezvousWait observes how long a party waited for its partner.
var RendezvousWait = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "arbexec",
		Subsystem: "rendezvous",
		Name:      "wait_seconds",
		Help:      "Time a venue executor waited for its partner to become ready",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	},
)

// ActiveRendezvous tracks live per-arb sync states.
var ActiveRendezvous = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "arbexec",
		Subsystem: "rendezvous",
		Name:      "active",
		Help:      "Per-opportunity rendezvous states currently held in memory",
	},
)

// HTTPRequests counts API requests by route pattern and status code.
var HTTPRequests = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "arbexec",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Operational API requests",
	},
	[]string{"method", "route", "code"},
)

// OpportunitiesExpired counts active opportunities expired by the sweeper.
var OpportunitiesExpired = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "arbexec",
		Subsystem: "pipeline",
		Name:      "opportunities_expired_total",
		Help:      "Active opportunities moved to expired after their deadline",
	},
)
