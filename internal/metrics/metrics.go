// README: Prometheus collectors for the dispatch core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	IndexWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_index_writes_total",
		Help: "Courier index writes by operation and result",
	}, []string{"op", "result"})

	NearbyQueryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatch_nearby_query_duration_seconds",
		Help:    "Time spent answering nearby courier queries",
		Buckets: prometheus.DefBuckets,
	})

	CleanupRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_cleanup_removed_total",
		Help: "Couriers removed by the heartbeat sweep",
	})

	TrackedCouriers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_tracked_couriers",
		Help: "Couriers currently present in the index",
	})

	ETARequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_eta_requests_total",
		Help: "ETA predictions by cache outcome",
	}, []string{"outcome"})

	SurgeComputations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_surge_computations_total",
		Help: "Surge index lookups by source",
	}, []string{"source"})

	Assignments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_assignments_total",
		Help: "Assignment attempts by outcome",
	}, []string{"outcome"})

	ScorerSelections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_scorer_selections_total",
		Help: "Candidate scores by scorer variant",
	}, []string{"variant"})

	AssignmentDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatch_assignment_duration_seconds",
		Help:    "End-to-end assignment latency",
		Buckets: prometheus.DefBuckets,
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatch_http_request_duration_seconds",
		Help:    "HTTP request latency by route and status",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

var QueueDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dispatch_queue_deliveries_total",
	Help: "Queued assignment requests by outcome",
}, []string{"action"})
