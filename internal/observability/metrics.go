// README: Prometheus collectors for dispatch, settlement and the HTTP layer.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rideflow"

var (
	MatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "matches_total", Help: "Match attempts by outcome"},
		[]string{"outcome"},
	)
	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Name: "match_latency_seconds", Help: "Match latency seconds", Buckets: prometheus.DefBuckets,
	})
	RideTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Ride status transitions"},
		[]string{"to"},
	)
	SettlementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "settlements_total", Help: "Settlement attempts by kind and outcome"},
		[]string{"kind", "outcome"},
	)
	PricingAnomalies = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "pricing_anomalies_total", Help: "Non-fatal pricing anomalies"},
		[]string{"anomaly"},
	)
	NotificationsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "notifications_dropped_total", Help: "Notifications dropped because the queue was full or the send failed",
	})
	LocationUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "location_updates_total", Help: "Driver location messages by outcome"},
		[]string{"outcome"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
