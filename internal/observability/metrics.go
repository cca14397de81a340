package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RideRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_sync", Name: "ride_requests_total", Help: "Total ride requests created"})
	TransitionsTotal  = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_sync", Name: "transitions_total", Help: "Committed ride status transitions"},
		[]string{"from", "to"},
	)
	RejectedTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_sync", Name: "rejected_transitions_total", Help: "Transitions rejected by the lifecycle table"},
		[]string{"to"},
	)
	AcceptOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_sync", Name: "accept_outcomes_total", Help: "Arbitration results by outcome"},
		[]string{"outcome"},
	)
	BroadcastFanout = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ride_sync",
		Name:      "broadcast_fanout_drivers",
		Help:      "Number of drivers a ride request was broadcast to",
		Buckets:   []float64{0, 1, 2, 4, 8, 16, 32},
	})
	ExpiredRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_sync", Name: "expired_requests_total", Help: "Ride requests expired by TTL"})
	RelayDroppedTotal    = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_sync", Name: "relay_dropped_total", Help: "Location/chat events dropped at the relay boundary"},
		[]string{"relay", "reason"},
	)
	ConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "ride_sync", Name: "connections_active", Help: "Authenticated websocket sessions"},
		[]string{"role"},
	)
	MalformedEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_sync", Name: "malformed_events_total", Help: "Inbound events discarded as malformed"},
		[]string{"type"},
	)

	ConsumerMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_sync", Subsystem: "consumer", Name: "messages_total", Help: "Driver location messages read from Kafka"},
		[]string{"result"},
	)
	ConsumerRedisUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_sync", Subsystem: "consumer", Name: "redis_updates_total", Help: "Geo index writes by result"},
		[]string{"result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_sync", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_sync",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
