package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TripsCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "trips_created_total", Help: "Total number of trips created"})

	TripTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool", Name: "trip_transitions_total", Help: "Trip status transitions by target status"},
		[]string{"status"},
	)

	BookingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool", Name: "booking_requests_total", Help: "Booking requests by outcome"},
		[]string{"outcome"},
	)
	BookingTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool", Name: "booking_transitions_total", Help: "Booking status transitions by target status"},
		[]string{"status"},
	)

	RatingsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool", Name: "ratings_submitted_total", Help: "Rating submissions by type and outcome"},
		[]string{"type", "outcome"},
	)
	StatsRecomputeLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "carpool", Name: "stats_recompute_seconds", Help: "Rating stats recompute latency seconds"})

	LockWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "carpool",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for a keyed lock",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 3},
		},
		[]string{"backend"},
	)

	FeedWatchers = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "carpool", Name: "feed_watchers", Help: "Number of connected trip feed sockets"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "carpool",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
