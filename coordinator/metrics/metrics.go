package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobTotal is the total number of training jobs, by final phase.
	JobTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flock_job_total",
			Help: "Total number of training jobs",
		},
		[]string{"phase"},
	)

	JobActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flock_job_active",
			Help: "Number of jobs currently running",
		},
	)

	RoundTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flock_round_total",
			Help: "Total number of training rounds",
		},
		[]string{"job", "outcome"},
	)

	RoundDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flock_round_duration_seconds",
			Help:    "Training round duration in seconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12), // 10s to ~11h
		},
		[]string{"job"},
	)

	// UpdatesCollected counts updates that entered a round buffer.
	UpdatesCollected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flock_updates_collected_total",
			Help: "Total number of client updates accepted into round buffers",
		},
		[]string{"job"},
	)

	UpdatesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flock_updates_rejected_total",
			Help: "Total number of client updates dropped by validation",
		},
		[]string{"job"},
	)

	AggregationTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flock_aggregation_total",
			Help: "Total number of aggregations performed",
		},
		[]string{"job", "algorithm"},
	)

	AggregationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flock_aggregation_duration_seconds",
			Help:    "Aggregation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~3m
		},
		[]string{"job", "algorithm"},
	)

	ByzantineDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flock_byzantine_detected_total",
			Help: "Total number of clients filtered out as Byzantine",
		},
		[]string{"job"},
	)

	// ClientTotal is the total number of registered clients, by screening outcome.
	ClientTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flock_client_total",
			Help: "Total number of client registrations",
		},
		[]string{"outcome"},
	)

	ClientAvailable = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flock_client_available",
			Help: "Number of clients currently available for selection",
		},
	)
)
