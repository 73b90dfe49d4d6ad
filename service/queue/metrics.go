package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mta_queue_enqueued_total",
			Help: "Jobs added to the delivery queue.",
		},
		[]string{
			"kind",
		},
	)
	metricOutcome = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mta_queue_attempts_total",
			Help: "Delivery attempts by outcome: delivered, retry or failed.",
		},
		[]string{
			"kind",
			"outcome",
		},
	)
	metricAttemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mta_queue_attempt_duration_seconds",
			Help:    "Duration of a single delivery attempt.",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
		},
		[]string{
			"kind",
		},
	)
)
