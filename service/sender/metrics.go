package sender

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mta_sender_attempts_total",
			Help: "Delivery attempts by transport and outcome: accepted, deferred or rejected.",
		},
		[]string{
			"transport",
			"outcome",
		},
	)
	metricPoolDials = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mta_sender_pool_dials_total",
			Help: "New pooled connections.",
		},
	)
)
