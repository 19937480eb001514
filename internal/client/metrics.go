package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_client_requests_total",
			Help: "Client requests by outcome: ok, or the stage that failed",
		},
		[]string{"outcome"},
	)

	requestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "courier_client_request_duration_seconds",
			Help:    "Time from Go to the completion callback",
			Buckets: prometheus.DefBuckets,
		},
	)
)
