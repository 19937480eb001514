package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_server_connections_active",
			Help: "Connections currently registered with a connection manager",
		},
	)

	connectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_server_connections_total",
			Help: "Total number of connections served",
		},
	)

	connectionsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_server_connections_rejected_total",
			Help: "Connections refused because the connection limit was reached",
		},
	)

	requestsServed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_server_requests_total",
			Help: "Responses written, by status code class",
		},
		[]string{"class"},
	)

	readErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_server_read_errors_total",
			Help: "Requests that failed to read, by error kind",
		},
		[]string{"kind"},
	)

	dispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "courier_server_dispatch_duration_seconds",
			Help:    "Time spent in the request handler strategy",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}
