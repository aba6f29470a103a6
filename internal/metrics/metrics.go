// Package metrics holds the Prometheus collectors shared by the server
// components.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Result label values.
const (
	ResultOK     = "ok"
	ResultDenied = "denied"
	ResultError  = "error"
)

var (
	Requests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbcast_requests_total",
			Help: "Total number of dispatcher requests by operation and outcome",
		},
		[]string{"operation", "result"},
	)

	RateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbcast_rate_limited_total",
			Help: "Total number of requests rejected by the rate limiter by class",
		},
		[]string{"class"},
	)

	Broadcasts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dbcast_broadcasts_total",
			Help: "Total number of channel broadcasts handed to the transport",
		},
	)

	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbcast_deliveries_total",
			Help: "Total number of messages queued to connections, by outcome",
		},
		[]string{"result"},
	)

	Connections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dbcast_connections",
			Help: "Number of authenticated transport connections",
		},
	)

	IngestEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbcast_ingest_events_total",
			Help: "Total number of change events received from ingest sources",
		},
		[]string{"source", "result"},
	)

	PublishDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dbcast_publish_duration_seconds",
			Help:    "Duration of publish validation and fan-out",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)
)

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
