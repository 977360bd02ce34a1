// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts evaluated gateway requests by provider shape and
	// final verdict action.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aegisgate",
		Name:      "requests_total",
		Help:      "Evaluated gateway requests by shape and verdict.",
	}, []string{"shape", "verdict"})

	// FindingsTotal counts detector findings by detector id.
	FindingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aegisgate",
		Name:      "findings_total",
		Help:      "Detector findings by detector id.",
	}, []string{"detector"})

	// RequestDuration observes end-to-end gateway latency per shape.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "aegisgate",
		Name:      "request_duration_seconds",
		Help:      "End-to-end request latency by shape.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"shape"})

	// BlockedTotal counts security blocks by risk level.
	BlockedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aegisgate",
		Name:      "blocked_total",
		Help:      "Requests blocked by policy, by risk level.",
	}, []string{"risk_level"})

	// LiveSessions tracks the current number of live sessions.
	LiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "aegisgate",
		Name:      "live_sessions",
		Help:      "Sessions currently tracked.",
	})
)

// Handler returns the /metrics endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
