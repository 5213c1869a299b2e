package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gate.
// Pass to components that need to record metrics.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	AdmissionDecisions *prometheus.CounterVec
	RateLimitKeys      prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "subsync_limiter",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests processed",
			},
			[]string{"method", "status"}, // status=ok/rate_limited/unavailable/error
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "subsync_limiter",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets, // 5ms to 10s
			},
			[]string{"method"},
		),
		AdmissionDecisions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "subsync_limiter",
				Name:      "admission_decisions_total",
				Help:      "Total admission decisions",
			},
			[]string{"rule", "result"}, // result=allowed/rate_limited/unmatched/error
		),
		RateLimitKeys: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "subsync_limiter",
				Name:      "rate_limit_keys",
				Help:      "Number of configured rate limit keys",
			},
		),
	}
}
