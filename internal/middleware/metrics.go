package middleware

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains Prometheus metrics for the HTTP middleware.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	panicsRecovered prometheus.Counter
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// GetMetrics returns the process-wide middleware metrics.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			requestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentgate_http_requests_total",
					Help: "Total HTTP requests by method and status",
				},
				[]string{"method", "status"},
			),
			requestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agentgate_http_request_duration_seconds",
					Help:    "HTTP request duration by method",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"method"},
			),
			panicsRecovered: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "agentgate_http_panics_recovered_total",
					Help: "Total panics recovered by the recovery middleware",
				},
			),
		}
	})
	return metricsInstance
}
