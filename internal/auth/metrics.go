package auth

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains Prometheus metrics for authentication.
type Metrics struct {
	attemptsTotal   *prometheus.CounterVec
	attemptDuration prometheus.Histogram
	replaysTotal    prometheus.Counter
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// GetMetrics returns the process-wide authentication metrics.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			attemptsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentgate_auth_attempts_total",
					Help: "Total authentication attempts by outcome",
				},
				[]string{"outcome"},
			),
			attemptDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "agentgate_auth_duration_seconds",
					Help:    "Duration of authentication decisions",
					Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
				},
			),
			replaysTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "agentgate_auth_replays_total",
					Help: "Total requests answered from the idempotency cache",
				},
			),
		}
	})
	return metricsInstance
}
