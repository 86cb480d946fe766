package idempotency

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains Prometheus metrics for the idempotency cache.
type Metrics struct {
	checksTotal       *prometheus.CounterVec
	storeErrorsTotal  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// GetMetrics returns the process-wide idempotency metrics.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			checksTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentgate_idempotency_checks_total",
					Help: "Total idempotency cache checks by outcome",
				},
				[]string{"outcome"},
			),
			storeErrorsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentgate_idempotency_store_errors_total",
					Help: "Total idempotency store errors by operation",
				},
				[]string{"operation"},
			),
			operationDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agentgate_idempotency_operation_duration_seconds",
					Help:    "Duration of idempotency store operations",
					Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
				},
				[]string{"operation"},
			),
		}
	})
	return metricsInstance
}

func outcomeLabel(o Outcome) string {
	switch o {
	case OutcomeReplay:
		return "replay"
	case OutcomeConflict:
		return "conflict"
	default:
		return "miss"
	}
}
