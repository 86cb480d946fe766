package reputation

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains Prometheus metrics for the reputation engine.
type Metrics struct {
	computesTotal *prometheus.CounterVec
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// GetMetrics returns the process-wide reputation metrics.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			computesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentgate_reputation_computes_total",
					Help: "Total reputation snapshot computations by window",
				},
				[]string{"window"},
			),
		}
	})
	return metricsInstance
}
