package risk

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains Prometheus metrics for risk classification.
type Metrics struct {
	classificationsTotal *prometheus.CounterVec
	stepUpDenialsTotal   prometheus.Counter
	eventsTotal          *prometheus.CounterVec
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// GetMetrics returns the process-wide risk metrics.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			classificationsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentgate_risk_classifications_total",
					Help: "Total risk classifications by level",
				},
				[]string{"level"},
			),
			stepUpDenialsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "agentgate_risk_stepup_denials_total",
					Help: "Total requests rejected for missing or invalid step-up tokens",
				},
			),
			eventsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentgate_risk_events_total",
					Help: "Total risk events appended by type",
				},
				[]string{"event_type"},
			),
		}
	})
	return metricsInstance
}
