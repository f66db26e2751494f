package alerts

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Jrmromao/prompt-craft-sub007/internal/metrics"
)

// TriggeredTotal counts triggered alerts by type.
var TriggeredTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Name:      "alerts_triggered_total",
		Help:      "Triggered usage alerts by type.",
	},
	[]string{"type"},
)

func init() {
	prometheus.MustRegister(TriggeredTotal)
}
