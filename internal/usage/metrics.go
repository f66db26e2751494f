package usage

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Jrmromao/prompt-craft-sub007/internal/metrics"
)

var (
	// RecordsTotal counts usage records by feature and success.
	RecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Name:      "usage_records_total",
			Help:      "Usage records stored by feature and success.",
		},
		[]string{"feature", "success"},
	)

	// CostTotal sums recorded AI spend by feature.
	CostTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Name:      "usage_cost_total",
			Help:      "Recorded AI operation cost by feature, in account currency.",
		},
		[]string{"feature"},
	)
)

func init() {
	prometheus.MustRegister(RecordsTotal, CostTotal)
}
