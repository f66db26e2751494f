package limits

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Jrmromao/prompt-craft-sub007/internal/metrics"
)

// DecisionsTotal counts limit checks by kind and result.
var DecisionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Name:      "limit_decisions_total",
		Help:      "Plan limit checks by kind and result (allowed, warning, denied, error).",
	},
	[]string{"check", "result"},
)

func init() {
	prometheus.MustRegister(DecisionsTotal)
}

func observeDecision(check, result string, err error) {
	if err != nil {
		result = "error"
	}
	if result == "" {
		return
	}
	DecisionsTotal.WithLabelValues(check, result).Inc()
}

func allowedResult(allowed bool) string {
	if allowed {
		return "allowed"
	}
	return "denied"
}

func spendResult(c *SpendCheck) string {
	switch {
	case c == nil:
		return ""
	case !c.Allowed:
		return "denied"
	case c.Warning:
		return "warning"
	default:
		return "allowed"
	}
}
