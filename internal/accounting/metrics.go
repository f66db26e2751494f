package accounting

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Jrmromao/prompt-craft-sub007/internal/apperr"
	"github.com/Jrmromao/prompt-craft-sub007/internal/metrics"
)

// RequestsTotal counts Authorize and Settle calls by outcome.
var RequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Name:      "accounting_requests_total",
		Help:      "Authorize and settle calls by step and outcome.",
	},
	[]string{"step", "outcome"},
)

func init() {
	prometheus.MustRegister(RequestsTotal)
}

func observe(step string, err error) {
	var outcome string
	switch {
	case err == nil:
		outcome = "ok"
	case errors.Is(err, apperr.ErrLimitExceeded):
		outcome = "limit_exceeded"
	case errors.Is(err, apperr.ErrInsufficientCredits):
		outcome = "insufficient_credits"
	default:
		outcome = "error"
	}
	RequestsTotal.WithLabelValues(step, outcome).Inc()
}
