package credits

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Jrmromao/prompt-craft-sub007/internal/apperr"
	"github.com/Jrmromao/prompt-craft-sub007/internal/metrics"
)

var (
	// OpsTotal counts ledger operations by type and outcome.
	OpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Name:      "credit_operations_total",
			Help:      "Credit ledger operations by type and outcome.",
		},
		[]string{"op", "outcome"},
	)

	// OpDuration observes operation latency by type.
	OpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Name:      "credit_operation_duration_seconds",
			Help:      "Credit ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"op"},
	)

	// CreditsMovedTotal sums credits moved by transaction type and direction.
	CreditsMovedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Name:      "credits_moved_total",
			Help:      "Credits moved through the ledger by transaction type and direction.",
		},
		[]string{"type", "direction"},
	)
)

func init() {
	prometheus.MustRegister(OpsTotal, OpDuration, CreditsMovedTotal)
}

// observeOp starts timing op. The returned function records the outcome.
func observeOp(op string) func(err error) {
	start := time.Now()
	return func(err error) {
		OpsTotal.WithLabelValues(op, outcome(err)).Inc()
		OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

func observeTransaction(txn *Transaction) {
	if txn == nil {
		return
	}
	CreditsMovedTotal.WithLabelValues(string(txn.Type), string(txn.Direction)).Add(float64(txn.Amount))
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, apperr.ErrInsufficientCredits):
		return "insufficient"
	case errors.Is(err, apperr.ErrInvalidInput):
		return "rejected"
	default:
		return "error"
	}
}
