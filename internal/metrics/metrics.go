// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Fills = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bracketbot_fills_total",
		Help: "Observed leg fills by role",
	}, []string{"role"})

	Escalations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bracketbot_escalations_total",
		Help: "Failures escalated for manual intervention, by kind",
	}, []string{"kind"})

	PollErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bracketbot_poll_errors_total",
		Help: "Reconciliation cycles that failed to list broker orders",
	})

	PersistErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bracketbot_persist_errors_total",
		Help: "Position writes that failed and left the store behind memory",
	})

	ActivePositions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bracketbot_active_positions",
		Help: "Non-CLOSED positions in the active set",
	})

	BrokerCallSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bracketbot_broker_call_seconds",
		Help:    "Latency of brokerage calls by operation",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"op", "result"})
)

func init() {
	prometheus.MustRegister(Fills, Escalations, PollErrors, PersistErrors, ActivePositions, BrokerCallSeconds)
}
