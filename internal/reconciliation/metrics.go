package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileGaps = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrow",
		Subsystem: "reconciliation",
		Name:      "gaps",
		Help:      "Number of unresolved records found in last reconciliation run.",
	})

	reconcileAlerts = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrow",
		Subsystem: "reconciliation",
		Name:      "alerts",
		Help:      "Number of gaps older than the alert threshold in last reconciliation run.",
	})

	reconcileSettled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrow",
		Subsystem: "reconciliation",
		Name:      "settled_total",
		Help:      "Records moved to a terminal status by reconciliation.",
	}, []string{"kind"})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "escrow",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrow",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileGaps,
		reconcileAlerts,
		reconcileSettled,
		reconcileDuration,
		reconcileErrors,
	)
}
