package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Store labels.
const (
	storeMemory   = "memory"
	storePostgres = "postgres"
)

var (
	opsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrow",
		Subsystem: "ledger",
		Name:      "operations_total",
		Help:      "Ledger operations by backing store and operation.",
	}, []string{"store", "op"})

	opDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "escrow",
		Subsystem: "ledger",
		Name:      "operation_duration_seconds",
		Help:      "Ledger operation latency in seconds.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
	}, []string{"store", "op"})

	// A steady conflict rate means two writers (approve and the timer,
	// or two instances) keep racing on the same records.
	conflictsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrow",
		Subsystem: "ledger",
		Name:      "cas_conflicts_total",
		Help:      "Status updates rejected because the persisted status had moved.",
	}, []string{"store", "record"})
)

func init() {
	prometheus.MustRegister(opsTotal, opDuration, conflictsTotal)
}

// observeOp counts op and returns a func recording its latency.
func observeOp(store, op string) func() {
	opsTotal.WithLabelValues(store, op).Inc()
	start := time.Now()
	return func() {
		opDuration.WithLabelValues(store, op).Observe(time.Since(start).Seconds())
	}
}

func conflict(store, record string) {
	conflictsTotal.WithLabelValues(store, record).Inc()
}
