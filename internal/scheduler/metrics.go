package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the retention sweeper.
type Metrics struct {
	SweepsTotal   prometheus.Counter
	SweepsFailed  prometheus.Counter
	ReportsPruned prometheus.Counter
	PruneErrors   prometheus.Counter
	SweepDuration prometheus.Histogram
}

// NewMetrics creates and registers sweeper metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		SweepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nyumba",
			Subsystem: "retention",
			Name:      "sweeps_total",
			Help:      "Total completed retention sweeps.",
		}),
		SweepsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nyumba",
			Subsystem: "retention",
			Name:      "sweeps_failed_total",
			Help:      "Total sweeps that failed before pruning anything.",
		}),
		ReportsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nyumba",
			Subsystem: "retention",
			Name:      "reports_pruned_total",
			Help:      "Total reports removed by retention sweeps.",
		}),
		PruneErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nyumba",
			Subsystem: "retention",
			Name:      "prune_errors_total",
			Help:      "Total reports whose removal failed and was deferred.",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "nyumba",
			Subsystem: "retention",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of each retention sweep.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
	}

	reg.MustRegister(
		m.SweepsTotal,
		m.SweepsFailed,
		m.ReportsPruned,
		m.PruneErrors,
		m.SweepDuration,
	)

	return m
}
