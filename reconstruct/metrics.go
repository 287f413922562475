package reconstruct

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reconstructions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "wenofit",
		Subsystem: "reconstruct",
		Name:      "corrections_total",
		Help:      "Number of face correction evaluations.",
	})

	limitedCells = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "wenofit",
		Subsystem: "reconstruct",
		Name:      "limited_cells_total",
		Help:      "Cells whose limiter factor fell below one.",
	})

	reconstructDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "wenofit",
		Subsystem: "reconstruct",
		Name:      "correction_duration_seconds",
		Help:      "Wall time of one face correction, halo swap included.",
		Buckets:   prometheus.ExponentialBuckets(1e-4, 4, 10),
	})
)
