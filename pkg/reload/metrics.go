package reload

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cycleTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swconf_reload_cycle_total",
			Help: "Total number of reload cycles by final state",
		},
		[]string{"state"}, // committed, rolled_back
	)

	cycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "swconf_reload_cycle_duration_seconds",
			Help:    "Time taken by a reload cycle",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{"state"},
	)

	cyclesCoalesced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "swconf_reload_coalesced_total",
			Help: "Reload requests folded into the pending flag while a cycle ran",
		},
	)

	appliedVersion = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "swconf_reload_applied_version",
			Help: "Store version of the last committed reload",
		},
	)
)
