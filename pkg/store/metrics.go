package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	commitTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swconf_store_commit_total",
			Help: "Total number of commit attempts",
		},
		[]string{"outcome"}, // committed, noop, schema, reference, conflict, error
	)

	commitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "swconf_store_commit_duration_seconds",
			Help:    "Time taken to validate and persist a change set",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
	)

	storeVersion = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "swconf_store_version",
			Help: "Version of the current snapshot",
		},
	)

	notificationsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "swconf_store_notifications_dropped_total",
			Help: "Change notifications dropped because a subscriber was not keeping up",
		},
	)
)
