package tokenkeeper

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	refreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenkeeper_refresh_total",
		Help: "Refresh attempts by outcome (success, transient, fatal, coalesced, discarded).",
	}, []string{"outcome"})
	logoutTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenkeeper_logout_total",
		Help: "Sessions ended, by reason.",
	}, []string{"reason"})
	refreshLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tokenkeeper_refresh_duration_seconds",
		Help:    "Time spent in the refresh network call.",
		Buckets: prometheus.DefBuckets,
	})
)
