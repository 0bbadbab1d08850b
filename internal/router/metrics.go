package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nancy_queries_total",
			Help: "Queries served, by analyzed intent type",
		},
		[]string{"query_type"},
	)

	queryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nancy_query_duration_seconds",
			Help:    "End-to-end query latency including synthesis",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
	)

	brainTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nancy_brain_timeouts_total",
			Help: "Per-brain sub-query deadline expiries",
		},
		[]string{"brain"},
	)

	cacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nancy_query_cache_hits_total",
			Help: "Queries answered from the result cache",
		},
	)

	multiStepQueries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nancy_multi_step_queries_total",
			Help: "Queries escalated to the multi-step path",
		},
	)
)
