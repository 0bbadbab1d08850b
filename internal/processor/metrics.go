package processor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ingestPackets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nancy_ingest_packets_total",
			Help: "Knowledge packets processed, by final status",
		},
		[]string{"status"},
	)

	brainFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nancy_ingest_brain_failures_total",
			Help: "Per-brain apply failures during ingestion",
		},
		[]string{"brain"},
	)

	ingestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nancy_ingest_duration_seconds",
			Help:    "End-to-end packet processing latency",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nancy_ingest_queue_depth",
			Help: "Packets waiting in the ingest queue",
		},
	)
)
