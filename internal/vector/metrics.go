package vector

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Labels: backend (sqlite, chromem), mode (hybrid, lexical)
	searchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "recall",
			Subsystem: "vector",
			Name:      "search_duration_seconds",
			Help:      "Duration of cross-shard searches in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend", "mode"},
	)

	shardSearchFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "recall",
			Subsystem: "vector",
			Name:      "shard_search_failures_total",
			Help:      "Total number of per-shard searches that failed and were skipped",
		},
	)

	// Labels: op (insert, update, delete)
	recordsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recall",
			Subsystem: "vector",
			Name:      "records_written_total",
			Help:      "Total number of record mutations committed",
		},
		[]string{"op"},
	)
)
