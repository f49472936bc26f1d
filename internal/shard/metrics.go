package shard

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Labels: scope (user, project)
	shardsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recall",
			Subsystem: "shard",
			Name:      "created_total",
			Help:      "Total number of shard files allocated",
		},
		[]string{"scope"},
	)

	// Labels: scope (user, project)
	shardRotations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recall",
			Subsystem: "shard",
			Name:      "rotations_total",
			Help:      "Total number of times a full active shard was retired",
		},
		[]string{"scope"},
	)

	shardsDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "recall",
			Subsystem: "shard",
			Name:      "deleted_total",
			Help:      "Total number of shards removed administratively",
		},
	)
)
