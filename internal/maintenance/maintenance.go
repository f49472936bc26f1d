// Package maintenance holds the two passes that mutate stored records in
// bulk: duplicate removal and age-based retention cleanup. Each pass is
// guarded so only one run of it is in flight per process. Neither pass is
// checkpointed; a crash mid-run repeats some deletes on the next run, which
// is harmless because deleting an absent record is a no-op.
package maintenance

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"

	"github.com/lazypower/recall/internal/shard"
	"github.com/lazypower/recall/internal/store"
)

// ErrAlreadyRunning is returned when a pass is started while another run of
// the same pass is still in flight.
var ErrAlreadyRunning = errors.New("maintenance pass already running")

// Records is what the passes need from the vector engine.
type Records interface {
	ListShards(ctx context.Context) ([]shard.Info, error)
	Records(ctx context.Context, info shard.Info, withVectors bool) ([]store.Memory, error)
	DeleteFrom(ctx context.Context, info shard.Info, id string) (bool, error)
}

var tracer = otel.Tracer("recall.maintenance")

var (
	// Labels: pass (dedup, cleanup)
	recordsDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recall",
			Subsystem: "maintenance",
			Name:      "records_deleted_total",
			Help:      "Total number of records removed by maintenance passes",
		},
		[]string{"pass"},
	)

	// Labels: pass (dedup, cleanup), result (success, error)
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recall",
			Subsystem: "maintenance",
			Name:      "runs_total",
			Help:      "Total number of maintenance passes by outcome",
		},
		[]string{"pass", "result"},
	)
)

func observeRun(pass string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	runsTotal.WithLabelValues(pass, result).Inc()
}
