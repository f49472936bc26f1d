package maintenance

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/lazypower/recall/internal/shard"
	"github.com/lazypower/recall/internal/store"
)

// DefaultDedupThreshold is the cosine similarity at which two records of the
// same container are reported as near-duplicates.
const DefaultDedupThreshold = 0.9

// MemoryRef identifies a record in a dedup report.
type MemoryRef struct {
	ID           string
	Content      string
	ContainerTag string
	CreatedAt    int64
}

func refOf(m *store.Memory) MemoryRef {
	return MemoryRef{ID: m.ID, Content: m.Content, ContainerTag: m.ContainerTag, CreatedAt: m.CreatedAt}
}

// NearDuplicate is one record similar to a group's representative.
type NearDuplicate struct {
	MemoryRef
	Similarity float64
}

// NearDuplicateGroup is a set of records whose content vectors are close to
// the earliest of them. Reported for review, never deleted.
type NearDuplicateGroup struct {
	ShardID        int64
	Representative MemoryRef
	Duplicates     []NearDuplicate
}

// DedupResult summarizes one dedup run.
type DedupResult struct {
	ExactDuplicatesDeleted int
	NearDuplicateGroups    []NearDuplicateGroup
	ShardsScanned          int
	Failed                 int
	Duration               time.Duration
}

// DedupStatus reports whether a run is in flight and how the last one went.
type DedupStatus struct {
	Running    bool
	LastRun    time.Time
	LastResult *DedupResult
}

// Deduper removes exact duplicates and reports near-duplicates, one shard at
// a time.
//
// The near-duplicate pass compares every pair of records of a container
// within one shard, so it is O(n^2) per shard and never pairs records that
// live in different shards.
type Deduper struct {
	records   Records
	threshold float64
	logger    *zap.Logger

	running atomic.Bool

	mu         sync.Mutex
	lastRun    time.Time
	lastResult *DedupResult
}

// NewDeduper returns a deduper; threshold <= 0 uses DefaultDedupThreshold.
func NewDeduper(records Records, threshold float64, logger *zap.Logger) *Deduper {
	if threshold <= 0 {
		threshold = DefaultDedupThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deduper{records: records, threshold: threshold, logger: logger}
}

// Status returns the current dedup status.
func (d *Deduper) Status() DedupStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DedupStatus{Running: d.running.Load(), LastRun: d.lastRun, LastResult: d.lastResult}
}

// Run executes both passes over every shard. It returns ErrAlreadyRunning if
// another run is in flight.
func (d *Deduper) Run(ctx context.Context) (_ *DedupResult, err error) {
	if !d.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	defer d.running.Store(false)
	defer func() { observeRun("dedup", err) }()

	ctx, span := tracer.Start(ctx, "Deduper.Run")
	defer span.End()
	start := time.Now()

	shards, err := d.records.ListShards(ctx)
	if err != nil {
		return nil, err
	}

	res := &DedupResult{}
	for _, s := range shards {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := d.dedupShard(ctx, s, res); err != nil {
			return nil, err
		}
		res.ShardsScanned++
	}
	res.Duration = time.Since(start)

	span.SetAttributes(
		attribute.Int("shards", res.ShardsScanned),
		attribute.Int("exact_deleted", res.ExactDuplicatesDeleted),
		attribute.Int("near_groups", len(res.NearDuplicateGroups)),
	)
	d.logger.Info("dedup complete",
		zap.Int("shards", res.ShardsScanned),
		zap.Int("exact_deleted", res.ExactDuplicatesDeleted),
		zap.Int("near_groups", len(res.NearDuplicateGroups)),
		zap.Int("failed", res.Failed),
		zap.Duration("duration", res.Duration))

	d.mu.Lock()
	d.lastRun = time.Now()
	d.lastResult = res
	d.mu.Unlock()
	return res, nil
}

type exactKey struct {
	container string
	content   string
}

func (d *Deduper) dedupShard(ctx context.Context, s shard.Info, res *DedupResult) error {
	records, err := d.records.Records(ctx, s, true)
	if err != nil {
		return err
	}

	// Exact pass: records arrive oldest first, so the last of each group is
	// the most recently created and is the one kept.
	groups := make(map[exactKey][]int)
	for i := range records {
		k := exactKey{records[i].ContainerTag, records[i].Content}
		groups[k] = append(groups[k], i)
	}
	removed := make(map[int]bool)
	for _, idxs := range groups {
		if len(idxs) < 2 {
			continue
		}
		keep := idxs[len(idxs)-1]
		for _, i := range idxs[:len(idxs)-1] {
			removed[i] = true
			ok, err := d.records.DeleteFrom(ctx, s, records[i].ID)
			if err != nil {
				res.Failed++
				d.logger.Warn("dedup: delete failed",
					zap.String("id", records[i].ID), zap.Int64("shard", s.ID), zap.Error(err))
				continue
			}
			if ok {
				res.ExactDuplicatesDeleted++
				recordsDeleted.WithLabelValues("dedup").Inc()
				d.logger.Debug("dedup: removed exact duplicate",
					zap.String("id", records[i].ID), zap.String("kept", records[keep].ID))
			}
		}
	}

	// Near pass over the survivors, per container.
	byContainer := make(map[string][]*store.Memory)
	var order []string
	for i := range records {
		if removed[i] {
			continue
		}
		c := records[i].ContainerTag
		if _, ok := byContainer[c]; !ok {
			order = append(order, c)
		}
		byContainer[c] = append(byContainer[c], &records[i])
	}
	for _, c := range order {
		res.NearDuplicateGroups = append(res.NearDuplicateGroups, d.nearGroups(s, byContainer[c])...)
	}
	return nil
}

// nearGroups clusters records whose similarity to an earlier unclaimed
// record is in [threshold, 1). The earlier record represents the group.
func (d *Deduper) nearGroups(s shard.Info, recs []*store.Memory) []NearDuplicateGroup {
	var out []NearDuplicateGroup
	claimed := make(map[string]bool)
	for i := 0; i < len(recs); i++ {
		if claimed[recs[i].ID] || len(recs[i].Vector) == 0 {
			continue
		}
		group := NearDuplicateGroup{ShardID: s.ID, Representative: refOf(recs[i])}
		for j := i + 1; j < len(recs); j++ {
			if claimed[recs[j].ID] {
				continue
			}
			sim := store.CosineSimilarity(recs[i].Vector, recs[j].Vector)
			if sim >= d.threshold && sim < 1.0 {
				group.Duplicates = append(group.Duplicates, NearDuplicate{MemoryRef: refOf(recs[j]), Similarity: sim})
			}
		}
		if len(group.Duplicates) == 0 {
			continue
		}
		claimed[recs[i].ID] = true
		for _, dup := range group.Duplicates {
			claimed[dup.ID] = true
		}
		out = append(out, group)
	}
	return out
}
