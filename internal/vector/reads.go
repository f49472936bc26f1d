package vector

import (
	"context"
	"sort"

	"github.com/lazypower/recall/internal/store"
)

// List returns a container's records newest first, paged across shards.
// limit <= 0 returns everything from offset on.
func (e *Engine) List(ctx context.Context, containerTag string, limit, offset int) ([]store.Memory, error) {
	if offset < 0 {
		offset = 0
	}
	shards, err := e.shardsFor(ctx, containerTag)
	if err != nil {
		return nil, err
	}

	// Each shard can contribute at most offset+limit rows to the page.
	perShardLimit := 0
	if limit > 0 {
		perShardLimit = offset + limit
	}
	perShard := make([][]store.Memory, len(shards))
	err = e.fanOut(ctx, shards, func(ctx context.Context, i int, db *store.DB) error {
		rows, err := store.ListMemories(ctx, db, containerTag, perShardLimit, 0)
		perShard[i] = rows
		return err
	})
	if err != nil {
		return nil, err
	}

	var merged []store.Memory
	for _, rows := range perShard {
		merged = append(merged, rows...)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].CreatedAt != merged[j].CreatedAt {
			return merged[i].CreatedAt > merged[j].CreatedAt
		}
		return merged[i].ID > merged[j].ID
	})

	if offset >= len(merged) {
		return nil, nil
	}
	merged = merged[offset:]
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

// Count counts a container's records across its shards.
func (e *Engine) Count(ctx context.Context, containerTag string) (int, error) {
	shards, err := e.shardsFor(ctx, containerTag)
	if err != nil {
		return 0, err
	}
	counts := make([]int, len(shards))
	err = e.fanOut(ctx, shards, func(ctx context.Context, i int, db *store.DB) error {
		n, err := store.CountMemories(ctx, db, containerTag)
		counts[i] = n
		return err
	})
	if err != nil {
		return 0, err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return total, nil
}

// CountAll sums the registry's per-shard record counts without opening any shard.
func (e *Engine) CountAll(ctx context.Context) (int, error) {
	shards, err := e.shards.List(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, s := range shards {
		total += s.VectorCount
	}
	return total, nil
}

// DistinctTags lists every container with records, merged across shards,
// most recently active first.
func (e *Engine) DistinctTags(ctx context.Context) ([]store.ContainerSummary, error) {
	shards, err := e.shards.List(ctx)
	if err != nil {
		return nil, err
	}
	perShard := make([][]store.ContainerSummary, len(shards))
	err = e.fanOut(ctx, shards, func(ctx context.Context, i int, db *store.DB) error {
		cs, err := store.DistinctContainers(ctx, db)
		perShard[i] = cs
		return err
	})
	if err != nil {
		return nil, err
	}

	byTag := make(map[string]*store.ContainerSummary)
	for _, cs := range perShard {
		for _, c := range cs {
			cur, ok := byTag[c.ContainerTag]
			if !ok {
				byTag[c.ContainerTag] = &c
				continue
			}
			count := cur.Count + c.Count
			if c.LastActivity > cur.LastActivity {
				*cur = c
			}
			cur.Count = count
		}
	}

	out := make([]store.ContainerSummary, 0, len(byTag))
	for _, c := range byTag {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActivity != out[j].LastActivity {
			return out[i].LastActivity > out[j].LastActivity
		}
		return out[i].ContainerTag < out[j].ContainerTag
	})
	return out, nil
}
