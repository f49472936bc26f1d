package vector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lazypower/recall/internal/index"
	"github.com/lazypower/recall/internal/shard"
	"github.com/lazypower/recall/internal/store"
)

// DefaultLimit is used when a search asks for no explicit limit.
const DefaultLimit = 10

// candidateMultiplier widens each per-index nearest-neighbor pass so the
// hybrid re-ranking has room to reorder.
const candidateMultiplier = 4

// SearchParams is one similarity query against a container.
type SearchParams struct {
	ContainerTag string
	Query        string    // raw query text, used for the lexical tag boost
	Vector       []float32 // embedding of Query
	Limit        int
	Threshold    float64 // minimum Similarity, applied after the global merge
}

// Result is a scored record.
type Result struct {
	Memory            store.Memory
	Similarity        float64
	ContentSimilarity float64
	TagSimilarity     float64
	ExactMatch        float64
	ShardID           int64
}

// Search runs the hybrid query on every shard of the container, merges the
// per-shard results, and only then applies the threshold and the limit. A
// failing shard contributes nothing and is logged.
func (e *Engine) Search(ctx context.Context, p SearchParams) (_ []Result, err error) {
	ctx, span := tracer.Start(ctx, "Engine.Search")
	defer span.End()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()
	start := time.Now()

	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	if err := e.checkDims(p.Vector, "query vector"); err != nil {
		return nil, err
	}
	shards, err := e.shardsFor(ctx, p.ContainerTag)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("container_tag", p.ContainerTag),
		attribute.Int("shards", len(shards)),
		attribute.Int("limit", p.Limit),
	)

	perShard := make([][]Result, len(shards))
	var g errgroup.Group
	g.SetLimit(maxShardParallelism)
	for i, s := range shards {
		g.Go(func() error {
			res, err := e.searchShard(ctx, s, p)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				shardSearchFailures.Inc()
				e.logger.Warn("shard search failed",
					zap.Int64("shard", s.ID), zap.String("path", s.DBPath), zap.Error(err))
				return nil
			}
			perShard[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var merged []Result
	for _, r := range perShard {
		merged = append(merged, r...)
	}
	sortResults(merged)

	out := make([]Result, 0, min(p.Limit, len(merged)))
	for _, r := range merged {
		if r.Similarity < p.Threshold {
			break
		}
		out = append(out, r)
		if len(out) == p.Limit {
			break
		}
	}

	searchDuration.WithLabelValues(e.index.Name(), "hybrid").Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("results_count", len(out)))
	return out, nil
}

// sortResults orders by similarity, newest first on ties.
func sortResults(rs []Result) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].Similarity != rs[j].Similarity {
			return rs[i].Similarity > rs[j].Similarity
		}
		if rs[i].Memory.CreatedAt != rs[j].Memory.CreatedAt {
			return rs[i].Memory.CreatedAt > rs[j].Memory.CreatedAt
		}
		return rs[i].Memory.ID > rs[j].Memory.ID
	})
}

type scoreSheet struct {
	content float64
	tags    float64
}

func (e *Engine) searchShard(ctx context.Context, s shard.Info, p SearchParams) ([]Result, error) {
	db, err := e.shards.Conn(ctx, s)
	if err != nil {
		return nil, err
	}
	k := p.Limit * candidateMultiplier

	contentHits, err := e.index.Search(ctx, db, db.Path, index.FieldContent, p.Vector, k)
	if err != nil {
		return nil, fmt.Errorf("content candidates: %w", err)
	}
	tagHits, err := e.index.Search(ctx, db, db.Path, index.FieldTags, p.Vector, k)
	if err != nil {
		return nil, fmt.Errorf("tag candidates: %w", err)
	}

	sheet := make(map[string]*scoreSheet, len(contentHits)+len(tagHits))
	ids := make([]string, 0, len(contentHits)+len(tagHits))
	entry := func(id string) *scoreSheet {
		sc, ok := sheet[id]
		if !ok {
			sc = &scoreSheet{}
			sheet[id] = sc
			ids = append(ids, id)
		}
		return sc
	}
	for _, c := range contentHits {
		entry(c.ID).content = 1 - c.Distance
	}
	for _, c := range tagHits {
		entry(c.ID).tags = 1 - c.Distance
	}
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := store.GetMemoriesByIDs(ctx, db, ids, p.ContainerTag)
	if err != nil {
		return nil, err
	}

	tokens := Tokenize(p.Query)
	weights := e.index.Weights()
	out := make([]Result, 0, len(rows))
	for _, m := range rows {
		sc := sheet[m.ID]
		exact := ExactMatchBoost(tokens, m.TagList())
		tagComponent := max(sc.tags, exact)
		out = append(out, Result{
			Memory:            m,
			Similarity:        tagComponent*weights.Tag + sc.content*weights.Content,
			ContentSimilarity: sc.content,
			TagSimilarity:     sc.tags,
			ExactMatch:        exact,
			ShardID:           s.ID,
		})
	}
	return out, nil
}

// Tokenize lowercases text, splits on whitespace and commas and drops
// tokens of one character or less.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return unicode.IsSpace(r) || r == ','
	})
	out := fields[:0]
	for _, f := range fields {
		if utf8.RuneCountInString(f) > 1 {
			out = append(out, f)
		}
	}
	return out
}

// ExactMatchBoost is the fraction of query tokens that substring-match any
// of the tags, in either direction.
func ExactMatchBoost(tokens, tags []string) float64 {
	if len(tokens) == 0 || len(tags) == 0 {
		return 0
	}
	lowered := make([]string, 0, len(tags))
	for _, t := range tags {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			lowered = append(lowered, t)
		}
	}

	matched := 0
	for _, tok := range tokens {
		for _, tag := range lowered {
			if strings.Contains(tag, tok) || strings.Contains(tok, tag) {
				matched++
				break
			}
		}
	}
	return float64(matched) / float64(len(tokens))
}

// fanOut runs fn on each shard concurrently and stops at the first error.
func (e *Engine) fanOut(ctx context.Context, shards []shard.Info, fn func(ctx context.Context, i int, db *store.DB) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxShardParallelism)
	for i, s := range shards {
		g.Go(func() error {
			db, err := e.shards.Conn(gctx, s)
			if err != nil {
				return err
			}
			return fn(gctx, i, db)
		})
	}
	return g.Wait()
}
