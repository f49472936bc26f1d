package vector

import (
	"context"
	"math"
	"strings"
	"time"
	"unicode"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/lazypower/recall/internal/store"
)

// maxLexicalTokens caps how many query terms reach the full-text index.
const maxLexicalTokens = 16

// SanitizeLexical turns free text into an FTS5 expression of quoted prefix
// terms joined by OR. Anything that is not a letter or digit is dropped, so
// no query syntax from the caller reaches the index.
func SanitizeLexical(query string) string {
	var terms []string
	for _, field := range strings.Fields(query) {
		tok := strings.Map(func(r rune) rune {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				return unicode.ToLower(r)
			}
			return -1
		}, field)
		if tok == "" {
			continue
		}
		terms = append(terms, `"`+tok+`"*`)
		if len(terms) == maxLexicalTokens {
			break
		}
	}
	return strings.Join(terms, " OR ")
}

// LexicalSimilarity maps a bm25 rank (lower, usually negative, is better)
// onto (0, 1].
func LexicalSimilarity(rank float64) float64 {
	return 1 / (1 + math.Abs(rank))
}

// SearchLexical ranks a container's records by the full-text index alone.
// Used when no query embedding is available. Shard failures are logged and
// skipped like in Search.
func (e *Engine) SearchLexical(ctx context.Context, containerTag, query string, limit int) ([]Result, error) {
	ctx, span := tracer.Start(ctx, "Engine.SearchLexical")
	defer span.End()
	start := time.Now()

	if limit <= 0 {
		limit = DefaultLimit
	}
	match := SanitizeLexical(query)
	if match == "" {
		return nil, nil
	}
	shards, err := e.shardsFor(ctx, containerTag)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("container_tag", containerTag), attribute.Int("shards", len(shards)))

	perShard := make([][]Result, len(shards))
	for i, s := range shards {
		db, err := e.shards.Conn(ctx, s)
		if err == nil {
			var hits []store.LexicalHit
			hits, err = store.SearchLexical(ctx, db, match, containerTag, limit)
			for _, h := range hits {
				perShard[i] = append(perShard[i], Result{
					Memory:     h.Memory,
					Similarity: LexicalSimilarity(h.Rank),
					ShardID:    s.ID,
				})
			}
		}
		if err != nil {
			shardSearchFailures.Inc()
			e.logger.Warn("shard lexical search failed",
				zap.Int64("shard", s.ID), zap.String("path", s.DBPath), zap.Error(err))
		}
	}

	var merged []Result
	for _, r := range perShard {
		merged = append(merged, r...)
	}
	sortResults(merged)
	if len(merged) > limit {
		merged = merged[:limit]
	}

	searchDuration.WithLabelValues(e.index.Name(), "lexical").Observe(time.Since(start).Seconds())
	return merged, nil
}
