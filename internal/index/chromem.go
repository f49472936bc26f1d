package index

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/lazypower/recall/internal/store"
)

// Hybrid weights for the chromem backend.
const (
	ChromemTagWeight     = 0.6
	ChromemContentWeight = 0.4
)

// chromemShard is the in-memory index of one shard file.
type chromemShard struct {
	db     *chromem.DB
	fields map[Field]*chromem.Collection
}

// Chromem keeps each shard's vectors in process memory only. The base table
// is the source of truth; Warm rebuilds the collections on every open, which
// costs one full scan of the shard at startup.
type Chromem struct {
	logger *zap.Logger

	mu     sync.RWMutex
	shards map[string]*chromemShard
}

// NewChromem returns the in-memory backend.
func NewChromem(logger *zap.Logger) *Chromem {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chromem{logger: logger, shards: make(map[string]*chromemShard)}
}

func (*Chromem) Name() string { return BackendChromem }

func (*Chromem) Weights() Weights {
	return Weights{Tag: ChromemTagWeight, Content: ChromemContentWeight}
}

func (*Chromem) EnsureSchema(context.Context, *store.DB) error { return nil }

func newChromemShard() (*chromemShard, error) {
	db := chromem.NewDB()
	s := &chromemShard{db: db, fields: make(map[Field]*chromem.Collection, 2)}
	for _, f := range []Field{FieldContent, FieldTags} {
		// Embeddings are always supplied, so the collection never embeds on its own.
		c, err := db.CreateCollection(string(f), nil, nil)
		if err != nil {
			return nil, fmt.Errorf("create %s collection: %w", f, err)
		}
		s.fields[f] = c
	}
	return s, nil
}

func (c *Chromem) shard(path string) (*chromemShard, error) {
	c.mu.RLock()
	s, ok := c.shards[path]
	c.mu.RUnlock()
	if ok {
		return s, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.shards[path]; ok {
		return s, nil
	}
	s, err := newChromemShard()
	if err != nil {
		return nil, err
	}
	c.shards[path] = s
	return s, nil
}

// Warm replaces the shard's collections with the vectors currently in its
// base table.
func (c *Chromem) Warm(ctx context.Context, db *store.DB) (int, error) {
	rows, err := store.AllMemories(ctx, db, true)
	if err != nil {
		return 0, fmt.Errorf("load vectors: %w", err)
	}

	s, err := newChromemShard()
	if err != nil {
		return 0, err
	}
	docs := map[Field][]chromem.Document{}
	for i := range rows {
		m := &rows[i]
		if d, ok := document(m.ID, m.Vector, m.Content, m.ContainerTag); ok {
			docs[FieldContent] = append(docs[FieldContent], d)
		}
		if d, ok := document(m.ID, m.TagsVector, m.Tags, m.ContainerTag); ok {
			docs[FieldTags] = append(docs[FieldTags], d)
		}
	}
	for f, batch := range docs {
		if len(batch) == 0 {
			continue
		}
		if err := s.fields[f].AddDocuments(ctx, batch, runtime.NumCPU()); err != nil {
			return 0, fmt.Errorf("load %s collection: %w", f, err)
		}
	}

	c.mu.Lock()
	c.shards[db.Path] = s
	c.mu.Unlock()

	return len(docs[FieldContent]), nil
}

// document skips zero vectors: chromem normalizes on insert and a zero
// vector has no direction.
func document(id string, vec []float32, content, container string) (chromem.Document, bool) {
	if len(vec) == 0 || isZero(vec) {
		return chromem.Document{}, false
	}
	if content == "" {
		content = id
	}
	cp := make([]float32, len(vec))
	copy(cp, vec)
	return chromem.Document{
		ID:        id,
		Embedding: cp,
		Content:   content,
		Metadata:  map[string]string{"container_tag": container},
	}, true
}

func isZero(vec []float32) bool {
	for _, v := range vec {
		if v != 0 {
			return false
		}
	}
	return true
}

func (c *Chromem) Upsert(ctx context.Context, _ store.Execer, path string, e Entry) error {
	s, err := c.shard(path)
	if err != nil {
		return err
	}
	if err := c.removeFrom(ctx, s, e.ID); err != nil {
		return err
	}
	if d, ok := document(e.ID, e.Vector, e.Content, e.ContainerTag); ok {
		if err := s.fields[FieldContent].AddDocument(ctx, d); err != nil {
			return fmt.Errorf("index content vector %s: %w", e.ID, err)
		}
	}
	if d, ok := document(e.ID, e.TagsVector, e.Tags, e.ContainerTag); ok {
		if err := s.fields[FieldTags].AddDocument(ctx, d); err != nil {
			return fmt.Errorf("index tags vector %s: %w", e.ID, err)
		}
	}
	return nil
}

func (c *Chromem) Remove(ctx context.Context, _ store.Execer, path, id string) error {
	c.mu.RLock()
	s, ok := c.shards[path]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	return c.removeFrom(ctx, s, id)
}

func (c *Chromem) removeFrom(ctx context.Context, s *chromemShard, id string) error {
	for f, coll := range s.fields {
		if err := coll.Delete(ctx, nil, nil, id); err != nil {
			return fmt.Errorf("remove %s from %s collection: %w", id, f, err)
		}
	}
	return nil
}

func (c *Chromem) Search(ctx context.Context, _ store.Querier, path string, field Field, vec []float32, k int) ([]Candidate, error) {
	c.mu.RLock()
	s, ok := c.shards[path]
	c.mu.RUnlock()
	if !ok || k <= 0 || len(vec) == 0 || isZero(vec) {
		return nil, nil
	}
	coll, ok := s.fields[field]
	if !ok {
		return nil, fmt.Errorf("search: unknown field %q", field)
	}

	// chromem rejects nResults larger than the collection.
	n := min(k, coll.Count())
	if n == 0 {
		return nil, nil
	}
	results, err := coll.QueryEmbedding(ctx, vec, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query %s collection: %w", field, err)
	}

	out := make([]Candidate, 0, len(results))
	for _, r := range results {
		out = append(out, Candidate{ID: r.ID, Distance: 1 - float64(r.Similarity)})
	}
	return out, nil
}

func (c *Chromem) Forget(path string) {
	c.mu.Lock()
	delete(c.shards, path)
	c.mu.Unlock()
	c.logger.Debug("dropped in-memory index", zap.String("path", path))
}

// Len reports how many content vectors are loaded for path.
func (c *Chromem) Len(path string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.shards[path]
	if !ok {
		return 0
	}
	return s.fields[FieldContent].Count()
}
