// Package index defines the dense-vector index contract used by the vector
// engine and its two backends: vectors kept in shard tables and ranked by the
// SQL distance function, or an in-process chromem collection per shard
// rebuilt from the base table.
package index

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lazypower/recall/internal/store"
)

// Backend names accepted by New.
const (
	BackendSQLite  = "sqlite"
	BackendChromem = "chromem"
)

// Field selects which of a record's vectors is searched.
type Field string

const (
	FieldContent Field = "content"
	FieldTags    Field = "tags"
)

// Weights is the hybrid-score split between the tag component and content similarity.
// Tag + Content == 1.
type Weights struct {
	Tag     float64
	Content float64
}

// Candidate is one nearest-neighbor hit. Distance is cosine distance (1 - similarity).
type Candidate struct {
	ID       string
	Distance float64
}

// Entry is what an index stores for a record.
type Entry struct {
	ID           string
	ContainerTag string
	Content      string
	Tags         string
	Vector       []float32
	TagsVector   []float32
}

// EntryFromMemory builds an index entry from a base row.
func EntryFromMemory(m *store.Memory) Entry {
	return Entry{
		ID:           m.ID,
		ContainerTag: m.ContainerTag,
		Content:      m.Content,
		Tags:         m.Tags,
		Vector:       m.Vector,
		TagsVector:   m.TagsVector,
	}
}

// VectorIndex stores and searches the dense vectors of one or more shards.
//
// Upsert and Remove receive the transaction that also writes the base row,
// so backends that persist in SQL commit or roll back with it. Backends with
// in-process state identify the shard by path and must not touch the shard
// connection from inside these calls: the connection is held by the transaction.
type VectorIndex interface {
	Name() string
	Weights() Weights

	// EnsureSchema creates any per-shard structures the backend needs.
	EnsureSchema(ctx context.Context, db *store.DB) error
	// Warm brings the index for db in line with its base table and reports
	// how many entries it loaded or backfilled.
	Warm(ctx context.Context, db *store.DB) (int, error)

	// Upsert replaces every entry for e.ID.
	Upsert(ctx context.Context, ex store.Execer, path string, e Entry) error
	// Remove deletes every entry for id. Removing an absent id is a no-op.
	Remove(ctx context.Context, ex store.Execer, path, id string) error
	// Search returns up to k candidates nearest to vec on field, closest first.
	Search(ctx context.Context, q store.Querier, path string, field Field, vec []float32, k int) ([]Candidate, error)

	// Forget drops any in-process state for path.
	Forget(path string)
}

// ErrUnknownBackend is returned by New for an unrecognized backend name.
var ErrUnknownBackend = errors.New("unknown vector index backend")

// New returns the backend named by name.
func New(name string, logger *zap.Logger) (VectorIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch name {
	case "", BackendSQLite:
		return NewSQLite(), nil
	case BackendChromem:
		return NewChromem(logger), nil
	default:
		return nil, &store.ConfigError{
			Op:   "select vector index",
			Err:  fmt.Errorf("%w: %q", ErrUnknownBackend, name),
			Hint: "set storage.backend to sqlite or chromem",
		}
	}
}
