// Package vector implements record storage and hybrid similarity retrieval
// over the shards of a container: inserts and deletes that keep the base
// table, the dense-vector index and the lexical index consistent, per-shard
// nearest-neighbor search and the cross-shard merge.
package vector

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lazypower/recall/internal/index"
	"github.com/lazypower/recall/internal/shard"
	"github.com/lazypower/recall/internal/store"
)

var tracer = otel.Tracer("recall.vector")

// maxShardParallelism bounds concurrent per-shard work in a fan-out.
const maxShardParallelism = 8

// Engine reads and writes records across shards.
type Engine struct {
	shards *shard.Manager
	index  index.VectorIndex
	dims   int
	logger *zap.Logger
}

// New returns an engine over the shards of m using idx for dense-vector
// retrieval. dims is the system-wide embedding width; 0 disables the check.
func New(m *shard.Manager, idx index.VectorIndex, dims int, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{shards: m, index: idx, dims: dims, logger: logger}
}

// Shards exposes the shard manager to the maintenance passes.
func (e *Engine) Shards() *shard.Manager { return e.shards }

// Index returns the active vector index backend.
func (e *Engine) Index() index.VectorIndex { return e.index }

// Dimensions is the configured embedding width.
func (e *Engine) Dimensions() int { return e.dims }

func (e *Engine) checkDims(vec []float32, what string) error {
	if e.dims > 0 && len(vec) != e.dims {
		return fmt.Errorf("%s: %w: got %d, want %d", what, store.ErrDimensionMismatch, len(vec), e.dims)
	}
	return nil
}

func (e *Engine) validate(m *store.Memory) error {
	if err := e.checkDims(m.Vector, "content vector"); err != nil {
		return err
	}
	if m.TagsVector != nil {
		if err := e.checkDims(m.TagsVector, "tags vector"); err != nil {
			return err
		}
	}
	return nil
}

// Add resolves the write shard for m's container and inserts m there.
func (e *Engine) Add(ctx context.Context, m *store.Memory) (*shard.Info, error) {
	c, err := store.ParseContainerTag(m.ContainerTag)
	if err != nil {
		return nil, err
	}
	if err := e.validate(m); err != nil {
		return nil, err
	}
	info, err := e.shards.GetWriteShard(ctx, c.Scope, c.Hash)
	if err != nil {
		return nil, err
	}
	if err := e.Insert(ctx, *info, m); err != nil {
		return nil, err
	}
	return info, nil
}

// Insert writes m's base row, dense-vector entries and lexical entry into
// info as one transaction and bumps the shard's record count. An empty ID is
// generated; zero timestamps are set to now.
func (e *Engine) Insert(ctx context.Context, info shard.Info, m *store.Memory) (err error) {
	ctx, span := tracer.Start(ctx, "Engine.Insert")
	defer span.End()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	if err := e.validate(m); err != nil {
		return err
	}
	if m.ID == "" {
		m.ID = store.NewID()
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = time.Now().UnixMilli()
	}
	if m.UpdatedAt == 0 {
		m.UpdatedAt = m.CreatedAt
	}
	span.SetAttributes(attribute.String("shard", info.DBPath), attribute.String("id", m.ID))

	db, err := e.shards.Conn(ctx, info)
	if err != nil {
		return err
	}
	indexed := false
	err = e.inTx(ctx, db, func(tx *sql.Tx) error {
		if err := store.InsertMemory(ctx, tx, m); err != nil {
			return err
		}
		indexed = true
		return e.index.Upsert(ctx, tx, db.Path, index.EntryFromMemory(m))
	}, func() {
		if indexed {
			e.compensate(ctx, db.Path, "remove", e.index.Remove(ctx, db, db.Path, m.ID))
		}
	})
	if err != nil {
		return err
	}

	recordsWritten.WithLabelValues("insert").Inc()
	if err := e.shards.IncrementVectorCount(ctx, info.ID); err != nil {
		return fmt.Errorf("record inserted as %s but shard count not updated: %w", m.ID, err)
	}
	return nil
}

// inTx runs fn in a transaction on db. If fn or the commit fails, undo runs
// after the rollback to restore index state that lives outside the
// transaction.
func (e *Engine) inTx(ctx context.Context, db *store.DB, fn func(tx *sql.Tx) error, undo func()) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", db.Path, err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		undo()
		return err
	}
	if err := tx.Commit(); err != nil {
		undo()
		return fmt.Errorf("commit %s: %w", db.Path, err)
	}
	return nil
}

func (e *Engine) compensate(ctx context.Context, path, action string, err error) {
	if err == nil {
		return
	}
	e.logger.Error("index compensation failed; rewarm the shard",
		zap.String("path", path), zap.String("action", action), zap.Error(err))
}

// Update replaces content, vectors, tags, type and metadata of an existing
// record. The record never changes shard. Returns false if id is unknown.
func (e *Engine) Update(ctx context.Context, m *store.Memory) (bool, error) {
	if err := e.validate(m); err != nil {
		return false, err
	}
	info, _, err := e.locate(ctx, m.ID, m.ContainerTag)
	if err != nil || info == nil {
		return false, err
	}
	if m.UpdatedAt == 0 {
		m.UpdatedAt = time.Now().UnixMilli()
	}

	db, err := e.shards.Conn(ctx, *info)
	if err != nil {
		return false, err
	}
	var (
		old     *store.Memory
		found   bool
		indexed bool
	)
	err = e.inTx(ctx, db, func(tx *sql.Tx) error {
		var err error
		if old, err = store.GetMemory(ctx, tx, m.ID, true); err != nil || old == nil {
			return err
		}
		if found, err = store.UpdateMemory(ctx, tx, m); err != nil || !found {
			return err
		}
		entry := index.EntryFromMemory(m)
		entry.ContainerTag = old.ContainerTag
		indexed = true
		return e.index.Upsert(ctx, tx, db.Path, entry)
	}, func() {
		if indexed {
			e.compensate(ctx, db.Path, "restore", e.index.Upsert(ctx, db, db.Path, index.EntryFromMemory(old)))
		}
	})
	if err != nil {
		return false, err
	}
	if found {
		recordsWritten.WithLabelValues("update").Inc()
	}
	return found, nil
}

// Delete removes a record from whichever shard holds it. Returns false if
// id is unknown.
func (e *Engine) Delete(ctx context.Context, id string) (bool, error) {
	info, _, err := e.locate(ctx, id, "")
	if err != nil || info == nil {
		return false, err
	}
	return e.DeleteFrom(ctx, *info, id)
}

// DeleteFrom removes the base row and every index entry for id in info and
// decrements the shard count. Deleting an absent id returns false, nil.
func (e *Engine) DeleteFrom(ctx context.Context, info shard.Info, id string) (bool, error) {
	db, err := e.shards.Conn(ctx, info)
	if err != nil {
		return false, err
	}

	var (
		old     *store.Memory
		indexed bool
	)
	err = e.inTx(ctx, db, func(tx *sql.Tx) error {
		var err error
		if old, err = store.GetMemory(ctx, tx, id, true); err != nil || old == nil {
			return err
		}
		indexed = true
		if err := e.index.Remove(ctx, tx, db.Path, id); err != nil {
			return err
		}
		_, err = store.DeleteMemory(ctx, tx, id)
		return err
	}, func() {
		if indexed {
			e.compensate(ctx, db.Path, "restore", e.index.Upsert(ctx, db, db.Path, index.EntryFromMemory(old)))
		}
	})
	if err != nil || old == nil {
		return false, err
	}

	recordsWritten.WithLabelValues("delete").Inc()
	if err := e.shards.DecrementVectorCount(ctx, info.ID); err != nil {
		return true, fmt.Errorf("record %s deleted but shard count not updated: %w", id, err)
	}
	return true, nil
}

// Get returns a record by id from any shard, or nil if not found.
func (e *Engine) Get(ctx context.Context, id string) (*store.Memory, error) {
	_, m, err := e.locate(ctx, id, "")
	return m, err
}

// SetPinned pins or unpins a record. Returns false if id is unknown.
func (e *Engine) SetPinned(ctx context.Context, id string, pinned bool) (bool, error) {
	info, _, err := e.locate(ctx, id, "")
	if err != nil || info == nil {
		return false, err
	}
	db, err := e.shards.Conn(ctx, *info)
	if err != nil {
		return false, err
	}
	return store.SetPinned(ctx, db, id, pinned)
}

// Records loads every record of one shard, oldest first.
func (e *Engine) Records(ctx context.Context, info shard.Info, withVectors bool) ([]store.Memory, error) {
	db, err := e.shards.Conn(ctx, info)
	if err != nil {
		return nil, err
	}
	return store.AllMemories(ctx, db, withVectors)
}

// shardsFor returns the shards a container's records can live in.
func (e *Engine) shardsFor(ctx context.Context, containerTag string) ([]shard.Info, error) {
	c, err := store.ParseContainerTag(containerTag)
	if err != nil {
		return nil, err
	}
	return e.shards.GetAllShards(ctx, c.Scope, c.Hash)
}

// locate finds the shard holding id. When containerHint parses, only that
// container's shards are scanned; otherwise every shard is.
func (e *Engine) locate(ctx context.Context, id, containerHint string) (*shard.Info, *store.Memory, error) {
	var (
		shards []shard.Info
		err    error
	)
	if _, perr := store.ParseContainerTag(containerHint); containerHint != "" && perr == nil {
		shards, err = e.shardsFor(ctx, containerHint)
	} else {
		shards, err = e.shards.List(ctx)
	}
	if err != nil {
		return nil, nil, err
	}

	var (
		mu    sync.Mutex
		info  *shard.Info
		found *store.Memory
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxShardParallelism)
	for _, s := range shards {
		g.Go(func() error {
			db, err := e.shards.Conn(gctx, s)
			if err != nil {
				return err
			}
			m, err := store.GetMemory(gctx, db, id, false)
			if err != nil || m == nil {
				return err
			}
			mu.Lock()
			info, found = &s, m
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, fmt.Errorf("locate %s: %w", id, err)
	}
	return info, found, nil
}

// WarmStats reports a warm-up pass.
type WarmStats struct {
	Shards   int
	Duration time.Duration
}

// Warm opens every registered shard so that each index is rebuilt before the
// first read is served.
func (e *Engine) Warm(ctx context.Context) (WarmStats, error) {
	start := time.Now()
	shards, err := e.shards.List(ctx)
	if err != nil {
		return WarmStats{}, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxShardParallelism)
	for _, s := range shards {
		g.Go(func() error {
			_, err := e.shards.Conn(gctx, s)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return WarmStats{}, fmt.Errorf("warm shards: %w", err)
	}

	stats := WarmStats{Shards: len(shards), Duration: time.Since(start)}
	e.logger.Info("index warm state ready",
		zap.String("backend", e.index.Name()),
		zap.Int("shards", stats.Shards),
		zap.Duration("duration", stats.Duration))
	return stats, nil
}

// ListShards returns every registered shard.
func (e *Engine) ListShards(ctx context.Context) ([]shard.Info, error) {
	return e.shards.List(ctx)
}
