// Package shard owns the shard registry: which physical files hold the
// records of each (scope, scope hash), which of them is the current write
// target, and how many records each one holds.
//
// The registry assumes a single writer process per storage directory. Two
// processes writing the same directory can double-allocate shard indexes;
// nothing here attempts cross-process locking.
package shard

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/recall/internal/store"
)

// DefaultMaxVectorsPerShard is the rotation threshold when none is configured.
const DefaultMaxVectorsPerShard = 50000

// RegistryFile is the administrative database inside the storage directory.
const RegistryFile = "metadata.db"

// Info describes one physical shard.
type Info struct {
	ID          int64
	Scope       store.Scope
	ScopeHash   string
	ShardIndex  int
	DBPath      string
	VectorCount int
	IsActive    bool
	CreatedAt   int64
}

// Config controls shard placement and rotation.
type Config struct {
	Dir                string
	MaxVectorsPerShard int
}

// Manager allocates, rotates and deletes shards and hands out their cached
// connections.
type Manager struct {
	dir        string
	maxVectors int
	registry   *store.DB
	pool       *store.Pool
	logger     *zap.Logger

	// writeMu serializes create-or-rotate so one process never allocates the
	// same shard index twice.
	writeMu sync.Mutex
}

// NewManager opens (or creates) the registry inside cfg.Dir. The manager
// takes ownership of pool and closes it in Close.
func NewManager(ctx context.Context, cfg Config, pool *store.Pool, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Dir == "" {
		return nil, &store.ConfigError{Op: "open shard registry", Err: store.ErrBadPath, Hint: "set storage.dir"}
	}
	if cfg.MaxVectorsPerShard <= 0 {
		cfg.MaxVectorsPerShard = DefaultMaxVectorsPerShard
	}

	registry, err := store.Open(ctx, filepath.Join(cfg.Dir, RegistryFile), store.Options{Migrations: registryMigrations})
	if err != nil {
		return nil, fmt.Errorf("open shard registry: %w", err)
	}

	return &Manager{
		dir:        cfg.Dir,
		maxVectors: cfg.MaxVectorsPerShard,
		registry:   registry,
		pool:       pool,
		logger:     logger,
	}, nil
}

// Dir is the storage root.
func (m *Manager) Dir() string { return m.dir }

// MaxVectorsPerShard is the rotation threshold.
func (m *Manager) MaxVectorsPerShard() int { return m.maxVectors }

// Path returns the deterministic file path for a shard.
func (m *Manager) Path(scope store.Scope, hash string, index int) string {
	name := fmt.Sprintf("%s_%s_shard_%d.db", scope, hash, index)
	return filepath.Join(m.dir, scope.Dir(), name)
}

const shardCols = `id, scope, scope_hash, shard_index, db_path, vector_count, is_active, created_at`

func scanShard(s interface{ Scan(...any) error }) (*Info, error) {
	var info Info
	var scope string
	var active int
	if err := s.Scan(&info.ID, &scope, &info.ScopeHash, &info.ShardIndex, &info.DBPath,
		&info.VectorCount, &active, &info.CreatedAt); err != nil {
		return nil, err
	}
	info.Scope = store.Scope(scope)
	info.IsActive = active != 0
	return &info, nil
}

func (m *Manager) queryShards(ctx context.Context, query string, args ...any) ([]Info, error) {
	rows, err := m.registry.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Info
	for rows.Next() {
		info, err := scanShard(rows)
		if err != nil {
			return nil, fmt.Errorf("scan shard: %w", err)
		}
		out = append(out, *info)
	}
	return out, rows.Err()
}

func (m *Manager) queryShard(ctx context.Context, q store.Querier, query string, args ...any) (*Info, error) {
	info, err := scanShard(q.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return info, err
}

// GetActiveShard returns the current write target, or nil if none exists.
func (m *Manager) GetActiveShard(ctx context.Context, scope store.Scope, hash string) (*Info, error) {
	info, err := m.queryShard(ctx, m.registry,
		"SELECT "+shardCols+" FROM shards WHERE scope = ? AND scope_hash = ? AND is_active = 1", string(scope), hash)
	if err != nil {
		return nil, fmt.Errorf("get active shard: %w", err)
	}
	return info, nil
}

// GetAllShards returns every shard of (scope, hash) by shard index. An empty
// hash returns all shards of the scope.
func (m *Manager) GetAllShards(ctx context.Context, scope store.Scope, hash string) ([]Info, error) {
	var (
		shards []Info
		err    error
	)
	if hash == "" {
		shards, err = m.queryShards(ctx,
			"SELECT "+shardCols+" FROM shards WHERE scope = ? ORDER BY scope_hash, shard_index", string(scope))
	} else {
		shards, err = m.queryShards(ctx,
			"SELECT "+shardCols+" FROM shards WHERE scope = ? AND scope_hash = ? ORDER BY shard_index", string(scope), hash)
	}
	if err != nil {
		return nil, fmt.Errorf("get all shards: %w", err)
	}
	return shards, nil
}

// List returns every registered shard.
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	shards, err := m.queryShards(ctx, "SELECT "+shardCols+" FROM shards ORDER BY scope, scope_hash, shard_index")
	if err != nil {
		return nil, fmt.Errorf("list shards: %w", err)
	}
	return shards, nil
}

// GetShard returns a shard by id, or nil if not found.
func (m *Manager) GetShard(ctx context.Context, id int64) (*Info, error) {
	info, err := m.queryShard(ctx, m.registry, "SELECT "+shardCols+" FROM shards WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("get shard %d: %w", id, err)
	}
	return info, nil
}

// GetShardByPath returns the shard stored at path, or nil if not registered.
func (m *Manager) GetShardByPath(ctx context.Context, path string) (*Info, error) {
	info, err := m.queryShard(ctx, m.registry, "SELECT "+shardCols+" FROM shards WHERE db_path = ?", path)
	if err != nil {
		return nil, fmt.Errorf("get shard by path: %w", err)
	}
	return info, nil
}

// GetWriteShard returns the active shard for (scope, hash), creating shard 0
// if none exists or rotating to the next index when the active one is full.
//
// The lock covers the choice of shard, not the insert that follows, so
// concurrent writers in one process can push a shard a few records past
// MaxVectorsPerShard before the next call rotates it. Record counts stay
// exact either way.
func (m *Manager) GetWriteShard(ctx context.Context, scope store.Scope, hash string) (*Info, error) {
	if !scope.Valid() {
		return nil, fmt.Errorf("get write shard: unknown scope %q", scope)
	}
	if hash == "" {
		return nil, errors.New("get write shard: empty scope hash")
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	active, err := m.GetActiveShard(ctx, scope, hash)
	if err != nil {
		return nil, err
	}
	if active != nil && active.VectorCount < m.maxVectors {
		return active, nil
	}

	tx, err := m.registry.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin shard allocation: %w", err)
	}
	defer tx.Rollback()

	next := 0
	if active != nil {
		if _, err := tx.ExecContext(ctx, "UPDATE shards SET is_active = 0 WHERE id = ?", active.ID); err != nil {
			return nil, fmt.Errorf("deactivate shard %d: %w", active.ID, err)
		}
		next = active.ShardIndex + 1
	}

	path := m.Path(scope, hash, next)
	now := time.Now().UnixMilli()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO shards (scope, scope_hash, shard_index, db_path, vector_count, is_active, created_at)
		VALUES (?, ?, ?, ?, 0, 1, ?)
	`, string(scope), hash, next, path, now)
	if err != nil {
		return nil, fmt.Errorf("create shard %s: %w", path, err)
	}
	id, _ := res.LastInsertId()

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit shard allocation: %w", err)
	}

	if active != nil {
		shardRotations.WithLabelValues(string(scope)).Inc()
		m.logger.Info("rotated shard",
			zap.String("scope", string(scope)),
			zap.String("scope_hash", hash),
			zap.Int("from_index", active.ShardIndex),
			zap.Int("to_index", next),
			zap.Int("vector_count", active.VectorCount))
	}
	shardsCreated.WithLabelValues(string(scope)).Inc()
	m.logger.Debug("created shard", zap.String("path", path), zap.Int("index", next))

	return &Info{
		ID:         id,
		Scope:      scope,
		ScopeHash:  hash,
		ShardIndex: next,
		DBPath:     path,
		IsActive:   true,
		CreatedAt:  now,
	}, nil
}

// IncrementVectorCount records one inserted record in the shard.
func (m *Manager) IncrementVectorCount(ctx context.Context, id int64) error {
	if _, err := m.registry.ExecContext(ctx, "UPDATE shards SET vector_count = vector_count + 1 WHERE id = ?", id); err != nil {
		return fmt.Errorf("increment vector count %d: %w", id, err)
	}
	return nil
}

// DecrementVectorCount records one deleted record in the shard.
func (m *Manager) DecrementVectorCount(ctx context.Context, id int64) error {
	if _, err := m.registry.ExecContext(ctx,
		"UPDATE shards SET vector_count = MAX(vector_count - 1, 0) WHERE id = ?", id); err != nil {
		return fmt.Errorf("decrement vector count %d: %w", id, err)
	}
	return nil
}

// Conn returns the cached connection for a shard, opening and bootstrapping
// the file on first use.
func (m *Manager) Conn(ctx context.Context, info Info) (*store.DB, error) {
	return m.pool.Get(ctx, info.DBPath)
}

// DeleteShard closes the shard's connection, removes its files and then
// drops the registry row. Deleting an unknown id is a no-op.
func (m *Manager) DeleteShard(ctx context.Context, id int64) error {
	info, err := m.GetShard(ctx, id)
	if err != nil {
		return err
	}
	if info == nil {
		return nil
	}

	if err := m.pool.Close(info.DBPath); err != nil {
		return fmt.Errorf("delete shard %d: %w", id, err)
	}
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(info.DBPath + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", info.DBPath+suffix, err)
		}
	}
	if _, err := m.registry.ExecContext(ctx, "DELETE FROM shards WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete shard row %d: %w", id, err)
	}

	shardsDeleted.Inc()
	m.logger.Info("deleted shard", zap.Int64("id", id), zap.String("path", info.DBPath))
	return nil
}

// Close closes every shard connection and then the registry.
func (m *Manager) Close() error {
	return errors.Join(m.pool.CloseAll(), m.registry.Close())
}
