package shard

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lazypower/recall/internal/store"
)

func testManager(t *testing.T, maxVectors int) *Manager {
	t.Helper()
	dir := t.TempDir()
	pool := store.NewPool(store.Options{Migrations: store.ShardMigrations}, zaptest.NewLogger(t))
	m, err := NewManager(context.Background(), Config{Dir: dir, MaxVectorsPerShard: maxVectors}, pool, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestGetWriteShard_CreatesFirst(t *testing.T) {
	m := testManager(t, 10)
	ctx := context.Background()

	active, err := m.GetActiveShard(ctx, store.ScopeUser, "abc")
	require.NoError(t, err)
	assert.Nil(t, active)

	info, err := m.GetWriteShard(ctx, store.ScopeUser, "abc")
	require.NoError(t, err)
	assert.Equal(t, 0, info.ShardIndex)
	assert.True(t, info.IsActive)
	assert.Equal(t, filepath.Join(m.Dir(), "users", "user_abc_shard_0.db"), info.DBPath)

	again, err := m.GetWriteShard(ctx, store.ScopeUser, "abc")
	require.NoError(t, err)
	assert.Equal(t, info.ID, again.ID)
}

func TestGetWriteShard_Rotates(t *testing.T) {
	m := testManager(t, 2)
	ctx := context.Background()

	first, err := m.GetWriteShard(ctx, store.ScopeProject, "abc")
	require.NoError(t, err)
	require.NoError(t, m.IncrementVectorCount(ctx, first.ID))
	require.NoError(t, m.IncrementVectorCount(ctx, first.ID))

	second, err := m.GetWriteShard(ctx, store.ScopeProject, "abc")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 1, second.ShardIndex)
	assert.Equal(t, filepath.Join(m.Dir(), "projects", "project_abc_shard_1.db"), second.DBPath)

	shards, err := m.GetAllShards(ctx, store.ScopeProject, "abc")
	require.NoError(t, err)
	require.Len(t, shards, 2)
	assert.False(t, shards[0].IsActive)
	assert.Equal(t, 2, shards[0].VectorCount)
	assert.True(t, shards[1].IsActive)

	active, err := m.GetActiveShard(ctx, store.ScopeProject, "abc")
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)
}

func TestGetAllShards_EmptyHashMeansWholeScope(t *testing.T) {
	m := testManager(t, 10)
	ctx := context.Background()

	for _, h := range []string{"aa", "bb"} {
		_, err := m.GetWriteShard(ctx, store.ScopeUser, h)
		require.NoError(t, err)
	}
	_, err := m.GetWriteShard(ctx, store.ScopeProject, "cc")
	require.NoError(t, err)

	users, err := m.GetAllShards(ctx, store.ScopeUser, "")
	require.NoError(t, err)
	assert.Len(t, users, 2)

	all, err := m.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestVectorCount(t *testing.T) {
	m := testManager(t, 10)
	ctx := context.Background()

	info, err := m.GetWriteShard(ctx, store.ScopeUser, "abc")
	require.NoError(t, err)
	require.NoError(t, m.IncrementVectorCount(ctx, info.ID))
	require.NoError(t, m.DecrementVectorCount(ctx, info.ID))
	require.NoError(t, m.DecrementVectorCount(ctx, info.ID))

	got, err := m.GetShard(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.VectorCount)
}

func TestGetShardByPath(t *testing.T) {
	m := testManager(t, 10)
	ctx := context.Background()

	info, err := m.GetWriteShard(ctx, store.ScopeUser, "abc")
	require.NoError(t, err)

	got, err := m.GetShardByPath(ctx, info.DBPath)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, info.ID, got.ID)

	missing, err := m.GetShardByPath(ctx, "/nope.db")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestDeleteShard(t *testing.T) {
	m := testManager(t, 10)
	ctx := context.Background()

	info, err := m.GetWriteShard(ctx, store.ScopeUser, "abc")
	require.NoError(t, err)
	_, err = m.Conn(ctx, *info)
	require.NoError(t, err)
	_, err = os.Stat(info.DBPath)
	require.NoError(t, err)

	require.NoError(t, m.DeleteShard(ctx, info.ID))
	_, err = os.Stat(info.DBPath)
	assert.True(t, os.IsNotExist(err))

	got, err := m.GetShard(ctx, info.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, m.DeleteShard(ctx, info.ID))

	// A fresh write target starts again at index 0.
	next, err := m.GetWriteShard(ctx, store.ScopeUser, "abc")
	require.NoError(t, err)
	assert.Equal(t, 0, next.ShardIndex)
}

func TestGetWriteShard_Validates(t *testing.T) {
	m := testManager(t, 10)
	_, err := m.GetWriteShard(context.Background(), store.Scope("team"), "abc")
	assert.Error(t, err)
	_, err = m.GetWriteShard(context.Background(), store.ScopeUser, "")
	assert.Error(t, err)
}

func TestNewManager_EmptyDir(t *testing.T) {
	_, err := NewManager(context.Background(), Config{}, store.NewPool(store.Options{}, nil), nil)
	assert.ErrorIs(t, err, store.ErrBadPath)
}
