package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lazypower/recall/internal/index"
	"github.com/lazypower/recall/internal/shard"
	"github.com/lazypower/recall/internal/store"
	"github.com/lazypower/recall/internal/vector"
)

const (
	projectTag = "opencode_project_abc"
	userTag    = "opencode_user_def"
)

func testEngine(t *testing.T) *vector.Engine {
	t.Helper()
	logger := zaptest.NewLogger(t)
	idx := index.NewSQLite()
	pool := store.NewPool(store.Options{Migrations: store.ShardMigrations}, logger)
	index.Attach(pool, idx, logger)
	m, err := shard.NewManager(context.Background(), shard.Config{Dir: t.TempDir(), MaxVectorsPerShard: 100}, pool, logger)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return vector.New(m, idx, 3, logger)
}

func add(t *testing.T, e *vector.Engine, container, content string, ts int64, vec ...float32) *store.Memory {
	t.Helper()
	m := &store.Memory{Content: content, Vector: vec, ContainerTag: container, CreatedAt: ts, UpdatedAt: ts}
	_, err := e.Add(context.Background(), m)
	require.NoError(t, err)
	return m
}

func TestDedup_ExactKeepsNewest(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	older := add(t, e, projectTag, "fix flaky test", 1, 1, 0, 0)
	newer := add(t, e, projectTag, "fix flaky test", 2, 1, 0, 0)
	add(t, e, projectTag, "add retry logic", 3, 0, 1, 0)
	// Same content, different container in the same shard: not a duplicate.
	add(t, e, "other_project_abc", "fix flaky test", 4, 1, 0, 0)

	d := NewDeduper(e, 0.9, zaptest.NewLogger(t))
	res, err := d.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExactDuplicatesDeleted)
	assert.Equal(t, 1, res.ShardsScanned)
	assert.Empty(t, res.NearDuplicateGroups)

	got, err := e.Get(ctx, older.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
	got, err = e.Get(ctx, newer.ID)
	require.NoError(t, err)
	assert.NotNil(t, got)

	n, err := e.CountAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	status := d.Status()
	assert.False(t, status.Running)
	assert.False(t, status.LastRun.IsZero())
	assert.Same(t, res, status.LastResult)
}

func TestDedup_NearDuplicatesReportedNotDeleted(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	rep := add(t, e, projectTag, "prefer table driven tests", 1, 1, 0, 0)
	dup := add(t, e, projectTag, "prefers table-driven tests", 2, 0.99, 0.1, 0)
	add(t, e, projectTag, "deploy on fridays", 3, 0, 0, 1)
	// Identical vector, different content: similarity 1.0 is not reported.
	add(t, e, projectTag, "deploy on friday", 4, 0, 0, 1)
	// Close vector but another container.
	add(t, e, userTag, "prefer table driven tests", 5, 1, 0, 0.01)

	d := NewDeduper(e, 0.95, nil)
	res, err := d.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.ExactDuplicatesDeleted)
	require.Len(t, res.NearDuplicateGroups, 1)

	g := res.NearDuplicateGroups[0]
	assert.Equal(t, rep.ID, g.Representative.ID)
	require.Len(t, g.Duplicates, 1)
	assert.Equal(t, dup.ID, g.Duplicates[0].ID)
	assert.GreaterOrEqual(t, g.Duplicates[0].Similarity, 0.95)
	assert.Less(t, g.Duplicates[0].Similarity, 1.0)

	n, err := e.CountAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestDedup_AlreadyRunning(t *testing.T) {
	d := NewDeduper(testEngine(t), 0, nil)
	d.running.Store(true)
	_, err := d.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.True(t, d.Status().Running)
}

func TestCleanup_Protections(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	old := now.AddDate(0, 0, -40).UnixMilli()
	fresh := now.AddDate(0, 0, -1).UnixMilli()

	pinned := add(t, e, projectTag, "pinned and old", old, 1, 0, 0)
	_, err := e.SetPinned(ctx, pinned.ID, true)
	require.NoError(t, err)
	// Pin then unpin leaves the record as old as it was.
	unpinned := add(t, e, projectTag, "unpinned and old", old, 0, 1, 1)
	_, err = e.SetPinned(ctx, unpinned.ID, true)
	require.NoError(t, err)
	_, err = e.SetPinned(ctx, unpinned.ID, false)
	require.NoError(t, err)

	protected := add(t, e, projectTag, "protected and old", old, 0, 1, 0)
	sibling := add(t, e, projectTag, "plain and old", old, 0, 0, 1)
	userOld := add(t, e, userTag, "user and old", old, 1, 1, 0)
	keep := add(t, e, projectTag, "fresh", fresh, 1, 0, 1)

	c := NewCleaner(e, NewStaticProtection(protected.ID), CleanupConfig{Enabled: true, RetentionDays: 30}, zaptest.NewLogger(t))
	c.now = func() time.Time { return now }

	res, err := c.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Deleted)
	assert.Equal(t, 2, res.ProjectDeleted)
	assert.Equal(t, 1, res.UserDeleted)
	assert.Equal(t, 1, res.PinnedSkipped)
	assert.Equal(t, 1, res.ProtectedSkipped)
	assert.Equal(t, now.AddDate(0, 0, -30), res.Cutoff)

	for _, id := range []string{pinned.ID, protected.ID, keep.ID} {
		got, err := e.Get(ctx, id)
		require.NoError(t, err)
		assert.NotNil(t, got, id)
	}
	for _, id := range []string{sibling.ID, userOld.ID, unpinned.ID} {
		got, err := e.Get(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, got, id)
	}
}

type failingProtection struct{}

func (failingProtection) ProtectedIDs(context.Context) (map[string]struct{}, error) {
	return nil, errors.New("prompt store offline")
}

func TestCleanup_ProtectionFailureAborts(t *testing.T) {
	e := testEngine(t)
	add(t, e, projectTag, "old", 1, 1, 0, 0)

	c := NewCleaner(e, failingProtection{}, CleanupConfig{Enabled: true}, nil)
	_, err := c.Run(context.Background())
	require.Error(t, err)

	n, err := e.CountAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCleanup_ShouldRun(t *testing.T) {
	e := testEngine(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	disabled := NewCleaner(e, nil, CleanupConfig{Enabled: false}, nil)
	assert.False(t, disabled.ShouldRun())
	assert.Equal(t, DefaultRetentionDays, disabled.Status().RetentionDays)

	c := NewCleaner(e, nil, CleanupConfig{Enabled: true, RetentionDays: 7}, nil)
	c.now = func() time.Time { return now }
	assert.True(t, c.ShouldRun())

	_, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, c.ShouldRun())

	now = now.Add(23 * time.Hour)
	assert.False(t, c.ShouldRun())
	now = now.Add(time.Hour)
	assert.True(t, c.ShouldRun())

	c.running.Store(true)
	assert.False(t, c.ShouldRun())
	_, err = c.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestCleanup_Timer(t *testing.T) {
	e := testEngine(t)
	add(t, e, projectTag, "ancient", 1, 1, 0, 0)

	c := NewCleaner(e, nil, CleanupConfig{Enabled: true}, nil)
	c.StartTimer(context.Background(), time.Hour)
	defer c.Stop()

	status := c.Status()
	require.NotNil(t, status.LastResult)
	assert.Equal(t, 1, status.LastResult.Deleted)
	c.Stop()
}
