package memory

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lazypower/recall/internal/config"
	"github.com/lazypower/recall/internal/embed"
	"github.com/lazypower/recall/internal/index"
	"github.com/lazypower/recall/internal/store"
)

const (
	testDims   = 64
	projectTag = "opencode_project_abc"
)

func testConfig(dir, backend string) config.Config {
	cfg := config.Default()
	cfg.Storage.Dir = dir
	cfg.Storage.Backend = backend
	cfg.Storage.Dimensions = testDims
	cfg.Storage.MaxVectorsPerShard = 100
	cfg.Embedding.Provider = embed.ProviderHash
	return cfg
}

func openService(t *testing.T, dir, backend string, e embed.Embedder) *Service {
	t.Helper()
	svc, err := New(context.Background(), testConfig(dir, backend), e, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc
}

func testService(t *testing.T, backend string) *Service {
	return openService(t, t.TempDir(), backend, embed.NewHashEmbedder(testDims))
}

func noThreshold() *float64 {
	z := 0.0
	return &z
}

func TestEndToEnd_DedupThenSearch(t *testing.T) {
	for _, backend := range []string{index.BackendSQLite, index.BackendChromem} {
		t.Run(backend, func(t *testing.T) {
			svc := testService(t, backend)
			ctx := context.Background()

			for _, content := range []string{"fix flaky test", "fix flaky test", "add retry logic"} {
				_, err := svc.Add(ctx, AddRequest{ContainerTag: projectTag, Content: content})
				require.NoError(t, err)
			}

			res, err := svc.RunDedup(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, res.ExactDuplicatesDeleted)

			n, err := svc.Count(ctx, projectTag)
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			resp, err := svc.Search(ctx, SearchRequest{ContainerTag: projectTag, Query: "fix flaky test", Threshold: noThreshold()})
			require.NoError(t, err)
			assert.Equal(t, ModeHybrid, resp.Mode)
			require.NotEmpty(t, resp.Results)
			assert.Equal(t, "fix flaky test", resp.Results[0].Memory.Content)
			if len(resp.Results) > 1 {
				assert.Equal(t, "add retry logic", resp.Results[1].Memory.Content)
				assert.Greater(t, resp.Results[0].Similarity, resp.Results[1].Similarity)
			}

			status := svc.DedupStatus()
			assert.False(t, status.Running)
			assert.Same(t, res, status.LastResult)
		})
	}
}

func TestAdd_RoundTrip(t *testing.T) {
	svc := testService(t, index.BackendSQLite)
	ctx := context.Background()

	m, err := svc.Add(ctx, AddRequest{
		ContainerTag: projectTag,
		Content:      "  prefers errgroup for fan-out  ",
		Tags:         []string{"Go", "CI/CD,go", "  "},
		Metadata:     json.RawMessage(`{"source":"session"}`),
		ProjectName:  "recall",
		GitRepoURL:   "https://example.com/recall.git",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)

	got, err := svc.Get(ctx, m.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "prefers errgroup for fan-out", got.Content)
	assert.Equal(t, "Go,CI/CD", got.Tags)
	assert.Equal(t, []string{"Go", "CI/CD"}, got.TagList())
	assert.Equal(t, DefaultType, got.Type)
	assert.Equal(t, "recall", got.ProjectName)
	assert.Equal(t, "https://example.com/recall.git", got.GitRepoURL)
	assert.JSONEq(t, `{"source":"session"}`, string(got.Metadata))

	missing, err := svc.Get(ctx, "01NOPE")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestAdd_LongMultiByteContent(t *testing.T) {
	svc := testService(t, index.BackendSQLite)
	ctx := context.Background()

	m, err := svc.Add(ctx, AddRequest{ContainerTag: projectTag, Content: "a" + strings.Repeat("é", 20000)})
	require.NoError(t, err)

	got, err := svc.Get(ctx, m.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, utf8.ValidString(got.Content))
	assert.LessOrEqual(t, len(got.Content), maxContentChars)
	assert.Equal(t, m.Content, got.Content)
}

func TestAdd_Validation(t *testing.T) {
	svc := testService(t, index.BackendSQLite)
	ctx := context.Background()

	_, err := svc.Add(ctx, AddRequest{ContainerTag: projectTag, Content: "   "})
	assert.ErrorIs(t, err, ErrEmptyContent)

	_, err = svc.Add(ctx, AddRequest{ContainerTag: "not-a-tag", Content: "x y"})
	assert.ErrorIs(t, err, store.ErrInvalidContainerTag)

	_, err = svc.Add(ctx, AddRequest{ContainerTag: projectTag, Content: "x y", Metadata: json.RawMessage(`{bad`)})
	assert.ErrorContains(t, err, "metadata")
}

func TestSearch_TagBoost(t *testing.T) {
	svc := testService(t, index.BackendSQLite)
	ctx := context.Background()

	tagged, err := svc.Add(ctx, AddRequest{ContainerTag: projectTag, Content: "wrap transient failures", Tags: []string{"retry", "http"}})
	require.NoError(t, err)
	_, err = svc.Add(ctx, AddRequest{ContainerTag: projectTag, Content: "use table driven tests"})
	require.NoError(t, err)

	resp, err := svc.Search(ctx, SearchRequest{ContainerTag: projectTag, Query: "retry", Limit: 5})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	top := resp.Results[0]
	assert.Equal(t, tagged.ID, top.Memory.ID)
	assert.Equal(t, 1.0, top.ExactMatch)
	assert.GreaterOrEqual(t, top.Similarity, 0.6)

	empty, err := svc.Search(ctx, SearchRequest{ContainerTag: projectTag, Query: "  "})
	require.NoError(t, err)
	assert.Empty(t, empty.Results)
}

type brokenEmbedder struct{}

func (brokenEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("connection refused")
}
func (brokenEmbedder) Model() string   { return "broken" }
func (brokenEmbedder) Dimensions() int { return testDims }

func TestSearch_FallsBackToLexical(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	writer, err := New(ctx, testConfig(dir, index.BackendSQLite), embed.NewHashEmbedder(testDims), nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	_, err = writer.Add(ctx, AddRequest{ContainerTag: projectTag, Content: "fix flaky test in CI"})
	require.NoError(t, err)
	_, err = writer.Add(ctx, AddRequest{ContainerTag: projectTag, Content: "add retry logic"})
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	reader := openService(t, dir, index.BackendSQLite, brokenEmbedder{})
	resp, err := reader.Search(ctx, SearchRequest{ContainerTag: projectTag, Query: "flaky"})
	require.NoError(t, err)
	assert.Equal(t, ModeLexical, resp.Mode)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "fix flaky test in CI", resp.Results[0].Memory.Content)

	_, err = reader.Add(ctx, AddRequest{ContainerTag: projectTag, Content: "anything"})
	assert.ErrorContains(t, err, "embed content")
}

func TestUpdate(t *testing.T) {
	svc := testService(t, index.BackendChromem)
	ctx := context.Background()

	m, err := svc.Add(ctx, AddRequest{ContainerTag: projectTag, Content: "use sqlite", Tags: []string{"storage"}, Type: "decision"})
	require.NoError(t, err)

	updated, err := svc.Update(ctx, UpdateRequest{ID: m.ID, Content: "use sqlite in WAL mode"})
	require.NoError(t, err)
	require.NotNil(t, updated)

	got, err := svc.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "use sqlite in WAL mode", got.Content)
	assert.Equal(t, "storage", got.Tags)
	assert.Equal(t, "decision", got.Type)
	assert.Equal(t, m.CreatedAt, got.CreatedAt)

	resp, err := svc.Search(ctx, SearchRequest{ContainerTag: projectTag, Query: "use sqlite in WAL mode", Threshold: noThreshold()})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, m.ID, resp.Results[0].Memory.ID)
	assert.InDelta(t, 1.0, resp.Results[0].ContentSimilarity, 1e-4)

	none, err := svc.Update(ctx, UpdateRequest{ID: "01NOPE", Content: "x y"})
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestPinDeleteAndCounts(t *testing.T) {
	svc := testService(t, index.BackendSQLite)
	ctx := context.Background()
	userTag := svc.ContainerTag(store.ScopeUser, "dev@example.com")

	a, err := svc.Add(ctx, AddRequest{ContainerTag: projectTag, Content: "project fact"})
	require.NoError(t, err)
	_, err = svc.Add(ctx, AddRequest{ContainerTag: userTag, Content: "user preference", UserName: "dev"})
	require.NoError(t, err)

	ok, err := svc.Pin(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	got, err := svc.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.IsPinned)

	ok, err = svc.Unpin(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	total, err := svc.CountAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	tags, err := svc.DistinctTags(ctx)
	require.NoError(t, err)
	assert.Len(t, tags, 2)

	shards, err := svc.Shards(ctx)
	require.NoError(t, err)
	assert.Len(t, shards, 2)

	stats, err := svc.Warm(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Shards)

	list, err := svc.List(ctx, userTag, 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "dev", list[0].UserName)

	ok, err = svc.Delete(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = svc.Delete(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	total, err = svc.CountAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestCleanupStatus(t *testing.T) {
	svc := testService(t, index.BackendSQLite)
	assert.True(t, svc.ShouldRunCleanup())

	res, err := svc.RunCleanup(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Deleted)

	status := svc.CleanupStatus()
	assert.True(t, status.Enabled)
	assert.Equal(t, 30, status.RetentionDays)
	assert.False(t, svc.ShouldRunCleanup())
}

func TestNew_DimensionMismatch(t *testing.T) {
	_, err := New(context.Background(), testConfig(t.TempDir(), index.BackendSQLite), embed.NewHashEmbedder(32), nil, nil)
	var cerr *store.ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.ErrorIs(t, err, store.ErrDimensionMismatch)
}

func TestNew_UnknownBackend(t *testing.T) {
	cfg := testConfig(t.TempDir(), "faiss")
	_, err := New(context.Background(), cfg, embed.NewHashEmbedder(testDims), nil, nil)
	assert.ErrorIs(t, err, index.ErrUnknownBackend)
}
