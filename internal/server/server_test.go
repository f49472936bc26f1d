package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/recall/internal/maintenance"
	"github.com/lazypower/recall/internal/shard"
	"github.com/lazypower/recall/internal/store"
)

type fakeBackend struct {
	count    int
	countErr error
	shards   []shard.Info
	dedup    maintenance.DedupStatus
	cleanup  maintenance.CleanupStatus
}

func (f *fakeBackend) Dir() string { return "/tmp/recall" }
func (f *fakeBackend) CountAll(context.Context) (int, error) {
	return f.count, f.countErr
}
func (f *fakeBackend) Shards(context.Context) ([]shard.Info, error) {
	return f.shards, nil
}
func (f *fakeBackend) DedupStatus() maintenance.DedupStatus     { return f.dedup }
func (f *fakeBackend) CleanupStatus() maintenance.CleanupStatus { return f.cleanup }

func get(t *testing.T, srv *Server, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	if w.Header().Get("Content-Type") == "application/json" && w.Body.Len() > 0 && w.Body.Bytes()[0] == '{' {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w, body
}

func TestHealthEndpoint(t *testing.T) {
	srv := New(&fakeBackend{count: 7}, "test-version", nil)

	w, body := get(t, srv, "/api/health")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test-version", body["version"])
	assert.Equal(t, float64(7), body["memories"])
	assert.Equal(t, "/tmp/recall", body["dir"])
}

func TestHealthEndpoint_Degraded(t *testing.T) {
	srv := New(&fakeBackend{countErr: errors.New("registry locked")}, "v", nil)
	w, body := get(t, srv, "/api/health")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "degraded", body["status"])
}

func TestStatusEndpoint(t *testing.T) {
	backend := &fakeBackend{
		dedup: maintenance.DedupStatus{
			LastRun:    time.Now(),
			LastResult: &maintenance.DedupResult{ExactDuplicatesDeleted: 2, ShardsScanned: 3},
		},
		cleanup: maintenance.CleanupStatus{Enabled: true, RetentionDays: 30, Running: true},
	}
	srv := New(backend, "v", nil)

	w, body := get(t, srv, "/api/status")
	require.Equal(t, http.StatusOK, w.Code)

	dedup := body["dedup"].(map[string]any)
	assert.Equal(t, false, dedup["running"])
	last := dedup["last_result"].(map[string]any)
	assert.Equal(t, float64(2), last["exact_duplicates_deleted"])
	assert.Equal(t, float64(3), last["shards_scanned"])

	cleanup := body["cleanup"].(map[string]any)
	assert.Equal(t, true, cleanup["enabled"])
	assert.Equal(t, float64(30), cleanup["retention_days"])
	status := cleanup["status"].(map[string]any)
	assert.Equal(t, true, status["running"])
	assert.NotContains(t, status, "last_result")
}

func TestShardsEndpoint(t *testing.T) {
	backend := &fakeBackend{shards: []shard.Info{
		{ID: 1, Scope: store.ScopeProject, ScopeHash: "abc", ShardIndex: 0, DBPath: "/tmp/recall/projects/project_abc_shard_0.db", VectorCount: 4, IsActive: true},
	}}
	srv := New(backend, "v", nil)

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/shards", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var out []shardJSON
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, "project", out[0].Scope)
	assert.Equal(t, 4, out[0].VectorCount)
	assert.True(t, out[0].Active)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := New(&fakeBackend{}, "v", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestUnknownRoute(t *testing.T) {
	srv := New(&fakeBackend{}, "v", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/memories", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
