// Package server exposes read-only operational endpoints for a running
// recall process: health, shard and maintenance status, and Prometheus
// metrics. It carries no memory read or write API.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lazypower/recall/internal/maintenance"
	"github.com/lazypower/recall/internal/shard"
)

// Backend is what the endpoints report on.
type Backend interface {
	Dir() string
	CountAll(ctx context.Context) (int, error)
	Shards(ctx context.Context) ([]shard.Info, error)
	DedupStatus() maintenance.DedupStatus
	CleanupStatus() maintenance.CleanupStatus
}

// Server is the recall ops HTTP server.
type Server struct {
	backend Backend
	router  chi.Router
	version string
	started time.Time
	logger  *zap.Logger
}

// New creates a new Server over backend.
func New(backend Backend, version string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		backend: backend,
		version: version,
		started: time.Now(),
		logger:  logger,
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Handle("/metrics", promhttp.Handler())
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)
		r.Get("/shards", s.handleShards)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	total, err := s.backend.CountAll(r.Context())
	status := "ok"
	code := http.StatusOK
	if err != nil {
		s.logger.Warn("health check: registry unavailable", zap.Error(err))
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":   status,
		"version":  s.version,
		"uptime":   time.Since(s.started).Seconds(),
		"dir":      s.backend.Dir(),
		"memories": total,
	})
}

type passStatus struct {
	Running    bool      `json:"running"`
	LastRun    time.Time `json:"last_run,omitzero"`
	LastResult any       `json:"last_result,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	dedup := s.backend.DedupStatus()
	cleanup := s.backend.CleanupStatus()

	dedupOut := passStatus{Running: dedup.Running, LastRun: dedup.LastRun}
	if dedup.LastResult != nil {
		dedupOut.LastResult = map[string]any{
			"exact_duplicates_deleted": dedup.LastResult.ExactDuplicatesDeleted,
			"near_duplicate_groups":    len(dedup.LastResult.NearDuplicateGroups),
			"shards_scanned":           dedup.LastResult.ShardsScanned,
			"failed":                   dedup.LastResult.Failed,
			"duration_ms":              dedup.LastResult.Duration.Milliseconds(),
		}
	}
	cleanupOut := passStatus{Running: cleanup.Running, LastRun: cleanup.LastRun}
	if cleanup.LastResult != nil {
		cleanupOut.LastResult = map[string]any{
			"deleted":           cleanup.LastResult.Deleted,
			"user_deleted":      cleanup.LastResult.UserDeleted,
			"project_deleted":   cleanup.LastResult.ProjectDeleted,
			"pinned_skipped":    cleanup.LastResult.PinnedSkipped,
			"protected_skipped": cleanup.LastResult.ProtectedSkipped,
			"failed":            cleanup.LastResult.Failed,
			"duration_ms":       cleanup.LastResult.Duration.Milliseconds(),
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"dedup": dedupOut,
		"cleanup": map[string]any{
			"enabled":        cleanup.Enabled,
			"retention_days": cleanup.RetentionDays,
			"status":         cleanupOut,
		},
	})
}

type shardJSON struct {
	ID          int64  `json:"id"`
	Scope       string `json:"scope"`
	ScopeHash   string `json:"scope_hash"`
	ShardIndex  int    `json:"shard_index"`
	Path        string `json:"path"`
	VectorCount int    `json:"vector_count"`
	Active      bool   `json:"active"`
	CreatedAt   int64  `json:"created_at"`
}

func (s *Server) handleShards(w http.ResponseWriter, r *http.Request) {
	shards, err := s.backend.Shards(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	out := make([]shardJSON, 0, len(shards))
	for _, sh := range shards {
		out = append(out, shardJSON{
			ID:          sh.ID,
			Scope:       string(sh.Scope),
			ScopeHash:   sh.ScopeHash,
			ShardIndex:  sh.ShardIndex,
			Path:        sh.DBPath,
			VectorCount: sh.VectorCount,
			Active:      sh.IsActive,
			CreatedAt:   sh.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
