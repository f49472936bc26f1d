// Package memory is the entry point for callers that store and recall
// memories by text: it embeds content and queries, routes records to shards
// and runs the maintenance passes.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/recall/internal/config"
	"github.com/lazypower/recall/internal/embed"
	"github.com/lazypower/recall/internal/index"
	"github.com/lazypower/recall/internal/maintenance"
	"github.com/lazypower/recall/internal/shard"
	"github.com/lazypower/recall/internal/store"
	"github.com/lazypower/recall/internal/vector"
)

// Service ties the embedder, the sharded vector engine and the maintenance
// passes together.
type Service struct {
	cfg      config.Config
	embedder embed.Embedder
	engine   *vector.Engine
	shards   *shard.Manager
	deduper  *maintenance.Deduper
	cleaner  *maintenance.Cleaner
	logger   *zap.Logger
}

// New opens the shard registry under the configured directory and wires the
// configured index backend. protection may be nil.
func New(ctx context.Context, cfg config.Config, embedder embed.Embedder, protection maintenance.ProtectionSource, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if embedder == nil {
		return nil, errors.New("memory: embedder is required")
	}
	if d := embedder.Dimensions(); d > 0 && d != cfg.Storage.Dimensions {
		return nil, &store.ConfigError{
			Op:   "memory.New",
			Err:  fmt.Errorf("%w: embedder %s produces %d, storage expects %d", store.ErrDimensionMismatch, embedder.Model(), d, cfg.Storage.Dimensions),
			Hint: "set storage.dimensions to the embedding model's width",
		}
	}
	dir, err := cfg.ResolveDir()
	if err != nil {
		return nil, err
	}

	idx, err := index.New(cfg.Storage.Backend, logger)
	if err != nil {
		return nil, err
	}
	pool := store.NewPool(store.Options{
		BusyTimeout: time.Duration(cfg.Storage.BusyTimeoutMS) * time.Millisecond,
		Migrations:  store.ShardMigrations,
	}, logger)
	index.Attach(pool, idx, logger)

	shards, err := shard.NewManager(ctx, shard.Config{
		Dir:                dir,
		MaxVectorsPerShard: cfg.Storage.MaxVectorsPerShard,
	}, pool, logger)
	if err != nil {
		return nil, err
	}

	engine := vector.New(shards, idx, cfg.Storage.Dimensions, logger)
	return &Service{
		cfg:      cfg,
		embedder: embedder,
		engine:   engine,
		shards:   shards,
		deduper:  maintenance.NewDeduper(engine, cfg.Dedup.Threshold, logger),
		cleaner: maintenance.NewCleaner(engine, protection, maintenance.CleanupConfig{
			Enabled:       cfg.Cleanup.Enabled,
			RetentionDays: cfg.Cleanup.RetentionDays,
		}, logger),
		logger: logger,
	}, nil
}

// Engine exposes the underlying vector engine.
func (s *Service) Engine() *vector.Engine { return s.engine }

// Dir is the storage directory.
func (s *Service) Dir() string { return s.shards.Dir() }

// ContainerTag builds a tag for scope and identity with the configured prefix.
func (s *Service) ContainerTag(scope store.Scope, identity string) string {
	return store.ContainerTag(s.cfg.Container.Prefix, scope, store.ScopeHash(identity))
}

// AddRequest is a new memory. Tags keep their spelling; they are trimmed,
// split on commas and deduplicated case-insensitively.
type AddRequest struct {
	ContainerTag string
	Content      string
	Tags         []string
	Type         string
	Metadata     json.RawMessage
	Pinned       bool

	DisplayName string
	UserName    string
	UserEmail   string
	ProjectPath string
	ProjectName string
	GitRepoURL  string
}

// Add embeds content (and tags, when present) and stores the record in the
// container's write shard.
func (s *Service) Add(ctx context.Context, req AddRequest) (*store.Memory, error) {
	content, err := cleanContent(req.Content, s.logger)
	if err != nil {
		return nil, err
	}
	if err := checkMetadata(req.Metadata); err != nil {
		return nil, err
	}
	tags := sanitizeTags(req.Tags)

	vec, tagsVec, err := s.embedPair(ctx, content, tags)
	if err != nil {
		return nil, err
	}

	m := &store.Memory{
		Content:      content,
		Vector:       vec,
		TagsVector:   tagsVec,
		ContainerTag: req.ContainerTag,
		Tags:         strings.Join(tags, ","),
		Type:         cleanType(req.Type),
		Metadata:     req.Metadata,
		DisplayName:  req.DisplayName,
		UserName:     req.UserName,
		UserEmail:    req.UserEmail,
		ProjectPath:  req.ProjectPath,
		ProjectName:  req.ProjectName,
		GitRepoURL:   req.GitRepoURL,
		IsPinned:     req.Pinned,
	}
	info, err := s.engine.Add(ctx, m)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("memory added",
		zap.String("id", m.ID), zap.String("container_tag", m.ContainerTag), zap.Int64("shard", info.ID))
	return m, nil
}

func (s *Service) embedPair(ctx context.Context, content string, tags []string) (vec, tagsVec []float32, err error) {
	if vec, err = s.embedder.Embed(ctx, content); err != nil {
		return nil, nil, fmt.Errorf("embed content: %w", err)
	}
	if len(tags) > 0 {
		if tagsVec, err = s.embedder.Embed(ctx, strings.Join(tags, " ")); err != nil {
			return nil, nil, fmt.Errorf("embed tags: %w", err)
		}
	}
	return vec, tagsVec, nil
}

// SearchRequest is a text query against one container. A nil Threshold uses
// the configured one; a zero Limit uses the configured limit.
type SearchRequest struct {
	ContainerTag string
	Query        string
	Limit        int
	Threshold    *float64
}

// Search modes reported in SearchResponse.
const (
	ModeHybrid  = "hybrid"
	ModeLexical = "lexical"
)

// SearchResponse carries ranked results and the retrieval mode that produced
// them.
type SearchResponse struct {
	Results []vector.Result
	Mode    string
}

// Search embeds the query and runs the hybrid search. If the embedder fails
// the query is answered from the full-text index instead.
func (s *Service) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	if strings.TrimSpace(req.Query) == "" {
		return &SearchResponse{Mode: ModeHybrid}, nil
	}
	limit := req.Limit
	if limit <= 0 {
		limit = s.cfg.Search.Limit
	}
	threshold := s.cfg.Search.Threshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}

	vec, err := s.embedder.Embed(ctx, req.Query)
	if err != nil {
		s.logger.Warn("query embedding failed, falling back to lexical search",
			zap.String("model", s.embedder.Model()), zap.Error(err))
		results, lerr := s.engine.SearchLexical(ctx, req.ContainerTag, req.Query, limit)
		if lerr != nil {
			return nil, errors.Join(fmt.Errorf("embed query: %w", err), lerr)
		}
		return &SearchResponse{Results: results, Mode: ModeLexical}, nil
	}

	results, err := s.engine.Search(ctx, vector.SearchParams{
		ContainerTag: req.ContainerTag,
		Query:        req.Query,
		Vector:       vec,
		Limit:        limit,
		Threshold:    threshold,
	})
	if err != nil {
		return nil, err
	}
	return &SearchResponse{Results: results, Mode: ModeHybrid}, nil
}

// SearchLexical ranks a container's records by full-text match only.
func (s *Service) SearchLexical(ctx context.Context, containerTag, query string, limit int) ([]vector.Result, error) {
	if limit <= 0 {
		limit = s.cfg.Search.Limit
	}
	return s.engine.SearchLexical(ctx, containerTag, query, limit)
}

// List pages through a container's records, newest first.
func (s *Service) List(ctx context.Context, containerTag string, limit, offset int) ([]store.Memory, error) {
	return s.engine.List(ctx, containerTag, limit, offset)
}

// Get returns a record by id, or nil if not found.
func (s *Service) Get(ctx context.Context, id string) (*store.Memory, error) {
	return s.engine.Get(ctx, id)
}

// UpdateRequest replaces a record's content. Nil Tags keeps the current tags;
// an empty Type keeps the current type; nil Metadata keeps current metadata.
type UpdateRequest struct {
	ID       string
	Content  string
	Tags     []string
	Type     string
	Metadata json.RawMessage
}

// Update re-embeds and rewrites a record in place. Returns nil if the id is
// unknown.
func (s *Service) Update(ctx context.Context, req UpdateRequest) (*store.Memory, error) {
	content, err := cleanContent(req.Content, s.logger)
	if err != nil {
		return nil, err
	}
	if err := checkMetadata(req.Metadata); err != nil {
		return nil, err
	}
	cur, err := s.engine.Get(ctx, req.ID)
	if err != nil || cur == nil {
		return nil, err
	}

	tags := cur.TagList()
	if req.Tags != nil {
		tags = sanitizeTags(req.Tags)
	}
	vec, tagsVec, err := s.embedPair(ctx, content, tags)
	if err != nil {
		return nil, err
	}

	m := *cur
	m.Content = content
	m.Vector = vec
	m.TagsVector = tagsVec
	m.Tags = strings.Join(tags, ",")
	if req.Type != "" {
		m.Type = cleanType(req.Type)
	}
	if req.Metadata != nil {
		m.Metadata = req.Metadata
	}
	m.UpdatedAt = time.Now().UnixMilli()

	ok, err := s.engine.Update(ctx, &m)
	if err != nil || !ok {
		return nil, err
	}
	return &m, nil
}

// Delete removes a record. Returns false if the id is unknown.
func (s *Service) Delete(ctx context.Context, id string) (bool, error) {
	return s.engine.Delete(ctx, id)
}

// Pin protects a record from retention cleanup.
func (s *Service) Pin(ctx context.Context, id string) (bool, error) {
	return s.engine.SetPinned(ctx, id, true)
}

// Unpin makes a record eligible for retention cleanup again.
func (s *Service) Unpin(ctx context.Context, id string) (bool, error) {
	return s.engine.SetPinned(ctx, id, false)
}

// Count returns the number of records in a container.
func (s *Service) Count(ctx context.Context, containerTag string) (int, error) {
	return s.engine.Count(ctx, containerTag)
}

// CountAll returns the number of records across every shard.
func (s *Service) CountAll(ctx context.Context) (int, error) {
	return s.engine.CountAll(ctx)
}

// DistinctTags lists every container holding records.
func (s *Service) DistinctTags(ctx context.Context) ([]store.ContainerSummary, error) {
	return s.engine.DistinctTags(ctx)
}

// Shards lists every registered shard.
func (s *Service) Shards(ctx context.Context) ([]shard.Info, error) {
	return s.engine.ListShards(ctx)
}

// Warm opens every shard so index state is ready before the first query.
func (s *Service) Warm(ctx context.Context) (vector.WarmStats, error) {
	return s.engine.Warm(ctx)
}

// RunDedup runs the duplicate pass now.
func (s *Service) RunDedup(ctx context.Context) (*maintenance.DedupResult, error) {
	return s.deduper.Run(ctx)
}

// DedupStatus reports the duplicate pass.
func (s *Service) DedupStatus() maintenance.DedupStatus {
	return s.deduper.Status()
}

// RunCleanup runs the retention pass now, even when automatic cleanup is
// disabled.
func (s *Service) RunCleanup(ctx context.Context) (*maintenance.CleanupResult, error) {
	return s.cleaner.Run(ctx)
}

// CleanupStatus reports the retention pass.
func (s *Service) CleanupStatus() maintenance.CleanupStatus {
	return s.cleaner.Status()
}

// ShouldRunCleanup reports whether an automatic retention run is due.
func (s *Service) ShouldRunCleanup() bool {
	return s.cleaner.ShouldRun()
}

// StartCleanupTimer runs the retention pass whenever it is due, checking
// every interval until ctx ends or Close is called.
func (s *Service) StartCleanupTimer(ctx context.Context, interval time.Duration) {
	s.cleaner.StartTimer(ctx, interval)
}

// Close stops the cleanup timer and closes every shard and the registry.
func (s *Service) Close() error {
	s.cleaner.Stop()
	return s.shards.Close()
}
