package maintenance

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/lazypower/recall/internal/store"
)

// DefaultRetentionDays applies when the configured retention is not positive.
const DefaultRetentionDays = 30

// cleanupInterval is the minimum time between two automatic cleanup runs.
const cleanupInterval = 24 * time.Hour

// ProtectionSource reports record ids that must survive cleanup regardless
// of age, such as records still referenced by retained upstream prompts.
type ProtectionSource interface {
	ProtectedIDs(ctx context.Context) (map[string]struct{}, error)
}

// StaticProtection is a fixed set of protected ids.
type StaticProtection map[string]struct{}

// NewStaticProtection builds a StaticProtection from ids.
func NewStaticProtection(ids ...string) StaticProtection {
	p := make(StaticProtection, len(ids))
	for _, id := range ids {
		p[id] = struct{}{}
	}
	return p
}

func (p StaticProtection) ProtectedIDs(context.Context) (map[string]struct{}, error) {
	return p, nil
}

// CleanupConfig controls retention.
type CleanupConfig struct {
	Enabled       bool
	RetentionDays int
}

// CleanupResult summarizes one cleanup run.
type CleanupResult struct {
	Deleted          int
	UserDeleted      int
	ProjectDeleted   int
	PinnedSkipped    int
	ProtectedSkipped int
	Failed           int
	Cutoff           time.Time
	Duration         time.Duration
}

// CleanupStatus reports configuration, whether a run is in flight and how
// the last one went.
type CleanupStatus struct {
	Enabled       bool
	Running       bool
	RetentionDays int
	LastRun       time.Time
	LastResult    *CleanupResult
}

// Cleaner evicts records not updated within the retention window. Pinned
// and protected records are never evicted.
type Cleaner struct {
	records    Records
	protection ProtectionSource
	cfg        CleanupConfig
	logger     *zap.Logger
	now        func() time.Time

	running atomic.Bool

	mu         sync.Mutex
	lastRun    time.Time
	lastResult *CleanupResult

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewCleaner returns a cleaner. A nil protection source protects nothing.
func NewCleaner(records Records, protection ProtectionSource, cfg CleanupConfig, logger *zap.Logger) *Cleaner {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = DefaultRetentionDays
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cleaner{
		records:    records,
		protection: protection,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		stopCh:     make(chan struct{}),
	}
}

// ShouldRun reports whether an automatic run is due: cleanup is enabled,
// none is in flight, and a day has passed since the last run in this process.
func (c *Cleaner) ShouldRun() bool {
	if !c.cfg.Enabled || c.running.Load() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRun.IsZero() || c.now().Sub(c.lastRun) >= cleanupInterval
}

// Status returns the current cleanup status.
func (c *Cleaner) Status() CleanupStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CleanupStatus{
		Enabled:       c.cfg.Enabled,
		Running:       c.running.Load(),
		RetentionDays: c.cfg.RetentionDays,
		LastRun:       c.lastRun,
		LastResult:    c.lastResult,
	}
}

// Run evicts expired records across every shard of both scopes. It runs
// even when cleanup is disabled; ShouldRun is the gate for automatic runs.
func (c *Cleaner) Run(ctx context.Context) (_ *CleanupResult, err error) {
	if !c.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	defer c.running.Store(false)
	defer func() { observeRun("cleanup", err) }()

	ctx, span := tracer.Start(ctx, "Cleaner.Run")
	defer span.End()

	start := c.now()
	defer func() {
		c.mu.Lock()
		c.lastRun = start
		c.mu.Unlock()
	}()

	res := &CleanupResult{Cutoff: start.AddDate(0, 0, -c.cfg.RetentionDays)}
	cutoff := res.Cutoff.UnixMilli()

	protected := map[string]struct{}{}
	if c.protection != nil {
		if protected, err = c.protection.ProtectedIDs(ctx); err != nil {
			return nil, fmt.Errorf("load protected ids: %w", err)
		}
	}

	shards, err := c.records.ListShards(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range shards {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		records, err := c.records.Records(ctx, s, false)
		if err != nil {
			return nil, err
		}
		for i := range records {
			r := &records[i]
			if r.UpdatedAt >= cutoff {
				continue
			}
			if r.IsPinned {
				res.PinnedSkipped++
				continue
			}
			if _, ok := protected[r.ID]; ok {
				res.ProtectedSkipped++
				continue
			}
			ok, err := c.records.DeleteFrom(ctx, s, r.ID)
			if err != nil {
				res.Failed++
				c.logger.Warn("cleanup: delete failed",
					zap.String("id", r.ID), zap.Int64("shard", s.ID), zap.Error(err))
				continue
			}
			if !ok {
				continue
			}
			res.Deleted++
			recordsDeleted.WithLabelValues("cleanup").Inc()
			switch s.Scope {
			case store.ScopeUser:
				res.UserDeleted++
			case store.ScopeProject:
				res.ProjectDeleted++
			}
		}
	}
	res.Duration = c.now().Sub(start)

	span.SetAttributes(attribute.Int("deleted", res.Deleted), attribute.Int("pinned_skipped", res.PinnedSkipped))
	c.logger.Info("cleanup complete",
		zap.Int("deleted", res.Deleted),
		zap.Int("user_deleted", res.UserDeleted),
		zap.Int("project_deleted", res.ProjectDeleted),
		zap.Int("pinned_skipped", res.PinnedSkipped),
		zap.Int("protected_skipped", res.ProtectedSkipped),
		zap.Int("failed", res.Failed),
		zap.Time("cutoff", res.Cutoff))

	c.mu.Lock()
	c.lastResult = res
	c.mu.Unlock()
	return res, nil
}

// StartTimer checks every interval whether a cleanup run is due and runs it.
// One check happens immediately.
func (c *Cleaner) StartTimer(ctx context.Context, interval time.Duration) {
	tick := func() {
		if !c.ShouldRun() {
			return
		}
		if _, err := c.Run(ctx); err != nil {
			c.logger.Error("scheduled cleanup failed", zap.Error(err))
		}
	}
	tick()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				tick()
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the timer started by StartTimer.
func (c *Cleaner) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}
