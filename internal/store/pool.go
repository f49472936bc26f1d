package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Pool caches one open handle per shard file. The first Get for a path opens
// the file, runs Options.Migrations and then OnOpen.
type Pool struct {
	opts   Options
	logger *zap.Logger

	// OnOpen runs once per freshly opened handle, after migrations. A failure
	// closes the handle and is returned from Get.
	OnOpen func(ctx context.Context, db *DB) error
	// OnClose runs after a handle has been closed.
	OnClose func(path string)

	mu    sync.Mutex
	conns map[string]*DB
}

// NewPool returns an empty pool.
func NewPool(opts Options, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{opts: opts, logger: logger, conns: make(map[string]*DB)}
}

// Get returns the cached handle for path, opening it on first use.
func (p *Pool) Get(ctx context.Context, path string) (*DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if db, ok := p.conns[path]; ok {
		return db, nil
	}

	db, err := Open(ctx, path, p.opts)
	if err != nil {
		return nil, err
	}
	if p.OnOpen != nil {
		if err := p.OnOpen(ctx, db); err != nil {
			db.Close()
			if p.OnClose != nil {
				p.OnClose(path)
			}
			return nil, fmt.Errorf("init %s: %w", path, err)
		}
	}
	p.conns[path] = db
	p.logger.Debug("opened shard", zap.String("path", path))
	return db, nil
}

// Close checkpoints and closes the handle for path, if open.
func (p *Pool) Close(path string) error {
	p.mu.Lock()
	db, ok := p.conns[path]
	delete(p.conns, path)
	p.mu.Unlock()

	if !ok {
		return nil
	}
	err := db.Close()
	if p.OnClose != nil {
		p.OnClose(path)
	}
	if err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

// CloseAll closes every cached handle.
func (p *Pool) CloseAll() error {
	var errs []error
	for _, path := range p.Paths() {
		if err := p.Close(path); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Paths lists the currently open files.
func (p *Pool) Paths() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	paths := make([]string, 0, len(p.conns))
	for path := range p.conns {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}
