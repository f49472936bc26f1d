package index

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/recall/internal/store"
)

// Attach makes every shard handle opened by pool come up with idx ready:
// index schema created and the index warmed from the base table before the
// handle is handed out. Closing a handle drops idx's in-process state for it.
func Attach(pool *store.Pool, idx VectorIndex, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pool.OnOpen = func(ctx context.Context, db *store.DB) error {
		if err := idx.EnsureSchema(ctx, db); err != nil {
			return fmt.Errorf("%s index schema: %w", idx.Name(), err)
		}
		start := time.Now()
		n, err := idx.Warm(ctx, db)
		if err != nil {
			return fmt.Errorf("%s index warm: %w", idx.Name(), err)
		}
		logger.Info("warmed shard index",
			zap.String("backend", idx.Name()),
			zap.String("path", db.Path),
			zap.Int("entries", n),
			zap.Duration("duration", time.Since(start)))
		return nil
	}
	pool.OnClose = idx.Forget
}
