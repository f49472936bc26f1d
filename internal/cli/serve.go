package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lazypower/recall/internal/embed"
	"github.com/lazypower/recall/internal/memory"
	"github.com/lazypower/recall/internal/server"
)

// cleanupCheckInterval is how often serve asks whether a cleanup run is due.
const cleanupCheckInterval = time.Hour

func newServeCmd(opts *globalOpts) *cobra.Command {
	var (
		addr          string
		dedupInterval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run maintenance in the foreground and expose health, status and metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts, addr, dedupInterval)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default server.bind:server.port)")
	cmd.Flags().DurationVar(&dedupInterval, "dedup-interval", 0, "Run dedup on this interval (0 disables)")
	return cmd
}

func runServe(cmd *cobra.Command, opts *globalOpts, addr string, dedupInterval time.Duration) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, cfg, logger, err := opts.openService(ctx)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer svc.Close()

	if o, ok := embedderOf(cfg.Embedding.Provider, cfg.Embedding.URL, cfg.Embedding.Model, cfg.Storage.Dimensions); ok {
		if err := o.Probe(ctx); err != nil {
			logger.Warn("embedder not reachable; searches fall back to full-text", zap.String("model", o.Model()), zap.Error(err))
		} else {
			logger.Info("embedder ready", zap.String("model", o.Model()))
		}
	}

	if _, err := svc.Warm(ctx); err != nil {
		return fmt.Errorf("warm shards: %w", err)
	}

	svc.StartCleanupTimer(ctx, cleanupCheckInterval)
	if dedupInterval > 0 {
		go runDedupLoop(ctx, svc, dedupInterval, logger)
	}

	if addr == "" {
		addr = cfg.ListenAddr()
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.New(svc, VersionString(), logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("recall serving", zap.String("addr", addr), zap.String("dir", svc.Dir()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// embedderOf returns the Ollama embedder for probing when that provider is
// configured.
func embedderOf(provider, url, model string, dims int) (*embed.OllamaEmbedder, bool) {
	if provider != embed.ProviderOllama {
		return nil, false
	}
	return embed.NewOllamaEmbedder(url, model, dims), true
}

func runDedupLoop(ctx context.Context, svc *memory.Service, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := svc.RunDedup(ctx); err != nil {
				logger.Error("scheduled dedup failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}
