package cli

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lazypower/recall/internal/config"
	"github.com/lazypower/recall/internal/embed"
	"github.com/lazypower/recall/internal/logging"
	"github.com/lazypower/recall/internal/memory"
	"github.com/lazypower/recall/internal/store"
)

// globalOpts holds the persistent flags shared by every command.
type globalOpts struct {
	configPath string
	dir        string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &globalOpts{}
	root := &cobra.Command{
		Use:           "recall",
		Short:         "Sharded vector memory for AI coding agents",
		Long:          "Recall stores short memories per user and per project in sharded SQLite files and retrieves them by hybrid vector and tag similarity.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Config file (default ~/.recall/config.yaml)")
	root.PersistentFlags().StringVar(&opts.dir, "dir", "", "Storage directory (overrides storage.dir)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")

	root.AddCommand(
		newVersionCmd(),
		newAddCmd(opts),
		newSearchCmd(opts),
		newListCmd(opts),
		newGetCmd(opts),
		newRmCmd(opts),
		newUpdateCmd(opts),
		newPinCmd(opts, true),
		newPinCmd(opts, false),
		newCountCmd(opts),
		newTagsCmd(opts),
		newShardsCmd(opts),
		newDedupCmd(opts),
		newCleanupCmd(opts),
		newServeCmd(opts),
	)
	return root
}

// Execute runs the root command.
func Execute() error {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return err
	}
	return nil
}

// loadConfig reads the config file and environment and applies flag overrides.
func (o *globalOpts) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.dir != "" {
		cfg.Storage.Dir = o.dir
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	return cfg, cfg.Validate()
}

// openService is a helper that opens the memory service for CLI commands.
func (o *globalOpts) openService(ctx context.Context) (*memory.Service, *config.Config, *zap.Logger, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, nil, err
	}
	embedder, err := embed.New(embed.Config{
		Provider:   cfg.Embedding.Provider,
		URL:        cfg.Embedding.URL,
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Storage.Dimensions,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	svc, err := memory.New(ctx, *cfg, embedder, nil, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open store: %w", err)
	}
	return svc, cfg, logger, nil
}

// containerFlags selects a container either by explicit tag or by scope and
// identity.
type containerFlags struct {
	tag      string
	scope    string
	identity string
}

func (c *containerFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&c.tag, "container", "", "Explicit container tag ({prefix}_{scope}_{hash})")
	cmd.Flags().StringVar(&c.scope, "scope", string(store.ScopeProject), "Scope: user or project")
	cmd.Flags().StringVar(&c.identity, "identity", "", "Identity to hash (default: current directory for project, OS user for user)")
}

// resolve returns the container tag for the flags under prefix.
func (c *containerFlags) resolve(prefix string) (string, error) {
	if c.tag != "" {
		if _, err := store.ParseContainerTag(c.tag); err != nil {
			return "", err
		}
		return c.tag, nil
	}
	scope, err := store.ParseScope(c.scope)
	if err != nil {
		return "", err
	}
	identity := c.identity
	if identity == "" {
		if identity, err = defaultIdentity(scope); err != nil {
			return "", err
		}
	}
	return store.ContainerTag(prefix, scope, store.ScopeHash(identity)), nil
}

func defaultIdentity(scope store.Scope) (string, error) {
	if scope == store.ScopeUser {
		u, err := user.Current()
		if err != nil {
			return "", fmt.Errorf("resolve user identity: %w", err)
		}
		return u.Username, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("resolve project identity: %w", err)
	}
	return filepath.Abs(wd)
}
