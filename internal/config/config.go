package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/lazypower/recall/internal/embed"
	"github.com/lazypower/recall/internal/index"
	"github.com/lazypower/recall/internal/logging"
	"github.com/lazypower/recall/internal/store"
)

// EnvPrefix prefixes every environment override, e.g.
// RECALL_STORAGE_MAX_VECTORS_PER_SHARD -> storage.max_vectors_per_shard.
const EnvPrefix = "RECALL_"

// FileName is the config file looked up in the storage directory.
const FileName = "config.yaml"

// DefaultSearchThreshold is the minimum hybrid similarity a search result
// needs by default.
const DefaultSearchThreshold = 0.15

// Config holds all recall configuration.
type Config struct {
	Storage   StorageConfig   `koanf:"storage"`
	Search    SearchConfig    `koanf:"search"`
	Dedup     DedupConfig     `koanf:"dedup"`
	Cleanup   CleanupConfig   `koanf:"cleanup"`
	Embedding EmbeddingConfig `koanf:"embedding"`
	Container ContainerConfig `koanf:"container"`
	Log       logging.Config  `koanf:"log"`
	Server    ServerConfig    `koanf:"server"`
}

type StorageConfig struct {
	Dir                string `koanf:"dir"`
	Backend            string `koanf:"backend"` // "sqlite", "chromem"
	Dimensions         int    `koanf:"dimensions"`
	MaxVectorsPerShard int    `koanf:"max_vectors_per_shard"`
	BusyTimeoutMS      int    `koanf:"busy_timeout_ms"`
}

type SearchConfig struct {
	Limit     int     `koanf:"limit"`
	Threshold float64 `koanf:"threshold"`
}

type DedupConfig struct {
	Threshold float64 `koanf:"threshold"`
}

type CleanupConfig struct {
	Enabled       bool `koanf:"enabled"`
	RetentionDays int  `koanf:"retention_days"`
}

type EmbeddingConfig struct {
	Provider string `koanf:"provider"` // "ollama", "hash"
	URL      string `koanf:"url"`
	Model    string `koanf:"model"`
}

type ContainerConfig struct {
	Prefix string `koanf:"prefix"`
}

// ServerConfig is where `recall serve` exposes health, status and metrics.
type ServerConfig struct {
	Bind string `koanf:"bind"`
	Port int    `koanf:"port"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Storage: StorageConfig{
			Dir:                "", // resolved at runtime via store.DefaultDir()
			Backend:            index.BackendSQLite,
			Dimensions:         768,
			MaxVectorsPerShard: 50000,
			BusyTimeoutMS:      5000,
		},
		Search: SearchConfig{
			Limit: 10,
			// Below the smallest content weight, so a close content match
			// without tags still passes.
			Threshold: DefaultSearchThreshold,
		},
		Dedup: DedupConfig{
			Threshold: 0.9,
		},
		Cleanup: CleanupConfig{
			Enabled:       true,
			RetentionDays: 30,
		},
		Embedding: EmbeddingConfig{
			Provider: embed.ProviderOllama,
			URL:      "http://localhost:11434",
			Model:    "nomic-embed-text",
		},
		Container: ContainerConfig{
			Prefix: "opencode",
		},
		Log: logging.Config{
			Level:  "info",
			Format: "console",
		},
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37778,
		},
	}
}

// Load reads defaults, then the YAML file at path, then RECALL_ environment
// overrides. An empty path looks for config.yaml in the default storage
// directory; a missing default file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		dir, err := store.DefaultDir()
		if err == nil {
			path = filepath.Join(dir, FileName)
		}
	}
	if path != "" {
		content, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist) && !explicit:
		default:
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment variables: %w", err)
	}

	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// envKey maps RECALL_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	return section + "." + field
}

// Validate checks value ranges and enum fields.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Backend {
	case index.BackendSQLite, index.BackendChromem:
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q: %w", c.Storage.Backend, index.ErrUnknownBackend))
	}
	if c.Storage.Dimensions <= 0 {
		errs = append(errs, fmt.Errorf("storage.dimensions must be positive"))
	}
	if c.Storage.MaxVectorsPerShard <= 0 {
		errs = append(errs, fmt.Errorf("storage.max_vectors_per_shard must be positive"))
	}
	if c.Storage.BusyTimeoutMS < 0 {
		errs = append(errs, fmt.Errorf("storage.busy_timeout_ms must not be negative"))
	}
	if c.Search.Threshold < 0 || c.Search.Threshold > 1 {
		errs = append(errs, fmt.Errorf("search.threshold must be in [0, 1]"))
	}
	if c.Dedup.Threshold <= 0 || c.Dedup.Threshold > 1 {
		errs = append(errs, fmt.Errorf("dedup.threshold must be in (0, 1]"))
	}
	if c.Cleanup.RetentionDays <= 0 {
		errs = append(errs, fmt.Errorf("cleanup.retention_days must be positive"))
	}
	switch c.Embedding.Provider {
	case embed.ProviderOllama, embed.ProviderHash:
	default:
		errs = append(errs, fmt.Errorf("embedding.provider %q must be ollama or hash", c.Embedding.Provider))
	}
	if c.Container.Prefix == "" || strings.ContainsAny(c.Container.Prefix, " \t") {
		errs = append(errs, fmt.Errorf("container.prefix must be a non-empty word"))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if err := c.Log.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ResolveDir returns the storage directory, defaulting to ~/.recall.
func (c *Config) ResolveDir() (string, error) {
	if c.Storage.Dir != "" {
		return c.Storage.Dir, nil
	}
	return store.DefaultDir()
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}
