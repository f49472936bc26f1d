// Package embed turns text into dense vectors for storage and search.
package embed

import (
	"context"
	"fmt"
	"math"
	"strings"
)

// Provider names accepted by New.
const (
	ProviderOllama = "ollama"
	ProviderHash   = "hash"
)

// Embedder generates vector embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
	Dimensions() int
}

// Config selects and parameterizes an embedder.
type Config struct {
	Provider   string
	URL        string
	Model      string
	Dimensions int
}

// New builds the embedder named by cfg.Provider. An empty provider means hash.
func New(cfg Config) (Embedder, error) {
	switch cfg.Provider {
	case ProviderHash, "":
		return NewHashEmbedder(cfg.Dimensions), nil
	case ProviderOllama:
		if cfg.URL == "" || cfg.Model == "" {
			return nil, fmt.Errorf("ollama embedder needs url and model")
		}
		return NewOllamaEmbedder(cfg.URL, cfg.Model, cfg.Dimensions), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

// tokenize splits text into lowercase tokens, stripping punctuation.
func tokenize(text string) []string {
	text = strings.ToLower(text)
	var tokens []string
	var current strings.Builder
	for _, r := range text {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			current.WriteRune(r)
		} else {
			if current.Len() > 1 { // skip single-char tokens
				tokens = append(tokens, current.String())
			}
			current.Reset()
		}
	}
	if current.Len() > 1 {
		tokens = append(tokens, current.String())
	}
	return tokens
}

// normalize performs in-place L2 normalization.
func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := math.Sqrt(sum)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
}
