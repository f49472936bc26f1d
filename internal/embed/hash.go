package embed

import (
	"context"

	"github.com/cespare/xxhash/v2"
)

// DefaultHashDimensions is used when a hash embedder is built with dims <= 0.
const DefaultHashDimensions = 256

// HashEmbedder maps tokens into a fixed number of buckets with xxhash and
// L2-normalizes the counts. It needs no model or network, so texts sharing
// words land close together and identical texts embed identically.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder returns a hashing embedder of width dims.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = DefaultHashDimensions
	}
	return &HashEmbedder{dims: dims}
}

func (h *HashEmbedder) Model() string   { return "hash" }
func (h *HashEmbedder) Dimensions() int { return h.dims }

// Embed returns the normalized feature-hash vector of text. Text with no
// tokens yields the zero vector.
func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, h.dims)
	for _, tok := range tokenize(text) {
		sum := xxhash.Sum64String(tok)
		bucket := sum % uint64(h.dims)
		// The high bit picks the sign so unrelated collisions tend to cancel.
		if sum>>63 == 1 {
			vec[bucket]--
		} else {
			vec[bucket]++
		}
	}
	normalize(vec)
	return vec, nil
}
