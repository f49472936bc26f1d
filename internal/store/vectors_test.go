package store

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeVector(t *testing.T) {
	original := []float32{1.0, -0.5, 0.333, math.Pi, 0.0}
	blob := EncodeVector(original)
	assert.Len(t, blob, len(original)*4)

	decoded := DecodeVector(blob)
	require.Len(t, decoded, len(original))
	for i := range original {
		assert.Equal(t, original[i], decoded[i], "index %d", i)
	}
}

func TestEncodeVector_Nil(t *testing.T) {
	assert.Nil(t, EncodeVector(nil))
	assert.Nil(t, DecodeVector(nil))
	assert.Nil(t, DecodeVector([]byte{}))
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"mismatch", []float32{1, 0}, []float32{1, 0, 0}, 0},
		{"zero", []float32{0, 0}, []float32{1, 0}, 0},
		{"empty", nil, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, CosineSimilarity(tt.a, tt.b), 1e-6)
		})
	}
}

func TestCosineBytesMatchesCosineSimilarity(t *testing.T) {
	a := []float32{0.3, -0.2, 0.9, 0.1}
	b := []float32{0.25, 0.1, 0.8, -0.3}
	assert.InDelta(t, CosineSimilarity(a, b), cosineBytes(EncodeVector(a), EncodeVector(b)), 1e-6)
}
