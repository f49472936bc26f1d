package store

import (
	"context"
	"database/sql/driver"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"modernc.org/sqlite"
)

// VectorDistanceFunc is the SQL function name used by the relational vector index.
// vec_distance_cosine(a BLOB, b BLOB) returns 1 - cos(a, b), or NULL if either is NULL.
const VectorDistanceFunc = "vec_distance_cosine"

var (
	registerOnce sync.Once
	registerErr  error
)

// RegisterVectorFunctions installs the vector distance function into the
// sqlite driver. Safe to call repeatedly; connections opened afterwards see it.
func RegisterVectorFunctions() error {
	registerOnce.Do(func() {
		if err := sqlite.RegisterDeterministicScalarFunction(VectorDistanceFunc, 2, cosineDistanceSQL); err != nil {
			registerErr = &ConfigError{
				Op:   "register " + VectorDistanceFunc,
				Err:  fmt.Errorf("%w: %v", ErrVectorCapability, err),
				Hint: "the sqlite driver must support user-defined scalar functions (modernc.org/sqlite >= v1.20)",
			}
		}
	})
	return registerErr
}

func cosineDistanceSQL(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	a, okA := args[0].([]byte)
	b, okB := args[1].([]byte)
	if !okA || !okB || a == nil || b == nil {
		return nil, nil
	}
	if len(a) != len(b) || len(a)%4 != 0 {
		return nil, fmt.Errorf("%s: %w (%d vs %d bytes)", VectorDistanceFunc, ErrDimensionMismatch, len(a), len(b))
	}
	return 1 - cosineBytes(a, b), nil
}

// cosineBytes computes cosine similarity directly on two encoded vectors
// without allocating decoded slices.
func cosineBytes(a, b []byte) float64 {
	var dot, normA, normB float64
	for i := 0; i+4 <= len(a); i += 4 {
		x := float64(math.Float32frombits(binary.LittleEndian.Uint32(a[i:])))
		y := float64(math.Float32frombits(binary.LittleEndian.Uint32(b[i:])))
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func (db *DB) probeVectorCapability(ctx context.Context) error {
	probe := EncodeVector([]float32{1, 0})
	var d float64
	if err := db.QueryRowContext(ctx, "SELECT "+VectorDistanceFunc+"(?, ?)", probe, probe).Scan(&d); err != nil {
		return &ConfigError{
			Op:   "probe " + VectorDistanceFunc,
			Err:  fmt.Errorf("%w: %v", ErrVectorCapability, err),
			Hint: "call store.RegisterVectorFunctions before opening connections",
		}
	}
	return nil
}
