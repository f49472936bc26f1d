package store

import "errors"

var (
	// ErrVectorCapability means the vector distance function could not be
	// registered or does not answer. Fatal at bootstrap.
	ErrVectorCapability = errors.New("vector similarity capability unavailable")

	// ErrBadPath means the storage path is empty or cannot be created.
	ErrBadPath = errors.New("invalid storage path")

	// ErrDimensionMismatch is returned when a vector's length differs from the
	// configured embedding dimensionality.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrInvalidContainerTag is returned for tags not shaped {prefix}_{scope}_{hash}.
	ErrInvalidContainerTag = errors.New("invalid container tag")
)

// ConfigError is a bootstrap failure that retrying will not fix. Hint tells
// the operator what to change.
type ConfigError struct {
	Op   string
	Err  error
	Hint string
}

func (e *ConfigError) Error() string {
	msg := e.Op + ": " + e.Err.Error()
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Err }
