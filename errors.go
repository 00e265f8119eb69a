package proxigo

import (
	"errors"
	"fmt"

	"github.com/proxigo/proxigo/persistence"
	"github.com/proxigo/proxigo/vectorstore"
)

var (
	// ErrDuplicateKey is returned when adding a key that is already present.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrNotFound is returned when a key is absent or already removed.
	ErrNotFound = errors.New("key not found")

	// ErrInvalidK is returned when k is not positive.
	ErrInvalidK = errors.New("k must be positive")

	// ErrCapacityExceeded is returned when the index has reached its
	// configured hard capacity.
	ErrCapacityExceeded = vectorstore.ErrCapacityExceeded

	// ErrReadOnly is returned by mutating operations on a memory-mapped
	// view.
	ErrReadOnly = vectorstore.ErrReadOnly

	// ErrCorruptFormat is returned when a snapshot fails validation.
	ErrCorruptFormat = persistence.ErrCorruptFormat

	// ErrUnsupportedVersion is returned for snapshots from an incompatible
	// format version.
	ErrUnsupportedVersion = persistence.ErrUnsupportedVersion
)

// ErrDimensionMismatch indicates a vector/query dimensionality mismatch.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
	cause    error
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *ErrDimensionMismatch) Unwrap() error { return e.cause }

// ErrInvalidDimension indicates an invalid configured dimension.
type ErrInvalidDimension struct {
	Dimension int
}

func (e *ErrInvalidDimension) Error() string {
	return fmt.Sprintf("invalid dimension: %d", e.Dimension)
}

// ErrZeroVector indicates a zero vector under a metric that requires
// normalization.
type ErrZeroVector struct {
	Key uint64
}

func (e *ErrZeroVector) Error() string {
	return fmt.Sprintf("cannot normalize zero vector for key %d", e.Key)
}
