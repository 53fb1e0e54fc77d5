package vecfs

import (
	"errors"
	"fmt"
	"os"

	"github.com/grepd/vecfs/collection"
	"github.com/grepd/vecfs/projection"
	"github.com/grepd/vecfs/quantize"
)

var (
	// ErrNotFound is returned when a point id does not exist in a collection.
	ErrNotFound = errors.New("not found")

	// ErrInvalidLimit is returned when a search limit is not positive.
	ErrInvalidLimit = errors.New("limit must be positive")

	// ErrInvalidCollectionName is returned for names unusable as a path segment.
	ErrInvalidCollectionName = errors.New("invalid collection name")
)

// ErrCollectionNotFound indicates an unknown collection was referenced.
type ErrCollectionNotFound struct {
	Name string
}

func (e *ErrCollectionNotFound) Error() string {
	return fmt.Sprintf("collection not found: %q", e.Name)
}

// ErrDimensionMismatch indicates a vector length that disagrees with the
// collection's declared vector size or the projection matrix row count.
// Vectors are never silently truncated or padded.
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

// ErrNonFiniteVector indicates a NaN or Inf component detected before
// projection.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrNonFiniteVector struct {
	Index int
	cause error
}

func (e *ErrNonFiniteVector) Error() string {
	return fmt.Sprintf("non-finite vector component at index %d", e.Index)
}

func (e *ErrNonFiniteVector) Unwrap() error { return e.cause }

// ErrStorageCorruption indicates a persisted artifact that failed shape or
// schema validation on load. Fatal for the owning collection only, never for
// the process.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrStorageCorruption struct {
	Path   string
	Reason string
	cause  error
}

func (e *ErrStorageCorruption) Error() string {
	return fmt.Sprintf("storage corruption at %s: %s", e.Path, e.Reason)
}

func (e *ErrStorageCorruption) Unwrap() error { return e.cause }

// ErrStorageIO wraps a filesystem failure (disk full, permission denied)
// together with the operation and path it occurred on.
//
// The underlying OS error can be accessed via errors.Unwrap.
type ErrStorageIO struct {
	Op    string
	Path  string
	cause error
}

func (e *ErrStorageIO) Error() string {
	return fmt.Sprintf("storage io failure: %s %s: %v", e.Op, e.Path, e.cause)
}

func (e *ErrStorageIO) Unwrap() error { return e.cause }

// translateError normalizes subpackage errors into the public taxonomy.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, collection.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	var dm *quantize.ErrDimensionMismatch
	if errors.As(err, &dm) {
		return &ErrDimensionMismatch{Expected: dm.Expected, Actual: dm.Actual, cause: err}
	}
	var nf *quantize.ErrNonFiniteVector
	if errors.As(err, &nf) {
		return &ErrNonFiniteVector{Index: nf.Index, cause: err}
	}

	var cc *collection.CorruptionError
	if errors.As(err, &cc) {
		return &ErrStorageCorruption{Path: cc.Path, Reason: cc.Reason, cause: err}
	}
	var pc *projection.CorruptionError
	if errors.As(err, &pc) {
		return &ErrStorageCorruption{Path: pc.Path, Reason: pc.Reason, cause: err}
	}

	var pe *os.PathError
	if errors.As(err, &pe) {
		return &ErrStorageIO{Op: pe.Op, Path: pe.Path, cause: err}
	}

	return err
}
