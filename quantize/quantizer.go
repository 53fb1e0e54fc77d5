// Package quantize converts arbitrary-length float vectors into fixed-width,
// path-safe hex digests used as filesystem locality-bucket keys.
//
// A digest is derived in three steps: project the vector to the fixed reduced
// width, quantize each reduced component against fixed standard-normal
// quantile thresholds, and pack the level codes into a 128-bit string.
// Digests are always exactly 32 lowercase hex characters regardless of the
// input dimensionality; that fixed width is the published contract the rest
// of the system depends on. Digests sharing a prefix are treated as spatially
// near in the projected space.
package quantize

import (
	"encoding/hex"
	"fmt"
	"math"
	"path/filepath"

	"github.com/grepd/vecfs/projection"
)

const (
	// Components is the number of reduced components per digest.
	Components = 64

	// DigestLen is the length of every digest in hex characters (128 bits).
	DigestLen = 32

	// PathSegmentLen is the number of hex characters per directory level
	// when nesting buckets, bounding directory fan-out to 256 entries.
	PathSegmentLen = 2

	// PathDepth is the number of nested directory levels above a bucket.
	PathDepth = 3

	// codeBits is the fixed bit width of one packed level code. Packing is
	// fixed at two bits per component so the digest width never varies;
	// this caps the depth factor at 4.
	codeBits = 2

	// DefaultDepthFactor is the default number of quantization levels.
	DefaultDepthFactor = 4

	// MaxDepthFactor is the largest level count representable in a code.
	MaxDepthFactor = 1 << codeBits
)

// ErrDimensionMismatch reports a vector whose length disagrees with the
// projection matrix. Vectors are never silently truncated or padded.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// ErrNonFiniteVector reports a NaN or Inf component detected before
// projection. A single bad component would corrupt the digest for the whole
// vector, so the vector is rejected outright.
type ErrNonFiniteVector struct {
	Index int
}

func (e *ErrNonFiniteVector) Error() string {
	return fmt.Sprintf("non-finite vector component at index %d", e.Index)
}

// normalQuantiles holds the Φ⁻¹(i/d) cut points per supported depth factor.
// The thresholds are construction-time constants, never derived from any
// collection's contents, so the same reduced value always maps to the same
// level everywhere.
var normalQuantiles = map[int][]float32{
	2: {0},
	3: {-0.4307273, 0.4307273},
	4: {-0.6744898, 0, 0.6744898},
}

// Quantizer converts reduced vectors into bucket digests.
// Safe for concurrent use.
type Quantizer struct {
	depth      int
	thresholds []float32
}

// New creates a Quantizer with the given depth factor (2..4 levels).
func New(depthFactor int) (*Quantizer, error) {
	t, ok := normalQuantiles[depthFactor]
	if !ok {
		return nil, fmt.Errorf("unsupported depth factor %d (supported: 2..%d)", depthFactor, MaxDepthFactor)
	}
	return &Quantizer{depth: depthFactor, thresholds: t}, nil
}

// DepthFactor returns the number of quantization levels.
func (q *Quantizer) DepthFactor() int { return q.depth }

// Digest quantizes vector through m into a 32-character lowercase hex digest.
//
// The vector length must equal m.Rows and m must reduce to exactly
// Components columns. Non-finite components are rejected before projection.
func (q *Quantizer) Digest(vector []float32, m *projection.Matrix) (string, error) {
	if m.Cols != Components {
		return "", fmt.Errorf("projection matrix reduces to %d components, need %d", m.Cols, Components)
	}
	if len(vector) != m.Rows {
		return "", &ErrDimensionMismatch{Expected: m.Rows, Actual: len(vector)}
	}
	for i, v := range vector {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return "", &ErrNonFiniteVector{Index: i}
		}
	}

	reduced := m.Project(vector)

	// Pack one fixed-width code per component, four codes per byte,
	// high bits first.
	var packed [Components * codeBits / 8]byte
	for i, r := range reduced {
		code := q.level(r)
		packed[i/4] |= code << uint((3-i%4)*codeBits)
	}

	return hex.EncodeToString(packed[:]), nil
}

// level maps a reduced component to its quantization level (0..depth-1).
func (q *Quantizer) level(v float32) byte {
	var lvl byte
	for _, t := range q.thresholds {
		if v >= t {
			lvl++
		}
	}
	return lvl
}

// BucketPath returns the relative bucket directory for a digest, nesting
// PathDepth levels of PathSegmentLen hex characters, e.g.
// "a3/f0/9c/a3f09c...".
func BucketPath(digest string) string {
	parts := make([]string, 0, PathDepth+1)
	for i := 0; i < PathDepth; i++ {
		parts = append(parts, digest[i*PathSegmentLen:(i+1)*PathSegmentLen])
	}
	parts = append(parts, digest)
	return filepath.Join(parts...)
}
