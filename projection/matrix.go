// Package projection creates, persists, and reloads the deterministic
// dimensionality-reduction matrices that map provider-specific vector sizes
// onto the fixed quantization width.
//
// Matrices are Johnson–Lindenstrauss style Gaussian random projections. The
// generator is seeded purely from the (inputDim, outputDim) pair, so two
// calls with identical arguments return bit-identical matrices and a lost or
// corrupted artifact can be regenerated exactly.
package projection

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"os"

	"github.com/grepd/vecfs/internal/fs"
	"github.com/grepd/vecfs/internal/hash"
)

const (
	// DefaultOutputDim is the reduced dimensionality ahead of quantization.
	DefaultOutputDim = 64

	// ArtifactName is the filename of the persisted matrix inside a
	// collection directory.
	ArtifactName = "projection.bin"

	// magic identifies projection artifacts (ASCII "VPRJ").
	magic = 0x5650524A

	// version is the current artifact format version.
	version = 1

	headerSize  = 16 // magic + version + rows + cols, uint32 each
	trailerSize = 4  // crc32c
)

// ErrCorrupted is the sentinel wrapped by all artifact validation failures.
var ErrCorrupted = errors.New("projection artifact corrupted")

// CorruptionError reports a projection artifact that failed validation on
// load. It is fatal for the owning collection only.
type CorruptionError struct {
	Path   string
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("projection artifact %s: %s", e.Path, e.Reason)
}

func (e *CorruptionError) Unwrap() error { return ErrCorrupted }

// Matrix is a fixed (Rows x Cols) linear map, stored row-major.
// A matrix is write-once/read-shared: created at collection creation and
// never mutated, so concurrent Project calls need no synchronization.
type Matrix struct {
	Rows int
	Cols int
	data []float32
}

// New deterministically creates a projection matrix of the given shape.
// Entries are N(0, 1)·(1/√outputDim), drawn from a generator seeded only by
// the two dimensions.
func New(inputDim, outputDim int) (*Matrix, error) {
	if inputDim <= 0 {
		return nil, fmt.Errorf("input dimension must be positive, got %d", inputDim)
	}
	if outputDim <= 0 {
		return nil, fmt.Errorf("output dimension must be positive, got %d", outputDim)
	}

	rng := rand.New(rand.NewSource(seed(inputDim, outputDim)))
	scale := 1 / float32(math.Sqrt(float64(outputDim)))

	data := make([]float32, inputDim*outputDim)
	for i := range data {
		data[i] = float32(rng.NormFloat64()) * scale
	}

	return &Matrix{Rows: inputDim, Cols: outputDim, data: data}, nil
}

// seed derives the generator seed from the matrix shape alone.
func seed(inputDim, outputDim int) int64 {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(inputDim))
	binary.BigEndian.PutUint64(buf[8:], uint64(outputDim))
	h := fnv.New64a()
	h.Write(buf[:])
	return int64(h.Sum64())
}

// At returns the entry at row r, column c.
func (m *Matrix) At(r, c int) float32 {
	return m.data[r*m.Cols+c]
}

// Project computes v · M, reducing v to Cols components.
// The caller must ensure len(v) == Rows.
func (m *Matrix) Project(v []float32) []float32 {
	reduced := make([]float32, m.Cols)
	for i, x := range v {
		if x == 0 {
			continue
		}
		row := m.data[i*m.Cols : (i+1)*m.Cols]
		for j, w := range row {
			reduced[j] += x * w
		}
	}
	return reduced
}

// Encode serializes the matrix: a shape header, little-endian row-major
// float32 data, and a CRC32C trailer over everything before it.
func (m *Matrix) Encode() []byte {
	buf := make([]byte, headerSize+len(m.data)*4+trailerSize)
	binary.LittleEndian.PutUint32(buf[0:4], magic)
	binary.LittleEndian.PutUint32(buf[4:8], version)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(m.Rows))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(m.Cols))
	for i, f := range m.data {
		binary.LittleEndian.PutUint32(buf[headerSize+i*4:], math.Float32bits(f))
	}
	sum := hash.CRC32C(buf[:len(buf)-trailerSize])
	binary.LittleEndian.PutUint32(buf[len(buf)-trailerSize:], sum)
	return buf
}

// Decode parses an encoded matrix, validating magic, version, shape and
// checksum. path is used only for error reporting.
func Decode(data []byte, path string) (*Matrix, error) {
	if len(data) < headerSize+trailerSize {
		return nil, &CorruptionError{Path: path, Reason: "artifact truncated"}
	}
	if binary.LittleEndian.Uint32(data[0:4]) != magic {
		return nil, &CorruptionError{Path: path, Reason: "bad magic"}
	}
	if v := binary.LittleEndian.Uint32(data[4:8]); v != version {
		return nil, &CorruptionError{Path: path, Reason: fmt.Sprintf("unsupported version %d", v)}
	}

	sum := binary.LittleEndian.Uint32(data[len(data)-trailerSize:])
	if hash.CRC32C(data[:len(data)-trailerSize]) != sum {
		return nil, &CorruptionError{Path: path, Reason: "checksum mismatch"}
	}

	rows := int(binary.LittleEndian.Uint32(data[8:12]))
	cols := int(binary.LittleEndian.Uint32(data[12:16]))
	want := headerSize + rows*cols*4 + trailerSize
	if rows <= 0 || cols <= 0 || len(data) != want {
		return nil, &CorruptionError{Path: path, Reason: "shape disagrees with artifact size"}
	}

	m := &Matrix{Rows: rows, Cols: cols, data: make([]float32, rows*cols)}
	for i := range m.data {
		bits := binary.LittleEndian.Uint32(data[headerSize+i*4:])
		m.data[i] = math.Float32frombits(bits)
	}
	return m, nil
}

// Save atomically persists the matrix artifact at path.
func (m *Matrix) Save(fsys fs.FileSystem, path string) error {
	return fs.WriteFileAtomic(fsys, path, m.Encode(), 0o644)
}

// Load reads and validates the matrix artifact at path. The artifact shape
// must match the collection's declared dimensions; a mismatch is reported as
// corruption rather than silently accepted.
//
// A missing artifact is regenerated deterministically and re-persisted, so a
// deleted matrix file never strands a collection.
func Load(fsys fs.FileSystem, path string, inputDim, outputDim int) (*Matrix, error) {
	data, err := fs.ReadFile(fsys, path)
	if errors.Is(err, os.ErrNotExist) {
		m, nerr := New(inputDim, outputDim)
		if nerr != nil {
			return nil, nerr
		}
		if serr := m.Save(fsys, path); serr != nil {
			return nil, serr
		}
		return m, nil
	}
	if err != nil {
		return nil, err
	}

	m, err := Decode(data, path)
	if err != nil {
		return nil, err
	}
	if m.Rows != inputDim || m.Cols != outputDim {
		return nil, &CorruptionError{
			Path:   path,
			Reason: fmt.Sprintf("shape (%d,%d) disagrees with collection (%d,%d)", m.Rows, m.Cols, inputDim, outputDim),
		}
	}
	return m, nil
}
