package collection

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/grepd/vecfs/internal/fs"
)

const (
	manifestFileName = "manifest.json"
	manifestVersion  = 1

	pointsDirName = "points"
	lockFileName  = "LOCK"
)

// PointRef locates one stored point: its bucket digest and the point file
// path relative to the collection directory.
type PointRef struct {
	Digest string `json:"digest"`
	File   string `json:"file"`
}

// Manifest is the collection's id → location index and metadata artifact.
// It is the only structure requiring serialized writers; every save happens
// under the collection lock and lands via atomic rename, so lock-free
// readers always observe a complete generation.
type Manifest struct {
	Version    int                 `json:"version"`
	VectorSize int                 `json:"vector_size"`
	PointCount int                 `json:"point_count"`
	Points     map[string]PointRef `json:"points"`
}

func newManifest(vectorSize int) *Manifest {
	return &Manifest{
		Version:    manifestVersion,
		VectorSize: vectorSize,
		Points:     make(map[string]PointRef),
	}
}

func (s *Store) manifestPath() string {
	return filepath.Join(s.dir, manifestFileName)
}

// loadManifest reads the current manifest. A missing manifest surfaces as
// os.ErrNotExist for the facade to translate; a malformed one is corruption
// scoped to this collection.
func (s *Store) loadManifest() (*Manifest, error) {
	data, err := fs.ReadFile(s.fsys, s.manifestPath())
	if err != nil {
		return nil, err
	}

	var m Manifest
	if err := s.codec.Unmarshal(data, &m); err != nil {
		return nil, &CorruptionError{Path: s.manifestPath(), Reason: fmt.Sprintf("undecodable manifest: %v", err)}
	}
	if m.Version != manifestVersion {
		return nil, &CorruptionError{Path: s.manifestPath(), Reason: fmt.Sprintf("unsupported manifest version %d", m.Version)}
	}
	if m.Points == nil {
		m.Points = make(map[string]PointRef)
	}
	return &m, nil
}

func (s *Store) saveManifest(m *Manifest) error {
	m.PointCount = len(m.Points)
	data, err := s.codec.Marshal(m)
	if err != nil {
		return err
	}
	return fs.WriteFileAtomic(s.fsys, s.manifestPath(), data, 0o644)
}

// ErrCorrupted is the sentinel wrapped by collection artifact validation
// failures.
var ErrCorrupted = errors.New("collection artifact corrupted")

// CorruptionError reports a persisted artifact that failed schema validation
// on load. Fatal for this collection only, never for the process.
type CorruptionError struct {
	Path   string
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("artifact %s: %s", e.Path, e.Reason)
}

func (e *CorruptionError) Unwrap() error { return ErrCorrupted }
