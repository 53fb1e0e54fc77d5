package collection

import (
	"fmt"
	"hash/fnv"
	"path/filepath"
	"strings"

	"github.com/grepd/vecfs/internal/fs"
	"github.com/grepd/vecfs/quantize"
)

// Point is one stored record: a caller-supplied id, the original unreduced
// vector, and an open string-keyed payload. The store assumes nothing about
// payload keys beyond "path", which AllFiles aggregates.
type Point struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload,omitempty"`
}

// PayloadPathKey is the payload key naming the indexed source file.
const PayloadPathKey = "path"

// pointFileName derives a stable, path-safe filename from a point id. The
// sanitized id keeps filenames debuggable; the FNV suffix keeps them unique
// after sanitization and truncation. Same id, same name: upserts overwrite
// in place.
func pointFileName(id, ext string) string {
	h := fnv.New32a()
	h.Write([]byte(id))

	safe := sanitizeID(id)
	if len(safe) > 48 {
		safe = safe[:48]
	}
	return fmt.Sprintf("%s-%08x.json%s", safe, h.Sum32(), ext)
}

func sanitizeID(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// pointRelPath returns the point file path relative to the collection
// directory for a given digest and id.
func (s *Store) pointRelPath(digest, id string) string {
	return filepath.Join(pointsDirName, quantize.BucketPath(digest), pointFileName(id, s.comp.Ext()))
}

// writePoint persists a point atomically at rel (relative to the collection
// directory).
func (s *Store) writePoint(p Point, rel string) error {
	data, err := s.codec.Marshal(p)
	if err != nil {
		return err
	}
	data, err = s.comp.Compress(data)
	if err != nil {
		return err
	}

	abs := filepath.Join(s.dir, rel)
	if err := s.fsys.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	return fs.WriteFileAtomic(s.fsys, abs, data, 0o644)
}
