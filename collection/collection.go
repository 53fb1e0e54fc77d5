// Package collection owns one collection's on-disk tree: the projection
// matrix artifact, the manifest (id → location index plus metadata), and the
// bucket-sharded point files.
//
// Layout per collection:
//
//	<dir>/
//	    LOCK                      advisory lock for mutating operations
//	    projection.bin            persisted projection matrix
//	    manifest.json             vector size, point count, id index
//	    points/a3/f0/9c/<digest>/<id>-<fnv32>.json[.zst|.lz4]
//
// All mutations are atomic (write-to-temp-then-rename), so lock-free readers
// never observe a partially written point or matrix.
package collection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/grepd/vecfs/codec"
	"github.com/grepd/vecfs/internal/compress"
	"github.com/grepd/vecfs/internal/fs"
	"github.com/grepd/vecfs/projection"
	"github.com/grepd/vecfs/quantize"
	"github.com/grepd/vecfs/resource"
)

// ErrNotFound is returned when a point id is not present in the collection.
var ErrNotFound = errors.New("point not found")

// ErrEmptyID is returned for upserted points without an id.
var ErrEmptyID = errors.New("empty point id")

// ErrSizeMismatch reports a create call against an existing collection with
// a different vector size.
type ErrSizeMismatch struct {
	Name      string
	Existing  int
	Requested int
}

func (e *ErrSizeMismatch) Error() string {
	return fmt.Sprintf("collection %q has vector size %d, requested %d", e.Name, e.Existing, e.Requested)
}

// Options configures a collection Store. Zero values select defaults.
type Options struct {
	FS          fs.FileSystem
	Codec       codec.Codec
	Compression compress.Codec
	Quantizer   *quantize.Quantizer
	Resources   *resource.Controller
	Logger      *slog.Logger
}

// Store operates on a single collection directory.
type Store struct {
	fsys   fs.FileSystem
	dir    string
	name   string
	codec  codec.Codec
	comp   compress.Codec
	quant  *quantize.Quantizer
	rc     *resource.Controller
	logger *slog.Logger
}

// New creates a Store for the collection at dir. It performs no IO.
func New(dir, name string, opts Options) *Store {
	s := &Store{
		fsys:   opts.FS,
		dir:    dir,
		name:   name,
		codec:  opts.Codec,
		comp:   opts.Compression,
		quant:  opts.Quantizer,
		rc:     opts.Resources,
		logger: opts.Logger,
	}
	if s.fsys == nil {
		s.fsys = fs.Default
	}
	if s.codec == nil {
		s.codec = codec.Default
	}
	if s.comp == nil {
		s.comp = compress.None{}
	}
	if s.quant == nil {
		s.quant, _ = quantize.New(quantize.DefaultDepthFactor)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt)}))
	}
	return s
}

// Exists reports whether the collection has been created.
func (s *Store) Exists() (bool, error) {
	_, err := s.fsys.Stat(s.manifestPath())
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Create initializes the collection directory with a fresh projection matrix
// sized (vectorSize, 64). Idempotent when the collection already exists with
// a matching vector size; ErrSizeMismatch otherwise.
func (s *Store) Create(ctx context.Context, vectorSize int) error {
	if vectorSize <= 0 {
		return fmt.Errorf("vector size must be positive, got %d", vectorSize)
	}

	if err := s.fsys.MkdirAll(filepath.Join(s.dir, pointsDirName), 0o755); err != nil {
		return err
	}

	lock, err := acquireLock(s.dir)
	if err != nil {
		return err
	}
	defer lock.Release()

	m, err := s.loadManifest()
	switch {
	case err == nil:
		if m.VectorSize != vectorSize {
			return &ErrSizeMismatch{Name: s.name, Existing: m.VectorSize, Requested: vectorSize}
		}
		return nil
	case errors.Is(err, os.ErrNotExist):
		// First creation.
	default:
		return err
	}

	matrix, err := projection.New(vectorSize, projection.DefaultOutputDim)
	if err != nil {
		return err
	}
	if err := matrix.Save(s.fsys, filepath.Join(s.dir, projection.ArtifactName)); err != nil {
		return err
	}
	if err := s.saveManifest(newManifest(vectorSize)); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "collection created",
		"collection", s.name,
		"vector_size", vectorSize,
	)
	return nil
}

// VectorSize returns the collection's declared vector size.
func (s *Store) VectorSize() (int, error) {
	m, err := s.loadManifest()
	if err != nil {
		return 0, err
	}
	return m.VectorSize, nil
}

// Matrix loads (or deterministically regenerates) the collection's
// projection matrix, validated against the declared vector size.
func (s *Store) Matrix() (*projection.Matrix, error) {
	m, err := s.loadManifest()
	if err != nil {
		return nil, err
	}
	return projection.Load(s.fsys, filepath.Join(s.dir, projection.ArtifactName), m.VectorSize, projection.DefaultOutputDim)
}

// Result summarizes a batch upsert, distinguishing succeeded ids from failed
// ones together with the reason for each failure.
type Result struct {
	Succeeded []string
	Failed    []Failure
}

// Failure is one rejected point in a batch.
type Failure struct {
	ID  string
	Err error
}

// Upsert validates, quantizes, and durably stores each point, then updates
// the id index. A bad point fails alone; the rest of the batch proceeds.
// Same-id writes overwrite in place (last-write-wins by call order).
func (s *Store) Upsert(ctx context.Context, matrix *projection.Matrix, points []Point) (Result, error) {
	lock, err := acquireLock(s.dir)
	if err != nil {
		return Result{}, err
	}
	defer lock.Release()

	m, err := s.loadManifest()
	if err != nil {
		return Result{}, err
	}

	var res Result
	var superseded []string
	for _, p := range points {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if p.ID == "" {
			res.Failed = append(res.Failed, Failure{ID: p.ID, Err: ErrEmptyID})
			continue
		}

		digest, err := s.quant.Digest(p.Vector, matrix)
		if err != nil {
			res.Failed = append(res.Failed, Failure{ID: p.ID, Err: err})
			continue
		}

		rel := s.pointRelPath(digest, p.ID)
		if err := s.writePoint(p, rel); err != nil {
			res.Failed = append(res.Failed, Failure{ID: p.ID, Err: err})
			continue
		}

		if prev, ok := m.Points[p.ID]; ok && prev.File != rel {
			superseded = append(superseded, prev.File)
		}
		m.Points[p.ID] = PointRef{Digest: digest, File: rel}
		res.Succeeded = append(res.Succeeded, p.ID)
	}

	if err := s.saveManifest(m); err != nil {
		return Result{}, err
	}

	// Drop re-bucketed artifacts only after the index commit. If the save
	// above fails, the durable manifest still references the old files, so
	// they must outlive the attempt; an orphaned old file is harmless, a
	// dangling manifest reference is not.
	for _, f := range superseded {
		_ = s.fsys.Remove(filepath.Join(s.dir, f))
	}

	if len(res.Failed) > 0 {
		s.logger.WarnContext(ctx, "upsert completed with failures",
			"collection", s.name,
			"succeeded", len(res.Succeeded),
			"failed", len(res.Failed),
		)
	} else {
		s.logger.DebugContext(ctx, "upsert completed",
			"collection", s.name,
			"count", len(res.Succeeded),
		)
	}
	return res, nil
}

// Get resolves a point by id through the manifest index; no vector needed.
func (s *Store) Get(ctx context.Context, id string) (Point, error) {
	m, err := s.loadManifest()
	if err != nil {
		return Point{}, err
	}
	ref, ok := m.Points[id]
	if !ok {
		return Point{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return s.readPoint(ctx, ref.File)
}

// Count returns the persisted point count. O(manifest), never a tree walk.
func (s *Store) Count(ctx context.Context) (int, error) {
	m, err := s.loadManifest()
	if err != nil {
		return 0, err
	}
	return m.PointCount, nil
}

// AllFiles returns the de-duplicated, sorted set of payload["path"] values
// across all points.
func (s *Store) AllFiles(ctx context.Context) ([]string, error) {
	points, err := s.loadAll(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	for _, p := range points {
		if path, ok := p.Payload[PayloadPathKey].(string); ok && path != "" {
			seen[path] = struct{}{}
		}
	}

	files := make([]string, 0, len(seen))
	for f := range seen {
		files = append(files, f)
	}
	sort.Strings(files)
	return files, nil
}

// ValidateDimensions reports whether every stored vector has the expected
// length. An empty collection validates trivially.
func (s *Store) ValidateDimensions(ctx context.Context, expected int) (bool, error) {
	points, err := s.loadAll(ctx)
	if err != nil {
		return false, err
	}
	for _, p := range points {
		if len(p.Vector) != expected {
			return false, nil
		}
	}
	return true, nil
}

// CandidatesByPrefix loads every point whose bucket digest shares the given
// hex prefix with a query digest. The walk descends only matching directory
// segments, so cost is proportional to the matching buckets, not the
// collection.
//
// Enumerated files are filtered through the manifest so ghost artifacts
// (a crash between a point write and its index commit) never surface as
// candidates that Get and Count disown.
func (s *Store) CandidatesByPrefix(ctx context.Context, prefix string) ([]Point, error) {
	m, err := s.loadManifest()
	if err != nil {
		return nil, err
	}
	files, err := s.bucketFiles(prefix)
	if err != nil {
		return nil, err
	}

	indexed := make(map[string]struct{}, len(m.Points))
	for _, ref := range m.Points {
		indexed[ref.File] = struct{}{}
	}
	kept := files[:0]
	for _, f := range files {
		if _, ok := indexed[f]; ok {
			kept = append(kept, f)
		}
	}
	return s.loadFiles(ctx, kept)
}

// bucketFiles walks the points tree collecting point file paths (relative to
// the collection dir) for buckets matching the digest prefix.
func (s *Store) bucketFiles(prefix string) ([]string, error) {
	var files []string

	var walk func(rel string, depth int, acc string) error
	walk = func(rel string, depth int, acc string) error {
		entries, err := s.fsys.ReadDir(filepath.Join(s.dir, rel))
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}

		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			name := e.Name()

			if depth < quantize.PathDepth {
				next := acc + name
				if !prefixCompatible(prefix, next) {
					continue
				}
				if err := walk(filepath.Join(rel, name), depth+1, next); err != nil {
					return err
				}
				continue
			}

			// Bucket (digest) directory level.
			if !strings.HasPrefix(name, prefix) {
				continue
			}
			bucketRel := filepath.Join(rel, name)
			pfs, err := s.fsys.ReadDir(filepath.Join(s.dir, bucketRel))
			if err != nil {
				return err
			}
			for _, pf := range pfs {
				if pf.IsDir() || strings.HasSuffix(pf.Name(), ".tmp") {
					continue
				}
				files = append(files, filepath.Join(bucketRel, pf.Name()))
			}
		}
		return nil
	}

	if err := walk(pointsDirName, 0, ""); err != nil {
		return nil, err
	}
	return files, nil
}

// prefixCompatible reports whether a digest starting with acc could still
// share prefix.
func prefixCompatible(prefix, acc string) bool {
	n := len(prefix)
	if len(acc) < n {
		n = len(acc)
	}
	return prefix[:n] == acc[:n]
}

// loadAll reads every point referenced by the manifest.
func (s *Store) loadAll(ctx context.Context) ([]Point, error) {
	m, err := s.loadManifest()
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(m.Points))
	for _, ref := range m.Points {
		files = append(files, ref.File)
	}
	sort.Strings(files)
	return s.loadFiles(ctx, files)
}

// loadFiles reads point files in parallel, bounded by the resource
// controller's load slots. Files that vanish between enumeration and read
// were removed by a concurrent re-bucketing upsert and are skipped, never
// an error: lock-free readers must tolerate concurrent writers.
func (s *Store) loadFiles(ctx context.Context, files []string) ([]Point, error) {
	points := make([]Point, len(files))

	g, gctx := errgroup.WithContext(ctx)
	for i, f := range files {
		i, f := i, f
		g.Go(func() error {
			if err := s.rc.AcquireLoad(gctx); err != nil {
				return err
			}
			defer s.rc.ReleaseLoad()

			p, err := s.readPoint(gctx, f)
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			if err != nil {
				return err
			}
			points[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	kept := points[:0]
	for _, p := range points {
		if p.ID != "" {
			kept = append(kept, p)
		}
	}
	return kept, nil
}

// readPoint reads, decompresses and decodes one point file.
func (s *Store) readPoint(ctx context.Context, rel string) (Point, error) {
	abs := filepath.Join(s.dir, rel)
	data, err := fs.ReadFile(s.fsys, abs)
	if err != nil {
		return Point{}, err
	}
	if err := s.rc.AcquireIO(ctx, len(data)); err != nil {
		return Point{}, err
	}

	data, err = compress.ForName(rel).Decompress(data)
	if err != nil {
		return Point{}, &CorruptionError{Path: abs, Reason: fmt.Sprintf("undecodable block: %v", err)}
	}

	var p Point
	if err := s.codec.Unmarshal(data, &p); err != nil {
		return Point{}, &CorruptionError{Path: abs, Reason: fmt.Sprintf("undecodable point: %v", err)}
	}
	if p.ID == "" {
		return Point{}, &CorruptionError{Path: abs, Reason: "point missing id"}
	}
	return p, nil
}

// Delete removes an entire collection subtree. Idempotent: returns false
// when the directory never existed. The tree is renamed aside first so a
// concurrent reader never observes a half-deleted collection.
//
// Delete holds the collection lock across the rename, so an in-flight
// upsert completes (and its result stays meaningful) before the tree moves;
// upserts arriving after the rename fail at lock acquisition instead of
// writing into the doomed tree.
func Delete(fsys fs.FileSystem, dir string) (bool, error) {
	if _, err := fsys.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, err
	}

	lock, err := acquireLock(dir)
	if errors.Is(err, os.ErrNotExist) {
		// Lost a race with another delete.
		return false, nil
	}
	if err != nil {
		return false, err
	}

	doomed := fmt.Sprintf("%s.deleting.%d", dir, time.Now().UnixNano())
	if err := fsys.Rename(dir, doomed); err != nil {
		lock.Release()
		return false, err
	}
	fs.SyncDir(fsys, filepath.Dir(dir))

	// The tree is detached from its name; the LOCK file (now inside the
	// doomed tree) must be closed before RemoveAll can reap it on Windows.
	lock.Release()

	if err := fsys.RemoveAll(doomed); err != nil {
		return true, err
	}
	return true, nil
}
