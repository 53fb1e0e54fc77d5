package vecfs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/grepd/vecfs/collection"
	"github.com/grepd/vecfs/distance"
	"github.com/grepd/vecfs/embedding"
	"github.com/grepd/vecfs/internal/compress"
	"github.com/grepd/vecfs/internal/fs"
	"github.com/grepd/vecfs/projection"
	"github.com/grepd/vecfs/quantize"
	"github.com/grepd/vecfs/resource"
)

// Point is one stored record: id, original vector, and open payload map.
type Point = collection.Point

// UpsertResult summarizes a batch upsert, distinguishing succeeded ids from
// failed ones together with the reason for each failure.
type UpsertResult = collection.Result

// FailedPoint is one rejected point in a batch.
type FailedPoint = collection.Failure

// PayloadModelKey is the payload key recording which embedding model
// produced a point's vector. It is stamped by NewPoint and carried purely as
// metadata; nothing in the store branches on it.
const PayloadModelKey = "embedding_model"

// CollectionInfo describes one collection.
type CollectionInfo struct {
	Name       string
	VectorSize int
	PointCount int
}

// ScoredPoint is a search result carrying its exact similarity score.
type ScoredPoint struct {
	Point
	Score float32
}

// Store is a filesystem-resident vector store: it persists embedding
// vectors under a single base directory and serves approximate
// nearest-neighbor queries without any external database server.
//
// Store methods are safe for concurrent use. Mutating operations serialize
// on a per-collection advisory lock; reads are lock-free and rely on the
// atomic-rename write discipline.
type Store struct {
	baseDir string
	fsys    fs.FileSystem
	opts    options
	comp    compress.Codec
	quant   *quantize.Quantizer
	rc      *resource.Controller
	simFn   distance.Func

	mu       sync.RWMutex
	matrices map[string]*projection.Matrix // write-once per collection
}

// New opens (creating if necessary) a store rooted at baseDir.
func New(baseDir string, optFns ...Option) (*Store, error) {
	if baseDir == "" {
		return nil, errors.New("base directory must not be empty")
	}

	o := defaultOptions()
	for _, fn := range optFns {
		fn(&o)
	}
	if err := o.validate(); err != nil {
		return nil, err
	}

	comp, err := o.compression.codec()
	if err != nil {
		return nil, err
	}
	quant, err := quantize.New(o.depthFactor)
	if err != nil {
		return nil, err
	}
	simFn, err := distance.Provider(o.metric)
	if err != nil {
		return nil, err
	}

	if err := o.fsys.MkdirAll(baseDir, 0o755); err != nil {
		return nil, translateError(err)
	}

	return &Store{
		baseDir:  baseDir,
		fsys:     o.fsys,
		opts:     o,
		comp:     comp,
		quant:    quant,
		rc:       resource.NewController(o.resources),
		simFn:    simFn,
		matrices: make(map[string]*projection.Matrix),
	}, nil
}

// collectionDir returns the directory owned by a collection.
func (s *Store) collectionDir(name string) string {
	return filepath.Join(s.baseDir, name)
}

// col builds the per-collection store. Cheap; performs no IO.
func (s *Store) col(name string) *collection.Store {
	return collection.New(s.collectionDir(name), name, collection.Options{
		FS:          s.fsys,
		Codec:       s.opts.codec,
		Compression: s.comp,
		Quantizer:   s.quant,
		Resources:   s.rc,
		Logger:      s.opts.logger.Logger,
	})
}

// openCol returns the collection store after verifying the collection
// exists.
func (s *Store) openCol(name string) (*collection.Store, error) {
	if err := validateCollectionName(name); err != nil {
		return nil, err
	}
	c := s.col(name)
	ok, err := c.Exists()
	if err != nil {
		return nil, translateError(err)
	}
	if !ok {
		return nil, &ErrCollectionNotFound{Name: name}
	}
	return c, nil
}

func validateCollectionName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidCollectionName, name)
	}
	if strings.ContainsAny(name, `/\:`) {
		return fmt.Errorf("%w: %q", ErrInvalidCollectionName, name)
	}
	return nil
}

// CreateCollection initializes a collection with the given immutable vector
// size. Idempotent when the collection already exists with the same size.
func (s *Store) CreateCollection(ctx context.Context, name string, vectorSize int) error {
	if err := validateCollectionName(name); err != nil {
		return err
	}

	if err := s.col(name).Create(ctx, vectorSize); err != nil {
		return translateError(err)
	}

	s.mu.Lock()
	delete(s.matrices, name)
	s.mu.Unlock()
	return nil
}

// ListCollections returns the names of all collections, sorted.
func (s *Store) ListCollections(ctx context.Context) ([]string, error) {
	entries, err := s.fsys.ReadDir(s.baseDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, translateError(err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() || strings.Contains(e.Name(), ".deleting.") {
			continue
		}
		ok, err := s.col(e.Name()).Exists()
		if err != nil {
			return nil, translateError(err)
		}
		if ok {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// DeleteCollection removes a collection's entire subtree. Idempotent:
// returns false when the collection never existed.
func (s *Store) DeleteCollection(ctx context.Context, name string) (bool, error) {
	start := time.Now()

	if err := validateCollectionName(name); err != nil {
		return false, err
	}

	existed, err := collection.Delete(s.fsys, s.collectionDir(name))
	err = translateError(err)
	s.opts.metrics.RecordDelete(time.Since(start), err)
	if err != nil {
		return existed, err
	}

	s.mu.Lock()
	delete(s.matrices, name)
	s.mu.Unlock()

	if existed {
		s.opts.logger.InfoContext(ctx, "collection deleted", "collection", name)
	}
	return existed, nil
}

// GetCollectionInfo returns a collection's declared vector size and point
// count.
func (s *Store) GetCollectionInfo(ctx context.Context, name string) (CollectionInfo, error) {
	c, err := s.openCol(name)
	if err != nil {
		return CollectionInfo{}, err
	}

	size, err := c.VectorSize()
	if err != nil {
		return CollectionInfo{}, translateError(err)
	}
	count, err := c.Count(ctx)
	if err != nil {
		return CollectionInfo{}, translateError(err)
	}
	return CollectionInfo{Name: name, VectorSize: size, PointCount: count}, nil
}

// UpsertPoints validates and durably stores a batch of points. A bad point
// fails alone; the rest of the batch proceeds. The result distinguishes
// succeeded ids from failures with per-id reasons.
func (s *Store) UpsertPoints(ctx context.Context, collectionName string, points []Point) (UpsertResult, error) {
	start := time.Now()

	c, err := s.openCol(collectionName)
	if err != nil {
		return UpsertResult{}, err
	}
	matrix, err := s.matrixFor(collectionName, c)
	if err != nil {
		return UpsertResult{}, err
	}

	res, err := c.Upsert(ctx, matrix, points)
	if err != nil {
		return UpsertResult{}, translateError(err)
	}
	for i := range res.Failed {
		res.Failed[i].Err = translateError(res.Failed[i].Err)
	}

	s.opts.metrics.RecordUpsert(len(points), len(res.Failed), time.Since(start))
	return res, nil
}

// GetPoint resolves a point by id via the collection's id index; no vector
// needed. Returns ErrNotFound when the id is absent.
func (s *Store) GetPoint(ctx context.Context, collectionName, id string) (Point, error) {
	c, err := s.openCol(collectionName)
	if err != nil {
		return Point{}, err
	}
	p, err := c.Get(ctx, id)
	return p, translateError(err)
}

// CountPoints returns the collection's persisted point count.
func (s *Store) CountPoints(ctx context.Context, collectionName string) (int, error) {
	c, err := s.openCol(collectionName)
	if err != nil {
		return 0, err
	}
	n, err := c.Count(ctx)
	return n, translateError(err)
}

// ValidateEmbeddingDimensions reports whether every stored vector has the
// expected length. True on an empty collection.
func (s *Store) ValidateEmbeddingDimensions(ctx context.Context, collectionName string, expected int) (bool, error) {
	c, err := s.openCol(collectionName)
	if err != nil {
		return false, err
	}
	ok, err := c.ValidateDimensions(ctx, expected)
	return ok, translateError(err)
}

// GetAllIndexedFiles returns the de-duplicated set of payload["path"] values
// across all points, so callers know which source files are already indexed.
func (s *Store) GetAllIndexedFiles(ctx context.Context, collectionName string) ([]string, error) {
	c, err := s.openCol(collectionName)
	if err != nil {
		return nil, err
	}
	files, err := c.AllFiles(ctx)
	return files, translateError(err)
}

// ResolveCollectionName derives a filesystem-safe collection identifier from
// the provider's active model name, replacing characters illegal in path
// segments. Every provider/model combination gets an isolated,
// independently-dimensioned collection without provider-aware logic in the
// store.
func (s *Store) ResolveCollectionName(p embedding.Provider) string {
	return ResolveCollectionName(p.ModelName())
}

// ResolveCollectionName normalizes a model identifier into a collection
// name: "/" and ":" become "_", "-" is left untouched.
func ResolveCollectionName(model string) string {
	r := strings.NewReplacer("/", "_", ":", "_")
	return r.Replace(model)
}

// NewPoint builds a point, stamping payload["embedding_model"] when a model
// is given. An empty id is replaced with a random UUID. The payload map is
// copied so the caller's map is never mutated.
func NewPoint(id string, vector []float32, payload map[string]any, model string) Point {
	if id == "" {
		id = uuid.NewString()
	}

	p := Point{ID: id, Vector: vector}
	if len(payload) > 0 || model != "" {
		p.Payload = make(map[string]any, len(payload)+1)
		for k, v := range payload {
			p.Payload[k] = v
		}
		if model != "" {
			p.Payload[PayloadModelKey] = model
		}
	}
	return p
}

// matrixFor returns the collection's projection matrix, cached after first
// load. Matrices are write-once/read-shared, so the cache never invalidates
// except on collection delete or re-create.
func (s *Store) matrixFor(name string, c *collection.Store) (*projection.Matrix, error) {
	s.mu.RLock()
	m, ok := s.matrices[name]
	s.mu.RUnlock()
	if ok {
		return m, nil
	}

	m, err := c.Matrix()
	if err != nil {
		return nil, translateError(err)
	}

	s.mu.Lock()
	s.matrices[name] = m
	s.mu.Unlock()
	return m, nil
}
