package collection

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grepd/vecfs/internal/fs"
	"github.com/grepd/vecfs/projection"
	"github.com/grepd/vecfs/quantize"
	"github.com/grepd/vecfs/testutil"
)

const testDim = 32

func newTestStore(t *testing.T, opts Options) (*Store, *projection.Matrix) {
	t.Helper()

	s := New(filepath.Join(t.TempDir(), "col"), "col", opts)
	require.NoError(t, s.Create(context.Background(), testDim))

	m, err := s.Matrix()
	require.NoError(t, err)
	return s, m
}

func TestCreate_Idempotent(t *testing.T) {
	s, _ := newTestStore(t, Options{})

	require.NoError(t, s.Create(context.Background(), testDim))

	err := s.Create(context.Background(), testDim+1)
	require.Error(t, err)

	var mismatch *ErrSizeMismatch
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, testDim, mismatch.Existing)
	assert.Equal(t, testDim+1, mismatch.Requested)

	// The failed create must not have altered the collection.
	size, err := s.VectorSize()
	require.NoError(t, err)
	assert.Equal(t, testDim, size)
}

func TestCreate_InvalidSize(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "col"), "col", Options{})
	assert.Error(t, s.Create(context.Background(), 0))
	assert.Error(t, s.Create(context.Background(), -5))
}

func TestExists(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "col"), "col", Options{})

	ok, err := s.Exists()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Create(context.Background(), testDim))

	ok, err = s.Exists()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUpsertGet_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s, m := newTestStore(t, Options{})
	rng := testutil.NewRNG(1)

	p := Point{
		ID:     "chunk-001",
		Vector: rng.UnitVector(testDim),
		Payload: map[string]any{
			"path":            "internal/server/handler.go",
			"embedding_model": "voyage-code-3",
		},
	}

	res, err := s.Upsert(ctx, m, []Point{p})
	require.NoError(t, err)
	require.Empty(t, res.Failed)
	require.Equal(t, []string{"chunk-001"}, res.Succeeded)

	got, err := s.Get(ctx, "chunk-001")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, p.Vector, got.Vector)
	assert.Equal(t, "internal/server/handler.go", got.Payload["path"])

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestUpsert_SameIDOverwrites(t *testing.T) {
	ctx := context.Background()
	s, m := newTestStore(t, Options{})
	rng := testutil.NewRNG(2)

	v1 := rng.UnitVector(testDim)
	v2 := rng.UnitVector(testDim)

	_, err := s.Upsert(ctx, m, []Point{{ID: "a", Vector: v1}})
	require.NoError(t, err)
	_, err = s.Upsert(ctx, m, []Point{{ID: "a", Vector: v2}})
	require.NoError(t, err)

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, v2, got.Vector)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "overwrite must not grow the count")
}

func TestUpsert_PartialFailure(t *testing.T) {
	ctx := context.Background()
	s, m := newTestStore(t, Options{})
	rng := testutil.NewRNG(3)

	bad := make([]float32, testDim)
	bad[5] = float32(math.NaN())

	points := []Point{
		{ID: "good-1", Vector: rng.UnitVector(testDim)},
		{ID: "", Vector: rng.UnitVector(testDim)},
		{ID: "short", Vector: make([]float32, testDim-1)},
		{ID: "nan", Vector: bad},
		{ID: "good-2", Vector: rng.UnitVector(testDim)},
	}

	res, err := s.Upsert(ctx, m, points)
	require.NoError(t, err)
	assert.Equal(t, []string{"good-1", "good-2"}, res.Succeeded)
	require.Len(t, res.Failed, 3)

	assert.ErrorIs(t, res.Failed[0].Err, ErrEmptyID)

	var mismatch *quantize.ErrDimensionMismatch
	assert.ErrorAs(t, res.Failed[1].Err, &mismatch)

	var nonFinite *quantize.ErrNonFiniteVector
	assert.ErrorAs(t, res.Failed[2].Err, &nonFinite)

	// Only the good points are indexed.
	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestUpsert_WriteFaultFailsPointAlone(t *testing.T) {
	ctx := context.Background()
	faulty := fs.NewFaultyFS(nil)
	s, m := newTestStore(t, Options{FS: faulty})
	rng := testutil.NewRNG(4)

	// Point files for "doomed" carry its sanitized id in the name.
	faulty.AddRule("doomed-", fs.Fault{FailAfterBytes: 0})

	res, err := s.Upsert(ctx, m, []Point{
		{ID: "doomed", Vector: rng.UnitVector(testDim)},
		{ID: "fine", Vector: rng.UnitVector(testDim)},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"fine"}, res.Succeeded)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "doomed", res.Failed[0].ID)
	assert.ErrorIs(t, res.Failed[0].Err, fs.ErrInjected)

	_, err = s.Get(ctx, "doomed")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGet_NotFound(t *testing.T) {
	s, _ := newTestStore(t, Options{})

	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGet_CorruptPointFile(t *testing.T) {
	ctx := context.Background()
	s, m := newTestStore(t, Options{})
	rng := testutil.NewRNG(5)

	_, err := s.Upsert(ctx, m, []Point{{ID: "a", Vector: rng.UnitVector(testDim)}})
	require.NoError(t, err)

	// Overwrite the point file on disk with garbage.
	var file string
	require.NoError(t, filepath.Walk(filepath.Join(s.dir, pointsDirName),
		func(path string, info os.FileInfo, err error) error {
			if err == nil && !info.IsDir() {
				file = path
			}
			return err
		}))
	require.NotEmpty(t, file)
	require.NoError(t, os.WriteFile(file, []byte("not json"), 0o644))

	_, err = s.Get(ctx, "a")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestAllFiles_Deduplicates(t *testing.T) {
	ctx := context.Background()
	s, m := newTestStore(t, Options{})
	rng := testutil.NewRNG(6)

	points := []Point{
		{ID: "a", Vector: rng.UnitVector(testDim), Payload: map[string]any{"path": "pkg/a.go"}},
		{ID: "b", Vector: rng.UnitVector(testDim), Payload: map[string]any{"path": "pkg/a.go"}},
		{ID: "c", Vector: rng.UnitVector(testDim), Payload: map[string]any{"path": "pkg/b.go"}},
		{ID: "d", Vector: rng.UnitVector(testDim)}, // no path
	}
	res, err := s.Upsert(ctx, m, points)
	require.NoError(t, err)
	require.Empty(t, res.Failed)

	files, err := s.AllFiles(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"pkg/a.go", "pkg/b.go"}, files)
}

func TestValidateDimensions(t *testing.T) {
	ctx := context.Background()
	s, m := newTestStore(t, Options{})
	rng := testutil.NewRNG(7)

	// Empty collection validates trivially.
	ok, err := s.ValidateDimensions(ctx, testDim)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.Upsert(ctx, m, []Point{{ID: "a", Vector: rng.UnitVector(testDim)}})
	require.NoError(t, err)

	ok, err = s.ValidateDimensions(ctx, testDim)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ValidateDimensions(ctx, testDim+1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCandidatesByPrefix(t *testing.T) {
	ctx := context.Background()
	s, m := newTestStore(t, Options{})
	rng := testutil.NewRNG(8)

	q, err := quantize.New(quantize.DefaultDepthFactor)
	require.NoError(t, err)

	var points []Point
	digests := make(map[string]string)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		vec := rng.UnitVector(testDim)
		digest, err := q.Digest(vec, m)
		require.NoError(t, err)
		digests[id] = digest
		points = append(points, Point{ID: id, Vector: vec})
	}

	res, err := s.Upsert(ctx, m, points)
	require.NoError(t, err)
	require.Empty(t, res.Failed)

	// Empty prefix matches everything.
	all, err := s.CandidatesByPrefix(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, len(points))

	// A full digest prefix matches exactly the points in that bucket.
	want := 0
	for _, d := range digests {
		if d == digests["a"] {
			want++
		}
	}
	got, err := s.CandidatesByPrefix(ctx, digests["a"])
	require.NoError(t, err)
	assert.Len(t, got, want)

	ids := make(map[string]bool)
	for _, p := range got {
		ids[p.ID] = true
	}
	assert.True(t, ids["a"])

	// Every prefix of a stored digest must surface that point.
	for n := 2; n <= quantize.DigestLen; n += 2 {
		cands, err := s.CandidatesByPrefix(ctx, digests["a"][:n])
		require.NoError(t, err)

		found := false
		for _, p := range cands {
			if p.ID == "a" {
				found = true
			}
		}
		assert.True(t, found, "prefix length %d", n)
	}
}

func TestUpsert_ManifestFaultKeepsPreviousVersion(t *testing.T) {
	ctx := context.Background()
	faulty := fs.NewFaultyFS(nil)
	s, m := newTestStore(t, Options{FS: faulty})
	rng := testutil.NewRNG(30)

	v1 := rng.UnitVector(testDim)
	// The negation quantizes to a complementary digest, forcing the
	// overwrite into a different bucket.
	v2 := make([]float32, testDim)
	for i, x := range v1 {
		v2[i] = -x
	}

	res, err := s.Upsert(ctx, m, []Point{{ID: "a", Vector: v1}})
	require.NoError(t, err)
	require.Empty(t, res.Failed)

	q, err := quantize.New(quantize.DefaultDepthFactor)
	require.NoError(t, err)
	d1, err := q.Digest(v1, m)
	require.NoError(t, err)
	d2, err := q.Digest(v2, m)
	require.NoError(t, err)
	require.NotEqual(t, d1, d2)

	// Fail the index commit of the second upsert.
	faulty.AddRule("manifest.json.tmp", fs.Fault{FailAfterBytes: 0})
	_, err = s.Upsert(ctx, m, []Point{{ID: "a", Vector: v2}})
	require.ErrorIs(t, err, fs.ErrInjected)
	faulty.AddRule("manifest.json.tmp", fs.Fault{FailAfterBytes: -1})

	// The committed version must have survived the failed overwrite.
	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, v1, got.Vector)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestLoadFiles_SkipsVanishedFiles(t *testing.T) {
	ctx := context.Background()
	s, m := newTestStore(t, Options{})
	rng := testutil.NewRNG(31)

	res, err := s.Upsert(ctx, m, []Point{{ID: "a", Vector: rng.UnitVector(testDim)}})
	require.NoError(t, err)
	require.Empty(t, res.Failed)

	man, err := s.loadManifest()
	require.NoError(t, err)
	rel := man.Points["a"].File

	// A file removed between enumeration and read must be skipped, not
	// fail the whole load.
	gone := filepath.Join(pointsDirName, "aa", "bb", "cc", "ghostdigest", "ghost-00000000.json")
	points, err := s.loadFiles(ctx, []string{rel, gone})
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, "a", points[0].ID)
}

func TestCandidatesByPrefix_IgnoresUnindexedFiles(t *testing.T) {
	ctx := context.Background()
	s, m := newTestStore(t, Options{})
	rng := testutil.NewRNG(32)

	res, err := s.Upsert(ctx, m, []Point{{ID: "a", Vector: rng.UnitVector(testDim)}})
	require.NoError(t, err)
	require.Empty(t, res.Failed)

	// Plant a fully written point file that no manifest generation ever
	// committed, as a crash between point write and index save would.
	man, err := s.loadManifest()
	require.NoError(t, err)
	bucketDir := filepath.Dir(filepath.Join(s.dir, man.Points["a"].File))

	ghost, err := s.codec.Marshal(Point{ID: "ghost", Vector: rng.UnitVector(testDim)})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(bucketDir, "ghost-00000000.json"), ghost, 0o644))

	cands, err := s.CandidatesByPrefix(ctx, "")
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "a", cands[0].ID)
}

func TestDelete_WaitsForCollectionLock(t *testing.T) {
	s, _ := newTestStore(t, Options{})

	lock, err := acquireLock(s.dir)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		existed, err := Delete(fs.Default, s.dir)
		assert.NoError(t, err)
		assert.True(t, existed)
	}()

	select {
	case <-done:
		t.Fatal("delete proceeded while the collection lock was held")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, lock.Release())
	<-done

	_, err = os.Stat(s.dir)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDelete(t *testing.T) {
	s, _ := newTestStore(t, Options{})

	existed, err := Delete(fs.Default, s.dir)
	require.NoError(t, err)
	assert.True(t, existed)

	_, err = os.Stat(s.dir)
	assert.ErrorIs(t, err, os.ErrNotExist)

	// Second delete is a no-op.
	existed, err = Delete(fs.Default, s.dir)
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestManifest_CorruptionDetected(t *testing.T) {
	s, _ := newTestStore(t, Options{})

	require.NoError(t, os.WriteFile(s.manifestPath(), []byte("{broken"), 0o644))

	_, err := s.VectorSize()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorrupted)
}
