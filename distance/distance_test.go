package distance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDot(t *testing.T) {
	a := []float32{1, 2, 3}
	b := []float32{4, 5, 6}
	assert.Equal(t, float32(32), Dot(a, b))
}

func TestSquaredL2(t *testing.T) {
	a := []float32{1, 2, 3}
	b := []float32{4, 6, 3}
	assert.Equal(t, float32(25), SquaredL2(a, b))
	assert.Zero(t, SquaredL2(a, a))
}

func TestCosine(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{0, 1}
	c := []float32{2, 0}

	assert.InDelta(t, 0, Cosine(a, b), 1e-6)
	assert.InDelta(t, 1, Cosine(a, c), 1e-6)
	assert.InDelta(t, -1, Cosine(a, []float32{-3, 0}), 1e-6)

	// Zero-norm vectors score 0 rather than NaN.
	assert.Zero(t, Cosine(a, []float32{0, 0}))
}

func TestNormalizeL2(t *testing.T) {
	v := []float32{3, 4}
	ok := NormalizeL2InPlace(v)
	require.True(t, ok)
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	assert.False(t, NormalizeL2InPlace([]float32{0, 0}))
	assert.False(t, NormalizeL2InPlace(nil))

	src := []float32{0, 5}
	dst, ok := NormalizeL2Copy(src)
	require.True(t, ok)
	assert.Equal(t, float32(5), src[1], "source must not be mutated")
	assert.InDelta(t, 1, dst[1], 1e-6)
}

func TestProvider(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{0, 1}

	for _, m := range []Metric{MetricCosine, MetricDot, MetricL2} {
		fn, err := Provider(m)
		require.NoError(t, err, m.String())
		require.NotNil(t, fn)

		// Higher must mean closer for every metric.
		assert.Greater(t, fn(a, a), fn(a, b), m.String())
	}

	_, err := Provider(Metric(99))
	assert.Error(t, err)
}
