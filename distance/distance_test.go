package distance

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSquaredL2(t *testing.T) {
	a := []float32{1, 2, 3}
	b := []float32{4, 6, 3}
	assert.InDelta(t, 25.0, float64(SquaredL2(a, b)), 1e-5)
	assert.InDelta(t, 0.0, float64(SquaredL2(a, a)), 1e-5)
}

func TestDotCommutative(t *testing.T) {
	a := []float32{0.5, -1, 2}
	b := []float32{1, 1, 0.25}
	assert.Equal(t, Dot(a, b), Dot(b, a))
	assert.InDelta(t, 0.0, float64(Dot(a, b)), 1e-5)
}

func TestCosineDistanceOnNormalizedVectors(t *testing.T) {
	a, ok := NormalizeL2Copy([]float32{3, 0})
	assert.True(t, ok)
	b, ok := NormalizeL2Copy([]float32{0, 5})
	assert.True(t, ok)

	// Orthogonal vectors: cosine distance 1.
	assert.InDelta(t, 1.0, float64(CosineDistance(a, b)), 1e-5)
	// Identical direction: distance 0.
	assert.InDelta(t, 0.0, float64(CosineDistance(a, a)), 1e-5)
}

func TestNormalizeZeroVector(t *testing.T) {
	v := []float32{0, 0, 0}
	assert.False(t, NormalizeL2InPlace(v))

	_, ok := NormalizeL2Copy(v)
	assert.False(t, ok)
}

func TestProvider(t *testing.T) {
	for _, m := range []Metric{MetricL2, MetricCosine, MetricDot} {
		fn, err := Provider(m)
		assert.NoError(t, err, m.String())
		assert.NotNil(t, fn)
	}

	_, err := Provider(MetricHamming)
	assert.Error(t, err)
}

func TestMetricString(t *testing.T) {
	assert.Equal(t, "l2sq", MetricL2.String())
	assert.Equal(t, "cosine", MetricCosine.String())
	assert.Equal(t, "dot", MetricDot.String())
	assert.Equal(t, "hamming", MetricHamming.String())
	assert.True(t, MetricHamming.Valid())
	assert.False(t, Metric(99).Valid())
}
