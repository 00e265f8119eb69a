package distance

import (
	"fmt"
	"slices"

	"github.com/chewxy/math32"

	"github.com/proxigo/proxigo/internal/simd"
)

// Metric identifies the distance metric used for vector comparison.
type Metric int

const (
	// MetricL2 is squared Euclidean distance.
	MetricL2 Metric = iota
	// MetricCosine is angular distance (1 - cosine similarity). Vectors are
	// L2-normalized on insertion, so it reduces to 1 - dot.
	MetricCosine
	// MetricDot is inner-product distance (negated dot product, so that
	// smaller still means more similar).
	MetricDot
	// MetricHamming is bit-difference distance over binary-encoded vectors.
	MetricHamming
)

func (m Metric) String() string {
	switch m {
	case MetricL2:
		return "l2sq"
	case MetricCosine:
		return "cosine"
	case MetricDot:
		return "dot"
	case MetricHamming:
		return "hamming"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// Valid reports whether m is a known metric.
func (m Metric) Valid() bool {
	return m >= MetricL2 && m <= MetricHamming
}

// Func computes the distance between two float32 vectors of equal length.
type Func func(a, b []float32) float32

// Dot calculates the dot product of two vectors. Assumes equal lengths.
func Dot(a, b []float32) float32 {
	return simd.Dot(a, b)
}

// SquaredL2 calculates the squared Euclidean distance. Assumes equal lengths.
func SquaredL2(a, b []float32) float32 {
	return simd.SquaredL2(a, b)
}

// Hamming calculates the Hamming distance between two bit-packed byte slices.
func Hamming(a, b []byte) float32 {
	return float32(simd.Hamming(a, b))
}

// CosineDistance calculates 1 - dot(a, b). Meaningful for L2-normalized
// inputs.
func CosineDistance(a, b []float32) float32 {
	return 1 - simd.Dot(a, b)
}

// InnerProductDistance calculates -dot(a, b).
func InnerProductDistance(a, b []float32) float32 {
	return -simd.Dot(a, b)
}

// Provider returns the float32 distance function for the given metric.
// MetricHamming has no float32 form; it operates on encoded bytes only.
func Provider(m Metric) (Func, error) {
	switch m {
	case MetricL2:
		return SquaredL2, nil
	case MetricCosine:
		return CosineDistance, nil
	case MetricDot:
		return InnerProductDistance, nil
	default:
		return nil, fmt.Errorf("distance: unsupported metric for float32: %v", m)
	}
}

// NormalizeL2InPlace L2-normalizes v in place. Returns false if v has zero L2
// norm.
func NormalizeL2InPlace(v []float32) bool {
	if len(v) == 0 {
		return false
	}
	norm2 := simd.Dot(v, v)
	if norm2 == 0 {
		return false
	}
	simd.ScaleInPlace(v, 1/math32.Sqrt(norm2))
	return true
}

// NormalizeL2Copy returns a normalized copy of src. Returns false if src has
// zero L2 norm.
func NormalizeL2Copy(src []float32) ([]float32, bool) {
	dst := slices.Clone(src)
	if !NormalizeL2InPlace(dst) {
		return nil, false
	}
	return dst, true
}
