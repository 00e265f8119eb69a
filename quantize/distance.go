package quantize

import (
	"fmt"

	"github.com/proxigo/proxigo/distance"
	"github.com/proxigo/proxigo/internal/simd"
)

// DistanceFunc computes the distance between two code blocks of the same
// encoding and dimensionality.
type DistanceFunc func(a, b []byte) float32

// NewDistance resolves a (metric, encoding) pair to a concrete distance
// function over code blocks. Resolution happens once per index; the returned
// function is pure and safe for concurrent use.
//
// MetricHamming pairs only with KindB1, and KindB1 only with MetricHamming;
// every other combination of the supported metrics and encodings is valid.
func NewDistance(m distance.Metric, kind Kind, dim int, rangeMax float32) (DistanceFunc, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("quantize: unknown metric %d", int(m))
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("quantize: unknown encoding %d", uint8(kind))
	}
	if (m == distance.MetricHamming) != (kind == KindB1) {
		return nil, fmt.Errorf("quantize: metric %v requires encoding b1 and vice versa, got %v", m, kind)
	}
	if rangeMax == 0 {
		rangeMax = DefaultRange
	}
	step := rangeMax / 127

	switch kind {
	case KindF32:
		switch m {
		case distance.MetricL2:
			return func(a, b []byte) float32 {
				return simd.SquaredL2(f32View(a, dim), f32View(b, dim))
			}, nil
		case distance.MetricCosine:
			return func(a, b []byte) float32 {
				return 1 - simd.Dot(f32View(a, dim), f32View(b, dim))
			}, nil
		case distance.MetricDot:
			return func(a, b []byte) float32 {
				return -simd.Dot(f32View(a, dim), f32View(b, dim))
			}, nil
		}
	case KindF16:
		switch m {
		case distance.MetricL2:
			return func(a, b []byte) float32 {
				return simd.SquaredL2F16(u16View(a, dim), u16View(b, dim))
			}, nil
		case distance.MetricCosine:
			return func(a, b []byte) float32 {
				return 1 - simd.DotF16(u16View(a, dim), u16View(b, dim))
			}, nil
		case distance.MetricDot:
			return func(a, b []byte) float32 {
				return -simd.DotF16(u16View(a, dim), u16View(b, dim))
			}, nil
		}
	case KindI8:
		step2 := step * step
		switch m {
		case distance.MetricL2:
			return func(a, b []byte) float32 {
				return float32(simd.SquaredL2I8(i8View(a, dim), i8View(b, dim))) * step2
			}, nil
		case distance.MetricCosine:
			return func(a, b []byte) float32 {
				return 1 - float32(simd.DotI8(i8View(a, dim), i8View(b, dim)))*step2
			}, nil
		case distance.MetricDot:
			return func(a, b []byte) float32 {
				return -float32(simd.DotI8(i8View(a, dim), i8View(b, dim))) * step2
			}, nil
		}
	case KindB1:
		size := kind.CodeSize(dim)
		return func(a, b []byte) float32 {
			return float32(simd.Hamming(a[:size], b[:size]))
		}, nil
	}

	return nil, fmt.Errorf("quantize: unsupported metric %v for encoding %v", m, kind)
}
