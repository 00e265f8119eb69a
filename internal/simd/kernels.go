package simd

import (
	"encoding/binary"
	"math/bits"

	"github.com/x448/float16"
)

// Kernel function pointers, set once at init. Generic implementations are the
// default; the platform init installs vectorized versions when available.
var (
	kernelDot       = dotGeneric
	kernelSquaredL2 = squaredL2Generic
	kernelScale     = scaleGeneric
)

// Dot calculates the dot product of two float32 vectors.
//
// SAFETY: assumes len(a) == len(b).
func Dot(a, b []float32) float32 {
	return kernelDot(a, b)
}

// SquaredL2 calculates the squared L2 distance between two float32 vectors.
//
// SAFETY: assumes len(a) == len(b).
func SquaredL2(a, b []float32) float32 {
	return kernelSquaredL2(a, b)
}

// ScaleInPlace multiplies all elements of a by scalar. Used by L2
// normalization.
func ScaleInPlace(a []float32, scalar float32) {
	kernelScale(a, scalar)
}

func dotGeneric(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func squaredL2Generic(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

func scaleGeneric(a []float32, scalar float32) {
	for i := range a {
		a[i] *= scalar
	}
}

// DotF16 calculates the dot product of two binary16 code vectors.
// Each element is widened to float32 before multiplication; accumulation is
// float32 throughout, so results match the f32 kernels within the documented
// 1e-3 relative tolerance.
func DotF16(a, b []uint16) float32 {
	var sum float32
	for i := range a {
		sum += float16.Frombits(a[i]).Float32() * float16.Frombits(b[i]).Float32()
	}
	return sum
}

// SquaredL2F16 calculates the squared L2 distance between two binary16 code
// vectors, accumulating in float32.
func SquaredL2F16(a, b []uint16) float32 {
	var sum float32
	for i := range a {
		d := float16.Frombits(a[i]).Float32() - float16.Frombits(b[i]).Float32()
		sum += d * d
	}
	return sum
}

// DotI8 calculates the dot product of two int8 code vectors with 32-bit
// accumulation. int8*int8 is at most 2^14 in magnitude, so an int32
// accumulator is overflow-safe up to dimensions far beyond practical use.
func DotI8(a, b []int8) int32 {
	var sum int32
	for i := range a {
		sum += int32(a[i]) * int32(b[i])
	}
	return sum
}

// SquaredL2I8 calculates the squared L2 distance between two int8 code
// vectors with 32-bit accumulation.
func SquaredL2I8(a, b []int8) int32 {
	var sum int32
	for i := range a {
		d := int32(a[i]) - int32(b[i])
		sum += d * d
	}
	return sum
}

// Hamming computes the Hamming distance (count of differing bits) between two
// byte slices of equal length.
func Hamming(a, b []byte) int {
	var sum int
	n := len(a)
	for n >= 8 {
		v1 := binary.LittleEndian.Uint64(a)
		v2 := binary.LittleEndian.Uint64(b)
		sum += bits.OnesCount64(v1 ^ v2)
		a = a[8:]
		b = b[8:]
		n -= 8
	}
	for i := range a {
		sum += bits.OnesCount8(a[i] ^ b[i])
	}
	return sum
}
