//go:build amd64

package simd

import (
	"github.com/viterin/vek/vek32"
	"golang.org/x/sys/cpu"
)

func init() {
	hasAVX2 = cpu.X86.HasAVX2 && cpu.X86.HasFMA
	initCapabilities()

	if activeISA == AVX2 {
		kernelDot = vek32.Dot
		kernelSquaredL2 = squaredL2Vek
		kernelScale = vek32.MulNumber_Inplace
	}
}

func squaredL2Vek(a, b []float32) float32 {
	d := vek32.Distance(a, b)
	return d * d
}
