// Package simd provides the low-level distance kernels used by the distance
// and quantize packages.
//
// Kernels are selected once at package init: the host CPU is probed and the
// widest safe vectorized implementation is installed into a set of function
// pointers, with pure-Go scalar kernels as the fallback. The selection can be
// forced with the PROXIGO_SIMD environment variable ("generic" or "avx2").
//
// Kernels assume len(a) == len(b) and perform no bounds checks of their own;
// callers validate dimensions before reaching this package.
package simd
