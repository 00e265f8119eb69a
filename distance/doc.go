// Package distance provides the public API for vector distance calculations.
//
// All float32 functions dispatch to vectorized kernels from internal/simd when
// the host CPU supports them. Kernel choice never changes results by more than
// a 1e-3 relative tolerance; correctness tests pin this bound.
package distance
