// Package quantize implements the scalar encodings used for vector storage:
// full-precision float32, binary16 half precision, affine signed 8-bit, and
// single-bit sign quantization.
//
// A Codec turns float32 vectors into fixed-size code blocks and back; the code
// block is what the storage arena holds and what distance kernels operate on.
// The (metric, kind) pair is resolved once at index construction into a
// concrete distance function over code blocks, so the hot path carries no
// per-call dispatch.
package quantize
