// Package vectorstore owns the canonical memory for encoded vectors.
//
// Vectors are stored as fixed-stride code blocks in a single contiguous
// arena addressed by dense slot number. The arena grows by copying into a
// larger buffer and atomically swapping the buffer pointer, so code blocks
// handed out before a grow remain valid for in-flight readers.
package vectorstore
