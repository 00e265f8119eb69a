// Package persistence serializes indexes to a little-endian binary snapshot
// format and loads them back, either by streaming or through a read-only
// memory mapping.
//
// A snapshot is a 64-byte header followed by four sections (graph adjacency,
// key table, tombstones, encoded vectors) and a CRC32 trailer. Each section
// carries its raw and stored byte lengths and is padded to 8 bytes, which
// keeps the vector section aligned for zero-copy views. Sections may be
// compressed individually; compressed snapshots cannot be memory-mapped.
package persistence
