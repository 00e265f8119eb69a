// Package hnsw implements a hierarchical navigable small world proximity
// graph over densely numbered vector slots.
//
// The graph layers nodes exponentially: every node lives on layer 0, and each
// higher layer holds a geometrically shrinking subset. Queries descend
// greedily through the upper layers and run a bounded best-first beam on the
// lower ones. Deletions are logical tombstones; Compact rebuilds the graph
// without them.
package hnsw
