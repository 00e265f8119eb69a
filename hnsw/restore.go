package hnsw

import (
	"github.com/RoaringBitmap/roaring/v2"
)

// RestoreNode installs slot with the given adjacency lists. It is meant for
// snapshot loading and must not race with other operations. The node takes
// ownership of neighbors.
func (g *Graph) RestoreNode(slot uint32, neighbors [][]uint32) {
	g.publishNode(slot, &node{neighbors: neighbors})
}

// RestoreState sets the entry point, top layer and tombstone set after all
// nodes have been restored, and recomputes the live count.
func (g *Graph) RestoreState(entry uint32, maxLayer int, tombstones *roaring.Bitmap) {
	g.entryPointAtomic.Store(entry)
	g.maxLayerAtomic.Store(int32(maxLayer))

	if tombstones != nil {
		g.tombstonesMu.Lock()
		g.tombstones = tombstones
		g.tombstonesMu.Unlock()
	}

	nodes := *g.nodes.Load()
	live := 0
	for slot := range nodes {
		if nodes[slot] != nil && !g.Deleted(uint32(slot)) {
			live++
		}
	}
	g.countAtomic.Store(int64(live))
}
