package hnsw

import (
	"context"

	"github.com/proxigo/proxigo/vectorstore"
)

// NoSlot marks a removed slot in the remap returned by Compact.
const NoSlot = ^uint32(0)

// Compact physically removes tombstoned nodes. Surviving slots are renumbered
// densely in ascending order of their old slot; the returned remap maps every
// old slot to its new one, with NoSlot for removed entries. The graph is held
// exclusively for the duration, so no other operation overlaps a compaction.
//
// Links that pointed at removed nodes are dropped rather than repaired. The
// surviving adjacency still routes well for typical deletion rates; workloads
// that delete most of the graph should reinsert into a fresh index instead.
func (g *Graph) Compact(ctx context.Context) ([]uint32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if g.codes.ReadOnly() {
		return nil, vectorstore.ErrReadOnly
	}

	g.opMu.Lock()
	defer g.opMu.Unlock()

	oldNodes := *g.nodes.Load()

	remap := make([]uint32, len(oldNodes))
	next := uint32(0)
	for slot := range oldNodes {
		if oldNodes[slot] == nil || g.tombstones.Contains(uint32(slot)) {
			remap[slot] = NoSlot
			continue
		}
		remap[slot] = next
		next++
	}
	live := int(next)

	codes, err := vectorstore.NewArena(g.codes.Stride(), live, g.codes.MaxSlots())
	if err != nil {
		return nil, err
	}

	newNodes := make([]*node, live)
	entry := uint32(0)
	maxLayer := -1

	for slot, old := range oldNodes {
		newSlot := remap[slot]
		if newSlot == NoSlot {
			continue
		}

		if err := codes.Set(newSlot, g.codes.At(uint32(slot))); err != nil {
			return nil, err
		}

		neighbors := make([][]uint32, len(old.neighbors))
		for l, conns := range old.neighbors {
			kept := make([]uint32, 0, len(conns))
			for _, c := range conns {
				if int(c) < len(remap) && remap[c] != NoSlot {
					kept = append(kept, remap[c])
				}
			}
			neighbors[l] = kept
		}
		newNodes[newSlot] = &node{neighbors: neighbors}

		if level := len(neighbors) - 1; level > maxLayer {
			maxLayer = level
			entry = newSlot
		}
	}

	g.codes = codes
	g.nodes.Store(&newNodes)
	g.tombstones.Clear()
	g.entryPointAtomic.Store(entry)
	g.maxLayerAtomic.Store(int32(maxLayer))
	g.countAtomic.Store(int64(live))

	return remap, nil
}
