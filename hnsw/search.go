package hnsw

import (
	"context"
	"fmt"
	"sort"

	"github.com/proxigo/proxigo/internal/queue"
	"github.com/proxigo/proxigo/internal/visited"
)

// Result is a single search hit.
type Result struct {
	Slot     uint32
	Distance float32
}

// sortResults orders hits ascending by distance, ties broken by slot so
// equal-distance neighbors always come back in the same order.
func sortResults(res []Result) {
	sort.Slice(res, func(i, j int) bool {
		if res[i].Distance != res[j].Distance {
			return res[i].Distance < res[j].Distance
		}
		return res[i].Slot < res[j].Slot
	})
}

// Search returns up to k live slots closest to the encoded query. ef bounds
// the beam width at the base layer; values below k are raised to k.
//
// Cancellation is checked between beam iterations. A canceled context stops
// the walk early and returns whatever has been collected so far rather than
// an error, so callers always get a usable (if lower recall) result set.
func (g *Graph) Search(ctx context.Context, query []byte, k, ef int) ([]Result, error) {
	if k <= 0 {
		return nil, fmt.Errorf("hnsw: invalid k %d", k)
	}

	g.opMu.RLock()
	defer g.opMu.RUnlock()

	if g.maxLayerAtomic.Load() == -1 {
		return nil, nil
	}
	if ef <= 0 {
		ef = g.opts.EFSearch
	}
	if ef < k {
		ef = k
	}

	curr := g.entryPointAtomic.Load()
	currDist := g.distSlot(query, curr)
	maxLayer := int(g.maxLayerAtomic.Load())

	var scratch []uint32
	for l := maxLayer; l > 0; l-- {
		if ctx.Err() != nil {
			break
		}
		curr, currDist, scratch = g.greedyStep(query, curr, currDist, l, scratch)
	}

	results := g.searchLayer(ctx, query, curr, currDist, 0, ef)
	defer func() {
		results.Reset()
		g.maxQueuePool.Put(results)
	}()

	for results.Len() > k {
		results.Pop()
	}

	res := make([]Result, results.Len())
	for i := results.Len() - 1; i >= 0; i-- {
		item, _ := results.Pop()
		res[i] = Result{Slot: item.Slot, Distance: item.Distance}
	}
	sortResults(res)
	return res, nil
}

// searchLayer runs a bounded best-first beam at a single layer. The returned
// max-queue holds up to ef live candidates and must be returned to
// maxQueuePool by the caller. Tombstoned slots are traversed but never
// reported.
func (g *Graph) searchLayer(ctx context.Context, query []byte, ep uint32, epDist float32, layer, ef int) *queue.Queue {
	seen := g.visitedPool.Get().(*visited.Set)
	seen.Reset()
	defer g.visitedPool.Put(seen)

	candidates := g.minQueuePool.Get().(*queue.Queue)
	candidates.Reset()
	defer func() {
		candidates.Reset()
		g.minQueuePool.Put(candidates)
	}()

	results := g.maxQueuePool.Get().(*queue.Queue)
	results.Reset()

	seen.Visit(ep)
	candidates.Push(queue.Item{Slot: ep, Distance: epDist})
	if !g.Deleted(ep) {
		results.Push(queue.Item{Slot: ep, Distance: epDist})
	}

	var scratch []uint32
	for candidates.Len() > 0 {
		if ctx.Err() != nil {
			break
		}

		curr, _ := candidates.Pop()

		if results.Len() >= ef {
			if worst, ok := results.Top(); ok && curr.Distance > worst.Distance {
				break
			}
		}

		scratch = g.Neighbors(curr.Slot, layer, scratch)
		for _, next := range scratch {
			if seen.Visited(next) {
				continue
			}
			seen.Visit(next)

			nextDist := g.distSlot(query, next)

			if results.Len() >= ef {
				if worst, ok := results.Top(); ok && nextDist > worst.Distance {
					continue
				}
			}

			candidates.Push(queue.Item{Slot: next, Distance: nextDist})
			if !g.Deleted(next) {
				results.Push(queue.Item{Slot: next, Distance: nextDist})
				if results.Len() > ef {
					results.Pop()
				}
			}
		}
	}

	return results
}

// BruteSearch scans every live slot. It is the exact counterpart of Search
// and is mainly useful for small graphs and recall measurements.
func (g *Graph) BruteSearch(ctx context.Context, query []byte, k int) ([]Result, error) {
	if k <= 0 {
		return nil, fmt.Errorf("hnsw: invalid k %d", k)
	}

	g.opMu.RLock()
	defer g.opMu.RUnlock()

	pq := queue.NewMax(k)
	nodes := *g.nodes.Load()
	for slot := range nodes {
		if slot%1024 == 0 && ctx.Err() != nil {
			break
		}
		if nodes[slot] == nil || g.Deleted(uint32(slot)) {
			continue
		}

		d := g.distSlot(query, uint32(slot))
		if pq.Len() < k {
			pq.Push(queue.Item{Slot: uint32(slot), Distance: d})
			continue
		}
		if worst, ok := pq.Top(); ok && d < worst.Distance {
			pq.Pop()
			pq.Push(queue.Item{Slot: uint32(slot), Distance: d})
		}
	}

	res := make([]Result, pq.Len())
	for i := pq.Len() - 1; i >= 0; i-- {
		item, _ := pq.Pop()
		res[i] = Result{Slot: item.Slot, Distance: item.Distance}
	}
	sortResults(res)
	return res, nil
}
