package hnsw

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/proxigo/proxigo/internal/queue"
	"github.com/proxigo/proxigo/internal/visited"
	"github.com/proxigo/proxigo/vectorstore"
)

const (
	// layerNormalizationBase is the base constant for the exponential layer
	// probability distribution.
	layerNormalizationBase = 1.0

	// mmax0Multiplier is the multiplier for maximum connections at layer 0.
	mmax0Multiplier = 2

	// minimumM is the minimum valid value for M.
	minimumM = 2

	// DefaultM is the default number of bidirectional links per node.
	DefaultM = 16

	// DefaultEFConstruction is the default beam width during insertion.
	DefaultEFConstruction = 128

	// DefaultEFSearch is the default beam width during queries.
	DefaultEFSearch = 64
)

// DistanceFunc computes the distance between two encoded vectors.
type DistanceFunc func(a, b []byte) float32

// Options configures a Graph.
type Options struct {
	M              int
	EFConstruction int
	EFSearch       int
	Capacity       int
	RandomSeed     *int64

	// MaxSlots caps code storage growth, 0 means unbounded. New ignores it
	// (the ceiling lives on Codes); snapshot loaders honor it when they
	// build the arena themselves.
	MaxSlots int

	// Codes is the canonical storage for encoded vectors, indexed by slot.
	Codes *vectorstore.Arena

	// Distance computes the distance between two code blocks from Codes.
	Distance DistanceFunc
}

// DefaultOptions holds the defaults applied by New.
var DefaultOptions = Options{
	M:              DefaultM,
	EFConstruction: DefaultEFConstruction,
	EFSearch:       DefaultEFSearch,
	Capacity:       1024,
}

// node carries the adjacency lists of a single slot. neighbors[l] holds the
// links at layer l; index 0 is the base layer.
type node struct {
	mu        sync.RWMutex
	neighbors [][]uint32
}

func (n *node) level() int { return len(n.neighbors) - 1 }

// Graph is a hierarchical navigable small world graph. Slots are assigned by
// the caller and must be dense. Insert, Search and Delete may run
// concurrently; Compact takes the graph exclusively.
type Graph struct {
	entryPointAtomic atomic.Uint32
	maxLayerAtomic   atomic.Int32
	countAtomic      atomic.Int64

	// nodes grows copy-on-write so readers never observe a partial slice.
	nodes   atomic.Pointer[[]*node]
	nodesMu sync.Mutex

	codes *vectorstore.Arena
	dist  DistanceFunc

	rng   *rand.Rand
	rngMu sync.Mutex

	// epMu serializes entry point and max layer updates.
	epMu sync.RWMutex

	// opMu is held shared by every regular operation and exclusively by
	// Compact while it swaps the graph state.
	opMu sync.RWMutex

	tombstones   *roaring.Bitmap
	tombstonesMu sync.RWMutex

	maxConnectionsPerLayer int
	maxConnectionsLayer0   int
	layerMultiplier        float64
	opts                   Options

	minQueuePool *sync.Pool
	maxQueuePool *sync.Pool
	visitedPool  *sync.Pool
}

// New creates an empty graph.
func New(optFns ...func(o *Options)) (*Graph, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Codes == nil {
		return nil, fmt.Errorf("hnsw: missing code storage")
	}
	if opts.Distance == nil {
		return nil, fmt.Errorf("hnsw: missing distance function")
	}
	if opts.M < minimumM {
		opts.M = minimumM
	}
	if opts.EFConstruction <= 0 {
		opts.EFConstruction = DefaultEFConstruction
	}
	if opts.EFSearch <= 0 {
		opts.EFSearch = DefaultEFSearch
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultOptions.Capacity
	}

	var rng *rand.Rand
	if opts.RandomSeed != nil {
		rng = rand.New(rand.NewSource(*opts.RandomSeed))
	} else {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	g := &Graph{
		codes:                  opts.Codes,
		dist:                   opts.Distance,
		rng:                    rng,
		tombstones:             roaring.New(),
		maxConnectionsPerLayer: opts.M,
		maxConnectionsLayer0:   mmax0Multiplier * opts.M,
		layerMultiplier:        layerNormalizationBase / math.Log(float64(opts.M)),
		opts:                   opts,
		minQueuePool: &sync.Pool{
			New: func() any { return queue.NewMin(opts.EFConstruction) },
		},
		maxQueuePool: &sync.Pool{
			New: func() any { return queue.NewMax(opts.EFConstruction) },
		},
		visitedPool: &sync.Pool{
			New: func() any { return visited.New(opts.Capacity) },
		},
	}
	g.maxLayerAtomic.Store(-1)

	nodes := make([]*node, 0, opts.Capacity)
	g.nodes.Store(&nodes)

	return g, nil
}

// Codes returns the code storage backing the graph.
func (g *Graph) Codes() *vectorstore.Arena { return g.codes }

// Len returns the number of live (non-tombstoned) nodes.
func (g *Graph) Len() int { return int(g.countAtomic.Load()) }

// Slots returns the number of slots ever inserted, including tombstoned ones.
func (g *Graph) Slots() int { return len(*g.nodes.Load()) }

// MaxLayer returns the top layer of the graph, or -1 when empty.
func (g *Graph) MaxLayer() int { return int(g.maxLayerAtomic.Load()) }

// EntryPoint returns the current entry point slot. Meaningless when the graph
// is empty.
func (g *Graph) EntryPoint() uint32 { return g.entryPointAtomic.Load() }

// M returns the configured maximum connections per upper layer.
func (g *Graph) M() int { return g.maxConnectionsPerLayer }

func (g *Graph) getNode(slot uint32) *node {
	nodes := *g.nodes.Load()
	if int(slot) >= len(nodes) {
		return nil
	}
	return nodes[slot]
}

// publishNode stores n at slot, growing the node slice copy-on-write.
func (g *Graph) publishNode(slot uint32, n *node) {
	g.nodesMu.Lock()
	defer g.nodesMu.Unlock()

	old := *g.nodes.Load()
	if int(slot) < len(old) {
		old[slot] = n
		return
	}

	nodes := old
	if int(slot) >= cap(nodes) {
		nodes = make([]*node, len(old), max(2*cap(old), int(slot)+1))
		copy(nodes, old)
	}
	for len(nodes) <= int(slot) {
		nodes = append(nodes, nil)
	}
	nodes[slot] = n
	g.nodes.Store(&nodes)
}

// Level returns the top layer of slot, or -1 when the slot is unknown.
func (g *Graph) Level(slot uint32) int {
	n := g.getNode(slot)
	if n == nil {
		return -1
	}
	return n.level()
}

// Neighbors appends the links of slot at layer to dst and returns it.
func (g *Graph) Neighbors(slot uint32, layer int, dst []uint32) []uint32 {
	n := g.getNode(slot)
	if n == nil {
		return dst[:0]
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if layer > n.level() {
		return dst[:0]
	}
	return append(dst[:0], n.neighbors[layer]...)
}

// Deleted reports whether slot carries a tombstone.
func (g *Graph) Deleted(slot uint32) bool {
	g.tombstonesMu.RLock()
	defer g.tombstonesMu.RUnlock()
	return g.tombstones.Contains(slot)
}

// Contains reports whether slot is present and live.
func (g *Graph) Contains(slot uint32) bool {
	if g.getNode(slot) == nil {
		return false
	}
	return !g.Deleted(slot)
}

// Tombstones returns a copy of the tombstone set.
func (g *Graph) Tombstones() *roaring.Bitmap {
	g.tombstonesMu.RLock()
	defer g.tombstonesMu.RUnlock()
	return g.tombstones.Clone()
}

func (g *Graph) drawLayer() int {
	g.rngMu.Lock()
	r := g.rng.Float64()
	g.rngMu.Unlock()
	for r == 0 {
		g.rngMu.Lock()
		r = g.rng.Float64()
		g.rngMu.Unlock()
	}
	return int(math.Floor(-math.Log(r) * g.layerMultiplier))
}

func (g *Graph) distSlot(query []byte, slot uint32) float32 {
	return g.dist(query, g.codes.At(slot))
}

// Insert adds slot with the given encoded vector. The context is honored only
// until linking begins; once the node is being wired into the graph the
// operation runs to completion so no half-linked node is ever published.
func (g *Graph) Insert(ctx context.Context, slot uint32, code []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if g.codes.ReadOnly() {
		return vectorstore.ErrReadOnly
	}

	g.opMu.RLock()
	defer g.opMu.RUnlock()

	if err := g.codes.Set(slot, code); err != nil {
		return err
	}

	layer := g.drawLayer()
	n := &node{neighbors: make([][]uint32, layer+1)}
	maxConns := g.maxConnectionsPerLayer
	for l := range n.neighbors {
		if l == 0 {
			n.neighbors[l] = make([]uint32, 0, g.maxConnectionsLayer0)
		} else {
			n.neighbors[l] = make([]uint32, 0, maxConns)
		}
	}

	// First node short-circuits linking entirely.
	g.epMu.Lock()
	if g.countAtomic.Load() == 0 && g.maxLayerAtomic.Load() == -1 {
		g.publishNode(slot, n)
		g.entryPointAtomic.Store(slot)
		g.maxLayerAtomic.Store(int32(layer))
		g.countAtomic.Add(1)
		g.epMu.Unlock()
		return nil
	}
	g.epMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	g.publishNode(slot, n)
	g.linkNode(slot, code, layer)
	g.countAtomic.Add(1)

	if layer > int(g.maxLayerAtomic.Load()) {
		g.epMu.Lock()
		if layer > int(g.maxLayerAtomic.Load()) {
			g.maxLayerAtomic.Store(int32(layer))
			g.entryPointAtomic.Store(slot)
		}
		g.epMu.Unlock()
	}

	return nil
}

// linkNode wires slot into every layer from min(layer, maxLayer) down to 0.
func (g *Graph) linkNode(slot uint32, code []byte, layer int) {
	curr := g.entryPointAtomic.Load()
	currDist := g.distSlot(code, curr)
	maxLayer := int(g.maxLayerAtomic.Load())

	var scratch []uint32
	for l := maxLayer; l > layer; l-- {
		curr, currDist, scratch = g.greedyStep(code, curr, currDist, l, scratch)
	}

	for l := min(layer, maxLayer); l >= 0; l-- {
		results := g.searchLayer(context.Background(), code, curr, currDist, l, g.opts.EFConstruction)

		// The node is already published; a concurrent insert may have linked
		// to it, so the beam can hand the node back its own slot.
		if best, ok := results.Min(); ok && best.Slot != slot {
			curr = best.Slot
			currDist = best.Distance
		}

		maxConns := g.maxConnectionsPerLayer
		if l == 0 {
			maxConns = g.maxConnectionsLayer0
		}

		neighbors := g.selectNeighbors(results, maxConns)
		results.Reset()
		g.maxQueuePool.Put(results)

		kept := neighbors[:0]
		for _, nb := range neighbors {
			if nb != slot {
				kept = append(kept, nb)
			}
		}
		neighbors = kept

		// When every candidate at this layer is tombstoned the beam comes
		// back empty. Link through the current waypoint anyway, or the new
		// node would be unreachable from the entry point.
		if len(neighbors) == 0 && curr != slot {
			neighbors = append(neighbors, curr)
		}

		n := g.getNode(slot)
		n.mu.Lock()
		n.neighbors[l] = append(n.neighbors[l][:0], neighbors...)
		n.mu.Unlock()

		for _, neighbor := range neighbors {
			g.addLink(neighbor, slot, l)
		}
	}
}

// greedyStep descends one layer by repeatedly moving to the closest neighbor.
func (g *Graph) greedyStep(query []byte, curr uint32, currDist float32, layer int, scratch []uint32) (uint32, float32, []uint32) {
	for {
		changed := false
		scratch = g.Neighbors(curr, layer, scratch)
		for _, next := range scratch {
			nextDist := g.distSlot(query, next)
			if nextDist < currDist {
				curr = next
				currDist = nextDist
				changed = true
			}
		}
		if !changed {
			return curr, currDist, scratch
		}
	}
}

// addLink connects slot to target at layer, pruning back to the connection
// cap with the diversity heuristic when the neighbor list overflows.
func (g *Graph) addLink(slot, target uint32, layer int) {
	if slot == target {
		return
	}
	n := g.getNode(slot)
	if n == nil {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if layer > n.level() {
		return
	}

	conns := n.neighbors[layer]
	for _, c := range conns {
		if c == target {
			return
		}
	}

	maxConns := g.maxConnectionsPerLayer
	if layer == 0 {
		maxConns = g.maxConnectionsLayer0
	}

	if len(conns) < maxConns {
		n.neighbors[layer] = append(conns, target)
		return
	}

	// Overflow: re-select the best maxConns out of conns plus target.
	candidates := g.maxQueuePool.Get().(*queue.Queue)
	candidates.Reset()
	defer func() {
		candidates.Reset()
		g.maxQueuePool.Put(candidates)
	}()

	source := g.codes.At(slot)
	for _, c := range conns {
		candidates.Push(queue.Item{Slot: c, Distance: g.dist(source, g.codes.At(c))})
	}
	candidates.Push(queue.Item{Slot: target, Distance: g.dist(source, g.codes.At(target))})

	n.neighbors[layer] = append(n.neighbors[layer][:0], g.selectNeighbors(candidates, maxConns)...)
}

// selectNeighbors picks up to m diverse neighbors from candidates. A
// candidate is skipped when it lies closer to an already selected neighbor
// than to the new node; skipped candidates backfill remaining capacity in
// distance order. candidates is drained but not returned to a pool.
func (g *Graph) selectNeighbors(candidates *queue.Queue, m int) []uint32 {
	// Pop worst-first from the max-queue, store best-first.
	sorted := make([]queue.Item, candidates.Len())
	for i := len(sorted) - 1; i >= 0; i-- {
		sorted[i], _ = candidates.Pop()
	}

	if len(sorted) <= m {
		result := make([]uint32, len(sorted))
		for i, it := range sorted {
			result[i] = it.Slot
		}
		return result
	}

	result := make([]uint32, 0, m)
	selected := make([][]byte, 0, m)

	for _, cand := range sorted {
		if len(result) >= m {
			break
		}

		candCode := g.codes.At(cand.Slot)
		diverse := true
		for _, selCode := range selected {
			if g.dist(candCode, selCode) < cand.Distance {
				diverse = false
				break
			}
		}
		if diverse {
			result = append(result, cand.Slot)
			selected = append(selected, candCode)
		}
	}

	if len(result) < m {
		for _, cand := range sorted {
			if len(result) >= m {
				break
			}
			dup := false
			for _, r := range result {
				if r == cand.Slot {
					dup = true
					break
				}
			}
			if !dup {
				result = append(result, cand.Slot)
			}
		}
	}

	return result
}

// Retire writes off a slot whose insert never completed. It installs an
// isolated tombstoned node and a zero code block so the slot stays
// serializable; Compact reclaims it. The slot must not hold a live node.
func (g *Graph) Retire(slot uint32) {
	g.opMu.RLock()
	defer g.opMu.RUnlock()

	if g.getNode(slot) == nil {
		if !g.codes.ReadOnly() {
			_ = g.codes.Set(slot, make([]byte, g.codes.Stride()))
		}
		g.publishNode(slot, &node{neighbors: make([][]uint32, 1)})
	}

	// A populated graph needs a top layer; a tombstoned entry point routes
	// fine, so the placeholder may serve as one.
	g.epMu.Lock()
	if g.maxLayerAtomic.Load() < 0 {
		g.entryPointAtomic.Store(slot)
		g.maxLayerAtomic.Store(0)
	}
	g.epMu.Unlock()

	g.tombstonesMu.Lock()
	g.tombstones.Add(slot)
	g.tombstonesMu.Unlock()
}

// Delete tombstones slot. It reports whether the slot was live before the
// call. The node stays in the graph as a routing waypoint until Compact.
func (g *Graph) Delete(slot uint32) (bool, error) {
	if g.codes.ReadOnly() {
		return false, vectorstore.ErrReadOnly
	}

	g.opMu.RLock()
	defer g.opMu.RUnlock()

	if g.getNode(slot) == nil {
		return false, nil
	}

	g.tombstonesMu.Lock()
	defer g.tombstonesMu.Unlock()
	if g.tombstones.Contains(slot) {
		return false, nil
	}
	g.tombstones.Add(slot)
	g.countAtomic.Add(-1)
	return true, nil
}
