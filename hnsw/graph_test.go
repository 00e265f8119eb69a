package hnsw

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxigo/proxigo/distance"
	"github.com/proxigo/proxigo/quantize"
	"github.com/proxigo/proxigo/testutil"
	"github.com/proxigo/proxigo/vectorstore"
)

func newTestGraph(t *testing.T, dim int, optFns ...func(o *Options)) (*Graph, *quantize.Codec) {
	t.Helper()

	codec, err := quantize.NewCodec(quantize.KindF32, dim, 0)
	require.NoError(t, err)

	dist, err := quantize.NewDistance(distance.MetricL2, quantize.KindF32, dim, 0)
	require.NoError(t, err)

	codes, err := vectorstore.NewArena(codec.CodeSize(), 64, 0)
	require.NoError(t, err)

	seed := int64(42)
	g, err := New(append([]func(o *Options){func(o *Options) {
		o.Codes = codes
		o.Distance = DistanceFunc(dist)
		o.RandomSeed = &seed
	}}, optFns...)...)
	require.NoError(t, err)

	return g, codec
}

func insertVec(t *testing.T, g *Graph, codec *quantize.Codec, slot uint32, v []float32) {
	t.Helper()
	code := make([]byte, codec.CodeSize())
	codec.Encode(v, code)
	require.NoError(t, g.Insert(context.Background(), slot, code))
}

func searchVec(t *testing.T, g *Graph, codec *quantize.Codec, q []float32, k, ef int) []Result {
	t.Helper()
	code := make([]byte, codec.CodeSize())
	codec.Encode(q, code)
	res, err := g.Search(context.Background(), code, k, ef)
	require.NoError(t, err)
	return res
}

func TestEmptyGraph(t *testing.T) {
	g, codec := newTestGraph(t, 4)

	assert.Equal(t, 0, g.Len())
	assert.Equal(t, -1, g.MaxLayer())

	res := searchVec(t, g, codec, []float32{1, 0, 0, 0}, 5, 0)
	assert.Empty(t, res)
}

func TestInsertAndSearch(t *testing.T) {
	g, codec := newTestGraph(t, 2)

	insertVec(t, g, codec, 0, []float32{0, 0})
	insertVec(t, g, codec, 1, []float32{1, 0})
	insertVec(t, g, codec, 2, []float32{0, 1})
	insertVec(t, g, codec, 3, []float32{5, 5})

	res := searchVec(t, g, codec, []float32{0.1, 0}, 2, 0)
	require.Len(t, res, 2)
	assert.Equal(t, uint32(0), res[0].Slot)
	assert.Equal(t, uint32(1), res[1].Slot)
	assert.LessOrEqual(t, res[0].Distance, res[1].Distance)
}

func TestNoSelfLinks(t *testing.T) {
	g, codec := newTestGraph(t, 8)

	// Direct self-link requests are dropped.
	insertVec(t, g, codec, 0, []float32{1, 0, 0, 0, 0, 0, 0, 0})
	g.addLink(0, 0, 0)
	assert.Empty(t, g.Neighbors(0, 0, nil))

	// Concurrent inserts can surface a node to its own construction beam;
	// it must never end up in its own adjacency lists.
	rng := testutil.NewRNG(11)
	vectors := rng.UniformVectors(1000, 8)

	var wg sync.WaitGroup
	const writers = 8
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for slot := w; slot < len(vectors); slot += writers {
				code := make([]byte, codec.CodeSize())
				codec.Encode(vectors[slot], code)
				assert.NoError(t, g.Insert(context.Background(), uint32(slot+1), code))
			}
		}(w)
	}
	wg.Wait()

	var conns []uint32
	for slot := 0; slot <= len(vectors); slot++ {
		for layer := 0; layer <= g.Level(uint32(slot)); layer++ {
			conns = g.Neighbors(uint32(slot), layer, conns)
			for _, c := range conns {
				assert.NotEqual(t, uint32(slot), c, "slot %d links to itself at layer %d", slot, layer)
			}
		}
	}
}

func TestInsertAfterDeletingEverything(t *testing.T) {
	g, codec := newTestGraph(t, 2)

	insertVec(t, g, codec, 0, []float32{1, 0})
	_, err := g.Delete(0)
	require.NoError(t, err)

	// The tombstoned node is the only waypoint left; a fresh insert must
	// still become reachable through it.
	insertVec(t, g, codec, 1, []float32{0, 1})

	res := searchVec(t, g, codec, []float32{0, 1}, 1, 16)
	require.Len(t, res, 1)
	assert.Equal(t, uint32(1), res[0].Slot)
}

func TestRetire(t *testing.T) {
	g, codec := newTestGraph(t, 4)

	rng := testutil.NewRNG(12)
	for slot, v := range rng.UniformVectors(20, 4) {
		insertVec(t, g, codec, uint32(slot), v)
	}

	g.Retire(20)
	assert.Equal(t, 21, g.Slots())
	assert.Equal(t, 20, g.Len())
	assert.False(t, g.Contains(20))
	assert.True(t, g.Deleted(20))

	// Retired slots never surface in results and vanish on compaction.
	res := searchVec(t, g, codec, []float32{0, 0, 0, 0}, 21, 64)
	for _, r := range res {
		assert.NotEqual(t, uint32(20), r.Slot)
	}

	remap, err := g.Compact(context.Background())
	require.NoError(t, err)
	assert.Equal(t, NoSlot, remap[20])
	assert.Equal(t, 20, g.Slots())
}

func TestCompactKeepsCapacityCeiling(t *testing.T) {
	codec, err := quantize.NewCodec(quantize.KindF32, 4, 0)
	require.NoError(t, err)
	dist, err := quantize.NewDistance(distance.MetricL2, quantize.KindF32, 4, 0)
	require.NoError(t, err)
	codes, err := vectorstore.NewArena(codec.CodeSize(), 4, 4)
	require.NoError(t, err)

	seed := int64(13)
	g, err := New(func(o *Options) {
		o.Codes = codes
		o.Distance = DistanceFunc(dist)
		o.RandomSeed = &seed
	})
	require.NoError(t, err)

	rng := testutil.NewRNG(13)
	for slot, v := range rng.UniformVectors(4, 4) {
		insertVec(t, g, codec, uint32(slot), v)
	}

	_, err = g.Delete(0)
	require.NoError(t, err)
	_, err = g.Delete(1)
	require.NoError(t, err)
	_, err = g.Compact(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, g.Codes().MaxSlots())

	code := make([]byte, codec.CodeSize())
	codec.Encode([]float32{1, 1, 1, 1}, code)
	require.NoError(t, g.Insert(context.Background(), 2, code))
	require.NoError(t, g.Insert(context.Background(), 3, code))
	assert.ErrorIs(t, g.Insert(context.Background(), 4, code), vectorstore.ErrCapacityExceeded)
}

func TestEntryPointTracksTopLayer(t *testing.T) {
	g, codec := newTestGraph(t, 4)

	rng := testutil.NewRNG(9)
	for slot, v := range rng.UniformVectors(300, 4) {
		insertVec(t, g, codec, uint32(slot), v)
	}

	top := -1
	for slot := 0; slot < 300; slot++ {
		if l := g.Level(uint32(slot)); l > top {
			top = l
		}
	}
	assert.Equal(t, top, g.MaxLayer())
	assert.Equal(t, top, g.Level(g.EntryPoint()))
}

func TestSearchDeterministicOrder(t *testing.T) {
	g, codec := newTestGraph(t, 2)

	// Two points equidistant from the query must come back slot-ascending.
	insertVec(t, g, codec, 0, []float32{1, 0})
	insertVec(t, g, codec, 1, []float32{-1, 0})
	insertVec(t, g, codec, 2, []float32{0, 3})

	res := searchVec(t, g, codec, []float32{0, 0}, 3, 0)
	require.Len(t, res, 3)
	assert.Equal(t, uint32(0), res[0].Slot)
	assert.Equal(t, uint32(1), res[1].Slot)
	assert.Equal(t, uint32(2), res[2].Slot)
}

func TestRecall(t *testing.T) {
	const (
		n   = 1000
		dim = 32
		k   = 10
	)

	g, codec := newTestGraph(t, dim)
	rng := testutil.NewRNG(7)
	vectors := rng.UnitVectors(n, dim)

	for i, v := range vectors {
		insertVec(t, g, codec, uint32(i), v)
	}
	require.Equal(t, n, g.Len())

	var total float64
	const queries = 50
	for q := 0; q < queries; q++ {
		query := rng.UnitVector(dim)
		truth := testutil.BruteForceSearch(vectors, query, k)

		res := searchVec(t, g, codec, query, k, 100)
		approx := make([]testutil.SearchResult, len(res))
		for i, r := range res {
			approx[i] = testutil.SearchResult{Key: uint64(r.Slot), Distance: r.Distance}
		}
		total += testutil.ComputeRecall(truth, approx)
	}

	recall := total / queries
	assert.GreaterOrEqual(t, recall, 0.9, "recall@%d was %f", k, recall)
}

func TestBruteSearchMatchesGroundTruth(t *testing.T) {
	const (
		n   = 200
		dim = 16
		k   = 5
	)

	g, codec := newTestGraph(t, dim)
	rng := testutil.NewRNG(11)
	vectors := rng.UnitVectors(n, dim)
	for i, v := range vectors {
		insertVec(t, g, codec, uint32(i), v)
	}

	query := rng.UnitVector(dim)
	truth := testutil.BruteForceSearch(vectors, query, k)

	code := make([]byte, codec.CodeSize())
	codec.Encode(query, code)
	res, err := g.BruteSearch(context.Background(), code, k)
	require.NoError(t, err)
	require.Len(t, res, k)

	for i := range truth {
		assert.Equal(t, truth[i].Key, uint64(res[i].Slot))
		assert.InDelta(t, truth[i].Distance, res[i].Distance, 1e-5)
	}
}

func TestDelete(t *testing.T) {
	g, codec := newTestGraph(t, 2)

	insertVec(t, g, codec, 0, []float32{0, 0})
	insertVec(t, g, codec, 1, []float32{1, 0})
	insertVec(t, g, codec, 2, []float32{2, 0})

	deleted, err := g.Delete(1)
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Equal(t, 2, g.Len())
	assert.False(t, g.Contains(1))

	deleted, err = g.Delete(1)
	require.NoError(t, err)
	assert.False(t, deleted)

	res := searchVec(t, g, codec, []float32{1, 0}, 3, 0)
	require.Len(t, res, 2)
	for _, r := range res {
		assert.NotEqual(t, uint32(1), r.Slot)
	}
}

func TestDeleteUnknownSlot(t *testing.T) {
	g, codec := newTestGraph(t, 2)
	insertVec(t, g, codec, 0, []float32{0, 0})

	deleted, err := g.Delete(99)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestDeletedEntryPointStillRoutes(t *testing.T) {
	const (
		n   = 300
		dim = 8
	)

	g, codec := newTestGraph(t, dim)
	rng := testutil.NewRNG(3)
	vectors := rng.UnitVectors(n, dim)
	for i, v := range vectors {
		insertVec(t, g, codec, uint32(i), v)
	}

	ep := g.EntryPoint()
	_, err := g.Delete(ep)
	require.NoError(t, err)

	res := searchVec(t, g, codec, vectors[0], 10, 50)
	require.NotEmpty(t, res)
	for _, r := range res {
		assert.NotEqual(t, ep, r.Slot)
	}
}

func TestCompact(t *testing.T) {
	const (
		n   = 200
		dim = 8
	)

	g, codec := newTestGraph(t, dim)
	rng := testutil.NewRNG(5)
	vectors := rng.UnitVectors(n, dim)
	for i, v := range vectors {
		insertVec(t, g, codec, uint32(i), v)
	}

	for slot := uint32(0); slot < n; slot += 4 {
		_, err := g.Delete(slot)
		require.NoError(t, err)
	}
	require.Equal(t, n-n/4, g.Len())

	remap, err := g.Compact(context.Background())
	require.NoError(t, err)
	require.Len(t, remap, n)

	next := uint32(0)
	for old, mapped := range remap {
		if old%4 == 0 {
			assert.Equal(t, NoSlot, mapped, "slot %d", old)
			continue
		}
		assert.Equal(t, next, mapped, "slot %d", old)
		next++
	}

	assert.Equal(t, n-n/4, g.Len())
	assert.Equal(t, g.Len(), g.Slots())
	assert.True(t, g.Tombstones().IsEmpty())

	// The graph stays searchable after renumbering.
	res := searchVec(t, g, codec, vectors[1], 10, 50)
	require.Len(t, res, 10)
	found := false
	for _, r := range res {
		if r.Slot == remap[1] {
			found = true
		}
	}
	assert.True(t, found)
}

func TestCompactEmptiesGraph(t *testing.T) {
	g, codec := newTestGraph(t, 2)
	insertVec(t, g, codec, 0, []float32{1, 0})
	_, err := g.Delete(0)
	require.NoError(t, err)

	remap, err := g.Compact(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint32{NoSlot}, remap)
	assert.Equal(t, 0, g.Len())
	assert.Equal(t, -1, g.MaxLayer())

	res := searchVec(t, g, codec, []float32{1, 0}, 1, 0)
	assert.Empty(t, res)
}

func TestSearchCanceledContext(t *testing.T) {
	const (
		n   = 100
		dim = 8
	)

	g, codec := newTestGraph(t, dim)
	rng := testutil.NewRNG(9)
	for i, v := range rng.UnitVectors(n, dim) {
		insertVec(t, g, codec, uint32(i), v)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	code := make([]byte, codec.CodeSize())
	codec.Encode(rng.UnitVector(dim), code)
	res, err := g.Search(ctx, code, 10, 50)
	require.NoError(t, err)
	// Partial results are allowed; the call must not fail.
	assert.LessOrEqual(t, len(res), 10)
}

func TestConcurrentInserts(t *testing.T) {
	const (
		n       = 2000
		dim     = 16
		writers = 8
	)

	g, codec := newTestGraph(t, dim)
	rng := testutil.NewRNG(13)
	vectors := rng.UnitVectors(n, dim)

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			code := make([]byte, codec.CodeSize())
			for i := w; i < n; i += writers {
				codec.Encode(vectors[i], code)
				assert.NoError(t, g.Insert(context.Background(), uint32(i), code))
			}
		}(w)
	}
	wg.Wait()

	require.Equal(t, n, g.Len())
	for i := 0; i < n; i++ {
		assert.True(t, g.Contains(uint32(i)), "slot %d", i)
	}

	// Every vector should find itself.
	hits := 0
	for i := 0; i < n; i += 37 {
		res := searchVec(t, g, codec, vectors[i], 1, 100)
		require.Len(t, res, 1)
		if res[0].Slot == uint32(i) {
			hits++
		}
	}
	assert.Greater(t, hits, 0)
}

func TestStats(t *testing.T) {
	const (
		n   = 500
		dim = 8
	)

	g, codec := newTestGraph(t, dim)
	rng := testutil.NewRNG(21)
	for i, v := range rng.UnitVectors(n, dim) {
		insertVec(t, g, codec, uint32(i), v)
	}
	_, err := g.Delete(0)
	require.NoError(t, err)

	s := g.Stats()
	assert.Equal(t, n-1, s.Nodes)
	assert.Equal(t, 1, s.Deleted)
	assert.GreaterOrEqual(t, s.MaxLayer, 0)
	require.Len(t, s.Layers, s.MaxLayer+1)

	total := 0
	for _, l := range s.Layers {
		total += l.Nodes
	}
	assert.Equal(t, n-1, total)
}

func TestInvalidOptions(t *testing.T) {
	_, err := New()
	assert.Error(t, err)

	codes, err := vectorstore.NewArena(8, 4, 0)
	require.NoError(t, err)
	_, err = New(func(o *Options) { o.Codes = codes })
	assert.Error(t, err)
}

func TestInvalidK(t *testing.T) {
	g, codec := newTestGraph(t, 2)
	insertVec(t, g, codec, 0, []float32{1, 0})

	code := make([]byte, codec.CodeSize())
	codec.Encode([]float32{1, 0}, code)
	_, err := g.Search(context.Background(), code, 0, 0)
	assert.Error(t, err)
}
