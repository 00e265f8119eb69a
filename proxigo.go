// Package proxigo is an embeddable approximate nearest neighbor search
// engine. Vectors are stored quantized (f32, f16, i8 or b1), indexed in a
// hierarchical navigable small world graph and addressed by caller-chosen
// uint64 keys. Indexes serialize to a single snapshot file that can be loaded
// back or memory-mapped read-only.
//
// Create an index, add vectors and search:
//
//	ix, err := proxigo.New(128,
//	    proxigo.WithMetric(distance.MetricCosine),
//	    proxigo.WithKind(quantize.KindF16),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	_ = ix.Add(ctx, 42, embedding)
//	matches, _ := ix.Search(ctx, query, 10)
//
// All operations are safe for concurrent use. Search runs lock-free against
// the graph; Add may run concurrently with other Adds and with searches.
package proxigo

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/proxigo/proxigo/distance"
	"github.com/proxigo/proxigo/hnsw"
	"github.com/proxigo/proxigo/quantize"
	"github.com/proxigo/proxigo/vectorstore"
)

// Match is a single search hit: the vector's key and its distance to the
// query under the index metric.
type Match struct {
	Key      uint64
	Distance float32
}

// Index is a keyed approximate nearest neighbor index.
type Index struct {
	dim       int
	normalize bool
	readonly  bool

	codec *quantize.Codec
	graph *hnsw.Graph

	// stateMu is held shared by mutating operations and exclusively by
	// whole-index operations (Compact, snapshot writes), which therefore
	// never observe a half-applied insert.
	stateMu sync.RWMutex

	// mapMu guards the key translation tables.
	mapMu sync.RWMutex
	keys  map[uint64]uint32 // key -> slot, live entries only
	slots []uint64          // slot -> key, includes removed slots

	closer interface{ Close() error }

	opts options
}

// New creates an empty index for vectors of the given dimension.
func New(dim int, optFns ...Option) (*Index, error) {
	if dim <= 0 {
		return nil, &ErrInvalidDimension{Dimension: dim}
	}

	opts := applyOptions(optFns)

	dist, err := quantize.NewDistance(opts.metric, opts.kind, dim, opts.rangeMax)
	if err != nil {
		return nil, err
	}
	codec, err := quantize.NewCodec(opts.kind, dim, opts.rangeMax)
	if err != nil {
		return nil, err
	}
	codes, err := vectorstore.NewArena(codec.CodeSize(), opts.capacity, opts.maxCapacity)
	if err != nil {
		return nil, err
	}

	g, err := hnsw.New(append(opts.graphOptions(), func(o *hnsw.Options) {
		o.Codes = codes
		o.Distance = hnsw.DistanceFunc(dist)
	})...)
	if err != nil {
		return nil, err
	}

	return &Index{
		dim:       dim,
		normalize: opts.metric == distance.MetricCosine,
		codec:     codec,
		graph:     g,
		keys:      make(map[uint64]uint32, opts.capacity),
		slots:     make([]uint64, 0, opts.capacity),
		opts:      opts,
	}, nil
}

// Dimension returns the configured vector dimension.
func (ix *Index) Dimension() int { return ix.dim }

// Metric returns the configured distance metric.
func (ix *Index) Metric() distance.Metric { return ix.opts.metric }

// Kind returns the configured storage encoding.
func (ix *Index) Kind() quantize.Kind { return ix.opts.kind }

// Len returns the number of live vectors.
func (ix *Index) Len() int { return ix.graph.Len() }

// Capacity returns the number of vectors current storage can hold without
// reallocation.
func (ix *Index) Capacity() int { return ix.graph.Codes().Capacity() }

// Contains reports whether key is present and live.
func (ix *Index) Contains(key uint64) bool {
	ix.mapMu.RLock()
	defer ix.mapMu.RUnlock()
	_, ok := ix.keys[key]
	return ok
}

// Reserve grows internal storage to hold at least n vectors.
func (ix *Index) Reserve(n int) error {
	if ix.readonly {
		return ErrReadOnly
	}
	if ix.opts.maxCapacity > 0 && n > ix.opts.maxCapacity {
		return fmt.Errorf("%d vectors requested, ceiling is %d: %w", n, ix.opts.maxCapacity, ErrCapacityExceeded)
	}
	return ix.graph.Codes().Reserve(n)
}

// encode validates, optionally normalizes and quantizes a vector. The
// returned code is freshly allocated.
func (ix *Index) encode(key uint64, vector []float32) ([]byte, error) {
	if len(vector) != ix.dim {
		return nil, &ErrDimensionMismatch{Expected: ix.dim, Actual: len(vector)}
	}
	if ix.normalize {
		normalized, ok := distance.NormalizeL2Copy(vector)
		if !ok {
			return nil, &ErrZeroVector{Key: key}
		}
		vector = normalized
	}
	code := make([]byte, ix.codec.CodeSize())
	ix.codec.Encode(vector, code)
	return code, nil
}

// encodeQuery quantizes a query vector. A zero query under the cosine metric
// has no direction to compare against and yields a nil code: such a query
// matches nothing.
func (ix *Index) encodeQuery(query []float32) ([]byte, error) {
	if len(query) != ix.dim {
		return nil, &ErrDimensionMismatch{Expected: ix.dim, Actual: len(query)}
	}
	if ix.normalize {
		normalized, ok := distance.NormalizeL2Copy(query)
		if !ok {
			return nil, nil
		}
		query = normalized
	}
	code := make([]byte, ix.codec.CodeSize())
	ix.codec.Encode(query, code)
	return code, nil
}

// Add inserts a vector under key. Adding an existing key fails with
// ErrDuplicateKey; the vector must be removed first. Validation happens
// before any state changes, so a failed Add leaves the index untouched.
//
// The context is honored until graph linking begins; after that the insert
// runs to completion.
func (ix *Index) Add(ctx context.Context, key uint64, vector []float32) error {
	err := ix.add(ctx, key, vector)
	ix.opts.logger.logAdd(ctx, key, err)
	return err
}

func (ix *Index) add(ctx context.Context, key uint64, vector []float32) error {
	if ix.readonly {
		return ErrReadOnly
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	code, err := ix.encode(key, vector)
	if err != nil {
		return err
	}

	ix.stateMu.RLock()
	defer ix.stateMu.RUnlock()

	ix.mapMu.Lock()
	if _, exists := ix.keys[key]; exists {
		ix.mapMu.Unlock()
		return fmt.Errorf("key %d: %w", key, ErrDuplicateKey)
	}
	if ix.opts.maxCapacity > 0 && len(ix.slots) >= ix.opts.maxCapacity {
		ix.mapMu.Unlock()
		return fmt.Errorf("index holds %d vectors: %w", len(ix.slots), ErrCapacityExceeded)
	}
	slot := uint32(len(ix.slots))
	ix.slots = append(ix.slots, key)
	ix.keys[key] = slot
	ix.mapMu.Unlock()

	// The slot is committed; from here the insert must not be interrupted
	// or the snapshot layout would hold a key without a node.
	if err := ix.graph.Insert(context.Background(), slot, code); err != nil {
		ix.rollback(key, slot)
		return err
	}
	return nil
}

// rollback undoes a committed slot whose graph insert failed. The slot number
// may already be surrounded by later inserts, so it is retired in place
// rather than reused; Compact reclaims it.
func (ix *Index) rollback(key uint64, slot uint32) {
	ix.graph.Retire(slot)
	ix.mapMu.Lock()
	delete(ix.keys, key)
	ix.mapMu.Unlock()
}

// BatchAdd inserts several vectors, quantizing in parallel. Keys and vectors
// are matched by position. The first error stops the batch; vectors already
// inserted stay in the index.
func (ix *Index) BatchAdd(ctx context.Context, keys []uint64, vectors [][]float32) error {
	if len(keys) != len(vectors) {
		return fmt.Errorf("proxigo: %d keys for %d vectors", len(keys), len(vectors))
	}
	if ix.readonly {
		return ErrReadOnly
	}

	codes := make([][]byte, len(vectors))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(runtime.GOMAXPROCS(0))
	for i := range vectors {
		i := i
		group.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			code, err := ix.encode(keys[i], vectors[i])
			if err != nil {
				return err
			}
			codes[i] = code
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	group, gctx = errgroup.WithContext(ctx)
	group.SetLimit(runtime.GOMAXPROCS(0))
	for i := range codes {
		i := i
		group.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return ix.addEncoded(keys[i], codes[i])
		})
	}
	return group.Wait()
}

// addEncoded is the insert path for pre-validated, pre-encoded vectors.
func (ix *Index) addEncoded(key uint64, code []byte) error {
	ix.stateMu.RLock()
	defer ix.stateMu.RUnlock()

	ix.mapMu.Lock()
	if _, exists := ix.keys[key]; exists {
		ix.mapMu.Unlock()
		return fmt.Errorf("key %d: %w", key, ErrDuplicateKey)
	}
	if ix.opts.maxCapacity > 0 && len(ix.slots) >= ix.opts.maxCapacity {
		ix.mapMu.Unlock()
		return fmt.Errorf("index holds %d vectors: %w", len(ix.slots), ErrCapacityExceeded)
	}
	slot := uint32(len(ix.slots))
	ix.slots = append(ix.slots, key)
	ix.keys[key] = slot
	ix.mapMu.Unlock()

	if err := ix.graph.Insert(context.Background(), slot, code); err != nil {
		ix.rollback(key, slot)
		return err
	}
	return nil
}

// Remove deletes the vector stored under key. Removing an absent or already
// removed key returns ErrNotFound. The vector is tombstoned; Compact reclaims
// the space.
func (ix *Index) Remove(ctx context.Context, key uint64) error {
	if ix.readonly {
		return ErrReadOnly
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ix.stateMu.RLock()
	defer ix.stateMu.RUnlock()

	ix.mapMu.Lock()
	defer ix.mapMu.Unlock()

	slot, ok := ix.keys[key]
	if !ok {
		return fmt.Errorf("key %d: %w", key, ErrNotFound)
	}
	deleted, err := ix.graph.Delete(slot)
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("key %d: %w", key, ErrNotFound)
	}
	delete(ix.keys, key)
	return nil
}

// Search returns up to k keys closest to query, ordered by ascending
// distance with ties broken by insertion order. A canceled context yields the
// results collected so far instead of an error. Under the cosine metric a
// zero query matches nothing.
func (ix *Index) Search(ctx context.Context, query []float32, k int) ([]Match, error) {
	return ix.SearchWithEF(ctx, query, k, 0)
}

// SearchWithEF is Search with a per-query beam width override. ef below k is
// raised to k; zero uses the index default.
func (ix *Index) SearchWithEF(ctx context.Context, query []float32, k, ef int) ([]Match, error) {
	matches, err := ix.search(ctx, query, k, ef)
	ix.opts.logger.logSearch(ctx, k, len(matches), err)
	return matches, err
}

func (ix *Index) search(ctx context.Context, query []float32, k, ef int) ([]Match, error) {
	if k <= 0 {
		return nil, ErrInvalidK
	}
	code, err := ix.encodeQuery(query)
	if err != nil {
		return nil, err
	}
	if code == nil {
		return nil, nil
	}
	if ef <= 0 {
		ef = ix.opts.efSearch
	}

	// Held across slot translation so Compact cannot renumber slots between
	// the graph search and the key lookup.
	ix.stateMu.RLock()
	defer ix.stateMu.RUnlock()

	results, err := ix.graph.Search(ctx, code, k, ef)
	if err != nil {
		return nil, err
	}
	return ix.toMatches(results), nil
}

// BruteSearch is the exact counterpart of Search: it scans every live vector
// instead of walking the graph. Useful for small indexes and for measuring
// recall.
func (ix *Index) BruteSearch(ctx context.Context, query []float32, k int) ([]Match, error) {
	if k <= 0 {
		return nil, ErrInvalidK
	}
	code, err := ix.encodeQuery(query)
	if err != nil {
		return nil, err
	}
	if code == nil {
		return nil, nil
	}

	ix.stateMu.RLock()
	defer ix.stateMu.RUnlock()

	results, err := ix.graph.BruteSearch(ctx, code, k)
	if err != nil {
		return nil, err
	}
	return ix.toMatches(results), nil
}

func (ix *Index) toMatches(results []hnsw.Result) []Match {
	if len(results) == 0 {
		return nil
	}

	ix.mapMu.RLock()
	defer ix.mapMu.RUnlock()

	matches := make([]Match, len(results))
	for i, r := range results {
		matches[i] = Match{Key: ix.slots[r.Slot], Distance: r.Distance}
	}
	return matches
}

// Compact rebuilds the index without tombstoned vectors, reclaiming their
// storage and graph links. It takes the index exclusively; concurrent
// operations wait.
func (ix *Index) Compact(ctx context.Context) error {
	if ix.readonly {
		return ErrReadOnly
	}

	ix.stateMu.Lock()
	defer ix.stateMu.Unlock()

	remap, err := ix.graph.Compact(ctx)
	if err != nil {
		return err
	}

	ix.mapMu.Lock()
	defer ix.mapMu.Unlock()

	slots := make([]uint64, ix.graph.Slots())
	keys := make(map[uint64]uint32, len(slots))
	for old, mapped := range remap {
		if mapped == hnsw.NoSlot {
			continue
		}
		key := ix.slots[old]
		slots[mapped] = key
		keys[key] = mapped
	}
	ix.slots = slots
	ix.keys = keys
	return nil
}

// Stats returns a point-in-time summary of the underlying graph.
func (ix *Index) Stats() hnsw.Stats {
	return ix.graph.Stats()
}

// Close releases resources held by a memory-mapped view. It is a no-op for
// regular indexes.
func (ix *Index) Close() error {
	if ix.closer != nil {
		err := ix.closer.Close()
		ix.closer = nil
		return err
	}
	return nil
}
