// Package testutil provides deterministic data generators and ground truth
// helpers shared by the test suites.
package testutil

import (
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/proxigo/proxigo/internal/simd"
)

// SearchResult is a (key, distance) pair used for recall comparisons.
type SearchResult struct {
	Key      uint64
	Distance float32
}

// RNG is a seeded, thread-safe random number generator.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates an RNG with the given seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Reset rewinds the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Seed(r.seed)
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 { return r.seed }

// Intn returns a non-negative pseudo-random number in [0, n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// Float32 returns a pseudo-random number in [0.0, 1.0).
func (r *RNG) Float32() float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Float32()
}

// UniformVectors generates num vectors with components in [-1, 1), backed by
// a single allocation.
func (r *RNG) UniformVectors(num, dim int) [][]float32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	data := make([]float32, num*dim)
	vectors := make([][]float32, num)
	for i := range vectors {
		vec := data[i*dim : (i+1)*dim]
		for j := range vec {
			vec[j] = r.rand.Float32()*2 - 1
		}
		vectors[i] = vec
	}
	return vectors
}

// UnitVectors generates num L2-normalized vectors drawn from a Gaussian, i.e.
// uniformly distributed on the hypersphere.
func (r *RNG) UnitVectors(num, dim int) [][]float32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	data := make([]float32, num*dim)
	vectors := make([][]float32, num)
	for i := range vectors {
		vec := data[i*dim : (i+1)*dim]
		var norm float64
		for j := range vec {
			v := r.rand.NormFloat64()
			vec[j] = float32(v)
			norm += v * v
		}
		if norm == 0 {
			norm = 1
		}
		simd.ScaleInPlace(vec, float32(1.0/math.Sqrt(norm)))
		vectors[i] = vec
	}
	return vectors
}

// UnitVector generates a single L2-normalized random vector.
func (r *RNG) UnitVector(dim int) []float32 {
	return r.UnitVectors(1, dim)[0]
}

// BruteForceSearch computes the exact k nearest neighbors of query under
// squared L2, for use as ground truth.
func BruteForceSearch(vectors [][]float32, query []float32, k int) []SearchResult {
	results := make([]SearchResult, len(vectors))
	for i, v := range vectors {
		results[i] = SearchResult{Key: uint64(i), Distance: simd.SquaredL2(query, v)}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].Key < results[j].Key
	})

	if len(results) > k {
		results = results[:k]
	}
	return results
}

// ComputeRecall compares approximate results against ground truth and returns
// the fraction of true neighbors found.
func ComputeRecall(groundTruth, approximate []SearchResult) float64 {
	if len(groundTruth) == 0 {
		if len(approximate) == 0 {
			return 1.0
		}
		return 0.0
	}

	k := min(len(approximate), len(groundTruth))
	if k == 0 {
		return 0.0
	}

	truthSet := make(map[uint64]struct{}, k)
	for i := 0; i < k; i++ {
		truthSet[groundTruth[i].Key] = struct{}{}
	}

	hits := 0
	for _, r := range approximate {
		if _, ok := truthSet[r.Key]; ok {
			hits++
		}
	}
	return float64(hits) / float64(k)
}
