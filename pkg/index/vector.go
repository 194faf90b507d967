package index

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

// ErrDimensionMismatch is returned when a vector does not match the index dimension.
var ErrDimensionMismatch = errors.New("index: vector dimension mismatch")

// Vectors is a brute-force cosine similarity index partitioned by scope.
// The dimension is fixed by the first vector added to a scope unless it was
// set at construction.
type Vectors struct {
	mu        sync.RWMutex
	dimension int
	dims      map[string]int
	vectors   map[string]map[string][]float32
}

// NewVectors creates an index. dimension 0 lets each scope adopt the
// dimension of its first vector.
func NewVectors(dimension int) *Vectors {
	return &Vectors{
		dimension: dimension,
		dims:      make(map[string]int),
		vectors:   make(map[string]map[string][]float32),
	}
}

func (v *Vectors) dimLocked(scope string) int {
	if v.dimension > 0 {
		return v.dimension
	}
	return v.dims[scope]
}

// Add inserts or replaces the vector for id in scope.
func (v *Vectors) Add(scope, id string, vector []float32) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	dim := v.dimLocked(scope)
	if dim == 0 {
		dim = len(vector)
		v.dims[scope] = dim
	}
	if len(vector) != dim {
		return fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, dim, len(vector))
	}

	m := v.vectors[scope]
	if m == nil {
		m = make(map[string][]float32)
		v.vectors[scope] = m
	}
	m[id] = append([]float32(nil), vector...)
	return nil
}

// Remove deletes the vector for id in scope.
func (v *Vectors) Remove(scope, id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.vectors[scope], id)
}

// Search returns the topK most similar vectors in scope. topK <= 0 returns all.
func (v *Vectors) Search(scope string, query []float32, topK int) ([]Hit, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	m := v.vectors[scope]
	if len(m) == 0 {
		return nil, nil
	}
	if dim := v.dimLocked(scope); len(query) != dim {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, dim, len(query))
	}

	hits := make([]Hit, 0, len(m))
	for id, vec := range m {
		hits = append(hits, Hit{ID: id, Score: Cosine(query, vec)})
	}
	sortHits(hits)

	if topK > 0 && topK < len(hits) {
		hits = hits[:topK]
	}
	return hits, nil
}

// Len returns the number of vectors in scope.
func (v *Vectors) Len(scope string) int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.vectors[scope])
}

// Cosine returns the cosine similarity of a and b, or 0 when either is
// empty or the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}
