// Package index holds the vector index generations served to queries and
// persists them on disk.
package index

import (
	"container/heap"
	"fmt"
)

// Hit is one nearest-neighbour result.
type Hit struct {
	Row   int
	Score float64
}

// FlatIndex is an exact inner-product index over row-major float32 vectors.
// Vectors are expected to be unit length, so the score is cosine similarity.
type FlatIndex struct {
	dim  int
	data []float32
}

// NewFlatIndex creates an empty index for vectors of the given dimension.
func NewFlatIndex(dim int) *FlatIndex {
	return &FlatIndex{dim: dim}
}

func (f *FlatIndex) Dimension() int { return f.dim }

// Len returns the number of stored vectors.
func (f *FlatIndex) Len() int {
	if f.dim == 0 {
		return 0
	}
	return len(f.data) / f.dim
}

// Add appends v as the next row.
func (f *FlatIndex) Add(v []float32) error {
	if len(v) != f.dim {
		return fmt.Errorf("vector dimension %d, index dimension %d", len(v), f.dim)
	}
	f.data = append(f.data, v...)
	return nil
}

// Vector returns the stored vector of row. The slice aliases index memory and
// must not be modified.
func (f *FlatIndex) Vector(row int) []float32 {
	return f.data[row*f.dim : (row+1)*f.dim : (row+1)*f.dim]
}

// Search returns the k rows with the highest inner product with q, best
// first. Equal scores keep the lower row first.
func (f *FlatIndex) Search(q []float32, k int) []Hit {
	n := f.Len()
	if k <= 0 || n == 0 || len(q) != f.dim {
		return nil
	}
	k = min(k, n)

	h := make(hitHeap, 0, k)
	for row := 0; row < n; row++ {
		vec := f.data[row*f.dim : (row+1)*f.dim]
		var score float64
		for i, x := range vec {
			score += float64(x) * float64(q[i])
		}
		hit := Hit{Row: row, Score: score}
		if len(h) < k {
			heap.Push(&h, hit)
			continue
		}
		if worse(h[0], hit) {
			h[0] = hit
			heap.Fix(&h, 0)
		}
	}

	out := make([]Hit, len(h))
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&h).(Hit)
	}
	return out
}

// worse reports whether a ranks below b.
func worse(a, b Hit) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	return a.Row > b.Row
}

// hitHeap is a min-heap on rank: the root is the weakest kept hit.
type hitHeap []Hit

func (h hitHeap) Len() int           { return len(h) }
func (h hitHeap) Less(i, j int) bool { return worse(h[i], h[j]) }
func (h hitHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *hitHeap) Push(x any)        { *h = append(*h, x.(Hit)) }
func (h *hitHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
