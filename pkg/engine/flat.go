package engine

import (
	"bytes"
	"container/heap"
	"encoding/gob"
	"fmt"
	"sync"
)

// FlatIndex is a brute-force, exact index: the terminal stage for the
// "Flat" factory token. Top-k selection uses a max-heap over the dense
// uint64 ids the Bimap hands out.
type FlatIndex struct {
	mu      sync.RWMutex
	dim     int
	vectors map[uint64][]float32
}

var _ Adapter = (*FlatIndex)(nil)

// NewFlatIndex creates a brute-force index for the given dimension.
func NewFlatIndex(dim int) *FlatIndex {
	return &FlatIndex{dim: dim, vectors: make(map[uint64][]float32)}
}

func (f *FlatIndex) Dimension() int        { return f.dim }
func (f *FlatIndex) IsTrained() bool       { return true }
func (f *FlatIndex) SupportsRemoval() bool { return true }
func (f *FlatIndex) SetNProbe(int)         {} // no IVF stage: silent no-op

// Train is a no-op: Flat never requires training.
func (f *FlatIndex) Train(vectors [][]float32) error { return nil }

func (f *FlatIndex) AddWithIDs(vectors [][]float32, idxs []uint64) error {
	if len(vectors) != len(idxs) {
		return fmt.Errorf("engine: vectors/idxs length mismatch: %d != %d", len(vectors), len(idxs))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, v := range vectors {
		if len(v) != f.dim {
			return ErrDimensionMismatch
		}
		if _, exists := f.vectors[idxs[i]]; exists {
			return ErrIDCollision
		}
	}
	for i, v := range vectors {
		f.vectors[idxs[i]] = cloneVec(v)
	}
	return nil
}

func (f *FlatIndex) Search(queries [][]float32, k int) (*SearchResult, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	res := &SearchResult{Idxs: make([][]uint64, len(queries)), Distances: make([][]float32, len(queries))}
	for qi, q := range queries {
		idxs, dists := f.searchOne(q, k)
		res.Idxs[qi] = idxs
		res.Distances[qi] = dists
	}
	return res, nil
}

func (f *FlatIndex) searchOne(query []float32, k int) ([]uint64, []float32) {
	h := &maxHeap{}
	heap.Init(h)
	for idx, v := range f.vectors {
		d := l2Sq(query, v)
		if h.Len() < k {
			heap.Push(h, heapItem{idx: idx, dist: d})
		} else if d < (*h)[0].dist {
			heap.Pop(h)
			heap.Push(h, heapItem{idx: idx, dist: d})
		}
	}
	items := make([]heapItem, h.Len())
	for i := len(items) - 1; i >= 0; i-- {
		items[i] = heap.Pop(h).(heapItem)
	}
	idxs := make([]uint64, len(items))
	dists := make([]float32, len(items))
	for i, it := range items {
		idxs[i] = it.idx
		dists[i] = it.dist
	}
	return idxs, dists
}

func (f *FlatIndex) Remove(idxs []uint64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	removed := 0
	for _, idx := range idxs {
		if _, ok := f.vectors[idx]; ok {
			delete(f.vectors, idx)
			removed++
		}
	}
	return removed, nil
}

func (f *FlatIndex) Live() []uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]uint64, 0, len(f.vectors))
	for idx := range f.vectors {
		out = append(out, idx)
	}
	return out
}

func (f *FlatIndex) Serialize() ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	buf := new(bytes.Buffer)
	enc := gob.NewEncoder(buf)
	if err := enc.Encode(f.dim); err != nil {
		return nil, err
	}
	if err := enc.Encode(f.vectors); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (f *FlatIndex) load(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	dec := gob.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&f.dim); err != nil {
		return err
	}
	return dec.Decode(&f.vectors)
}

// heapItem/maxHeap implement a bounded top-k max-heap shared by FlatIndex
// and the flat fallback scan inside IVFIndex.
type heapItem struct {
	idx  uint64
	dist float32
}

type maxHeap []heapItem

func (h maxHeap) Len() int            { return len(h) }
func (h maxHeap) Less(i, j int) bool  { return h[i].dist > h[j].dist }
func (h maxHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x interface{}) { *h = append(*h, x.(heapItem)) }
func (h *maxHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
