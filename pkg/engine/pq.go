package engine

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math"
	"math/rand"
	"sync"
)

// pqCentroidsPerSubspace is FAISS's conventional 8-bit code: 256 centroids
// per subspace, one byte per subspace in the final code.
const pqCentroidsPerSubspace = 256

// productQuantizer implements quantCodec by splitting a vector into M equal
// subspaces and vector-quantizing each one independently, grounded on the
// teacher's pkg/quantization/product_quantization.go (Codebooks per
// subspace, trained via per-subspace k-means).
type productQuantizer struct {
	m         int // number of subspaces / bytes per code
	subDim    int
	dim       int
	codebooks [][][]float32 // codebooks[subspace][centroid] -> []float32 of length subDim
	isTrained bool
	rng       *rand.Rand
}

var _ quantCodec = (*productQuantizer)(nil)

func newProductQuantizer(dim, m int, seed int64) (*productQuantizer, error) {
	if m <= 0 {
		return nil, fmt.Errorf("engine: PQ subspace count must be > 0, got %d", m)
	}
	if dim%m != 0 {
		return nil, fmt.Errorf("engine: PQ dimension %d not divisible by subspace count %d", dim, m)
	}
	return &productQuantizer{
		m:      m,
		subDim: dim / m,
		dim:    dim,
		rng:    rand.New(rand.NewSource(seed)),
	}, nil
}

func (q *productQuantizer) codeLen() int { return q.m }
func (q *productQuantizer) trained() bool { return q.isTrained }

func (q *productQuantizer) train(vectors [][]float32) error {
	if len(vectors) == 0 {
		return fmt.Errorf("engine: PQ train requires at least one vector")
	}
	k := pqCentroidsPerSubspace
	if k > len(vectors) {
		k = len(vectors)
	}
	codebooks := make([][][]float32, q.m)
	for s := 0; s < q.m; s++ {
		sub := make([][]float32, len(vectors))
		for i, v := range vectors {
			sub[i] = v[s*q.subDim : (s+1)*q.subDim]
		}
		codebooks[s] = kMeansPP(q.rng, sub, k, 25)
	}
	q.codebooks = codebooks
	q.isTrained = true
	return nil
}

func (q *productQuantizer) encode(v []float32) []byte {
	code := make([]byte, q.m)
	for s := 0; s < q.m; s++ {
		sub := v[s*q.subDim : (s+1)*q.subDim]
		best, bestDist := 0, float32(math.MaxFloat32)
		for c, centroid := range q.codebooks[s] {
			if d := l2Sq(sub, centroid); d < bestDist {
				bestDist, best = d, c
			}
		}
		code[s] = byte(best)
	}
	return code
}

func (q *productQuantizer) decode(code []byte) []float32 {
	out := make([]float32, q.dim)
	for s := 0; s < q.m; s++ {
		centroid := q.codebooks[s][int(code[s])]
		copy(out[s*q.subDim:(s+1)*q.subDim], centroid)
	}
	return out
}

// PQIndex is the terminal adapter for a standalone "PQ<nbytes>" factory
// token: every stored vector is compressed at Add time and reconstructed
// (approximately) for distance computation at Search time. It never
// supports in-place removal's counterpart problem (removal is fine here;
// HNSW is the one that can't remove), so SupportsRemoval is true.
type PQIndex struct {
	mu    sync.RWMutex
	dim   int
	quant *productQuantizer
	codes map[uint64][]byte
}

var _ Adapter = (*PQIndex)(nil)

// NewPQIndex builds a PQIndex for the given dimension, with nbytes
// subspaces (the byte count of PQ<nbytes>).
func NewPQIndex(dim, nbytes int, seed int64) (*PQIndex, error) {
	q, err := newProductQuantizer(dim, nbytes, seed)
	if err != nil {
		return nil, err
	}
	return &PQIndex{dim: dim, quant: q, codes: make(map[uint64][]byte)}, nil
}

func (p *PQIndex) Dimension() int        { return p.dim }
func (p *PQIndex) IsTrained() bool       { p.mu.RLock(); defer p.mu.RUnlock(); return p.quant.trained() }
func (p *PQIndex) SupportsRemoval() bool { return true }
func (p *PQIndex) SetNProbe(int)         {}

func (p *PQIndex) Train(vectors [][]float32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.quant.trained() {
		return nil
	}
	return p.quant.train(vectors)
}

func (p *PQIndex) AddWithIDs(vectors [][]float32, idxs []uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.quant.trained() {
		return ErrNotTrained
	}
	if len(vectors) != len(idxs) {
		return fmt.Errorf("engine: vectors/idxs length mismatch: %d != %d", len(vectors), len(idxs))
	}
	for i, v := range vectors {
		if len(v) != p.dim {
			return ErrDimensionMismatch
		}
		if _, exists := p.codes[idxs[i]]; exists {
			return ErrIDCollision
		}
	}
	for i, v := range vectors {
		p.codes[idxs[i]] = p.quant.encode(v)
	}
	return nil
}

func (p *PQIndex) Search(queries [][]float32, k int) (*SearchResult, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.quant.trained() {
		return nil, ErrNotTrained
	}

	res := &SearchResult{Idxs: make([][]uint64, len(queries)), Distances: make([][]float32, len(queries))}
	for qi, q := range queries {
		h := &maxHeap{}
		for idx, code := range p.codes {
			d := l2Sq(q, p.quant.decode(code))
			if h.Len() < k {
				*h = append(*h, heapItem{idx: idx, dist: d})
				if h.Len() == k {
					fixMaxHeap(h)
				}
			} else if d < (*h)[0].dist {
				(*h)[0] = heapItem{idx: idx, dist: d}
				siftDownMaxHeap(h, 0)
			}
		}
		sortDescHeap(h)
		idxs := make([]uint64, len(*h))
		dists := make([]float32, len(*h))
		for i, it := range *h {
			idxs[i] = it.idx
			dists[i] = it.dist
		}
		res.Idxs[qi] = idxs
		res.Distances[qi] = dists
	}
	return res, nil
}

func (p *PQIndex) Remove(idxs []uint64) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	removed := 0
	for _, idx := range idxs {
		if _, ok := p.codes[idx]; ok {
			delete(p.codes, idx)
			removed++
		}
	}
	return removed, nil
}

func (p *PQIndex) Live() []uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]uint64, 0, len(p.codes))
	for idx := range p.codes {
		out = append(out, idx)
	}
	return out
}

func (p *PQIndex) Serialize() ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	buf := new(bytes.Buffer)
	enc := gob.NewEncoder(buf)
	if err := enc.Encode(p.dim); err != nil {
		return nil, err
	}
	if err := enc.Encode(p.quant.m); err != nil {
		return nil, err
	}
	if err := enc.Encode(p.quant.subDim); err != nil {
		return nil, err
	}
	if err := enc.Encode(p.quant.isTrained); err != nil {
		return nil, err
	}
	if err := enc.Encode(p.quant.codebooks); err != nil {
		return nil, err
	}
	if err := enc.Encode(p.codes); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (p *PQIndex) load(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	dec := gob.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&p.dim); err != nil {
		return err
	}
	if err := dec.Decode(&p.quant.m); err != nil {
		return err
	}
	if err := dec.Decode(&p.quant.subDim); err != nil {
		return err
	}
	if err := dec.Decode(&p.quant.isTrained); err != nil {
		return err
	}
	if err := dec.Decode(&p.quant.codebooks); err != nil {
		return err
	}
	return dec.Decode(&p.codes)
}

// fixMaxHeap/siftDownMaxHeap/sortDescHeap implement a manual binary max-heap
// without pulling in container/heap's interface overhead for the hot PQ/SQ
// brute-force scan loops. sortDescHeap drains the heap into ascending
// distance order (nearest first).
func fixMaxHeap(h *maxHeap) {
	n := len(*h)
	for i := n/2 - 1; i >= 0; i-- {
		siftDownMaxHeap(h, i)
	}
}

func siftDownMaxHeap(h *maxHeap, i int) {
	n := len(*h)
	for {
		l, r, largest := 2*i+1, 2*i+2, i
		if l < n && (*h)[l].dist > (*h)[largest].dist {
			largest = l
		}
		if r < n && (*h)[r].dist > (*h)[largest].dist {
			largest = r
		}
		if largest == i {
			return
		}
		(*h)[i], (*h)[largest] = (*h)[largest], (*h)[i]
		i = largest
	}
}

func sortDescHeap(h *maxHeap) {
	items := make([]heapItem, len(*h))
	copy(items, *h)
	for i := 0; i < len(items); i++ {
		for j := i + 1; j < len(items); j++ {
			if items[j].dist < items[i].dist {
				items[i], items[j] = items[j], items[i]
			}
		}
	}
	*h = items
}
