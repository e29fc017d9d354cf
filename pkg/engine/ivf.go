package engine

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math"
	"math/rand"
	"sync"
)

// IVFIndex partitions the vector space into nlist coarse cells via
// k-means and, at search time, scans only the nprobe cells nearest the
// query. Per-cell storage is either raw vectors (base Flat) or a
// quantCodec (base PQ/SQ), matching the
// "IVF<nlists>,<base>" factory grammar.
type IVFIndex struct {
	mu        sync.RWMutex
	dim       int
	nlist     int
	nprobe    int
	centroids [][]float32
	invlists  [][]uint64          // cell -> ids assigned to it
	vectors   map[uint64][]float32 // used when quant == nil
	codes     map[uint64][]byte    // used when quant != nil
	cellOf    map[uint64]int
	quant     quantCodec
	isTrained bool
	rng       *rand.Rand
}

var _ Adapter = (*IVFIndex)(nil)

// NewIVFIndex builds an IVFIndex with nlist coarse cells. quant may be nil
// for a raw-vector (Flat) base; otherwise it is the codec backing PQ/SQ
// bases.
func NewIVFIndex(dim, nlist, nprobe int, quant quantCodec, seed int64) (*IVFIndex, error) {
	if nlist <= 0 {
		return nil, fmt.Errorf("engine: IVF nlist must be > 0, got %d", nlist)
	}
	if nprobe <= 0 {
		nprobe = 1
	}
	return &IVFIndex{
		dim:     dim,
		nlist:   nlist,
		nprobe:  nprobe,
		vectors: make(map[uint64][]float32),
		codes:   make(map[uint64][]byte),
		cellOf:  make(map[uint64]int),
		quant:   quant,
		rng:     rand.New(rand.NewSource(seed)),
	}, nil
}

func (v *IVFIndex) Dimension() int        { return v.dim }
func (v *IVFIndex) SupportsRemoval() bool { return true }

func (v *IVFIndex) IsTrained() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.quant != nil {
		return v.isTrained && v.quant.trained()
	}
	return v.isTrained
}

func (v *IVFIndex) SetNProbe(nprobe int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if nprobe > 0 {
		v.nprobe = nprobe
	}
}

func (v *IVFIndex) Train(vectors [][]float32) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.isTrained {
		return nil
	}
	k := v.nlist
	if k > len(vectors) {
		k = len(vectors)
	}
	if k == 0 {
		return fmt.Errorf("engine: IVF train requires at least one vector")
	}
	v.centroids = kMeansPP(v.rng, vectors, k, 25)
	v.invlists = make([][]uint64, len(v.centroids))
	v.isTrained = true
	if v.quant != nil && !v.quant.trained() {
		return v.quant.train(vectors)
	}
	return nil
}

func (v *IVFIndex) nearestCentroid(vec []float32) int {
	best, bestDist := 0, float32(math.MaxFloat32)
	for c, centroid := range v.centroids {
		if d := l2Sq(vec, centroid); d < bestDist {
			bestDist, best = d, c
		}
	}
	return best
}

func (v *IVFIndex) AddWithIDs(vectors [][]float32, idxs []uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.isTrained {
		return ErrNotTrained
	}
	if len(vectors) != len(idxs) {
		return fmt.Errorf("engine: vectors/idxs length mismatch: %d != %d", len(vectors), len(idxs))
	}
	for i, vec := range vectors {
		if len(vec) != v.dim {
			return ErrDimensionMismatch
		}
		if _, exists := v.cellOf[idxs[i]]; exists {
			return ErrIDCollision
		}
	}
	for i, vec := range vectors {
		cell := v.nearestCentroid(vec)
		v.invlists[cell] = append(v.invlists[cell], idxs[i])
		v.cellOf[idxs[i]] = cell
		if v.quant != nil {
			v.codes[idxs[i]] = v.quant.encode(vec)
		} else {
			v.vectors[idxs[i]] = cloneVec(vec)
		}
	}
	return nil
}

func (v *IVFIndex) Search(queries [][]float32, k int) (*SearchResult, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if !v.isTrained {
		return nil, ErrNotTrained
	}

	res := &SearchResult{Idxs: make([][]uint64, len(queries)), Distances: make([][]float32, len(queries))}
	for qi, q := range queries {
		cells := v.probeCells(q)
		h := &maxHeap{}
		for _, cell := range cells {
			for _, idx := range v.invlists[cell] {
				var d float32
				if v.quant != nil {
					d = l2Sq(q, v.quant.decode(v.codes[idx]))
				} else {
					d = l2Sq(q, v.vectors[idx])
				}
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

// probeCells returns the nprobe cells whose centroid is nearest the query.
func (v *IVFIndex) probeCells(q []float32) []int {
	type cellDist struct {
		cell int
		dist float32
	}
	all := make([]cellDist, len(v.centroids))
	for c, centroid := range v.centroids {
		all[c] = cellDist{cell: c, dist: l2Sq(q, centroid)}
	}
	for i := 0; i < len(all); i++ {
		for j := i + 1; j < len(all); j++ {
			if all[j].dist < all[i].dist {
				all[i], all[j] = all[j], all[i]
			}
		}
	}
	n := v.nprobe
	if n > len(all) {
		n = len(all)
	}
	cells := make([]int, n)
	for i := 0; i < n; i++ {
		cells[i] = all[i].cell
	}
	return cells
}

func (v *IVFIndex) Remove(idxs []uint64) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	removed := 0
	for _, idx := range idxs {
		cell, ok := v.cellOf[idx]
		if !ok {
			continue
		}
		list := v.invlists[cell]
		for i, id := range list {
			if id == idx {
				v.invlists[cell] = append(list[:i], list[i+1:]...)
				break
			}
		}
		delete(v.cellOf, idx)
		delete(v.vectors, idx)
		delete(v.codes, idx)
		removed++
	}
	return removed, nil
}

func (v *IVFIndex) Live() []uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]uint64, 0, len(v.cellOf))
	for idx := range v.cellOf {
		out = append(out, idx)
	}
	return out
}

func (v *IVFIndex) Serialize() ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	buf := new(bytes.Buffer)
	enc := gob.NewEncoder(buf)
	fields := []any{v.dim, v.nlist, v.nprobe, v.isTrained, v.centroids, v.invlists, v.vectors, v.codes, v.cellOf}
	for _, f := range fields {
		if err := enc.Encode(f); err != nil {
			return nil, err
		}
	}
	if v.quant != nil {
		if pq, ok := v.quant.(*productQuantizer); ok {
			if err := enc.Encode(true); err != nil {
				return nil, err
			}
			if err := enc.Encode(pq.m); err != nil {
				return nil, err
			}
			if err := enc.Encode(pq.subDim); err != nil {
				return nil, err
			}
			if err := enc.Encode(pq.isTrained); err != nil {
				return nil, err
			}
			if err := enc.Encode(pq.codebooks); err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		}
		if sq, ok := v.quant.(*scalarQuantizer); ok {
			if err := enc.Encode(false); err != nil {
				return nil, err
			}
			if err := enc.Encode(sq.nbits); err != nil {
				return nil, err
			}
			if err := enc.Encode(sq.isTrained); err != nil {
				return nil, err
			}
			if err := enc.Encode(sq.min); err != nil {
				return nil, err
			}
			if err := enc.Encode(sq.max); err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		}
	}
	return buf.Bytes(), nil
}

func (v *IVFIndex) load(data []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	dec := gob.NewDecoder(bytes.NewReader(data))
	fields := []any{&v.dim, &v.nlist, &v.nprobe, &v.isTrained, &v.centroids, &v.invlists, &v.vectors, &v.codes, &v.cellOf}
	for _, f := range fields {
		if err := dec.Decode(f); err != nil {
			return err
		}
	}
	if v.quant == nil {
		return nil
	}
	var isPQ bool
	if err := dec.Decode(&isPQ); err != nil {
		return err
	}
	if isPQ {
		pq := v.quant.(*productQuantizer)
		if err := dec.Decode(&pq.m); err != nil {
			return err
		}
		if err := dec.Decode(&pq.subDim); err != nil {
			return err
		}
		if err := dec.Decode(&pq.isTrained); err != nil {
			return err
		}
		return dec.Decode(&pq.codebooks)
	}
	sq := v.quant.(*scalarQuantizer)
	if err := dec.Decode(&sq.nbits); err != nil {
		return err
	}
	if err := dec.Decode(&sq.isTrained); err != nil {
		return err
	}
	if err := dec.Decode(&sq.min); err != nil {
		return err
	}
	return dec.Decode(&sq.max)
}
