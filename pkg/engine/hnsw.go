package engine

import (
	"bytes"
	"encoding/gob"
	"math"
	"math/rand"
	"sync"
)

// hnswNode is one graph node: its vector and, per level, the ids of its
// neighbors. This adapter does not support removal (add but not
// removal), so nodes carry no tombstone or deleted-flag fields.
type hnswNode struct {
	Vector    []float32
	Level     int
	Neighbors [][]uint64 // Neighbors[level] -> neighbor ids at that level
}

// HNSWIndex is a hierarchical navigable small-world graph: the terminal
// adapter for the "HNSW<M>" factory token. It never supports Remove; the
// controller rebuilds from the Descriptor Store when asked to delete from
// an HNSW-backed pipeline.
type HNSWIndex struct {
	mu             sync.RWMutex
	dim            int
	m              int
	maxM           int
	efConstruction int
	ml             float64
	nodes          map[uint64]*hnswNode
	entryPoint     uint64
	hasEntry       bool
	rng            *rand.Rand
}

var _ Adapter = (*HNSWIndex)(nil)

// NewHNSWIndex builds an HNSWIndex with the given M (bidirectional links
// per node per level).
func NewHNSWIndex(dim, m int, seed int64) *HNSWIndex {
	if m <= 0 {
		m = 16
	}
	return &HNSWIndex{
		dim:            dim,
		m:              m,
		maxM:           m,
		efConstruction: 200,
		ml:             1.0 / math.Log(float64(m)),
		nodes:          make(map[uint64]*hnswNode),
		rng:            rand.New(rand.NewSource(seed)),
	}
}

func (h *HNSWIndex) Dimension() int        { return h.dim }
func (h *HNSWIndex) IsTrained() bool       { return true } // HNSW builds incrementally, no separate train phase
func (h *HNSWIndex) SupportsRemoval() bool { return false }
func (h *HNSWIndex) SetNProbe(int)         {}

// Train is a no-op: HNSW graphs are built incrementally by AddWithIDs.
func (h *HNSWIndex) Train(vectors [][]float32) error { return nil }

func (h *HNSWIndex) randomLevel() int {
	level := 0
	for h.rng.Float64() < 1.0/float64(h.m) && level < 32 {
		level++
	}
	return level
}

func (h *HNSWIndex) AddWithIDs(vectors [][]float32, idxs []uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, v := range vectors {
		if len(v) != h.dim {
			return ErrDimensionMismatch
		}
		if _, exists := h.nodes[idxs[i]]; exists {
			return ErrIDCollision
		}
	}
	for i, v := range vectors {
		h.insert(idxs[i], cloneVec(v))
	}
	return nil
}

func (h *HNSWIndex) insert(id uint64, vec []float32) {
	level := h.randomLevel()
	node := &hnswNode{Vector: vec, Level: level, Neighbors: make([][]uint64, level+1)}
	h.nodes[id] = node

	if !h.hasEntry {
		h.entryPoint = id
		h.hasEntry = true
		return
	}

	entry := h.entryPoint
	entryLevel := h.nodes[entry].Level
	cur := entry
	for l := entryLevel; l > level; l-- {
		cur = h.greedyClosest(cur, vec, l)
	}
	for l := min(level, entryLevel); l >= 0; l-- {
		candidates := h.searchLayer(vec, cur, h.efConstruction, l)
		neighbors := selectNeighbors(candidates, h.m)
		node.Neighbors[l] = neighbors
		for _, nb := range neighbors {
			h.link(nb, id, l)
		}
		if len(candidates) > 0 {
			cur = candidates[0].idx
		}
	}
	if level > entryLevel {
		h.entryPoint = id
	}
}

// link adds a back-edge from nb to id at level l, trimming to the maxM
// closest neighbors if full.
func (h *HNSWIndex) link(nb, id uint64, l int) {
	n := h.nodes[nb]
	if l >= len(n.Neighbors) {
		return
	}
	n.Neighbors[l] = append(n.Neighbors[l], id)
	if len(n.Neighbors[l]) > h.maxM {
		cands := make([]heapItem, len(n.Neighbors[l]))
		for i, other := range n.Neighbors[l] {
			cands[i] = heapItem{idx: other, dist: l2Sq(n.Vector, h.nodes[other].Vector)}
		}
		sortDescHeap((*maxHeap)(&cands))
		trimmed := make([]uint64, 0, h.maxM)
		for i := 0; i < len(cands) && len(trimmed) < h.maxM; i++ {
			trimmed = append(trimmed, cands[i].idx)
		}
		n.Neighbors[l] = trimmed
	}
}

func (h *HNSWIndex) greedyClosest(from uint64, query []float32, level int) uint64 {
	cur := from
	curDist := l2Sq(query, h.nodes[cur].Vector)
	for {
		improved := false
		node := h.nodes[cur]
		if level < len(node.Neighbors) {
			for _, nb := range node.Neighbors[level] {
				d := l2Sq(query, h.nodes[nb].Vector)
				if d < curDist {
					curDist, cur, improved = d, nb, true
				}
			}
		}
		if !improved {
			return cur
		}
	}
}

// searchLayer performs a best-first search bounded by ef, returning
// candidates sorted ascending by distance.
func (h *HNSWIndex) searchLayer(query []float32, entry uint64, ef, level int) []heapItem {
	visited := map[uint64]bool{entry: true}
	entryDist := l2Sq(query, h.nodes[entry].Vector)
	candidates := []heapItem{{idx: entry, dist: entryDist}}
	results := []heapItem{{idx: entry, dist: entryDist}}

	for len(candidates) > 0 {
		best, bestIdx := candidates[0], 0
		for i, c := range candidates[1:] {
			if c.dist < best.dist {
				best, bestIdx = c, i+1
			}
		}
		candidates = append(candidates[:bestIdx], candidates[bestIdx+1:]...)

		worst := results[0].dist
		for _, r := range results {
			if r.dist > worst {
				worst = r.dist
			}
		}
		if best.dist > worst && len(results) >= ef {
			break
		}

		node := h.nodes[best.idx]
		if level >= len(node.Neighbors) {
			continue
		}
		for _, nb := range node.Neighbors[level] {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			d := l2Sq(query, h.nodes[nb].Vector)
			candidates = append(candidates, heapItem{idx: nb, dist: d})
			results = append(results, heapItem{idx: nb, dist: d})
			if len(results) > ef {
				maxI := 0
				for i, r := range results {
					if r.dist > results[maxI].dist {
						maxI = i
					}
				}
				results = append(results[:maxI], results[maxI+1:]...)
			}
		}
	}
	sortAscItems(results)
	return results
}

func selectNeighbors(candidates []heapItem, m int) []uint64 {
	if len(candidates) > m {
		candidates = candidates[:m]
	}
	out := make([]uint64, len(candidates))
	for i, c := range candidates {
		out[i] = c.idx
	}
	return out
}

func sortAscItems(items []heapItem) {
	for i := 0; i < len(items); i++ {
		for j := i + 1; j < len(items); j++ {
			if items[j].dist < items[i].dist {
				items[i], items[j] = items[j], items[i]
			}
		}
	}
}

func (h *HNSWIndex) Search(queries [][]float32, k int) (*SearchResult, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	res := &SearchResult{Idxs: make([][]uint64, len(queries)), Distances: make([][]float32, len(queries))}
	if !h.hasEntry {
		for qi := range queries {
			res.Idxs[qi] = nil
			res.Distances[qi] = nil
		}
		return res, nil
	}

	ef := h.efConstruction
	if ef < k {
		ef = k
	}
	for qi, q := range queries {
		entryLevel := h.nodes[h.entryPoint].Level
		cur := h.entryPoint
		for l := entryLevel; l > 0; l-- {
			cur = h.greedyClosest(cur, q, l)
		}
		candidates := h.searchLayer(q, cur, ef, 0)
		if len(candidates) > k {
			candidates = candidates[:k]
		}
		idxs := make([]uint64, len(candidates))
		dists := make([]float32, len(candidates))
		for i, c := range candidates {
			idxs[i] = c.idx
			dists[i] = c.dist
		}
		res.Idxs[qi] = idxs
		res.Distances[qi] = dists
	}
	return res, nil
}

func (h *HNSWIndex) Remove(idxs []uint64) (int, error) {
	return 0, ErrRemovalUnsupported
}

func (h *HNSWIndex) Live() []uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]uint64, 0, len(h.nodes))
	for idx := range h.nodes {
		out = append(out, idx)
	}
	return out
}

func (h *HNSWIndex) Serialize() ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	buf := new(bytes.Buffer)
	enc := gob.NewEncoder(buf)
	fields := []any{h.dim, h.m, h.maxM, h.efConstruction, h.nodes, h.entryPoint, h.hasEntry}
	for _, f := range fields {
		if err := enc.Encode(f); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func (h *HNSWIndex) load(data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	dec := gob.NewDecoder(bytes.NewReader(data))
	fields := []any{&h.dim, &h.m, &h.maxM, &h.efConstruction, &h.nodes, &h.entryPoint, &h.hasEntry}
	for _, f := range fields {
		if err := dec.Decode(f); err != nil {
			return err
		}
	}
	return nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
