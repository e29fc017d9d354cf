package engine

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"
)

// scalarQuantizer implements quantCodec by quantizing each dimension
// independently against its observed [min, max] range, grounded on the
// teacher's pkg/quantization/scalar_quantization.go. Levels are always
// stored one byte per dimension: SQ<nbits> controls how many of those 256
// levels are actually used (1<<nbits, capped at 256), not the wire width —
// a deliberate simplification over bit-packing sub-byte codes.
type scalarQuantizer struct {
	dim       int
	nbits     int
	min       []float32
	max       []float32
	isTrained bool
}

var _ quantCodec = (*scalarQuantizer)(nil)

func newScalarQuantizer(dim, nbits int) (*scalarQuantizer, error) {
	if nbits <= 0 || nbits > 8 {
		return nil, fmt.Errorf("engine: SQ nbits must be in [1, 8], got %d", nbits)
	}
	return &scalarQuantizer{dim: dim, nbits: nbits}, nil
}

func (q *scalarQuantizer) codeLen() int  { return q.dim }
func (q *scalarQuantizer) trained() bool { return q.isTrained }

func (q *scalarQuantizer) levels() float32 {
	return float32(int(1)<<uint(q.nbits) - 1)
}

func (q *scalarQuantizer) train(vectors [][]float32) error {
	if len(vectors) == 0 {
		return fmt.Errorf("engine: SQ train requires at least one vector")
	}
	min := make([]float32, q.dim)
	max := make([]float32, q.dim)
	copy(min, vectors[0])
	copy(max, vectors[0])
	for _, v := range vectors[1:] {
		for d := 0; d < q.dim; d++ {
			if v[d] < min[d] {
				min[d] = v[d]
			}
			if v[d] > max[d] {
				max[d] = v[d]
			}
		}
	}
	q.min, q.max, q.isTrained = min, max, true
	return nil
}

func (q *scalarQuantizer) encode(v []float32) []byte {
	code := make([]byte, q.dim)
	levels := q.levels()
	for d := 0; d < q.dim; d++ {
		span := q.max[d] - q.min[d]
		var level float32
		if span > 0 {
			level = (v[d] - q.min[d]) / span * levels
		}
		if level < 0 {
			level = 0
		}
		if level > levels {
			level = levels
		}
		code[d] = byte(level + 0.5)
	}
	return code
}

func (q *scalarQuantizer) decode(code []byte) []float32 {
	out := make([]float32, q.dim)
	levels := q.levels()
	for d := 0; d < q.dim; d++ {
		span := q.max[d] - q.min[d]
		out[d] = q.min[d] + float32(code[d])/levels*span
	}
	return out
}

// SQIndex is the terminal adapter for a standalone "SQ<nbits>" factory
// token.
type SQIndex struct {
	mu    sync.RWMutex
	dim   int
	quant *scalarQuantizer
	codes map[uint64][]byte
}

var _ Adapter = (*SQIndex)(nil)

// NewSQIndex builds an SQIndex for the given dimension and bit width.
func NewSQIndex(dim, nbits int) (*SQIndex, error) {
	q, err := newScalarQuantizer(dim, nbits)
	if err != nil {
		return nil, err
	}
	return &SQIndex{dim: dim, quant: q, codes: make(map[uint64][]byte)}, nil
}

func (s *SQIndex) Dimension() int        { return s.dim }
func (s *SQIndex) IsTrained() bool       { s.mu.RLock(); defer s.mu.RUnlock(); return s.quant.trained() }
func (s *SQIndex) SupportsRemoval() bool { return true }
func (s *SQIndex) SetNProbe(int)         {}

func (s *SQIndex) Train(vectors [][]float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quant.trained() {
		return nil
	}
	return s.quant.train(vectors)
}

func (s *SQIndex) AddWithIDs(vectors [][]float32, idxs []uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.quant.trained() {
		return ErrNotTrained
	}
	if len(vectors) != len(idxs) {
		return fmt.Errorf("engine: vectors/idxs length mismatch: %d != %d", len(vectors), len(idxs))
	}
	for i, v := range vectors {
		if len(v) != s.dim {
			return ErrDimensionMismatch
		}
		if _, exists := s.codes[idxs[i]]; exists {
			return ErrIDCollision
		}
	}
	for i, v := range vectors {
		s.codes[idxs[i]] = s.quant.encode(v)
	}
	return nil
}

func (s *SQIndex) Search(queries [][]float32, k int) (*SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.quant.trained() {
		return nil, ErrNotTrained
	}

	res := &SearchResult{Idxs: make([][]uint64, len(queries)), Distances: make([][]float32, len(queries))}
	for qi, q := range queries {
		h := &maxHeap{}
		for idx, code := range s.codes {
			d := l2Sq(q, s.quant.decode(code))
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

func (s *SQIndex) Remove(idxs []uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for _, idx := range idxs {
		if _, ok := s.codes[idx]; ok {
			delete(s.codes, idx)
			removed++
		}
	}
	return removed, nil
}

func (s *SQIndex) Live() []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]uint64, 0, len(s.codes))
	for idx := range s.codes {
		out = append(out, idx)
	}
	return out
}

func (s *SQIndex) Serialize() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	buf := new(bytes.Buffer)
	enc := gob.NewEncoder(buf)
	if err := enc.Encode(s.dim); err != nil {
		return nil, err
	}
	if err := enc.Encode(s.quant.nbits); err != nil {
		return nil, err
	}
	if err := enc.Encode(s.quant.isTrained); err != nil {
		return nil, err
	}
	if err := enc.Encode(s.quant.min); err != nil {
		return nil, err
	}
	if err := enc.Encode(s.quant.max); err != nil {
		return nil, err
	}
	if err := enc.Encode(s.codes); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *SQIndex) load(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dec := gob.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&s.dim); err != nil {
		return err
	}
	if err := dec.Decode(&s.quant.nbits); err != nil {
		return err
	}
	if err := dec.Decode(&s.quant.isTrained); err != nil {
		return err
	}
	if err := dec.Decode(&s.quant.min); err != nil {
		return err
	}
	if err := dec.Decode(&s.quant.max); err != nil {
		return err
	}
	return dec.Decode(&s.codes)
}
