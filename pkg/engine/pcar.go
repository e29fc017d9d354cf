package engine

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math"
	"math/rand"
	"sync"
)

// pcarAdapter implements the "PCAR<d>" preprocessing stage: it projects
// incoming vectors onto their top-d principal components (via power
// iteration with deflation, since there's no full eigensolver in the
// teacher's stack) and then applies a fixed random rotation, matching
// FAISS's PCAR naming (PCA + Random rotation). The transformed vectors feed
// an inner Adapter operating entirely in the reduced dimension.
type pcarAdapter struct {
	mu         sync.RWMutex
	inputDim   int
	outputDim  int
	mean       []float32
	components [][]float32 // outputDim rows, each inputDim long
	rotation   [][]float32 // outputDim x outputDim
	isTrained  bool
	rng        *rand.Rand
	inner      Adapter
	innerNew   func() Adapter // rebuilds a fresh inner adapter for load()
}

var _ Adapter = (*pcarAdapter)(nil)

func newPCARAdapter(inputDim, outputDim int, seed int64, innerNew func() Adapter) (*pcarAdapter, error) {
	if outputDim <= 0 || outputDim > inputDim {
		return nil, fmt.Errorf("engine: PCAR output dimension must be in (0, %d], got %d", inputDim, outputDim)
	}
	return &pcarAdapter{
		inputDim:  inputDim,
		outputDim: outputDim,
		rng:       rand.New(rand.NewSource(seed)),
		inner:     innerNew(),
		innerNew:  innerNew,
	}, nil
}

func (p *pcarAdapter) Dimension() int        { return p.inputDim }
func (p *pcarAdapter) SupportsRemoval() bool { return p.inner.SupportsRemoval() }

func (p *pcarAdapter) IsTrained() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.isTrained && p.inner.IsTrained()
}

func (p *pcarAdapter) SetNProbe(nprobe int) { p.inner.SetNProbe(nprobe) }

func (p *pcarAdapter) Train(vectors [][]float32) error {
	p.mu.Lock()
	if p.isTrained {
		p.mu.Unlock()
		return p.inner.Train(nil)
	}
	mean := make([]float32, p.inputDim)
	for _, v := range vectors {
		for d := 0; d < p.inputDim; d++ {
			mean[d] += v[d]
		}
	}
	n := float32(len(vectors))
	for d := range mean {
		mean[d] /= n
	}

	centered := make([][]float64, len(vectors))
	for i, v := range vectors {
		row := make([]float64, p.inputDim)
		for d := 0; d < p.inputDim; d++ {
			row[d] = float64(v[d] - mean[d])
		}
		centered[i] = row
	}

	components := powerIterationTopK(centered, p.inputDim, p.outputDim, p.rng)
	rotation := randomOrthogonal(p.outputDim, p.rng)

	p.mean = mean
	p.components = components
	p.rotation = rotation
	p.isTrained = true
	p.mu.Unlock()

	projected := make([][]float32, len(vectors))
	for i, v := range vectors {
		projected[i] = p.transform(v)
	}
	return p.inner.Train(projected)
}

// transform applies mean-centering, PCA projection, and random rotation.
// Caller must hold at least a read lock, or call before concurrent access
// begins (as Train does, after releasing the lock deliberately to avoid
// reentrant locking through p.transform itself, which only reads fields set
// once at training time).
func (p *pcarAdapter) transform(v []float32) []float32 {
	centered := make([]float32, p.inputDim)
	for d := 0; d < p.inputDim; d++ {
		centered[d] = v[d] - p.mean[d]
	}
	projected := make([]float32, p.outputDim)
	for i, comp := range p.components {
		var sum float32
		for d := 0; d < p.inputDim; d++ {
			sum += comp[d] * centered[d]
		}
		projected[i] = sum
	}
	rotated := make([]float32, p.outputDim)
	for i, row := range p.rotation {
		var sum float32
		for j := 0; j < p.outputDim; j++ {
			sum += row[j] * projected[j]
		}
		rotated[i] = sum
	}
	return rotated
}

func (p *pcarAdapter) AddWithIDs(vectors [][]float32, idxs []uint64) error {
	p.mu.RLock()
	if !p.isTrained {
		p.mu.RUnlock()
		return ErrNotTrained
	}
	transformed := make([][]float32, len(vectors))
	for i, v := range vectors {
		if len(v) != p.inputDim {
			p.mu.RUnlock()
			return ErrDimensionMismatch
		}
		transformed[i] = p.transform(v)
	}
	p.mu.RUnlock()
	return p.inner.AddWithIDs(transformed, idxs)
}

func (p *pcarAdapter) Search(queries [][]float32, k int) (*SearchResult, error) {
	p.mu.RLock()
	if !p.isTrained {
		p.mu.RUnlock()
		return nil, ErrNotTrained
	}
	transformed := make([][]float32, len(queries))
	for i, q := range queries {
		transformed[i] = p.transform(q)
	}
	p.mu.RUnlock()
	return p.inner.Search(transformed, k)
}

func (p *pcarAdapter) Remove(idxs []uint64) (int, error) { return p.inner.Remove(idxs) }
func (p *pcarAdapter) Live() []uint64                    { return p.inner.Live() }

func (p *pcarAdapter) Serialize() ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	innerBytes, err := p.inner.Serialize()
	if err != nil {
		return nil, err
	}
	buf := new(bytes.Buffer)
	enc := gob.NewEncoder(buf)
	fields := []any{p.inputDim, p.outputDim, p.isTrained, p.mean, p.components, p.rotation, innerBytes}
	for _, f := range fields {
		if err := enc.Encode(f); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func (p *pcarAdapter) load(data []byte) error {
	p.mu.Lock()
	dec := gob.NewDecoder(bytes.NewReader(data))
	var innerBytes []byte
	fields := []any{&p.inputDim, &p.outputDim, &p.isTrained, &p.mean, &p.components, &p.rotation, &innerBytes}
	for _, f := range fields {
		if err := dec.Decode(f); err != nil {
			p.mu.Unlock()
			return err
		}
	}
	inner := p.innerNew()
	p.inner = inner
	p.mu.Unlock()

	if loader, ok := inner.(interface{ load([]byte) error }); ok {
		return loader.load(innerBytes)
	}
	return nil
}

// powerIterationTopK extracts the top k principal directions of the
// (implicit, never materialized) covariance matrix of centered rows via
// power iteration with deflation: after each eigenvector is found, its
// contribution is subtracted from every row before the next iteration.
func powerIterationTopK(centered [][]float64, dim, k int, rng *rand.Rand) [][]float32 {
	rows := make([][]float64, len(centered))
	for i, r := range centered {
		rows[i] = append([]float64(nil), r...)
	}

	components := make([][]float32, 0, k)
	for c := 0; c < k; c++ {
		vec := make([]float64, dim)
		for d := range vec {
			vec[d] = rng.NormFloat64()
		}
		vec = normalizeVec64(vec)

		for iter := 0; iter < 50; iter++ {
			next := make([]float64, dim)
			for _, row := range rows {
				dot := dotVec64(row, vec)
				for d := 0; d < dim; d++ {
					next[d] += dot * row[d]
				}
			}
			next = normalizeVec64(next)
			vec = next
		}

		for i, row := range rows {
			dot := dotVec64(row, vec)
			for d := 0; d < dim; d++ {
				row[d] -= dot * vec[d]
			}
			rows[i] = row
		}

		out := make([]float32, dim)
		for d, x := range vec {
			out[d] = float32(x)
		}
		components = append(components, out)
	}
	return components
}

func normalizeVec64(v []float64) []float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return v
	}
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}

func dotVec64(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// randomOrthogonal builds a d x d orthogonal matrix via Gram-Schmidt on a
// random Gaussian matrix, giving the "R" in PCAR (PCA + Random rotation).
func randomOrthogonal(d int, rng *rand.Rand) [][]float32 {
	rows := make([][]float64, d)
	for i := range rows {
		row := make([]float64, d)
		for j := range row {
			row[j] = rng.NormFloat64()
		}
		rows[i] = row
	}
	for i := range rows {
		for j := 0; j < i; j++ {
			dot := dotVec64(rows[i], rows[j])
			for k := range rows[i] {
				rows[i][k] -= dot * rows[j][k]
			}
		}
		rows[i] = normalizeVec64(rows[i])
	}
	out := make([][]float32, d)
	for i, row := range rows {
		r := make([]float32, d)
		for j, x := range row {
			r[j] = float32(x)
		}
		out[i] = r
	}
	return out
}
