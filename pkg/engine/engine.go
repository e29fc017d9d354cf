// Package engine implements the ANN Engine Adapter: a factory-string
// configurable pipeline of preprocessing transforms and an index type,
// operating on dense uint64 ids. It has no knowledge of application UIDs;
// that translation is the Bimap's job one layer up.
package engine

import (
	"errors"
	"fmt"
)

// NoResult is the sentinel id for a Search result slot the engine could not
// fill. The adapters in this package never emit it: when fewer than k
// candidates are available (e.g. an IVF probe that touched too few cells)
// they return a shorter row instead.
const NoResult = ^uint64(0)

// ErrNotTrained is returned by AddWithIDs/Search when the pipeline requires
// training that has not happened yet.
var ErrNotTrained = errors.New("engine: not trained")

// ErrRemovalUnsupported is returned by Remove on pipelines whose terminal
// index cannot delete in place (HNSW).
var ErrRemovalUnsupported = errors.New("engine: removal not supported by this pipeline")

// ErrIDCollision is returned by AddWithIDs when an id is already present.
var ErrIDCollision = errors.New("engine: id already present")

// ErrDimensionMismatch is returned when a vector's length disagrees with
// the pipeline's configured dimension.
var ErrDimensionMismatch = errors.New("engine: dimension mismatch")

// SearchResult holds the outputs of a batch k-NN query. A row may hold
// fewer than k entries; an Idxs[q][j] equal to NoResult means the engine
// could not fill that slot.
type SearchResult struct {
	Idxs      [][]uint64
	Distances [][]float32
}

// Adapter is the ANN Engine Adapter contract. All methods except
// Serialize operate purely in memory; the Index Controller is
// responsible for calling Serialize after a successful mutation.
type Adapter interface {
	// Dimension returns the vector dimension this pipeline was built for.
	Dimension() int

	// IsTrained reports whether Train has completed at least once.
	IsTrained() bool

	// SupportsRemoval reports whether Remove can delete ids in place.
	SupportsRemoval() bool

	// Train prepares the pipeline (k-means centroids, PCA projection,
	// quantizer codebooks) from a representative vector batch. Idempotent
	// after the first successful call; a no-op for pipelines that don't
	// require training (Flat).
	Train(vectors [][]float32) error

	// AddWithIDs adds vectors under the given dense ids. Precondition:
	// trained, len(vectors) == len(idxs), and idxs disjoint from the ids
	// already present.
	AddWithIDs(vectors [][]float32, idxs []uint64) (err error)

	// Search returns up to k nearest neighbors per query vector, ordered
	// by ascending distance.
	Search(queries [][]float32, k int) (*SearchResult, error)

	// Remove deletes ids in place and returns the count removed. Returns
	// ErrRemovalUnsupported when the pipeline can't do this (the caller
	// then rebuilds from the Descriptor Store).
	Remove(idxs []uint64) (int, error)

	// SetNProbe applies to every IVF stage in the pipeline (nested or
	// top-level). A silent no-op on pipelines with no IVF stage.
	SetNProbe(nprobe int)

	// Live returns every id currently present, unordered.
	Live() []uint64

	// Serialize produces an opaque byte blob capturing the full engine
	// state (trained parameters and all (id, vector) pairs present).
	Serialize() ([]byte, error)
}

// Options carries the runtime knobs that affect engine construction and
// training.
type Options struct {
	NProbe     int
	RandomSeed int64
}

// New builds an Adapter for the given factory string and dimension.
func New(factoryString string, dim int, opts Options) (Adapter, error) {
	pipeline, err := ParseFactoryString(factoryString, dim)
	if err != nil {
		return nil, err
	}
	return build(pipeline, dim, opts)
}

// Deserialize reconstructs an Adapter of the shape described by
// factoryString/dim and loads the serialized state into it.
func Deserialize(factoryString string, dim int, opts Options, data []byte) (Adapter, error) {
	a, err := New(factoryString, dim, opts)
	if err != nil {
		return nil, err
	}
	if loader, ok := a.(interface{ load([]byte) error }); ok {
		if err := loader.load(data); err != nil {
			return nil, fmt.Errorf("engine: deserialize: %w", err)
		}
	}
	return a, nil
}
