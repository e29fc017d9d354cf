package annindex

import (
	"github.com/Chen8023/smqtk-ann/pkg/descriptor"
	"github.com/Chen8023/smqtk-ann/pkg/engine"
)

// NNResult pairs a recovered descriptor with its reported distance.
type NNResult[U comparable] struct {
	Record   descriptor.Record[U]
	Distance float32
}

// NN returns up to k nearest neighbors of query, ordered by ascending
// distance. len(result) may be less than k when the engine cannot supply k
// candidates; a sentinel "no result" slot from the engine is silently
// dropped rather than surfaced.
func (ix *Index[U]) NN(query []float32, k int) ([]NNResult[U], error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if ix.ea == nil || ix.bm.Len() == 0 {
		return nil, nil
	}
	if len(query) != ix.dim {
		return nil, wrapErr("nn", ErrDimensionMismatch)
	}

	res, err := ix.ea.Search([][]float32{query}, k)
	if err != nil {
		return nil, wrapErr("nn", &EngineFailureError{Msg: err.Error()})
	}

	idxs := res.Idxs[0]
	dists := res.Distances[0]
	out := make([]NNResult[U], 0, len(idxs))
	for i, idx := range idxs {
		if idx == engine.NoResult {
			continue
		}
		uid, err := ix.bm.LookupUID(idx)
		if err != nil {
			continue
		}
		rec, err := ix.ds.Get(uid)
		if err != nil {
			continue
		}
		out = append(out, NNResult[U]{Record: rec, Distance: dists[i]})
	}
	return out, nil
}

// Count returns the number of live descriptors: |DS| == |BM| == the
// engine's live item count.
func (ix *Index[U]) Count() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.ds.Len()
}

// Stats is a point-in-time snapshot of the Index's counters.
type Stats struct {
	Count         int
	Dimension     int
	IsTrained     bool
	FactoryString string
	NeedsRebuild  bool
}

func (ix *Index[U]) Stats() Stats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return Stats{
		Count:         ix.ds.Len(),
		Dimension:     ix.dim,
		IsTrained:     ix.isTrained,
		FactoryString: ix.cfg.FactoryString,
		NeedsRebuild:  ix.needsRebuild,
	}
}
