package engine

import (
	"testing"
)

// clusteredVectors builds nClusters tight groups of points spread far apart
// along one axis, so k-means training reliably recovers separate cells.
func clusteredVectors(nClusters, perCluster int) [][]float32 {
	var out [][]float32
	for c := 0; c < nClusters; c++ {
		center := float32(c * 1000)
		for i := 0; i < perCluster; i++ {
			out = append(out, []float32{center + float32(i%3), 0})
		}
	}
	return out
}

func TestIVFTrainRequiresAtLeastOneVector(t *testing.T) {
	idx, err := NewIVFIndex(2, 4, 1, nil, 1)
	if err != nil {
		t.Fatalf("NewIVFIndex: %v", err)
	}
	if err := idx.Train(nil); err == nil {
		t.Fatal("Train(nil) succeeded, want an error")
	}
}

func TestIVFAddBeforeTrainFails(t *testing.T) {
	idx, err := NewIVFIndex(2, 2, 1, nil, 1)
	if err != nil {
		t.Fatalf("NewIVFIndex: %v", err)
	}
	if err := idx.AddWithIDs([][]float32{{1, 1}}, []uint64{0}); err != ErrNotTrained {
		t.Fatalf("err = %v, want ErrNotTrained", err)
	}
}

func TestIVFSelfNearestAfterTrain(t *testing.T) {
	vecs := clusteredVectors(4, 5)
	idx, err := NewIVFIndex(2, 4, 4, nil, 42)
	if err != nil {
		t.Fatalf("NewIVFIndex: %v", err)
	}
	if err := idx.Train(vecs); err != nil {
		t.Fatalf("Train: %v", err)
	}
	idxs := make([]uint64, len(vecs))
	for i := range vecs {
		idxs[i] = uint64(i)
	}
	if err := idx.AddWithIDs(vecs, idxs); err != nil {
		t.Fatalf("AddWithIDs: %v", err)
	}

	// With nprobe covering every cell, the query's own vector must be its
	// own nearest neighbor.
	res, err := idx.Search([][]float32{vecs[7]}, 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if res.Idxs[0][0] != 7 {
		t.Errorf("nearest to vecs[7] = %d, want 7", res.Idxs[0][0])
	}
}

func TestIVFNProbeParametrization(t *testing.T) {
	// Build well-separated clusters, one per cell, so that probing only
	// cell 0 can never reach members of other clusters.
	vecs := clusteredVectors(5, 4)
	idx, err := NewIVFIndex(2, 5, 1, nil, 7)
	if err != nil {
		t.Fatalf("NewIVFIndex: %v", err)
	}
	if err := idx.Train(vecs); err != nil {
		t.Fatalf("Train: %v", err)
	}
	idxs := make([]uint64, len(vecs))
	for i := range vecs {
		idxs[i] = uint64(i)
	}
	if err := idx.AddWithIDs(vecs, idxs); err != nil {
		t.Fatalf("AddWithIDs: %v", err)
	}

	query := vecs[0]

	idx.SetNProbe(1)
	resLow, err := idx.Search([][]float32{query}, 20)
	if err != nil {
		t.Fatalf("Search nprobe=1: %v", err)
	}
	if len(resLow.Idxs[0]) >= 20 {
		t.Errorf("nprobe=1 returned %d results, want fewer than the full 20 (only one cluster reachable)", len(resLow.Idxs[0]))
	}

	idx.SetNProbe(5)
	resHigh, err := idx.Search([][]float32{query}, 20)
	if err != nil {
		t.Fatalf("Search nprobe=5: %v", err)
	}
	if len(resHigh.Idxs[0]) != 20 {
		t.Errorf("nprobe=5 (all cells) returned %d results, want 20", len(resHigh.Idxs[0]))
	}
}

func TestIVFRemove(t *testing.T) {
	vecs := clusteredVectors(2, 3)
	idx, err := NewIVFIndex(2, 2, 2, nil, 3)
	if err != nil {
		t.Fatalf("NewIVFIndex: %v", err)
	}
	if err := idx.Train(vecs); err != nil {
		t.Fatalf("Train: %v", err)
	}
	idxs := make([]uint64, len(vecs))
	for i := range vecs {
		idxs[i] = uint64(i)
	}
	if err := idx.AddWithIDs(vecs, idxs); err != nil {
		t.Fatalf("AddWithIDs: %v", err)
	}

	n, err := idx.Remove([]uint64{0})
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if n != 1 {
		t.Fatalf("removed = %d, want 1", n)
	}
	for _, id := range idx.Live() {
		if id == 0 {
			t.Fatal("removed id 0 still present in Live()")
		}
	}
}

func TestIVFSerializeRoundTrip(t *testing.T) {
	vecs := clusteredVectors(2, 3)
	idx, err := NewIVFIndex(2, 2, 2, nil, 9)
	if err != nil {
		t.Fatalf("NewIVFIndex: %v", err)
	}
	if err := idx.Train(vecs); err != nil {
		t.Fatalf("Train: %v", err)
	}
	idxs := make([]uint64, len(vecs))
	for i := range vecs {
		idxs[i] = uint64(i)
	}
	if err := idx.AddWithIDs(vecs, idxs); err != nil {
		t.Fatalf("AddWithIDs: %v", err)
	}

	data, err := idx.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	idx2, err := NewIVFIndex(2, 2, 2, nil, 9)
	if err != nil {
		t.Fatalf("NewIVFIndex: %v", err)
	}
	if err := idx2.load(data); err != nil {
		t.Fatalf("load: %v", err)
	}
	if !idx2.IsTrained() {
		t.Fatal("IsTrained() = false after load, want true")
	}
	if len(idx2.Live()) != len(vecs) {
		t.Errorf("Live() has %d entries after load, want %d", len(idx2.Live()), len(vecs))
	}
}
