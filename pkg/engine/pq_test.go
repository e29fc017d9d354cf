package engine

import (
	"errors"
	"testing"
)

func pqTrainingSet() [][]float32 {
	var out [][]float32
	for i := 0; i < 20; i++ {
		f := float32(i)
		out = append(out, []float32{f, f, -f, -f})
	}
	return out
}

func TestNewProductQuantizerRejectsIndivisibleDim(t *testing.T) {
	if _, err := newProductQuantizer(5, 2, 1); err == nil {
		t.Fatal("newProductQuantizer(5, 2, ...) succeeded, want an error (5 not divisible by 2)")
	}
}

func TestPQIndexAddBeforeTrainFails(t *testing.T) {
	idx, err := NewPQIndex(4, 2, 1)
	if err != nil {
		t.Fatalf("NewPQIndex: %v", err)
	}
	if err := idx.AddWithIDs([][]float32{{1, 1, 1, 1}}, []uint64{0}); err != ErrNotTrained {
		t.Fatalf("err = %v, want ErrNotTrained", err)
	}
}

func TestPQIndexEncodeDecodeRoundTrip(t *testing.T) {
	idx, err := NewPQIndex(4, 2, 1)
	if err != nil {
		t.Fatalf("NewPQIndex: %v", err)
	}
	vecs := pqTrainingSet()
	if err := idx.Train(vecs); err != nil {
		t.Fatalf("Train: %v", err)
	}
	if !idx.IsTrained() {
		t.Fatal("IsTrained() = false after Train")
	}

	idxs := make([]uint64, len(vecs))
	for i := range vecs {
		idxs[i] = uint64(i)
	}
	if err := idx.AddWithIDs(vecs, idxs); err != nil {
		t.Fatalf("AddWithIDs: %v", err)
	}

	res, err := idx.Search([][]float32{vecs[10]}, 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if res.Idxs[0][0] != 10 {
		t.Errorf("nearest to vecs[10] = %d, want 10", res.Idxs[0][0])
	}
}

func TestPQIndexAddRejectsCollisionAndDimension(t *testing.T) {
	idx, err := NewPQIndex(4, 2, 1)
	if err != nil {
		t.Fatalf("NewPQIndex: %v", err)
	}
	vecs := pqTrainingSet()
	if err := idx.Train(vecs); err != nil {
		t.Fatalf("Train: %v", err)
	}
	if err := idx.AddWithIDs([][]float32{{1, 2, 3}}, []uint64{0}); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("err = %v, want ErrDimensionMismatch", err)
	}
	if err := idx.AddWithIDs([][]float32{{1, 1, 1, 1}}, []uint64{0}); err != nil {
		t.Fatalf("AddWithIDs: %v", err)
	}
	if err := idx.AddWithIDs([][]float32{{2, 2, 2, 2}}, []uint64{0}); !errors.Is(err, ErrIDCollision) {
		t.Fatalf("err = %v, want ErrIDCollision", err)
	}
}

func TestPQIndexSerializeRoundTrip(t *testing.T) {
	idx, err := NewPQIndex(4, 2, 1)
	if err != nil {
		t.Fatalf("NewPQIndex: %v", err)
	}
	vecs := pqTrainingSet()
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

	idx2, err := NewPQIndex(4, 2, 1)
	if err != nil {
		t.Fatalf("NewPQIndex: %v", err)
	}
	if err := idx2.load(data); err != nil {
		t.Fatalf("load: %v", err)
	}
	if !idx2.IsTrained() {
		t.Fatal("IsTrained() = false after load")
	}
	if len(idx2.Live()) != len(vecs) {
		t.Errorf("Live() after load has %d entries, want %d", len(idx2.Live()), len(vecs))
	}
}
