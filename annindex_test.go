package annindex

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/Chen8023/smqtk-ann/pkg/descriptor"
	"github.com/Chen8023/smqtk-ann/pkg/persistence"
)

func newTestIndex(t *testing.T, cfg Config) *Index[string] {
	t.Helper()
	ix, err := New[string](cfg, Resources[string]{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return ix
}

func corners() []descriptor.Record[string] {
	return []descriptor.Record[string]{
		{UID: "origin", Vector: []float32{0, 0, 0}},
		{UID: "px", Vector: []float32{1, 0, 0}},
		{UID: "py", Vector: []float32{0, 1, 0}},
		{UID: "pz", Vector: []float32{0, 0, 1}},
		{UID: "diag", Vector: []float32{1, 1, 1}},
	}
}

func TestBuildAndQueryZeroVectorReturnsAllWithOriginAtZero(t *testing.T) {
	ix := newTestIndex(t, DefaultConfig())
	if err := ix.Build(corners()); err != nil {
		t.Fatalf("Build: %v", err)
	}

	results, err := ix.NN([]float32{0, 0, 0}, 5)
	if err != nil {
		t.Fatalf("NN: %v", err)
	}
	for _, r := range results {
		if r.Record.UID != "origin" {
			continue
		}
		if r.Distance != 0 {
			t.Errorf("origin distance from zero query = %v, want 0", r.Distance)
		}
	}
	if len(results) != 5 {
		t.Fatalf("len(results) = %d, want 5", len(results))
	}
}

func TestBuildRejectsEmptyInput(t *testing.T) {
	ix := newTestIndex(t, DefaultConfig())
	if err := ix.Build(nil); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("err = %v, want ErrEmptyInput", err)
	}
}

func TestBuildRejectsReadOnly(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReadOnly = true
	ix := newTestIndex(t, cfg)
	if err := ix.Build(corners()); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("err = %v, want ErrReadOnly", err)
	}
}

func TestBuildRejectsDimensionMismatchWithoutMutating(t *testing.T) {
	ix := newTestIndex(t, DefaultConfig())
	bad := []descriptor.Record[string]{
		{UID: "a", Vector: []float32{1, 2, 3}},
		{UID: "b", Vector: []float32{1, 2}},
	}
	if err := ix.Build(bad); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("err = %v, want ErrDimensionMismatch", err)
	}
	if ix.Count() != 0 {
		t.Fatalf("Count() = %d after a failed Build, want 0 (no partial visibility)", ix.Count())
	}
}

func TestOrderedLineNearestToMidpoint(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	records := make([]descriptor.Record[string], 100)
	order := rng.Perm(100)
	for i, pos := range order {
		records[i] = descriptor.Record[string]{
			UID:    uidFor(pos),
			Vector: []float32{float32(pos), 0},
		}
	}

	ix := newTestIndex(t, DefaultConfig())
	if err := ix.Build(records); err != nil {
		t.Fatalf("Build: %v", err)
	}

	results, err := ix.NN([]float32{50, 0}, 3)
	if err != nil {
		t.Fatalf("NN: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(results))
	}
	if results[0].Record.UID != uidFor(50) {
		t.Errorf("nearest to 50 = %v, want %v", results[0].Record.UID, uidFor(50))
	}
}

func uidFor(i int) string {
	return fmt.Sprintf("uid-%d", i)
}

func TestUpdateAfterBuild(t *testing.T) {
	ix := newTestIndex(t, DefaultConfig())
	initial := make([]descriptor.Record[string], 100)
	for i := range initial {
		initial[i] = descriptor.Record[string]{UID: uidFor(i), Vector: []float32{float32(i), 0}}
	}
	if err := ix.Build(initial); err != nil {
		t.Fatalf("Build: %v", err)
	}

	more := make([]descriptor.Record[string], 10)
	for i := range more {
		more[i] = descriptor.Record[string]{UID: uidFor(1000 + i), Vector: []float32{float32(1000 + i), 0}}
	}
	if err := ix.Update(more); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if ix.Count() != 110 {
		t.Fatalf("Count() = %d, want 110", ix.Count())
	}
}

func TestUpdateOnKnownUIDIsNoOp(t *testing.T) {
	ix := newTestIndex(t, DefaultConfig())
	if err := ix.Build(corners()); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := ix.Update([]descriptor.Record[string]{{UID: "origin", Vector: []float32{9, 9, 9}}}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	results, err := ix.NN([]float32{0, 0, 0}, 1)
	if err != nil {
		t.Fatalf("NN: %v", err)
	}
	if results[0].Record.UID != "origin" {
		t.Fatalf("origin's vector appears to have changed despite re-Update")
	}
}

func TestUpdateRejectsReadOnly(t *testing.T) {
	cfg := DefaultConfig()
	ix := newTestIndex(t, cfg)
	if err := ix.Build(corners()); err != nil {
		t.Fatalf("Build: %v", err)
	}
	ix.mu.Lock()
	ix.cfg.ReadOnly = true
	ix.mu.Unlock()

	if err := ix.Update([]descriptor.Record[string]{{UID: "extra", Vector: []float32{1, 1, 1}}}); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("err = %v, want ErrReadOnly", err)
	}
}

func TestUpdateRecoversFromLatchedRebuildNeeded(t *testing.T) {
	ix := newTestIndex(t, DefaultConfig())
	if err := ix.Build(corners()); err != nil {
		t.Fatalf("Build: %v", err)
	}

	// Simulate a prior partial in-place add failure having latched the
	// rebuild-needed flag, without going through the engine failure path.
	ix.mu.Lock()
	ix.needsRebuild = true
	ix.mu.Unlock()

	if err := ix.Update([]descriptor.Record[string]{{UID: "extra", Vector: []float32{2, 2, 2}}}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	ix.mu.RLock()
	stillLatched := ix.needsRebuild
	ix.mu.RUnlock()
	if stillLatched {
		t.Fatal("needsRebuild still set after a successful Update, want it cleared")
	}
	if ix.Count() != 6 {
		t.Fatalf("Count() = %d, want 6", ix.Count())
	}

	results, err := ix.NN([]float32{2, 2, 2}, 1)
	if err != nil {
		t.Fatalf("NN: %v", err)
	}
	if results[0].Record.UID != "extra" {
		t.Fatalf("NN for the new record = %v, want extra", results)
	}

	results, err = ix.NN([]float32{0, 0, 0}, 1)
	if err != nil {
		t.Fatalf("NN: %v", err)
	}
	if results[0].Record.UID != "origin" {
		t.Fatalf("NN for a pre-existing record after recovery = %v, want origin", results)
	}
}

func TestUpdateOnEmptyIndexDelegatesToBuild(t *testing.T) {
	ix := newTestIndex(t, DefaultConfig())
	if err := ix.Update(corners()); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if ix.Count() != 5 {
		t.Fatalf("Count() = %d, want 5", ix.Count())
	}
}

func TestRemoveThenReAdd(t *testing.T) {
	ix := newTestIndex(t, DefaultConfig())
	initial := make([]descriptor.Record[string], 100)
	for i := range initial {
		initial[i] = descriptor.Record[string]{UID: uidFor(i), Vector: []float32{float32(i), 0}}
	}
	if err := ix.Build(initial); err != nil {
		t.Fatalf("Build: %v", err)
	}

	toRemove := []string{uidFor(10), uidFor(98)}
	if err := ix.Remove(toRemove); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if ix.Count() != 98 {
		t.Fatalf("Count() = %d after removal, want 98", ix.Count())
	}

	more := make([]descriptor.Record[string], 10)
	for i := range more {
		more[i] = descriptor.Record[string]{UID: uidFor(2000 + i), Vector: []float32{float32(2000 + i), 0}}
	}
	if err := ix.Update(more); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if ix.Count() != 108 {
		t.Fatalf("Count() = %d after update, want 108", ix.Count())
	}
	if ix.bm.NextIndex() != 110 {
		t.Fatalf("NextIndex() = %d, want 110 (no reuse of removed indices)", ix.bm.NextIndex())
	}

	results, err := ix.NN([]float32{10, 0}, 1)
	if err != nil {
		t.Fatalf("NN: %v", err)
	}
	if results[0].Record.UID == uidFor(10) {
		t.Fatal("removed UID is still its own nearest neighbor")
	}
}

func TestRemoveOnEmptyIndexFailsWithUIDNotFound(t *testing.T) {
	ix := newTestIndex(t, DefaultConfig())
	err := ix.Remove([]string{"ghost"})
	var notFound *UIDNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("err = %v, want *UIDNotFoundError", err)
	}
	if notFound.UID != "ghost" {
		t.Errorf("UIDNotFoundError.UID = %v, want \"ghost\"", notFound.UID)
	}
}

func TestRemoveOnEmptyIndexNamesFirstOffenderAmongMultipleUIDs(t *testing.T) {
	ix := newTestIndex(t, DefaultConfig())
	err := ix.Remove([]string{"ghost", "other"})
	var notFound *UIDNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("err = %v, want *UIDNotFoundError", err)
	}
	if notFound.UID != "ghost" {
		t.Errorf("UIDNotFoundError.UID = %v, want the first offending UID \"ghost\"", notFound.UID)
	}
}

func TestRemoveNamesFirstOffenderWhenEarlierUIDsExist(t *testing.T) {
	ix := newTestIndex(t, DefaultConfig())
	if err := ix.Build(corners()); err != nil {
		t.Fatalf("Build: %v", err)
	}
	err := ix.Remove([]string{"origin", "ghost", "px"})
	var notFound *UIDNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("err = %v, want *UIDNotFoundError", err)
	}
	if notFound.UID != "ghost" {
		t.Errorf("UIDNotFoundError.UID = %v, want \"ghost\"", notFound.UID)
	}
	if ix.Count() != 5 {
		t.Fatalf("Count() = %d after a failed Remove, want 5 (no partial mutation)", ix.Count())
	}
}

func TestRemoveRejectsReadOnly(t *testing.T) {
	cfg := DefaultConfig()
	ix := newTestIndex(t, cfg)
	if err := ix.Build(corners()); err != nil {
		t.Fatalf("Build: %v", err)
	}
	ix.mu.Lock()
	ix.cfg.ReadOnly = true
	ix.mu.Unlock()

	if err := ix.Remove([]string{"origin"}); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("err = %v, want ErrReadOnly", err)
	}
}

func TestResetRejectsReadOnly(t *testing.T) {
	cfg := DefaultConfig()
	ix := newTestIndex(t, cfg)
	if err := ix.Build(corners()); err != nil {
		t.Fatalf("Build: %v", err)
	}
	ix.mu.Lock()
	ix.cfg.ReadOnly = true
	ix.mu.Unlock()

	if err := ix.Reset(); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("err = %v, want ErrReadOnly", err)
	}
}

func TestUpdateAfterRemoveAllPreservesDimension(t *testing.T) {
	ix := newTestIndex(t, DefaultConfig())
	if err := ix.Build(corners()); err != nil {
		t.Fatalf("Build: %v", err)
	}
	all := []string{"origin", "px", "py", "pz", "diag"}
	if err := ix.Remove(all); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if ix.Count() != 0 {
		t.Fatalf("Count() = %d after removing everything, want 0", ix.Count())
	}

	// The index is Populated (empty), not Empty: a wrong-dimension batch
	// must still be rejected rather than silently re-deriving dim.
	wrongDim := []descriptor.Record[string]{{UID: "bad", Vector: []float32{1, 2}}}
	if err := ix.Update(wrongDim); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("err = %v, want ErrDimensionMismatch", err)
	}

	ok := []descriptor.Record[string]{{UID: "reborn", Vector: []float32{5, 5, 5}}}
	if err := ix.Update(ok); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if ix.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", ix.Count())
	}
}

func TestPersistenceAcrossInstances(t *testing.T) {
	backend := persistence.NewMemoryBackend()
	res := Resources[string]{
		Backend:      backend,
		DescriptorKV: persistence.NewMemoryKVStore[string, descriptor.Record[string]](),
		Idx2UIDKV:    persistence.NewMemoryKVStore[uint64, string](),
		UID2IdxKV:    persistence.NewMemoryKVStore[string, uint64](),
	}

	ix1, err := New[string](DefaultConfig(), res)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := ix1.Build(corners()); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := ix1.Update([]descriptor.Record[string]{{UID: "extra", Vector: []float32{2, 2, 2}}}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := ix1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	ix2, err := New[string](DefaultConfig(), res)
	if err != nil {
		t.Fatalf("New (reconstruct): %v", err)
	}
	if ix2.Count() != 6 {
		t.Fatalf("Count() after reconstruction = %d, want 6", ix2.Count())
	}

	results, err := ix2.NN([]float32{2, 2, 2}, 1)
	if err != nil {
		t.Fatalf("NN: %v", err)
	}
	if len(results) != 1 || results[0].Record.UID != "extra" {
		t.Fatalf("NN after reconstruction = %v, want [extra]", results)
	}
}

func TestConstructionRejectsConfigurationMismatch(t *testing.T) {
	backend := persistence.NewMemoryBackend()
	res := Resources[string]{Backend: backend}
	cfg := DefaultConfig()
	ix1, err := New[string](cfg, res)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := ix1.Build(corners()); err != nil {
		t.Fatalf("Build: %v", err)
	}

	cfg2 := cfg
	cfg2.FactoryString = "HNSW16"
	if _, err := New[string](cfg2, res); !errors.Is(err, ErrConfigurationMismatch) {
		t.Fatalf("err = %v, want ErrConfigurationMismatch", err)
	}
}

func TestGetConfigRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RandomSeed = 99
	ix := newTestIndex(t, cfg)
	got := ix.GetConfig()
	if got != cfg {
		t.Fatalf("GetConfig() = %+v, want %+v", got, cfg)
	}

	ix2, err := FromConfig[string](got, Resources[string]{})
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	if ix2.GetConfig() != got {
		t.Fatalf("FromConfig(GetConfig(ix)).GetConfig() != GetConfig(ix)")
	}
}

func TestResetClearsIndex(t *testing.T) {
	ix := newTestIndex(t, DefaultConfig())
	if err := ix.Build(corners()); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := ix.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if ix.Count() != 0 {
		t.Fatalf("Count() after Reset = %d, want 0", ix.Count())
	}
	stats := ix.Stats()
	if stats.IsTrained || stats.Dimension != 0 {
		t.Fatalf("Stats() after Reset = %+v, want zeroed", stats)
	}
}

func TestStatsReflectsState(t *testing.T) {
	ix := newTestIndex(t, DefaultConfig())
	if err := ix.Build(corners()); err != nil {
		t.Fatalf("Build: %v", err)
	}
	stats := ix.Stats()
	if stats.Count != 5 || !stats.IsTrained || stats.Dimension != 3 {
		t.Fatalf("Stats() = %+v, want Count=5 IsTrained=true Dimension=3", stats)
	}
}

func TestValidateAdjudicationRejectsOutOfRange(t *testing.T) {
	if err := ValidateAdjudication(map[string]float32{"a": 0.5}); err != nil {
		t.Fatalf("ValidateAdjudication: %v", err)
	}
	if err := ValidateAdjudication(map[string]float32{"a": 1.5}); err == nil {
		t.Fatal("ValidateAdjudication(1.5) succeeded, want an error")
	}
	if err := ValidateAdjudication(map[string]float32{"a": -0.1}); err == nil {
		t.Fatal("ValidateAdjudication(-0.1) succeeded, want an error")
	}
}
