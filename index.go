package annindex

import (
	"fmt"
	"sync"

	"github.com/Chen8023/smqtk-ann/pkg/bimap"
	"github.com/Chen8023/smqtk-ann/pkg/descriptor"
	"github.com/Chen8023/smqtk-ann/pkg/engine"
	"github.com/Chen8023/smqtk-ann/pkg/persistence"
	"github.com/google/uuid"
)

// Resources bundles the pluggable backing stores (descriptor_set,
// idx2uid_kvs, uid2idx_kvs, index_element, index_param_element). They are
// kept out of Config because they are handles, not comparable values:
// Config alone is what the round-trip property is checked against.
type Resources[U comparable] struct {
	// Logger receives structured per-operation events. Defaults to
	// NopLogger when nil.
	Logger Logger

	// Backend is the two-slot Persistence Layer (engine blob + parameter
	// blob). Nil means no durability: state lives only in memory.
	Backend persistence.Backend

	// DescriptorKV, Idx2UIDKV, and UID2IdxKV mirror DS/BM writes, enabling
	// a later Index to rehydrate the UID<->idx mapping and vector content
	// that the engine blob alone does not carry (it only knows dense idx
	// values, never UIDs). All three are optional; when nil the
	// corresponding component is memory-only and a new Index will have to
	// be rebuilt from scratch even if Backend has a snapshot.
	DescriptorKV persistence.KVStore[U, descriptor.Record[U]]
	Idx2UIDKV    persistence.KVStore[uint64, U]
	UID2IdxKV    persistence.KVStore[U, uint64]
}

// Index is the top-level Index Controller: it coordinates the Descriptor
// Store, the UID<->index Bimap, the ANN Engine Adapter, and the
// Persistence Layer behind a single readers-writer lock.
type Index[U comparable] struct {
	mu sync.RWMutex

	cfg Config
	log Logger

	dim          int
	isTrained    bool
	needsRebuild bool // latched after a partial in-place add failure

	ds *descriptor.Store[U]
	bm *bimap.Bimap[U]
	ea engine.Adapter

	res Resources[U]
}

// New constructs an Index from cfg and the supplied Resources. If Backend
// already holds a snapshot (and the KV resources are populated), the new
// Index rehydrates DS, BM, and the engine from it; the persisted factory
// string must match cfg.FactoryString or construction fails with
// ErrConfigurationMismatch. Config carries no dimension, so the persisted
// dimension is not checked against cfg; it is adopted as is. Construction with a conflicting
// gpu_id (already pinned by a live Index in this process) fails with
// ErrResourceBusy.
func New[U comparable](cfg Config, res Resources[U]) (*Index[U], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.UseGPU {
		if err := acquireGPU(cfg.GPUID); err != nil {
			return nil, err
		}
	}

	log := res.Logger
	if log == nil {
		log = NopLogger()
	}

	ix := &Index[U]{
		cfg: cfg,
		log: log,
		ds:  descriptor.New[U](0),
		bm:  bimap.New[U](),
		res: res,
	}

	if res.Backend != nil {
		if err := ix.rehydrate(); err != nil {
			if cfg.UseGPU {
				releaseGPU(cfg.GPUID)
			}
			return nil, err
		}
	}

	return ix, nil
}

// FromConfig is an alias for New, named for the round-trip property
// `from_config(get_config(from_config(c)))`.
func FromConfig[U comparable](cfg Config, res Resources[U]) (*Index[U], error) {
	return New(cfg, res)
}

// GetConfig returns the Index's current scalar configuration.
func (ix *Index[U]) GetConfig() Config {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.cfg
}

// Close releases the accelerator pin, if any. It does not close Backend or
// the KV resources: those are owned by the caller, who may share them with
// a successor Index to persist state across instances.
func (ix *Index[U]) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.cfg.UseGPU {
		releaseGPU(ix.cfg.GPUID)
	}
	return nil
}

// rehydrate loads engine/param blobs from res.Backend and, when the KV
// resources are present, replays the UID<->idx mapping and DS content.
func (ix *Index[U]) rehydrate() error {
	engineBlob, paramBlob, err := ix.res.Backend.ReadPair()
	if err == persistence.ErrNoSnapshot {
		return nil
	}
	if err != nil {
		return &PersistError{Err: err}
	}

	params, err := persistence.DecodeParamBlob(paramBlob)
	if err != nil {
		return &PersistError{Err: err}
	}
	if params.FactoryString != ix.cfg.FactoryString || (ix.dim != 0 && params.Dimension != ix.dim) {
		return ErrConfigurationMismatch
	}

	opts := engine.Options{NProbe: ix.cfg.IVFNProbe, RandomSeed: ix.cfg.RandomSeed}
	ea, err := engine.Deserialize(params.FactoryString, params.Dimension, opts, engineBlob)
	if err != nil {
		return &EngineFailureError{Msg: err.Error()}
	}

	ix.dim = params.Dimension
	ix.isTrained = params.IsTrained
	ix.ea = ea
	ix.bm.SetNextIndex(params.NextIndex)

	if ix.res.Idx2UIDKV == nil || ix.res.DescriptorKV == nil {
		return nil
	}
	idxs, err := ix.res.Idx2UIDKV.Keys()
	if err != nil {
		return &PersistError{Err: err}
	}
	records := make([]descriptor.Record[U], 0, len(idxs))
	pairs := make([]struct {
		uid U
		idx uint64
	}, 0, len(idxs))
	for _, idx := range idxs {
		uid, ok, err := ix.res.Idx2UIDKV.Get(idx)
		if err != nil {
			return &PersistError{Err: err}
		}
		if !ok {
			continue
		}
		rec, ok, err := ix.res.DescriptorKV.Get(uid)
		if err != nil {
			return &PersistError{Err: err}
		}
		if !ok {
			continue
		}
		records = append(records, rec)
		pairs = append(pairs, struct {
			uid U
			idx uint64
		}{uid, idx})
	}
	if len(records) > 0 {
		if err := ix.ds.PutMany(records); err != nil {
			return fmt.Errorf("annindex: rehydrate DS: %w", err)
		}
	}

	restored := make(map[uint64]U, len(pairs))
	for _, pr := range pairs {
		restored[pr.idx] = pr.uid
	}
	ix.bm.Restore(restored, params.NextIndex)
	return nil
}

func newOpID() string {
	return uuid.NewString()
}
