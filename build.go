package annindex

import (
	"github.com/Chen8023/smqtk-ann/pkg/bimap"
	"github.com/Chen8023/smqtk-ann/pkg/descriptor"
	"github.com/Chen8023/smqtk-ann/pkg/engine"
)

// Build discards all prior content and indexes records from scratch: fails
// with ErrReadOnly on a read-only Index, ErrEmptyInput on an empty slice.
// Dimension is fixed from the first record. A validation, descriptor-store
// or engine failure leaves the Index exactly as it was before Build was
// called: no partial visibility. A failure while mirroring to the KV
// resources or persisting comes after the new in-memory state has replaced
// the old one; that state stays in place and the error is a *PersistError.
func (ix *Index[U]) Build(records []descriptor.Record[U]) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.cfg.ReadOnly {
		return wrapErr("build", ErrReadOnly)
	}
	if len(records) == 0 {
		return wrapErr("build", ErrEmptyInput)
	}

	opID := newOpID()
	log := ix.log.With("op", "build", "op_id", opID)
	log.Info("start", "count", len(records))

	dim := len(records[0].Vector)
	for _, r := range records {
		if len(r.Vector) != dim {
			log.Error("dimension mismatch")
			return wrapErr("build", ErrDimensionMismatch)
		}
	}

	newDS := descriptor.New[U](dim)
	if err := newDS.PutMany(records); err != nil {
		log.Error("descriptor store rejected batch", "err", err)
		return wrapErr("build", err)
	}

	newBM := bimap.New[U]()
	uids := make([]U, len(records))
	vectors := make([][]float32, len(records))
	for i, r := range records {
		uids[i] = r.UID
		vectors[i] = r.Vector
	}
	idxs := newBM.Alloc(uids)

	opts := engine.Options{NProbe: ix.cfg.IVFNProbe, RandomSeed: ix.cfg.RandomSeed}
	ea, err := engine.New(ix.cfg.FactoryString, dim, opts)
	if err != nil {
		log.Error("engine construction failed", "err", err)
		return wrapErr("build", &EngineFailureError{Msg: err.Error()})
	}
	if err := ea.Train(vectors); err != nil {
		log.Error("engine training failed", "err", err)
		return wrapErr("build", &EngineFailureError{Msg: err.Error()})
	}
	if err := ea.AddWithIDs(vectors, idxs); err != nil {
		log.Error("engine add failed", "err", err)
		return wrapErr("build", &EngineFailureError{Msg: err.Error()})
	}

	ix.ds = newDS
	ix.bm = newBM
	ix.ea = ea
	ix.dim = dim
	ix.isTrained = true
	ix.needsRebuild = false

	if err := ix.clearKV(); err != nil {
		log.Error("kv mirror clear failed", "err", err)
		return wrapErr("build", &PersistError{Err: err})
	}
	for i, r := range records {
		if err := ix.mirrorPut(r.UID, idxs[i], r); err != nil {
			log.Error("kv mirror write failed", "err", err)
			return wrapErr("build", &PersistError{Err: err})
		}
	}

	if err := ix.persist(); err != nil {
		log.Error("persist failed", "err", err)
		return wrapErr("build", err)
	}

	log.Info("done", "count", ix.bm.Len())
	return nil
}
