package annindex

import (
	"github.com/Chen8023/smqtk-ann/pkg/engine"
)

// Remove deletes uids: fails with ErrReadOnly, or with *UIDNotFoundError
// naming the first UID not present (the whole batch is validated before any
// mutation, so a failed Remove leaves the Index byte-identical). On
// success, removes from BM and DS, then either removes in place (when the
// engine pipeline supports it) or rebuilds the engine from the surviving
// descriptors — retraining if the factory string requires it.
// next_index is never reused.
func (ix *Index[U]) Remove(uids []U) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.cfg.ReadOnly {
		return wrapErr("remove", ErrReadOnly)
	}

	for _, uid := range uids {
		if !ix.bm.Has(uid) {
			return wrapErr("remove", &UIDNotFoundError{UID: uid})
		}
	}

	opID := newOpID()
	log := ix.log.With("op", "remove", "op_id", opID)
	log.Info("start", "count", len(uids))

	idxs, err := ix.bm.RemoveByUID(uids)
	if err != nil {
		// Already validated above; this would only happen under a data race
		// the exclusive lock rules out.
		return wrapErr("remove", err)
	}
	if err := ix.ds.RemoveMany(uids); err != nil {
		return wrapErr("remove", err)
	}
	for i, uid := range uids {
		ix.mirrorDelete(uid, idxs[i])
	}

	if ix.ea.SupportsRemoval() {
		if _, err := ix.ea.Remove(idxs); err != nil {
			log.Error("in-place engine remove failed; marking rebuild-needed", "err", err)
			ix.needsRebuild = true
			return wrapErr("remove", &EngineFailureError{Msg: err.Error()})
		}
	} else {
		if err := ix.rebuildEngine(); err != nil {
			log.Error("engine rebuild failed", "err", err)
			return wrapErr("remove", err)
		}
	}

	if err := ix.persist(); err != nil {
		log.Error("persist failed", "err", err)
		return wrapErr("remove", err)
	}

	log.Info("done", "removed", len(uids), "remaining", ix.bm.Len())
	return nil
}

// rebuildEngine reconstructs a fresh engine instance from every surviving
// (uid, vector) pair in DS, retraining if the factory string requires it.
// Used both after a Remove against a non-removal-capable pipeline and to
// clear a latched needsRebuild flag before the next Update.
func (ix *Index[U]) rebuildEngine() error {
	liveIdxs := ix.bm.Idxs()
	vectors := make([][]float32, 0, len(liveIdxs))
	idxs := make([]uint64, 0, len(liveIdxs))
	for _, idx := range liveIdxs {
		uid, err := ix.bm.LookupUID(idx)
		if err != nil {
			continue
		}
		rec, err := ix.ds.Get(uid)
		if err != nil {
			continue
		}
		vectors = append(vectors, rec.Vector)
		idxs = append(idxs, idx)
	}

	opts := engine.Options{NProbe: ix.cfg.IVFNProbe, RandomSeed: ix.cfg.RandomSeed}
	ea, err := engine.New(ix.cfg.FactoryString, ix.dim, opts)
	if err != nil {
		return &EngineFailureError{Msg: err.Error()}
	}
	if len(vectors) > 0 {
		if err := ea.Train(vectors); err != nil {
			return &EngineFailureError{Msg: err.Error()}
		}
		if err := ea.AddWithIDs(vectors, idxs); err != nil {
			return &EngineFailureError{Msg: err.Error()}
		}
	}

	ix.ea = ea
	ix.isTrained = len(vectors) > 0
	ix.needsRebuild = false
	return nil
}
