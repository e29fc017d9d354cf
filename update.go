package annindex

import (
	"github.com/Chen8023/smqtk-ann/pkg/descriptor"
)

// Update appends descriptors: fails with ErrReadOnly, ErrEmptyInput, or
// ErrDimensionMismatch (any record whose vector length disagrees with the
// fixed dimension). If the Index has no engine yet (never built, or just
// Reset), Update behaves identically to Build; an Index emptied by Remove
// keeps its dimension and takes the path below. Otherwise, records whose UID is already known are
// no-ops (the incumbent vector is preserved); only new UIDs are
// allocated, written to DS, and added to the engine.
func (ix *Index[U]) Update(records []descriptor.Record[U]) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.cfg.ReadOnly {
		return wrapErr("update", ErrReadOnly)
	}
	if len(records) == 0 {
		return wrapErr("update", ErrEmptyInput)
	}

	// ix.ea is nil only before the first Build and right after Reset; a
	// Populated index emptied out by Remove keeps its engine and dim, so
	// delegating to Build here would wrongly re-derive dim from this batch.
	if ix.ea == nil {
		ix.mu.Unlock()
		err := ix.Build(records)
		ix.mu.Lock()
		return err
	}

	for _, r := range records {
		if len(r.Vector) != ix.dim {
			return wrapErr("update", ErrDimensionMismatch)
		}
	}

	opID := newOpID()
	log := ix.log.With("op", "update", "op_id", opID)
	log.Info("start", "count", len(records))

	// A rebuild forced by a prior partial-add failure must run, and clear
	// the latch, before this batch allocates any fresh bimap indices.
	// Otherwise rebuildEngine would re-add the fresh indices from Idxs(),
	// and the AddWithIDs below would then collide on them.
	if ix.needsRebuild {
		if err := ix.rebuildEngine(); err != nil {
			log.Error("forced rebuild failed", "err", err)
			return wrapErr("update", err)
		}
	}

	var fresh []descriptor.Record[U]
	for _, r := range records {
		if !ix.bm.Has(r.UID) {
			fresh = append(fresh, r)
		}
	}
	if len(fresh) == 0 {
		log.Info("done", "added", 0)
		return nil
	}

	uids := make([]U, len(fresh))
	vectors := make([][]float32, len(fresh))
	for i, r := range fresh {
		uids[i] = r.UID
		vectors[i] = r.Vector
	}

	if err := ix.ds.PutMany(fresh); err != nil {
		log.Error("descriptor store rejected batch", "err", err)
		return wrapErr("update", err)
	}
	idxs := ix.bm.Alloc(uids)

	if err := ix.ea.AddWithIDs(vectors, idxs); err != nil {
		log.Error("engine add failed; marking rebuild-needed", "err", err)
		ix.needsRebuild = true
		return wrapErr("update", &EngineFailureError{Msg: err.Error()})
	}

	for i, r := range fresh {
		if err := ix.mirrorPut(r.UID, idxs[i], r); err != nil {
			log.Error("kv mirror write failed", "err", err)
			return wrapErr("update", &PersistError{Err: err})
		}
	}

	if err := ix.persist(); err != nil {
		log.Error("persist failed", "err", err)
		return wrapErr("update", err)
	}

	log.Info("done", "added", len(fresh))
	return nil
}
