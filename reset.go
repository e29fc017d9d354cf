package annindex

import (
	"github.com/Chen8023/smqtk-ann/pkg/bimap"
	"github.com/Chen8023/smqtk-ann/pkg/descriptor"
)

// Reset clears DS, BM, and the engine, resets next_index to 0, and persists
// the empty state by overwriting the persisted blobs with the empty
// serialization rather than deleting the slots outright. Fails with
// ErrReadOnly.
func (ix *Index[U]) Reset() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.cfg.ReadOnly {
		return wrapErr("reset", ErrReadOnly)
	}

	opID := newOpID()
	log := ix.log.With("op", "reset", "op_id", opID)
	log.Info("start")

	ix.ds = descriptor.New[U](0)
	ix.bm = bimap.New[U]()
	ix.ea = nil
	ix.dim = 0
	ix.isTrained = false
	ix.needsRebuild = false

	if err := ix.clearKV(); err != nil {
		log.Error("kv mirror clear failed", "err", err)
		return wrapErr("reset", &PersistError{Err: err})
	}

	if err := ix.persistEmpty(); err != nil {
		log.Error("persist failed", "err", err)
		return wrapErr("reset", err)
	}

	log.Info("done")
	return nil
}
