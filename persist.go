package annindex

import (
	"github.com/Chen8023/smqtk-ann/pkg/descriptor"
	"github.com/Chen8023/smqtk-ann/pkg/persistence"
)

// persist writes the current engine/param blob pair to res.Backend, if
// configured. A failure here leaves the in-memory state mutated and
// consistent: callers may retry persistence.
func (ix *Index[U]) persist() error {
	if ix.res.Backend == nil {
		return nil
	}
	engineBlob, err := ix.ea.Serialize()
	if err != nil {
		return &PersistError{Err: err}
	}
	param := persistence.ParamBlob{
		FactoryString: ix.cfg.FactoryString,
		Dimension:     ix.dim,
		IsTrained:     ix.isTrained,
		NextIndex:     ix.bm.NextIndex(),
	}
	paramBlob, err := param.Encode()
	if err != nil {
		return &PersistError{Err: err}
	}
	if err := ix.res.Backend.WritePair(engineBlob, paramBlob); err != nil {
		return &PersistError{Err: err}
	}
	return nil
}

// persistEmpty overwrites the persisted blob pair with an empty
// serialization after Reset, rather than deleting the slots outright.
func (ix *Index[U]) persistEmpty() error {
	if ix.res.Backend == nil {
		return nil
	}
	param := persistence.ParamBlob{
		FactoryString: ix.cfg.FactoryString,
		Dimension:     0,
		IsTrained:     false,
		NextIndex:     0,
	}
	paramBlob, err := param.Encode()
	if err != nil {
		return &PersistError{Err: err}
	}
	if err := ix.res.Backend.WritePair(nil, paramBlob); err != nil {
		return &PersistError{Err: err}
	}
	return nil
}

// mirrorPut replays a single (uid, idx, record) triple into the optional KV
// resources, so a successor Index can rehydrate the UID<->idx mapping the
// engine blob alone doesn't carry.
func (ix *Index[U]) mirrorPut(uid U, idx uint64, rec descriptor.Record[U]) error {
	if ix.res.DescriptorKV != nil {
		if err := ix.res.DescriptorKV.Put(uid, rec); err != nil {
			return err
		}
	}
	if ix.res.Idx2UIDKV != nil {
		if err := ix.res.Idx2UIDKV.Put(idx, uid); err != nil {
			return err
		}
	}
	if ix.res.UID2IdxKV != nil {
		if err := ix.res.UID2IdxKV.Put(uid, idx); err != nil {
			return err
		}
	}
	return nil
}

func (ix *Index[U]) mirrorDelete(uid U, idx uint64) {
	if ix.res.DescriptorKV != nil {
		_ = ix.res.DescriptorKV.Delete(uid)
	}
	if ix.res.Idx2UIDKV != nil {
		_ = ix.res.Idx2UIDKV.Delete(idx)
	}
	if ix.res.UID2IdxKV != nil {
		_ = ix.res.UID2IdxKV.Delete(uid)
	}
}

// clearKV wipes every KV resource, used by Reset.
func (ix *Index[U]) clearKV() error {
	if ix.res.Idx2UIDKV != nil {
		idxs, err := ix.res.Idx2UIDKV.Keys()
		if err != nil {
			return err
		}
		for _, idx := range idxs {
			_ = ix.res.Idx2UIDKV.Delete(idx)
		}
	}
	if ix.res.DescriptorKV != nil {
		uids, err := ix.res.DescriptorKV.Keys()
		if err != nil {
			return err
		}
		for _, uid := range uids {
			_ = ix.res.DescriptorKV.Delete(uid)
		}
	}
	if ix.res.UID2IdxKV != nil {
		uids, err := ix.res.UID2IdxKV.Keys()
		if err != nil {
			return err
		}
		for _, uid := range uids {
			_ = ix.res.UID2IdxKV.Delete(uid)
		}
	}
	return nil
}
