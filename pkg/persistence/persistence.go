// Package persistence implements the Persistence Layer: a byte-addressable
// pair of blob slots (engine state, parameters) written atomically, so a
// controller instance can save and later rehydrate its full state.
package persistence

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
)

// ParamBlob is the second persisted slot: everything needed to reconstruct
// the engine's shape and the Bimap's allocation state, independent of the
// opaque engine blob itself.
type ParamBlob struct {
	FactoryString string
	Dimension     int
	IsTrained     bool
	NextIndex     uint64
}

// Encode serializes the param blob with encoding/gob, with no extra header
// or length prefix.
func (p ParamBlob) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := gob.NewEncoder(buf).Encode(p); err != nil {
		return nil, fmt.Errorf("persistence: encode param blob: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeParamBlob is the inverse of Encode.
func DecodeParamBlob(data []byte) (ParamBlob, error) {
	var p ParamBlob
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&p); err != nil {
		return ParamBlob{}, fmt.Errorf("persistence: decode param blob: %w", err)
	}
	return p, nil
}

// Backend is the Persistence Layer contract. Implementors
// must make WritePair atomic: either both blobs land or neither does,
// since a controller rehydrating from a torn write can't validate its own
// consistency.
type Backend interface {
	// ReadPair returns the most recently written (engine blob, param blob)
	// pair, or ErrNoSnapshot if nothing has been written yet.
	ReadPair() (engineBlob, paramBlob []byte, err error)

	// WritePair atomically replaces both blobs.
	WritePair(engineBlob, paramBlob []byte) error

	// Close releases any held resources (file handles, db connections).
	Close() error
}

// ErrNoSnapshot is returned by ReadPair when no snapshot has ever been
// written to this backend.
var ErrNoSnapshot = fmt.Errorf("persistence: no snapshot present")

// encodeUint64 / decodeUint64 are small helpers used by backends that store
// the next-index counter outside of the gob-encoded ParamBlob (none
// currently do, and nothing in the module calls them; kept for symmetry
// with internal/encoding's binary style).
func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func decodeUint64(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}
