// Package encoding provides the little-endian binary layouts shared by the
// engine and persistence packages.
package encoding

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrInvalidVector is returned when vector bytes are malformed.
var ErrInvalidVector = errors.New("encoding: invalid vector bytes")

// EncodeVector serializes a float32 vector as a length-prefixed
// little-endian byte string.
func EncodeVector(vector []float32) ([]byte, error) {
	if vector == nil {
		return nil, ErrInvalidVector
	}

	buf := new(bytes.Buffer)
	buf.Grow(4 + len(vector)*4)

	if len(vector) > 2147483647 {
		return nil, fmt.Errorf("encoding: vector too large: %d elements exceeds maximum", len(vector))
	}
	if err := binary.Write(buf, binary.LittleEndian, int32(len(vector))); err != nil {
		return nil, fmt.Errorf("encoding: failed to encode vector length: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, vector); err != nil {
		return nil, fmt.Errorf("encoding: failed to encode vector values: %w", err)
	}

	return buf.Bytes(), nil
}

// DecodeVector is the inverse of EncodeVector.
func DecodeVector(data []byte) ([]float32, error) {
	if len(data) < 4 {
		return nil, ErrInvalidVector
	}

	r := bytes.NewReader(data)

	var length int32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return nil, fmt.Errorf("encoding: failed to decode vector length: %w", err)
	}
	if length < 0 {
		return nil, ErrInvalidVector
	}
	if length == 0 {
		return []float32{}, nil
	}

	expected := int(length) * 4
	if r.Len() < expected {
		return nil, ErrInvalidVector
	}

	vector := make([]float32, length)
	if err := binary.Read(r, binary.LittleEndian, vector); err != nil {
		return nil, fmt.Errorf("encoding: failed to decode vector values: %w", err)
	}

	return vector, nil
}

// EncodeVectors concatenates EncodeVector's output for each vector, prefixed
// by the vector count.
func EncodeVectors(vectors [][]float32) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, int32(len(vectors))); err != nil {
		return nil, fmt.Errorf("encoding: failed to encode vector count: %w", err)
	}
	for _, v := range vectors {
		enc, err := EncodeVector(v)
		if err != nil {
			return nil, err
		}
		buf.Write(enc)
	}
	return buf.Bytes(), nil
}
