// Package cborcanon provides the deterministic CBOR encoding used on the wire.
// Encoding is canonical (sorted map keys, shortest integers) so identical
// messages always produce identical bytes; decoding is bounded so a peer
// cannot make us allocate unbounded containers.
package cborcanon

import (
	"bytes"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// CanonicalMode is the encoding mode for every outgoing message
var CanonicalMode cbor.EncMode

// DecodeMode is the bounded decoding mode for every incoming message
var DecodeMode cbor.DecMode

func init() {
	var err error
	CanonicalMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create canonical CBOR mode: %v", err))
	}

	DecodeMode, err = cbor.DecOptions{
		MaxNestedLevels:  16,
		MaxArrayElements: 4096,
		MaxMapPairs:      256,
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decode mode: %v", err))
	}
}

// Marshal encodes v into canonical CBOR format
func Marshal(v interface{}) ([]byte, error) {
	return CanonicalMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v
func Unmarshal(data []byte, v interface{}) error {
	return DecodeMode.Unmarshal(data, v)
}

// IsCanonical checks if the given CBOR bytes are in canonical form
func IsCanonical(data []byte) bool {
	var v interface{}
	if err := Unmarshal(data, &v); err != nil {
		return false
	}
	canonical, err := Marshal(v)
	if err != nil {
		return false
	}
	return bytes.Equal(data, canonical)
}
