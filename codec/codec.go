// Package codec converts typed values to the opaque bytes backends store.
package codec

import "errors"

// Codec encodes/decodes values V to []byte for storage.
// Decode must not retain b.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode(b []byte) (V, error)
}

// ErrTooLarge is returned by Limit when a payload exceeds its bound.
var ErrTooLarge = errors.New("codec: payload too large")
