// Package codec provides pluggable serialization for cache keys and values.
//
// Values are serialized before they enter a cache slot or cross the wire;
// keys additionally need a deterministic encoding so that equal keys hash to
// equal content digests (see Deterministic).
package codec

// Codec encodes/decodes values V to []byte for storage and transport.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
