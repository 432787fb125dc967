package codec

import "github.com/fxamacker/cbor/v2"

// Deterministic is a Codec using RFC 8949 Core Deterministic CBOR encoding.
// Equal values always produce identical bytes, which makes it the right
// choice for key serialization feeding a content hash. This is the default
// key codec.
//
// The zero value is NOT ready to use; construct with NewDeterministic or
// MustDeterministic.
type Deterministic[V any] struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

var _ Codec[struct{}] = Deterministic[struct{}]{}

// NewDeterministic constructs a deterministic CBOR codec.
func NewDeterministic[V any]() (Deterministic[V], error) {
	eo := cbor.CoreDetEncOptions()
	eo.Time = cbor.TimeRFC3339Nano
	em, err := eo.EncMode()
	if err != nil {
		return Deterministic[V]{}, err
	}
	dm, err := (cbor.DecOptions{}).DecMode()
	if err != nil {
		return Deterministic[V]{}, err
	}
	return Deterministic[V]{enc: em, dec: dm}, nil
}

// MustDeterministic is like NewDeterministic but panics on error. The
// deterministic option set is statically valid, so the panic path is
// unreachable in practice.
func MustDeterministic[V any]() Deterministic[V] {
	c, err := NewDeterministic[V]()
	if err != nil {
		panic(err)
	}
	return c
}

func (c Deterministic[V]) Encode(v V) ([]byte, error) {
	return c.enc.Marshal(v)
}

func (c Deterministic[V]) Decode(b []byte) (V, error) {
	var v V
	err := c.dec.Unmarshal(b, &v)
	return v, err
}
