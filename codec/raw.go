package codec

// Raw is a no-op Codec for []byte values. Decode copies so callers cannot
// alias cache-owned buffers.
type Raw struct{}

var _ Codec[[]byte] = Raw{}

func (Raw) Encode(b []byte) ([]byte, error) {
	return b, nil
}

func (Raw) Decode(b []byte) ([]byte, error) {
	if b == nil {
		return nil, nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}
