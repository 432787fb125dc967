package compcache

import "github.com/vmihailenco/msgpack/v5"

// resultEnvelope is the slot format used by the error-caching entry points.
// It captures either a serialized value or a generation error message, so a
// failed computation can short-circuit later lookups of the same key.
type resultEnvelope struct {
	OK    bool   `msgpack:"ok"`
	Value []byte `msgpack:"value,omitempty"`
	Err   string `msgpack:"err,omitempty"`
}

func encodeEnvelope(env resultEnvelope) ([]byte, error) {
	return msgpack.Marshal(env)
}

func decodeEnvelope(b []byte) (resultEnvelope, error) {
	var env resultEnvelope
	err := msgpack.Unmarshal(b, &env)
	return env, err
}
