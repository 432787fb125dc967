package codec

import "encoding/json"

// JSON is a Codec that serializes values using encoding/json.
// The zero value is ready to use. Handy when cached payloads must stay
// readable by other tooling.
type JSON[V any] struct{}

func (JSON[V]) Encode(v V) ([]byte, error) {
	return json.Marshal(v)
}

func (JSON[V]) Decode(b []byte) (V, error) {
	var v V
	err := json.Unmarshal(b, &v)
	return v, err
}
