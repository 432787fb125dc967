package compcache

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/opencontainers/go-digest"
)

// EntryKey addresses one cache entry: a caller-chosen namespace plus the
// content hash of the serialized lookup key. Two key types that serialize to
// the same bytes share an entry by design; that is how a namespace supports
// interchangeable key types.
type EntryKey struct {
	Namespace string
	Key       string // hex-encoded content digest
}

// keyEnc is the deterministic CBOR mode used for lookup keys. Equal keys must
// produce identical bytes or they would hash to different entries.
var keyEnc = func() cbor.EncMode {
	eo := cbor.CoreDetEncOptions()
	eo.Time = cbor.TimeRFC3339Nano
	em, err := eo.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// EncodeKey serializes a lookup key with the canonical deterministic
// encoding.
func EncodeKey(key any) ([]byte, error) {
	return keyEnc.Marshal(key)
}

// ContentHash returns the digest of serialized key bytes. The hex form is
// the on-disk and manifest key.
func ContentHash(b []byte) digest.Digest {
	return digest.SHA256.FromBytes(b)
}

// NewEntryKey hashes serialized key bytes into an EntryKey.
func NewEntryKey(namespace string, keyBytes []byte) EntryKey {
	return EntryKey{Namespace: namespace, Key: ContentHash(keyBytes).Encoded()}
}
