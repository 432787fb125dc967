package compcache

import (
	"context"
	"sync"

	"github.com/goforj/compcache/codec"
)

// Memo is a typed in-process generate-once registry. One container serves
// one key/value type pair; construct a Memo per call site instead of routing
// everything through a single type-erased map.
//
// Keys are serialized with a deterministic encoding and content-hashed, so
// any serializable type works as a key and equal keys always share an entry.
type Memo[K, V any] struct {
	keys codec.Codec[K]

	mu      sync.Mutex
	entries map[string]*Handle[V]
}

// NewMemo creates a Memo using the canonical deterministic key encoding.
func NewMemo[K, V any]() *Memo[K, V] {
	return NewMemoCodec[K, V](codec.MustDeterministic[K]())
}

// NewMemoCodec creates a Memo with an explicit key codec. The codec must be
// deterministic: equal keys have to encode to identical bytes.
func NewMemoCodec[K, V any](keys codec.Codec[K]) *Memo[K, V] {
	return &Memo[K, V]{
		keys:    keys,
		entries: make(map[string]*Handle[V]),
	}
}

// Generate returns the handle for key, spawning fn in the background when
// this is the first request. Concurrent callers of the same key receive the
// same handle and fn runs at most once; a failed or panicked run is
// forgotten so the next Generate retries.
func (m *Memo[K, V]) Generate(ctx context.Context, key K, fn GenerateFunc[K, V]) (*Handle[V], error) {
	raw, err := m.keys.Encode(key)
	if err != nil {
		return nil, err
	}
	hash := ContentHash(raw).Encoded()

	m.mu.Lock()
	if h, ok := m.entries[hash]; ok {
		m.mu.Unlock()
		return h, nil
	}
	h := NewHandle[V]()
	m.entries[hash] = h
	m.mu.Unlock()

	go m.run(ctx, hash, h, key, fn)
	return h, nil
}

// Remember is Generate followed by a blocking Get on the handle.
func (m *Memo[K, V]) Remember(ctx context.Context, key K, fn GenerateFunc[K, V]) (V, error) {
	h, err := m.Generate(ctx, key, fn)
	if err != nil {
		var zero V
		return zero, err
	}
	return h.Get(ctx)
}

func (m *Memo[K, V]) run(ctx context.Context, hash string, h *Handle[V], key K, fn GenerateFunc[K, V]) {
	v, err := capture(func() (V, error) { return fn(ctx, key) })
	if err != nil {
		m.mu.Lock()
		delete(m.entries, hash)
		m.mu.Unlock()
	}
	h.Resolve(v, err)
}

// MemoState is a Memo whose generator receives an auxiliary state value of
// type S. State is excluded from the cache key: callers with the same key
// share an entry regardless of the state value, and a different state type
// is simply a different container.
type MemoState[K, V, S any] struct {
	memo *Memo[K, V]
}

// NewMemoState creates a MemoState using the canonical key encoding.
func NewMemoState[K, V, S any]() *MemoState[K, V, S] {
	return &MemoState[K, V, S]{memo: NewMemo[K, V]()}
}

// Generate is Memo.Generate with state threaded to fn.
func (m *MemoState[K, V, S]) Generate(ctx context.Context, key K, state S, fn GenerateStateFunc[K, V, S]) (*Handle[V], error) {
	return m.memo.Generate(ctx, key, bindState(state, fn))
}

// Remember is Generate followed by a blocking Get on the handle.
func (m *MemoState[K, V, S]) Remember(ctx context.Context, key K, state S, fn GenerateStateFunc[K, V, S]) (V, error) {
	return m.memo.Remember(ctx, key, bindState(state, fn))
}
