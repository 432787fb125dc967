package compcache

import (
	"context"
	"fmt"

	"github.com/goforj/compcache/codec"
)

// GenerateFunc computes the value for a key. It runs at most once per key
// across all concurrent callers of the same generator.
type GenerateFunc[K, V any] func(ctx context.Context, key K) (V, error)

// GenerateStateFunc additionally receives an auxiliary state value. State is
// for injecting collateral resources (a logger, a connection pool); it is
// deliberately excluded from the cache key, so callers passing different
// state values for the same key share one entry.
type GenerateStateFunc[K, V, S any] func(ctx context.Context, key K, state S) (V, error)

// Generate returns the cached value for (namespace, key), computing it with
// fn when absent. Errors are not cached: a failed computation is retried on
// the next lookup. Values serialize through msgpack into the shared slot and
// every caller decodes from it, so the result always round-trips.
func Generate[K, V any](ctx context.Context, g ByteGenerator, namespace string, key K, fn GenerateFunc[K, V]) (V, error) {
	return generate(ctx, g, namespace, key, false, fn)
}

// GenerateResult is like Generate but also caches generation errors: the
// error message is serialized into the slot and later lookups short-circuit
// with a *CachedError instead of recomputing. Panics are never cached.
func GenerateResult[K, V any](ctx context.Context, g ByteGenerator, namespace string, key K, fn GenerateFunc[K, V]) (V, error) {
	return generate(ctx, g, namespace, key, true, fn)
}

// GenerateWith is Generate with an auxiliary state value threaded to fn.
func GenerateWith[K, V, S any](ctx context.Context, g ByteGenerator, namespace string, key K, state S, fn GenerateStateFunc[K, V, S]) (V, error) {
	return generate(ctx, g, namespace, key, false, bindState(state, fn))
}

// GenerateResultWith is GenerateResult with an auxiliary state value.
func GenerateResultWith[K, V, S any](ctx context.Context, g ByteGenerator, namespace string, key K, state S, fn GenerateStateFunc[K, V, S]) (V, error) {
	return generate(ctx, g, namespace, key, true, bindState(state, fn))
}

func bindState[K, V, S any](state S, fn GenerateStateFunc[K, V, S]) GenerateFunc[K, V] {
	return func(ctx context.Context, key K) (V, error) {
		return fn(ctx, key, state)
	}
}

func generate[K, V any](ctx context.Context, g ByteGenerator, namespace string, key K, cacheErrors bool, fn GenerateFunc[K, V]) (V, error) {
	var zero V
	keyBytes, err := EncodeKey(key)
	if err != nil {
		return zero, fmt.Errorf("compcache: encode key: %w", err)
	}

	values := codec.Msgpack[V]{}
	produce := func(ctx context.Context) ([]byte, error) {
		v, err := fn(ctx, key)
		if err != nil {
			if !cacheErrors {
				return nil, err
			}
			return encodeEnvelope(resultEnvelope{Err: err.Error()})
		}
		raw, err := values.Encode(v)
		if err != nil {
			return nil, fmt.Errorf("compcache: encode value: %w", err)
		}
		if cacheErrors {
			return encodeEnvelope(resultEnvelope{OK: true, Value: raw})
		}
		return raw, nil
	}

	raw, err := g.GenerateBytes(ctx, namespace, keyBytes, produce)
	if err != nil {
		return zero, err
	}
	if cacheErrors {
		env, err := decodeEnvelope(raw)
		if err != nil {
			return zero, fmt.Errorf("compcache: decode slot: %w", err)
		}
		if !env.OK {
			return zero, &CachedError{Message: env.Err}
		}
		raw = env.Value
	}
	v, err := values.Decode(raw)
	if err != nil {
		return zero, fmt.Errorf("compcache: decode value: %w", err)
	}
	return v, nil
}
