package compcache

import (
	"context"
	"sync/atomic"
)

// Handle is a single-assignment result cell shared between the goroutine
// producing a value and any number of readers. It is set exactly once:
// readers arriving before completion block in Get, readers arriving after
// observe the resolved result immediately.
type Handle[V any] struct {
	done     chan struct{}
	resolved atomic.Bool

	// value and err are written once before done is closed.
	value V
	err   error
}

// NewHandle returns an empty, unresolved handle.
func NewHandle[V any]() *Handle[V] {
	return &Handle[V]{done: make(chan struct{})}
}

// Get blocks until the handle is resolved and returns the stored result.
// The context only bounds the wait; it does not cancel the producer.
func (h *Handle[V]) Get(ctx context.Context) (V, error) {
	select {
	case <-h.done:
		return h.value, h.err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// TryGet returns the result and true when the handle is resolved, or the
// zero value and false while the producer is still running.
func (h *Handle[V]) TryGet() (V, bool, error) {
	select {
	case <-h.done:
		return h.value, true, h.err
	default:
		var zero V
		return zero, false, nil
	}
}

// Resolve stores the result and wakes all readers. Exactly one producer may
// resolve a handle; a second call is an at-most-once violation upstream and
// panics.
func (h *Handle[V]) Resolve(value V, err error) {
	if !h.resolved.CompareAndSwap(false, true) {
		panic("compcache: handle resolved twice")
	}
	h.value = value
	h.err = err
	close(h.done)
}
