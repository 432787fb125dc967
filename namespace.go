package compcache

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// ProduceFunc computes the serialized value for a cache entry.
type ProduceFunc func(ctx context.Context) ([]byte, error)

// ByteGenerator is the byte-level generate-once contract. The in-process
// Cache implements it directly; the persistent clients implement it by
// driving the cache server, so the typed Generate helpers work against
// either.
type ByteGenerator interface {
	// GenerateBytes returns the cached bytes for (namespace, key), running
	// produce at most once per key concurrently within the process. A
	// produce error resolves all current waiters but is not cached: the
	// next call runs produce again.
	GenerateBytes(ctx context.Context, namespace string, key []byte, produce ProduceFunc) ([]byte, error)
}

// Cache is the in-process namespace-keyed generate-once registry. Entries
// are keyed by (namespace, content hash of the serialized key); inserting
// the empty handle under the lock is the concurrency gate that guarantees at
// most one producer per key.
type Cache struct {
	log *zap.Logger

	mu      sync.Mutex
	entries map[EntryKey]*Handle[[]byte]
}

// NewCache creates an empty in-process cache.
func NewCache(opts ...Option) *Cache {
	c := &Cache{
		log:     zap.NewNop(),
		entries: make(map[EntryKey]*Handle[[]byte]),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ ByteGenerator = (*Cache)(nil)

// GenerateBytes implements ByteGenerator. The first caller for a key spawns
// produce in the background and every caller, first included, waits on the
// shared handle.
func (c *Cache) GenerateBytes(ctx context.Context, namespace string, key []byte, produce ProduceFunc) ([]byte, error) {
	entry := NewEntryKey(namespace, key)
	handle, created := c.claim(entry)
	if created {
		go c.produce(ctx, entry, handle, produce)
	}
	return handle.Get(ctx)
}

// claim atomically looks up or inserts the handle for entry. The second
// return value reports whether this call created it and therefore owns the
// computation.
func (c *Cache) claim(entry EntryKey) (*Handle[[]byte], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.entries[entry]; ok {
		return h, false
	}
	h := NewHandle[[]byte]()
	c.entries[entry] = h
	return h, true
}

func (c *Cache) forget(entry EntryKey) {
	c.mu.Lock()
	delete(c.entries, entry)
	c.mu.Unlock()
}

func (c *Cache) produce(ctx context.Context, entry EntryKey, handle *Handle[[]byte], produce ProduceFunc) {
	raw, err := capture(func() ([]byte, error) { return produce(ctx) })
	if err != nil {
		// Failed computations are forgotten before the handle resolves, so
		// a caller that sees the error and retries claims a fresh entry.
		c.forget(entry)
		c.log.Debug("generation failed",
			zap.String("namespace", entry.Namespace),
			zap.String("key", entry.Key),
			zap.Error(err))
		handle.Resolve(nil, err)
		return
	}
	c.log.Debug("generation complete",
		zap.String("namespace", entry.Namespace),
		zap.String("key", entry.Key),
		zap.Int("bytes", len(raw)))
	handle.Resolve(raw, nil)
}
