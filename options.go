package compcache

import "go.uber.org/zap"

// Option mutates a Cache when constructing it.
type Option func(*Cache)

// WithLogger attaches a structured logger; the default is a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Cache) {
		if log != nil {
			c.log = log
		}
	}
}
