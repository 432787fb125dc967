package client

import (
	"go.uber.org/zap"

	"github.com/goforj/compcache"
)

type settings struct {
	cfg compcache.Config
	log *zap.Logger
}

// Option customizes a client at construction time.
type Option func(*settings)

// WithLogger routes client logging to log.
func WithLogger(log *zap.Logger) Option {
	return func(s *settings) { s.log = log }
}

// WithConfig overrides timing settings. Fields left zero keep their defaults
// or, for Local clients, the values advertised in the discovery file.
func WithConfig(cfg compcache.Config) Option {
	return func(s *settings) { s.cfg = cfg }
}

func applyOptions(opts []Option) settings {
	s := settings{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}
