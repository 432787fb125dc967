package compcache

import (
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultHeartbeatInterval is how often a lease holder reports liveness.
	DefaultHeartbeatInterval = 2 * time.Second

	// DefaultHeartbeatTimeout is how long the server waits for a heartbeat
	// before presuming the lease abandoned.
	DefaultHeartbeatTimeout = 10 * time.Second

	// DefaultPollInterval is the client sleep between Get retries while an
	// entry is loading elsewhere.
	DefaultPollInterval = 500 * time.Millisecond

	DefaultConnectTimeout = 5 * time.Second
	DefaultRequestTimeout = 10 * time.Second

	// DefaultReadCacheTTL bounds the server-side memory cache of hot Ready
	// payloads served to remote clients.
	DefaultReadCacheTTL = 5 * time.Minute
)

// Config carries the timing and layout settings shared by the cache server
// and its clients. Construct it once at process start and pass it down; zero
// fields fall back to defaults via WithDefaults.
type Config struct {
	// RootDir is the cache root: value files, the durable manifest and the
	// server discovery file all live under it.
	RootDir string

	// HeartbeatInterval and HeartbeatTimeout drive lease liveness. Both must
	// be whole milliseconds and the timeout must exceed the interval; the
	// wire advertises intervals in milliseconds.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// PollInterval is the client sleep while another worker is loading.
	PollInterval time.Duration

	ConnectTimeout time.Duration
	RequestTimeout time.Duration

	// ReadCacheTTL controls the server's in-memory cache of Ready payloads
	// for the remote protocol. Zero means DefaultReadCacheTTL.
	ReadCacheTTL time.Duration
}

// WithDefaults fills unset fields with package defaults.
func (c Config) WithDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.ReadCacheTTL <= 0 {
		c.ReadCacheTTL = DefaultReadCacheTTL
	}
	return c
}

// Validate rejects configurations the protocol cannot express.
func (c Config) Validate() error {
	if c.RootDir == "" {
		return errors.New("compcache: config requires a root directory")
	}
	if c.HeartbeatInterval%time.Millisecond != 0 {
		return fmt.Errorf("compcache: heartbeat interval %v is not a whole millisecond value", c.HeartbeatInterval)
	}
	if c.HeartbeatTimeout%time.Millisecond != 0 {
		return fmt.Errorf("compcache: heartbeat timeout %v is not a whole millisecond value", c.HeartbeatTimeout)
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("compcache: heartbeat timeout %v must exceed the interval %v", c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	return nil
}
