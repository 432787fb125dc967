// Package client connects to a compcached server and implements the
// byte-level generate-once contract on top of it. Two variants exist: Local
// clients share a filesystem with the server and move values as files, Remote
// clients carry payloads inline over TCP or NATS.
//
// Both wrap an in-process registry, so concurrent lookups of the same key
// inside one process still collapse to a single server conversation.
package client

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/goforj/compcache"
	"github.com/goforj/compcache/protocol"
)

// variant is the part of the client that differs between the local and
// remote protocols: which Get method to call and how value bytes move.
type variant interface {
	getMethod() protocol.Method
	fetch(ctx context.Context, get protocol.GetResponse) ([]byte, error)
	writeBack(ctx context.Context, assign protocol.GetResponse, value []byte) error
}

// Client is a connection to a compcached server. It satisfies
// compcache.ByteGenerator, so the typed Generate helpers work against it.
type Client struct {
	cfg compcache.Config
	log *zap.Logger
	t   transport
	mem *compcache.Cache
	v   variant
}

var _ compcache.ByteGenerator = (*Client)(nil)

func newClient(cfg compcache.Config, log *zap.Logger, t transport) *Client {
	return &Client{
		cfg: cfg,
		log: log,
		t:   t,
		mem: compcache.NewCache(compcache.WithLogger(log)),
	}
}

// GenerateBytes returns the persistent cache's bytes for (namespace, key),
// computing and storing them if absent. Within the process the in-memory
// registry guarantees a single server conversation per key.
func (c *Client) GenerateBytes(ctx context.Context, namespace string, key []byte, produce compcache.ProduceFunc) ([]byte, error) {
	entry := compcache.NewEntryKey(namespace, key)
	return c.mem.GenerateBytes(ctx, namespace, key, func(ctx context.Context) ([]byte, error) {
		return c.run(ctx, entry, produce)
	})
}

// Close releases the server connection. In-memory entries survive; they no
// longer consult the server.
func (c *Client) Close() error {
	return c.t.close()
}

// run drives the protocol state machine for one entry until it yields bytes.
func (c *Client) run(ctx context.Context, entry compcache.EntryKey, produce compcache.ProduceFunc) ([]byte, error) {
	for {
		resp, err := c.call(ctx, c.v.getMethod(), protocol.GetRequest{
			Namespace: entry.Namespace,
			Key:       entry.Key,
			Assign:    true,
		})
		if err != nil {
			return nil, err
		}
		var get protocol.GetResponse
		if err := protocol.DecodeBody(resp.Body, &get); err != nil {
			return nil, err
		}

		switch get.Status {
		case protocol.StatusReady:
			return c.v.fetch(ctx, get)

		case protocol.StatusAssign:
			return c.computeAndReport(ctx, entry, get, produce)

		case protocol.StatusLoading:
			// Another worker holds the lease. Poll until it finishes or its
			// lease expires and the server reassigns to us.
			if err := sleep(ctx, c.cfg.PollInterval); err != nil {
				return nil, err
			}

		case protocol.StatusUnassigned:
			// The server declined to lease the entry. Compute locally; the
			// result is served to this process but not persisted.
			return produce(ctx)

		default:
			return nil, fmt.Errorf("client: unknown get status %d", get.Status)
		}
	}
}

// computeAndReport runs produce under a heartbeat-kept lease and writes the
// result back. A revoked lease abandons the write-back but the computed value
// is still returned to local callers.
func (c *Client) computeAndReport(ctx context.Context, entry compcache.EntryKey, assign protocol.GetResponse, produce compcache.ProduceFunc) ([]byte, error) {
	interval := time.Duration(assign.HeartbeatIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = c.cfg.HeartbeatInterval
	}
	hb := startHeartbeat(c.t, c.log, assign.AssignmentID, interval)
	defer hb.stop()

	value, err := produce(ctx)
	if err != nil {
		// No write-back and no lease release; the lease lapses by timeout and
		// the next worker recomputes.
		return nil, err
	}

	hb.stop()
	if hb.revoked.Load() {
		c.log.Warn("returning unpersisted value after lease revocation",
			zap.String("namespace", entry.Namespace),
			zap.String("key", entry.Key))
		return value, nil
	}
	if err := c.v.writeBack(ctx, assign, value); err != nil {
		// The value is good even when persisting it failed.
		c.log.Warn("write-back failed",
			zap.String("namespace", entry.Namespace),
			zap.String("key", entry.Key),
			zap.Error(err))
	}
	return value, nil
}

// call sends one request and maps non-OK responses to errors.
func (c *Client) call(ctx context.Context, method protocol.Method, body any) (protocol.Response, error) {
	req, err := protocol.NewRequest(method, body)
	if err != nil {
		return protocol.Response{}, err
	}
	resp, err := c.t.call(ctx, req)
	if err != nil {
		return protocol.Response{}, err
	}
	if resp.Code != protocol.CodeOK {
		return protocol.Response{}, respError(resp)
	}
	return resp, nil
}

func respError(resp protocol.Response) error {
	switch resp.Code {
	case protocol.CodeInvalidAssignment:
		return fmt.Errorf("%w: %s", compcache.ErrInvalidAssignment, resp.Error)
	case protocol.CodeInvalidHandle:
		return fmt.Errorf("%w: %s", compcache.ErrInvalidHandle, resp.Error)
	default:
		return fmt.Errorf("client: server error: %s", resp.Error)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
