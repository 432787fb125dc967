package client

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/goforj/compcache"
	"github.com/goforj/compcache/protocol"
)

// NewLocal connects to the server owning root over the shared-filesystem
// variant. The server's address and heartbeat settings come from the
// discovery file it wrote into root.
func NewLocal(root string, opts ...Option) (*Client, error) {
	s := applyOptions(opts)
	m, err := compcache.LoadConfigManifest(root)
	if err != nil {
		return nil, fmt.Errorf("client: read discovery file: %w", err)
	}
	if m.LocalAddr == "" {
		return nil, fmt.Errorf("client: server at %s does not serve the local protocol", root)
	}

	cfg := s.cfg
	cfg.RootDir = root
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = m.HeartbeatInterval()
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = m.HeartbeatTimeout()
	}
	cfg = cfg.WithDefaults()

	c := newClient(cfg, s.log, newTCPTransport(m.LocalAddr, cfg))
	c.v = localVariant{c: c}
	return c, nil
}

// localVariant moves value bytes through the shared filesystem: the server
// hands out paths, the lease holder writes the file itself and reports Done.
type localVariant struct {
	c *Client
}

func (v localVariant) getMethod() protocol.Method { return protocol.MethodGetLocal }

// fetch reads the value file, then releases the reader handle. The handle is
// dropped only after the read so an eviction cannot remove the file under us.
func (v localVariant) fetch(ctx context.Context, get protocol.GetResponse) ([]byte, error) {
	data, err := os.ReadFile(get.Path)
	if get.HandleID != 0 {
		if _, derr := v.c.call(ctx, protocol.MethodDrop, protocol.DropRequest{HandleID: get.HandleID}); derr != nil {
			v.c.log.Debug("drop reader handle", zap.Uint64("handle", get.HandleID), zap.Error(derr))
		}
	}
	if err != nil {
		return nil, fmt.Errorf("client: read value file: %w", err)
	}
	return data, nil
}

func (v localVariant) writeBack(ctx context.Context, assign protocol.GetResponse, value []byte) error {
	if err := compcache.WriteFileAtomic(assign.Path, value); err != nil {
		return fmt.Errorf("client: write value file: %w", err)
	}
	_, err := v.c.call(ctx, protocol.MethodDone, protocol.DoneRequest{AssignmentID: assign.AssignmentID})
	return err
}
