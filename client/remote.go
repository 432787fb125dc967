package client

import (
	"context"
	"fmt"

	"github.com/goforj/compcache"
	"github.com/goforj/compcache/protocol"
)

// NewRemote connects to a server's remote TCP listener at addr. No shared
// filesystem is assumed; values travel inline.
func NewRemote(addr string, opts ...Option) (*Client, error) {
	s := applyOptions(opts)
	cfg := s.cfg.WithDefaults()
	c := newClient(cfg, s.log, newTCPTransport(addr, cfg))
	c.v = remoteVariant{c: c}
	return c, nil
}

// NewRemoteNATS connects to a server's NATS responder.
func NewRemoteNATS(url, subject string, opts ...Option) (*Client, error) {
	s := applyOptions(opts)
	cfg := s.cfg.WithDefaults()
	t, err := newNATSTransport(url, subject, cfg)
	if err != nil {
		return nil, err
	}
	c := newClient(cfg, s.log, t)
	c.v = remoteVariant{c: c}
	return c, nil
}

// NewRemoteFromManifest reads the discovery file under root and connects to
// whichever remote endpoint the server advertises, preferring TCP.
func NewRemoteFromManifest(root string, opts ...Option) (*Client, error) {
	m, err := compcache.LoadConfigManifest(root)
	if err != nil {
		return nil, fmt.Errorf("client: read discovery file: %w", err)
	}
	switch {
	case m.RemoteAddr != "":
		return NewRemote(m.RemoteAddr, opts...)
	case m.NATSURL != "":
		return NewRemoteNATS(m.NATSURL, m.NATSSubject, opts...)
	default:
		return nil, fmt.Errorf("client: server at %s does not serve the remote protocol", root)
	}
}

// remoteVariant carries value bytes inline: Ready responses include the
// payload and completed computations upload theirs with Set.
type remoteVariant struct {
	c *Client
}

func (v remoteVariant) getMethod() protocol.Method { return protocol.MethodGetRemote }

func (v remoteVariant) fetch(_ context.Context, get protocol.GetResponse) ([]byte, error) {
	return get.Value, nil
}

func (v remoteVariant) writeBack(ctx context.Context, assign protocol.GetResponse, value []byte) error {
	_, err := v.c.call(ctx, protocol.MethodSet, protocol.SetRequest{
		AssignmentID: assign.AssignmentID,
		Value:        value,
	})
	return err
}
