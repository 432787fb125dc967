package client

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/goforj/compcache"
	"github.com/goforj/compcache/protocol"
)

// transport is one request/response exchange with the server. Failures are
// reported as *compcache.TransportError so callers can match ErrUnavailable.
type transport interface {
	call(ctx context.Context, req protocol.Request) (protocol.Response, error)
	close() error
}

// tcpTransport serializes requests over a single connection, redialing once
// after a broken exchange. The protocol has no pipelining, so one in-flight
// request per connection is all the server expects.
type tcpTransport struct {
	addr           string
	connectTimeout time.Duration
	requestTimeout time.Duration

	mu   sync.Mutex
	conn net.Conn
}

func newTCPTransport(addr string, cfg compcache.Config) *tcpTransport {
	return &tcpTransport{
		addr:           addr,
		connectTimeout: cfg.ConnectTimeout,
		requestTimeout: cfg.RequestTimeout,
	}
}

func (t *tcpTransport) call(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	resp, err := t.exchange(ctx, req)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return protocol.Response{}, ctx.Err()
	}
	// The connection may have been idle-closed; one fresh dial before giving up.
	t.dropConn()
	resp, retryErr := t.exchange(ctx, req)
	if retryErr != nil {
		return protocol.Response{}, &compcache.TransportError{Op: req.Method.String(), Err: err}
	}
	return resp, nil
}

func (t *tcpTransport) exchange(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	if t.conn == nil {
		conn, err := net.DialTimeout("tcp", t.addr, t.connectTimeout)
		if err != nil {
			return protocol.Response{}, err
		}
		t.conn = conn
	}

	deadline := time.Now().Add(t.requestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := t.conn.SetDeadline(deadline); err != nil {
		t.dropConn()
		return protocol.Response{}, err
	}
	if err := protocol.WriteRequest(t.conn, req); err != nil {
		t.dropConn()
		return protocol.Response{}, err
	}
	resp, err := protocol.ReadResponse(t.conn)
	if err != nil {
		t.dropConn()
		return protocol.Response{}, err
	}
	return resp, nil
}

func (t *tcpTransport) dropConn() {
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
}

func (t *tcpTransport) close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dropConn()
	return nil
}

// natsTransport speaks the remote variant over NATS request/reply. Messages
// carry the msgpack envelopes directly, no stream framing.
type natsTransport struct {
	nc             *nats.Conn
	subject        string
	requestTimeout time.Duration
	ownsConn       bool
}

func newNATSTransport(url, subject string, cfg compcache.Config) (*natsTransport, error) {
	nc, err := nats.Connect(url, nats.Timeout(cfg.ConnectTimeout))
	if err != nil {
		return nil, &compcache.TransportError{Op: "connect", Err: err}
	}
	return &natsTransport{
		nc:             nc,
		subject:        subject,
		requestTimeout: cfg.RequestTimeout,
		ownsConn:       true,
	}, nil
}

func (t *natsTransport) call(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	data, err := msgpack.Marshal(req)
	if err != nil {
		return protocol.Response{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, t.requestTimeout)
	defer cancel()
	msg, err := t.nc.RequestWithContext(ctx, t.subject, data)
	if err != nil {
		return protocol.Response{}, &compcache.TransportError{Op: req.Method.String(), Err: err}
	}
	var resp protocol.Response
	if err := msgpack.Unmarshal(msg.Data, &resp); err != nil {
		return protocol.Response{}, &compcache.TransportError{Op: req.Method.String(), Err: err}
	}
	return resp, nil
}

func (t *natsTransport) close() error {
	if t.ownsConn {
		t.nc.Close()
	}
	return nil
}
