// Package server implements compcached, the persistent cache daemon. It owns
// the entry state machine, the durable manifest, and the value files under a
// cache root, and serves the local and remote protocol variants over TCP plus
// an optional NATS responder.
package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/gofrs/flock"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/goforj/compcache"
	"github.com/goforj/compcache/protocol"
)

// Options configures a Server. Zero-value addresses disable the
// corresponding listener; at least one must be set.
type Options struct {
	Config compcache.Config

	// LocalAddr serves the shared-filesystem variant. Use "127.0.0.1:0" to
	// pick a free port.
	LocalAddr string
	// RemoteAddr serves the inline-payload variant.
	RemoteAddr string

	// NATSURL and NATSSubject enable the remote variant over NATS
	// request/reply in addition to (or instead of) RemoteAddr.
	NATSURL     string
	NATSSubject string

	Logger *zap.Logger
}

// Server is a running compcached instance. It holds the cache root's
// advisory lock for its lifetime.
type Server struct {
	cfg compcache.Config
	log *zap.Logger

	state *state
	lock  *flock.Flock

	localLn  net.Listener
	remoteLn net.Listener
	nc       *nats.Conn
	sub      *nats.Subscription

	group *errgroup.Group

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool

	closeOnce sync.Once
	closeErr  error
}

// New opens the cache root and starts serving. The discovery file is
// written once the listeners are bound, so its addresses are always
// connectable.
func New(opts Options) (*Server, error) {
	cfg := opts.Config.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.LocalAddr == "" && opts.RemoteAddr == "" && opts.NATSURL == "" {
		return nil, errors.New("server: no listener configured")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	srv := &Server{
		cfg:   cfg,
		log:   log,
		conns: make(map[net.Conn]struct{}),
	}

	if opts.LocalAddr != "" {
		ln, err := net.Listen("tcp", opts.LocalAddr)
		if err != nil {
			return nil, fmt.Errorf("server: listen local: %w", err)
		}
		srv.localLn = ln
	}
	if opts.RemoteAddr != "" {
		ln, err := net.Listen("tcp", opts.RemoteAddr)
		if err != nil {
			srv.closeListeners()
			return nil, fmt.Errorf("server: listen remote: %w", err)
		}
		srv.remoteLn = ln
	}

	manifest := compcache.ConfigManifest{
		NATSURL:             opts.NATSURL,
		NATSSubject:         opts.NATSSubject,
		HeartbeatIntervalMS: cfg.HeartbeatInterval.Milliseconds(),
		HeartbeatTimeoutMS:  cfg.HeartbeatTimeout.Milliseconds(),
	}
	if srv.localLn != nil {
		manifest.LocalAddr = srv.localLn.Addr().String()
	}
	if srv.remoteLn != nil {
		manifest.RemoteAddr = srv.remoteLn.Addr().String()
	}
	lock, err := compcache.WriteConfigManifest(cfg.RootDir, manifest)
	if err != nil {
		srv.closeListeners()
		return nil, err
	}
	srv.lock = lock

	st, err := newState(cfg, log)
	if err != nil {
		_ = lock.Unlock()
		srv.closeListeners()
		return nil, err
	}
	srv.state = st

	if opts.NATSURL != "" {
		if err := srv.startNATS(opts.NATSURL, opts.NATSSubject); err != nil {
			st.close()
			_ = lock.Unlock()
			srv.closeListeners()
			return nil, err
		}
	}

	srv.group = new(errgroup.Group)
	if srv.localLn != nil {
		ln := srv.localLn
		srv.group.Go(func() error { return srv.acceptLoop(ln, true) })
	}
	if srv.remoteLn != nil {
		ln := srv.remoteLn
		srv.group.Go(func() error { return srv.acceptLoop(ln, false) })
	}

	log.Info("compcached started",
		zap.String("root", cfg.RootDir),
		zap.String("local_addr", manifest.LocalAddr),
		zap.String("remote_addr", manifest.RemoteAddr),
		zap.String("nats_subject", opts.NATSSubject))
	return srv, nil
}

// LocalAddr returns the bound local-variant address, or "".
func (s *Server) LocalAddr() string {
	if s.localLn == nil {
		return ""
	}
	return s.localLn.Addr().String()
}

// RemoteAddr returns the bound remote-variant address, or "".
func (s *Server) RemoteAddr() string {
	if s.remoteLn == nil {
		return ""
	}
	return s.remoteLn.Addr().String()
}

// Evict removes an entry, draining local readers first if any are open.
func (s *Server) Evict(namespace, key string) error {
	return s.state.evict(namespace, key)
}

func (s *Server) acceptLoop(ln net.Listener, local bool) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		go s.serveConn(conn, local)
	}
}

func (s *Server) serveConn(conn net.Conn, local bool) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	for {
		req, err := protocol.ReadRequest(conn)
		if err != nil {
			if err != io.EOF {
				s.log.Debug("read request", zap.Error(err))
			}
			return
		}
		resp := s.dispatch(local, req)
		if err := protocol.WriteResponse(conn, resp); err != nil {
			s.log.Debug("write response", zap.Error(err))
			return
		}
	}
}

// dispatch routes one request. Variant-specific methods are rejected on the
// wrong listener so a local client cannot upload inline payloads and a
// remote client cannot acquire filesystem handles.
func (s *Server) dispatch(local bool, req protocol.Request) protocol.Response {
	switch req.Method {
	case protocol.MethodGetLocal, protocol.MethodGetRemote:
		if (req.Method == protocol.MethodGetLocal) != local {
			return protocol.Fail(protocol.CodeBadRequest, "method not served on this listener")
		}
		var body protocol.GetRequest
		if err := protocol.DecodeBody(req.Body, &body); err != nil {
			return protocol.Fail(protocol.CodeBadRequest, err.Error())
		}
		resp, err := s.state.get(body, local)
		if err != nil {
			return failure(err)
		}
		out, err := protocol.OK(resp)
		if err != nil {
			return failure(err)
		}
		return out

	case protocol.MethodHeartbeat:
		var body protocol.HeartbeatRequest
		if err := protocol.DecodeBody(req.Body, &body); err != nil {
			return protocol.Fail(protocol.CodeBadRequest, err.Error())
		}
		if err := s.state.heartbeat(body.AssignmentID); err != nil {
			return failure(err)
		}
		return protocol.Response{Code: protocol.CodeOK}

	case protocol.MethodSet:
		if local {
			return protocol.Fail(protocol.CodeBadRequest, "method not served on this listener")
		}
		var body protocol.SetRequest
		if err := protocol.DecodeBody(req.Body, &body); err != nil {
			return protocol.Fail(protocol.CodeBadRequest, err.Error())
		}
		if err := s.state.set(body.AssignmentID, body.Value); err != nil {
			return failure(err)
		}
		return protocol.Response{Code: protocol.CodeOK}

	case protocol.MethodDone:
		if !local {
			return protocol.Fail(protocol.CodeBadRequest, "method not served on this listener")
		}
		var body protocol.DoneRequest
		if err := protocol.DecodeBody(req.Body, &body); err != nil {
			return protocol.Fail(protocol.CodeBadRequest, err.Error())
		}
		if err := s.state.done(body.AssignmentID); err != nil {
			return failure(err)
		}
		return protocol.Response{Code: protocol.CodeOK}

	case protocol.MethodDrop:
		if !local {
			return protocol.Fail(protocol.CodeBadRequest, "method not served on this listener")
		}
		var body protocol.DropRequest
		if err := protocol.DecodeBody(req.Body, &body); err != nil {
			return protocol.Fail(protocol.CodeBadRequest, err.Error())
		}
		if err := s.state.drop(body.HandleID); err != nil {
			return failure(err)
		}
		return protocol.Response{Code: protocol.CodeOK}

	default:
		return protocol.Fail(protocol.CodeBadRequest, fmt.Sprintf("unknown method %d", req.Method))
	}
}

func failure(err error) protocol.Response {
	switch {
	case errors.Is(err, compcache.ErrInvalidAssignment):
		return protocol.Fail(protocol.CodeInvalidAssignment, err.Error())
	case errors.Is(err, compcache.ErrInvalidHandle):
		return protocol.Fail(protocol.CodeInvalidHandle, err.Error())
	case errors.Is(err, errBadRequest):
		return protocol.Fail(protocol.CodeBadRequest, err.Error())
	default:
		return protocol.Fail(protocol.CodeInternal, err.Error())
	}
}

func (s *Server) closeListeners() {
	if s.localLn != nil {
		s.localLn.Close()
	}
	if s.remoteLn != nil {
		s.remoteLn.Close()
	}
}

// Close stops the listeners, drains connections, releases the root lock,
// and closes the manifest. Safe to call more than once.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		conns := make([]net.Conn, 0, len(s.conns))
		for c := range s.conns {
			conns = append(conns, c)
		}
		s.mu.Unlock()

		s.closeListeners()
		for _, c := range conns {
			c.Close()
		}
		if s.sub != nil {
			_ = s.sub.Unsubscribe()
		}
		if s.nc != nil {
			s.nc.Close()
		}
		if s.group != nil {
			s.closeErr = s.group.Wait()
		}
		if err := s.state.close(); err != nil && s.closeErr == nil {
			s.closeErr = err
		}
		if err := s.lock.Unlock(); err != nil && s.closeErr == nil {
			s.closeErr = err
		}
		s.log.Info("compcached stopped")
	})
	return s.closeErr
}
