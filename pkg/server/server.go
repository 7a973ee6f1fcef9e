// Package server accepts peer connections and drives the exchange engine
// for each of them, carrying out the reads it requests.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agenthands/blockserve/pkg/core"
	"github.com/agenthands/blockserve/pkg/exchange"
	"github.com/agenthands/blockserve/pkg/transform"
	"github.com/agenthands/blockserve/pkg/transport"
	"github.com/sourcegraph/conc"
)

// Reader fetches section frames for the engine's read requests.
type Reader interface {
	ReadRange(ctx context.Context, loc core.Location) ([]byte, error)
}

// Options configures a Server.
type Options struct {
	Config core.ServerConfig
	Engine *exchange.Engine
	Reader Reader
	Codec  *transport.Codec
	Logger *slog.Logger
}

// Server serves the exchange protocol.
type Server struct {
	cfg    core.ServerConfig
	engine *exchange.Engine
	reader Reader
	codec  *transport.Codec
	logger *slog.Logger

	nextPeer atomic.Uint64
	conns    conc.WaitGroup

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	active    map[*transport.Conn]struct{}
	closed    bool
}

func New(opts Options) (*Server, error) {
	if opts.Engine == nil || opts.Reader == nil {
		return nil, fmt.Errorf("%w: server needs an engine and a reader", core.ErrInvalidInput)
	}
	if opts.Codec == nil {
		c, err := transport.NewCodec(nil)
		if err != nil {
			return nil, err
		}
		opts.Codec = c
	}
	cfg := opts.Config
	if cfg.MaxInflightReads <= 0 {
		cfg.MaxInflightReads = 8
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = transport.DefaultMaxFrameSize
	}
	// Every message the engine emits must fit in one frame.
	if need := opts.Engine.MaxMessageSize() + transform.HeaderSize; need > cfg.MaxFrameSize {
		return nil, fmt.Errorf("%w: engine messages need frames of %d bytes, limit %d",
			core.ErrInvalidInput, need, cfg.MaxFrameSize)
	}
	return &Server{
		cfg:       cfg,
		engine:    opts.Engine,
		reader:    opts.Reader,
		codec:     opts.Codec,
		logger:    core.LoggerOrDefault(opts.Logger),
		listeners: make(map[net.Listener]struct{}),
		active:    make(map[*transport.Conn]struct{}),
	}, nil
}

// Listen opens the configured listener. A stale unix socket file is
// removed first.
func (s *Server) Listen() (net.Listener, error) {
	if s.cfg.Network == "unix" {
		if fi, err := os.Lstat(s.cfg.Address); err == nil && fi.Mode()&os.ModeSocket != 0 {
			_ = os.Remove(s.cfg.Address)
		}
	}
	return net.Listen(s.cfg.Network, s.cfg.Address)
}

// ListenAndServe listens on the configured address and serves until ctx is
// done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := s.Listen()
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done or Close is called.
// It waits for open connections to finish before returning.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return core.ErrClosed
	}
	s.listeners[ln] = struct{}{}
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.logger.Info("serving", "network", ln.Addr().Network(), "address", ln.Addr().String())
	var err error
	for {
		nc, aerr := ln.Accept()
		if aerr != nil {
			if ctx.Err() == nil && !s.isClosed() {
				err = aerr
			}
			break
		}
		s.conns.Go(func() { s.ServeConn(ctx, nc) })
	}

	cancel()
	s.conns.Wait()
	s.mu.Lock()
	delete(s.listeners, ln)
	s.mu.Unlock()
	return err
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops every listener and connection.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for ln := range s.listeners {
		ln.Close()
	}
	for c := range s.active {
		c.Close()
	}
	return nil
}

// ServeConn runs one peer session on nc and returns when the peer goes
// away, idles out, violates the protocol, or ctx is done.
func (s *Server) ServeConn(ctx context.Context, nc net.Conn) {
	c := transport.NewConn(nc, s.codec, s.cfg.MaxFrameSize)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		c.Close()
		return
	}
	s.active[c] = struct{}{}
	s.mu.Unlock()

	peer := exchange.PeerID(fmt.Sprintf("peer-%d", s.nextPeer.Add(1)))
	logger := s.logger.With("peer", string(peer))
	logger.Debug("peer connected", "remote", nc.RemoteAddr().String())

	sess := &peerSession{
		srv:    s,
		conn:   c,
		peer:   peer,
		logger: logger,
		in:     make(chan exchange.Message),
		done:   make(chan exchange.ReadResult, s.cfg.MaxInflightReads),
	}
	err := sess.run(ctx)

	s.mu.Lock()
	delete(s.active, c)
	s.mu.Unlock()

	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, context.Canceled):
		logger.Debug("peer disconnected")
	case errors.Is(err, os.ErrDeadlineExceeded):
		logger.Debug("peer idle, disconnecting")
	case errors.Is(err, core.ErrProtocol):
		logger.Warn("protocol violation, disconnecting", "error", err)
	default:
		logger.Warn("connection failed", "error", err)
	}
}

type peerSession struct {
	srv    *Server
	conn   *transport.Conn
	peer   exchange.PeerID
	logger *slog.Logger

	in       chan exchange.Message
	readErr  error
	done     chan exchange.ReadResult
	queue    []exchange.ReadRequest
	inflight int
	reads    conc.WaitGroup
}

func (p *peerSession) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer close(p.in)
		p.readErr = p.readLoop(ctx)
	}()

	err := p.loop(ctx)

	cancel()
	p.conn.Close()
	<-readerDone
	p.shutdown()
	if err == nil {
		err = p.readErr
	}
	return err
}

// readLoop decodes incoming frames until the connection fails. Each read
// waits at most IdleTimeout.
func (p *peerSession) readLoop(ctx context.Context) error {
	for {
		if idle := p.srv.cfg.IdleTimeout; idle > 0 {
			_ = p.conn.SetReadDeadline(time.Now().Add(idle))
		}
		m, err := p.conn.ReadMessage()
		if err != nil {
			return err
		}
		select {
		case p.in <- m:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *peerSession) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case m, ok := <-p.in:
			if !ok {
				return nil
			}
			if m.WantList == nil {
				// Peers have nothing else to tell a server.
				continue
			}
			fx, err := p.srv.engine.HandleWantList(p.peer, *m.WantList)
			if err != nil {
				return err
			}
			if err := p.apply(ctx, fx); err != nil {
				return err
			}

		case r := <-p.done:
			p.inflight--
			if err := p.apply(ctx, p.srv.engine.CompleteRead(r)); err != nil {
				return err
			}
		}
	}
}

func (p *peerSession) apply(ctx context.Context, fx exchange.Effects) error {
	for _, m := range fx.Messages {
		if wt := p.srv.cfg.IdleTimeout; wt > 0 {
			_ = p.conn.SetWriteDeadline(time.Now().Add(wt))
		}
		if err := p.conn.WriteMessage(m); err != nil {
			return err
		}
	}
	p.queue = append(p.queue, fx.Reads...)
	for p.inflight < p.srv.cfg.MaxInflightReads && len(p.queue) > 0 {
		req := p.queue[0]
		p.queue = p.queue[1:]
		p.inflight++
		p.reads.Go(func() { p.done <- p.read(ctx, req) })
	}
	return nil
}

func (p *peerSession) read(ctx context.Context, req exchange.ReadRequest) exchange.ReadResult {
	if to := p.srv.cfg.ReadTimeout; to > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, to)
		defer cancel()
	}
	frame, err := p.srv.reader.ReadRange(ctx, req.Location)
	return exchange.ReadResult{Request: req, Frame: frame, Err: err}
}

// shutdown discards the session and hands every outstanding read back to
// the engine so their snapshot references are released.
func (p *peerSession) shutdown() {
	p.srv.engine.Disconnect(p.peer)
	p.reads.Wait()
	close(p.done)
	var results []exchange.ReadResult
	for r := range p.done {
		results = append(results, r)
	}
	for _, req := range p.queue {
		results = append(results, exchange.ReadResult{Request: req, Err: core.ErrClosed})
	}
	p.queue = nil
	p.srv.engine.CompleteRead(results...)
}
