// Package transport moves signed envelopes between agents and the
// controller over length-delimited TCP streams.
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/barterhub/barterhub/internal/discovery"
	"github.com/barterhub/barterhub/internal/protocol"
)

// Handler consumes one inbound envelope.
type Handler interface {
	HandleEnvelope(ctx context.Context, env protocol.Envelope)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env protocol.Envelope)

func (f HandlerFunc) HandleEnvelope(ctx context.Context, env protocol.Envelope) { f(ctx, env) }

// Server accepts envelope streams and feeds a handler.
type Server struct {
	handler  Handler
	logger   zerolog.Logger
	listener net.Listener

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewServer creates a server delivering inbound envelopes to handler.
func NewServer(handler Handler, logger zerolog.Logger) *Server {
	return &Server{
		handler: handler,
		logger:  logger.With().Str("service", "transport").Logger(),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Listen binds the server to addr. The chosen address is available
// through Addr afterwards, which matters for ":0" binds in tests.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Serve accepts connections until Shutdown. Each connection carries a
// stream of envelopes handled sequentially in its own goroutine.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("server is not listening")
	}
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()
	for {
		env, err := protocol.ReadEnvelope(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("dropping connection")
			}
			return
		}
		s.handler.HandleEnvelope(ctx, env)
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// Shutdown stops accepting and closes every open connection.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.closed = true
	ln := s.listener
	conns := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	for _, conn := range conns {
		_ = conn.Close()
	}
	s.wg.Wait()
}

// Dialer resolves recipients through the directory and delivers signed
// messages over pooled connections.
type Dialer struct {
	directory discovery.Client
	logger    zerolog.Logger

	mu    sync.Mutex
	conns map[string]*pooledConn

	dialTimeout  time.Duration
	writeTimeout time.Duration
}

// pooledConn serializes envelope writes: the framing is two writes
// (prefix, body), so concurrent senders must not interleave.
type pooledConn struct {
	net.Conn
	wmu sync.Mutex
}

// NewDialer creates a dialer resolving recipients through directory.
func NewDialer(directory discovery.Client, logger zerolog.Logger) *Dialer {
	return &Dialer{
		directory:    directory,
		logger:       logger.With().Str("service", "transport").Logger(),
		conns:        make(map[string]*pooledConn),
		dialTimeout:  5 * time.Second,
		writeTimeout: 5 * time.Second,
	}
}

// Send resolves the recipient and writes one envelope. A stale pooled
// connection is retried once on a fresh dial.
func (d *Dialer) Send(ctx context.Context, recipient string, msg protocol.Message) error {
	entry, err := d.directory.Resolve(ctx, recipient)
	if err != nil {
		return err
	}
	env, err := protocol.NewEnvelope(recipient, msg)
	if err != nil {
		return err
	}

	conn, fresh, err := d.connFor(ctx, entry.Addr)
	if err != nil {
		return err
	}
	if err := d.write(conn, env); err != nil {
		d.drop(entry.Addr, conn)
		if fresh {
			return err
		}
		conn, _, err = d.connFor(ctx, entry.Addr)
		if err != nil {
			return err
		}
		if err := d.write(conn, env); err != nil {
			d.drop(entry.Addr, conn)
			return err
		}
	}
	return nil
}

func (d *Dialer) connFor(ctx context.Context, addr string) (*pooledConn, bool, error) {
	d.mu.Lock()
	if conn, ok := d.conns[addr]; ok {
		d.mu.Unlock()
		return conn, false, nil
	}
	d.mu.Unlock()

	dialer := net.Dialer{Timeout: d.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, false, err
	}
	d.mu.Lock()
	if existing, ok := d.conns[addr]; ok {
		d.mu.Unlock()
		_ = conn.Close()
		return existing, false, nil
	}
	pc := &pooledConn{Conn: conn}
	d.conns[addr] = pc
	d.mu.Unlock()
	return pc, true, nil
}

func (d *Dialer) write(conn *pooledConn, env protocol.Envelope) error {
	conn.wmu.Lock()
	defer conn.wmu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(d.writeTimeout)); err != nil {
		return err
	}
	return protocol.WriteEnvelope(conn, env)
}

func (d *Dialer) drop(addr string, conn *pooledConn) {
	d.mu.Lock()
	if d.conns[addr] == conn {
		delete(d.conns, addr)
	}
	d.mu.Unlock()
	_ = conn.Close()
}

// Close releases every pooled connection.
func (d *Dialer) Close() {
	d.mu.Lock()
	conns := d.conns
	d.conns = make(map[string]*pooledConn)
	d.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
}
