// Package server exposes the controller to cannelloni TCP clients. Frames
// read from the bus reach every client through the hub; frames from any
// client are queued for transmission on the bus.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-mcp2515/internal/can"
	"github.com/kstaniek/go-mcp2515/internal/cnl"
	"github.com/kstaniek/go-mcp2515/internal/hub"
	"github.com/kstaniek/go-mcp2515/internal/logging"
	"github.com/kstaniek/go-mcp2515/internal/metrics"
	"github.com/kstaniek/go-mcp2515/internal/transport"
)

// Server owns the TCP listener and coordinates client lifecycle.
type Server struct {
	mu    sync.RWMutex
	addr  string
	Hub   *hub.Hub
	Codec transport.StreamCodec // *cnl.Codec implements
	Sink  transport.FrameSink   // *node.TXWriter implements

	frameFilter func(*can.Frame) bool

	flushInterval    time.Duration
	batchSize        int
	idleTimeout      time.Duration
	writeTimeout     time.Duration
	handshakeTimeout time.Duration
	maxClients       int
	readyOnce        sync.Once
	readyCh          chan struct{}
	lastErrMu        sync.Mutex
	lastErr          error
	errCh            chan error
	listener         net.Listener
	clientsMu        sync.Mutex
	clients          map[*hub.Client]net.Conn
	wg               sync.WaitGroup
	logger           *slog.Logger
	nextConnID       atomic.Uint64
	stats            counters
}

type counters struct {
	accepted, handshakeFail, rejected atomic.Uint64
	connected, disconnected           atomic.Uint64
	txOverflow, txErrors              atomic.Uint64
}

// Stats is a snapshot of connection and forwarding counters.
type Stats struct {
	Accepted      uint64
	HandshakeFail uint64
	Rejected      uint64
	Connected     uint64
	Disconnected  uint64
	TxOverflow    uint64
	TxErrors      uint64
}

const (
	defaultFlushInterval    = 5 * time.Millisecond
	defaultBatchSize        = 64
	defaultWriteTimeout     = 5 * time.Second
	defaultHandshakeTimeout = 3 * time.Second
)

type ServerOption func(*Server)

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		Codec:            &cnl.Codec{},
		flushInterval:    defaultFlushInterval,
		batchSize:        defaultBatchSize,
		writeTimeout:     defaultWriteTimeout,
		handshakeTimeout: defaultHandshakeTimeout,
		readyCh:          make(chan struct{}),
		errCh:            make(chan error, 1),
		clients:          make(map[*hub.Client]net.Conn),
		logger:           logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.addr == "" {
		s.addr = ":0"
	}
	if s.Hub == nil {
		s.Hub = hub.New()
	}
	return s
}

func WithListenAddr(a string) ServerOption           { return func(s *Server) { s.addr = a } }
func WithHub(hb *hub.Hub) ServerOption               { return func(s *Server) { s.Hub = hb } }
func WithCodec(c transport.StreamCodec) ServerOption { return func(s *Server) { s.Codec = c } }
func WithSink(sink transport.FrameSink) ServerOption { return func(s *Server) { s.Sink = sink } }
func WithFrameFilter(fn func(*can.Frame) bool) ServerOption {
	return func(s *Server) { s.frameFilter = fn }
}

func WithFlushInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.flushInterval = d
		}
	}
}

func WithBatchSize(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithIdleTimeout disconnects clients that send nothing for d. Zero (the
// default) keeps silent clients connected.
func WithIdleTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d >= 0 {
			s.idleTimeout = d
		}
	}
}

func WithWriteTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

func WithHandshakeTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.handshakeTimeout = d
		}
	}
}

func WithMaxClients(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxClients = n
		}
	}
}

func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func (s *Server) Addr() string           { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }
func (s *Server) setAddr(a string)       { s.mu.Lock(); s.addr = a; s.mu.Unlock() }
func (s *Server) Ready() <-chan struct{} { return s.readyCh }
func (s *Server) Errors() <-chan error   { return s.errCh }

func (s *Server) setError(err error) {
	if err == nil {
		return
	}
	metrics.IncError(mapErrToMetric(err))
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
}

func (s *Server) LastError() error { s.lastErrMu.Lock(); defer s.lastErrMu.Unlock(); return s.lastErr }

func (s *Server) Stats() Stats {
	return Stats{
		Accepted:      s.stats.accepted.Load(),
		HandshakeFail: s.stats.handshakeFail.Load(),
		Rejected:      s.stats.rejected.Load(),
		Connected:     s.stats.connected.Load(),
		Disconnected:  s.stats.disconnected.Load(),
		TxOverflow:    s.stats.txOverflow.Load(),
		TxErrors:      s.stats.txErrors.Load(),
	}
}

// Serve accepts TCP clients until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		s.setError(wrap)
		return wrap
	}
	s.setAddr(ln.Addr().String())
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("tcp_listen", "addr", s.Addr())
	go func() { <-ctx.Done(); _ = ln.Close() }()
	for {
		if err := s.acceptOnce(ctx, ln); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// acceptOnce accepts one connection, runs the handshake and spawns the
// client goroutines. Only fatal listener errors are returned.
func (s *Server) acceptOnce(ctx context.Context, ln net.Listener) error {
	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		if errors.Is(err, net.ErrClosed) {
			return context.Canceled
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			time.Sleep(200 * time.Millisecond)
			return nil
		}
		wrap := fmt.Errorf("%w: %v", ErrAccept, err)
		s.setError(wrap)
		return wrap
	}
	s.stats.accepted.Add(1)
	connLogger := s.logger.With("conn_id", s.nextConnID.Add(1), "remote", conn.RemoteAddr().String())
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	if err := cnl.Handshake(ctx, conn, s.handshakeTimeout); err != nil {
		wrap := fmt.Errorf("%w: %v", ErrHandshake, err)
		s.setError(wrap)
		s.stats.handshakeFail.Add(1)
		connLogger.Warn("handshake_failed", "error", wrap)
		_ = conn.Close()
		return nil
	}
	if s.maxClients > 0 && s.Hub.Count() >= s.maxClients {
		metrics.IncHubReject()
		s.stats.rejected.Add(1)
		connLogger.Warn("client_reject_max", "max_clients", s.maxClients)
		_ = conn.Close()
		return nil
	}
	cl := s.Hub.NewClient()
	s.Hub.Add(cl)
	s.clientsMu.Lock()
	s.clients[cl] = conn
	s.clientsMu.Unlock()
	s.stats.connected.Add(1)
	connLogger.Info("client_connected", "clients", s.Hub.Count())
	s.startWriter(ctx.Done(), conn, cl, connLogger)
	s.startReader(ctx.Done(), conn, cl, connLogger)
	return nil
}

func (s *Server) dropClient(cl *hub.Client) {
	s.Hub.Remove(cl)
	s.clientsMu.Lock()
	delete(s.clients, cl)
	s.clientsMu.Unlock()
}

// Shutdown closes the listener and every client and waits for their
// goroutines.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.clientsMu.Lock()
	for cl, conn := range s.clients {
		_ = conn.Close()
		cl.Close()
	}
	s.clientsMu.Unlock()
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err())
	case <-done:
		st := s.Stats()
		s.logger.Info("shutdown_summary",
			"accepted", st.Accepted,
			"handshake_fail", st.HandshakeFail,
			"rejected", st.Rejected,
			"connected", st.Connected,
			"disconnected", st.Disconnected,
			"tx_overflow", st.TxOverflow,
			"tx_errors", st.TxErrors)
		return nil
	}
}
