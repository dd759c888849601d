// Package server bridges TCP clients to the serial link: every client gets
// the frames the link receives and may send requests back.
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

	"github.com/kstaniek/go-serial-link/internal/hub"
	"github.com/kstaniek/go-serial-link/internal/logging"
	"github.com/kstaniek/go-serial-link/internal/metrics"
	"github.com/kstaniek/go-serial-link/internal/transport"
	"github.com/kstaniek/go-serial-link/internal/wire"
)

// SendFunc transmits request bytes to the serial link.
type SendFunc func([]byte) error

const (
	DefaultFlushInterval    = 5 * time.Millisecond
	DefaultBatchSize        = 64
	DefaultReadDeadline     = 60 * time.Second
	DefaultHandshakeTimeout = 3 * time.Second
	DefaultMaxLineLen       = 4096

	acceptBackoffMin = 5 * time.Millisecond
	acceptBackoffMax = time.Second
)

// acceptSleep allows tests to intercept accept backoff.
var acceptSleep = time.Sleep

// Config holds the tunables of a Server. Zero fields take the defaults.
type Config struct {
	ListenAddr       string
	FlushInterval    time.Duration // writer batch flush period
	BatchSize        int           // frames per write before an early flush
	ReadDeadline     time.Duration // idle time allowed between request bytes
	HandshakeTimeout time.Duration
	MaxClients       int // 0 means unlimited
	MaxLineLen       int // longest request line accepted
}

func (c *Config) setDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":0"
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.ReadDeadline <= 0 {
		c.ReadDeadline = DefaultReadDeadline
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.MaxLineLen <= 0 {
		c.MaxLineLen = DefaultMaxLineLen
	}
}

// Stats are lifetime connection and request counters of one Server.
type Stats struct {
	Accepted        uint64
	HandshakeFailed uint64
	Rejected        uint64
	Connected       uint64
	Disconnected    uint64
	Requests        uint64
	BadRequests     uint64
	TxOverflows     uint64
	TxErrors        uint64
}

type counters struct {
	accepted        atomic.Uint64
	handshakeFailed atomic.Uint64
	rejected        atomic.Uint64
	connected       atomic.Uint64
	disconnected    atomic.Uint64
	requests        atomic.Uint64
	badRequests     atomic.Uint64
	txOverflows     atomic.Uint64
	txErrors        atomic.Uint64
}

// Server owns the TCP listener and the per client goroutines.
type Server struct {
	Hub   *hub.Hub
	Codec transport.LineCodec
	Send  SendFunc

	cfg           Config
	requestFilter func(line string) bool
	logger        *slog.Logger

	mu       sync.RWMutex
	addr     string
	listener net.Listener

	readyOnce sync.Once
	readyCh   chan struct{}
	lastErrMu sync.Mutex
	lastErr   error
	errCh     chan error

	connsMu sync.Mutex
	conns   map[*clientConn]struct{}
	nextID  atomic.Uint64
	wg      sync.WaitGroup
	stats   counters
}

type ServerOption func(*Server)

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		readyCh: make(chan struct{}),
		errCh:   make(chan error, 1),
		conns:   make(map[*clientConn]struct{}),
		logger:  logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	s.cfg.setDefaults()
	s.addr = s.cfg.ListenAddr
	if s.Codec == nil {
		s.Codec = &wire.Codec{}
	}
	return s
}

// WithConfig replaces the whole configuration; later options still apply.
func WithConfig(c Config) ServerOption { return func(s *Server) { s.cfg = c } }

func WithListenAddr(a string) ServerOption         { return func(s *Server) { s.cfg.ListenAddr = a } }
func WithHub(hb *hub.Hub) ServerOption             { return func(s *Server) { s.Hub = hb } }
func WithCodec(c transport.LineCodec) ServerOption { return func(s *Server) { s.Codec = c } }
func WithSend(send SendFunc) ServerOption          { return func(s *Server) { s.Send = send } }

func WithFlushInterval(d time.Duration) ServerOption {
	return func(s *Server) { s.cfg.FlushInterval = d }
}
func WithBatchSize(n int) ServerOption { return func(s *Server) { s.cfg.BatchSize = n } }
func WithReadDeadline(d time.Duration) ServerOption {
	return func(s *Server) { s.cfg.ReadDeadline = d }
}
func WithHandshakeTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.cfg.HandshakeTimeout = d }
}
func WithMaxClients(n int) ServerOption { return func(s *Server) { s.cfg.MaxClients = n } }
func WithMaxLineLen(n int) ServerOption { return func(s *Server) { s.cfg.MaxLineLen = n } }

// WithRequestFilter drops client lines for which fn returns false.
func WithRequestFilter(fn func(line string) bool) ServerOption {
	return func(s *Server) { s.requestFilter = fn }
}

func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func (s *Server) Addr() string           { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }
func (s *Server) SetListenAddr(a string) { s.mu.Lock(); s.addr = a; s.mu.Unlock() }
func (s *Server) Ready() <-chan struct{} { return s.readyCh }
func (s *Server) Errors() <-chan error   { return s.errCh }
func (s *Server) Config() Config         { return s.cfg }

// LastError returns the most recent error recorded by any goroutine.
func (s *Server) LastError() error { s.lastErrMu.Lock(); defer s.lastErrMu.Unlock(); return s.lastErr }

// fail records err, counts it under its metric label and publishes it on Errors.
func (s *Server) fail(err error) error {
	metrics.IncError(mapErrToMetric(err))
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
	return err
}

// Stats returns a snapshot of the lifetime counters.
func (s *Server) Stats() Stats {
	return Stats{
		Accepted:        s.stats.accepted.Load(),
		HandshakeFailed: s.stats.handshakeFailed.Load(),
		Rejected:        s.stats.rejected.Load(),
		Connected:       s.stats.connected.Load(),
		Disconnected:    s.stats.disconnected.Load(),
		Requests:        s.stats.requests.Load(),
		BadRequests:     s.stats.badRequests.Load(),
		TxOverflows:     s.stats.txOverflows.Load(),
		TxErrors:        s.stats.txErrors.Load(),
	}
}

// Serve listens and accepts clients until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return s.fail(fmt.Errorf("%w: %v", ErrListen, err))
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.listener = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("tcp_listen", "addr", s.Addr())
	go func() { <-ctx.Done(); _ = ln.Close() }()

	backoff := acceptBackoffMin
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) {
				s.logger.Warn("tcp_accept_retry", "error", err, "backoff", backoff)
				acceptSleep(backoff)
				if backoff *= 2; backoff > acceptBackoffMax {
					backoff = acceptBackoffMax
				}
				continue
			}
			return s.fail(fmt.Errorf("%w: %v", ErrAccept, err))
		}
		backoff = acceptBackoffMin
		s.admit(ctx, conn)
	}
}

// admit runs the handshake and the client limit check, then starts the
// connection goroutines. Rejected connections are closed here.
func (s *Server) admit(ctx context.Context, conn net.Conn) {
	s.stats.accepted.Add(1)
	id := s.nextID.Add(1)
	log := s.logger.With("conn_id", id, "remote", conn.RemoteAddr().String())
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	if err := s.Handshake(ctx, conn); err != nil {
		s.stats.handshakeFailed.Add(1)
		log.Warn("handshake_failed", "error", s.fail(fmt.Errorf("%w: %v", ErrHandshake, err)))
		_ = conn.Close()
		return
	}
	if s.atCapacity() {
		s.stats.rejected.Add(1)
		metrics.IncHubReject()
		log.Warn("client_reject_max", "max_clients", s.cfg.MaxClients)
		_ = conn.Close()
		return
	}
	cc := s.newClientConn(conn, log)
	s.stats.connected.Add(1)
	log.Info("client_connected")
	s.wg.Add(2)
	go cc.writeLoop(ctx.Done())
	go cc.readLoop(ctx.Done())
}

func (s *Server) atCapacity() bool {
	if s.cfg.MaxClients <= 0 {
		return false
	}
	s.connsMu.Lock()
	n := len(s.conns)
	s.connsMu.Unlock()
	return n >= s.cfg.MaxClients
}

// Shutdown closes the listener and every client, then waits for their
// goroutines or ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.connsMu.Lock()
	for cc := range s.conns {
		_ = cc.conn.Close()
		cc.client.Close()
	}
	s.connsMu.Unlock()

	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err())
	case <-done:
		st := s.Stats()
		s.logger.Info("shutdown_summary",
			"accepted", st.Accepted, "handshake_fail", st.HandshakeFailed, "rejected", st.Rejected,
			"connected", st.Connected, "disconnected", st.Disconnected, "requests", st.Requests,
			"bad_requests", st.BadRequests, "tx_overflow", st.TxOverflows, "tx_errors", st.TxErrors)
		return nil
	}
}
