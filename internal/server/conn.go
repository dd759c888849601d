package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-serial-link/internal/frame"
	"github.com/kstaniek/go-serial-link/internal/hub"
	"github.com/kstaniek/go-serial-link/internal/metrics"
	"github.com/kstaniek/go-serial-link/internal/serial"
	"github.com/kstaniek/go-serial-link/internal/wire"
)

// clientConn is one admitted TCP client. writeLoop owns the teardown;
// readLoop only closes the socket, which makes writeLoop notice.
type clientConn struct {
	s      *Server
	conn   net.Conn
	client *hub.Client
	log    *slog.Logger
}

func (s *Server) newClientConn(conn net.Conn, log *slog.Logger) *clientConn {
	var cl *hub.Client
	if s.Hub != nil {
		cl = s.Hub.NewClient()
	} else {
		// request only mode: nothing is ever broadcast
		cl = &hub.Client{Out: make(chan frame.Frame, 1), Closed: make(chan struct{})}
	}
	cc := &clientConn{s: s, conn: conn, client: cl, log: log}
	s.connsMu.Lock()
	s.conns[cc] = struct{}{}
	s.connsMu.Unlock()
	return cc
}

func (cc *clientConn) release() {
	s := cc.s
	_ = cc.conn.Close()
	if s.Hub != nil {
		s.Hub.Remove(cc.client)
	}
	s.connsMu.Lock()
	delete(s.conns, cc)
	s.connsMu.Unlock()
	s.stats.disconnected.Add(1)
	cc.log.Info("client_disconnected", "dropped_frames", cc.client.Dropped())
}

// writeLoop batches hub frames and writes them with the codec, flushing when
// the batch is full or the flush interval passes.
func (cc *clientConn) writeLoop(done <-chan struct{}) {
	s := cc.s
	defer s.wg.Done()
	defer cc.release()
	t := time.NewTicker(s.cfg.FlushInterval)
	defer t.Stop()
	batch := make([]frame.Frame, 0, s.cfg.BatchSize)
	flush := func() bool {
		if len(batch) == 0 {
			return true
		}
		_, err := s.Codec.EncodeTo(cc.conn, batch)
		n := len(batch)
		batch = batch[:0]
		if err != nil {
			cc.log.Debug("client_write_failed", "error", s.fail(fmt.Errorf("%w: %v", ErrConnWrite, err)))
			return false
		}
		metrics.AddTCPTx(n)
		return true
	}
	for {
		select {
		case fr := <-cc.client.Out:
			batch = append(batch, fr)
			if len(batch) >= s.cfg.BatchSize && !flush() {
				return
			}
		case <-t.C:
			if !flush() {
				return
			}
		case <-cc.client.Closed:
			flush()
			return
		case <-done:
			flush()
			return
		}
	}
}

// readLoop splits the client stream into request lines. A read deadline that
// expires mid line keeps the partial line; lines over MaxLineLen drop the client.
func (cc *clientConn) readLoop(done <-chan struct{}) {
	s := cc.s
	defer s.wg.Done()
	defer func() { _ = cc.conn.Close() }()
	br := bufio.NewReaderSize(cc.conn, 1024)
	var partial []byte
	for {
		select {
		case <-done:
			return
		case <-cc.client.Closed:
			return
		default:
		}
		_ = cc.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadDeadline))
		chunk, err := br.ReadSlice('\n')
		partial = append(partial, chunk...)
		if len(partial) > s.cfg.MaxLineLen {
			cc.log.Warn("request_too_long", "len", len(partial),
				"error", s.fail(fmt.Errorf("%w: %d bytes", ErrLineTooLong, len(partial))))
			return
		}
		switch {
		case err == nil:
			cc.handleRequest(string(partial))
			partial = partial[:0]
		case errors.Is(err, bufio.ErrBufferFull):
		case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			return
		case isTimeout(err):
		default:
			s.fail(fmt.Errorf("%w: %v", ErrConnRead, err))
			return
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// handleRequest decodes one line and hands it to the link. A full tx queue
// drops the request without failing the client.
func (cc *clientConn) handleRequest(line string) {
	s := cc.s
	if s.requestFilter != nil && !s.requestFilter(line) {
		return
	}
	req, err := s.Codec.DecodeRequest(line)
	if errors.Is(err, wire.ErrEmptyRequest) {
		return
	}
	if err != nil {
		s.stats.badRequests.Add(1)
		metrics.IncError(mapErrToMetric(ErrBadRequest))
		cc.log.Warn("bad_request", "error", err)
		return
	}
	s.stats.requests.Add(1)
	metrics.IncTCPRx()
	if s.Send == nil {
		return
	}
	err = s.Send(req)
	switch {
	case err == nil:
	case errors.Is(err, serial.ErrTxOverflow):
		s.stats.txOverflows.Add(1)
		cc.log.Debug("tx_overflow_drop", "len", len(req))
	default:
		s.stats.txErrors.Add(1)
		cc.log.Error("link_tx_error", "len", len(req), "error", s.fail(fmt.Errorf("%w: %v", ErrBackendTx, err)))
	}
}
