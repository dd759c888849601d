package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-serial-link/internal/frame"
	"github.com/kstaniek/go-serial-link/internal/hub"
	"github.com/kstaniek/go-serial-link/internal/metrics"
	"github.com/kstaniek/go-serial-link/internal/serial"
	"github.com/kstaniek/go-serial-link/internal/wire"
)

// captureSend records link writes for verification.
type captureSend struct {
	mu   sync.Mutex
	sent [][]byte
	err  error
}

func (c *captureSend) send(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, append([]byte(nil), p...))
	return nil
}

func (c *captureSend) snapshot() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

func (c *captureSend) waitFor(t *testing.T, n int) [][]byte {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s := c.snapshot(); len(s) >= n {
			return s
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("expected %d sends, got %d", n, len(c.snapshot()))
	return nil
}

func startServer(t *testing.T, ctx context.Context, opts ...ServerOption) *Server {
	t.Helper()
	srv := NewServer(opts...)
	go func() {
		if err := srv.Serve(ctx); err != nil {
			t.Logf("Serve returned: %v", err)
		}
	}()
	select {
	case <-srv.Ready():
	case <-time.After(time.Second):
		t.Fatalf("server did not signal readiness")
	}
	return srv
}

func waitClients(h *hub.Hub, n int) {
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && h.Count() < n {
		time.Sleep(2 * time.Millisecond)
	}
}

// TestSmokeServer covers handshake, client to link requests and hub to client frames.
func TestSmokeServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cs := &captureSend{}
	h := hub.New()
	srv := startServer(t, ctx, WithHub(h), WithCodec(&wire.Codec{}), WithSend(cs.send), WithHandshakeTimeout(2*time.Second))

	conn := dialAndHandshake(t, ctx, srv.Addr())
	defer conn.Close()

	if _, err := io.WriteString(conn, "AT+CSQ\nhex 0x01:02\n"); err != nil {
		t.Fatalf("write requests: %v", err)
	}
	sent := cs.waitFor(t, 2)
	if string(sent[0]) != "AT+CSQ\r\n" || !bytes.Equal(sent[1], []byte{1, 2}) {
		t.Fatalf("unexpected sends %q", sent)
	}

	waitClients(h, 1)
	srv.Hub.Broadcast(frame.NewLine("+CSQ: 21,99"))
	srv.Hub.Broadcast(frame.NewBinary([]byte{0xCA, 0xFE}, false))
	frames := readFrames(t, conn, 2, time.Second)
	if frames[0].Text != "+CSQ: 21,99" {
		t.Fatalf("first frame %+v", frames[0])
	}
	if frames[1].Kind != frame.Binary || frames[1].Valid || !bytes.Equal(frames[1].Payload, []byte{0xCA, 0xFE}) {
		t.Fatalf("second frame %+v", frames[1])
	}
}

// TestSmokePartialLines ensures a request split across writes and read deadlines is reassembled.
func TestSmokePartialLines(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cs := &captureSend{}
	srv := startServer(t, ctx, WithHub(hub.New()), WithSend(cs.send), WithReadDeadline(10*time.Millisecond))
	c := dialAndHandshake(t, ctx, srv.Addr())
	defer c.Close()

	_, _ = io.WriteString(c, "AT+")
	time.Sleep(30 * time.Millisecond) // let at least one read deadline expire
	_, _ = io.WriteString(c, "GMR\r\n")
	sent := cs.waitFor(t, 1)
	if string(sent[0]) != "AT+GMR\r\n" {
		t.Fatalf("got %q", sent[0])
	}
}

// TestSmokeBatch verifies the batched encode path by pushing a full batch quickly.
func TestSmokeBatch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := hub.New()
	srv := startServer(t, ctx, WithHub(h), WithBatchSize(16))
	c1 := dialAndHandshake(t, ctx, srv.Addr())
	defer c1.Close()
	waitClients(h, 1)

	for i := 0; i < 64; i++ {
		srv.Hub.Broadcast(frame.NewBinary([]byte{byte(i)}, true))
	}
	frames := readFrames(t, c1, 64, 2*time.Second)
	for i, f := range frames {
		if len(f.Payload) != 1 || f.Payload[0] != byte(i) {
			t.Fatalf("frame %d out of order: %+v", i, f)
		}
	}
}

// TestSmokeBackpressureDrop keeps a slow client connected under the drop policy.
func TestSmokeBackpressureDrop(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := hub.New()
	h.OutBufSize = 1
	h.Policy = hub.PolicyDrop
	srv := startServer(t, ctx, WithHub(h))
	c1 := dialAndHandshake(t, ctx, srv.Addr())
	defer c1.Close()
	waitClients(h, 1)

	for i := 0; i < 5; i++ {
		srv.Hub.Broadcast(frame.NewLine("x"))
	}
	_ = c1.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _ = c1.Read(make([]byte, 32))
	_ = c1.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	if _, err := c1.Read(make([]byte, 8)); errors.Is(err, io.EOF) {
		t.Fatalf("connection closed unexpectedly under drop policy: %v", err)
	}
}

// TestSmokeBackpressureKick ensures a slow client gets closed when policy=kick.
func TestSmokeBackpressureKick(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := hub.New()
	h.OutBufSize = 1
	h.Policy = hub.PolicyKick
	srv := startServer(t, ctx, WithHub(h), WithFlushInterval(time.Second))
	c1 := dialAndHandshake(t, ctx, srv.Addr())
	defer c1.Close()
	waitClients(h, 1)
	before := metrics.Snap().HubKicks
	for i := 0; i < 100000 && metrics.Snap().HubKicks == before; i++ {
		srv.Hub.Broadcast(frame.NewLine("flood"))
	}
	if metrics.Snap().HubKicks == before {
		t.Fatalf("expected a hub kick")
	}
	_ = c1.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := io.ReadAll(c1); err != nil && !isTimeout(err) {
		t.Logf("kick read ended with %v", err)
	}
}

// TestSmokeMetrics ensures metrics counters reflect activity.
func TestSmokeMetrics(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cs := &captureSend{}
	h := hub.New()
	srv := startServer(t, ctx, WithHub(h), WithSend(cs.send))

	pre := metrics.Snap()
	c := dialAndHandshake(t, ctx, srv.Addr())
	defer c.Close()
	waitClients(h, 1)

	for i := 0; i < 3; i++ {
		if _, err := io.WriteString(c, "PING\n"); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	cs.waitFor(t, 3)
	srv.Hub.Broadcast(frame.NewLine("PONG"))
	readFrames(t, c, 1, time.Second)

	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) && metrics.Snap().TCPTx == pre.TCPTx {
		time.Sleep(2 * time.Millisecond)
	}
	post := metrics.Snap()
	if d := post.TCPRx - pre.TCPRx; d < 3 {
		t.Fatalf("expected >=3 TCPRx delta, got %d", d)
	}
	if post.TCPTx == pre.TCPTx {
		t.Fatalf("expected TCPTx delta")
	}
}

// TestSmokeErrors covers a failed handshake, a bad hex request and a link error.
func TestSmokeErrors(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cs := &captureSend{}
	srv := startServer(t, ctx, WithHub(hub.New()), WithSend(cs.send), WithHandshakeTimeout(200*time.Millisecond))

	pre := metrics.Snap()
	raw, err := net.DialTimeout("tcp", srv.Addr(), 500*time.Millisecond)
	if err != nil {
		t.Fatalf("dial raw: %v", err)
	}
	_ = raw.Close()
	waitErrors(pre.Errors)
	if metrics.Snap().Errors <= pre.Errors {
		t.Fatalf("expected handshake failure to count an error")
	}

	c := dialAndHandshake(t, ctx, srv.Addr())
	defer c.Close()
	pre = metrics.Snap()
	_, _ = io.WriteString(c, "hex zz\n")
	waitErrors(pre.Errors)
	if metrics.Snap().Errors <= pre.Errors {
		t.Fatalf("expected bad request to count an error")
	}
	// connection survives a bad request
	_, _ = io.WriteString(c, "ATI\n")
	cs.waitFor(t, 1)

	cs.mu.Lock()
	cs.err = errors.New("port gone")
	cs.mu.Unlock()
	_, _ = io.WriteString(c, "ATZ\n")
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !errors.Is(srv.LastError(), ErrBackendTx) {
		time.Sleep(2 * time.Millisecond)
	}
	if !errors.Is(srv.LastError(), ErrBackendTx) {
		t.Fatalf("expected ErrBackendTx, got %v", srv.LastError())
	}
	st := srv.Stats()
	if st.HandshakeFailed != 1 || st.BadRequests != 1 || st.TxErrors != 1 || st.Requests != 2 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

// TestSmokeTxOverflowKeepsConnection treats link queue overflow as a drop.
func TestSmokeTxOverflowKeepsConnection(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var calls sync.WaitGroup
	calls.Add(1)
	var once sync.Once
	srv := startServer(t, ctx, WithHub(hub.New()), WithSend(func([]byte) error {
		once.Do(calls.Done)
		return serial.ErrTxOverflow
	}))
	c := dialAndHandshake(t, ctx, srv.Addr())
	defer c.Close()
	_, _ = io.WriteString(c, "AT\n")
	calls.Wait()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && srv.Stats().TxOverflows == 0 {
		time.Sleep(2 * time.Millisecond)
	}
	if srv.Stats().TxOverflows != 1 {
		t.Fatalf("expected one tx overflow, got %+v", srv.Stats())
	}
	if srv.LastError() != nil {
		t.Fatalf("overflow should not be recorded as server error: %v", srv.LastError())
	}
}

// TestSmokeLineTooLong closes connections that never terminate a request.
func TestSmokeLineTooLong(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv := startServer(t, ctx, WithHub(hub.New()))
	c := dialAndHandshake(t, ctx, srv.Addr())
	defer c.Close()
	_, _ = c.Write(bytes.Repeat([]byte("A"), DefaultMaxLineLen+10))
	_ = c.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := io.ReadAll(c); err != nil && isTimeout(err) {
		t.Fatalf("expected connection close, got timeout")
	}
	if !errors.Is(srv.LastError(), ErrLineTooLong) {
		t.Fatalf("expected ErrLineTooLong, got %v", srv.LastError())
	}
}

// TestSmokeConcurrentClients ensures broadcasts reach multiple simultaneous clients.
func TestSmokeConcurrentClients(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := hub.New()
	srv := startServer(t, ctx, WithHub(h))
	const nClients = 5
	conns := make([]net.Conn, 0, nClients)
	for i := 0; i < nClients; i++ {
		conns = append(conns, dialAndHandshake(t, ctx, srv.Addr()))
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()
	waitClients(h, nClients)
	srv.Hub.Broadcast(frame.NewLine("RING"))
	for idx, c := range conns {
		f := readFrames(t, c, 1, time.Second)[0]
		if f.Text != "RING" {
			t.Fatalf("client %d got %+v", idx, f)
		}
	}
}

// TestMaxClients rejects connections beyond the limit.
func TestMaxClients(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := hub.New()
	srv := startServer(t, ctx, WithHub(h), WithMaxClients(1))
	c1 := dialAndHandshake(t, ctx, srv.Addr())
	defer c1.Close()
	waitClients(h, 1)
	before := metrics.Snap().HubRejects
	c2 := dialAndHandshake(t, ctx, srv.Addr())
	defer c2.Close()
	_ = c2.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := c2.Read(make([]byte, 1)); err == nil {
		t.Fatalf("expected second client to be closed")
	}
	if metrics.Snap().HubRejects == before {
		t.Fatalf("expected reject metric increment")
	}
}

// TestGracefulShutdown ensures Shutdown closes listener and active clients.
func TestGracefulShutdown(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	h := hub.New()
	srv := startServer(t, ctx, WithHub(h))
	c1 := dialAndHandshake(t, ctx, srv.Addr())
	c2 := dialAndHandshake(t, ctx, srv.Addr())
	waitClients(h, 2)
	sdCtx, sdCancel := context.WithTimeout(context.Background(), time.Second)
	defer sdCancel()
	if err := srv.Shutdown(sdCtx); err != nil {
		t.Fatalf("shutdown err: %v", err)
	}
	buf := make([]byte, 8)
	_ = c1.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	if _, err := c1.Read(buf); err == nil {
		t.Fatalf("expected c1 read to fail after shutdown")
	}
	_ = c2.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	if _, err := c2.Read(buf); err == nil {
		t.Fatalf("expected c2 read to fail after shutdown")
	}
}

// TestRequestFilter drops lines rejected by the predicate.
func TestRequestFilter(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cs := &captureSend{}
	srv := startServer(t, ctx, WithHub(hub.New()), WithSend(cs.send),
		WithRequestFilter(func(line string) bool { return !strings.HasPrefix(line, "AT+CFUN") }))
	c := dialAndHandshake(t, ctx, srv.Addr())
	defer c.Close()
	pre := metrics.Snap()
	_, _ = io.WriteString(c, "AT+CFUN=0\nATI\nAT+CFUN=1\nAT\n")
	sent := cs.waitFor(t, 2)
	time.Sleep(20 * time.Millisecond)
	sent = cs.snapshot()
	if len(sent) != 2 || string(sent[0]) != "ATI\r\n" || string(sent[1]) != "AT\r\n" {
		t.Fatalf("unexpected sends %q", sent)
	}
	if d := metrics.Snap().TCPRx - pre.TCPRx; d != 2 {
		t.Fatalf("expected TCPRx delta 2, got %d", d)
	}
}

// TestStressBroadcast (skipped under -short) creates many clients and pushes a higher volume of frames.
func TestStressBroadcast(t *testing.T) {
	if testing.Short() {
		t.Skip("stress skipped in -short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	h := hub.New()
	srv := startServer(t, ctx, WithHub(h))
	const nClients = 20
	const nFrames = 200
	conns := make([]net.Conn, 0, nClients)
	for i := 0; i < nClients; i++ {
		conns = append(conns, dialAndHandshake(t, ctx, srv.Addr()))
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()
	waitClients(h, nClients)
	for i := 0; i < nFrames; i++ {
		srv.Hub.Broadcast(frame.NewBinary([]byte{byte(i)}, true))
		if i%25 == 0 {
			time.Sleep(2 * time.Millisecond)
		}
	}
	for idx, c := range conns {
		if f := readFrames(t, c, 1, 2*time.Second)[0]; f.Kind != frame.Binary {
			t.Fatalf("client %d got %+v", idx, f)
		}
	}
}

// --- Helpers ---

func dialAndHandshake(t *testing.T, ctx context.Context, addr string) net.Conn {
	t.Helper()
	d := net.Dialer{Timeout: time.Second}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if _, err := io.WriteString(c, wire.Hello); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	buf := make([]byte, len(wire.Hello))
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatalf("read hello: %v", err)
	}
	return c
}

// readFrames parses n frame lines from c within d.
func readFrames(t *testing.T, c net.Conn, n int, d time.Duration) []frame.Frame {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(d))
	defer c.SetReadDeadline(time.Time{})
	br := bufio.NewReader(c)
	out := make([]frame.Frame, 0, n)
	for len(out) < n {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("read frame %d: %v", len(out), err)
		}
		f, err := wire.ParseFrame(line)
		if err != nil {
			t.Fatalf("parse frame %q: %v", line, err)
		}
		out = append(out, f)
	}
	return out
}

func waitErrors(before uint64) {
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) && metrics.Snap().Errors <= before {
		time.Sleep(2 * time.Millisecond)
	}
}

func TestConfigDefaults(t *testing.T) {
	srv := NewServer(WithBatchSize(-1), WithMaxLineLen(0))
	cfg := srv.Config()
	if cfg.ListenAddr != ":0" || cfg.BatchSize != DefaultBatchSize || cfg.MaxLineLen != DefaultMaxLineLen ||
		cfg.FlushInterval != DefaultFlushInterval || cfg.HandshakeTimeout != DefaultHandshakeTimeout {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	srv = NewServer(WithConfig(Config{ListenAddr: "127.0.0.1:0", MaxClients: 3}), WithMaxLineLen(80))
	if cfg := srv.Config(); cfg.MaxClients != 3 || cfg.MaxLineLen != 80 || srv.Addr() != "127.0.0.1:0" {
		t.Fatalf("unexpected config %+v addr %s", cfg, srv.Addr())
	}
}

// TestCustomMaxLineLen drops a client that exceeds a small line limit.
func TestCustomMaxLineLen(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cs := &captureSend{}
	srv := startServer(t, ctx, WithHub(hub.New()), WithSend(cs.send), WithMaxLineLen(16))
	c := dialAndHandshake(t, ctx, srv.Addr())
	defer c.Close()
	_, _ = io.WriteString(c, "AT\n")
	cs.waitFor(t, 1)
	_, _ = io.WriteString(c, strings.Repeat("X", 40)+"\n")
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !errors.Is(srv.LastError(), ErrLineTooLong) {
		time.Sleep(2 * time.Millisecond)
	}
	if !errors.Is(srv.LastError(), ErrLineTooLong) {
		t.Fatalf("expected ErrLineTooLong, got %v", srv.LastError())
	}
}
