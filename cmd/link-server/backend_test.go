package main

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-serial-link/internal/checksum"
	"github.com/kstaniek/go-serial-link/internal/frame"
	"github.com/kstaniek/go-serial-link/internal/hub"
	"github.com/kstaniek/go-serial-link/internal/logging"
	"github.com/kstaniek/go-serial-link/internal/metrics"
	"github.com/kstaniek/go-serial-link/internal/mqttsink"
	"github.com/kstaniek/go-serial-link/internal/pty"
	"github.com/kstaniek/go-serial-link/internal/rxbuf"
	"github.com/kstaniek/go-serial-link/internal/serial"
)

// fakeSerialPort replays reads and records writes and flushes. The part of
// a chunk that does not fit a Read stays queued until Flush drops it.
type fakeSerialPort struct {
	mu      sync.Mutex
	reads   [][]byte
	idx     int
	queued  []byte
	written []byte
	flushes int
}

func (f *fakeSerialPort) Read(p []byte) (int, error) {
	f.mu.Lock()
	if len(f.queued) > 0 {
		n := copy(p, f.queued)
		f.queued = f.queued[n:]
		f.mu.Unlock()
		return n, nil
	}
	if f.idx >= len(f.reads) {
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		return 0, io.EOF
	}
	chunk := f.reads[f.idx]
	f.idx++
	n := copy(p, chunk)
	f.queued = append(f.queued, chunk[n:]...)
	f.mu.Unlock()
	return n, nil
}

func (f *fakeSerialPort) Write(p []byte) (int, error) {
	f.mu.Lock()
	f.written = append(f.written, p...)
	f.mu.Unlock()
	return len(p), nil
}

func (f *fakeSerialPort) Flush() error {
	f.mu.Lock()
	f.flushes++
	f.queued = nil
	f.mu.Unlock()
	return nil
}
func (f *fakeSerialPort) Close() error { return nil }

func (f *fakeSerialPort) snapshot() (string, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.written), f.flushes
}

func withFakePort(t *testing.T, fp *fakeSerialPort) {
	t.Helper()
	openSerialPort = func(serial.Config) (serial.Port, error) { return fp, nil }
	t.Cleanup(func() { openSerialPort = serial.Open })
}

func recvFrame(t *testing.T, c *hub.Client) frame.Frame {
	t.Helper()
	select {
	case fr := <-c.Out:
		return fr
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for frame")
	}
	return frame.Frame{}
}

func TestInitBackendLines(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fp := &fakeSerialPort{reads: [][]byte{[]byte("+CSQ: 2"), []byte("1,99\r\nOK\r\n")}}
	withFakePort(t, fp)

	h := hub.New()
	c := h.NewClient()
	cfg := baseConfig()
	var wg sync.WaitGroup
	be, err := initBackend(ctx, cfg, h, logging.Discard(), &wg)
	if err != nil {
		t.Fatalf("initBackend: %v", err)
	}

	if fr := recvFrame(t, c); fr.Text != "+CSQ: 21,99" {
		t.Fatalf("unexpected first frame: %+v", fr)
	}
	if fr := recvFrame(t, c); fr.Text != "OK" {
		t.Fatalf("unexpected second frame: %+v", fr)
	}

	if err := be.Send([]byte("AT\r\n")); err != nil {
		t.Fatalf("send: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if w, _ := fp.snapshot(); w == "AT\r\n" {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if w, _ := fp.snapshot(); w != "AT\r\n" {
		t.Fatalf("written %q", w)
	}
	cancel()
	be.Close()
	wg.Wait()
	if metrics.Snap().SerialRxBytes == 0 {
		t.Fatalf("expected SerialRxBytes > 0")
	}
}

func TestInitBackendFixedChecksum(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	good := checksum.Append([]byte{0x01, 0x02})
	fp := &fakeSerialPort{reads: [][]byte{good[:3], good[3:]}}
	withFakePort(t, fp)

	h := hub.New()
	c := h.NewClient()
	cfg := baseConfig()
	cfg.frameMode, cfg.frameLen, cfg.checksum = "fixed", 4, true
	var wg sync.WaitGroup
	be, err := initBackend(ctx, cfg, h, logging.Discard(), &wg)
	if err != nil {
		t.Fatalf("initBackend: %v", err)
	}
	defer be.Close()
	fr := recvFrame(t, c)
	if fr.Kind != frame.Binary || !fr.Valid || len(fr.Payload) != 2 {
		t.Fatalf("unexpected frame %+v", fr)
	}
}

func TestInitBackendOverflowResync(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fp := &fakeSerialPort{reads: [][]byte{[]byte("garbage-without-newline"), []byte("OK\n")}}
	withFakePort(t, fp)

	h := hub.New()
	c := h.NewClient()
	cfg := baseConfig()
	cfg.rxCapacity = 16
	before := metrics.Snap().RxOverflows
	var wg sync.WaitGroup
	be, err := initBackend(ctx, cfg, h, logging.Discard(), &wg)
	if err != nil {
		t.Fatalf("initBackend: %v", err)
	}
	defer be.Close()

	if fr := recvFrame(t, c); fr.Text != "OK" {
		t.Fatalf("expected resync to OK, got %+v", fr)
	}
	if metrics.Snap().RxOverflows == before {
		t.Fatalf("expected overflow metric")
	}
	if _, flushes := fp.snapshot(); flushes == 0 {
		t.Fatalf("expected a port flush on overflow")
	}
	select {
	case err := <-be.link.Errors():
		if !errors.Is(err, rxbuf.ErrOverflow) {
			t.Fatalf("unexpected link error %v", err)
		}
	default:
		t.Fatalf("overflow not surfaced on link errors")
	}
}

func TestInitBackendOpenError(t *testing.T) {
	openSerialPort = func(serial.Config) (serial.Port, error) { return nil, os.ErrNotExist }
	defer func() { openSerialPort = serial.Open }()
	var wg sync.WaitGroup
	_, err := initBackend(context.Background(), baseConfig(), hub.New(), logging.Discard(), &wg)
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}

func TestInitBackendPTY(t *testing.T) {
	var slave *pty.Port
	openPTY = func() (*pty.Pair, error) {
		p, err := pty.Open()
		if err == nil {
			slave = p.Slave
		}
		return p, err
	}
	defer func() { openPTY = pty.Open }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := hub.New()
	c := h.NewClient()
	cfg := baseConfig()
	cfg.serialDev = ptyDevice
	var wg sync.WaitGroup
	be, err := initBackend(ctx, cfg, h, logging.Discard(), &wg)
	if err != nil {
		t.Skipf("pty not available: %v", err)
	}
	defer be.Close()
	if _, err := slave.Write([]byte("READY\r\n")); err != nil {
		t.Fatalf("slave write: %v", err)
	}
	if fr := recvFrame(t, c); fr.Text != "READY" {
		t.Fatalf("unexpected frame %+v", fr)
	}
}

func TestWaitShutdownIgnoresOverflow(t *testing.T) {
	errs := make(chan error, 2)
	errs <- rxbuf.ErrOverflow
	errs <- &os.PathError{Op: "read", Path: "/dev/ttyUSB0", Err: os.ErrClosed}
	done := make(chan error, 1)
	go func() {
		done <- waitShutdown(context.Background(), make(chan os.Signal), errs, nil, logging.Discard())
	}()
	select {
	case err := <-done:
		if !errors.Is(err, os.ErrClosed) {
			t.Fatalf("expected the device error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waitShutdown did not return on fatal link error")
	}
	if len(errs) != 0 {
		t.Fatalf("expected both errors consumed")
	}
}

func TestPumpFramesDrainsOnWake(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := rxbuf.New(64)
	wake := make(chan struct{}, 1)
	got := make(chan frame.Frame, 4)
	done := make(chan struct{})
	go func() {
		pumpFrames(ctx, b, serial.Framer{}, time.Hour, wake, func(f frame.Frame) { got <- f })
		close(done)
	}()
	_ = b.OnBytesReceived([]byte("one\ntwo\npart"))
	wake <- struct{}{}
	for _, want := range []string{"one", "two"} {
		select {
		case f := <-got:
			if f.Text != want {
				t.Fatalf("got %q want %q", f.Text, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %q", want)
		}
	}
	cancel()
	<-done
	if b.Len() != len("part") {
		t.Fatalf("partial line should stay pending, len=%d", b.Len())
	}
}

func TestStartMQTTDisabled(t *testing.T) {
	called := false
	newSink = func(string, ...mqttsink.Option) (*mqttsink.Sink, error) {
		called = true
		return nil, errors.New("unexpected")
	}
	defer func() { newSink = mqttsink.New }()
	var wg sync.WaitGroup
	stop, err := startMQTT(context.Background(), baseConfig(), hub.New(), nil, nil, logging.Discard(), &wg)
	if err != nil || stop == nil || called {
		t.Fatalf("disabled mqtt should be a no-op: err=%v called=%v", err, called)
	}
	stop()
}

func TestStartMQTTBadURL(t *testing.T) {
	cfg := baseConfig()
	cfg.mqttURL = "ftp://broker"
	var wg sync.WaitGroup
	if _, err := startMQTT(context.Background(), cfg, hub.New(), nil, nil, logging.Discard(), &wg); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
}
