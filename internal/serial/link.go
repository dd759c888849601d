package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-serial-link/internal/logging"
	"github.com/kstaniek/go-serial-link/internal/metrics"
	"github.com/kstaniek/go-serial-link/internal/rxbuf"
)

// ErrClosed is returned by Link operations after Close.
var ErrClosed = errors.New("serial link closed")

const (
	readChunkSize = 4096
	rxBackoffMin  = 20 * time.Millisecond
	rxBackoffMax  = 500 * time.Millisecond
	// rxFullWaits bounds how many rxBackoffMin periods the rx goroutine
	// leaves data in the driver while the buffer is full.
	rxFullWaits = 5
	// clearWait bounds how long Clear waits for an in-flight read.
	clearWait = 250 * time.Millisecond
)

// errStale marks a chunk read before the last Clear.
var errStale = errors.New("chunk read before clear")

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// Link couples a Port with a bounded receive buffer. A single rx goroutine
// reads the port and delivers each chunk to the buffer; consumers poll the
// buffer through ReadLine/ReadBytes. Writes go straight to the port.
type Link struct {
	port   Port
	buf    *rxbuf.Buffer
	logger *slog.Logger

	open    atomic.Bool
	started atomic.Bool
	wg      sync.WaitGroup

	// rxTurn is held by the rx goroutine across one Read and its delivery.
	rxTurn chan struct{}
	// cutMu orders deliveries against Clear; gen counts Clear calls.
	cutMu sync.Mutex
	gen   atomic.Uint64

	hookMu    sync.RWMutex
	onReceive func(n int)
	onError   func(error)
	errCh     chan error
}

type LinkOption func(*Link)

// WithLogger sets the link logger (defaults to logging.L()).
func WithLogger(l *slog.Logger) LinkOption {
	return func(k *Link) {
		if l != nil {
			k.logger = l
		}
	}
}

// WithBuffer replaces the default 4 KiB receive buffer.
func WithBuffer(b *rxbuf.Buffer) LinkOption {
	return func(k *Link) {
		if b != nil {
			k.buf = b
		}
	}
}

// NewLink wraps an already open port.
func NewLink(p Port, opts ...LinkOption) *Link {
	l := &Link{
		port:   p,
		buf:    rxbuf.New(rxbuf.DefaultCapacity),
		logger: logging.L(),
		errCh:  make(chan error, 1),
		rxTurn: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(l)
	}
	l.open.Store(true)
	return l
}

// OnReceive registers a callback invoked from the rx goroutine after each
// chunk has been buffered. It must not block.
func (l *Link) OnReceive(fn func(n int)) { l.hookMu.Lock(); l.onReceive = fn; l.hookMu.Unlock() }

// OnError registers a callback for rx failures (rxbuf.ErrOverflow included).
func (l *Link) OnError(fn func(error)) { l.hookMu.Lock(); l.onError = fn; l.hookMu.Unlock() }

// Errors exposes the most recent unconsumed rx failure.
func (l *Link) Errors() <-chan error { return l.errCh }

// Buffer returns the receive buffer.
func (l *Link) Buffer() *rxbuf.Buffer { return l.buf }

// IsOpen reports whether Close has not been called yet.
func (l *Link) IsOpen() bool { return l.open.Load() }

// Start launches the rx goroutine. It stops when ctx is done, the port is
// closed or the device disappears.
func (l *Link) Start(ctx context.Context) {
	if !l.started.CompareAndSwap(false, true) {
		return
	}
	l.wg.Add(1)
	go l.rxLoop(ctx)
}

func (l *Link) rxLoop(ctx context.Context) {
	defer l.wg.Done()
	defer l.logger.Info("serial_rx_end")
	chunk := make([]byte, readChunkSize)
	backoff := rxBackoffMin
	full := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		window := l.readWindow(chunk)
		if len(window) == 0 && full < rxFullWaits {
			full++
			sleepFn(rxBackoffMin)
			continue
		}
		full = 0
		if len(window) == 0 {
			// Still full: one byte is enough to surface the overflow.
			window = chunk[:1]
		}
		n, err, derr := l.readOnce(window)
		if n > 0 {
			l.afterDeliver(window[:n], derr)
			backoff = rxBackoffMin
		}
		if err != nil {
			if ctx.Err() != nil || !l.IsOpen() {
				return
			}
			var perr *os.PathError
			if errors.As(err, &perr) {
				l.logger.Error("serial_device_lost", "error", err)
				l.report(err)
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				continue // read timeout on most drivers
			}
			metrics.IncError(metrics.ErrSerialRead)
			l.logger.Warn("serial_read_error", "error", err, "backoff", backoff)
			sleepFn(backoff)
			backoff *= 2
			if backoff > rxBackoffMax {
				backoff = rxBackoffMax
			}
		}
	}
}

// readWindow sizes the next read to the free buffer space so a burst larger
// than the buffer stays in the driver instead of overflowing.
func (l *Link) readWindow(chunk []byte) []byte {
	room := l.buf.Cap() - 1 - l.buf.Len()
	if room <= 0 {
		return chunk[:0]
	}
	return chunk[:min(room, len(chunk))]
}

// readOnce reads and stores one chunk while holding the rx turn.
func (l *Link) readOnce(p []byte) (n int, err, derr error) {
	l.rxTurn <- struct{}{}
	defer func() { <-l.rxTurn }()
	gen := l.gen.Load()
	n, err = l.port.Read(p)
	if n > 0 {
		derr = l.store(p[:n], gen)
	}
	return n, err, derr
}

// store is the producer side of the receive buffer. Chunks read before a
// Clear that did not wait for them are dropped.
func (l *Link) store(p []byte, gen uint64) error {
	l.cutMu.Lock()
	defer l.cutMu.Unlock()
	if gen != l.gen.Load() {
		return errStale
	}
	return l.buf.OnBytesReceived(p)
}

// afterDeliver runs outside the rx turn so hooks may call Clear.
func (l *Link) afterDeliver(p []byte, err error) {
	metrics.AddSerialRx(len(p))
	l.logger.Debug("serial_rx", "n", len(p), "data", logging.Hex(p))
	switch {
	case errors.Is(err, errStale):
		l.logger.Debug("serial_rx_stale", "dropped", len(p))
		return
	case err != nil:
		metrics.IncRxOverflow()
		l.logger.Error("rx_overflow", "error", err, "dropped", len(p))
		l.report(err)
		return
	}
	l.hookMu.RLock()
	fn := l.onReceive
	l.hookMu.RUnlock()
	if fn != nil {
		fn(len(p))
	}
}

func (l *Link) report(err error) {
	l.hookMu.RLock()
	fn := l.onError
	l.hookMu.RUnlock()
	if fn != nil {
		fn(err)
	}
	select {
	case l.errCh <- err:
	default:
	}
}

// ReadLine extracts the next complete line, or "" if none is pending.
func (l *Link) ReadLine() string { return l.buf.ReadLine() }

// ReadBytes extracts exactly n bytes, or (nil, false) if fewer are pending.
func (l *Link) ReadBytes(n int) ([]byte, bool) { return l.buf.ReadBytes(n) }

// Pending returns the number of bytes waiting in the receive buffer.
func (l *Link) Pending() int { return l.buf.Len() }

// Buffered returns bytes the driver holds that the rx goroutine has not read
// yet, when the port can tell (pty does). Otherwise it reports 0.
func (l *Link) Buffered() (int, error) {
	if b, ok := l.port.(interface{ Buffered() (int, error) }); ok {
		return b.Buffered()
	}
	return 0, nil
}

// Clear discards pending bytes in both directions and empties the buffer.
// It waits up to clearWait for a read in progress so its bytes are discarded
// too; if the read outlasts that, whatever it returns is dropped. Nothing
// read before Clear reaches the buffer afterwards.
func (l *Link) Clear() error {
	if !l.IsOpen() {
		return ErrClosed
	}
	t := time.NewTimer(clearWait)
	select {
	case l.rxTurn <- struct{}{}:
		defer func() { <-l.rxTurn }()
	case <-t.C:
		l.logger.Debug("serial_clear_read_pending")
	}
	t.Stop()
	l.cutMu.Lock()
	defer l.cutMu.Unlock()
	l.gen.Add(1)
	err := l.port.Flush()
	l.buf.Clear()
	if err != nil {
		return fmt.Errorf("serial flush: %w", err)
	}
	return nil
}

// Write sends p directly to the port; driver errors are returned as is.
func (l *Link) Write(p []byte) error {
	if !l.IsOpen() {
		return ErrClosed
	}
	l.logger.Debug("serial_tx", "n", len(p), "data", logging.Hex(p))
	n, err := l.port.Write(p)
	if n > 0 {
		metrics.AddSerialTx(n)
	}
	if err != nil {
		return err
	}
	if n < len(p) {
		return io.ErrShortWrite
	}
	return nil
}

// WriteString sends the UTF-8 bytes of s.
func (l *Link) WriteString(s string) error { return l.Write([]byte(s)) }

// Close closes the port and waits for the rx goroutine.
func (l *Link) Close() error {
	if !l.open.Swap(false) {
		return nil
	}
	err := l.port.Close()
	l.wg.Wait()
	return err
}
