package serial

import (
	"context"
	"errors"

	"github.com/kstaniek/go-serial-link/internal/logging"
	"github.com/kstaniek/go-serial-link/internal/metrics"
	"github.com/kstaniek/go-serial-link/internal/transport"
)

// ErrTxOverflow is returned by TXWriter.SendBytes when the queue is full.
var ErrTxOverflow = errors.New("serial tx overflow")

// TXWriter queues requests for a Link and writes them from one goroutine, so
// concurrent producers never interleave bytes on the wire.
type TXWriter struct {
	q    *transport.AsyncTx
	link *Link
}

// NewTXWriter starts a writer for l holding up to depth queued requests.
// Write failures are logged and counted; the request is not retried.
func NewTXWriter(parent context.Context, l *Link, depth int, opts ...transport.Option) *TXWriter {
	w := &TXWriter{link: l}
	w.q = transport.NewAsyncTx(parent, depth, l.Write, transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrSerialWrite)
			l.logger.Error("serial_write_error", "error", err, "open", l.IsOpen())
		},
		OnDrop: func() error {
			metrics.IncError(metrics.ErrSerialOverflow)
			logging.L().Debug("serial_tx_drop", "queued", w.q.Pending())
			return ErrTxOverflow
		},
	}, opts...)
	return w
}

// SendBytes queues p without blocking.
func (w *TXWriter) SendBytes(p []byte) error { return w.q.SendBytes(p) }

// Pending reports queued requests not yet written.
func (w *TXWriter) Pending() int { return w.q.Pending() }

// Close writes what is still queued (unless the parent context is done) and
// stops the writer.
func (w *TXWriter) Close() { w.q.Close() }
