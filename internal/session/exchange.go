// Package session implements request/response exchanges over a serial link:
// write a request, then poll the receive buffer once per tick until a frame
// arrives or a tick counter runs out.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kstaniek/go-serial-link/internal/frame"
	"github.com/kstaniek/go-serial-link/internal/logging"
	"github.com/kstaniek/go-serial-link/internal/metrics"
	"github.com/kstaniek/go-serial-link/internal/rxbuf"
	"github.com/kstaniek/go-serial-link/internal/serial"
	"github.com/kstaniek/go-serial-link/internal/timeout"
)

const DefaultTick = 100 * time.Millisecond

var (
	// ErrTimeout means no acceptable frame arrived before the counter expired.
	ErrTimeout = errors.New("exchange timed out")
	// ErrUnexpectedEnd means the link closed while waiting for a response.
	ErrUnexpectedEnd = errors.New("unexpected end of stream")
	// ErrUnexpectedResponse means a frame arrived but was not the expected one.
	ErrUnexpectedResponse = errors.New("unexpected response")
)

// Link is the part of *serial.Link an exchange needs.
type Link interface {
	Write(p []byte) error
	Clear() error
	IsOpen() bool
	Buffer() *rxbuf.Buffer
}

var _ Link = (*serial.Link)(nil)

type options struct {
	tick       time.Duration
	ticks      int
	clearFirst bool
	match      func(frame.Frame) bool
	strict     bool
}

type Option func(*options)

// WithTick sets the poll interval (default 100ms).
func WithTick(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.tick = d
		}
	}
}

// WithTicks sets how many ticks to wait (default timeout.DefaultTicks).
func WithTicks(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.ticks = n
		}
	}
}

// WithClearFirst discards stale input before the request is written.
func WithClearFirst() Option { return func(o *options) { o.clearFirst = true } }

// WithMatch skips frames for which fn returns false (unsolicited output).
func WithMatch(fn func(frame.Frame) bool) Option { return func(o *options) { o.match = fn } }

// WithStrict turns a frame rejected by the match func into ErrUnexpectedResponse.
func WithStrict() Option { return func(o *options) { o.strict = true } }

// Exchange writes req (if non-empty) and waits for the response frame.
//
// Write errors are returned unmodified. A binary frame that failed its
// checksum is returned together with ErrUnexpectedResponse.
func Exchange(ctx context.Context, l Link, fr serial.Framer, req []byte, opts ...Option) (f frame.Frame, err error) {
	o := options{tick: DefaultTick, ticks: timeout.DefaultTicks}
	for _, fn := range opts {
		fn(&o)
	}
	if o.clearFirst {
		if err := l.Clear(); err != nil {
			return frame.Frame{}, err
		}
	}
	if len(req) > 0 {
		if err := l.Write(req); err != nil {
			return frame.Frame{}, err
		}
	}

	start := time.Now()
	defer func() { metrics.ObserveExchange(time.Since(start), outcome(err)) }()

	counter := timeout.New(o.ticks)
	ticker := time.NewTicker(o.tick)
	defer ticker.Stop()
	for {
		if f, ok, err := next(l.Buffer(), fr, &o); ok || err != nil {
			return f, err
		}
		if counter.Expired() {
			metrics.IncTimeout()
			logging.L().Debug("exchange_timeout", "ticks", o.ticks, "tick", o.tick)
			return frame.Frame{}, fmt.Errorf("%w after %d ticks of %s", ErrTimeout, o.ticks, o.tick)
		}
		if !l.IsOpen() {
			return frame.Frame{}, ErrUnexpectedEnd
		}
		select {
		case <-ctx.Done():
			return frame.Frame{}, ctx.Err()
		case <-ticker.C:
			counter = counter.Dec()
		}
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.Is(err, ErrTimeout):
		return metrics.OutcomeTimeout
	case errors.Is(err, ErrUnexpectedResponse):
		return metrics.OutcomeUnexpected
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return metrics.OutcomeCanceled
	default:
		return metrics.OutcomeClosed
	}
}

func next(b *rxbuf.Buffer, fr serial.Framer, o *options) (frame.Frame, bool, error) {
	for {
		f, ok := fr.Next(b)
		if !ok {
			return frame.Frame{}, false, nil
		}
		if f.Kind == frame.Binary && !f.Valid {
			return f, true, fmt.Errorf("%w: checksum mismatch", ErrUnexpectedResponse)
		}
		if o.match == nil || o.match(f) {
			return f, true, nil
		}
		if o.strict {
			return f, true, fmt.Errorf("%w: %s", ErrUnexpectedResponse, describe(f))
		}
	}
}

func describe(f frame.Frame) string {
	if f.Kind == frame.Line {
		return fmt.Sprintf("%q", f.Text)
	}
	return fmt.Sprintf("% X", f.Payload)
}
