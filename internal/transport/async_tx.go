package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrAsyncTxClosed is returned by SendBytes after Close.
var ErrAsyncTxClosed = errors.New("async tx closed")

// Hooks observe the writer goroutine.
type Hooks struct {
	// OnError receives send failures; the payload is not retried.
	OnError func(error)
	// OnAfter receives the size of every payload sent successfully.
	OnAfter func(n int)
	// OnDrop runs when the queue is full and its error is returned from
	// SendBytes. Nil makes overflow silent.
	OnDrop func() error
}

// Option tunes an AsyncTx.
type Option func(*AsyncTx)

// WithGap keeps at least d of idle line between two consecutive sends, for
// half-duplex devices that need time to turn the line around.
func WithGap(d time.Duration) Option {
	return func(a *AsyncTx) {
		if d > 0 {
			a.gap = d
		}
	}
}

// AsyncTx serializes requests from many producers onto one link so they
// leave in enqueue order and never interleave. SendBytes never blocks.
//
// Close stops intake and waits until the queue is drained; cancelling the
// parent context abandons whatever is still queued.
type AsyncTx struct {
	mu     sync.Mutex
	ch     chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	send   func([]byte) error
	hooks  Hooks
	gap    time.Duration
	closed atomic.Bool
}

// NewAsyncTx starts the writer goroutine with room for buf queued payloads.
func NewAsyncTx(parent context.Context, buf int, send func([]byte) error, hooks Hooks, opts ...Option) *AsyncTx {
	ctx, cancel := context.WithCancel(parent)
	a := &AsyncTx{
		ch:     make(chan []byte, buf),
		ctx:    ctx,
		cancel: cancel,
		send:   send,
		hooks:  hooks,
	}
	for _, o := range opts {
		o(a)
	}
	a.wg.Add(1)
	go a.run()
	return a
}

func (a *AsyncTx) run() {
	defer a.wg.Done()
	var last time.Time
	for {
		if a.ctx.Err() != nil {
			return
		}
		select {
		case <-a.ctx.Done():
			return
		case p, ok := <-a.ch:
			if !ok {
				return
			}
			if !a.waitGap(last) {
				return
			}
			a.deliver(p)
			last = time.Now()
		}
	}
}

// waitGap sleeps out the rest of the gap; false means the context ended first.
func (a *AsyncTx) waitGap(last time.Time) bool {
	if a.gap <= 0 || last.IsZero() {
		return true
	}
	d := a.gap - time.Since(last)
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-a.ctx.Done():
		return false
	}
}

func (a *AsyncTx) deliver(p []byte) {
	if err := a.send(p); err != nil {
		if a.hooks.OnError != nil {
			a.hooks.OnError(err)
		}
		return
	}
	if a.hooks.OnAfter != nil {
		a.hooks.OnAfter(len(p))
	}
}

// SendBytes queues p; the caller must not modify p afterwards.
func (a *AsyncTx) SendBytes(p []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	select {
	case a.ch <- p:
		return nil
	default:
	}
	if a.hooks.OnDrop != nil {
		return a.hooks.OnDrop()
	}
	return nil
}

// Pending reports how many payloads wait in the queue.
func (a *AsyncTx) Pending() int { return len(a.ch) }

// Close stops intake, drains the queue and waits for the writer. Idempotent.
func (a *AsyncTx) Close() {
	a.mu.Lock()
	if a.closed.Swap(true) {
		a.mu.Unlock()
		return
	}
	close(a.ch)
	a.mu.Unlock()
	a.wg.Wait()
	a.cancel()
}
