package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-serial-link/internal/frame"
	"github.com/kstaniek/go-serial-link/internal/hub"
	"github.com/kstaniek/go-serial-link/internal/pty"
	"github.com/kstaniek/go-serial-link/internal/rxbuf"
	"github.com/kstaniek/go-serial-link/internal/serial"
	"github.com/kstaniek/go-serial-link/internal/transport"
)

// Hooks for tests (overridden in unit tests).
var (
	openSerialPort = serial.Open
	openPTY        = pty.Open
)

// backend is the running serial side: the link, its writer and the frame pump.
type backend struct {
	link   *serial.Link
	writer *serial.TXWriter
	closer func() error
}

// Send queues request bytes for the serial writer.
func (b *backend) Send(p []byte) error { return b.writer.SendBytes(p) }

// Close stops the writer and closes the device.
func (b *backend) Close() {
	b.writer.Close()
	_ = b.link.Close()
	if b.closer != nil {
		_ = b.closer()
	}
}

// openPort opens the configured device. For "pty" the slave path is logged so
// a simulator or linkctl can attach to it.
func openPort(cfg *appConfig, l *slog.Logger) (serial.Port, func() error, error) {
	if cfg.serialDev == ptyDevice {
		pair, err := openPTY()
		if err != nil {
			return nil, nil, fmt.Errorf("open pty: %w", err)
		}
		pair.Master.SetReadTimeout(cfg.serialReadTO)
		l.Info("pty_open", "slave", pair.SlavePath)
		return pair.Master, pair.Slave.Close, nil
	}
	p, err := openSerialPort(serial.Config{
		Name:        cfg.serialDev,
		Baud:        cfg.baud,
		ReadTimeout: cfg.serialReadTO,
		DataBits:    cfg.dataBits,
		Parity:      cfg.parity,
		StopBits:    cfg.stopBits,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open serial: %w", err)
	}
	l.Info("serial_open", "device", cfg.serialDev, "baud", cfg.baud, "parity", cfg.parity, "stop_bits", cfg.stopBits, "data_bits", cfg.dataBits)
	return p, nil, nil
}

// initBackend opens the device, starts the rx goroutine and the frame pump
// that broadcasts complete frames to h. It returns an error instead of
// exiting the process to allow graceful handling by the caller.
func initBackend(ctx context.Context, cfg *appConfig, h *hub.Hub, l *slog.Logger, wg *sync.WaitGroup) (*backend, error) {
	fr, err := cfg.framer()
	if err != nil {
		return nil, err
	}
	port, closer, err := openPort(cfg, l)
	if err != nil {
		l.Error("serial_open_failed", "device", cfg.serialDev, "error", err)
		return nil, err
	}
	link := serial.NewLink(port, serial.WithLogger(l), serial.WithBuffer(rxbuf.New(cfg.rxCapacity)))

	wake := make(chan struct{}, 1)
	link.OnReceive(func(int) {
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	link.OnError(func(err error) {
		if !errors.Is(err, rxbuf.ErrOverflow) {
			return
		}
		// Pending bytes are out of sync with the device; start over.
		if cerr := link.Clear(); cerr != nil {
			l.Warn("rx_resync_failed", "error", cerr)
			return
		}
		l.Warn("rx_resync")
	})
	link.Start(ctx)

	wg.Add(1)
	go func() {
		defer wg.Done()
		pumpFrames(ctx, link.Buffer(), fr, cfg.pollInterval, wake, h.Broadcast)
	}()

	w := serial.NewTXWriter(ctx, link, txQueueSize, transport.WithGap(cfg.txGap))
	l.Info("framer_config", "mode", fr.Mode.String(), "frame_len", fr.FrameLen, "checksum", fr.Checksum, "rx_capacity", cfg.rxCapacity, "tx_gap", cfg.txGap)
	return &backend{link: link, writer: w, closer: closer}, nil
}

// pumpFrames drains b whenever new bytes arrive or the poll interval passes.
func pumpFrames(ctx context.Context, b *rxbuf.Buffer, fr serial.Framer, every time.Duration, wake <-chan struct{}, out func(frame.Frame)) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-t.C:
		}
		if b.DataAvailable() {
			b.ResetDataAvailable()
			fr.Drain(b, out)
		}
	}
}
