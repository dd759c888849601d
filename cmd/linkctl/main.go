// Command linkctl sends one request over a serial link and prints the
// response frame, or runs an interactive console with -i.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kstaniek/go-serial-link/internal/logging"
	"github.com/kstaniek/go-serial-link/internal/rxbuf"
	"github.com/kstaniek/go-serial-link/internal/serial"
	"github.com/kstaniek/go-serial-link/internal/session"
	"github.com/kstaniek/go-serial-link/internal/wire"
)

// Set at build time via -ldflags "-X main.version=...".
var version = "dev"

// Hook for tests.
var openSerialPort = serial.Open

func main() {
	cfg, err := parseArgs(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "linkctl:", err)
		os.Exit(2)
	}
	if cfg.showVersion {
		fmt.Printf("linkctl %s\n", version)
		return
	}
	lvl, err := logging.ParseLevel(cfg.logLevel)
	if err != nil {
		lvl = slog.LevelWarn
	}
	l := logging.New("text", lvl, os.Stderr).With("app", "linkctl")
	logging.Set(l)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, l, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "linkctl:", err)
		os.Exit(1)
	}
}

// run opens the device and performs the one-shot exchange or the console.
func run(ctx context.Context, cfg *ctlConfig, l *slog.Logger, out io.Writer) error {
	port, err := openSerialPort(serial.Config{
		Name:        cfg.serialDev,
		Baud:        cfg.baud,
		ReadTimeout: cfg.readTO,
		DataBits:    cfg.dataBits,
		Parity:      cfg.parity,
		StopBits:    cfg.stopBits,
	})
	if err != nil {
		l.Error("serial_open_failed", "device", cfg.serialDev, "error", err)
		return fmt.Errorf("open serial: %w", err)
	}
	link := serial.NewLink(port, serial.WithLogger(l), serial.WithBuffer(rxbuf.New(cfg.rxCapacity)))
	link.Start(ctx)
	defer link.Close()

	con, err := newConsole(ctx, link, cfg)
	if err != nil {
		return err
	}
	if cfg.interactive {
		sh := newShell(con)
		sh.Println("linkctl " + version + " on " + cfg.serialDev + " (" + con.describe() + ")")
		sh.Run()
		return nil
	}

	req, err := buildRequest(cfg.send, cfg.hex, con.ending, con.sign)
	if err != nil {
		return err
	}
	f, err := con.exchange(req)
	if err == nil || errors.Is(err, session.ErrUnexpectedResponse) {
		fmt.Fprintln(out, wire.FormatFrame(f))
	}
	return err
}
