// Command link-server owns a serial device, cuts its receive stream into
// frames and serves them to TCP clients (and optionally an MQTT broker),
// writing client requests back to the device.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/kstaniek/go-serial-link/internal/metrics"
	"github.com/kstaniek/go-serial-link/internal/rxbuf"
	"github.com/kstaniek/go-serial-link/internal/server"
	"github.com/kstaniek/go-serial-link/internal/wire"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("link-server %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	if err := run(context.Background(), cfg, l, sigCh); err != nil {
		l.Error("exit", "error", err)
		os.Exit(1)
	}
}

// run starts every component and blocks until a signal, a fatal device or
// listener error, or parent cancellation. It returns nil on a clean stop.
func run(parent context.Context, cfg *appConfig, l *slog.Logger, sigCh <-chan os.Signal) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	var wg sync.WaitGroup
	h := initHub(cfg, l)
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	be, err := initBackend(ctx, cfg, h, l, &wg)
	if err != nil {
		return fmt.Errorf("backend: %w", err)
	}
	codec := newCodec(cfg)
	srv := server.NewServer(
		server.WithConfig(server.Config{
			ListenAddr:       cfg.listenAddr,
			ReadDeadline:     cfg.clientReadTO,
			HandshakeTimeout: cfg.handshakeTO,
			MaxClients:       cfg.maxClients,
		}),
		server.WithHub(h),
		server.WithCodec(codec),
		server.WithSend(be.Send),
		server.WithLogger(l),
	)
	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.Serve(ctx) }()

	stopMQTT, err := startMQTT(ctx, cfg, h, codec, be.Send, l, &wg)
	if err != nil {
		l.Warn("mqtt_start_failed", "error", err)
		stopMQTT = func() {}
	}
	if cfg.mdnsEnable {
		go advertise(ctx, cfg, srv, l)
	}

	metrics.SetReadinessFunc(func() bool {
		select {
		case <-srv.Ready():
		default:
			return false
		}
		return ctx.Err() == nil && be.link.IsOpen()
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		httpSrv := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = httpSrv.Shutdown(context.Background()) }()
	}

	reason := waitShutdown(ctx, sigCh, be.link.Errors(), srvErr, l)
	cancel()
	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Warn("tcp_shutdown", "error", err)
	}
	stopMQTT()
	be.Close()
	wg.Wait()
	return reason
}

// newCodec builds the client codec; "none" line ending passes text verbatim.
func newCodec(cfg *appConfig) *wire.Codec {
	ending, _ := lineEndingBytes(cfg.lineEnding)
	return &wire.Codec{LineEnding: ending, Verbatim: ending == ""}
}

// advertise registers the bridge over mDNS once the listener is bound.
func advertise(ctx context.Context, cfg *appConfig, srv *server.Server, l *slog.Logger) {
	select {
	case <-srv.Ready():
	case <-ctx.Done():
		return
	}
	port := listenPort(srv.Addr())
	cleanup, err := startMDNS(ctx, cfg, port)
	if err != nil {
		l.Warn("mdns_start_failed", "error", err)
		return
	}
	l.Info("mdns_started", "service", mdnsServiceType, "name", mdnsInstance(cfg), "port", port)
	<-ctx.Done()
	cleanup()
}

// waitShutdown blocks until a signal (nil), ctx end (nil), a fatal link
// error or a listener failure. Receive buffer overflows are recovered by the
// backend and do not stop the server.
func waitShutdown(ctx context.Context, sigCh <-chan os.Signal, linkErrs, srvErrs <-chan error, l *slog.Logger) error {
	for {
		select {
		case s := <-sigCh:
			l.Info("shutdown_signal", "signal", s.String())
			return nil
		case err := <-linkErrs:
			if errors.Is(err, rxbuf.ErrOverflow) {
				continue
			}
			l.Error("serial_link_failed", "error", err)
			return fmt.Errorf("serial link: %w", err)
		case err := <-srvErrs:
			if err == nil {
				return nil
			}
			l.Error("tcp_server_error", "error", err)
			return err
		case <-ctx.Done():
			return nil
		}
	}
}

// listenPort extracts the port from a bound address (host:port or :port).
func listenPort(addr string) int {
	if _, p, err := net.SplitHostPort(addr); err == nil {
		if pn, perr := strconv.Atoi(p); perr == nil {
			return pn
		}
	}
	return 0
}
