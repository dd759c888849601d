package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-serial-link/internal/metrics"
)

// startMetricsLogger logs traffic since the previous tick plus the running
// error and overflow totals every interval. Disabled when interval <= 0.
func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		prev := metrics.Snap()
		for {
			select {
			case <-t.C:
				cur := metrics.Snap()
				l.Info("metrics_snapshot", metricsAttrs(prev, cur)...)
				prev = cur
			case <-ctx.Done():
				return
			}
		}
	}()
}

// metricsAttrs returns per interval deltas for traffic counters and totals
// for the rest.
func metricsAttrs(prev, cur metrics.Snapshot) []any {
	return []any{
		"serial_rx_bytes", cur.SerialRxBytes - prev.SerialRxBytes,
		"serial_tx_bytes", cur.SerialTxBytes - prev.SerialTxBytes,
		"rx_lines", cur.RxLines - prev.RxLines,
		"rx_frames", cur.RxFrames - prev.RxFrames,
		"tcp_rx", cur.TCPRx - prev.TCPRx,
		"tcp_tx", cur.TCPTx - prev.TCPTx,
		"mqtt_published", cur.MQTTPublished - prev.MQTTPublished,
		"hub_drops", cur.HubDrops - prev.HubDrops,
		"rx_pending", cur.RxPending,
		"clients", cur.HubClients,
		"rx_overflows_total", cur.RxOverflows,
		"malformed_total", cur.Malformed,
		"errors_total", cur.Errors,
	}
}
