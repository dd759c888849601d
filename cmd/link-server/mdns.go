package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/grandcat/zeroconf"

	"github.com/kstaniek/go-serial-link/internal/wire"
)

const mdnsServiceType = "_serial-link._tcp"

var protoVersion = strings.TrimSpace(wire.Hello)

// mdnsInstance defaults to link-server-<hostname>.
func mdnsInstance(cfg *appConfig) string {
	if cfg.mdnsName != "" {
		return cfg.mdnsName
	}
	host, _ := os.Hostname()
	return "link-server-" + host
}

// startMDNS announces the bridge on port and returns the function that
// withdraws it. Disabled advertisement yields a no-op.
func startMDNS(_ context.Context, cfg *appConfig, port int) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	svc, err := zeroconf.Register(mdnsInstance(cfg), mdnsServiceType, "local.", port, mdnsTXT(cfg), nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	return svc.Shutdown, nil
}

// mdnsTXT describes the link so clients can pick the right framing.
func mdnsTXT(cfg *appConfig) []string {
	meta := []string{
		"proto=" + protoVersion,
		"frame_mode=" + cfg.frameMode,
		fmt.Sprintf("baud=%d", cfg.baud),
		"version=" + version,
		"commit=" + commit,
	}
	if cfg.frameMode == "fixed" {
		meta = append(meta, fmt.Sprintf("frame_len=%d", cfg.frameLen), fmt.Sprintf("checksum=%t", cfg.checksum))
	}
	return meta
}
