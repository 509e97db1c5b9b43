package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"
)

// Same service type as other cannelloni gateways so existing clients find it.
const mdnsServiceType = "_can-server._tcp"

// startMDNS registers the service and returns a cleanup function. It is a
// no-op when disabled.
func startMDNS(ctx context.Context, cfg *appConfig, port int) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	svc, err := zeroconf.Register(mdnsInstance(cfg), mdnsServiceType, "local.", port, mdnsTXT(cfg), nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()
	return func() { close(done); time.Sleep(50 * time.Millisecond) }, nil
}

func mdnsInstance(cfg *appConfig) string {
	if cfg.mdnsName != "" {
		return cfg.mdnsName
	}
	host, _ := os.Hostname()
	return "mcp2515-gw-" + host
}

func mdnsTXT(cfg *appConfig) []string {
	return []string{
		"backend=mcp2515",
		"bus=" + cfg.bus,
		"bitrate=" + strconv.Itoa(cfg.bitrate*1000),
		"version=" + version,
		"commit=" + commit,
	}
}

// listenPort extracts the port from a bound listener address.
func listenPort(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(p)
}
