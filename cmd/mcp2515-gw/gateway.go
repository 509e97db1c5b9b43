package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kstaniek/go-mcp2515/internal/can"
	"github.com/kstaniek/go-mcp2515/internal/cnl"
	"github.com/kstaniek/go-mcp2515/internal/hostbus"
	"github.com/kstaniek/go-mcp2515/internal/hub"
	"github.com/kstaniek/go-mcp2515/internal/mcp2515"
	"github.com/kstaniek/go-mcp2515/internal/metrics"
	"github.com/kstaniek/go-mcp2515/internal/node"
	"github.com/kstaniek/go-mcp2515/internal/server"
	"github.com/kstaniek/go-mcp2515/internal/socketcan"
)

const shutdownTimeout = 3 * time.Second

// Hooks replaced in tests.
var (
	openBus       = hostbus.Open
	openMirrorDev = func(iface string) (socketcan.Dev, error) { return socketcan.Open(iface) }
)

// gateway connects one controller to the hub, the TCP server and the
// optional SocketCAN mirror.
type gateway struct {
	cfg    *appConfig
	log    *slog.Logger
	bus    *hostbus.Handle
	node   *node.Node
	hub    *hub.Hub
	srv    *server.Server
	mirror socketcan.Dev
}

// newGateway opens the host bus and brings the controller up. Nothing runs
// until run is called.
func newGateway(ctx context.Context, cfg *appConfig, l *slog.Logger) (*gateway, error) {
	mode, err := mcp2515.ParseMode(cfg.mode)
	if err != nil {
		return nil, err
	}
	hb, err := openBus(cfg.hostbusConfig())
	if err != nil {
		return nil, fmt.Errorf("open %s bus: %w", cfg.bus, err)
	}
	l.Info("bus_open", "kind", cfg.bus, "spi_hz", cfg.spiSpeed)
	dev := mcp2515.New(hb.Bus, mcp2515.WithLogger(l))
	n := node.New(dev, node.WithOrderedTX(cfg.orderedTX), node.WithLogger(l))
	initCfg := node.InitConfig{BitRate: cfg.bitrate, Mode: mode}
	if hb.Reset != nil {
		initCfg.ResetLine = hb.Reset
	}
	if err := n.Init(ctx, initCfg); err != nil {
		_ = hb.Close()
		return nil, err
	}
	g := &gateway{cfg: cfg, log: l, bus: hb, node: n, hub: initHub(cfg, l)}
	if cfg.mirrorIf != "" {
		md, err := openMirrorDev(cfg.mirrorIf)
		if err != nil {
			_ = hb.Close()
			return nil, fmt.Errorf("mirror %s: %w", cfg.mirrorIf, err)
		}
		g.mirror = md
		l.Info("mirror_open", "if", cfg.mirrorIf)
	}
	g.srv = server.NewServer(
		server.WithListenAddr(cfg.listenAddr),
		server.WithHub(g.hub),
		server.WithCodec(&cnl.Codec{}),
		server.WithLogger(l),
		server.WithMaxClients(cfg.maxClients),
		server.WithHandshakeTimeout(cfg.handshakeTO),
		server.WithIdleTimeout(cfg.clientIdleTO),
	)
	return g, nil
}

// run serves until ctx is done or a component fails, then tears everything
// down. The host bus is closed on return.
func (g *gateway) run(ctx context.Context) error {
	defer func() { _ = g.bus.Close() }()
	eg, ctx := errgroup.WithContext(ctx)

	tx := node.NewTXWriter(ctx, g.node, g.cfg.txQueue)
	defer tx.Close()
	g.srv.Sink = tx

	var mirror *socketcan.Mirror
	if g.mirror != nil {
		mirror = socketcan.NewMirror(ctx, g.mirror, g.cfg.txQueue)
		defer func() { _ = mirror.Close() }()
		eg.Go(func() error { return mirror.Run(ctx, tx) })
	}
	deliver := func(fr can.Frame) {
		g.hub.Broadcast(fr)
		if mirror != nil {
			_ = mirror.SendFrame(fr)
		}
	}

	metrics.SetReadinessFunc(func() bool {
		select {
		case <-g.srv.Ready():
		default:
			return false
		}
		return ctx.Err() == nil
	})

	eg.Go(func() error {
		return g.node.Run(ctx, node.RunConfig{PollInterval: g.cfg.pollInterval, HealthInterval: g.cfg.healthInterval}, deliver)
	})
	eg.Go(func() error {
		if err := g.srv.Serve(ctx); err != nil {
			return fmt.Errorf("tcp server: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return g.srv.Shutdown(sctx)
	})
	eg.Go(func() error { return g.advertise(ctx) })
	eg.Go(func() error { return runMetricsLogger(ctx, g.cfg.logMetricsEvery, g.log) })
	return eg.Wait()
}

// advertise registers the mDNS service once the listener is bound and
// keeps it until ctx is done. Registration failures are logged only.
func (g *gateway) advertise(ctx context.Context) error {
	if !g.cfg.mdnsEnable {
		return nil
	}
	select {
	case <-g.srv.Ready():
	case <-ctx.Done():
		return nil
	}
	port, err := listenPort(g.srv.Addr())
	if err != nil {
		g.log.Warn("mdns_port", "addr", g.srv.Addr(), "error", err)
		return nil
	}
	cleanup, err := startMDNS(ctx, g.cfg, port)
	if err != nil {
		g.log.Warn("mdns_start_failed", "error", err)
		return nil
	}
	g.log.Info("mdns_started", "service", mdnsServiceType, "name", mdnsInstance(g.cfg), "port", port)
	<-ctx.Done()
	cleanup()
	return nil
}
