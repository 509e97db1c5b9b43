// Command mcp2515-gw serves an SPI-attached MCP2515 to cannelloni TCP
// clients.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kstaniek/go-mcp2515/internal/logging"
	"github.com/kstaniek/go-mcp2515/internal/metrics"
)

func main() {
	cfg, showVersion, err := parseConfig(os.Args[1:], envLookup, os.Stderr)
	if showVersion {
		fmt.Printf("mcp2515-gw %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	l := logging.Setup("mcp2515-gw", cfg.logFormat, cfg.logLevel, os.Stderr)
	l.Info("build_info", "version", version, "commit", commit, "date", date)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	g, err := newGateway(ctx, cfg, l)
	if err != nil {
		l.Error("gateway_init_error", "error", err)
		os.Exit(1)
	}
	if err := g.run(ctx); err != nil {
		l.Error("gateway_error", "error", err)
		os.Exit(1)
	}
	l.Info("shutdown_complete")
}
