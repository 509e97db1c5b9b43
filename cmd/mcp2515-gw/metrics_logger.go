package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/kstaniek/go-mcp2515/internal/metrics"
)

// runMetricsLogger logs counter snapshots every interval until ctx is done.
func runMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger) error {
	if interval <= 0 {
		return nil
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			snap := metrics.Snap()
			l.Info("metrics_snapshot",
				"spi_tx", snap.SPITx,
				"can_rx", snap.CANRx,
				"can_tx", snap.CANTx,
				"tx_busy", snap.TxBusy,
				"tcp_rx", snap.TCPRx,
				"tcp_tx", snap.TCPTx,
				"mirror_rx", snap.MirrorRx,
				"mirror_tx", snap.MirrorTx,
				"hub_clients", snap.HubClients,
				"hub_drops", snap.HubDrops,
				"malformed", snap.Malformed,
				"errors", snap.Errors,
			)
		case <-ctx.Done():
			return nil
		}
	}
}
