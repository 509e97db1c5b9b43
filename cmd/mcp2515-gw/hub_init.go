package main

import (
	"log/slog"

	"github.com/kstaniek/go-mcp2515/internal/hub"
)

func initHub(cfg *appConfig, l *slog.Logger) *hub.Hub {
	policy, err := hub.ParsePolicy(cfg.hubPolicy)
	if err != nil {
		l.Warn("unknown_hub_policy", "policy", cfg.hubPolicy, "used", "drop")
	}
	l.Info("hub_config", "policy", cfg.hubPolicy, "buffer", cfg.hubBuffer)
	return hub.New(hub.WithBufSize(cfg.hubBuffer), hub.WithPolicy(policy))
}
