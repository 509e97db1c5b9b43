package node

import (
	"context"
	"time"

	"github.com/kstaniek/go-mcp2515/internal/can"
	"github.com/kstaniek/go-mcp2515/internal/metrics"
)

const (
	rxBackoffMin = 20 * time.Millisecond
	rxBackoffMax = 500 * time.Millisecond
)

// RunConfig controls the receive loop.
type RunConfig struct {
	// PollInterval is the idle wait between RX STATUS polls.
	PollInterval time.Duration
	// HealthInterval, if > 0, runs Check periodically and logs changes.
	HealthInterval time.Duration
}

// Run polls the receive buffers until ctx is done, handing every frame to
// out. A poll that finds frames is repeated at once; an idle poll waits
// PollInterval. Bus errors back off exponentially and never end the loop.
func (n *Node) Run(ctx context.Context, cfg RunConfig, out func(can.Frame)) error {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Millisecond
	}
	idle := time.NewTimer(cfg.PollInterval)
	defer idle.Stop()
	var health <-chan time.Time
	if cfg.HealthInterval > 0 {
		t := time.NewTicker(cfg.HealthInterval)
		defer t.Stop()
		health = t.C
	}
	backoff := rxBackoffMin
	var last Health
	defer n.logger.Info("rx_loop_end")
	for {
		if ctx.Err() != nil {
			return nil
		}
		got, err := n.Poll(out)
		if err != nil {
			metrics.IncError(metrics.ErrRxPoll)
			n.logger.Warn("rx_poll_error", "error", err, "backoff", backoff)
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			backoff = min(backoff*2, rxBackoffMax)
			continue
		}
		backoff = rxBackoffMin
		if got > 0 {
			// keep health checks running under sustained traffic
			select {
			case <-health:
				last = n.logHealth(last)
			default:
			}
			continue
		}
		idle.Reset(cfg.PollInterval)
		select {
		case <-ctx.Done():
			return nil
		case <-idle.C:
		case <-health:
			last = n.logHealth(last)
		}
	}
}

func (n *Node) logHealth(prev Health) Health {
	h, err := n.Check()
	if err != nil {
		metrics.IncError(metrics.ErrRxPoll)
		n.logger.Warn("health_check_error", "error", err)
		return prev
	}
	if h.RXOverflows > 0 {
		n.logger.Warn("rx_overflow", "buffers", h.RXOverflows)
	}
	if h.Mode != prev.Mode || h.ErrorFlags&^(eflgRX0OVR|eflgRX1OVR) != prev.ErrorFlags&^(eflgRX0OVR|eflgRX1OVR) {
		n.logger.Info("controller_state", "mode", h.Mode.String(), "tec", h.TEC, "rec", h.REC, "eflg", h.ErrorFlags)
	}
	return h
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
