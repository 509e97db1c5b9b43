package socketcan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-mcp2515/internal/can"
	"github.com/kstaniek/go-mcp2515/internal/logging"
	"github.com/kstaniek/go-mcp2515/internal/metrics"
	"github.com/kstaniek/go-mcp2515/internal/transport"
)

const (
	rxBackoffMin = 20 * time.Millisecond
	rxBackoffMax = 500 * time.Millisecond
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// Dev is what the mirror needs from an interface. Implemented by *Device
// and by fakes in tests.
type Dev interface {
	ReadFrame(*can.Frame) error
	WriteFrame(can.Frame) error
	Close() error
}

// Mirror copies controller traffic to an interface and feeds frames written
// to the interface back to the controller. Writes to the interface go
// through one goroutine.
type Mirror struct {
	dev       Dev
	tx        *transport.AsyncTx
	logger    *slog.Logger
	closeOnce sync.Once
	closed    atomic.Bool
}

// NewMirror starts the interface writer with a queue of buf frames.
func NewMirror(parent context.Context, dev Dev, buf int) *Mirror {
	m := &Mirror{dev: dev, logger: logging.L()}
	send := func(_ context.Context, fr can.Frame) error { return dev.WriteFrame(fr) }
	hooks := transport.Hooks{
		OnError: func(fr can.Frame, err error) {
			metrics.IncError(metrics.ErrMirrorWrite)
			m.logger.Debug("mirror_write_error", "error", err, "can_id", fmt.Sprintf("0x%X", fr.CANID))
		},
		OnAfter: func(can.Frame) { metrics.IncMirrorTx() },
		OnDrop: func(can.Frame) error {
			metrics.IncError(metrics.ErrMirrorOverflow)
			return ErrTxOverflow
		},
	}
	m.tx = transport.NewAsyncTx(parent, buf, send, hooks)
	return m
}

// SendFrame queues fr for the interface (ErrTxOverflow if the queue is full).
func (m *Mirror) SendFrame(fr can.Frame) error { return m.tx.SendFrame(fr) }

// Run reads frames from the interface and hands them to sink until ctx is
// done or the mirror is closed. Read errors back off exponentially;
// ErrReadTimeout only gives Run a chance to notice shutdown.
func (m *Mirror) Run(ctx context.Context, sink transport.FrameSink) error {
	defer m.logger.Info("mirror_rx_end")
	backoff := rxBackoffMin
	for {
		if ctx.Err() != nil {
			return nil
		}
		var fr can.Frame
		if err := m.dev.ReadFrame(&fr); err != nil {
			if ctx.Err() != nil || m.closed.Load() {
				return nil
			}
			if errors.Is(err, ErrReadTimeout) {
				continue
			}
			metrics.IncError(metrics.ErrMirrorRead)
			m.logger.Warn("mirror_read_error", "error", err, "backoff", backoff)
			sleepFn(backoff)
			backoff = min(backoff*2, rxBackoffMax)
			continue
		}
		backoff = rxBackoffMin
		metrics.IncMirrorRx()
		if err := sink.SendFrame(fr); err != nil {
			m.logger.Debug("mirror_forward_error", "error", err, "can_id", fmt.Sprintf("0x%X", fr.CANID))
		}
	}
}

// Close stops the writer and closes the device, which ends Run.
func (m *Mirror) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		m.tx.Close()
		err = m.dev.Close()
	})
	return err
}
