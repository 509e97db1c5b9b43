package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go"

	"github.com/kstaniek/go-mcp2515/internal/can"
	"github.com/kstaniek/go-mcp2515/internal/metrics"
	"github.com/kstaniek/go-mcp2515/internal/transport"
)

// Busy-buffer retry budget, about 10ms at the default delay.
var (
	txBusyAttempts uint = 50
	txBusyDelay         = 200 * time.Microsecond
)

// TXWriter queues frames for one Node and sends them from a single
// goroutine. A send that finds every buffer busy is retried until a buffer
// frees up or the attempts run out.
type TXWriter struct{ base *transport.AsyncTx }

// NewTXWriter starts a writer with a queue of buf frames.
func NewTXWriter(parent context.Context, n *Node, buf int) *TXWriter {
	attempts, delay := txBusyAttempts, txBusyDelay
	send := func(ctx context.Context, fr can.Frame) error {
		return retry.Do(
			func() error { return n.Send(fr) },
			retry.Context(ctx),
			retry.Attempts(attempts),
			retry.Delay(delay),
			retry.DelayType(retry.FixedDelay),
			retry.RetryIf(func(err error) bool { return errors.Is(err, ErrTxBusy) }),
			retry.LastErrorOnly(true),
		)
	}
	hooks := transport.Hooks{
		OnError: func(fr can.Frame, err error) {
			if errors.Is(err, context.Canceled) {
				return
			}
			metrics.IncError(metrics.ErrTx)
			n.logger.Error("can_tx_error", "error", err, "can_id", fmt.Sprintf("0x%X", fr.CANID))
		},
		OnDrop: func(can.Frame) error {
			metrics.IncError(metrics.ErrTxOverflow)
			return ErrTxOverflow
		},
	}
	return &TXWriter{base: transport.NewAsyncTx(parent, buf, send, hooks)}
}

// SendFrame validates and queues a frame. It returns ErrTxOverflow if the
// queue is full, or the conversion error for frames the controller cannot
// send.
func (w *TXWriter) SendFrame(fr can.Frame) error {
	if _, err := ToDriver(fr); err != nil {
		metrics.IncMalformed()
		return err
	}
	return w.base.SendFrame(fr)
}

// Pending returns the number of queued frames.
func (w *TXWriter) Pending() int { return w.base.Pending() }

// Close stops the writer and waits for the worker goroutine to finish.
func (w *TXWriter) Close() { w.base.Close() }
