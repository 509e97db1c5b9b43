package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-mcp2515/internal/can"
)

// ErrAsyncTxClosed is returned by SendFrame after Close.
var ErrAsyncTxClosed = errors.New("async tx closed")

// AsyncTx funnels frame writes from many producers through one goroutine.
// SendFrame never blocks: when the queue is full the OnDrop hook decides
// what the producer sees. The controller has a single SPI link, so all
// transmit traffic for one chip goes through one AsyncTx.
//
//	a := NewAsyncTx(ctx, buf, sendFn, hooks)
//	a.SendFrame(frame)
//	a.Close()
type AsyncTx struct {
	mu     sync.Mutex
	ch     chan can.Frame
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	send   func(context.Context, can.Frame) error
	hooks  Hooks
	closed atomic.Bool
}

// Hooks customize AsyncTx behavior. All are optional.
type Hooks struct {
	// OnError is called when send fails; the frame is not retried.
	OnError func(can.Frame, error)
	// OnAfter is called after each successful send.
	OnAfter func(can.Frame)
	// OnDrop is called when the queue is full; its result is returned from
	// SendFrame. Nil means drop silently.
	OnDrop func(can.Frame) error
}

// NewAsyncTx starts the worker. send receives the writer's context, which is
// cancelled by Close, so a send that waits (for a free transmit buffer, say)
// can give up.
func NewAsyncTx(parent context.Context, buf int, send func(context.Context, can.Frame) error, hooks Hooks) *AsyncTx {
	ctx, cancel := context.WithCancel(parent)
	a := &AsyncTx{
		ch:     make(chan can.Frame, buf),
		ctx:    ctx,
		cancel: cancel,
		send:   send,
		hooks:  hooks,
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *AsyncTx) loop() {
	defer a.wg.Done()
	for {
		select {
		case fr, ok := <-a.ch:
			if !ok {
				return
			}
			if err := a.send(a.ctx, fr); err != nil {
				if a.hooks.OnError != nil {
					a.hooks.OnError(fr, err)
				}
				continue
			}
			if a.hooks.OnAfter != nil {
				a.hooks.OnAfter(fr)
			}
		case <-a.ctx.Done():
			return
		}
	}
}

// SendFrame queues fr or reports the drop.
func (a *AsyncTx) SendFrame(fr can.Frame) error {
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	select {
	case a.ch <- fr:
		return nil
	default:
		if a.hooks.OnDrop != nil {
			return a.hooks.OnDrop(fr)
		}
		return nil
	}
}

// Pending returns the number of queued frames.
func (a *AsyncTx) Pending() int { return len(a.ch) }

// Close stops the worker and waits for it. Queued frames are discarded.
func (a *AsyncTx) Close() {
	if a.closed.Swap(true) {
		return
	}
	a.cancel()
	a.mu.Lock()
	close(a.ch)
	a.mu.Unlock()
	a.wg.Wait()
}
