package transport

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kstaniek/go-mcp2515/internal/can"
)

var (
	errOverflow = errors.New("overflow")
	errSendFail = errors.New("send fail")
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestAsyncTxSuccess(t *testing.T) {
	var sent, after atomic.Int64
	ax := NewAsyncTx(context.Background(), 4, func(_ context.Context, fr can.Frame) error {
		sent.Add(1)
		return nil
	}, Hooks{OnAfter: func(can.Frame) { after.Add(1) }})
	defer ax.Close()
	for i := 0; i < 3; i++ {
		if err := ax.SendFrame(can.Frame{CANID: uint32(i)}); err != nil {
			t.Fatalf("unexpected send error: %v", err)
		}
	}
	waitFor(t, func() bool { return after.Load() == 3 })
	if sent.Load() != 3 {
		t.Fatalf("sent=%d", sent.Load())
	}
}

func TestAsyncTxOverflow(t *testing.T) {
	release := make(chan struct{})
	var drops atomic.Int64
	ax := NewAsyncTx(context.Background(), 1, func(ctx context.Context, fr can.Frame) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}, Hooks{OnDrop: func(can.Frame) error { drops.Add(1); return errOverflow }})
	defer ax.Close()
	defer close(release)
	// first frame is taken by the worker, second fills the queue
	_ = ax.SendFrame(can.Frame{CANID: 1})
	waitFor(t, func() bool { return ax.Pending() == 0 })
	if err := ax.SendFrame(can.Frame{CANID: 2}); err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if err := ax.SendFrame(can.Frame{CANID: 3}); !errors.Is(err, errOverflow) {
		t.Fatalf("expected overflow error, got %v", err)
	}
	if drops.Load() != 1 {
		t.Fatalf("expected 1 drop, got %d", drops.Load())
	}
}

func TestAsyncTxSendError(t *testing.T) {
	var failed atomic.Uint32
	ax := NewAsyncTx(context.Background(), 2, func(context.Context, can.Frame) error { return errSendFail },
		Hooks{OnError: func(fr can.Frame, err error) {
			if errors.Is(err, errSendFail) {
				failed.Store(fr.CANID)
			}
		}})
	defer ax.Close()
	_ = ax.SendFrame(can.Frame{CANID: 0x55})
	waitFor(t, func() bool { return failed.Load() == 0x55 })
}

func TestAsyncTxCloseCancelsSend(t *testing.T) {
	started := make(chan struct{})
	var cancelled atomic.Bool
	ax := NewAsyncTx(context.Background(), 1, func(ctx context.Context, fr can.Frame) error {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
		return ctx.Err()
	}, Hooks{})
	_ = ax.SendFrame(can.Frame{})
	<-started
	ax.Close()
	if !cancelled.Load() {
		t.Fatal("in-flight send did not observe cancellation")
	}
	if err := ax.SendFrame(can.Frame{CANID: 123}); !errors.Is(err, ErrAsyncTxClosed) {
		t.Fatalf("expected ErrAsyncTxClosed, got %v", err)
	}
}

func TestAsyncTxCloseConcurrentSend(t *testing.T) {
	for i := 0; i < 100; i++ {
		ax := NewAsyncTx(context.Background(), 1, func(context.Context, can.Frame) error { return nil }, Hooks{})
		done := make(chan error, 1)
		go func() { done <- ax.SendFrame(can.Frame{}) }()
		time.Sleep(time.Millisecond)
		ax.Close()
		if err := <-done; err != nil && !errors.Is(err, ErrAsyncTxClosed) {
			t.Fatalf("iteration %d: unexpected send error %v", i, err)
		}
	}
}
