// Package node owns one MCP2515 on behalf of a long-running process. The
// driver core does no locking; Node serializes every access to the Device
// and adds the policy the core leaves to its caller: the bring-up
// sequence, choosing a free transmit buffer, and draining the receive
// buffers.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-mcp2515/internal/can"
	"github.com/kstaniek/go-mcp2515/internal/logging"
	"github.com/kstaniek/go-mcp2515/internal/mcp2515"
	"github.com/kstaniek/go-mcp2515/internal/metrics"
)

var (
	// ErrTxBusy is returned by Send when every usable transmit buffer still
	// has TXREQ set.
	ErrTxBusy = errors.New("node: transmit buffers busy")
	// ErrTxOverflow is returned by TXWriter.SendFrame when its queue is full.
	ErrTxOverflow = errors.New("node: tx queue overflow")
	// ErrErrorFrame is returned for frames carrying CAN_ERR_FLAG, which the
	// controller cannot transmit.
	ErrErrorFrame = errors.New("node: error frames cannot be sent")
)

const (
	resetPulse  = time.Millisecond
	resetSettle = 5 * time.Millisecond

	// EFLG receive overflow bits.
	eflgRX0OVR = 1 << 6
	eflgRX1OVR = 1 << 7
)

// sleepFn allows tests to skip settle delays.
var sleepFn = time.Sleep

// ResetLine pulses the chip's RESET pin low.
type ResetLine interface {
	Pulse(d time.Duration) error
}

// Node serializes access to one Device.
type Node struct {
	mu     sync.Mutex
	dev    *mcp2515.Device
	slots  []mcp2515.TXSlot
	logger *slog.Logger
}

// Option configures a Node.
type Option func(*Node)

// WithOrderedTX restricts transmission to TXB0. The chip sends equal
// priority buffers highest number first, so using all three can reorder
// back-to-back frames.
func WithOrderedTX(on bool) Option {
	return func(n *Node) {
		if on {
			n.slots = []mcp2515.TXSlot{mcp2515.TX0}
		} else {
			n.slots = mcp2515.TXSlots[:]
		}
	}
}

// WithLogger sets the logger used by Init and Run.
func WithLogger(l *slog.Logger) Option {
	return func(n *Node) {
		if l != nil {
			n.logger = l
		}
	}
}

// New wraps dev. dev must not be used elsewhere afterwards.
func New(dev *mcp2515.Device, opts ...Option) *Node {
	n := &Node{dev: dev, slots: mcp2515.TXSlots[:], logger: logging.L()}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Do runs fn with exclusive access to the Device.
func (n *Node) Do(fn func(d *mcp2515.Device) error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return fn(n.dev)
}

// InitConfig is the bring-up configuration.
type InitConfig struct {
	BitRate   int          // kbit/s, one of mcp2515.SupportedBitRates
	Mode      mcp2515.Mode // mode to leave the chip in
	ResetLine ResetLine    // optional hardware reset
}

// Init resets the chip and configures it to receive every frame at the
// given bit rate, then switches to cfg.Mode.
func (n *Node) Init(ctx context.Context, cfg InitConfig) error {
	if _, err := mcp2515.BitTimingFor(cfg.BitRate); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	d := n.dev
	if cfg.ResetLine != nil {
		if err := cfg.ResetLine.Pulse(resetPulse); err != nil {
			return fmt.Errorf("hardware reset: %w", err)
		}
		sleepFn(resetSettle)
	}
	steps := []struct {
		name string
		fn   func() error
	}{
		{"reset", d.Reset},
		{"settle", func() error { sleepFn(resetSettle); return nil }},
		{"config_mode", func() error { return d.SetMode(mcp2515.ModeConfiguration) }},
		{"bit_rate", func() error { return d.SetBitRate(cfg.BitRate) }},
		{"mask0", func() error { return d.SetMask(0, 0, false) }},
		{"mask1", func() error { return d.SetMask(1, 0, false) }},
		{"rxb0", func() error { return d.SetReceiveMode(mcp2515.RX0, mcp2515.RXAny, true) }},
		{"rxb1", func() error { return d.SetReceiveMode(mcp2515.RX1, mcp2515.RXAny, false) }},
		{"clear_flags", func() error { return d.ClearInterrupts(0xFF) }},
		{"interrupts", func() error { return d.EnableInterrupts(mcp2515.IntRX0 | mcp2515.IntRX1) }},
		{"target_mode", func() error { return d.SetMode(cfg.Mode) }},
	}
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.fn(); err != nil {
			return fmt.Errorf("init %s: %w", s.name, err)
		}
	}
	metrics.SetMode(int(cfg.Mode))
	n.logger.Info("mcp2515_ready", "bitrate_kbps", cfg.BitRate, "mode", cfg.Mode.String())
	return nil
}

// Send transmits fr through the first free buffer, or returns ErrTxBusy.
func (n *Node) Send(fr can.Frame) error {
	f, err := ToDriver(fr)
	if err != nil {
		metrics.IncMalformed()
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	st, err := n.dev.ReadStatus()
	if err != nil {
		return err
	}
	for _, slot := range n.slots {
		if st.TXRequested(slot) {
			continue
		}
		if err := n.dev.LoadTXBuffer(slot, f); err != nil {
			return err
		}
		if err := n.dev.SendTXBuffer(slot); err != nil {
			return err
		}
		metrics.IncCANTx()
		return nil
	}
	metrics.IncTxBusy()
	return ErrTxBusy
}

// Poll reads every pending receive buffer, RXB0 first, and passes the
// frames to fn after releasing the lock. It returns how many were read.
func (n *Node) Poll(fn func(can.Frame)) (int, error) {
	n.mu.Lock()
	frames, err := n.pollLocked()
	n.mu.Unlock()
	for _, f := range frames {
		fn(FromDriver(f))
	}
	return len(frames), err
}

func (n *Node) pollLocked() ([]mcp2515.Frame, error) {
	st, err := n.dev.RXStatus()
	if err != nil {
		return nil, err
	}
	var frames []mcp2515.Frame
	for _, slot := range mcp2515.RXSlots {
		if !st.Pending(slot) {
			continue
		}
		f, err := n.dev.ReadRXBuffer(slot)
		if err != nil {
			return frames, err
		}
		metrics.IncCANRx()
		frames = append(frames, f)
	}
	return frames, nil
}

// Health is a snapshot of the chip's error state.
type Health struct {
	Mode        mcp2515.Mode
	TEC, REC    byte
	ErrorFlags  byte
	RXOverflows int // overflow flags found (and cleared) by this check
}

// Check reads mode, error counters and EFLG, and clears receive overflow
// flags so the next check reports only new losses.
func (n *Node) Check() (Health, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	var h Health
	var err error
	if h.Mode, err = n.dev.Mode(); err != nil {
		return h, err
	}
	if h.TEC, h.REC, err = n.dev.ErrorCounters(); err != nil {
		return h, err
	}
	if h.ErrorFlags, err = n.dev.ErrorFlags(); err != nil {
		return h, err
	}
	if ovr := h.ErrorFlags & (eflgRX0OVR | eflgRX1OVR); ovr != 0 {
		if ovr&eflgRX0OVR != 0 {
			h.RXOverflows++
		}
		if ovr&eflgRX1OVR != 0 {
			h.RXOverflows++
		}
		if err := n.dev.Modify(mcp2515.EFLG, ovr, 0); err != nil {
			return h, err
		}
	}
	metrics.SetMode(int(h.Mode))
	return h, nil
}

// ToDriver converts a gateway frame into the controller's representation.
func ToDriver(fr can.Frame) (mcp2515.Frame, error) {
	if fr.IsError() {
		return mcp2515.Frame{}, ErrErrorFrame
	}
	if fr.Len > mcp2515.MaxDataLen {
		return mcp2515.Frame{}, fmt.Errorf("%w: %d", mcp2515.ErrInvalidLength, fr.Len)
	}
	id := fr.CANID & can.CAN_EFF_MASK
	if !fr.Extended() && id > can.CAN_SFF_MASK {
		return mcp2515.Frame{}, fmt.Errorf("%w: 0x%X without CAN_EFF_FLAG", mcp2515.ErrInvalidID, id)
	}
	f := mcp2515.Frame{
		ID:   id,
		Type: mcp2515.TypeOf(fr.Extended(), fr.Remote()),
		Len:  fr.Len,
	}
	copy(f.Data[:], fr.Payload())
	return f, nil
}

// FromDriver converts a received frame into the gateway representation.
func FromDriver(f mcp2515.Frame) can.Frame {
	fr := can.Frame{CANID: f.ID, Len: f.Len}
	if f.Type.IsExtended() {
		fr.CANID |= can.CAN_EFF_FLAG
	}
	if f.Type.IsRemote() {
		fr.CANID |= can.CAN_RTR_FLAG
	}
	copy(fr.Data[:], f.Payload())
	return fr
}
