// Package mcp2515 drives a Microchip MCP2515 stand-alone CAN controller over
// its SPI command set.
//
// The Device is a thin synchronous layer: every exported single-register or
// single-buffer operation is exactly one chip-select bracketed transaction on
// the Bus. It holds no lock; callers sharing a Device (or several Devices on
// one physical bus) between goroutines must serialize access themselves.
package mcp2515

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-mcp2515/internal/logging"
	"github.com/kstaniek/go-mcp2515/internal/metrics"
)

// Bus performs one framed SPI exchange with the chip: chip-select is asserted,
// w is shifted out, len(r) bytes are shifted in (MOSI held at 0x00), then
// chip-select is released. Implementations must not release chip-select in
// between and must not retry.
type Bus interface {
	Tx(w, r []byte) error
}

const (
	defaultModePollBudget   = 10
	defaultModePollInterval = time.Millisecond
)

// Device is one MCP2515 addressed by its own chip-select line.
type Device struct {
	bus Bus

	pollBudget   uint
	pollInterval time.Duration
	logger       *slog.Logger

	modeMu sync.Mutex
	mode   ModeState
}

// Option customizes a Device.
type Option func(*Device)

// WithModePollBudget bounds the number of CANSTAT reads SetMode performs
// while waiting for a requested mode.
func WithModePollBudget(n uint) Option {
	return func(d *Device) {
		if n > 0 {
			d.pollBudget = n
		}
	}
}

// WithModePollInterval sets the pause between CANSTAT polls (0 = back to back).
func WithModePollInterval(iv time.Duration) Option {
	return func(d *Device) {
		if iv >= 0 {
			d.pollInterval = iv
		}
	}
}

// WithLogger sets the logger for mode and bit-rate events.
func WithLogger(l *slog.Logger) Option {
	return func(d *Device) {
		if l != nil {
			d.logger = l
		}
	}
}

// New returns a Device talking over b. No bus traffic happens until the
// first call; Reset must precede any configuration.
func New(b Bus, opts ...Option) *Device {
	d := &Device{
		bus:          b,
		pollBudget:   defaultModePollBudget,
		pollInterval: defaultModePollInterval,
		logger:       logging.L(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// tx runs a single transaction and tags failures with ErrBus.
func (d *Device) tx(op string, w, r []byte) error {
	metrics.IncSPITx()
	if err := d.bus.Tx(w, r); err != nil {
		metrics.IncError(metrics.ErrSPI)
		return fmt.Errorf("%w: %s: %w", ErrBus, op, err)
	}
	return nil
}

// Reset issues the RESET instruction. The chip restores power-on register
// values and enters Configuration mode; the cached mode becomes invalid
// until the next confirmation.
func (d *Device) Reset() error {
	if err := d.tx("reset", []byte{byte(InstrReset)}, nil); err != nil {
		return err
	}
	d.invalidateMode()
	return nil
}

// Read returns the value of a single register.
func (d *Device) Read(addr Register) (byte, error) {
	var r [1]byte
	if err := d.tx("read", []byte{byte(InstrRead), byte(addr)}, r[:]); err != nil {
		return 0, err
	}
	return r[0], nil
}

// ReadRegisters reads len(buf) consecutive registers starting at addr in one
// transaction; the chip auto-increments the address.
func (d *Device) ReadRegisters(addr Register, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	return d.tx("read", []byte{byte(InstrRead), byte(addr)}, buf)
}

// Write sets a single register.
func (d *Device) Write(addr Register, data byte) error {
	return d.tx("write", []byte{byte(InstrWrite), byte(addr), data}, nil)
}

// MultiWrite writes a buffer-shaped block in one burst starting at addr:
// the four ID bytes, the DLC byte, then data. The order is fixed by the
// chip's address auto-increment.
func (d *Device) MultiWrite(addr Register, id [4]byte, data []byte, dlc byte) error {
	if len(data) > 8 {
		return fmt.Errorf("%w: %d data bytes", ErrInvalidLength, len(data))
	}
	w := make([]byte, 0, 2+4+1+len(data))
	w = append(w, byte(InstrWrite), byte(addr))
	w = append(w, id[:]...)
	w = append(w, dlc)
	w = append(w, data...)
	return d.tx("multi-write", w, nil)
}

// Modify changes the bits of addr selected by mask to the matching bits of
// data. Only registers for which BitModifiable is true support it; on any
// other register the chip performs a plain byte write, and that is the
// caller's responsibility.
func (d *Device) Modify(addr Register, mask, data byte) error {
	return d.tx("bit-modify", []byte{byte(InstrBitModify), byte(addr), mask, data}, nil)
}

// RXStatus issues the RX STATUS instruction.
func (d *Device) RXStatus() (RXStatus, error) {
	var r [1]byte
	if err := d.tx("rx-status", []byte{byte(InstrRXStatus)}, r[:]); err != nil {
		return 0, err
	}
	return RXStatus(r[0]), nil
}

// ReadStatus issues the READ STATUS instruction.
func (d *Device) ReadStatus() (Status, error) {
	var r [1]byte
	if err := d.tx("read-status", []byte{byte(InstrReadStatus)}, r[:]); err != nil {
		return 0, err
	}
	return Status(r[0]), nil
}

// RXStatus is the RX STATUS instruction response.
type RXStatus byte

// Pending reports whether slot holds an unread message.
func (s RXStatus) Pending(slot RXSlot) bool {
	switch slot {
	case RX0:
		return s&(1<<6) != 0
	case RX1:
		return s&(1<<7) != 0
	}
	return false
}

// Extended reports whether the most recent message has an extended ID.
func (s RXStatus) Extended() bool { return s&(1<<4) != 0 }

// Remote reports whether the most recent message is a remote frame.
func (s RXStatus) Remote() bool { return s&(1<<3) != 0 }

// FilterHit returns the matching filter number (0..5; 6 and 7 mean RXF0 or
// RXF1 rolled over into RXB1).
func (s RXStatus) FilterHit() int { return int(s & 0x07) }

// Status is the READ STATUS instruction response.
type Status byte

// RXPending reports CANINTF.RXnIF.
func (s Status) RXPending(slot RXSlot) bool {
	switch slot {
	case RX0:
		return s&(1<<0) != 0
	case RX1:
		return s&(1<<1) != 0
	}
	return false
}

// TXRequested reports TXBnCTRL.TXREQ, i.e. the slot is still waiting to go out.
func (s Status) TXRequested(slot TXSlot) bool {
	if !slot.valid() {
		return false
	}
	return s&(1<<(2+2*uint(slot))) != 0
}

// TXDone reports CANINTF.TXnIF.
func (s Status) TXDone(slot TXSlot) bool {
	if !slot.valid() {
		return false
	}
	return s&(1<<(3+2*uint(slot))) != 0
}
