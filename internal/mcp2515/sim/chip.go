// Package sim is an in-memory MCP2515 that implements mcp2515.Bus. It
// interprets the SPI instruction set against a register file so driver and
// gateway code can be exercised without hardware, and records every
// transaction for assertions.
package sim

import (
	"errors"
	"fmt"
	"sync"

	"github.com/kstaniek/go-mcp2515/internal/mcp2515"
)

// Transaction is one chip-select cycle as seen by the chip.
type Transaction struct {
	W []byte // bytes shifted in from the host
	R []byte // bytes the chip shifted out after W
}

// Instruction returns the opcode byte (0 for an empty transaction).
func (t Transaction) Instruction() mcp2515.Instruction {
	if len(t.W) == 0 {
		return 0
	}
	return mcp2515.Instruction(t.W[0])
}

// ErrUnknownInstruction is returned for opcodes the chip does not decode.
var ErrUnknownInstruction = errors.New("sim: unknown instruction")

const (
	regCANSTAT = 0x0E
	regCANCTRL = 0x0F
	regCANINTF = 0x2C
	regEFLG    = 0x2D

	txreq = 0x08
)

// Chip is the simulated controller. The zero value is not usable; call New.
type Chip struct {
	mu sync.Mutex

	regs      [128]byte
	log       []Transaction
	deasserts int
	sent      [][mcp2515.BlockLen]byte
	failNext  error

	// ModeDelay is how many CANSTAT reads keep showing the old mode after a
	// mode request before the new one appears.
	ModeDelay int
	// HoldTX leaves TXREQ set after a send request instead of completing
	// the transmission.
	HoldTX bool

	pendingMode  byte
	hasPending   bool
	pendingReads int
}

// New returns a chip in its power-on state (Configuration mode).
func New() *Chip {
	c := &Chip{}
	c.reset()
	return c
}

func (c *Chip) reset() {
	c.regs = [128]byte{}
	c.regs[regCANCTRL] = 0x87
	c.regs[regCANSTAT] = 0x80
	c.hasPending = false
	c.pendingReads = 0
}

// Tx implements mcp2515.Bus. Each call is one chip-select cycle; the
// release at the end is counted even when the call fails.
func (c *Chip) Tx(w, r []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() { c.deasserts++ }()
	for i := range r {
		r[i] = 0
	}
	tr := Transaction{W: append([]byte(nil), w...)}
	defer func() {
		tr.R = append([]byte(nil), r...)
		c.log = append(c.log, tr)
	}()
	if err := c.failNext; err != nil {
		c.failNext = nil
		return err
	}
	if len(w) == 0 {
		return fmt.Errorf("%w: empty transaction", ErrUnknownInstruction)
	}
	ins := w[0]
	switch {
	case ins == byte(mcp2515.InstrReset):
		c.reset()
	case ins == byte(mcp2515.InstrRead):
		if len(w) < 2 {
			return fmt.Errorf("%w: READ without address", ErrUnknownInstruction)
		}
		for i := range r {
			r[i] = c.readReg(w[1] + byte(i))
		}
	case ins == byte(mcp2515.InstrWrite):
		if len(w) < 2 {
			return fmt.Errorf("%w: WRITE without address", ErrUnknownInstruction)
		}
		for i, b := range w[2:] {
			c.writeReg(w[1]+byte(i), b)
		}
	case ins == byte(mcp2515.InstrBitModify):
		if len(w) != 4 {
			return fmt.Errorf("%w: BIT MODIFY needs address, mask, data", ErrUnknownInstruction)
		}
		a, mask, data := w[1]&0x7F, w[2], w[3]
		c.writeReg(a, c.regs[a]&^mask|data&mask)
	case ins == byte(mcp2515.InstrReadStatus):
		for i := range r {
			r[i] = c.status()
		}
	case ins == byte(mcp2515.InstrRXStatus):
		for i := range r {
			r[i] = c.rxStatus()
		}
	case ins&0xF9 == 0x90:
		slot := (ins >> 2) & 1
		start := byte(0x61) + slot*0x10
		if ins&0x02 != 0 {
			start += 5
		}
		for i := range r {
			r[i] = c.regs[(start+byte(i))&0x7F]
		}
		// RXnIF drops when chip-select is released.
		c.regs[regCANINTF] &^= 1 << slot
	case ins&0xF8 == 0x40 && ins&0x07 <= 5:
		slot := (ins >> 1) & 0x03
		start := byte(0x31) + slot*0x10
		if ins&0x01 != 0 {
			start += 5
		}
		for i, b := range w[1:] {
			c.regs[(start+byte(i))&0x7F] = b
		}
	case ins&0xF8 == 0x80 && ins&0x07 != 0:
		for slot := byte(0); slot < 3; slot++ {
			if ins&(1<<slot) != 0 {
				c.requestSend(slot)
			}
		}
	default:
		return fmt.Errorf("%w: 0x%02X", ErrUnknownInstruction, ins)
	}
	return nil
}

func (c *Chip) opMode() byte { return c.regs[regCANSTAT] & 0xE0 }

func (c *Chip) readReg(a byte) byte {
	a &= 0x7F
	if a&0x0F == regCANSTAT {
		if c.hasPending {
			if c.pendingReads >= c.ModeDelay {
				c.regs[regCANSTAT] = c.regs[regCANSTAT]&^0xE0 | c.pendingMode
				c.hasPending = false
			} else {
				c.pendingReads++
			}
		}
		return c.regs[regCANSTAT]
	}
	if a&0x0F == regCANCTRL {
		return c.regs[regCANCTRL]
	}
	return c.regs[a]
}

func (c *Chip) writeReg(a, v byte) {
	a &= 0x7F
	switch {
	case a&0x0F == regCANSTAT:
		return
	case a&0x0F == regCANCTRL:
		c.regs[regCANCTRL] = v
		req := v & 0xE0
		if req == c.opMode() {
			c.hasPending = false
			return
		}
		c.pendingMode, c.hasPending, c.pendingReads = req, true, 0
		return
	case a >= 0x28 && a <= 0x2A && c.opMode() != 0x80:
		// CNF registers are read-only outside Configuration mode.
		return
	}
	c.regs[a] = v
	if (a == 0x30 || a == 0x40 || a == 0x50) && v&txreq != 0 {
		c.requestSend((a - 0x30) >> 4)
	}
}

func (c *Chip) requestSend(slot byte) {
	ctrl := 0x30 + slot*0x10
	c.regs[ctrl] |= txreq
	if c.HoldTX {
		return
	}
	var block [mcp2515.BlockLen]byte
	copy(block[:], c.regs[ctrl+1:ctrl+1+mcp2515.BlockLen])
	c.sent = append(c.sent, block)
	c.regs[ctrl] &^= txreq
	c.regs[regCANINTF] |= 1 << (2 + slot)
	if c.opMode() == 0x40 {
		c.deliver(block)
	}
}

// deliver places a received block into the first free receive buffer. With
// RXB0 full the frame lands in RXB1 whether or not BUKT is set; filters are
// not simulated, so every frame is treated as matching.
func (c *Chip) deliver(block [mcp2515.BlockLen]byte) bool {
	for slot := byte(0); slot < 2; slot++ {
		if c.regs[regCANINTF]&(1<<slot) != 0 {
			continue
		}
		base := 0x61 + slot*0x10
		copy(c.regs[base:base+mcp2515.BlockLen], block[:])
		// The DLC register only keeps RTR and DLC bits.
		c.regs[base+4] &= 0x4F
		c.regs[regCANINTF] |= 1 << slot
		return true
	}
	c.regs[regEFLG] |= 0x40 // RX0OVR
	return false
}

func (c *Chip) status() byte {
	intf := c.regs[regCANINTF]
	var s byte
	s |= intf & 0x03
	for slot := byte(0); slot < 3; slot++ {
		if c.regs[0x30+slot*0x10]&txreq != 0 {
			s |= 1 << (2 + 2*slot)
		}
		if intf&(1<<(2+slot)) != 0 {
			s |= 1 << (3 + 2*slot)
		}
	}
	return s
}

func (c *Chip) rxStatus() byte {
	intf := c.regs[regCANINTF]
	var s byte
	if intf&0x01 != 0 {
		s |= 1 << 6
	}
	if intf&0x02 != 0 {
		s |= 1 << 7
	}
	base, filhit := byte(0), byte(0)
	switch {
	case intf&0x01 != 0:
		base, filhit = 0x61, c.regs[0x60]&0x01
	case intf&0x02 != 0:
		base, filhit = 0x71, c.regs[0x70]&0x07
	default:
		return s
	}
	sidl, dlc := c.regs[base+1], c.regs[base+4]
	if sidl&0x08 != 0 {
		s |= 1 << 4
		if dlc&0x40 != 0 {
			s |= 1 << 3
		}
	} else if sidl&0x10 != 0 {
		s |= 1 << 3
	}
	return s | filhit
}

// Inject simulates reception of f. It reports false when both receive
// buffers are still occupied (the frame is lost and RX0OVR is set).
func (c *Chip) Inject(f mcp2515.Frame) (bool, error) {
	id, dlc, err := mcp2515.EncodeFrame(f)
	if err != nil {
		return false, err
	}
	var block [mcp2515.BlockLen]byte
	copy(block[:4], id[:])
	block[4] = dlc
	copy(block[5:], f.Payload())
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deliver(block), nil
}

// FailNext makes the next transaction return err.
func (c *Chip) FailNext(err error) {
	c.mu.Lock()
	c.failNext = err
	c.mu.Unlock()
}

// Reg returns a register value without read side effects.
func (c *Chip) Reg(a mcp2515.Register) byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regs[byte(a)&0x7F]
}

// SetReg stores v at a without write side effects.
func (c *Chip) SetReg(a mcp2515.Register, v byte) {
	c.mu.Lock()
	c.regs[byte(a)&0x7F] = v
	c.mu.Unlock()
}

// Log returns a copy of all recorded transactions.
func (c *Chip) Log() []Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Transaction(nil), c.log...)
}

// ClearLog forgets recorded transactions and the chip-select count.
func (c *Chip) ClearLog() {
	c.mu.Lock()
	c.log = nil
	c.deasserts = 0
	c.mu.Unlock()
}

// Deasserts returns how many times chip-select has been released.
func (c *Chip) Deasserts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deasserts
}

// Sent returns decoded copies of every frame the chip has transmitted.
func (c *Chip) Sent() []mcp2515.Frame {
	c.mu.Lock()
	blocks := append([][mcp2515.BlockLen]byte(nil), c.sent...)
	c.mu.Unlock()
	out := make([]mcp2515.Frame, 0, len(blocks))
	for _, b := range blocks {
		f, err := mcp2515.DecodeFrame(b[:])
		if err != nil {
			continue
		}
		out = append(out, f)
	}
	return out
}
