package mcp2515

import "fmt"

var (
	filterRegs = [...]Register{RXF0SIDH, RXF1SIDH, RXF2SIDH, RXF3SIDH, RXF4SIDH, RXF5SIDH}
	maskRegs   = [...]Register{RXM0SIDH, RXM1SIDH}
)

// RXMode selects what a receive buffer accepts (RXBnCTRL.RXM).
type RXMode byte

const (
	RXFiltered RXMode = 0x00 // messages matching the filters
	RXAny      RXMode = 0x60 // filters and masks off
)

// SetFilter programs acceptance filter n (0..5). Filters 0 and 1 feed RXB0,
// the rest RXB1. The chip only accepts this in Configuration mode.
func (d *Device) SetFilter(n int, id uint32, extended bool) error {
	if n < 0 || n >= len(filterRegs) {
		return fmt.Errorf("%w: filter %d", ErrInvalidFilter, n)
	}
	return d.writeIDBlock("filter", filterRegs[n], id, extended)
}

// SetMask programs acceptance mask n (0 for RXB0, 1 for RXB1). For a mask
// the extended flag only selects which bits are meaningful; EXIDE itself is
// not implemented in mask registers.
func (d *Device) SetMask(n int, id uint32, extended bool) error {
	if n < 0 || n >= len(maskRegs) {
		return fmt.Errorf("%w: mask %d", ErrInvalidFilter, n)
	}
	return d.writeIDBlock("mask", maskRegs[n], id, extended)
}

func (d *Device) writeIDBlock(op string, base Register, id uint32, extended bool) error {
	b, err := EncodeID(id, extended)
	if err != nil {
		return err
	}
	w := append([]byte{byte(InstrWrite), byte(base)}, b[:]...)
	return d.tx(op, w, nil)
}

// Filter reads back filter n.
func (d *Device) Filter(n int) (id uint32, extended bool, err error) {
	if n < 0 || n >= len(filterRegs) {
		return 0, false, fmt.Errorf("%w: filter %d", ErrInvalidFilter, n)
	}
	var b [4]byte
	if err := d.ReadRegisters(filterRegs[n], b[:]); err != nil {
		return 0, false, err
	}
	id, extended = DecodeID(b)
	return id, extended, nil
}

// SetReceiveMode sets RXBnCTRL.RXM and, for RXB0, BUKT (rollover into RXB1
// when RXB0 is full).
func (d *Device) SetReceiveMode(slot RXSlot, mode RXMode, rollover bool) error {
	if !slot.valid() {
		return fmt.Errorf("%w: %d", ErrInvalidSlot, slot)
	}
	mask, val := byte(rxbRXMMask), byte(mode)&rxbRXMMask
	if slot == RX0 {
		mask |= rxbBUKT
		if rollover {
			val |= rxbBUKT
		}
	}
	return d.Modify(slot.Ctrl(), mask, val)
}

// EnableInterrupts writes CANINTE.
func (d *Device) EnableInterrupts(mask byte) error { return d.Write(CANINTE, mask) }

// InterruptFlags reads CANINTF.
func (d *Device) InterruptFlags() (byte, error) { return d.Read(CANINTF) }

// ClearInterrupts clears the CANINTF bits set in mask.
func (d *Device) ClearInterrupts(mask byte) error { return d.Modify(CANINTF, mask, 0) }

// ErrorFlags reads EFLG.
func (d *Device) ErrorFlags() (byte, error) { return d.Read(EFLG) }

// ErrorCounters reads the transmit and receive error counters in one burst.
func (d *Device) ErrorCounters() (tec, rec byte, err error) {
	var b [2]byte
	if err := d.ReadRegisters(TEC, b[:]); err != nil {
		return 0, 0, err
	}
	return b[0], b[1], nil
}
