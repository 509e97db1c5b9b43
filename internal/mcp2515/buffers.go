package mcp2515

import "fmt"

// TXSlot names one of the three transmit buffers.
type TXSlot uint8

const (
	TX0 TXSlot = iota
	TX1
	TX2
)

// RXSlot names one of the two receive buffers.
type RXSlot uint8

const (
	RX0 RXSlot = iota
	RX1
)

// TXSlots and RXSlots list every slot in priority order.
var (
	TXSlots = [...]TXSlot{TX0, TX1, TX2}
	RXSlots = [...]RXSlot{RX0, RX1}
)

func (s TXSlot) valid() bool { return s <= TX2 }
func (s RXSlot) valid() bool { return s <= RX1 }

func (s TXSlot) String() string { return fmt.Sprintf("TXB%d", uint8(s)) }
func (s RXSlot) String() string { return fmt.Sprintf("RXB%d", uint8(s)) }

// Ctrl returns TXBnCTRL.
func (s TXSlot) Ctrl() Register { return TXB0CTRL + Register(s)*0x10 }

// SIDH returns TXBnSIDH, the start of the slot's ID/DLC/data block.
func (s TXSlot) SIDH() Register { return TXB0SIDH + Register(s)*0x10 }

func (s TXSlot) rts() Instruction { return [...]Instruction{InstrRTS0, InstrRTS1, InstrRTS2}[s] }

func (s TXSlot) load(fromData bool) Instruction {
	i := [...]Instruction{InstrLoadTX0ID, InstrLoadTX1ID, InstrLoadTX2ID}[s]
	if fromData {
		i |= 0x01
	}
	return i
}

// Ctrl returns RXBnCTRL.
func (s RXSlot) Ctrl() Register { return RXB0CTRL + Register(s)*0x10 }

// SIDH returns RXBnSIDH.
func (s RXSlot) SIDH() Register { return RXB0SIDH + Register(s)*0x10 }

func (s RXSlot) read(fromData bool) Instruction {
	i := [...]Instruction{InstrReadRX0ID, InstrReadRX1ID}[s]
	if fromData {
		i |= 0x02
	}
	return i
}

// LoadTXBuffer encodes f and writes it into slot with a single MultiWrite
// (ID block, DLC, data). Remote frames write no data bytes. Nothing is
// transmitted; see SendTXBuffer. Loading a slot whose TXREQ is still set is
// a caller error and is not checked.
func (d *Device) LoadTXBuffer(slot TXSlot, f Frame) error {
	if !slot.valid() {
		return fmt.Errorf("%w: %d", ErrInvalidSlot, slot)
	}
	id, dlc, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	return d.MultiWrite(slot.SIDH(), id, f.Payload(), dlc)
}

// LoadTXBufferFast is LoadTXBuffer through the LOAD TX BUFFER instruction,
// which saves the address byte.
func (d *Device) LoadTXBufferFast(slot TXSlot, f Frame) error {
	if !slot.valid() {
		return fmt.Errorf("%w: %d", ErrInvalidSlot, slot)
	}
	id, dlc, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	p := f.Payload()
	w := make([]byte, 0, 1+4+1+len(p))
	w = append(w, byte(slot.load(false)))
	w = append(w, id[:]...)
	w = append(w, dlc)
	w = append(w, p...)
	return d.tx("load-tx", w, nil)
}

// SendTXBuffer issues the one-byte RTS instruction for slot. It clears no
// flags; TXnIF is set by the chip once the frame has gone out.
func (d *Device) SendTXBuffer(slot TXSlot) error {
	if !slot.valid() {
		return fmt.Errorf("%w: %d", ErrInvalidSlot, slot)
	}
	return d.tx("rts", []byte{byte(slot.rts())}, nil)
}

// ReadRXBuffer reads slot's ID, DLC and data in one READ RX BUFFER burst and
// decodes it.
//
// Releasing chip-select at the end of this instruction clears the slot's
// CANINTF.RXnIF: calling ReadRXBuffer acknowledges the receive interrupt
// whether or not the caller ever looks at CANINTF.
func (d *Device) ReadRXBuffer(slot RXSlot) (Frame, error) {
	if !slot.valid() {
		return Frame{}, fmt.Errorf("%w: %d", ErrInvalidSlot, slot)
	}
	var block [BlockLen]byte
	if err := d.tx("read-rx", []byte{byte(slot.read(false))}, block[:]); err != nil {
		return Frame{}, err
	}
	return DecodeFrame(block[:])
}

// ReadRXData reads len(buf) payload bytes starting at RXBnD0. Like
// ReadRXBuffer it clears RXnIF.
func (d *Device) ReadRXData(slot RXSlot, buf []byte) error {
	if !slot.valid() {
		return fmt.Errorf("%w: %d", ErrInvalidSlot, slot)
	}
	if len(buf) > MaxDataLen {
		return fmt.Errorf("%w: %d", ErrInvalidLength, len(buf))
	}
	return d.tx("read-rx-data", []byte{byte(slot.read(true))}, buf)
}
