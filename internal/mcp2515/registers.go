package mcp2515

// Instruction is an SPI command byte understood by the MCP2515.
type Instruction byte

const (
	InstrReset      Instruction = 0xC0 // reset, enter Configuration mode
	InstrRead       Instruction = 0x03 // read register(s) from address
	InstrWrite      Instruction = 0x02 // write register(s) from address
	InstrReadStatus Instruction = 0xA0 // quick status bits
	InstrRXStatus   Instruction = 0xB0 // receive buffer status
	InstrBitModify  Instruction = 0x05 // address, mask, data

	InstrReadRX0ID Instruction = 0x90 // fast read RXB0 from SIDH
	InstrReadRX0D0 Instruction = 0x92 // fast read RXB0 from D0
	InstrReadRX1ID Instruction = 0x94 // fast read RXB1 from SIDH
	InstrReadRX1D0 Instruction = 0x96 // fast read RXB1 from D0

	InstrLoadTX0ID Instruction = 0x40
	InstrLoadTX0D0 Instruction = 0x41
	InstrLoadTX1ID Instruction = 0x42
	InstrLoadTX1D0 Instruction = 0x43
	InstrLoadTX2ID Instruction = 0x44
	InstrLoadTX2D0 Instruction = 0x45

	InstrRTS0 Instruction = 0x81
	InstrRTS1 Instruction = 0x82
	InstrRTS2 Instruction = 0x84
)

// Register is a chip register address (0x00..0x7F).
type Register byte

const (
	// Filters 0,1 feed RXB0; filters 2..5 feed RXB1.
	RXF0SIDH Register = 0x00
	RXF1SIDH Register = 0x04
	RXF2SIDH Register = 0x08
	RXF3SIDH Register = 0x10
	RXF4SIDH Register = 0x14
	RXF5SIDH Register = 0x18

	RXM0SIDH Register = 0x20
	RXM1SIDH Register = 0x24

	BFPCTRL   Register = 0x0C
	TXRTSCTRL Register = 0x0D
	CANSTAT   Register = 0x0E
	CANCTRL   Register = 0x0F
	TEC       Register = 0x1C
	REC       Register = 0x1D
	CNF3      Register = 0x28
	CNF2      Register = 0x29
	CNF1      Register = 0x2A
	CANINTE   Register = 0x2B
	CANINTF   Register = 0x2C
	EFLG      Register = 0x2D

	TXB0CTRL Register = 0x30
	TXB0SIDH Register = 0x31
	TXB0DLC  Register = 0x35
	TXB0D0   Register = 0x36
	TXB1CTRL Register = 0x40
	TXB1SIDH Register = 0x41
	TXB1DLC  Register = 0x45
	TXB1D0   Register = 0x46
	TXB2CTRL Register = 0x50
	TXB2SIDH Register = 0x51
	TXB2DLC  Register = 0x55
	TXB2D0   Register = 0x56

	RXB0CTRL Register = 0x60
	RXB0SIDH Register = 0x61
	RXB0DLC  Register = 0x65
	RXB0D0   Register = 0x66
	RXB1CTRL Register = 0x70
	RXB1SIDH Register = 0x71
	RXB1DLC  Register = 0x75
	RXB1D0   Register = 0x76
)

// Bit fields.
const (
	// CANCTRL / CANSTAT
	modeMask  = 0xE0
	modeShift = 5

	// SIDL
	sidlSRR   = 1 << 4
	sidlEXIDE = 1 << 3
	sidlEIDHi = 0x03

	// DLC
	dlcRTR  = 1 << 6
	dlcMask = 0x0F

	// TXBnCTRL
	TXREQ = 1 << 3

	// RXBnCTRL
	rxbRXMMask = 0x60
	rxbBUKT    = 1 << 2

	// CANINTE / CANINTF
	IntRX0  = 1 << 0
	IntRX1  = 1 << 1
	IntTX0  = 1 << 2
	IntTX1  = 1 << 3
	IntTX2  = 1 << 4
	IntERR  = 1 << 5
	IntWAK  = 1 << 6
	IntMERR = 1 << 7
)

// BitModifiable reports whether the chip honours the bit-modify instruction
// on r. Modify does not check this.
func (r Register) BitModifiable() bool {
	switch r {
	case BFPCTRL, TXRTSCTRL, CANCTRL, CNF3, CNF2, CNF1, CANINTE, CANINTF, EFLG,
		TXB0CTRL, TXB1CTRL, TXB2CTRL, RXB0CTRL, RXB1CTRL:
		return true
	}
	return false
}

var registerNames = map[Register]string{
	BFPCTRL: "BFPCTRL", TXRTSCTRL: "TXRTSCTRL", CANSTAT: "CANSTAT", CANCTRL: "CANCTRL",
	TEC: "TEC", REC: "REC", CNF3: "CNF3", CNF2: "CNF2", CNF1: "CNF1",
	CANINTE: "CANINTE", CANINTF: "CANINTF", EFLG: "EFLG",
	TXB0CTRL: "TXB0CTRL", TXB1CTRL: "TXB1CTRL", TXB2CTRL: "TXB2CTRL",
	RXB0CTRL: "RXB0CTRL", RXB1CTRL: "RXB1CTRL",
}

// Name returns the datasheet mnemonic for control registers, or "" for buffer
// and filter bytes.
func (r Register) Name() string { return registerNames[r] }
