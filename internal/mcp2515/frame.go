package mcp2515

import "fmt"

// FrameType selects the identifier width and data/remote variant.
type FrameType uint8

const (
	Standard FrameType = iota
	Extended
	StandardRemote
	ExtendedRemote
)

func (t FrameType) IsExtended() bool { return t == Extended || t == ExtendedRemote }
func (t FrameType) IsRemote() bool   { return t == StandardRemote || t == ExtendedRemote }

func (t FrameType) String() string {
	switch t {
	case Standard:
		return "standard"
	case Extended:
		return "extended"
	case StandardRemote:
		return "standard-remote"
	case ExtendedRemote:
		return "extended-remote"
	}
	return fmt.Sprintf("FrameType(%d)", uint8(t))
}

// TypeOf builds a FrameType from its two properties.
func TypeOf(extended, remote bool) FrameType {
	switch {
	case extended && remote:
		return ExtendedRemote
	case extended:
		return Extended
	case remote:
		return StandardRemote
	}
	return Standard
}

const (
	MaxStandardID = 0x7FF
	MaxExtendedID = 0x1FFFFFFF
	MaxDataLen    = 8

	// BlockLen is SIDH..D7 of one buffer.
	BlockLen = 4 + 1 + MaxDataLen
)

// Frame is a classic CAN frame as seen by the chip. For remote frames Len
// is the requested reply length and Data is not transmitted.
type Frame struct {
	ID   uint32
	Type FrameType
	Len  uint8
	Data [8]byte
}

// Payload returns the significant data bytes (none for remote frames).
func (f Frame) Payload() []byte {
	if f.Type.IsRemote() {
		return nil
	}
	n := f.Len
	if n > MaxDataLen {
		n = MaxDataLen
	}
	return f.Data[:n]
}

func (f Frame) String() string {
	if f.Type.IsExtended() {
		return fmt.Sprintf("%08X [%d] % X (%s)", f.ID, f.Len, f.Payload(), f.Type)
	}
	return fmt.Sprintf("%03X [%d] % X (%s)", f.ID, f.Len, f.Payload(), f.Type)
}

// EncodeID packs id into the SIDH, SIDL, EID8, EID0 layout shared by the
// transmit buffers, filters and masks. IDs wider than the declared format
// are rejected rather than truncated.
func EncodeID(id uint32, extended bool) ([4]byte, error) {
	var b [4]byte
	if extended {
		if id > MaxExtendedID {
			return b, fmt.Errorf("%w: 0x%X exceeds 29 bits", ErrInvalidID, id)
		}
		sid := id >> 18
		eid := id & 0x3FFFF
		b[0] = byte(sid >> 3)
		b[1] = byte(sid<<5) | sidlEXIDE | byte(eid>>16)&sidlEIDHi
		b[2] = byte(eid >> 8)
		b[3] = byte(eid)
		return b, nil
	}
	if id > MaxStandardID {
		return b, fmt.Errorf("%w: 0x%X exceeds 11 bits", ErrInvalidID, id)
	}
	b[0] = byte(id >> 3)
	b[1] = byte(id << 5)
	return b, nil
}

// DecodeID is the inverse of EncodeID; the format comes from EXIDE.
func DecodeID(b [4]byte) (id uint32, extended bool) {
	sid := uint32(b[0])<<3 | uint32(b[1])>>5
	if b[1]&sidlEXIDE == 0 {
		return sid, false
	}
	eid := uint32(b[1]&sidlEIDHi)<<16 | uint32(b[2])<<8 | uint32(b[3])
	return sid<<18 | eid, true
}

// EncodeFrame produces the ID block and DLC byte for f.
//
// The remote flag lives in different places for the two formats: SIDL.SRR
// for standard frames and DLC.RTR for extended ones. The transmitter keys
// off DLC.RTR for both, so a standard remote frame carries both bits.
func EncodeFrame(f Frame) ([4]byte, byte, error) {
	if f.Len > MaxDataLen {
		return [4]byte{}, 0, fmt.Errorf("%w: %d", ErrInvalidLength, f.Len)
	}
	if f.Type > ExtendedRemote {
		return [4]byte{}, 0, fmt.Errorf("mcp2515: invalid frame type %d", uint8(f.Type))
	}
	id, err := EncodeID(f.ID, f.Type.IsExtended())
	if err != nil {
		return id, 0, err
	}
	dlc := f.Len & dlcMask
	if f.Type.IsRemote() {
		dlc |= dlcRTR
		if !f.Type.IsExtended() {
			id[1] |= sidlSRR
		}
	}
	return id, dlc, nil
}

// DecodeFrame parses a receive buffer image starting at SIDH: four ID
// bytes, the DLC byte, then up to eight data bytes. DLC values above 8 are
// clamped. Payload bytes missing from block are left zero.
func DecodeFrame(block []byte) (Frame, error) {
	var f Frame
	if len(block) < 5 {
		return f, fmt.Errorf("%w: %d bytes", ErrShortBlock, len(block))
	}
	id, ext := DecodeID([4]byte(block[:4]))
	dlc := block[4]
	remote := dlc&dlcRTR != 0
	if !ext {
		remote = block[1]&sidlSRR != 0
	}
	f.ID = id
	f.Type = TypeOf(ext, remote)
	f.Len = dlc & dlcMask
	if f.Len > MaxDataLen {
		f.Len = MaxDataLen
	}
	if !remote {
		copy(f.Data[:f.Len], block[5:])
	}
	return f, nil
}
