// Package can holds the gateway's wire-neutral CAN frame. The identifier uses
// the SocketCAN layout so it can pass through cannelloni and raw CAN sockets
// unchanged: flag bits in the top three bits, the arbitration ID below.
package can

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// MaxLen is the classic CAN payload limit.
const MaxLen = 8

// Frame is a classic CAN frame. For remote frames Len is the requested
// length and Data is ignored.
type Frame struct {
	CANID uint32
	Len   uint8
	Data  [MaxLen]byte
}

// ErrBadFrame reports an unparsable frame literal.
var ErrBadFrame = errors.New("can: bad frame")

func (f Frame) Extended() bool { return f.CANID&CAN_EFF_FLAG != 0 }
func (f Frame) Remote() bool   { return f.CANID&CAN_RTR_FLAG != 0 }
func (f Frame) IsError() bool  { return f.CANID&CAN_ERR_FLAG != 0 }

// ID returns the arbitration ID with flag bits stripped.
func (f Frame) ID() uint32 {
	if f.Extended() {
		return f.CANID & CAN_EFF_MASK
	}
	return f.CANID & CAN_SFF_MASK
}

// Payload returns the valid data bytes (none for remote frames).
func (f Frame) Payload() []byte {
	if f.Remote() {
		return nil
	}
	n := f.Len
	if n > MaxLen {
		n = MaxLen
	}
	return f.Data[:n]
}

// String formats f in candump compact style: 123#DEADBEEF, 1ABCDEF0#R2.
func (f Frame) String() string {
	var b strings.Builder
	if f.Extended() {
		fmt.Fprintf(&b, "%08X#", f.ID())
	} else {
		fmt.Fprintf(&b, "%03X#", f.ID())
	}
	if f.Remote() {
		b.WriteByte('R')
		if f.Len > 0 {
			b.WriteString(strconv.Itoa(int(f.Len)))
		}
		return b.String()
	}
	b.WriteString(strings.ToUpper(hex.EncodeToString(f.Payload())))
	return b.String()
}

// Parse reads the candump compact form produced by String. An ID written
// with more than three hex digits, or above 0x7FF, is extended.
func Parse(s string) (Frame, error) {
	var f Frame
	idPart, dataPart, ok := strings.Cut(strings.TrimSpace(s), "#")
	if !ok || idPart == "" {
		return f, fmt.Errorf("%w: %q: missing '#'", ErrBadFrame, s)
	}
	id, err := strconv.ParseUint(idPart, 16, 32)
	if err != nil {
		return f, fmt.Errorf("%w: id %q: %v", ErrBadFrame, idPart, err)
	}
	switch {
	case id > CAN_EFF_MASK:
		return f, fmt.Errorf("%w: id 0x%X exceeds 29 bits", ErrBadFrame, id)
	case len(idPart) > 3 || id > CAN_SFF_MASK:
		f.CANID = uint32(id) | CAN_EFF_FLAG
	default:
		f.CANID = uint32(id)
	}
	if strings.HasPrefix(dataPart, "R") || strings.HasPrefix(dataPart, "r") {
		f.CANID |= CAN_RTR_FLAG
		if rest := dataPart[1:]; rest != "" {
			n, err := strconv.ParseUint(rest, 10, 8)
			if err != nil || n > MaxLen {
				return f, fmt.Errorf("%w: remote length %q", ErrBadFrame, rest)
			}
			f.Len = uint8(n)
		}
		return f, nil
	}
	data := strings.ReplaceAll(dataPart, ".", "")
	raw, err := hex.DecodeString(data)
	if err != nil {
		return f, fmt.Errorf("%w: data %q: %v", ErrBadFrame, dataPart, err)
	}
	if len(raw) > MaxLen {
		return f, fmt.Errorf("%w: %d data bytes", ErrBadFrame, len(raw))
	}
	f.Len = uint8(copy(f.Data[:], raw))
	return f, nil
}
