// Package socketcan mirrors the controller onto a Linux SocketCAN interface
// (typically a vcan), so ordinary can-utils tools see the MCP2515's bus.
package socketcan

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/kstaniek/go-mcp2515/internal/can"
)

// frameSize is sizeof(struct can_frame).
const frameSize = 16

var (
	// ErrUnsupported is returned by Open on platforms without SocketCAN.
	ErrUnsupported = errors.New("socketcan: not supported on this platform")
	// ErrTxOverflow is returned when the interface write queue is full.
	ErrTxOverflow = errors.New("socketcan: tx queue overflow")
	// ErrReadTimeout is returned by ReadFrame when no frame arrived within
	// the socket receive timeout.
	ErrReadTimeout = errors.New("socketcan: read timeout")
)

// struct can_frame: can_id u32 (host order) | len u8 | pad 3 | data [8].
func marshalFrame(fr can.Frame) [frameSize]byte {
	var buf [frameSize]byte
	binary.NativeEndian.PutUint32(buf[0:4], fr.CANID)
	ln := min(fr.Len, can.MaxLen)
	buf[4] = ln
	if !fr.Remote() {
		copy(buf[8:], fr.Data[:ln])
	}
	return buf
}

func unmarshalFrame(buf []byte, fr *can.Frame) error {
	if len(buf) != frameSize {
		return fmt.Errorf("socketcan: short read: %d", len(buf))
	}
	*fr = can.Frame{CANID: binary.NativeEndian.Uint32(buf[0:4])}
	fr.Len = min(buf[4], can.MaxLen)
	if !fr.Remote() {
		copy(fr.Data[:], buf[8:8+fr.Len])
	}
	return nil
}
