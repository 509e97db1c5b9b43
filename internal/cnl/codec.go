// Package cnl implements the cannelloni TCP framing used between the gateway
// and its clients: a fixed hello exchange, then a stream of frames, each a
// big-endian can_id, one length byte, and the payload. Remote frames carry
// their length but no payload bytes.
package cnl

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/kstaniek/go-mcp2515/internal/can"
	"github.com/kstaniek/go-mcp2515/internal/metrics"
)

const (
	headerLen = 5
	lenMask   = 0x7F // bit 7 flags CAN FD, which the MCP2515 cannot carry
	fdFlag    = 0x80
)

// Codec encodes/decodes cannelloni frames. Stateless and safe for concurrent use.
type Codec struct{}

var (
	// ErrInvalidLength is returned when a frame length is outside 0..8.
	ErrInvalidLength = errors.New("cannelloni: invalid length")
	// ErrTruncatedFrame is returned when the stream ends inside a frame.
	ErrTruncatedFrame = errors.New("cannelloni: truncated frame")
	// ErrFDFrame is returned for CAN FD frames.
	ErrFDFrame = errors.New("cannelloni: CAN FD frame not supported")
)

func wireSize(f can.Frame) int { return headerLen + len(f.Payload()) }

// Encode packs frames into one contiguous buffer.
func (c *Codec) Encode(frames []can.Frame) []byte {
	if len(frames) == 0 {
		return nil
	}
	n := 0
	for _, f := range frames {
		n += wireSize(f)
	}
	out := make([]byte, 0, n)
	for _, f := range frames {
		out = appendFrame(out, f)
	}
	return out
}

func appendFrame(dst []byte, f can.Frame) []byte {
	dst = binary.BigEndian.AppendUint32(dst, f.CANID)
	ln := f.Len
	if ln > can.MaxLen {
		ln = can.MaxLen
	}
	dst = append(dst, ln)
	return append(dst, f.Payload()...)
}

// EncodeTo writes frames to w with a single Write call and returns the bytes
// written.
func (c *Codec) EncodeTo(w io.Writer, frames []can.Frame) (int, error) {
	if len(frames) == 0 {
		return 0, nil
	}
	n, err := w.Write(c.Encode(frames))
	if err != nil {
		return n, fmt.Errorf("cannelloni encode: %w", err)
	}
	return n, nil
}

// Decode reads exactly one frame from r. A clean end of stream between
// frames yields io.EOF; an end inside a frame yields ErrTruncatedFrame.
func (c *Codec) Decode(r io.Reader) (can.Frame, error) {
	var f can.Frame
	var hdr [headerLen]byte
	if n, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) && n > 0 {
			metrics.IncMalformed()
			return f, fmt.Errorf("cannelloni decode header: %w", ErrTruncatedFrame)
		}
		return f, err
	}
	f.CANID = binary.BigEndian.Uint32(hdr[:4])
	if hdr[4]&fdFlag != 0 {
		metrics.IncMalformed()
		return f, ErrFDFrame
	}
	ln := hdr[4] & lenMask
	if ln > can.MaxLen {
		metrics.IncMalformed()
		return f, fmt.Errorf("cannelloni decode: %w (%d)", ErrInvalidLength, ln)
	}
	f.Len = ln
	if f.Remote() || ln == 0 {
		return f, nil
	}
	if _, err := io.ReadFull(r, f.Data[:ln]); err != nil {
		metrics.IncMalformed()
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return f, fmt.Errorf("cannelloni decode payload: %w", ErrTruncatedFrame)
		}
		return f, fmt.Errorf("cannelloni decode payload: %w", err)
	}
	return f, nil
}

// DecodeN decodes up to max frames (unbounded when max <= 0), calling
// onFrame for each. It returns the count and the error that stopped it,
// which is io.EOF at a clean end of stream.
func (c *Codec) DecodeN(r io.Reader, max int, onFrame func(can.Frame)) (int, error) {
	n := 0
	for max <= 0 || n < max {
		fr, err := c.Decode(r)
		if err != nil {
			return n, err
		}
		onFrame(fr)
		n++
	}
	return n, nil
}

// NewReader wraps r so that DecodeN issues few syscalls on a TCP stream.
func NewReader(r io.Reader) *bufio.Reader { return bufio.NewReaderSize(r, 4096) }
