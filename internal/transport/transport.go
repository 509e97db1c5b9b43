package transport

import (
	"io"

	"github.com/kstaniek/go-mcp2515/internal/can"
	"github.com/kstaniek/go-mcp2515/internal/cnl"
)

// MultiFrameDecoder drains frames from a stream.
type MultiFrameDecoder interface {
	DecodeN(r io.Reader, max int, onFrame func(can.Frame)) (int, error)
}

// FrameBatchEncoder writes a batch of frames.
type FrameBatchEncoder interface {
	EncodeTo(w io.Writer, frames []can.Frame) (int, error)
}

// StreamCodec is what the TCP server needs from a wire format.
type StreamCodec interface {
	MultiFrameDecoder
	FrameBatchEncoder
}

// FrameSink is a CAN frame transmission target.
type FrameSink interface {
	SendFrame(can.Frame) error
}

var (
	_ StreamCodec = (*cnl.Codec)(nil)
	_ FrameSink   = (*AsyncTx)(nil)
)
