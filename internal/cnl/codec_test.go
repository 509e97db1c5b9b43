package cnl

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/kstaniek/go-mcp2515/internal/can"
)

func mkFrame(id uint32, n int) can.Frame {
	f := can.Frame{CANID: (id & can.CAN_EFF_MASK) | can.CAN_EFF_FLAG, Len: uint8(n)}
	for i := 0; i < n; i++ {
		f.Data[i] = byte(id) + byte(i)
	}
	return f
}

func TestCodecRoundTrip(t *testing.T) {
	c := Codec{}
	in := []can.Frame{
		mkFrame(0x1E5A, 8),
		mkFrame(0x1F55, 6),
		mkFrame(0x12345, 0),
		{CANID: 0x7FF, Len: 1, Data: [8]byte{0x42}},
		{CANID: 0x321 | can.CAN_RTR_FLAG, Len: 4},
	}
	var out []can.Frame
	n, err := c.DecodeN(bytes.NewReader(c.Encode(in)), 0, func(f can.Frame) { out = append(out, f) })
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF at clean end, got %v", err)
	}
	if n != len(in) {
		t.Fatalf("decoded %d, want %d", n, len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("frame %d: got %+v want %+v", i, out[i], in[i])
		}
	}
}

func TestEncodeRemoteHasNoPayload(t *testing.T) {
	c := Codec{}
	f := can.Frame{CANID: 0x100 | can.CAN_RTR_FLAG, Len: 8, Data: [8]byte{1, 2, 3}}
	wire := c.Encode([]can.Frame{f})
	if !bytes.Equal(wire, []byte{0x40, 0, 0x01, 0x00, 8}) {
		t.Fatalf("wire % X", wire)
	}
}

func TestEncodeToMatchesEncode(t *testing.T) {
	c := Codec{}
	frames := []can.Frame{mkFrame(0x10, 8), mkFrame(0x11, 3)}
	var buf bytes.Buffer
	n, err := c.EncodeTo(&buf, frames)
	if err != nil {
		t.Fatal(err)
	}
	if n != 5+8+5+3 || !bytes.Equal(c.Encode(frames), buf.Bytes()) {
		t.Fatalf("EncodeTo mismatch n=%d\nenc=% X\nto=% X", n, c.Encode(frames), buf.Bytes())
	}
}

func TestDecodeErrors(t *testing.T) {
	c := Codec{}
	tests := []struct {
		name string
		in   []byte
		want error
	}{
		{"length 9", []byte{0, 0, 0, 1, 0x09}, ErrInvalidLength},
		{"fd flag", []byte{0, 0, 0, 1, 0x88}, ErrFDFrame},
		{"short payload", []byte{0, 0, 0, 2, 5, 1, 2, 3}, ErrTruncatedFrame},
		{"short header", []byte{0, 0, 1}, ErrTruncatedFrame},
		{"empty", nil, io.EOF},
	}
	for _, tc := range tests {
		_, err := c.Decode(bytes.NewReader(tc.in))
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestDecodeNStopsAtMax(t *testing.T) {
	c := Codec{}
	wire := c.Encode([]can.Frame{mkFrame(1, 1), mkFrame(2, 2), mkFrame(3, 3)})
	r := NewReader(bytes.NewReader(wire))
	n, err := c.DecodeN(r, 2, func(can.Frame) {})
	if n != 2 || err != nil {
		t.Fatalf("n=%d err=%v", n, err)
	}
	f, err := c.Decode(r)
	if err != nil || f != mkFrame(3, 3) {
		t.Fatalf("third frame %+v %v", f, err)
	}
}

func FuzzCodecDecode(f *testing.F) {
	c := Codec{}
	f.Add(c.Encode([]can.Frame{mkFrame(0x100, 0)}))
	f.Add(c.Encode([]can.Frame{mkFrame(0x300, 3), mkFrame(0x301, 5)}))
	f.Add([]byte{0, 0, 0, 1, 0x89})
	f.Fuzz(func(t *testing.T, data []byte) {
		var got []can.Frame
		_, _ = c.DecodeN(bytes.NewReader(data), 16, func(fr can.Frame) { got = append(got, fr) })
		for _, fr := range got {
			if fr.Len > can.MaxLen {
				t.Fatalf("len %d", fr.Len)
			}
		}
		// whatever decoded must re-encode to a prefix of the input
		if enc := c.Encode(got); !bytes.HasPrefix(data, enc) {
			t.Fatalf("re-encode is not a prefix\nin  % X\nout % X", data, enc)
		}
	})
}

func benchmarkFrames(n int) []can.Frame {
	frames := make([]can.Frame, n)
	for i := range frames {
		frames[i] = mkFrame(uint32(0x500+i), 8)
	}
	return frames
}

func BenchmarkCodec_Encode_64(b *testing.B) {
	c := Codec{}
	frs := benchmarkFrames(64)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = c.Encode(frs)
	}
}

func BenchmarkCodec_DecodeN_64(b *testing.B) {
	c := Codec{}
	wire := c.Encode(benchmarkFrames(64))
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = c.DecodeN(bytes.NewReader(wire), 0, func(can.Frame) {})
	}
}
