package can

import (
	"errors"
	"testing"
)

func TestParseAndString(t *testing.T) {
	tests := []struct {
		in   string
		want Frame
		out  string
	}{
		{"123#DEADBEEF", Frame{CANID: 0x123, Len: 4, Data: [8]byte{0xDE, 0xAD, 0xBE, 0xEF}}, "123#DEADBEEF"},
		{"7FF#", Frame{CANID: 0x7FF}, "7FF#"},
		{"00000123#01", Frame{CANID: 0x123 | CAN_EFF_FLAG, Len: 1, Data: [8]byte{1}}, "00000123#01"},
		{"1FFFFFFF#R", Frame{CANID: 0x1FFFFFFF | CAN_EFF_FLAG | CAN_RTR_FLAG}, "1FFFFFFF#R"},
		{"321#R8", Frame{CANID: 0x321 | CAN_RTR_FLAG, Len: 8}, "321#R8"},
		{"800#11.22", Frame{CANID: 0x800 | CAN_EFF_FLAG, Len: 2, Data: [8]byte{0x11, 0x22}}, "00000800#1122"},
	}
	for _, tc := range tests {
		got, err := Parse(tc.in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("Parse(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
		if s := got.String(); s != tc.out {
			t.Fatalf("String() = %q, want %q", s, tc.out)
		}
	}
}

func TestParseErrors(t *testing.T) {
	for _, in := range []string{"", "123", "#00", "XYZ#00", "123#0", "123#001122334455667788", "20000000#", "123#R9"} {
		if _, err := Parse(in); !errors.Is(err, ErrBadFrame) {
			t.Fatalf("Parse(%q): expected ErrBadFrame, got %v", in, err)
		}
	}
}

func TestIDAndPayload(t *testing.T) {
	f := Frame{CANID: 0x18DAF110 | CAN_EFF_FLAG, Len: 3, Data: [8]byte{1, 2, 3, 4}}
	if f.ID() != 0x18DAF110 || !f.Extended() || f.Remote() {
		t.Fatalf("flags: %+v", f)
	}
	if len(f.Payload()) != 3 {
		t.Fatalf("payload %v", f.Payload())
	}
	r := Frame{CANID: 0x7FF | CAN_RTR_FLAG, Len: 2}
	if r.Payload() != nil || r.ID() != 0x7FF {
		t.Fatalf("remote: %+v", r)
	}
}
