package serial

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-mcp2515/internal/mcp2515"
	"github.com/kstaniek/go-mcp2515/internal/mcp2515/sim"
)

// fakePirate emulates the binary SPI mode of a Bus Pirate in front of a
// simulated chip.
type fakePirate struct {
	mu     sync.Mutex
	chip   *sim.Chip
	mode   int // 0 terminal, 1 bbio, 2 spi
	zeros  int
	lazy   int // zeros to swallow before answering BBIO1
	in     []byte
	out    []byte
	cmds   []byte
	nackWR bool
	closed bool
}

func (f *fakePirate) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, io.ErrClosedPipe
	}
	f.in = append(f.in, p...)
	f.process()
	return len(p), nil
}

func (f *fakePirate) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.out) == 0 {
		return 0, io.EOF
	}
	n := copy(p, f.out)
	f.out = f.out[n:]
	return n, nil
}

func (f *fakePirate) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakePirate) process() {
	for len(f.in) > 0 {
		c := f.in[0]
		switch f.mode {
		case 0:
			f.in = f.in[1:]
			if c == bbioEnter {
				f.zeros++
				if f.zeros > f.lazy {
					f.mode = 1
					f.out = append(f.out, bbioBanner...)
				}
			}
		case 1:
			f.in = f.in[1:]
			switch c {
			case bbioEnter:
				f.out = append(f.out, bbioBanner...)
			case bbioSPI:
				f.mode = 2
				f.out = append(f.out, spiBanner...)
			case bbioReset:
				f.mode = 0
				f.zeros = 0
				f.out = append(f.out, ack)
			}
		case 2:
			if c == spiWriteRead {
				if len(f.in) < 5 {
					return
				}
				wl := int(f.in[1])<<8 | int(f.in[2])
				rl := int(f.in[3])<<8 | int(f.in[4])
				if len(f.in) < 5+wl {
					return
				}
				w := append([]byte(nil), f.in[5:5+wl]...)
				f.in = f.in[5+wl:]
				f.cmds = append(f.cmds, c)
				if f.nackWR {
					f.out = append(f.out, 0x00)
					continue
				}
				r := make([]byte, rl)
				if err := f.chip.Tx(w, r); err != nil {
					f.out = append(f.out, 0x00)
					continue
				}
				f.out = append(f.out, ack)
				f.out = append(f.out, r...)
				continue
			}
			f.in = f.in[1:]
			f.cmds = append(f.cmds, c)
			if c == bbioEnter {
				f.mode = 1
				f.out = append(f.out, bbioBanner...)
				continue
			}
			f.out = append(f.out, ack)
		}
	}
}

func newBridge(t *testing.T, fp *fakePirate) *Bridge {
	t.Helper()
	b, err := NewBridge(fp, 1_000_000, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("NewBridge: %v", err)
	}
	return b
}

func TestBridgeSetup(t *testing.T) {
	fp := &fakePirate{chip: sim.New(), lazy: 3}
	newBridge(t, fp)
	want := []byte{spiSpeed | 3, spiConfig | cfgMode0, spiPeriph | periphPowerCS}
	if !bytes.Equal(fp.cmds, want) {
		t.Fatalf("setup commands % X, want % X", fp.cmds, want)
	}
}

func TestBridgeNoBinaryMode(t *testing.T) {
	fp := &fakePirate{chip: sim.New(), lazy: 1000}
	if _, err := NewBridge(fp, 1_000_000, 10*time.Millisecond); !errors.Is(err, ErrNoBinaryMode) {
		t.Fatalf("expected ErrNoBinaryMode, got %v", err)
	}
}

func TestBridgeDrivesChip(t *testing.T) {
	chip := sim.New()
	fp := &fakePirate{chip: chip}
	d := mcp2515.New(newBridge(t, fp), mcp2515.WithModePollInterval(0))
	if err := d.Reset(); err != nil {
		t.Fatal(err)
	}
	if err := d.SetBitRate(125); err != nil {
		t.Fatal(err)
	}
	if err := d.SetMode(mcp2515.ModeLoopback); err != nil {
		t.Fatal(err)
	}
	f := mcp2515.Frame{ID: 0x18DAF110, Type: mcp2515.Extended, Len: 3, Data: [8]byte{1, 2, 3}}
	if err := d.LoadTXBuffer(mcp2515.TX0, f); err != nil {
		t.Fatal(err)
	}
	if err := d.SendTXBuffer(mcp2515.TX0); err != nil {
		t.Fatal(err)
	}
	got, err := d.ReadRXBuffer(mcp2515.RX0)
	if err != nil {
		t.Fatal(err)
	}
	if got != f {
		t.Fatalf("got %+v want %+v", got, f)
	}
	// one write-then-read per driver transaction
	n := 0
	for _, c := range fp.cmds {
		if c == spiWriteRead {
			n++
		}
	}
	if n != len(chip.Log()) {
		t.Fatalf("%d bridge commands for %d chip transactions", n, len(chip.Log()))
	}
}

func TestBridgeNack(t *testing.T) {
	fp := &fakePirate{chip: sim.New()}
	b := newBridge(t, fp)
	fp.nackWR = true
	if err := b.Tx([]byte{0xA0}, make([]byte, 1)); !errors.Is(err, ErrNack) {
		t.Fatalf("expected ErrNack, got %v", err)
	}
}

func TestBridgeTooLong(t *testing.T) {
	b := newBridge(t, &fakePirate{chip: sim.New()})
	if err := b.Tx(make([]byte, maxTransfer+1), nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestSpeedCode(t *testing.T) {
	for hz, want := range map[uint32]byte{10_000_000: 6, 8_000_000: 6, 5_000_000: 5, 1_000_000: 3, 999_999: 2, 1: 0} {
		if got := speedCode(hz); got != want {
			t.Fatalf("speedCode(%d)=%d want %d", hz, got, want)
		}
	}
}

func TestOpenUsesPortHook(t *testing.T) {
	fp := &fakePirate{chip: sim.New()}
	old := openPort
	t.Cleanup(func() { openPort = old })
	var gotName string
	var gotBaud int
	openPort = func(name string, baud int, _ time.Duration) (Port, error) {
		gotName, gotBaud = name, baud
		return fp, nil
	}
	b, err := Open(Config{Device: "/dev/ttyUSB7"})
	if err != nil {
		t.Fatal(err)
	}
	if gotName != "/dev/ttyUSB7" || gotBaud != 115200 {
		t.Fatalf("opened %s @ %d", gotName, gotBaud)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if !fp.closed || fp.mode != 0 {
		t.Fatalf("close left adapter in mode %d (closed=%v)", fp.mode, fp.closed)
	}
}
