package mcp2515_test

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/kstaniek/go-mcp2515/internal/mcp2515"
	"github.com/kstaniek/go-mcp2515/internal/mcp2515/sim"
)

func newDev(t *testing.T, opts ...mcp2515.Option) (*mcp2515.Device, *sim.Chip) {
	t.Helper()
	chip := sim.New()
	opts = append([]mcp2515.Option{mcp2515.WithModePollInterval(0)}, opts...)
	return mcp2515.New(chip, opts...), chip
}

// failAfter passes n transactions through and fails every one after that.
type failAfter struct {
	bus mcp2515.Bus
	n   int
	err error
}

func (f *failAfter) Tx(w, r []byte) error {
	if f.n <= 0 {
		return f.err
	}
	f.n--
	return f.bus.Tx(w, r)
}

func countInstr(log []sim.Transaction, ins mcp2515.Instruction) int {
	n := 0
	for _, tr := range log {
		if tr.Instruction() == ins {
			n++
		}
	}
	return n
}

func TestReadWriteSingleTransaction(t *testing.T) {
	d, chip := newDev(t)
	if err := d.Write(mcp2515.CANINTE, 0x03); err != nil {
		t.Fatal(err)
	}
	v, err := d.Read(mcp2515.CANINTE)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0x03 {
		t.Fatalf("CANINTE=0x%02X", v)
	}
	log := chip.Log()
	if len(log) != 2 || chip.Deasserts() != 2 {
		t.Fatalf("expected 2 transactions, got %d (deasserts %d)", len(log), chip.Deasserts())
	}
	if !bytes.Equal(log[0].W, []byte{0x02, 0x2B, 0x03}) {
		t.Fatalf("write bytes % X", log[0].W)
	}
	if !bytes.Equal(log[1].W, []byte{0x03, 0x2B}) {
		t.Fatalf("read bytes % X", log[1].W)
	}
}

func TestModifyOnlyTouchesMask(t *testing.T) {
	d, chip := newDev(t)
	chip.SetReg(mcp2515.CANINTF, 0xFF)
	if err := d.ClearInterrupts(mcp2515.IntRX1 | mcp2515.IntTX0); err != nil {
		t.Fatal(err)
	}
	if got := chip.Reg(mcp2515.CANINTF); got != 0xF9 {
		t.Fatalf("CANINTF=0x%02X want 0xF9", got)
	}
}

func TestBusErrorIsWrapped(t *testing.T) {
	d, chip := newDev(t)
	chip.FailNext(io.ErrUnexpectedEOF)
	_, err := d.Read(mcp2515.CANSTAT)
	if !errors.Is(err, mcp2515.ErrBus) {
		t.Fatalf("expected ErrBus, got %v", err)
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("cause lost: %v", err)
	}
	if chip.Deasserts() != 1 {
		t.Fatalf("chip-select must be released on failure, deasserts=%d", chip.Deasserts())
	}
	// The failure is not retried.
	if len(chip.Log()) != 1 {
		t.Fatalf("expected one transaction, got %d", len(chip.Log()))
	}
}

func TestSetBitRate_WritesThreeRegisters(t *testing.T) {
	for _, kbps := range mcp2515.SupportedBitRates() {
		d, chip := newDev(t)
		if err := d.SetBitRate(kbps); err != nil {
			t.Fatalf("%d: %v", kbps, err)
		}
		log := chip.Log()
		if len(log) != 3 || countInstr(log, mcp2515.InstrWrite) != 3 {
			t.Fatalf("%d: expected exactly three writes, got %d transactions", kbps, len(log))
		}
		bt, _ := mcp2515.BitTimingFor(kbps)
		if chip.Reg(mcp2515.CNF1) != bt.CNF1 || chip.Reg(mcp2515.CNF2) != bt.CNF2 || chip.Reg(mcp2515.CNF3) != bt.CNF3 {
			t.Fatalf("%d: CNF mismatch %02X %02X %02X", kbps,
				chip.Reg(mcp2515.CNF1), chip.Reg(mcp2515.CNF2), chip.Reg(mcp2515.CNF3))
		}
	}
}

func TestSetBitRate_Presets(t *testing.T) {
	want := map[int][3]byte{
		5:    {0x3F, 0xBF, 0x07},
		125:  {0x03, 0xB8, 0x05},
		500:  {0x00, 0xB8, 0x05},
		1000: {0x80, 0x90, 0x02},
	}
	for kbps, w := range want {
		bt, err := mcp2515.BitTimingFor(kbps)
		if err != nil {
			t.Fatal(err)
		}
		if [3]byte{bt.CNF1, bt.CNF2, bt.CNF3} != w {
			t.Fatalf("%d: got %+v", kbps, bt)
		}
	}
	if n := len(mcp2515.SupportedBitRates()); n != 9 {
		t.Fatalf("expected 9 presets, got %d", n)
	}
}

func TestSetBitRate_UnsupportedNoTraffic(t *testing.T) {
	d, chip := newDev(t)
	for _, kbps := range []int{800, 0, -1, 333} {
		err := d.SetBitRate(kbps)
		if !errors.Is(err, mcp2515.ErrUnsupportedBitRate) {
			t.Fatalf("%d: expected ErrUnsupportedBitRate, got %v", kbps, err)
		}
	}
	if n := len(chip.Log()); n != 0 {
		t.Fatalf("unsupported rate caused %d transactions", n)
	}
}

func TestSetMode_ConfirmedWithinBudget(t *testing.T) {
	d, chip := newDev(t, mcp2515.WithModePollBudget(10))
	chip.ModeDelay = 3
	if err := d.SetMode(mcp2515.ModeNormal); err != nil {
		t.Fatal(err)
	}
	log := chip.Log()
	if countInstr(log, mcp2515.InstrBitModify) != 1 {
		t.Fatalf("expected one bit-modify")
	}
	if !bytes.Equal(log[0].W, []byte{0x05, 0x0F, 0xE0, 0x00}) {
		t.Fatalf("REQOP request % X", log[0].W)
	}
	if n := countInstr(log, mcp2515.InstrRead); n != 4 {
		t.Fatalf("expected 4 CANSTAT polls, got %d", n)
	}
	st := d.LastMode()
	if !st.Valid || st.Mode != mcp2515.ModeNormal || st.ConfirmedAt.IsZero() {
		t.Fatalf("mirror %+v", st)
	}
}

func TestSetMode_BudgetBoundary(t *testing.T) {
	const budget = 5
	for delay := 0; delay <= budget+1; delay++ {
		d, chip := newDev(t, mcp2515.WithModePollBudget(budget))
		chip.ModeDelay = delay
		err := d.SetMode(mcp2515.ModeLoopback)
		polls := countInstr(chip.Log(), mcp2515.InstrRead)
		if delay < budget {
			if err != nil {
				t.Fatalf("delay %d: %v", delay, err)
			}
			if polls != delay+1 {
				t.Fatalf("delay %d: %d polls", delay, polls)
			}
			continue
		}
		if !errors.Is(err, mcp2515.ErrModeNotConfirmed) {
			t.Fatalf("delay %d: expected ErrModeNotConfirmed, got %v", delay, err)
		}
		if errors.Is(err, mcp2515.ErrBus) {
			t.Fatalf("delay %d: timeout must not look like a bus error", delay)
		}
		if polls != budget {
			t.Fatalf("delay %d: polled %d times, budget %d", delay, polls, budget)
		}
		st := d.LastMode()
		if st.Mode == mcp2515.ModeLoopback {
			t.Fatalf("delay %d: mirror claims unconfirmed mode", delay)
		}
		if !st.Valid || st.Mode != mcp2515.ModeConfiguration {
			t.Fatalf("delay %d: mirror should hold last observed mode, got %+v", delay, st)
		}
	}
}

func TestSetMode_BusErrorStopsPolling(t *testing.T) {
	chip := sim.New()
	bus := &failAfter{bus: chip, n: 1, err: io.ErrClosedPipe}
	d := mcp2515.New(bus, mcp2515.WithModePollInterval(0))
	err := d.SetMode(mcp2515.ModeNormal)
	if !errors.Is(err, mcp2515.ErrBus) || errors.Is(err, mcp2515.ErrModeNotConfirmed) {
		t.Fatalf("expected bus error, got %v", err)
	}
	if len(chip.Log()) != 1 {
		t.Fatalf("only the request should have reached the chip, got %d", len(chip.Log()))
	}
	if d.LastMode().Valid {
		t.Fatalf("mirror must stay invalid without a CANSTAT read")
	}
}

func TestReset_InvalidatesMirror(t *testing.T) {
	d, _ := newDev(t)
	if err := d.SetMode(mcp2515.ModeNormal); err != nil {
		t.Fatal(err)
	}
	if !d.LastMode().Valid {
		t.Fatal("expected valid mirror")
	}
	if err := d.Reset(); err != nil {
		t.Fatal(err)
	}
	if d.LastMode().Valid {
		t.Fatal("reset must invalidate the mirror")
	}
	m, err := d.Mode()
	if err != nil {
		t.Fatal(err)
	}
	if m != mcp2515.ModeConfiguration || !d.LastMode().Valid {
		t.Fatalf("after reset: %v %+v", m, d.LastMode())
	}
}

func TestSetMode_Invalid(t *testing.T) {
	d, chip := newDev(t)
	if err := d.SetMode(mcp2515.Mode(9)); err == nil {
		t.Fatal("expected error")
	}
	if len(chip.Log()) != 0 {
		t.Fatal("invalid mode must not touch the bus")
	}
}

func TestParseMode(t *testing.T) {
	for _, m := range []mcp2515.Mode{mcp2515.ModeConfiguration, mcp2515.ModeNormal, mcp2515.ModeListen, mcp2515.ModeSleep, mcp2515.ModeLoopback} {
		got, err := mcp2515.ParseMode(m.String())
		if err != nil || got != m {
			t.Fatalf("ParseMode(%q) = %v, %v", m.String(), got, err)
		}
	}
	if _, err := mcp2515.ParseMode("turbo"); err == nil {
		t.Fatal("expected error")
	}
}

func TestLoadAndSendTX0(t *testing.T) {
	d, chip := newDev(t)
	f := mcp2515.Frame{ID: 0x123, Type: mcp2515.Standard, Len: 2, Data: [8]byte{0xAA, 0xBB}}
	if err := d.LoadTXBuffer(mcp2515.TX0, f); err != nil {
		t.Fatal(err)
	}
	if err := d.SendTXBuffer(mcp2515.TX0); err != nil {
		t.Fatal(err)
	}
	log := chip.Log()
	if len(log) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(log))
	}
	want := []byte{0x02, 0x31, 0x24, 0x60, 0x00, 0x00, 0x02, 0xAA, 0xBB}
	if !bytes.Equal(log[0].W, want) {
		t.Fatalf("load bytes\n got  % X\n want % X", log[0].W, want)
	}
	if !bytes.Equal(log[1].W, []byte{0x81}) {
		t.Fatalf("rts bytes % X", log[1].W)
	}
	sent := chip.Sent()
	if len(sent) != 1 || sent[0] != f {
		t.Fatalf("sent %+v", sent)
	}
	if chip.Reg(mcp2515.CANINTF)&mcp2515.IntTX0 == 0 {
		t.Fatal("TX0IF not set")
	}
}

func TestLoadRemoteWritesNoData(t *testing.T) {
	d, chip := newDev(t)
	f := mcp2515.Frame{ID: 0x18DAF110, Type: mcp2515.ExtendedRemote, Len: 8, Data: [8]byte{1, 2, 3}}
	if err := d.LoadTXBuffer(mcp2515.TX2, f); err != nil {
		t.Fatal(err)
	}
	w := chip.Log()[0].W
	if len(w) != 7 || w[1] != byte(mcp2515.TXB2SIDH) || w[6] != 0x48 {
		t.Fatalf("remote load % X", w)
	}
}

func TestLoadTXBufferFast(t *testing.T) {
	d, chip := newDev(t)
	f := mcp2515.Frame{ID: 0x7FF, Type: mcp2515.Standard, Len: 1, Data: [8]byte{0x42}}
	if err := d.LoadTXBufferFast(mcp2515.TX1, f); err != nil {
		t.Fatal(err)
	}
	if err := d.SendTXBuffer(mcp2515.TX1); err != nil {
		t.Fatal(err)
	}
	log := chip.Log()
	if !bytes.Equal(log[0].W, []byte{0x42, 0xFF, 0xE0, 0, 0, 0x01, 0x42}) {
		t.Fatalf("fast load % X", log[0].W)
	}
	if !bytes.Equal(log[1].W, []byte{0x82}) {
		t.Fatalf("rts % X", log[1].W)
	}
	if s := chip.Sent(); len(s) != 1 || s[0] != f {
		t.Fatalf("sent %+v", s)
	}
}

func TestInvalidSlotNoTraffic(t *testing.T) {
	d, chip := newDev(t)
	f := mcp2515.Frame{ID: 1}
	if err := d.LoadTXBuffer(mcp2515.TXSlot(3), f); !errors.Is(err, mcp2515.ErrInvalidSlot) {
		t.Fatalf("load: %v", err)
	}
	if err := d.SendTXBuffer(mcp2515.TXSlot(7)); !errors.Is(err, mcp2515.ErrInvalidSlot) {
		t.Fatalf("send: %v", err)
	}
	if _, err := d.ReadRXBuffer(mcp2515.RXSlot(2)); !errors.Is(err, mcp2515.ErrInvalidSlot) {
		t.Fatalf("read: %v", err)
	}
	if err := d.LoadTXBuffer(mcp2515.TX0, mcp2515.Frame{ID: 0x800}); !errors.Is(err, mcp2515.ErrInvalidID) {
		t.Fatalf("bad id: %v", err)
	}
	if err := d.MultiWrite(mcp2515.TXB0SIDH, [4]byte{}, make([]byte, 9), 9); !errors.Is(err, mcp2515.ErrInvalidLength) {
		t.Fatalf("multi-write: %v", err)
	}
	if n := len(chip.Log()); n != 0 {
		t.Fatalf("rejected calls caused %d transactions", n)
	}
}

func TestReadRXBuffer_RX1ClearsOnlyItsFlag(t *testing.T) {
	d, chip := newDev(t)
	a := mcp2515.Frame{ID: 0x100, Type: mcp2515.Standard, Len: 1, Data: [8]byte{1}}
	b := mcp2515.Frame{ID: 0x1ABCDE, Type: mcp2515.Extended, Len: 8, Data: [8]byte{1, 2, 3, 4, 5, 6, 7, 8}}
	for _, f := range []mcp2515.Frame{a, b} {
		if ok, err := chip.Inject(f); err != nil || !ok {
			t.Fatalf("inject: %v %v", ok, err)
		}
	}
	chip.ClearLog()
	got, err := d.ReadRXBuffer(mcp2515.RX1)
	if err != nil {
		t.Fatal(err)
	}
	if got != b {
		t.Fatalf("got %+v want %+v", got, b)
	}
	log := chip.Log()
	if len(log) != 1 || !bytes.Equal(log[0].W, []byte{0x94}) || len(log[0].R) != mcp2515.BlockLen {
		t.Fatalf("unexpected transactions %+v", log)
	}
	if chip.Deasserts() != 1 {
		t.Fatalf("deasserts %d", chip.Deasserts())
	}
	intf := chip.Reg(mcp2515.CANINTF)
	if intf&mcp2515.IntRX1 != 0 || intf&mcp2515.IntRX0 == 0 {
		t.Fatalf("CANINTF=0x%02X", intf)
	}
}

func TestRXStatus(t *testing.T) {
	d, chip := newDev(t)
	st, err := d.RXStatus()
	if err != nil {
		t.Fatal(err)
	}
	if st.Pending(mcp2515.RX0) || st.Pending(mcp2515.RX1) {
		t.Fatalf("idle status 0x%02X", byte(st))
	}
	_, _ = chip.Inject(mcp2515.Frame{ID: 0x55, Type: mcp2515.ExtendedRemote, Len: 2})
	st, err = d.RXStatus()
	if err != nil {
		t.Fatal(err)
	}
	if !st.Pending(mcp2515.RX0) || st.Pending(mcp2515.RX1) || !st.Extended() || !st.Remote() {
		t.Fatalf("status 0x%02X", byte(st))
	}
	f, err := d.ReadRXBuffer(mcp2515.RX0)
	if err != nil {
		t.Fatal(err)
	}
	if f.Type != mcp2515.ExtendedRemote || f.Len != 2 || f.ID != 0x55 {
		t.Fatalf("frame %+v", f)
	}
}

func TestReadStatus(t *testing.T) {
	d, chip := newDev(t)
	chip.HoldTX = true
	if err := d.LoadTXBuffer(mcp2515.TX1, mcp2515.Frame{ID: 1}); err != nil {
		t.Fatal(err)
	}
	if err := d.SendTXBuffer(mcp2515.TX1); err != nil {
		t.Fatal(err)
	}
	st, err := d.ReadStatus()
	if err != nil {
		t.Fatal(err)
	}
	if !st.TXRequested(mcp2515.TX1) || st.TXRequested(mcp2515.TX0) || st.TXRequested(mcp2515.TX2) {
		t.Fatalf("status 0x%02X", byte(st))
	}
	if st.TXDone(mcp2515.TX1) {
		t.Fatalf("held slot reported done")
	}
}

func TestLoopbackRoundTrip(t *testing.T) {
	d, _ := newDev(t)
	if err := d.Reset(); err != nil {
		t.Fatal(err)
	}
	if err := d.SetBitRate(500); err != nil {
		t.Fatal(err)
	}
	if err := d.SetMode(mcp2515.ModeLoopback); err != nil {
		t.Fatal(err)
	}
	frames := []mcp2515.Frame{
		{ID: 0x7FF, Type: mcp2515.Standard, Len: 8, Data: [8]byte{8, 7, 6, 5, 4, 3, 2, 1}},
		{ID: 0x1FFFFFFF, Type: mcp2515.Extended},
		{ID: 0x321, Type: mcp2515.StandardRemote, Len: 4},
		{ID: 0x40000, Type: mcp2515.ExtendedRemote, Len: 1},
	}
	for _, f := range frames {
		if err := d.LoadTXBuffer(mcp2515.TX0, f); err != nil {
			t.Fatal(err)
		}
		if err := d.SendTXBuffer(mcp2515.TX0); err != nil {
			t.Fatal(err)
		}
		st, err := d.RXStatus()
		if err != nil {
			t.Fatal(err)
		}
		if !st.Pending(mcp2515.RX0) {
			t.Fatalf("%v: not received", f)
		}
		if st.Extended() != f.Type.IsExtended() || st.Remote() != f.Type.IsRemote() {
			t.Fatalf("%v: rx status 0x%02X", f, byte(st))
		}
		got, err := d.ReadRXBuffer(mcp2515.RX0)
		if err != nil {
			t.Fatal(err)
		}
		if got != f {
			t.Fatalf("loopback mismatch\n got  %+v\n want %+v", got, f)
		}
	}
}

func TestFiltersAndMasks(t *testing.T) {
	d, chip := newDev(t)
	if err := d.SetFilter(2, 0x18DAF110, true); err != nil {
		t.Fatal(err)
	}
	if err := d.SetFilter(5, 0x7E8, false); err != nil {
		t.Fatal(err)
	}
	id, ext, err := d.Filter(2)
	if err != nil || id != 0x18DAF110 || !ext {
		t.Fatalf("filter 2: %X %v %v", id, ext, err)
	}
	id, ext, err = d.Filter(5)
	if err != nil || id != 0x7E8 || ext {
		t.Fatalf("filter 5: %X %v %v", id, ext, err)
	}
	if err := d.SetMask(1, 0x7FF, false); err != nil {
		t.Fatal(err)
	}
	if chip.Reg(mcp2515.RXM1SIDH) != 0xFF {
		t.Fatalf("mask SIDH 0x%02X", chip.Reg(mcp2515.RXM1SIDH))
	}
	chip.ClearLog()
	if err := d.SetFilter(6, 0, false); !errors.Is(err, mcp2515.ErrInvalidFilter) {
		t.Fatalf("filter 6: %v", err)
	}
	if err := d.SetMask(2, 0, false); !errors.Is(err, mcp2515.ErrInvalidFilter) {
		t.Fatalf("mask 2: %v", err)
	}
	if len(chip.Log()) != 0 {
		t.Fatal("invalid index touched the bus")
	}
}

func TestSetReceiveMode(t *testing.T) {
	d, chip := newDev(t)
	if err := d.SetReceiveMode(mcp2515.RX0, mcp2515.RXAny, true); err != nil {
		t.Fatal(err)
	}
	if got := chip.Reg(mcp2515.RXB0CTRL); got != 0x64 {
		t.Fatalf("RXB0CTRL=0x%02X", got)
	}
	if err := d.SetReceiveMode(mcp2515.RX1, mcp2515.RXAny, true); err != nil {
		t.Fatal(err)
	}
	if got := chip.Reg(mcp2515.RXB1CTRL); got != 0x60 {
		t.Fatalf("RXB1CTRL=0x%02X (rollover only exists on RXB0)", got)
	}
}

func TestOverflowAndErrorCounters(t *testing.T) {
	d, chip := newDev(t)
	for i := 0; i < 2; i++ {
		if ok, _ := chip.Inject(mcp2515.Frame{ID: uint32(i)}); !ok {
			t.Fatalf("frame %d dropped", i)
		}
	}
	if ok, _ := chip.Inject(mcp2515.Frame{ID: 3}); ok {
		t.Fatal("third frame should overflow")
	}
	fl, err := d.ErrorFlags()
	if err != nil {
		t.Fatal(err)
	}
	if fl&0x40 == 0 {
		t.Fatalf("EFLG=0x%02X", fl)
	}
	chip.SetReg(mcp2515.TEC, 5)
	chip.SetReg(mcp2515.REC, 130)
	chip.ClearLog()
	tec, rec, err := d.ErrorCounters()
	if err != nil || tec != 5 || rec != 130 {
		t.Fatalf("tec=%d rec=%d err=%v", tec, rec, err)
	}
	if len(chip.Log()) != 1 {
		t.Fatal("counters should be one burst read")
	}
}

func TestRegisterHelpers(t *testing.T) {
	if !mcp2515.CANCTRL.BitModifiable() || mcp2515.CANSTAT.BitModifiable() || mcp2515.TXB0SIDH.BitModifiable() {
		t.Fatal("BitModifiable")
	}
	if mcp2515.CNF1.Name() != "CNF1" || mcp2515.RXB0D0.Name() != "" {
		t.Fatal("Name")
	}
}
