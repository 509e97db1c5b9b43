// Package serial bridges the MCP2515 SPI bus through a Bus Pirate attached
// to a UART, using its binary SPI mode. Each Tx maps to one write-then-read
// command, which the Bus Pirate brackets with chip-select itself.
package serial

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-mcp2515/internal/logging"
)

// Binary mode protocol bytes.
const (
	bbioEnter     = 0x00
	bbioSPI       = 0x01
	bbioReset     = 0x0F
	spiWriteRead  = 0x04
	spiSpeed      = 0x60 // | speed code
	spiPeriph     = 0x40 // | power, pullups, aux, cs
	spiConfig     = 0x80 // | output, ckp, cke, smp
	periphPowerCS = 0x09 // power on, CS idle high
	cfgMode0      = 0x0A // 3.3V push-pull, CKP=0, CKE=1, SMP=0
	ack           = 0x01

	enterAttempts = 20
	maxTransfer   = 4096
)

var (
	bbioBanner = []byte("BBIO1")
	spiBanner  = []byte("SPI1")
)

var (
	// ErrNoBinaryMode is returned when the adapter never answers with BBIO1.
	ErrNoBinaryMode = errors.New("buspirate: binary mode not entered")
	// ErrNack is returned when a command is answered with anything but 0x01.
	ErrNack = errors.New("buspirate: command rejected")
	// ErrTimeout is returned when the adapter stops answering mid-reply.
	ErrTimeout = errors.New("buspirate: read timeout")
)

// SPI clock settings of the binary SPI mode.
var speedCodes = []struct {
	hz   uint32
	code byte
}{
	{8_000_000, 6}, {4_000_000, 5}, {2_600_000, 4}, {1_000_000, 3},
	{250_000, 2}, {125_000, 1}, {30_000, 0},
}

// speedCode picks the fastest setting not above hz.
func speedCode(hz uint32) byte {
	for _, s := range speedCodes {
		if hz >= s.hz {
			return s.code
		}
	}
	return 0
}

// Config selects the UART and SPI clock.
type Config struct {
	Device      string
	Baud        int           // default 115200
	SpeedHz     uint32        // default 1 MHz
	ReplyWait   time.Duration // per-reply timeout, default 500ms
	ReadTimeout time.Duration // tarm/serial read timeout, default 20ms
}

// Bridge is an mcp2515.Bus over a Bus Pirate. Tx calls are serialized.
type Bridge struct {
	mu     sync.Mutex
	port   Port
	wait   time.Duration
	logger *slog.Logger
	cmd    []byte
}

// Open opens the UART, enters binary SPI mode and configures mode 0.
func Open(cfg Config) (*Bridge, error) {
	if cfg.Baud <= 0 {
		cfg.Baud = 115200
	}
	if cfg.SpeedHz == 0 {
		cfg.SpeedHz = 1_000_000
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 20 * time.Millisecond
	}
	p, err := openPort(cfg.Device, cfg.Baud, cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Device, err)
	}
	b, err := NewBridge(p, cfg.SpeedHz, cfg.ReplyWait)
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	return b, nil
}

// NewBridge runs the binary mode setup on an already open port.
func NewBridge(p Port, speedHz uint32, wait time.Duration) (*Bridge, error) {
	if wait <= 0 {
		wait = 500 * time.Millisecond
	}
	b := &Bridge{port: p, wait: wait, logger: logging.L()}
	if err := b.enterBinary(); err != nil {
		return nil, err
	}
	if err := b.expect([]byte{bbioSPI}, spiBanner); err != nil {
		return nil, fmt.Errorf("enter SPI mode: %w", err)
	}
	code := speedCode(speedHz)
	for _, c := range []byte{spiSpeed | code, spiConfig | cfgMode0, spiPeriph | periphPowerCS} {
		if err := b.command(c); err != nil {
			return nil, fmt.Errorf("configure 0x%02X: %w", c, err)
		}
	}
	b.logger.Debug("buspirate_ready", "speed_code", code)
	return b, nil
}

func (b *Bridge) enterBinary() error {
	var seen []byte
	buf := make([]byte, 16)
	for i := 0; i < enterAttempts; i++ {
		if _, err := b.port.Write([]byte{bbioEnter}); err != nil {
			return fmt.Errorf("enter binary mode: %w", err)
		}
		n, err := b.readSome(buf, 10*time.Millisecond)
		if err != nil && !errors.Is(err, ErrTimeout) {
			return fmt.Errorf("enter binary mode: %w", err)
		}
		seen = append(seen, buf[:n]...)
		if bytes.Contains(seen, bbioBanner) {
			return nil
		}
	}
	return ErrNoBinaryMode
}

// readSome returns whatever arrives within d (at least one byte, or
// ErrTimeout).
func (b *Bridge) readSome(p []byte, d time.Duration) (int, error) {
	deadline := time.Now().Add(d)
	for {
		n, err := b.port.Read(p)
		if n > 0 {
			return n, nil
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
		if time.Now().After(deadline) {
			return 0, ErrTimeout
		}
	}
}

// readExact fills p or fails with ErrTimeout once the reply wait elapses.
func (b *Bridge) readExact(p []byte) error {
	got := 0
	for got < len(p) {
		n, err := b.readSome(p[got:], b.wait)
		if err != nil {
			return err
		}
		got += n
	}
	return nil
}

func (b *Bridge) expect(cmd, reply []byte) error {
	if _, err := b.port.Write(cmd); err != nil {
		return err
	}
	got := make([]byte, len(reply))
	if err := b.readExact(got); err != nil {
		return err
	}
	if !bytes.Equal(got, reply) {
		return fmt.Errorf("%w: got %q want %q", ErrNack, got, reply)
	}
	return nil
}

func (b *Bridge) command(c byte) error { return b.expect([]byte{c}, []byte{ack}) }

// Tx implements mcp2515.Bus with the write-then-read command:
// 0x04, write length, read length (both big-endian u16), then w. The
// adapter answers 0x01 followed by len(r) bytes.
func (b *Bridge) Tx(w, r []byte) error {
	if len(w) > maxTransfer || len(r) > maxTransfer {
		return fmt.Errorf("buspirate: transfer too long (%d/%d)", len(w), len(r))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	cmd := append(b.cmd[:0], spiWriteRead,
		byte(len(w)>>8), byte(len(w)), byte(len(r)>>8), byte(len(r)))
	cmd = append(cmd, w...)
	b.cmd = cmd
	if _, err := b.port.Write(cmd); err != nil {
		return err
	}
	var st [1]byte
	if err := b.readExact(st[:]); err != nil {
		return err
	}
	if st[0] != ack {
		return fmt.Errorf("%w: write-then-read status 0x%02X", ErrNack, st[0])
	}
	if len(r) == 0 {
		return nil
	}
	return b.readExact(r)
}

// Close returns the adapter to its terminal and closes the port.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, _ = b.port.Write([]byte{bbioEnter, bbioReset})
	return b.port.Close()
}
