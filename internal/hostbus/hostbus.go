// Package hostbus opens the SPI link to an MCP2515 as configured: a Linux
// spidev node, a Bus Pirate on a UART, or the in-memory simulator.
package hostbus

import (
	"errors"
	"fmt"
	"time"

	"github.com/kstaniek/go-mcp2515/internal/gpio"
	"github.com/kstaniek/go-mcp2515/internal/mcp2515"
	"github.com/kstaniek/go-mcp2515/internal/mcp2515/sim"
	"github.com/kstaniek/go-mcp2515/internal/serial"
	"github.com/kstaniek/go-mcp2515/internal/spidev"
)

const (
	KindSpidev    = "spidev"
	KindBusPirate = "buspirate"
	KindSim       = "sim"
)

// Kinds lists accepted Config.Kind values.
var Kinds = []string{KindSpidev, KindBusPirate, KindSim}

// Config selects and parameterizes the host bus.
type Config struct {
	Kind         string
	SPIDevice    string // spidev node, e.g. /dev/spidev0.0
	SPISpeedHz   uint32
	SerialDevice string // Bus Pirate UART
	SerialBaud   int
	ResetGPIO    int // sysfs line wired to RESET; negative disables
}

// Validate checks values without touching hardware.
func (c Config) Validate() error {
	switch c.Kind {
	case KindSpidev:
		if c.SPIDevice == "" {
			return errors.New("spidev device path required")
		}
	case KindBusPirate:
		if c.SerialDevice == "" {
			return errors.New("serial device path required")
		}
		if c.SerialBaud < 0 {
			return fmt.Errorf("invalid serial baud %d", c.SerialBaud)
		}
	case KindSim:
	default:
		return fmt.Errorf("invalid bus kind %q", c.Kind)
	}
	if c.SPISpeedHz > spidev.MaxSpeedHz {
		return fmt.Errorf("spi speed %d Hz exceeds %d", c.SPISpeedHz, spidev.MaxSpeedHz)
	}
	return nil
}

// ResetLine pulses the chip's RESET pin low.
type ResetLine interface {
	Pulse(d time.Duration) error
}

// Handle is an open bus plus its optional reset line.
type Handle struct {
	Bus   mcp2515.Bus
	Reset ResetLine // nil when not configured
	// Chip is set for KindSim so callers can inject traffic.
	Chip *sim.Chip

	closers []func() error
}

// Close releases everything Open acquired, last first.
func (h *Handle) Close() error {
	var errs []error
	for i := len(h.closers) - 1; i >= 0; i-- {
		if err := h.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	h.closers = nil
	return errors.Join(errs...)
}

// Package-level openers are replaced in tests.
var (
	openSpidev = func(path string, hz uint32) (mcp2515.Bus, func() error, error) {
		d, err := spidev.Open(path, hz)
		if err != nil {
			return nil, nil, err
		}
		return d, d.Close, nil
	}
	openBusPirate = func(cfg serial.Config) (mcp2515.Bus, func() error, error) {
		b, err := serial.Open(cfg)
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	}
	openGPIO = func(n int) (ResetLine, func() error, error) {
		l, err := gpio.Open(n)
		if err != nil {
			return nil, nil, err
		}
		return l, l.Close, nil
	}
)

// Open validates cfg and opens the bus.
func Open(cfg Config) (*Handle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	h := &Handle{}
	switch cfg.Kind {
	case KindSpidev:
		hz := cfg.SPISpeedHz
		if hz == 0 {
			hz = 1_000_000
		}
		b, closeFn, err := openSpidev(cfg.SPIDevice, hz)
		if err != nil {
			return nil, err
		}
		h.Bus = b
		h.closers = append(h.closers, closeFn)
	case KindBusPirate:
		b, closeFn, err := openBusPirate(serial.Config{
			Device:  cfg.SerialDevice,
			Baud:    cfg.SerialBaud,
			SpeedHz: cfg.SPISpeedHz,
		})
		if err != nil {
			return nil, err
		}
		h.Bus = b
		h.closers = append(h.closers, closeFn)
	case KindSim:
		h.Chip = sim.New()
		h.Bus = h.Chip
	}
	if cfg.ResetGPIO >= 0 && cfg.Kind != KindSim {
		l, closeFn, err := openGPIO(cfg.ResetGPIO)
		if err != nil {
			_ = h.Close()
			return nil, fmt.Errorf("reset line: %w", err)
		}
		h.Reset = l
		h.closers = append(h.closers, closeFn)
	}
	return h, nil
}
