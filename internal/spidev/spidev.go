package spidev

import "errors"

// MaxSpeedHz is the MCP2515's SPI clock limit.
const MaxSpeedHz = 10_000_000

var (
	// ErrUnsupported is returned on platforms without spidev.
	ErrUnsupported = errors.New("spidev: not supported on this platform")
	// ErrSpeed is returned for a clock of zero or above MaxSpeedHz.
	ErrSpeed = errors.New("spidev: invalid clock speed")
)
