package mcp2515

import "errors"

// Sentinel errors. Configuration failures (unsupported rate, mode not
// confirmed) are distinct from ErrBus so callers can retry I/O but not a
// request the chip can never satisfy.
var (
	ErrBus                = errors.New("mcp2515: bus transaction failed")
	ErrUnsupportedBitRate = errors.New("mcp2515: unsupported bit rate")
	ErrModeNotConfirmed   = errors.New("mcp2515: mode change not confirmed")
	ErrInvalidID          = errors.New("mcp2515: identifier out of range")
	ErrInvalidLength      = errors.New("mcp2515: invalid data length")
	ErrInvalidSlot        = errors.New("mcp2515: invalid buffer slot")
	ErrInvalidFilter      = errors.New("mcp2515: invalid filter or mask index")
	ErrShortBlock         = errors.New("mcp2515: register block too short")
)
