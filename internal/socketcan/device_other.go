//go:build !linux

package socketcan

import "github.com/kstaniek/go-mcp2515/internal/can"

type Device struct{}

func Open(string) (*Device, error) { return nil, ErrUnsupported }

func (*Device) Close() error               { return nil }
func (*Device) ReadFrame(*can.Frame) error { return ErrUnsupported }
func (*Device) WriteFrame(can.Frame) error { return ErrUnsupported }
