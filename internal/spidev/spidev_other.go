//go:build !linux

package spidev

// Device is unavailable off Linux.
type Device struct{}

func Open(path string, speedHz uint32) (*Device, error) { return nil, ErrUnsupported }

func (d *Device) Tx(w, r []byte) error { return ErrUnsupported }

func (d *Device) Close() error { return nil }
