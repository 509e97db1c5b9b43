//go:build linux

// Package spidev drives an MCP2515 through the Linux spidev character
// device. Each Tx is a single SPI_IOC_MESSAGE(1) ioctl, so the kernel keeps
// chip-select asserted for the whole exchange.
package spidev

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// linux/spi/spidev.h
const (
	spiIOCMessage1   = 0x40206b00 // _IOW('k', 0, struct spi_ioc_transfer[1])
	spiIOCWrMode     = 0x40016b01
	spiIOCWrBits     = 0x40016b03
	spiIOCWrMaxSpeed = 0x40046b04
)

// spiIOCTransfer mirrors struct spi_ioc_transfer (32 bytes).
type spiIOCTransfer struct {
	txBuf       uint64
	rxBuf       uint64
	length      uint32
	speedHz     uint32
	delayUsecs  uint16
	bitsPerWord uint8
	csChange    uint8
	txNbits     uint8
	rxNbits     uint8
	wordDelay   uint8
	pad         uint8
}

// Device is an open spidev node. Tx calls are serialized.
type Device struct {
	mu      sync.Mutex
	fd      int
	path    string
	speedHz uint32
	buf     []byte
}

// Open opens path (e.g. /dev/spidev0.0) in SPI mode 0 with 8-bit words at
// speedHz. The MCP2515 accepts up to 10 MHz.
func Open(path string, speedHz uint32) (*Device, error) {
	if speedHz == 0 || speedHz > MaxSpeedHz {
		return nil, fmt.Errorf("%w: %d Hz", ErrSpeed, speedHz)
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	d := &Device{fd: fd, path: path, speedHz: speedHz}
	mode, bits := uint8(0), uint8(8)
	if err := d.ioctl(spiIOCWrMode, unsafe.Pointer(&mode)); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%s: set mode: %w", path, err)
	}
	if err := d.ioctl(spiIOCWrBits, unsafe.Pointer(&bits)); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%s: set bits: %w", path, err)
	}
	if err := d.ioctl(spiIOCWrMaxSpeed, unsafe.Pointer(&speedHz)); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%s: set speed: %w", path, err)
	}
	return d, nil
}

func (d *Device) ioctl(req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// Tx shifts out w followed by len(r) zero bytes in one full-duplex transfer
// and copies the bytes clocked in after w into r.
func (d *Device) Tx(w, r []byte) error {
	n := len(w) + len(r)
	if n == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if cap(d.buf) < 2*n {
		d.buf = make([]byte, 2*n)
	}
	tx, rx := d.buf[:n], d.buf[n:2*n]
	copy(tx, w)
	clear(tx[len(w):])
	xfer := spiIOCTransfer{
		txBuf:       uint64(uintptr(unsafe.Pointer(&tx[0]))),
		rxBuf:       uint64(uintptr(unsafe.Pointer(&rx[0]))),
		length:      uint32(n),
		speedHz:     d.speedHz,
		bitsPerWord: 8,
	}
	err := d.ioctl(spiIOCMessage1, unsafe.Pointer(&xfer))
	runtime.KeepAlive(tx)
	runtime.KeepAlive(rx)
	if err != nil {
		return fmt.Errorf("%s: transfer: %w", d.path, err)
	}
	copy(r, rx[len(w):])
	return nil
}

// Close releases the device.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}
