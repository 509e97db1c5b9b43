package cnl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const hello = "CANNELLONIv1"

// ErrBadHello is returned when the peer greets with anything but the
// cannelloni hello.
var ErrBadHello = errors.New("cannelloni: bad hello")

// Handshake sends the hello and waits for the peer's, both under timeout.
// Both directions run at once so two peers using Handshake cannot deadlock
// on an unbuffered connection.
func Handshake(ctx context.Context, c net.Conn, timeout time.Duration) error {
	if err := c.SetDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	defer func() { _ = c.SetDeadline(time.Time{}) }()

	wr := make(chan error, 1)
	go func() {
		_, err := io.WriteString(c, hello)
		wr <- err
	}()
	rd := make(chan error, 1)
	go func() {
		var buf [len(hello)]byte
		if _, err := io.ReadFull(c, buf[:]); err != nil {
			rd <- err
			return
		}
		if string(buf[:]) != hello {
			rd <- fmt.Errorf("%w: %q", ErrBadHello, buf[:])
			return
		}
		rd <- nil
	}()

	for wr != nil || rd != nil {
		select {
		case <-ctx.Done():
			// unblock the pending goroutine
			_ = c.SetDeadline(time.Now())
			return ctx.Err()
		case err := <-wr:
			if err != nil {
				return fmt.Errorf("handshake write: %w", err)
			}
			wr = nil
		case err := <-rd:
			if err != nil {
				return fmt.Errorf("handshake read: %w", err)
			}
			rd = nil
		}
	}
	return nil
}
