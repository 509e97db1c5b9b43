package cnl

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

func TestHandshakeLoopback(t *testing.T) {
	srv, cli := net.Pipe()
	defer srv.Close()
	defer cli.Close()

	done := make(chan error, 1)
	go func() { done <- Handshake(context.Background(), srv, 2*time.Second) }()
	if err := Handshake(context.Background(), cli, 2*time.Second); err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("server handshake: %v", err)
	}
}

func TestHandshakeBadHello(t *testing.T) {
	srv, cli := net.Pipe()
	defer srv.Close()
	defer cli.Close()
	go func() {
		buf := make([]byte, len(hello))
		_, _ = io.ReadFull(cli, buf)
		_, _ = io.WriteString(cli, "CANNELLONIv0")
	}()
	if err := Handshake(context.Background(), srv, time.Second); !errors.Is(err, ErrBadHello) {
		t.Fatalf("expected ErrBadHello, got %v", err)
	}
}

func TestHandshakeTimeout(t *testing.T) {
	srv, cli := net.Pipe()
	defer srv.Close()
	defer cli.Close()
	go func() { _, _ = io.Copy(io.Discard, cli) }()
	start := time.Now()
	err := Handshake(context.Background(), srv, 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("timeout not honoured: %s", time.Since(start))
	}
}
