package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-mcp2515/internal/can"
	"github.com/kstaniek/go-mcp2515/internal/cnl"
	"github.com/kstaniek/go-mcp2515/internal/hub"
	"github.com/kstaniek/go-mcp2515/internal/metrics"
	"github.com/kstaniek/go-mcp2515/internal/node"
)

// readBatch bounds how many frames one DecodeN call forwards before the
// reader checks for shutdown.
const readBatch = 16

// startReader launches the goroutine forwarding client frames to the sink.
func (s *Server) startReader(ctxDone <-chan struct{}, conn net.Conn, cl *hub.Client, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			_ = conn.Close()
			cl.Close()
		}()
		r := cnl.NewReader(conn)
		forward := func(fr can.Frame) {
			if s.frameFilter != nil && !s.frameFilter(&fr) {
				return
			}
			metrics.IncTCPRx()
			if s.Sink == nil {
				return
			}
			if err := s.Sink.SendFrame(fr); err != nil {
				if errors.Is(err, node.ErrTxOverflow) {
					s.stats.txOverflow.Add(1)
					logger.Debug("tx_overflow_drop", "can_id", fmt.Sprintf("0x%X", fr.CANID), "len", fr.Len)
					return
				}
				s.stats.txErrors.Add(1)
				logger.Warn("tx_rejected", "error", fmt.Errorf("%w: %v", ErrBackendTx, err), "can_id", fmt.Sprintf("0x%X", fr.CANID))
			}
		}
		for {
			if s.idleTimeout > 0 {
				_ = conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
			}
			_, err := s.Codec.DecodeN(r, readBatch, forward)
			if err != nil {
				var ne net.Error
				switch {
				case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				case errors.As(err, &ne) && ne.Timeout():
					logger.Info("client_idle_timeout", "idle", s.idleTimeout)
				default:
					s.setError(fmt.Errorf("%w: %v", ErrConnRead, err))
					logger.Warn("client_read_error", "error", err)
				}
				return
			}
			select {
			case <-ctxDone:
				return
			case <-cl.Closed:
				return
			default:
			}
		}
	}()
}

// startWriter launches the goroutine pushing hub frames to one client.
// Frames are batched and flushed when the batch fills or the flush
// interval ticks.
func (s *Server) startWriter(ctxDone <-chan struct{}, conn net.Conn, cl *hub.Client, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			_ = conn.Close()
			s.dropClient(cl)
			s.stats.disconnected.Add(1)
			logger.Info("client_disconnected")
		}()
		t := time.NewTicker(s.flushInterval)
		defer t.Stop()
		batch := make([]can.Frame, 0, s.batchSize)
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			n := len(batch)
			_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			_, err := s.Codec.EncodeTo(conn, batch)
			batch = batch[:0]
			if err != nil {
				wrap := fmt.Errorf("%w: %v", ErrConnWrite, err)
				s.setError(wrap)
				return wrap
			}
			metrics.AddTCPTx(n)
			return nil
		}
		for {
			select {
			case fr := <-cl.Out:
				batch = append(batch, fr)
				if len(batch) >= s.batchSize {
					if err := flush(); err != nil {
						logger.Warn("client_write_error", "error", err)
						return
					}
				}
			case <-t.C:
				if err := flush(); err != nil {
					logger.Warn("client_write_error", "error", err)
					return
				}
			case <-cl.Closed:
				_ = flush()
				return
			case <-ctxDone:
				_ = flush()
				return
			}
		}
	}()
}
