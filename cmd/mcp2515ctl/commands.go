package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/kstaniek/go-mcp2515/internal/can"
	"github.com/kstaniek/go-mcp2515/internal/mcp2515"
	"github.com/kstaniek/go-mcp2515/internal/node"
)

func newResetCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Reset the controller (hardware pulse too, if --reset-gpio is set)",
		Args:  cobra.NoArgs,
		RunE: o.withSession(func(cmd *cobra.Command, _ []string, s *session) error {
			if s.h.Reset != nil {
				if err := s.h.Reset.Pulse(time.Millisecond); err != nil {
					return fmt.Errorf("hardware reset: %w", err)
				}
			}
			var m mcp2515.Mode
			err := s.node.Do(func(d *mcp2515.Device) error {
				if err := d.Reset(); err != nil {
					return err
				}
				time.Sleep(5 * time.Millisecond)
				var err error
				m, err = d.Mode()
				return err
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset, mode %s\n", m)
			return nil
		}),
	}
}

func newInitCmd(o *rootOptions) *cobra.Command {
	var bitrate int
	var mode string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Reset and configure the controller to receive everything",
		Args:  cobra.NoArgs,
		RunE: o.withSession(func(cmd *cobra.Command, _ []string, s *session) error {
			m, err := mcp2515.ParseMode(mode)
			if err != nil {
				return err
			}
			cfg := node.InitConfig{BitRate: bitrate, Mode: m}
			if s.h.Reset != nil {
				cfg.ResetLine = s.h.Reset
			}
			if err := s.node.Init(cmd.Context(), cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ready: %d kbit/s, mode %s\n", bitrate, m)
			return nil
		}),
	}
	cmd.Flags().IntVar(&bitrate, "bitrate", 500, "bit rate in kbit/s")
	cmd.Flags().StringVar(&mode, "mode", "normal", "mode to leave the controller in")
	return cmd
}

func newModeCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mode [configuration|normal|listen|loopback|sleep]",
		Short: "Show or change the operating mode",
		Args:  cobra.MaximumNArgs(1),
		RunE: o.withSession(func(cmd *cobra.Command, args []string, s *session) error {
			var m mcp2515.Mode
			err := s.node.Do(func(d *mcp2515.Device) error {
				if len(args) == 1 {
					want, err := mcp2515.ParseMode(args[0])
					if err != nil {
						return err
					}
					if err := d.SetMode(want); err != nil {
						return err
					}
				}
				var err error
				m, err = d.Mode()
				return err
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "mode %s\n", m)
			return nil
		}),
	}
}

func newBitrateCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "bitrate <kbps>",
		Short: "Program CNF1..CNF3 for a preset bit rate",
		Long:  fmt.Sprintf("Program CNF1..CNF3 for a preset bit rate (16 MHz crystal). Supported: %v kbit/s. The controller passes through configuration mode and returns to its previous mode.", mcp2515.SupportedBitRates()),
		Args:  cobra.ExactArgs(1),
		RunE: o.withSession(func(cmd *cobra.Command, args []string, s *session) error {
			kbps, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("bit rate %q: %w", args[0], err)
			}
			bt, err := mcp2515.BitTimingFor(kbps)
			if err != nil {
				return err
			}
			err = s.node.Do(func(d *mcp2515.Device) error {
				prev, err := d.Mode()
				if err != nil {
					return err
				}
				if err := d.SetMode(mcp2515.ModeConfiguration); err != nil {
					return err
				}
				if err := d.SetBitRate(kbps); err != nil {
					return err
				}
				if prev != mcp2515.ModeConfiguration {
					return d.SetMode(prev)
				}
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d kbit/s: CNF1=%02X CNF2=%02X CNF3=%02X\n", kbps, bt.CNF1, bt.CNF2, bt.CNF3)
			return nil
		}),
	}
}

func newSendCmd(o *rootOptions) *cobra.Command {
	var ext, rtr, fast bool
	var slot int
	cmd := &cobra.Command{
		Use:   "send <id>#<hex>",
		Short: "Transmit one frame (candump syntax, e.g. 123#DEADBEEF or 1ABCDEF0#R2)",
		Args:  cobra.ExactArgs(1),
		RunE: o.withSession(func(cmd *cobra.Command, args []string, s *session) error {
			if fast && slot < 0 {
				return errors.New("--fast needs --slot")
			}
			fr, err := can.Parse(args[0])
			if err != nil {
				return err
			}
			if ext {
				fr.CANID |= can.CAN_EFF_FLAG
			}
			if rtr {
				fr.CANID |= can.CAN_RTR_FLAG
			}
			if slot < 0 {
				if err := s.node.Send(fr); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "sent %s\n", fr)
				return nil
			}
			f, err := node.ToDriver(fr)
			if err != nil {
				return err
			}
			ts := mcp2515.TXSlot(slot)
			err = s.node.Do(func(d *mcp2515.Device) error {
				load := d.LoadTXBuffer
				if fast {
					load = d.LoadTXBufferFast
				}
				if err := load(ts, f); err != nil {
					return err
				}
				return d.SendTXBuffer(ts)
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s via %s\n", fr, ts)
			return nil
		}),
	}
	cmd.Flags().BoolVar(&ext, "ext", false, "force an extended identifier")
	cmd.Flags().BoolVar(&rtr, "rtr", false, "send a remote frame")
	cmd.Flags().IntVar(&slot, "slot", -1, "transmit buffer 0..2 (-1 picks a free one)")
	cmd.Flags().BoolVar(&fast, "fast", false, "load the buffer with LOAD TX BUFFER instead of WRITE (needs --slot)")
	return cmd
}

func newRecvCmd(o *rootOptions) *cobra.Command {
	var count int
	var interval, timeout time.Duration
	cmd := &cobra.Command{
		Use:   "recv",
		Short: "Print received frames until --count frames or --timeout",
		Args:  cobra.NoArgs,
		RunE: o.withSession(func(cmd *cobra.Command, _ []string, s *session) error {
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			out := cmd.OutOrStdout()
			got := 0
			for count <= 0 || got < count {
				n, err := s.node.Poll(func(fr can.Frame) {
					if count <= 0 || got < count {
						fmt.Fprintln(out, fr)
					}
					got++
				})
				if err != nil {
					return err
				}
				if n > 0 {
					continue
				}
				select {
				case <-ctx.Done():
					if timeout > 0 && count > 0 && got < count {
						return fmt.Errorf("received %d of %d frames", got, count)
					}
					return nil
				case <-time.After(interval):
				}
			}
			return nil
		}),
	}
	cmd.Flags().IntVarP(&count, "count", "n", 0, "stop after this many frames (0 = unlimited)")
	cmd.Flags().DurationVar(&interval, "interval", time.Millisecond, "idle poll interval")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up after this long (0 = until interrupted)")
	return cmd
}

func newStatusCmd(o *rootOptions) *cobra.Command {
	var ack bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show mode, error counters and buffer state",
		Long:  "Show mode, error counters and buffer state. The chip is only read unless --ack-overflow is given.",
		Args:  cobra.NoArgs,
		RunE: o.withSession(func(cmd *cobra.Command, _ []string, s *session) error {
			var (
				st       mcp2515.Status
				rx       mcp2515.RXStatus
				mode     mcp2515.Mode
				tec, rec byte
				eflg     byte
			)
			err := s.node.Do(func(d *mcp2515.Device) error {
				var err error
				if mode, err = d.Mode(); err != nil {
					return err
				}
				if tec, rec, err = d.ErrorCounters(); err != nil {
					return err
				}
				if eflg, err = d.ErrorFlags(); err != nil {
					return err
				}
				if st, err = d.ReadStatus(); err != nil {
					return err
				}
				rx, err = d.RXStatus()
				return err
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "mode %s\n", mode)
			fmt.Fprintf(out, "tec %d rec %d eflg %02X\n", tec, rec, eflg)
			for _, slot := range mcp2515.TXSlots {
				fmt.Fprintf(out, "%s pending=%t done=%t\n", slot, st.TXRequested(slot), st.TXDone(slot))
			}
			for _, slot := range mcp2515.RXSlots {
				fmt.Fprintf(out, "%s full=%t\n", slot, rx.Pending(slot))
			}
			if ack {
				h, err := s.node.Check()
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "acknowledged %d overflow(s)\n", h.RXOverflows)
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&ack, "ack-overflow", false, "clear RX0OVR/RX1OVR after reporting them")
	return cmd
}

func newRegsCmd(o *rootOptions) *cobra.Command {
	var named bool
	cmd := &cobra.Command{
		Use:   "regs",
		Short: "Dump the register file",
		Args:  cobra.NoArgs,
		RunE: o.withSession(func(cmd *cobra.Command, _ []string, s *session) error {
			var regs [128]byte
			if err := s.node.Do(func(d *mcp2515.Device) error { return d.ReadRegisters(0, regs[:]) }); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if named {
				for a := range regs {
					if name := mcp2515.Register(a).Name(); name != "" {
						fmt.Fprintf(out, "%-9s %02X: %02X\n", name, a, regs[a])
					}
				}
				return nil
			}
			for row := 0; row < len(regs); row += 16 {
				fmt.Fprintf(out, "%02X: % X\n", row, regs[row:row+16])
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&named, "named", false, "list named control registers instead of a hex grid")
	return cmd
}
