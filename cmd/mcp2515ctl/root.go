package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kstaniek/go-mcp2515/internal/hostbus"
	"github.com/kstaniek/go-mcp2515/internal/logging"
	"github.com/kstaniek/go-mcp2515/internal/mcp2515"
	"github.com/kstaniek/go-mcp2515/internal/node"
)

// openBus is replaced in tests.
var openBus = hostbus.Open

type rootOptions struct {
	bus      hostbus.Config
	spiSpeed uint
	logLevel string
}

// session is one opened controller.
type session struct {
	h    *hostbus.Handle
	dev  *mcp2515.Device
	node *node.Node
}

func (s *session) Close() error { return s.h.Close() }

func (o *rootOptions) open() (*session, error) {
	cfg := o.bus
	cfg.SPISpeedHz = uint32(o.spiSpeed)
	h, err := openBus(cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s bus: %w", cfg.Kind, err)
	}
	dev := mcp2515.New(h.Bus, mcp2515.WithLogger(logging.L()))
	return &session{h: h, dev: dev, node: node.New(dev)}, nil
}

// withSession opens the controller around fn.
func (o *rootOptions) withSession(fn func(*cobra.Command, []string, *session) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		s, err := o.open()
		if err != nil {
			return err
		}
		defer s.Close()
		return fn(cmd, args, s)
	}
}

func newRootCmd() *cobra.Command {
	o := &rootOptions{}
	root := &cobra.Command{
		Use:          "mcp2515ctl",
		Short:        "MCP2515 bring-up tool",
		Long:         "Drive an MCP2515 CAN controller over spidev or a Bus Pirate: reset it, set bit rate and mode, send and receive frames, dump registers.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logging.Setup("mcp2515ctl", "text", o.logLevel, os.Stderr)
			return nil
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&o.bus.Kind, "bus", hostbus.KindSpidev, "host bus: "+strings.Join(hostbus.Kinds, "|"))
	pf.StringVar(&o.bus.SPIDevice, "spi-dev", "/dev/spidev0.0", "spidev node")
	pf.UintVar(&o.spiSpeed, "spi-speed", 1_000_000, "SPI clock in Hz")
	pf.StringVarP(&o.bus.SerialDevice, "port", "p", "/dev/ttyUSB0", "Bus Pirate serial device")
	pf.IntVarP(&o.bus.SerialBaud, "baudrate", "b", 115200, "Bus Pirate baud rate")
	pf.IntVar(&o.bus.ResetGPIO, "reset-gpio", -1, "sysfs GPIO wired to RESET (-1 disables)")
	pf.StringVar(&o.logLevel, "log-level", "warn", "log level: debug|info|warn|error")

	root.AddCommand(
		newResetCmd(o),
		newInitCmd(o),
		newModeCmd(o),
		newBitrateCmd(o),
		newSendCmd(o),
		newRecvCmd(o),
		newStatusCmd(o),
		newRegsCmd(o),
	)
	return root
}
