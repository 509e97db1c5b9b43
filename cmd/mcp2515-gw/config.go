package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"github.com/kstaniek/go-mcp2515/internal/hostbus"
	"github.com/kstaniek/go-mcp2515/internal/hub"
	"github.com/kstaniek/go-mcp2515/internal/logging"
	"github.com/kstaniek/go-mcp2515/internal/mcp2515"
)

const envPrefix = "MCP2515_GW_"

type appConfig struct {
	// host bus
	bus        string
	spiDev     string
	spiSpeed   uint
	serialDev  string
	serialBaud int
	resetGPIO  int

	// controller
	bitrate        int
	mode           string
	orderedTX      bool
	pollInterval   time.Duration
	healthInterval time.Duration
	txQueue        int

	// clients
	listenAddr   string
	hubBuffer    int
	hubPolicy    string
	maxClients   int
	handshakeTO  time.Duration
	clientIdleTO time.Duration
	mirrorIf     string
	mdnsEnable   bool
	mdnsName     string

	// ambient
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
}

// registerFlags binds every setting to fs. Flag names double as config file
// keys and, upper-cased with '-' turned into '_' behind envPrefix, as
// environment variable names.
func registerFlags(fs *flag.FlagSet, c *appConfig) {
	fs.StringVar(&c.bus, "bus", hostbus.KindSpidev, "Host bus: "+strings.Join(hostbus.Kinds, "|"))
	fs.StringVar(&c.spiDev, "spi-dev", "/dev/spidev0.0", "spidev node (--bus=spidev)")
	fs.UintVar(&c.spiSpeed, "spi-speed", 1_000_000, "SPI clock in Hz")
	fs.StringVar(&c.serialDev, "serial", "/dev/ttyUSB0", "Bus Pirate serial device (--bus=buspirate)")
	fs.IntVar(&c.serialBaud, "baud", 115200, "Bus Pirate serial baud rate")
	fs.IntVar(&c.resetGPIO, "reset-gpio", -1, "sysfs GPIO wired to the chip RESET pin (-1 disables)")
	fs.IntVar(&c.bitrate, "bitrate", 500, "CAN bit rate in kbit/s")
	fs.StringVar(&c.mode, "mode", "normal", "Operating mode after init: normal|listen|loopback|sleep|configuration")
	fs.BoolVar(&c.orderedTX, "ordered-tx", false, "Transmit through TXB0 only so frames leave in queue order")
	fs.DurationVar(&c.pollInterval, "poll-interval", time.Millisecond, "Idle wait between receive polls")
	fs.DurationVar(&c.healthInterval, "health-interval", 10*time.Second, "Controller error-state check interval (0 disables)")
	fs.IntVar(&c.txQueue, "tx-queue", 1024, "Transmit queue size (frames)")
	fs.StringVar(&c.listenAddr, "listen", ":20000", "TCP listen address")
	fs.IntVar(&c.hubBuffer, "hub-buffer", 512, "Per-client hub buffer (frames)")
	fs.StringVar(&c.hubPolicy, "hub-policy", "drop", "Backpressure policy: drop|kick")
	fs.IntVar(&c.maxClients, "max-clients", 0, "Maximum simultaneous TCP clients (0 = unlimited)")
	fs.DurationVar(&c.handshakeTO, "handshake-timeout", 3*time.Second, "Client handshake timeout")
	fs.DurationVar(&c.clientIdleTO, "client-idle-timeout", 0, "Disconnect clients silent this long (0 disables)")
	fs.StringVar(&c.mirrorIf, "mirror-if", "", "SocketCAN interface to mirror the bus onto (empty disables)")
	fs.BoolVar(&c.mdnsEnable, "mdns-enable", false, "Enable mDNS advertisement")
	fs.StringVar(&c.mdnsName, "mdns-name", "", "mDNS instance name (default mcp2515-gw-<hostname>)")
	fs.StringVar(&c.logFormat, "log-format", "text", "Log format: text|json")
	fs.StringVar(&c.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.StringVar(&c.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.DurationVar(&c.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters")
}

// parseConfig resolves settings from, in increasing precedence: defaults,
// the config file, MCP2515_GW_* environment variables, explicit flags.
func parseConfig(args []string, lookupEnv func(string) (string, bool), out io.Writer) (*appConfig, bool, error) {
	cfg := &appConfig{}
	fs := flag.NewFlagSet("mcp2515-gw", flag.ContinueOnError)
	fs.SetOutput(out)
	registerFlags(fs, cfg)
	configPath := fs.String("config", "", "INI config file; keys are flag names")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}
	if *showVersion {
		return nil, true, nil
	}
	set := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = struct{}{} })

	path := *configPath
	if _, ok := set["config"]; !ok {
		if v, ok := lookupEnv(envKey("config")); ok && strings.TrimSpace(v) != "" {
			path = strings.TrimSpace(v)
		}
	}
	if path != "" {
		if err := applyConfigFile(fs, path, set, lookupEnv); err != nil {
			return nil, false, err
		}
	}
	if err := applyEnvOverrides(fs, set, lookupEnv); err != nil {
		return nil, false, err
	}
	if err := cfg.validate(); err != nil {
		return nil, false, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, false, nil
}

func envKey(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

func skipSetting(name string) bool { return name == "config" || name == "version" }

// applyConfigFile loads an INI file. Sections only group keys; every key
// must name a flag. Keys also set by flag or environment are skipped so
// those sources keep precedence.
func applyConfigFile(fs *flag.FlagSet, path string, set map[string]struct{}, lookupEnv func(string) (string, bool)) error {
	f, err := ini.Load(path)
	if err != nil {
		return fmt.Errorf("config file: %w", err)
	}
	for _, sec := range f.Sections() {
		for _, key := range sec.Keys() {
			name := key.Name()
			if skipSetting(name) || fs.Lookup(name) == nil {
				return fmt.Errorf("config file %s: unknown key %q in section [%s]", path, name, sec.Name())
			}
			if _, ok := set[name]; ok {
				continue
			}
			if v, ok := lookupEnv(envKey(name)); ok && strings.TrimSpace(v) != "" {
				continue
			}
			if err := fs.Set(name, key.String()); err != nil {
				return fmt.Errorf("config file %s: %s: %w", path, name, err)
			}
		}
	}
	return nil
}

// applyEnvOverrides maps MCP2515_GW_* variables onto flags that were not
// set explicitly. Empty values are ignored; the first parse error is
// returned after all variables have been considered.
func applyEnvOverrides(fs *flag.FlagSet, set map[string]struct{}, lookupEnv func(string) (string, bool)) error {
	var firstErr error
	fs.VisitAll(func(f *flag.Flag) {
		if skipSetting(f.Name) {
			return
		}
		if _, ok := set[f.Name]; ok {
			return
		}
		v, ok := lookupEnv(envKey(f.Name))
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		if err := fs.Set(f.Name, strings.TrimSpace(v)); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("invalid %s: %w", envKey(f.Name), err)
		}
	})
	return firstErr
}

// validate checks values and ranges without opening devices or listeners.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	if _, err := logging.ParseLevel(c.logLevel); err != nil {
		return err
	}
	if err := c.hostbusConfig().Validate(); err != nil {
		return err
	}
	if _, err := mcp2515.BitTimingFor(c.bitrate); err != nil {
		return fmt.Errorf("bitrate: %w (supported %v)", err, mcp2515.SupportedBitRates())
	}
	if _, err := mcp2515.ParseMode(c.mode); err != nil {
		return err
	}
	if _, err := hub.ParsePolicy(c.hubPolicy); err != nil {
		return err
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.txQueue <= 0 {
		return fmt.Errorf("tx-queue must be > 0 (got %d)", c.txQueue)
	}
	if c.pollInterval <= 0 {
		return errors.New("poll-interval must be > 0")
	}
	if c.healthInterval < 0 {
		return errors.New("health-interval must be >= 0")
	}
	if c.handshakeTO <= 0 {
		return errors.New("handshake-timeout must be > 0")
	}
	if c.clientIdleTO < 0 {
		return errors.New("client-idle-timeout must be >= 0")
	}
	if c.maxClients < 0 {
		return errors.New("max-clients must be >= 0")
	}
	if c.logMetricsEvery < 0 {
		return errors.New("log-metrics-interval must be >= 0")
	}
	return nil
}

func (c *appConfig) hostbusConfig() hostbus.Config {
	return hostbus.Config{
		Kind:         c.bus,
		SPIDevice:    c.spiDev,
		SPISpeedHz:   uint32(c.spiSpeed),
		SerialDevice: c.serialDev,
		SerialBaud:   c.serialBaud,
		ResetGPIO:    c.resetGPIO,
	}
}

// envLookup is os.LookupEnv; tests pass their own.
var envLookup = os.LookupEnv
