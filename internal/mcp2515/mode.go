package mcp2515

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/avast/retry-go"

	"github.com/kstaniek/go-mcp2515/internal/metrics"
)

// Mode is a chip operating mode.
type Mode int

const (
	ModeConfiguration Mode = iota
	ModeNormal
	ModeListen
	ModeSleep
	ModeLoopback
)

// REQOP / OPMOD encodings (bits 7:5 of CANCTRL and CANSTAT).
var modeBits = [...]byte{
	ModeConfiguration: 0x80,
	ModeNormal:        0x00,
	ModeListen:        0x60,
	ModeSleep:         0x20,
	ModeLoopback:      0x40,
}

var modeNames = [...]string{
	ModeConfiguration: "configuration",
	ModeNormal:        "normal",
	ModeListen:        "listen",
	ModeSleep:         "sleep",
	ModeLoopback:      "loopback",
}

func (m Mode) valid() bool { return m >= ModeConfiguration && m <= ModeLoopback }

func (m Mode) String() string {
	if !m.valid() {
		return fmt.Sprintf("Mode(%d)", int(m))
	}
	return modeNames[m]
}

// ParseMode accepts the names printed by Mode.String plus "config" and
// "listen-only".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "configuration", "config":
		return ModeConfiguration, nil
	case "normal":
		return ModeNormal, nil
	case "listen", "listen-only", "listenonly":
		return ModeListen, nil
	case "sleep":
		return ModeSleep, nil
	case "loopback":
		return ModeLoopback, nil
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}

// modeFromBits decodes OPMOD. The chip reserves 101..111; they show up as
// configuration on real parts and are reported that way here.
func modeFromBits(b byte) Mode {
	switch b & modeMask {
	case 0x00:
		return ModeNormal
	case 0x20:
		return ModeSleep
	case 0x40:
		return ModeLoopback
	case 0x60:
		return ModeListen
	default:
		return ModeConfiguration
	}
}

// ModeState is the driver's cached view of the chip's mode. The chip can
// change mode on its own (bus-off, wake-up), so it is advisory: Valid is
// false until a CANSTAT read has confirmed a value, and ConfirmedAt says
// how old that confirmation is.
type ModeState struct {
	Mode        Mode
	ConfirmedAt time.Time
	Valid       bool
}

// LastMode returns the cached mode without touching the bus.
func (d *Device) LastMode() ModeState {
	d.modeMu.Lock()
	defer d.modeMu.Unlock()
	return d.mode
}

func (d *Device) observeMode(m Mode) {
	d.modeMu.Lock()
	d.mode = ModeState{Mode: m, ConfirmedAt: time.Now(), Valid: true}
	d.modeMu.Unlock()
}

func (d *Device) invalidateMode() {
	d.modeMu.Lock()
	d.mode = ModeState{}
	d.modeMu.Unlock()
}

// Mode reads CANSTAT and returns the current operating mode.
func (d *Device) Mode() (Mode, error) {
	st, err := d.Read(CANSTAT)
	if err != nil {
		return 0, err
	}
	m := modeFromBits(st)
	d.observeMode(m)
	return m, nil
}

var errModePending = errors.New("mode pending")

// SetMode requests m through CANCTRL.REQOP and polls CANSTAT until the chip
// reports it or the poll budget runs out. Bus errors end the wait at once.
// On failure the cached mode holds whatever CANSTAT last showed, never m.
func (d *Device) SetMode(m Mode) error {
	if !m.valid() {
		return fmt.Errorf("mcp2515: invalid mode %d", int(m))
	}
	if err := d.Modify(CANCTRL, modeMask, modeBits[m]); err != nil {
		return err
	}
	var observed Mode
	seen := false
	err := retry.Do(
		func() error {
			st, err := d.Read(CANSTAT)
			if err != nil {
				return err
			}
			observed, seen = modeFromBits(st), true
			d.observeMode(observed)
			if observed != m {
				return errModePending
			}
			return nil
		},
		retry.Attempts(d.pollBudget),
		retry.Delay(d.pollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.RetryIf(func(err error) bool { return errors.Is(err, errModePending) }),
		retry.LastErrorOnly(true),
	)
	switch {
	case err == nil:
		d.logger.Debug("mode_confirmed", "mode", m.String())
		return nil
	case errors.Is(err, errModePending):
		metrics.IncModeFail()
		d.logger.Debug("mode_not_confirmed", "requested", m.String(), "observed", observed.String(), "polls", d.pollBudget)
		return fmt.Errorf("%w: requested %s, chip reports %s after %d polls", ErrModeNotConfirmed, m, observed, d.pollBudget)
	default:
		if !seen {
			d.invalidateMode()
		}
		return err
	}
}
