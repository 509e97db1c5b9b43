package mcp2515

import (
	"fmt"
	"sort"
)

// OscillatorHz is the crystal frequency the bit-timing table is computed for.
const OscillatorHz = 16_000_000

// BitTiming holds the three configuration register values for one bit rate.
type BitTiming struct {
	CNF1, CNF2, CNF3 byte
}

// 16 MHz presets, SOF=0, SAM=0, WAKFIL=0. 800 kbit/s has no valid
// 8..25 TQ split at this clock and is intentionally absent.
var bitTimings = map[int]BitTiming{
	5:    {CNF1: 0x3F, CNF2: 0xBF, CNF3: 0x07},
	10:   {CNF1: 0x31, CNF2: 0xB8, CNF3: 0x05},
	20:   {CNF1: 0x18, CNF2: 0xB8, CNF3: 0x05},
	50:   {CNF1: 0x09, CNF2: 0xB8, CNF3: 0x05},
	100:  {CNF1: 0x04, CNF2: 0xB8, CNF3: 0x05},
	125:  {CNF1: 0x03, CNF2: 0xB8, CNF3: 0x05},
	250:  {CNF1: 0x01, CNF2: 0xB8, CNF3: 0x05},
	500:  {CNF1: 0x00, CNF2: 0xB8, CNF3: 0x05},
	1000: {CNF1: 0x80, CNF2: 0x90, CNF3: 0x02}, // 8 TQ, SJW 3 TQ
}

// BitTimingFor returns the preset for kbps.
func BitTimingFor(kbps int) (BitTiming, error) {
	bt, ok := bitTimings[kbps]
	if !ok {
		return BitTiming{}, fmt.Errorf("%w: %d kbit/s", ErrUnsupportedBitRate, kbps)
	}
	return bt, nil
}

// SupportedBitRates lists the table keys in ascending order.
func SupportedBitRates() []int {
	out := make([]int, 0, len(bitTimings))
	for k := range bitTimings {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

// SetBitRate writes CNF1, CNF2 and CNF3 for kbps. The chip only accepts
// these writes in Configuration mode; that is not checked here. An
// unsupported rate fails before any bus traffic.
func (d *Device) SetBitRate(kbps int) error {
	bt, err := BitTimingFor(kbps)
	if err != nil {
		return err
	}
	if err := d.Write(CNF1, bt.CNF1); err != nil {
		return err
	}
	if err := d.Write(CNF2, bt.CNF2); err != nil {
		return err
	}
	if err := d.Write(CNF3, bt.CNF3); err != nil {
		return err
	}
	d.logger.Debug("bit_rate_set", "kbps", kbps, "cnf1", bt.CNF1, "cnf2", bt.CNF2, "cnf3", bt.CNF3)
	return nil
}
