// Package gpio drives the MCP2515 RESET pin through the sysfs GPIO
// interface.
package gpio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// sysfsRoot and sleepFn are replaced in tests.
var (
	sysfsRoot = "/sys/class/gpio"
	sleepFn   = time.Sleep
)

// Line is an exported output line. RESET is active low, so the line idles
// high.
type Line struct {
	num      int
	dir      string
	exported bool
}

// Open exports line num (if needed) and drives it high as an output.
func Open(num int) (*Line, error) {
	if num < 0 {
		return nil, fmt.Errorf("gpio: invalid line %d", num)
	}
	l := &Line{num: num, dir: filepath.Join(sysfsRoot, "gpio"+strconv.Itoa(num))}
	if _, err := os.Stat(l.dir); errors.Is(err, os.ErrNotExist) {
		if err := writeFile(filepath.Join(sysfsRoot, "export"), strconv.Itoa(num)); err != nil {
			return nil, fmt.Errorf("gpio%d export: %w", num, err)
		}
		l.exported = true
	}
	// "high" sets direction and level in one write, avoiding a glitch low.
	if err := writeFile(filepath.Join(l.dir, "direction"), "high"); err != nil {
		return nil, fmt.Errorf("gpio%d direction: %w", num, err)
	}
	return l, nil
}

func writeFile(path, v string) error {
	return os.WriteFile(path, []byte(v), 0o644)
}

// Set drives the line high or low.
func (l *Line) Set(high bool) error {
	v := "0"
	if high {
		v = "1"
	}
	if err := writeFile(filepath.Join(l.dir, "value"), v); err != nil {
		return fmt.Errorf("gpio%d value: %w", l.num, err)
	}
	return nil
}

// Pulse holds the line low for d, then releases it high.
func (l *Line) Pulse(d time.Duration) error {
	if err := l.Set(false); err != nil {
		return err
	}
	sleepFn(d)
	return l.Set(true)
}

// Close unexports the line if Open exported it.
func (l *Line) Close() error {
	if !l.exported {
		return nil
	}
	return writeFile(filepath.Join(sysfsRoot, "unexport"), strconv.Itoa(l.num))
}
