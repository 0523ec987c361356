// Package expander drives the 8-bit parallel I/O expander (PCF8574) that
// switches the KVM's input-select and power lines. The chip has no per-pin
// registers: every I2C write replaces the whole 8-bit output latch, so the
// driver keeps a shadow copy of the latch and rewrites it on each pin change.
package expander

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// PinCount is the number of output pins on the expander.
const PinCount = 8

// ErrInvalidPin is returned for physical pin numbers outside 0-7. A mapped
// pin out of range is a configuration defect, caught before any bus I/O.
var ErrInvalidPin = errors.New("pin must be 0-7")

// Level is the electrical level written to one expander pin.
type Level bool

const (
	High Level = true
	Low  Level = false
)

// Invert returns the opposite level.
func (l Level) Invert() Level { return !l }

func (l Level) String() string {
	if l == High {
		return "high"
	}
	return "low"
}

// Driver is the single operation the actuation engine needs from the
// hardware. The real implementation is PCF8574; tests inject fakes.
type Driver interface {
	SetLevel(pin uint8, level Level) error
}

// PCF8574 talks to one expander on one I2C bus. All bus access is
// serialized by mu; the lock spans exactly one write, never a pulse delay,
// so concurrent requests interleave at the pin-write level.
type PCF8574 struct {
	mu    sync.Mutex
	bus   i2c.BusCloser // owned when opened via Open, nil for injected buses
	dev   *i2c.Dev
	latch byte
}

// The PCF8574 powers up with all outputs high (weak pull-ups), so the
// shadow latch starts at 0xFF.
const powerOnLatch = 0xFF

// Open initialises the periph host, opens the I2C bus at busPath and
// returns a driver for the expander at addr.
func Open(busPath string, addr uint16) (*PCF8574, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("init periph host: %w", err)
	}
	bus, err := i2creg.Open(busPath)
	if err != nil {
		return nil, fmt.Errorf("open i2c bus %s: %w", busPath, err)
	}
	p := New(bus, addr)
	p.bus = bus
	return p, nil
}

// New returns a driver over an already-open bus. The caller keeps
// ownership of the bus.
func New(bus i2c.Bus, addr uint16) *PCF8574 {
	return &PCF8574{
		dev:   &i2c.Dev{Bus: bus, Addr: addr},
		latch: powerOnLatch,
	}
}

// SetLevel sets one physical pin to the given level. A failed write leaves
// the shadow latch and the bus connection untouched; the error is local to
// this call and the device stays usable for subsequent requests.
func (p *PCF8574) SetLevel(pin uint8, level Level) error {
	if pin >= PinCount {
		return fmt.Errorf("%w: got %d", ErrInvalidPin, pin)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	next := p.latch
	if level == High {
		next |= 1 << pin
	} else {
		next &^= 1 << pin
	}
	if err := p.dev.Tx([]byte{next}, nil); err != nil {
		return fmt.Errorf("write pin %d %s on %v: %w", pin, level, p.dev, err)
	}
	p.latch = next
	return nil
}

// Close releases the bus if this driver opened it.
func (p *PCF8574) Close() error {
	if p.bus != nil {
		return p.bus.Close()
	}
	return nil
}

// ParseAddr parses an I2C address from config, accepting hex ("0x20") or
// decimal ("32") as the upstream deployments do.
func ParseAddr(s string) (uint16, error) {
	s = strings.TrimSpace(s)
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid i2c address %q", s)
	}
	return uint16(v), nil
}
