// services/hal/platform/rp2.go
//go:build rp2040 || rp2350

package platform

import (
	"machine"

	"tinygo.org/x/drivers"

	"water-my-garden-go/services/hal/halcore"
)

// Board maps logical GPIO numbers to machine.Pin(n) and exposes the two
// hardware I²C controllers on their default pins.
type Board struct {
	buses map[string]drivers.I2C
}

// NewBoard configures i2c0 and i2c1 at the given frequency (Hz).
func NewBoard(freq uint32) *Board {
	if freq == 0 {
		freq = 400 * machine.KHz
	}
	b := &Board{buses: make(map[string]drivers.I2C)}

	b0 := machine.I2C0
	if err := b0.Configure(machine.I2CConfig{
		Frequency: freq,
		SDA:       machine.I2C0_SDA_PIN,
		SCL:       machine.I2C0_SCL_PIN,
	}); err == nil {
		b.buses["i2c0"] = b0
	}

	b1 := machine.I2C1
	if err := b1.Configure(machine.I2CConfig{
		Frequency: freq,
		SDA:       machine.I2C1_SDA_PIN,
		SCL:       machine.I2C1_SCL_PIN,
	}); err == nil {
		b.buses["i2c1"] = b1
	}
	return b
}

func (b *Board) ByID(id string) (drivers.I2C, bool) {
	i, ok := b.buses[id]
	return i, ok
}

func (b *Board) ByNumber(n int) (halcore.GPIOPin, bool) {
	// RP2 user GPIOs are GP0..GP28.
	if n < 0 || n > 28 {
		return nil, false
	}
	return &rp2Pin{p: machine.Pin(n), n: n}, true
}

type rp2Pin struct {
	p machine.Pin
	n int
}

func (r *rp2Pin) ConfigureInput(pull halcore.Pull) error {
	mode := machine.PinInput
	switch pull {
	case halcore.PullUp:
		mode = machine.PinInputPullup
	case halcore.PullDown:
		mode = machine.PinInputPulldown
	}
	r.p.Configure(machine.PinConfig{Mode: mode})
	return nil
}

func (r *rp2Pin) ConfigureOutput(initial bool) error {
	r.p.Configure(machine.PinConfig{Mode: machine.PinOutput})
	r.p.Set(initial)
	return nil
}

func (r *rp2Pin) Set(level bool) { r.p.Set(level) }
func (r *rp2Pin) Get() bool      { return r.p.Get() }
func (r *rp2Pin) Number() int    { return r.n }

func (r *rp2Pin) SetIRQ(edge halcore.Edge, handler func()) error {
	var change machine.PinChange
	switch edge {
	case halcore.EdgeRising:
		change = machine.PinRising
	case halcore.EdgeFalling:
		change = machine.PinFalling
	case halcore.EdgeBoth:
		change = machine.PinToggle
	default:
		return halcore.ErrUnsupported
	}
	return r.p.SetInterrupt(change, func(machine.Pin) { handler() })
}

func (r *rp2Pin) ClearIRQ() error {
	return r.p.SetInterrupt(0, nil)
}

var _ halcore.Board = (*Board)(nil)
