// services/hal/halcore/types.go
package halcore

import (
	"errors"

	"tinygo.org/x/drivers"
)

var (
	ErrNoPin       = errors.New("hal: no such pin")
	ErrNoBus       = errors.New("hal: no such i2c bus")
	ErrNotIRQ      = errors.New("hal: pin has no interrupt support")
	ErrUnsupported = errors.New("unsupported")
)

// ---- Buses ----

// I2CBusFactory injects configured I²C instances by id.
// Uses the TinyGo drivers.I2C interface to remain compatible on MCU builds.
type I2CBusFactory interface {
	ByID(id string) (drivers.I2C, bool)
}

// ---- GPIO abstractions ----

type Pull uint8

const (
	PullNone Pull = iota
	PullUp
	PullDown
)

type GPIOPin interface {
	ConfigureInput(pull Pull) error
	ConfigureOutput(initial bool) error
	Set(level bool)
	Get() bool
	Number() int
}

// Edge selection for IRQ.
type Edge uint8

const (
	EdgeNone Edge = iota
	EdgeRising
	EdgeFalling
	EdgeBoth
)

// IRQPin extends GPIOPin with interrupts. The handler runs in interrupt
// context: it must not block, allocate or take locks.
type IRQPin interface {
	GPIOPin
	SetIRQ(edge Edge, handler func()) error
	ClearIRQ() error
}

// PinFactory supplies GPIO pins by the configured number scheme.
type PinFactory interface {
	ByNumber(n int) (GPIOPin, bool)
}

// Board bundles the factories a firmware image needs.
type Board interface {
	PinFactory
	I2CBusFactory
}

// IRQPinByNumber looks up a pin and checks it can raise interrupts.
func IRQPinByNumber(f PinFactory, n int) (IRQPin, error) {
	p, ok := f.ByNumber(n)
	if !ok {
		return nil, ErrNoPin
	}
	irq, ok := p.(IRQPin)
	if !ok {
		return nil, ErrNotIRQ
	}
	return irq, nil
}

// Util
func EdgeToString(e Edge) string {
	switch e {
	case EdgeRising:
		return "rising"
	case EdgeFalling:
		return "falling"
	case EdgeBoth:
		return "both"
	default:
		return "none"
	}
}
