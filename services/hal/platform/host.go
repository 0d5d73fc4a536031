// services/hal/platform/host.go
//go:build !rp2040 && !rp2350

package platform

import (
	"context"
	"sync"
	"time"

	"tinygo.org/x/drivers"

	"water-my-garden-go/drivers/ds3231x/ds3231sim"
	"water-my-garden-go/services/hal/halcore"
)

// ----------------------------- GPIO (host) -----------------------------------

// FakePin implements GPIOPin and IRQPin for host builds and tests.
type FakePin struct {
	mu      sync.RWMutex
	number  int
	level   bool
	modeOut bool
	irqEdge halcore.Edge
	irqFunc func()
	changes int
}

func (p *FakePin) ConfigureInput(pull halcore.Pull) error {
	p.mu.Lock()
	p.modeOut = false
	// An undriven line settles to its pull.
	switch pull {
	case halcore.PullUp:
		p.level = true
	case halcore.PullDown:
		p.level = false
	}
	p.mu.Unlock()
	return nil
}

func (p *FakePin) ConfigureOutput(initial bool) error {
	p.mu.Lock()
	p.modeOut = true
	p.level = initial
	p.mu.Unlock()
	return nil
}

// Set drives the pin. On an input this simulates an external driver and
// calls the IRQ handler when the configured edge is seen.
func (p *FakePin) Set(level bool) {
	p.mu.Lock()
	old := p.level
	p.level = level
	if old != level {
		p.changes++
	}
	irq := p.irqFunc
	want := irqWanted(p.irqEdge, edgeFrom(old, level))
	p.mu.Unlock()
	if want && irq != nil {
		irq()
	}
}

func (p *FakePin) Get() bool {
	p.mu.RLock()
	v := p.level
	p.mu.RUnlock()
	return v
}

func (p *FakePin) Number() int { return p.number }

// IsOutput reports the configured direction.
func (p *FakePin) IsOutput() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.modeOut
}

// Changes counts level transitions.
func (p *FakePin) Changes() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.changes
}

func (p *FakePin) SetIRQ(edge halcore.Edge, handler func()) error {
	p.mu.Lock()
	p.irqEdge = edge
	p.irqFunc = handler
	p.mu.Unlock()
	return nil
}

func (p *FakePin) ClearIRQ() error {
	p.mu.Lock()
	p.irqEdge = halcore.EdgeNone
	p.irqFunc = nil
	p.mu.Unlock()
	return nil
}

func edgeFrom(old, new bool) halcore.Edge {
	switch {
	case !old && new:
		return halcore.EdgeRising
	case old && !new:
		return halcore.EdgeFalling
	default:
		return halcore.EdgeNone
	}
}

func irqWanted(cfg, seen halcore.Edge) bool {
	if seen == halcore.EdgeNone {
		return false
	}
	return cfg == halcore.EdgeBoth || cfg == seen
}

// HostPinFactory returns stable *FakePin instances per number.
type HostPinFactory struct {
	mu   sync.Mutex
	pins map[int]*FakePin
}

func (f *HostPinFactory) ByNumber(n int) (halcore.GPIOPin, bool) {
	return f.Pin(n), true
}

// Pin exposes the underlying *FakePin (e.g. to inspect valve outputs).
func (f *HostPinFactory) Pin(n int) *FakePin {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pins == nil {
		f.pins = make(map[int]*FakePin)
	}
	p, ok := f.pins[n]
	if !ok {
		p = &FakePin{number: n}
		f.pins[n] = p
	}
	return p
}

// ----------------------------- Sim board -------------------------------------

// SimBoard is the host stand-in for the controller board: fake GPIO plus an
// emulated DS3231 on "i2c0" whose INT/SQW output drives pin IntPin.
type SimBoard struct {
	HostPinFactory
	RTC    *ds3231sim.Sim
	IntPin int
}

// NewSimBoard creates a board whose RTC starts at now.
func NewSimBoard(now time.Time, intPin int) *SimBoard {
	b := &SimBoard{RTC: ds3231sim.New(now), IntPin: intPin}
	pin := b.Pin(intPin)
	b.RTC.OnInt(pin.Set)
	return b
}

func (b *SimBoard) ByID(id string) (drivers.I2C, bool) {
	if id == "i2c0" {
		return b.RTC, true
	}
	return nil, false
}

// Run advances the emulated RTC by step every period of wall time until ctx
// ends; speed-ups use step > period.
func (b *SimBoard) Run(ctx context.Context, period, step time.Duration) {
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			b.RTC.Advance(step)
		}
	}
}

var _ halcore.Board = (*SimBoard)(nil)
