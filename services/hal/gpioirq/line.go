// services/hal/gpioirq/line.go
package gpioirq

import (
	"context"
	"sync/atomic"

	"water-my-garden-go/services/hal/halcore"
)

// Line turns a falling-edge interrupt into counter values delivered on an
// ordinary goroutine. It behaves like a one-shot edge interrupt: after firing
// it ignores further edges until Rearm is called.
//
// The ISR side only touches atomics and does a non-blocking send into a
// bounded channel; the relay goroutine started by Start does the blocking
// receive and hands each value to forward.
type Line struct {
	pin halcore.IRQPin

	// Written by ISR; MUST NOT block the ISR:
	isrQ chan uint32

	armed atomic.Bool
	count atomic.Uint32
	drops atomic.Uint32

	done chan struct{}
}

// New configures pin as a pulled-up input (the line idles high) and installs
// the falling-edge handler. The line starts armed.
func New(pin halcore.IRQPin, depth int) (*Line, error) {
	if depth <= 0 {
		depth = 4
	}
	l := &Line{
		pin:  pin,
		isrQ: make(chan uint32, depth),
		done: make(chan struct{}),
	}
	if err := pin.ConfigureInput(halcore.PullUp); err != nil {
		return nil, err
	}
	l.armed.Store(true)
	if err := pin.SetIRQ(halcore.EdgeFalling, l.isr); err != nil {
		return nil, err
	}
	return l, nil
}

// isr runs in interrupt context.
func (l *Line) isr() {
	if !l.armed.CompareAndSwap(true, false) {
		return
	}
	n := l.count.Add(1)
	select {
	case l.isrQ <- n:
	default:
		l.drops.Add(1)
	}
}

// Start runs the relay until ctx ends. forward may block; it receives ctx so
// it can give up when the service is stopping.
func (l *Line) Start(ctx context.Context, forward func(ctx context.Context, counter uint32)) {
	go func() {
		defer close(l.done)
		for {
			select {
			case <-ctx.Done():
				return
			case n := <-l.isrQ:
				forward(ctx, n)
			}
		}
	}()
}

// Done is closed when the relay goroutine has exited.
func (l *Line) Done() <-chan struct{} { return l.done }

// Rearm re-enables the line after it fired.
func (l *Line) Rearm() { l.armed.Store(true) }

// Armed reports whether the next falling edge will be delivered.
func (l *Line) Armed() bool { return l.armed.Load() }

// Level returns the current pin level (true = idle high).
func (l *Line) Level() bool { return l.pin.Get() }

// Count returns the number of interrupts taken.
func (l *Line) Count() uint32 { return l.count.Load() }

// Drops returns the number of counter values lost to a full queue.
func (l *Line) Drops() uint32 { return l.drops.Load() }

// Close detaches the handler.
func (l *Line) Close() error {
	l.armed.Store(false)
	return l.pin.ClearIRQ()
}
