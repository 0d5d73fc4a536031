//go:build rp2040 || rp2350

// Command garden-pico is the controller firmware. The line console on UART0
// is its only front end.
package main

import (
	"context"
	"machine"
	"time"

	uartx "github.com/jangala-dev/tinygo-uartx/uartx"

	"water-my-garden-go/bus"
	"water-my-garden-go/services/config"
	"water-my-garden-go/services/garden"
	"water-my-garden-go/services/gateway"
	"water-my-garden-go/services/hal/platform"
	"water-my-garden-go/x/logx"
)

const consoleBaud = 115200

// serial adapts the interrupt-driven UART to io.ReadWriter.
type serial struct {
	ctx context.Context
	u   *uartx.UART
}

func (s serial) Read(p []byte) (int, error)  { return s.u.RecvSomeContext(s.ctx, p) }
func (s serial) Write(p []byte) (int, error) { return s.u.Write(p) }

func main() {
	// Allow USB CDC to enumerate before we print.
	time.Sleep(2 * time.Second)
	println("[main] boot")

	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		println("[main] config invalid:", err.Error())
		return
	}
	level, _ := logx.ParseLevel(cfg.LogLevel)
	root := logx.NewConsole("main", level)
	logs := func(name string) logx.Logger { return root.Named(name) }

	ctx := context.Background()
	b := bus.NewBus(4)
	board := platform.NewBoard(0)

	if _, err := garden.Start(ctx, b, board, cfg, logs); err != nil {
		root.Errorw("core start failed", "err", err)
		return
	}

	u := uartx.UART0
	if err := u.Configure(uartx.UARTConfig{
		BaudRate: consoleBaud,
		TX:       machine.UART0_TX_PIN,
		RX:       machine.UART0_RX_PIN,
	}); err != nil {
		root.Errorw("uart configure failed", "err", err)
		return
	}
	con := gateway.NewConsole(b.NewConnection("console"), logs("console"), cfg.RequestTimeout)
	for {
		err := con.Serve(ctx, serial{ctx: ctx, u: u})
		root.Warnw("console stopped, restarting", "err", err)
		time.Sleep(time.Second)
	}
}
