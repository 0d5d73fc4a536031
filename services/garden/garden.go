// Package garden assembles the controller core on a board: RTC driver,
// interrupt line, clock, valves, scheduler, bus gateway, config publication
// and heartbeat. Front ends (console, HTTP, MQTT) are added by the commands.
package garden

import (
	"context"
	"sync"

	"water-my-garden-go/bus"
	"water-my-garden-go/drivers/ds3231x"
	"water-my-garden-go/errcode"
	"water-my-garden-go/services/clock"
	"water-my-garden-go/services/config"
	"water-my-garden-go/services/gateway"
	"water-my-garden-go/services/hal/gpioirq"
	"water-my-garden-go/services/hal/halcore"
	"water-my-garden-go/services/heartbeat"
	"water-my-garden-go/services/valves"
	"water-my-garden-go/services/watering"
	"water-my-garden-go/x/logx"
)

// Loggers returns the logger for a named service.
type Loggers func(service string) logx.Logger

type Core struct {
	Clock    *clock.Service
	Valves   *valves.Service
	Watering *watering.Service
	Gateway  *gateway.Gateway

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Start builds the core on board and runs it until ctx ends. It returns once
// the alarm subscriptions are in place and the config has been published.
// On error nothing it started is left running.
func Start(ctx context.Context, b *bus.Bus, board halcore.Board, cfg config.Config, logs Loggers) (*Core, error) {
	if logs == nil {
		logs = func(string) logx.Logger { return logx.Nop() }
	}
	log := logs("garden")

	i2c, ok := board.ByID(cfg.RTC.I2CBus)
	if !ok {
		return nil, &errcode.E{C: errcode.InvalidParams, Op: "garden.start", Msg: "no i2c bus " + cfg.RTC.I2CBus}
	}
	irqPin, err := halcore.IRQPinByNumber(board, cfg.RTC.IntPin)
	if err != nil {
		return nil, &errcode.E{C: errcode.InvalidParams, Op: "garden.start", Msg: "rtc int pin", Err: err}
	}
	line, err := gpioirq.New(irqPin, 4)
	if err != nil {
		return nil, errcode.Hardware("garden.irq", err)
	}

	clk := clock.New(ds3231x.New(i2c), line, b.NewConnection("clock"), logs("clock"), clock.Options{
		SetTimeIfInvalid: cfg.RTC.SetTimeIfInvalid,
	})
	if err := clk.Init(); err != nil {
		_ = line.Close()
		return nil, err
	}

	pins, err := cfg.ValvePins()
	if err != nil {
		_ = line.Close()
		return nil, err
	}
	vs, err := valves.New(board, valves.Config{Pins: pins, ActiveLow: cfg.Valves.ActiveLow}, b.NewConnection("valves"), logs("valves"))
	if err != nil {
		_ = line.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &Core{Clock: clk, Valves: vs, cancel: cancel}
	c.goRun(func() { clk.Run(ctx) })
	c.goRun(func() { vs.Run(ctx) })

	// Subscribing needs the clock loop; a failure here stops what has
	// already been started.
	sink := clock.NewSink(4)
	err = clk.SubscribeSectionAlarm(ctx, sink)
	if err == nil {
		err = clk.SubscribeWateringAlarm(ctx, sink)
	}
	if err != nil {
		c.Stop()
		return nil, err
	}
	c.Watering = watering.New(clk, vs, sink.C(), b.NewConnection("watering"), logs("watering"), watering.Options{
		CallTimeout: cfg.RequestTimeout,
	})
	c.goRun(func() {
		c.Watering.Run(ctx)
		sink.Close()
	})

	c.Gateway = gateway.New(c.Watering, clk, b.NewConnection("gateway"), logs("gateway"), cfg.RequestTimeout)
	c.goRun(func() { c.Gateway.Run(ctx) })

	hb := heartbeat.New(clk, logs("heartbeat"))
	hbDone := hb.Start(ctx, b.NewConnection("heartbeat"))
	c.goRun(func() { <-hbDone })

	config.NewConfigService(cfg, logs("config")).Start(ctx, b.NewConnection("config"))
	log.Infow("core started", "i2c", cfg.RTC.I2CBus, "int_pin", cfg.RTC.IntPin)
	return c, nil
}

func (c *Core) goRun(f func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		f()
	}()
}

// Wait blocks until every core goroutine has returned.
func (c *Core) Wait() {
	c.wg.Wait()
	c.cancel()
}

// Stop cancels the core independently of the Start context and waits for it.
func (c *Core) Stop() {
	c.cancel()
	c.Wait()
}
