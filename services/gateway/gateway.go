// Package gateway is the bus control surface of the controller. It answers
// requests on garden/watering/control/+, garden/clock/control/+ and
// garden/status/get, validates their payloads and turns them into scheduler
// and clock commands. Every other front end (console, HTTP, MQTT) reaches the
// core through these topics.
package gateway

import (
	"context"
	"time"

	"water-my-garden-go/bus"
	"water-my-garden-go/errcode"
	"water-my-garden-go/services/topics"
	"water-my-garden-go/types"
	"water-my-garden-go/x/logx"
)

// Scheduler is the watering command set.
type Scheduler interface {
	StartWateringAt(ctx context.Context, at types.TimeOfDay) error
	SetSectionDuration(ctx context.Context, sec types.Section, d types.SectionDuration) error
	EnableSectionFor(ctx context.Context, sec types.Section, d types.SectionDuration) error
	CloseAllValves(ctx context.Context) error
	DisableWatering(ctx context.Context) error
	Status(ctx context.Context) (types.WateringStatus, error)
}

// Clock is the clock query and time-setting surface.
type Clock interface {
	Status(ctx context.Context) (types.ClockStatus, error)
	DateTime(ctx context.Context) (time.Time, error)
	SetTime(ctx context.Context, t time.Time) error
}

type Gateway struct {
	sched   Scheduler
	clock   Clock
	conn    *bus.Connection
	log     logx.Logger
	timeout time.Duration
}

// New returns a gateway. timeout bounds each downstream request; zero means 2s.
func New(sched Scheduler, clock Clock, conn *bus.Connection, log logx.Logger, timeout time.Duration) *Gateway {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Gateway{sched: sched, clock: clock, conn: conn, log: logx.OrNop(log), timeout: timeout}
}

// Run serves requests until ctx ends. Requests are handled one at a time.
func (g *Gateway) Run(ctx context.Context) {
	wsub := g.conn.Subscribe(topics.WateringControl.Append("+"))
	csub := g.conn.Subscribe(topics.ClockControl.Append("+"))
	ssub := g.conn.Subscribe(topics.StatusGet)
	cfgSub := g.conn.Subscribe(topics.ConfigWatering)
	defer g.conn.Unsubscribe(wsub)
	defer g.conn.Unsubscribe(csub)
	defer g.conn.Unsubscribe(ssub)
	defer g.conn.Unsubscribe(cfgSub)

	g.log.Infow("gateway ready")
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-wsub.Channel():
			g.reply(m, g.execWatering(ctx, verbOf(m), m.Payload))
		case m := <-csub.Channel():
			g.reply(m, g.execClock(ctx, verbOf(m), m.Payload))
		case m := <-ssub.Channel():
			st, err := g.status(ctx)
			g.reply(m, result{v: st, err: err})
		case m := <-cfgSub.Channel():
			g.applySchedule(ctx, m.Payload)
		}
	}
}

type result struct {
	v   any
	err error
}

var acked = result{v: types.OKReply{OK: true}}

func fail(err error) result { return result{err: err} }

func (g *Gateway) reply(m *bus.Message, r result) {
	if r.err != nil {
		code := errcode.Of(r.err)
		if errcode.IsValidation(r.err) {
			g.log.Debugw("request rejected", "topic", m.Topic.String(), "code", string(code), "err", r.err)
		} else {
			g.log.Warnw("request failed", "topic", m.Topic.String(), "code", string(code), "err", r.err)
		}
		g.conn.Reply(m, ErrorReply(r.err), false)
		return
	}
	g.conn.Reply(m, r.v, false)
}

// ErrorReply renders err the way every front end reports it.
func ErrorReply(err error) types.ErrorReply {
	return types.ErrorReply{OK: false, Error: string(errcode.Of(err)), Detail: errcode.Detail(err)}
}

func verbOf(m *bus.Message) string {
	if m.Topic.Len() == 0 {
		return ""
	}
	s, _ := m.Topic.At(m.Topic.Len() - 1).(string)
	return s
}

func (g *Gateway) call(ctx context.Context, f func(context.Context) error) result {
	c, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	if err := f(c); err != nil {
		return fail(err)
	}
	return acked
}

func (g *Gateway) execWatering(ctx context.Context, verb string, p any) result {
	switch verb {
	case topics.VerbStartAt:
		req, err := decodeStartAt(p)
		if err != nil {
			return fail(err)
		}
		return g.call(ctx, func(c context.Context) error { return g.sched.StartWateringAt(c, req.Time) })

	case topics.VerbSetDuration:
		req, err := decodeSectionRequest(p)
		if err != nil {
			return fail(err)
		}
		return g.call(ctx, func(c context.Context) error {
			return g.sched.SetSectionDuration(c, req.Section, req.Duration)
		})

	case topics.VerbEnableFor:
		req, err := decodeSectionRequest(p)
		if err != nil {
			return fail(err)
		}
		return g.call(ctx, func(c context.Context) error {
			return g.sched.EnableSectionFor(c, req.Section, req.Duration)
		})

	case topics.VerbCloseAll:
		return g.call(ctx, g.sched.CloseAllValves)

	case topics.VerbDisable:
		return g.call(ctx, g.sched.DisableWatering)

	case topics.VerbStatus:
		c, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		st, err := g.sched.Status(c)
		return result{v: st, err: err}
	}
	return fail(&errcode.E{C: errcode.InvalidTopic, Msg: "unknown watering verb " + verb})
}

func (g *Gateway) execClock(ctx context.Context, verb string, p any) result {
	c, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	switch verb {
	case topics.VerbStatus:
		st, err := g.clock.Status(c)
		return result{v: st, err: err}
	case topics.VerbTime:
		t, err := g.clock.DateTime(c)
		return result{v: t, err: err}
	case topics.VerbSetTime:
		req, err := decodeSetTime(p)
		if err != nil {
			return fail(err)
		}
		if err := g.clock.SetTime(c, req.Time); err != nil {
			return fail(err)
		}
		return acked
	}
	return fail(&errcode.E{C: errcode.InvalidTopic, Msg: "unknown clock verb " + verb})
}

// status composes the scheduler and clock snapshots under one deadline.
func (g *Gateway) status(ctx context.Context) (types.GardenStatus, error) {
	c, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	ws, err := g.sched.Status(c)
	if err != nil {
		return types.GardenStatus{}, err
	}
	cs, err := g.clock.Status(c)
	if err != nil {
		return types.GardenStatus{}, err
	}
	return types.GardenStatus{Watering: ws, Clock: cs}, nil
}

// applySchedule pushes a retained schedule config through the same commands
// a remote client would use.
func (g *Gateway) applySchedule(ctx context.Context, p any) {
	if p == nil {
		return
	}
	cfg, err := decode[types.ScheduleConfig](p)
	if err != nil {
		g.log.Errorw("schedule config rejected", "err", err)
		return
	}
	for _, sec := range types.AllSections {
		d, ok := cfg.Durations[sec]
		if !ok {
			continue
		}
		if r := g.call(ctx, func(c context.Context) error { return g.sched.SetSectionDuration(c, sec, d) }); r.err != nil {
			g.log.Errorw("apply section duration failed", "section", sec, "err", r.err)
		}
	}
	if cfg.StartAt != nil {
		at := *cfg.StartAt
		if r := g.call(ctx, func(c context.Context) error { return g.sched.StartWateringAt(c, at) }); r.err != nil {
			g.log.Errorw("apply start time failed", "at", at, "err", r.err)
			return
		}
	}
	g.log.Infow("schedule config applied", "start_at", cfg.StartAt, "sections", len(cfg.Durations))
}
