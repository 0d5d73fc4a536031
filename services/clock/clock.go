// Package clock is the Clock/Alarm actor. It owns the DS3231 and the GPIO
// line wired to the RTC's INT/SQW pin, and turns alarm interrupts into
// events for its subscribers.
//
// The section alarm uses RTC alarm 1 (hh:mm:ss) and is armed relative to the
// current RTC time. The watering alarm uses RTC alarm 2 (hh:mm) and is armed
// at an absolute time of day.
package clock

import (
	"context"
	"time"

	"water-my-garden-go/bus"
	"water-my-garden-go/drivers/ds3231x"
	"water-my-garden-go/errcode"
	"water-my-garden-go/services/topics"
	"water-my-garden-go/types"
	"water-my-garden-go/x/logx"
	"water-my-garden-go/x/timex"
)

// RTC is the register surface used by the service; *ds3231x.Device
// implements it.
type RTC interface {
	Configure() error
	SetAlarm1HMS(h, m, s uint8) error
	SetAlarm2HM(h, m uint8) error
	EnableAlarm(a ds3231x.Alarm) error
	DisableAlarm(a ds3231x.Alarm) error
	Flags() (ds3231x.AlarmFlags, error)
	ClearAlarmMatched(a ds3231x.Alarm) error
	TimeValid() (bool, error)
	Running() (bool, error)
	ReadTime() (time.Time, error)
	SetTime(t time.Time) error
	ReadTemperature() (int32, error)
}

// Line is the interrupt relay; *gpioirq.Line implements it.
type Line interface {
	Start(ctx context.Context, forward func(ctx context.Context, counter uint32))
	Rearm()
	Level() bool
}

type Options struct {
	// SetTimeIfInvalid writes Now() into the RTC at Init when the
	// oscillator-stop flag says the time is not valid.
	SetTimeIfInvalid bool
	Now              func() time.Time
	MailboxLen       int
}

type Service struct {
	rtc  RTC
	line Line
	opts Options

	mbox chan message
	done chan struct{}

	sectionSubs  []*Sink
	wateringSubs []*Sink

	conn *bus.Connection
	log  logx.Logger
}

func New(rtc RTC, line Line, conn *bus.Connection, log logx.Logger, opts Options) *Service {
	if opts.MailboxLen <= 0 {
		opts.MailboxLen = 8
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		rtc:  rtc,
		line: line,
		opts: opts,
		mbox: make(chan message, opts.MailboxLen),
		done: make(chan struct{}),
		conn: conn,
		log:  logx.OrNop(log),
	}
}

// Init resets the alarm state the battery-backed RTC kept from a previous
// run: 32 kHz output off, INT/SQW in interrupt mode, both alarms disabled
// and their flags cleared.
func (s *Service) Init() error {
	if err := s.rtc.Configure(); err != nil {
		return errcode.Hardware("clock.init", err)
	}
	running, err := s.rtc.Running()
	if err != nil {
		return errcode.Hardware("clock.init", err)
	}
	if !running {
		return errcode.Hardware("clock.init", ds3231x.ErrNotRunning)
	}
	valid, err := s.rtc.TimeValid()
	if err != nil {
		return errcode.Hardware("clock.init", err)
	}
	if !valid {
		s.log.Warnw("rtc time is not valid, oscillator stopped since last set")
		if s.opts.SetTimeIfInvalid {
			now := s.opts.Now().UTC()
			if err := s.rtc.SetTime(now); err != nil {
				return errcode.Hardware("clock.set_time", err)
			}
			s.log.Infow("rtc time set", "now", now)
		}
	}
	return nil
}

// Run starts the interrupt relay and processes the mailbox until ctx ends.
func (s *Service) Run(ctx context.Context) {
	defer close(s.done)

	s.line.Start(ctx, func(ctx context.Context, n uint32) {
		select {
		case s.mbox <- interruptArrived{counter: n}:
		case <-ctx.Done():
		}
	})

	for {
		select {
		case <-ctx.Done():
			s.log.Infow("clock service stopping")
			return
		case m := <-s.mbox:
			s.handle(ctx, m)
		}
	}
}

func (s *Service) handle(ctx context.Context, m message) {
	switch m := m.(type) {
	case subscribe:
		switch m.alarm {
		case types.AlarmSection:
			s.sectionSubs = append(s.sectionSubs, m.sink)
		case types.AlarmWatering:
			s.wateringSubs = append(s.wateringSubs, m.sink)
		default:
			m.reply <- errcode.InvalidParams
			return
		}
		m.reply <- nil

	case setSectionAlarmAfter:
		m.reply <- s.armSection(m.d)

	case setWateringAlarmAt:
		m.reply <- s.armWatering(m.at)

	case disableAlarm:
		a, err := rtcAlarm(m.alarm)
		if err == nil {
			err = errcode.Hardware("clock.disable_"+string(m.alarm), s.rtc.DisableAlarm(a))
		}
		if err != nil {
			s.log.Errorw("disable alarm failed", "alarm", string(m.alarm), "err", err)
		}
		m.reply <- err

	case getStatus:
		m.reply <- s.status()

	case getDateTime:
		t, err := s.rtc.ReadTime()
		m.reply <- timeReply{t: t, err: errcode.Hardware("clock.read_time", err)}

	case setTime:
		err := errcode.Hardware("clock.set_time", s.rtc.SetTime(m.t.UTC()))
		if err == nil {
			s.log.Infow("rtc time set", "now", m.t.UTC())
		}
		m.reply <- err

	case interruptArrived:
		s.onInterrupt(ctx, m.counter)
		// A flag that latched between clearing and rearming keeps the line
		// low and will not produce another edge.
		if !s.line.Level() {
			s.log.Warnw("interrupt line still asserted after rearm", "counter", m.counter)
			s.onInterrupt(ctx, m.counter)
		}
	}
}

func (s *Service) armSection(d time.Duration) error {
	if d < time.Second {
		d = time.Second
	}
	now, err := s.rtc.ReadTime()
	if err != nil {
		return s.fail("clock.set_section_alarm", err)
	}
	at := now.Add(d)
	if err := s.rtc.SetAlarm1HMS(uint8(at.Hour()), uint8(at.Minute()), uint8(at.Second())); err != nil {
		return s.fail("clock.set_section_alarm", err)
	}
	if err := s.rtc.ClearAlarmMatched(ds3231x.Alarm1); err != nil {
		return s.fail("clock.set_section_alarm", err)
	}
	if err := s.rtc.EnableAlarm(ds3231x.Alarm1); err != nil {
		return s.fail("clock.set_section_alarm", err)
	}
	s.log.Debugw("section alarm armed", "after", d, "at", at)
	return nil
}

func (s *Service) armWatering(at types.TimeOfDay) error {
	if err := s.rtc.SetAlarm2HM(at.Hour, at.Minute); err != nil {
		return s.fail("clock.set_watering_alarm", err)
	}
	if err := s.rtc.ClearAlarmMatched(ds3231x.Alarm2); err != nil {
		return s.fail("clock.set_watering_alarm", err)
	}
	if err := s.rtc.EnableAlarm(ds3231x.Alarm2); err != nil {
		return s.fail("clock.set_watering_alarm", err)
	}
	s.log.Infow("watering alarm armed", "at", at)
	return nil
}

func (s *Service) status() statusReply {
	temp, err := s.rtc.ReadTemperature()
	if err != nil {
		return statusReply{err: errcode.Hardware("clock.read_temperature", err)}
	}
	now, err := s.rtc.ReadTime()
	if err != nil {
		return statusReply{err: errcode.Hardware("clock.read_time", err)}
	}
	return statusReply{st: types.ClockStatus{TempMilliC: temp, Now: now}}
}

func (s *Service) fail(op string, err error) error {
	err = errcode.Hardware(op, err)
	s.log.Errorw("rtc access failed", "err", err)
	return err
}

// onInterrupt notifies the subscribers of every enabled alarm that matched,
// clears the matched flags and rearms the GPIO line.
func (s *Service) onInterrupt(ctx context.Context, counter uint32) {
	defer s.line.Rearm()

	f, err := s.rtc.Flags()
	if err != nil {
		s.fail("clock.read_flags", err)
		return
	}
	if !f.Matched1 && !f.Matched2 {
		s.log.Debugw("interrupt with no alarm matched", "counter", counter)
		return
	}
	// A disabled alarm still latches its flag at the old match time. Only
	// enabled ones are delivered; every latched flag is cleared.
	if f.Matched1 {
		if f.Enabled1 {
			s.sectionSubs = s.fire(ctx, s.sectionSubs, types.AlarmSection, counter)
		} else {
			s.log.Debugw("stale section alarm flag", "counter", counter)
		}
		if err := s.rtc.ClearAlarmMatched(ds3231x.Alarm1); err != nil {
			s.fail("clock.clear_section_alarm", err)
		}
	}
	if f.Matched2 {
		if f.Enabled2 {
			s.wateringSubs = s.fire(ctx, s.wateringSubs, types.AlarmWatering, counter)
		} else {
			s.log.Debugw("stale watering alarm flag", "counter", counter)
		}
		if err := s.rtc.ClearAlarmMatched(ds3231x.Alarm2); err != nil {
			s.fail("clock.clear_watering_alarm", err)
		}
	}
}

// fire delivers ev to every live sink and returns the sinks still alive.
func (s *Service) fire(ctx context.Context, subs []*Sink, a types.Alarm, counter uint32) []*Sink {
	ev := types.AlarmEvent{Alarm: a, Count: counter, TS: timex.NowMs()}
	s.log.Infow("alarm fired", "alarm", string(a), "counter", counter, "subscribers", len(subs))

	live := subs[:0]
	for _, sk := range subs {
		if sk.closed() {
			continue
		}
		select {
		case sk.ch <- ev:
			live = append(live, sk)
		case <-sk.done:
		case <-ctx.Done():
			live = append(live, sk)
		}
	}
	for i := len(live); i < len(subs); i++ {
		subs[i] = nil
	}

	if s.conn != nil {
		s.conn.Publish(s.conn.NewMessage(topics.ClockEvent.Append(string(a)), ev, false))
	}
	return live
}

func rtcAlarm(a types.Alarm) (ds3231x.Alarm, error) {
	switch a {
	case types.AlarmSection:
		return ds3231x.Alarm1, nil
	case types.AlarmWatering:
		return ds3231x.Alarm2, nil
	}
	return 0, errcode.InvalidParams
}
