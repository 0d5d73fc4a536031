// Package watering is the scheduler actor. It walks the sections in their
// fixed order when the daily watering alarm fires, moves on each time the
// section alarm fires, and arbitrates ad-hoc "water now" requests against
// the daily rotation (ad-hoc wins; an interrupted rotation is abandoned).
package watering

import (
	"context"
	"time"

	"water-my-garden-go/bus"
	"water-my-garden-go/services/topics"
	"water-my-garden-go/types"
	"water-my-garden-go/x/logx"
	"water-my-garden-go/x/timex"
)

// Clock is the subset of the clock service the scheduler drives.
type Clock interface {
	SetSectionAlarmAfter(ctx context.Context, d time.Duration) error
	SetWateringAlarmAt(ctx context.Context, at types.TimeOfDay) error
	DisableSectionAlarm(ctx context.Context) error
	DisableWateringAlarm(ctx context.Context) error
}

// Actuator opens and closes valves.
type Actuator interface {
	Enable(ctx context.Context, sec types.Section) error
	Disable(ctx context.Context, sec types.Section) error
	CloseAll(ctx context.Context) error
}

type Options struct {
	// CallTimeout bounds each request to the clock or the valves.
	CallTimeout time.Duration
	MailboxLen  int
}

type Service struct {
	clock  Clock
	valves Actuator
	events <-chan types.AlarmEvent
	opts   Options

	st        state
	durations [types.NumSections]types.SectionDuration
	startAt   *types.TimeOfDay

	mbox chan message
	done chan struct{}

	conn *bus.Connection
	log  logx.Logger
}

// New creates the scheduler in Idle with every duration zero. events carries
// both section and watering alarms.
func New(clock Clock, valves Actuator, events <-chan types.AlarmEvent, conn *bus.Connection, log logx.Logger, opts Options) *Service {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 2 * time.Second
	}
	if opts.MailboxLen <= 0 {
		opts.MailboxLen = 8
	}
	return &Service{
		clock:  clock,
		valves: valves,
		events: events,
		opts:   opts,
		st:     idle(),
		mbox:   make(chan message, opts.MailboxLen),
		done:   make(chan struct{}),
		conn:   conn,
		log:    logx.OrNop(log),
	}
}

// Run processes commands and alarm events until ctx ends.
func (s *Service) Run(ctx context.Context) {
	defer close(s.done)
	s.publishState()
	for {
		select {
		case <-ctx.Done():
			s.log.Infow("watering service stopping", "state", string(s.st.kind))
			return
		case ev := <-s.events:
			switch ev.Alarm {
			case types.AlarmWatering:
				s.onWateringAlarm(ctx)
			case types.AlarmSection:
				s.onSectionAlarm(ctx)
			}
		case m := <-s.mbox:
			s.handle(ctx, m)
		}
	}
}

func (s *Service) handle(ctx context.Context, m message) {
	switch m := m.(type) {
	case startWateringAt:
		err := s.withTimeout(ctx, func(c context.Context) error {
			return s.clock.SetWateringAlarmAt(c, m.at)
		})
		if err == nil {
			at := m.at
			s.startAt = &at
			s.log.Infow("daily watering scheduled", "at", at)
			s.publishState()
		}
		m.reply <- err

	case setSectionDuration:
		s.durations[m.section] = m.d
		s.log.Infow("section duration set", "section", m.section, "duration", m.d.Duration())
		s.publishState()
		m.reply <- nil

	case enableSectionFor:
		m.reply <- s.enableFor(ctx, m.section, m.d)

	case closeAllValves:
		err := s.withTimeout(ctx, s.valves.CloseAll)
		if err != nil {
			s.log.Errorw("close all valves failed", "err", err)
		}
		m.reply <- err

	case disableWatering:
		err := s.withTimeout(ctx, s.clock.DisableWateringAlarm)
		if err == nil {
			s.startAt = nil
			s.log.Infow("daily watering disabled")
			s.publishState()
		}
		m.reply <- err

	case getStatus:
		m.reply <- s.status()
	}
}

// onWateringAlarm starts a pass. A pass already running, or an ad-hoc run,
// keeps going.
func (s *Service) onWateringAlarm(ctx context.Context) {
	if s.st.kind != types.StateIdle {
		s.log.Warnw("watering alarm ignored", "state", string(s.st.kind), "section", s.st.section)
		return
	}
	s.log.Infow("daily watering started")
	if err := s.advance(ctx); err != nil {
		s.abort(ctx, "watering_alarm", err)
	}
}

func (s *Service) onSectionAlarm(ctx context.Context) {
	switch s.st.kind {
	case types.StateScheduled:
		if err := s.advance(ctx); err != nil {
			s.abort(ctx, "section_alarm", err)
		}
	case types.StateAdhoc:
		s.log.Infow("ad-hoc watering finished", "section", s.st.section)
		err := s.withTimeout(ctx, s.valves.CloseAll)
		if err == nil {
			err = s.withTimeout(ctx, s.clock.DisableSectionAlarm)
		}
		if err != nil {
			s.abort(ctx, "adhoc_done", err)
			return
		}
		s.transition(s.st, idle(), 0)
	default:
		s.log.Warnw("section alarm while idle ignored")
	}
}

// advance closes the current section and opens the next one in the ring
// with a non-zero duration. Skipped sections are still disabled. Reaching
// None ends the pass.
func (s *Service) advance(ctx context.Context) error {
	from := s.st
	cur := s.st.current()
	for {
		if err := s.withTimeout(ctx, func(c context.Context) error { return s.valves.Disable(c, cur) }); err != nil {
			return err
		}
		cur = cur.Next()
		if cur == types.None {
			if err := s.withTimeout(ctx, s.clock.DisableSectionAlarm); err != nil {
				return err
			}
			s.log.Infow("watering complete")
			s.transition(from, idle(), 0)
			return nil
		}
		d := s.durations[cur]
		if d.IsZero() {
			s.log.Debugw("section disabled, skipping", "section", cur)
			continue
		}
		if err := s.withTimeout(ctx, func(c context.Context) error { return s.valves.Enable(c, cur) }); err != nil {
			return err
		}
		// The valve is open from here on.
		s.st = scheduled(cur)
		if err := s.withTimeout(ctx, func(c context.Context) error { return s.clock.SetSectionAlarmAfter(c, d.Duration()) }); err != nil {
			return err
		}
		s.log.Infow("watering section", "section", cur, "for", d.Duration())
		s.transition(from, scheduled(cur), d.Duration())
		return nil
	}
}

// enableFor starts (or cancels, with a zero duration) an ad-hoc run.
func (s *Service) enableFor(ctx context.Context, sec types.Section, d types.SectionDuration) error {
	from := s.st
	if d.IsZero() {
		err := s.withTimeout(ctx, s.valves.CloseAll)
		if err == nil {
			err = s.withTimeout(ctx, s.clock.DisableSectionAlarm)
		}
		if err != nil {
			s.abort(ctx, "enable_for", err)
			return err
		}
		s.transition(from, idle(), 0)
		return nil
	}

	if s.st.kind != types.StateIdle {
		if s.st.kind == types.StateScheduled {
			s.log.Infow("scheduled watering abandoned for ad-hoc run", "section", s.st.section)
		}
		if err := s.withTimeout(ctx, s.valves.CloseAll); err != nil {
			s.abort(ctx, "enable_for", err)
			return err
		}
		// Valves are closed; nothing is running any more.
		s.st = idle()
	}
	if err := s.withTimeout(ctx, func(c context.Context) error { return s.valves.Enable(c, sec) }); err != nil {
		s.abort(ctx, "enable_for", err)
		return err
	}
	s.st = adhoc(sec)
	if err := s.withTimeout(ctx, func(c context.Context) error { return s.clock.SetSectionAlarmAfter(c, d.Duration()) }); err != nil {
		s.abort(ctx, "enable_for", err)
		return err
	}
	s.log.Infow("ad-hoc watering started", "section", sec, "for", d.Duration())
	s.transition(from, adhoc(sec), d.Duration())
	return nil
}

// abort handles a failed hardware step: it logs, makes a best-effort attempt
// to close every valve and silence the section alarm, and returns to Idle so
// the next message starts from a known state.
func (s *Service) abort(ctx context.Context, op string, err error) {
	s.log.Errorw("watering step failed, closing valves", "op", op, "state", string(s.st.kind), "section", s.st.section, "err", err)
	if cerr := s.withTimeout(ctx, s.valves.CloseAll); cerr != nil {
		s.log.Errorw("close all valves failed", "err", cerr)
	}
	if cerr := s.withTimeout(ctx, s.clock.DisableSectionAlarm); cerr != nil {
		s.log.Errorw("disable section alarm failed", "err", cerr)
	}
	s.transition(s.st, idle(), 0)
}

func (s *Service) withTimeout(ctx context.Context, f func(context.Context) error) error {
	c, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()
	return f(c)
}

func (s *Service) transition(from, to state, d time.Duration) {
	s.st = to
	if s.conn == nil {
		return
	}
	sec := to.section
	if to.kind == types.StateIdle {
		sec = from.section
	}
	s.conn.Publish(s.conn.NewMessage(topics.WateringEvent, types.WateringEvent{
		From:     from.kind,
		To:       to.kind,
		Section:  sec,
		Duration: d,
		TS:       timex.NowMs(),
	}, false))
	s.publishState()
}

func (s *Service) status() types.WateringStatus {
	st := types.WateringStatus{
		State:     s.st.kind,
		Section:   s.st.section,
		Durations: make(map[types.Section]types.SectionDuration, types.NumSections),
	}
	for _, sec := range types.AllSections {
		st.Durations[sec] = s.durations[sec]
	}
	if s.startAt != nil {
		at := *s.startAt
		st.StartAt = &at
	}
	return st
}

func (s *Service) publishState() {
	if s.conn == nil {
		return
	}
	s.conn.Publish(s.conn.NewMessage(topics.WateringState, s.status(), true))
}

// checkSection rejects None and out-of-range values at the boundary.
func checkSection(sec types.Section) error {
	if !sec.Valid() {
		return &types.ValidationError{Field: "section", Value: sec.String(), Err: types.ErrUnknownSection}
	}
	return nil
}
