// Package valves is the actuator actor: one GPIO output per section.
//
// It has no schedule logic. Enable and Disable are idempotent, the None
// section is accepted as a no-op, and every request is acknowledged after the
// pin has been written.
package valves

import (
	"context"

	"water-my-garden-go/bus"
	"water-my-garden-go/errcode"
	"water-my-garden-go/services/hal/halcore"
	"water-my-garden-go/services/topics"
	"water-my-garden-go/types"
	"water-my-garden-go/x/logx"
	"water-my-garden-go/x/mailbox"
	"water-my-garden-go/x/timex"
)

type Config struct {
	Pins      map[types.Section]int
	ActiveLow bool
}

type op uint8

const (
	opEnable op = iota
	opDisable
	opCloseAll
	opOpen
)

type request struct {
	op      op
	section types.Section
	reply   chan reply
}

type reply struct {
	open []types.Section
	err  error
}

type Service struct {
	pins      [types.NumSections]halcore.GPIOPin
	activeLow bool
	open      [types.NumSections]bool

	mbox chan request
	done chan struct{}

	conn *bus.Connection
	log  logx.Logger
}

// New claims one output per section and drives them all closed. conn may be
// nil, in which case no state is published.
func New(pf halcore.PinFactory, cfg Config, conn *bus.Connection, log logx.Logger) (*Service, error) {
	s := &Service{
		activeLow: cfg.ActiveLow,
		mbox:      make(chan request, 4),
		done:      make(chan struct{}),
		conn:      conn,
		log:       logx.OrNop(log),
	}
	for _, sec := range types.AllSections {
		n, ok := cfg.Pins[sec]
		if !ok {
			return nil, &errcode.E{C: errcode.InvalidParams, Op: "valves.new", Msg: "no pin for " + sec.String()}
		}
		p, ok := pf.ByNumber(n)
		if !ok {
			return nil, &errcode.E{C: errcode.InvalidParams, Op: "valves.new", Msg: sec.String(), Err: halcore.ErrNoPin}
		}
		if err := p.ConfigureOutput(s.level(false)); err != nil {
			return nil, errcode.Hardware("valves.configure", err)
		}
		s.pins[sec] = p
	}
	return s, nil
}

func (s *Service) level(on bool) bool { return on != s.activeLow }

// Run processes requests until ctx ends, then closes every valve.
func (s *Service) Run(ctx context.Context) {
	defer close(s.done)
	s.publishState()
	for {
		select {
		case <-ctx.Done():
			s.closeAll()
			s.log.Infow("valves service stopping")
			return
		case req := <-s.mbox:
			req.reply <- s.handle(req)
		}
	}
}

func (s *Service) handle(req request) reply {
	switch req.op {
	case opEnable:
		if !req.section.Valid() {
			return reply{}
		}
		s.set(req.section, true)
		s.log.Debugw("valve open", "section", req.section)
	case opDisable:
		if !req.section.Valid() {
			return reply{}
		}
		s.set(req.section, false)
	case opCloseAll:
		s.closeAll()
		s.log.Debugw("all valves closed")
	case opOpen:
	}
	return reply{open: s.openList()}
}

func (s *Service) set(sec types.Section, on bool) {
	s.pins[sec].Set(s.level(on))
	if s.open[sec] != on {
		s.open[sec] = on
		s.publishState()
	}
}

func (s *Service) closeAll() {
	for _, sec := range types.AllSections {
		s.set(sec, false)
	}
}

func (s *Service) openList() []types.Section {
	out := []types.Section{}
	for _, sec := range types.AllSections {
		if s.open[sec] {
			out = append(out, sec)
		}
	}
	return out
}

func (s *Service) publishState() {
	if s.conn == nil {
		return
	}
	s.conn.Publish(s.conn.NewMessage(topics.ValvesState, types.ValveState{
		Open: s.openList(),
		TS:   timex.NowMs(),
	}, true))
}

// ---- Client side ----

func (s *Service) call(ctx context.Context, o op, sec types.Section) ([]types.Section, error) {
	req := request{op: o, section: sec, reply: make(chan reply, 1)}
	if err := mailbox.Post(ctx, s.done, s.mbox, req); err != nil {
		return nil, err
	}
	r, err := mailbox.Await(ctx, s.done, req.reply)
	if err != nil {
		return nil, err
	}
	return r.open, r.err
}

// Enable opens the section's valve. None is a no-op.
func (s *Service) Enable(ctx context.Context, sec types.Section) error {
	_, err := s.call(ctx, opEnable, sec)
	return err
}

// Disable closes the section's valve. None is a no-op.
func (s *Service) Disable(ctx context.Context, sec types.Section) error {
	_, err := s.call(ctx, opDisable, sec)
	return err
}

// CloseAll closes every valve.
func (s *Service) CloseAll(ctx context.Context) error {
	_, err := s.call(ctx, opCloseAll, types.None)
	return err
}

// Open returns the sections whose valve is currently open.
func (s *Service) Open(ctx context.Context) ([]types.Section, error) {
	return s.call(ctx, opOpen, types.None)
}
