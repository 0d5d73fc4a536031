package clock

import (
	"context"
	"time"

	"water-my-garden-go/types"
	"water-my-garden-go/x/mailbox"
)

func (s *Service) post(ctx context.Context, m message) error {
	return mailbox.Post(ctx, s.done, s.mbox, m)
}

func (s *Service) ack(ctx context.Context, m message, reply chan error) error {
	return mailbox.Call(ctx, s.done, s.mbox, m, reply)
}

// SubscribeSectionAlarm registers sink for section alarm events.
func (s *Service) SubscribeSectionAlarm(ctx context.Context, sink *Sink) error {
	r := make(chan error, 1)
	return s.ack(ctx, subscribe{alarm: types.AlarmSection, sink: sink, reply: r}, r)
}

// SubscribeWateringAlarm registers sink for watering alarm events.
func (s *Service) SubscribeWateringAlarm(ctx context.Context, sink *Sink) error {
	r := make(chan error, 1)
	return s.ack(ctx, subscribe{alarm: types.AlarmWatering, sink: sink, reply: r}, r)
}

// SetSectionAlarmAfter arms the section alarm d after the current RTC time.
// The RTC has one second resolution; shorter durations round up to 1s.
func (s *Service) SetSectionAlarmAfter(ctx context.Context, d time.Duration) error {
	r := make(chan error, 1)
	return s.ack(ctx, setSectionAlarmAfter{d: d, reply: r}, r)
}

// SetWateringAlarmAt arms the watering alarm for the next occurrence of at.
func (s *Service) SetWateringAlarmAt(ctx context.Context, at types.TimeOfDay) error {
	r := make(chan error, 1)
	return s.ack(ctx, setWateringAlarmAt{at: at, reply: r}, r)
}

func (s *Service) DisableSectionAlarm(ctx context.Context) error {
	r := make(chan error, 1)
	return s.ack(ctx, disableAlarm{alarm: types.AlarmSection, reply: r}, r)
}

func (s *Service) DisableWateringAlarm(ctx context.Context) error {
	r := make(chan error, 1)
	return s.ack(ctx, disableAlarm{alarm: types.AlarmWatering, reply: r}, r)
}

// SetTime writes t into the RTC.
func (s *Service) SetTime(ctx context.Context, t time.Time) error {
	r := make(chan error, 1)
	return s.ack(ctx, setTime{t: t, reply: r}, r)
}

// Status reads temperature and time from the RTC.
func (s *Service) Status(ctx context.Context) (types.ClockStatus, error) {
	r := make(chan statusReply, 1)
	if err := s.post(ctx, getStatus{reply: r}); err != nil {
		return types.ClockStatus{}, err
	}
	rep, err := mailbox.Await(ctx, s.done, r)
	if err != nil {
		return types.ClockStatus{}, err
	}
	return rep.st, rep.err
}

// DateTime reads the current RTC time.
func (s *Service) DateTime(ctx context.Context) (time.Time, error) {
	r := make(chan timeReply, 1)
	if err := s.post(ctx, getDateTime{reply: r}); err != nil {
		return time.Time{}, err
	}
	rep, err := mailbox.Await(ctx, s.done, r)
	if err != nil {
		return time.Time{}, err
	}
	return rep.t, rep.err
}
