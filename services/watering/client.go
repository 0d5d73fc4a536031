package watering

import (
	"context"

	"water-my-garden-go/types"
	"water-my-garden-go/x/mailbox"
)

func (s *Service) post(ctx context.Context, m message) error {
	return mailbox.Post(ctx, s.done, s.mbox, m)
}

func (s *Service) ack(ctx context.Context, m message, reply chan error) error {
	return mailbox.Call(ctx, s.done, s.mbox, m, reply)
}

// Done is closed once Run has returned.
func (s *Service) Done() <-chan struct{} { return s.done }

// StartWateringAt arms the daily watering alarm. Durations are not touched.
func (s *Service) StartWateringAt(ctx context.Context, at types.TimeOfDay) error {
	r := make(chan error, 1)
	return s.ack(ctx, startWateringAt{at: at, reply: r}, r)
}

// SetSectionDuration stores the daily duration for sec. A zero duration
// removes the section from the rotation. It takes effect the next time the
// rotation reaches sec.
func (s *Service) SetSectionDuration(ctx context.Context, sec types.Section, d types.SectionDuration) error {
	if err := checkSection(sec); err != nil {
		return err
	}
	r := make(chan error, 1)
	return s.ack(ctx, setSectionDuration{section: sec, d: d, reply: r}, r)
}

// EnableSectionFor waters sec right away for d, abandoning anything that is
// running. A zero d closes every valve instead.
func (s *Service) EnableSectionFor(ctx context.Context, sec types.Section, d types.SectionDuration) error {
	if err := checkSection(sec); err != nil {
		return err
	}
	r := make(chan error, 1)
	return s.ack(ctx, enableSectionFor{section: sec, d: d, reply: r}, r)
}

// CloseAllValves closes every valve. The scheduler state is left alone, so a
// running pass still advances on its next section alarm.
func (s *Service) CloseAllValves(ctx context.Context) error {
	r := make(chan error, 1)
	return s.ack(ctx, closeAllValves{reply: r}, r)
}

// DisableWatering cancels the daily watering alarm.
func (s *Service) DisableWatering(ctx context.Context) error {
	r := make(chan error, 1)
	return s.ack(ctx, disableWatering{reply: r}, r)
}

func (s *Service) Status(ctx context.Context) (types.WateringStatus, error) {
	r := make(chan types.WateringStatus, 1)
	if err := s.post(ctx, getStatus{reply: r}); err != nil {
		return types.WateringStatus{}, err
	}
	return mailbox.Await(ctx, s.done, r)
}
