package clock

import (
	"sync"
	"time"

	"water-my-garden-go/types"
)

// Mailbox messages. Every request carries a buffered reply channel and is
// answered exactly once, errors included.

type message interface{ isMessage() }

type subscribe struct {
	alarm types.Alarm
	sink  *Sink
	reply chan error
}

type setSectionAlarmAfter struct {
	d     time.Duration
	reply chan error
}

type setWateringAlarmAt struct {
	at    types.TimeOfDay
	reply chan error
}

type disableAlarm struct {
	alarm types.Alarm
	reply chan error
}

type getStatus struct {
	reply chan statusReply
}

type getDateTime struct {
	reply chan timeReply
}

type setTime struct {
	t     time.Time
	reply chan error
}

// interruptArrived is posted by the relay goroutine, never by clients.
type interruptArrived struct {
	counter uint32
}

type statusReply struct {
	st  types.ClockStatus
	err error
}

type timeReply struct {
	t   time.Time
	err error
}

func (subscribe) isMessage()            {}
func (setSectionAlarmAfter) isMessage() {}
func (setWateringAlarmAt) isMessage()   {}
func (disableAlarm) isMessage()         {}
func (getStatus) isMessage()            {}
func (getDateTime) isMessage()          {}
func (setTime) isMessage()              {}
func (interruptArrived) isMessage()     {}

// Sink receives alarm events. Closing it unsubscribes; the service notices
// on its next delivery attempt and drops the sink then.
type Sink struct {
	ch   chan types.AlarmEvent
	done chan struct{}
	once sync.Once
}

func NewSink(buf int) *Sink {
	if buf <= 0 {
		buf = 4
	}
	return &Sink{
		ch:   make(chan types.AlarmEvent, buf),
		done: make(chan struct{}),
	}
}

// C is the event channel. It is never closed.
func (s *Sink) C() <-chan types.AlarmEvent { return s.ch }

// Close marks the sink dead. Safe to call more than once.
func (s *Sink) Close() { s.once.Do(func() { close(s.done) }) }

func (s *Sink) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
