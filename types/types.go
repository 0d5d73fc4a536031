package types

import "time"

// ---- Replies ----

type OKReply struct {
	OK bool `json:"ok"`
}

type ErrorReply struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error"`            // errcode.Code
	Detail string `json:"detail,omitempty"` // human readable reason
}

// ---- Watering commands (payloads on garden/watering/control/<verb>) ----

type StartWateringAt struct {
	Time TimeOfDay `json:"time"`
}

type SetSectionDuration struct {
	Section  Section         `json:"section"`
	Duration SectionDuration `json:"duration"`
}

type EnableSectionFor struct {
	Section  Section         `json:"section"`
	Duration SectionDuration `json:"duration"`
}

type CloseAllValves struct{}

type DisableWatering struct{}

// ---- Clock commands ----

type SetClockTime struct {
	Time time.Time `json:"time"`
}

// ---- Status ----

// WateringState names the scheduler state machine states.
type WateringState string

const (
	StateIdle      WateringState = "idle"
	StateScheduled WateringState = "scheduled"
	StateAdhoc     WateringState = "adhoc"
)

// WateringStatus is a snapshot of the scheduler. Durations always holds all
// four real sections.
type WateringStatus struct {
	State     WateringState               `json:"state"`
	Section   Section                     `json:"section"`
	Durations map[Section]SectionDuration `json:"durations"`
	StartAt   *TimeOfDay                  `json:"start_at,omitempty"`
}

// ClockStatus is read from the RTC on demand.
type ClockStatus struct {
	TempMilliC int32     `json:"temp_mc"`
	Now        time.Time `json:"now"`
}

// Celsius returns the RTC die temperature in degrees Celsius.
func (c ClockStatus) Celsius() float64 { return float64(c.TempMilliC) / 1000 }

// GardenStatus is the composed reply of a status request.
type GardenStatus struct {
	Watering WateringStatus `json:"watering"`
	Clock    ClockStatus    `json:"clock"`
}

// ---- Events (non-retained) ----

type Alarm string

const (
	AlarmSection  Alarm = "section"
	AlarmWatering Alarm = "watering"
)

type AlarmEvent struct {
	Alarm Alarm  `json:"alarm"`
	Count uint32 `json:"count"` // interrupt counter that carried it
	TS    int64  `json:"ts_ms"`
}

// WateringEvent reports a scheduler transition.
type WateringEvent struct {
	From     WateringState `json:"from"`
	To       WateringState `json:"to"`
	Section  Section       `json:"section"`
	Duration time.Duration `json:"duration,omitempty"`
	TS       int64         `json:"ts_ms"`
}

// ValveState is the retained set of open outputs.
type ValveState struct {
	Open []Section `json:"open"`
	TS   int64     `json:"ts_ms"`
}

// ---- Config payloads (retained on config/...) ----

// ScheduleConfig is the daily schedule applied at start up. A nil StartAt
// leaves the watering alarm alone.
type ScheduleConfig struct {
	StartAt   *TimeOfDay                  `json:"start_at,omitempty"`
	Durations map[Section]SectionDuration `json:"durations"`
}

type HeartbeatConfig struct {
	Interval time.Duration `json:"interval"`
}
