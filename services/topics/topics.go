// Package topics names the bus topics shared between services.
package topics

import "water-my-garden-go/bus"

const (
	TokGarden   = "garden"
	TokConfig   = "config"
	TokWatering = "watering"
	TokClock    = "clock"
	TokValves   = "valves"
	TokStatus   = "status"
	TokControl  = "control"
	TokState    = "state"
	TokEvent    = "event"
	TokHB       = "heartbeat"
	TokBridge   = "bridge"
)

// Watering control verbs.
const (
	VerbStartAt     = "start_at"
	VerbSetDuration = "set_duration"
	VerbEnableFor   = "enable_for"
	VerbCloseAll    = "close_all"
	VerbDisable     = "disable"
	VerbStatus      = "status"
)

// Clock control verbs.
const (
	VerbTime    = "time"
	VerbSetTime = "set_time"
)

var (
	WateringControl = bus.T(TokGarden, TokWatering, TokControl)
	WateringState   = bus.T(TokGarden, TokWatering, TokState)
	WateringEvent   = bus.T(TokGarden, TokWatering, TokEvent)

	ClockControl = bus.T(TokGarden, TokClock, TokControl)
	ClockState   = bus.T(TokGarden, TokClock, TokState)
	ClockEvent   = bus.T(TokGarden, TokClock, TokEvent)

	ValvesState = bus.T(TokGarden, TokValves, TokState)
	BridgeState = bus.T(TokGarden, TokBridge, TokState)
	StatusGet   = bus.T(TokGarden, TokStatus, "get")

	ConfigWatering  = bus.T(TokConfig, TokWatering)
	ConfigHeartbeat = bus.T(TokConfig, TokHB)
)

// WateringVerb returns garden/watering/control/<verb>.
func WateringVerb(verb string) bus.Topic { return WateringControl.Append(verb) }

// ClockVerb returns garden/clock/control/<verb>.
func ClockVerb(verb string) bus.Topic { return ClockControl.Append(verb) }
