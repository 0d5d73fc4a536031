package watering

import "water-my-garden-go/types"

type message interface{ isMessage() }

type startWateringAt struct {
	at    types.TimeOfDay
	reply chan error
}

type setSectionDuration struct {
	section types.Section
	d       types.SectionDuration
	reply   chan error
}

type enableSectionFor struct {
	section types.Section
	d       types.SectionDuration
	reply   chan error
}

type closeAllValves struct{ reply chan error }

type disableWatering struct{ reply chan error }

type getStatus struct{ reply chan types.WateringStatus }

func (startWateringAt) isMessage()    {}
func (setSectionDuration) isMessage() {}
func (enableSectionFor) isMessage()   {}
func (closeAllValves) isMessage()     {}
func (disableWatering) isMessage()    {}
func (getStatus) isMessage()          {}
