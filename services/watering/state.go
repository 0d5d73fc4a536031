package watering

import "water-my-garden-go/types"

// state is the scheduler's tagged state. Only Scheduled and Adhoc carry a
// section, so at most one section can be open at a time.
type state struct {
	kind    types.WateringState
	section types.Section
}

func idle() state                       { return state{kind: types.StateIdle, section: types.None} }
func scheduled(sec types.Section) state { return state{kind: types.StateScheduled, section: sec} }
func adhoc(sec types.Section) state     { return state{kind: types.StateAdhoc, section: sec} }

// current is the section the rotation stands on; None unless Scheduled.
func (s state) current() types.Section {
	if s.kind == types.StateScheduled {
		return s.section
	}
	return types.None
}
