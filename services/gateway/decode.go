package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"water-my-garden-go/errcode"
	"water-my-garden-go/types"
)

// decode accepts a typed payload from in-process callers, or JSON as []byte,
// string or an already decoded map (MQTT and HTTP front ends).
func decode[T any](p any) (T, error) {
	var v T
	var err error
	switch x := p.(type) {
	case T:
		return x, nil
	case *T:
		if x == nil {
			return v, invalidPayload("nil payload")
		}
		return *x, nil
	case nil:
		return v, invalidPayload("missing payload")
	case []byte:
		err = json.Unmarshal(x, &v)
	case string:
		err = json.Unmarshal([]byte(x), &v)
	case map[string]any:
		var b []byte
		if b, err = json.Marshal(x); err == nil {
			err = json.Unmarshal(b, &v)
		}
	default:
		return v, invalidPayload(fmt.Sprintf("unsupported payload type %T", p))
	}
	if err != nil {
		var ve *types.ValidationError
		if errors.As(err, &ve) {
			return v, ve
		}
		return v, &errcode.E{C: errcode.InvalidPayload, Msg: "bad json", Err: err}
	}
	return v, nil
}

func invalidPayload(msg string) error {
	return &errcode.E{C: errcode.InvalidPayload, Msg: msg}
}

func missing(field string) error {
	return &errcode.E{C: errcode.InvalidParams, Msg: "missing " + field}
}

// Wire forms use pointers so an absent field is not mistaken for a zero
// value (the zero Section is vegs). Wire durations are whole minutes.

type sectionWire struct {
	Section  *types.Section         `json:"section"`
	Duration *types.SectionDuration `json:"duration"`
}

type startAtWire struct {
	Time *types.TimeOfDay `json:"time"`
}

type setTimeWire struct {
	Time *string `json:"time"`
}

func decodeSectionRequest(p any) (types.SetSectionDuration, error) {
	switch x := p.(type) {
	case types.SetSectionDuration:
		return x, checkSection(x.Section)
	case types.EnableSectionFor:
		return types.SetSectionDuration(x), checkSection(x.Section)
	}
	w, err := decode[sectionWire](p)
	if err != nil {
		return types.SetSectionDuration{}, err
	}
	if w.Section == nil {
		return types.SetSectionDuration{}, missing("section")
	}
	if w.Duration == nil {
		return types.SetSectionDuration{}, missing("duration")
	}
	if d := w.Duration.Duration(); d%time.Minute != 0 {
		return types.SetSectionDuration{}, &types.ValidationError{Field: "duration", Value: d.String(), Err: types.ErrNotWholeMinutes}
	}
	return types.SetSectionDuration{Section: *w.Section, Duration: *w.Duration}, checkSection(*w.Section)
}

func decodeStartAt(p any) (types.StartWateringAt, error) {
	if x, ok := p.(types.StartWateringAt); ok {
		return x, nil
	}
	w, err := decode[startAtWire](p)
	if err != nil {
		return types.StartWateringAt{}, err
	}
	if w.Time == nil {
		return types.StartWateringAt{}, missing("time")
	}
	return types.StartWateringAt{Time: *w.Time}, nil
}

func decodeSetTime(p any) (types.SetClockTime, error) {
	if x, ok := p.(types.SetClockTime); ok {
		return x, nil
	}
	w, err := decode[setTimeWire](p)
	if err != nil {
		return types.SetClockTime{}, err
	}
	if w.Time == nil {
		return types.SetClockTime{}, missing("time")
	}
	t, err := parseTime(*w.Time)
	if err != nil {
		return types.SetClockTime{}, err
	}
	return types.SetClockTime{Time: t}, nil
}

func checkSection(sec types.Section) error {
	if !sec.Valid() {
		return &types.ValidationError{Field: "section", Value: sec.String(), Err: types.ErrUnknownSection}
	}
	return nil
}
