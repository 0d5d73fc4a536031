package types

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidTimeOfDay = errors.New("time of day must be HH:MM")

// TimeOfDay is a wall-clock time with minute resolution, the resolution of
// the RTC watering alarm.
type TimeOfDay struct {
	Hour   uint8
	Minute uint8
}

// NewTimeOfDay validates hour and minute.
func NewTimeOfDay(hour, minute int) (TimeOfDay, error) {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return TimeOfDay{}, &ValidationError{Field: "time", Value: pad2(hour) + ":" + pad2(minute), Err: ErrInvalidTimeOfDay}
	}
	return TimeOfDay{Hour: uint8(hour), Minute: uint8(minute)}, nil
}

// ParseTimeOfDay parses "HH:MM". A trailing ":00" seconds field is tolerated.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) == 3 && parts[2] == "00" {
		parts = parts[:2]
	}
	if len(parts) != 2 || len(parts[0]) == 0 || len(parts[0]) > 2 || len(parts[1]) != 2 {
		return TimeOfDay{}, &ValidationError{Field: "time", Value: s, Err: ErrInvalidTimeOfDay}
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || parts[0][0] == '-' || parts[0][0] == '+' {
		return TimeOfDay{}, &ValidationError{Field: "time", Value: s, Err: ErrInvalidTimeOfDay}
	}
	return NewTimeOfDay(h, m)
}

func (t TimeOfDay) String() string { return pad2(int(t.Hour)) + ":" + pad2(int(t.Minute)) }

// Next returns the first instant at or after 'after' (truncated to the
// minute) whose wall clock equals t, in after's location.
func (t TimeOfDay) Next(after time.Time) time.Time {
	y, mo, d := after.Date()
	cand := time.Date(y, mo, d, int(t.Hour), int(t.Minute), 0, 0, after.Location())
	if cand.Before(after.Truncate(time.Minute)) {
		cand = cand.AddDate(0, 0, 1)
	}
	return cand
}

func (t TimeOfDay) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *TimeOfDay) UnmarshalText(b []byte) error {
	v, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

func pad2(i int) string {
	if i >= 0 && i < 10 {
		return "0" + strconv.Itoa(i)
	}
	return strconv.Itoa(i)
}
