package types

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// Section is one irrigation zone. The real sections form a fixed ordered
// ring; None is the sentinel for "no section active" and sits between
// Terrace and Vegs when walking the ring.
type Section uint8

const (
	Vegs Section = iota
	Flowers
	Grass
	Terrace

	// None is deliberately out of range of AllSections.
	None
)

// NumSections is the number of real sections.
const NumSections = int(None)

// AllSections lists the real sections in watering order.
var AllSections = [NumSections]Section{Vegs, Flowers, Grass, Terrace}

var sectionNames = [...]string{
	Vegs:    "vegs",
	Flowers: "flowers",
	Grass:   "grass",
	Terrace: "terrace",
	None:    "none",
}

var ErrUnknownSection = errors.New("unknown section")

// Next returns the cyclic successor: Vegs -> ... -> Terrace -> None -> Vegs.
func (s Section) Next() Section {
	if s >= None {
		return Vegs
	}
	return Section((int(s) + 1) % (NumSections + 1))
}

// Valid reports whether s is a real section (not the sentinel).
func (s Section) Valid() bool { return s < None }

func (s Section) String() string {
	if int(s) < len(sectionNames) {
		return sectionNames[s]
	}
	return "section(" + strconv.Itoa(int(s)) + ")"
}

// ParseSection accepts the four section names, case-insensitive.
// The sentinel is never accepted from the outside.
func ParseSection(name string) (Section, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for _, s := range AllSections {
		if sectionNames[s] == n {
			return s, nil
		}
	}
	return None, &ValidationError{Field: "section", Value: name, Err: ErrUnknownSection}
}

func (s Section) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Section) UnmarshalText(b []byte) error {
	if string(b) == sectionNames[None] {
		*s = None
		return nil
	}
	v, err := ParseSection(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ---- SectionDuration ----

// MaxSectionDuration is the exclusive upper bound of a SectionDuration.
const MaxSectionDuration = 2 * time.Hour

var (
	ErrDurationOutOfRange = errors.New("duration out of range [0, 2h)")
	ErrNotWholeMinutes    = errors.New("duration is not whole minutes")
)

// SectionDuration is a validated watering time in [0, 2h).
// Zero means the section is disabled in the schedule.
type SectionDuration struct {
	d time.Duration
}

// NewSectionDuration validates d.
func NewSectionDuration(d time.Duration) (SectionDuration, error) {
	if d < 0 || d >= MaxSectionDuration {
		return SectionDuration{}, &ValidationError{Field: "duration", Value: d.String(), Err: ErrDurationOutOfRange}
	}
	return SectionDuration{d: d}, nil
}

// SectionDurationFromMinutes validates a whole-minute duration as used by gateways.
func SectionDurationFromMinutes(m int) (SectionDuration, error) {
	if m < 0 || m >= int(MaxSectionDuration/time.Minute) {
		return SectionDuration{}, &ValidationError{Field: "duration", Value: strconv.Itoa(m) + "m", Err: ErrDurationOutOfRange}
	}
	return NewSectionDuration(time.Duration(m) * time.Minute)
}

// MustSectionDuration panics on invalid input. Intended for literals and tests.
func MustSectionDuration(d time.Duration) SectionDuration {
	sd, err := NewSectionDuration(d)
	if err != nil {
		panic(err)
	}
	return sd
}

func (d SectionDuration) Duration() time.Duration { return d.d }
func (d SectionDuration) IsZero() bool            { return d.d == 0 }
func (d SectionDuration) String() string          { return d.d.String() }

func (d SectionDuration) MarshalText() ([]byte, error) { return []byte(d.d.String()), nil }

// UnmarshalText accepts a Go duration string ("5m", "1h30m").
func (d *SectionDuration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return &ValidationError{Field: "duration", Value: string(b), Err: err}
	}
	sd, err := NewSectionDuration(v)
	if err != nil {
		return err
	}
	*d = sd
	return nil
}

// UnmarshalJSON accepts whole minutes as a number, or a duration string.
func (d *SectionDuration) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return d.UnmarshalText([]byte(s[1 : len(s)-1]))
	}
	m, err := strconv.Atoi(s)
	if err != nil {
		return &ValidationError{Field: "duration", Value: s, Err: ErrDurationOutOfRange}
	}
	sd, err := SectionDurationFromMinutes(m)
	if err != nil {
		return err
	}
	*d = sd
	return nil
}

// ---- validation error ----

// ValidationError is returned for input rejected at a command boundary.
type ValidationError struct {
	Field string
	Value string
	Err   error
}

func (e *ValidationError) Error() string {
	return "invalid " + e.Field + " " + strconv.Quote(e.Value) + ": " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error { return e.Err }
