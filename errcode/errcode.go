package errcode

import (
	"context"
	"errors"

	"water-my-garden-go/types"
)

// Code is a stable, bus-facing error identifier.
// It is a string newtype, comparable, allocation-free, and implements error.
type Code string

func (c Code) Error() string { return string(c) }

// Canonical codes (short, stable).
const (
	OK             Code = "ok"
	Busy           Code = "busy"
	Unsupported    Code = "unsupported"
	InvalidParams  Code = "invalid_params"
	InvalidPayload Code = "invalid_payload"
	InvalidTopic   Code = "invalid_topic"
	Timeout        Code = "timeout"
	NotRunning     Code = "not_running"

	InvalidDuration Code = "invalid_duration"
	UnknownSection  Code = "unknown_section"
	InvalidTime     Code = "invalid_time"
	HardwareFault   Code = "hardware_fault"

	Error Code = "error" // generic fallback
)

// E keeps context and a cause alongside a Code.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	s := string(e.C)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}
func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Hardware wraps a bus/register failure.
func Hardware(op string, err error) error {
	if err == nil {
		return nil
	}
	return &E{C: HardwareFault, Op: op, Err: err}
}

// Of extracts a Code from an error, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	type coder interface{ Code() Code }
	var x coder
	if errors.As(err, &x) {
		return x.Code()
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	switch {
	case errors.Is(err, types.ErrDurationOutOfRange), errors.Is(err, types.ErrNotWholeMinutes):
		return InvalidDuration
	case errors.Is(err, types.ErrUnknownSection):
		return UnknownSection
	case errors.Is(err, types.ErrInvalidTimeOfDay):
		return InvalidTime
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout
	}
	return Error
}

// IsValidation reports whether err was produced by input validation.
func IsValidation(err error) bool {
	switch Of(err) {
	case InvalidDuration, UnknownSection, InvalidTime, InvalidParams, InvalidPayload:
		return true
	}
	return false
}

// Detail returns the human readable part of err without its code prefix.
func Detail(err error) string {
	if err == nil {
		return ""
	}
	var e *E
	if errors.As(err, &e) {
		d := e.Msg
		if e.Err != nil {
			if d != "" {
				d += ": "
			}
			d += e.Err.Error()
		}
		if d != "" {
			return d
		}
	}
	return err.Error()
}
