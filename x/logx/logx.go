// Package logx is the logging surface shared by the services. Device builds
// print through the runtime; host builds plug in zap (see zaplog).
package logx

import (
	"strconv"
	"sync/atomic"
	"time"
)

// Logger takes a message followed by alternating key/value pairs.
// *zap.SugaredLogger satisfies it.
type Logger interface {
	Debugw(msg string, kv ...any)
	Infow(msg string, kv ...any)
	Warnw(msg string, kv ...any)
	Errorw(msg string, kv ...any)
}

type nop struct{}

func (nop) Debugw(string, ...any) {}
func (nop) Infow(string, ...any)  {}
func (nop) Warnw(string, ...any)  {}
func (nop) Errorw(string, ...any) {}

// Nop discards everything.
func Nop() Logger { return nop{} }

// OrNop returns l, or Nop when l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return nop{}
	}
	return l
}

type Level int32

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// ParseLevel accepts debug, info, warn or error. Anything else is info.
func ParseLevel(s string) (Level, bool) {
	switch s {
	case "debug", "DEBUG":
		return DebugLevel, true
	case "info", "INFO", "":
		return InfoLevel, true
	case "warn", "WARN", "warning":
		return WarnLevel, true
	case "error", "ERROR":
		return ErrorLevel, true
	}
	return InfoLevel, false
}

// Console prints one line per entry with the builtin println, so it works
// on a bare UART without fmt:
//
//	Info: [clock] alarm fired alarm=section count=3
type Console struct {
	name  string
	level atomic.Int32
}

func NewConsole(name string, level Level) *Console {
	c := &Console{name: name}
	c.level.Store(int32(level))
	return c
}

func (c *Console) SetLevel(l Level) { c.level.Store(int32(l)) }

// Named returns a console logger with the same level and another prefix.
func (c *Console) Named(name string) *Console {
	return NewConsole(name, Level(c.level.Load()))
}

func (c *Console) Debugw(msg string, kv ...any) { c.write(DebugLevel, "Debug:", msg, kv) }
func (c *Console) Infow(msg string, kv ...any)  { c.write(InfoLevel, "Info:", msg, kv) }
func (c *Console) Warnw(msg string, kv ...any)  { c.write(WarnLevel, "Warn:", msg, kv) }
func (c *Console) Errorw(msg string, kv ...any) { c.write(ErrorLevel, "Error:", msg, kv) }

func (c *Console) write(l Level, tag, msg string, kv []any) {
	if l < Level(c.level.Load()) {
		return
	}
	println(tag, Format(c.name, msg, kv...))
}

// Format renders "[name] msg k=v k=v". Exported for the UART console.
func Format(name, msg string, kv ...any) string {
	b := make([]byte, 0, 64)
	if name != "" {
		b = append(b, '[')
		b = append(b, name...)
		b = append(b, "] "...)
	}
	b = append(b, msg...)
	for i := 0; i < len(kv); i += 2 {
		b = append(b, ' ')
		b = appendValue(b, kv[i])
		b = append(b, '=')
		if i+1 < len(kv) {
			b = appendValue(b, kv[i+1])
		} else {
			b = append(b, "MISSING"...)
		}
	}
	return string(b)
}

type stringer interface{ String() string }

func appendValue(b []byte, v any) []byte {
	switch x := v.(type) {
	case nil:
		return append(b, "nil"...)
	case string:
		return append(b, x...)
	case error:
		return append(b, x.Error()...)
	case bool:
		return strconv.AppendBool(b, x)
	case int:
		return strconv.AppendInt(b, int64(x), 10)
	case int32:
		return strconv.AppendInt(b, int64(x), 10)
	case int64:
		return strconv.AppendInt(b, x, 10)
	case uint8:
		return strconv.AppendUint(b, uint64(x), 10)
	case uint16:
		return strconv.AppendUint(b, uint64(x), 10)
	case uint32:
		return strconv.AppendUint(b, uint64(x), 10)
	case uint64:
		return strconv.AppendUint(b, x, 10)
	case time.Duration:
		return append(b, x.String()...)
	case time.Time:
		return x.AppendFormat(b, time.RFC3339)
	case stringer:
		return append(b, x.String()...)
	}
	return append(b, '?')
}
