// Package timex holds the timestamp convention used on the bus.
package timex

import "time"

// NowMs returns wall time as Unix milliseconds, the unit of every ts_ms field.
func NowMs() int64 { return time.Now().UnixMilli() }

// FromMs is the inverse of NowMs.
func FromMs(ms int64) time.Time { return time.UnixMilli(ms) }
