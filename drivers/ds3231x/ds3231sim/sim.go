// Package ds3231sim emulates a DS3231 at register level behind drivers.I2C.
//
// The emulated clock only moves when told to (Advance / SetNow), which lets
// tests and the host daemon step through a day of alarms deterministically.
// The INT/SQW output is reported through a callback with the pin level
// (true = high, idle).
package ds3231sim

import (
	"errors"
	"sync"
	"time"

	"tinygo.org/x/drivers/ds3231"
)

const numRegs = 0x13

// ErrNoDevice is returned for transactions to any address but 0x68.
var ErrNoDevice = errors.New("ds3231sim: no device at address")

// Sim is a DS3231 register file plus an injected clock.
type Sim struct {
	mu    sync.Mutex
	regs  [numRegs]byte
	ptr   byte
	now   time.Time
	intLo bool

	onInt    func(level bool)
	failNext error
	txCount  int
}

// New returns a chip in its power-on state: oscillator-stop flag set,
// 32 kHz output on, INTCN set, alarms disabled, temperature 25 °C.
func New(now time.Time) *Sim {
	s := &Sim{now: now.UTC().Truncate(time.Second)}
	s.regs[ds3231.REG_CONTROL] = 0x1C
	s.regs[ds3231.REG_STATUS] = 0x88
	s.setTemp(25000)
	return s
}

// OnInt registers the INT/SQW observer. It is called outside the sim lock on
// every level change.
func (s *Sim) OnInt(fn func(level bool)) {
	s.mu.Lock()
	s.onInt = fn
	s.mu.Unlock()
}

// FailNext makes the next transaction return err.
func (s *Sim) FailNext(err error) {
	s.mu.Lock()
	s.failNext = err
	s.mu.Unlock()
}

// Now returns the emulated time.
func (s *Sim) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// SetNow jumps the clock without evaluating alarms in between.
func (s *Sim) SetNow(t time.Time) {
	s.mu.Lock()
	s.now = t.UTC().Truncate(time.Second)
	s.mu.Unlock()
}

// SetTemperature sets the die temperature in milli-degrees Celsius.
func (s *Sim) SetTemperature(milliC int32) {
	s.mu.Lock()
	s.setTemp(milliC)
	s.mu.Unlock()
}

// Reg returns a raw register value.
func (s *Sim) Reg(addr byte) byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncTimeRegs()
	return s.regs[addr%numRegs]
}

// IntLow reports whether the INT/SQW output is asserted.
func (s *Sim) IntLow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intLo
}

// TxCount returns the number of transactions seen.
func (s *Sim) TxCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txCount
}

// Advance moves the clock forward one second at a time, latching alarm
// flags on every matching second.
func (s *Sim) Advance(d time.Duration) {
	steps := int(d / time.Second)
	for i := 0; i < steps; i++ {
		s.mu.Lock()
		s.now = s.now.Add(time.Second)
		if s.alarm1Match() {
			s.regs[ds3231.REG_STATUS] |= 1 << ds3231.A1F
		}
		if s.alarm2Match() {
			s.regs[ds3231.REG_STATUS] |= 1 << ds3231.A2F
		}
		fn, level, changed := s.updateInt()
		s.mu.Unlock()
		if changed && fn != nil {
			fn(level)
		}
	}
}

// Tx implements drivers.I2C.
func (s *Sim) Tx(addr uint16, w, r []byte) error {
	s.mu.Lock()
	s.txCount++
	if err := s.failNext; err != nil {
		s.failNext = nil
		s.mu.Unlock()
		return err
	}
	if addr != ds3231.Address {
		s.mu.Unlock()
		return ErrNoDevice
	}

	s.syncTimeRegs()
	timeWritten := false
	if len(w) > 0 {
		s.ptr = w[0] % numRegs
		for _, b := range w[1:] {
			if s.ptr <= 0x06 {
				timeWritten = true
			}
			s.write(s.ptr, b)
			s.ptr = (s.ptr + 1) % numRegs
		}
	}
	if timeWritten {
		s.now = s.decodeTime()
	}
	for i := range r {
		r[i] = s.regs[s.ptr]
		s.ptr = (s.ptr + 1) % numRegs
	}

	fn, level, changed := s.updateInt()
	s.mu.Unlock()
	if changed && fn != nil {
		fn(level)
	}
	return nil
}

func (s *Sim) write(reg, b byte) {
	switch reg {
	case ds3231.REG_STATUS:
		const zeroOnly = 1<<ds3231.OSF | 1<<ds3231.A2F | 1<<ds3231.A1F
		old := s.regs[reg]
		v := old&zeroOnly&b | b&(1<<ds3231.EN32KHZ)
		s.regs[reg] = v | old&(1<<ds3231.BSY)
	case ds3231.REG_TEMP, ds3231.REG_TEMP + 1:
		// read-only
	default:
		s.regs[reg] = b
	}
}

// updateInt recomputes the INT output. Caller holds the lock.
func (s *Sim) updateInt() (func(bool), bool, bool) {
	ctrl := s.regs[ds3231.REG_CONTROL]
	stat := s.regs[ds3231.REG_STATUS]
	low := ctrl&(1<<ds3231.INTCN) != 0 &&
		((ctrl&(1<<ds3231.A1IE) != 0 && stat&(1<<ds3231.A1F) != 0) ||
			(ctrl&(1<<ds3231.A2IE) != 0 && stat&(1<<ds3231.A2F) != 0))
	if low == s.intLo {
		return nil, !low, false
	}
	s.intLo = low
	return s.onInt, !low, true
}

func (s *Sim) alarm1Match() bool {
	r := s.regs[ds3231.REG_ALARMONE : ds3231.REG_ALARMONE+4]
	return (r[0]&0x80 != 0 || fromBCD(r[0]&0x7F) == s.now.Second()) &&
		(r[1]&0x80 != 0 || fromBCD(r[1]&0x7F) == s.now.Minute()) &&
		(r[2]&0x80 != 0 || decodeHour(r[2]) == s.now.Hour()) &&
		(r[3]&0x80 != 0 || s.dayMatch(r[3]))
}

func (s *Sim) alarm2Match() bool {
	r := s.regs[ds3231.REG_ALARMTWO : ds3231.REG_ALARMTWO+3]
	return s.now.Second() == 0 &&
		(r[0]&0x80 != 0 || fromBCD(r[0]&0x7F) == s.now.Minute()) &&
		(r[1]&0x80 != 0 || decodeHour(r[1]) == s.now.Hour()) &&
		(r[2]&0x80 != 0 || s.dayMatch(r[2]))
}

func (s *Sim) dayMatch(v byte) bool {
	if v&0x40 != 0 {
		return int(v&0x0F) == int(s.now.Weekday())
	}
	return fromBCD(v&0x3F) == s.now.Day()
}

func (s *Sim) syncTimeRegs() {
	t := s.now
	s.regs[0] = toBCD(t.Second())
	s.regs[1] = toBCD(t.Minute())
	s.regs[2] = toBCD(t.Hour())
	s.regs[3] = toBCD(int(t.Weekday()))
	s.regs[4] = toBCD(t.Day())
	year := t.Year() - 2000
	month := toBCD(int(t.Month()))
	if year >= 100 {
		year -= 100
		month |= 0x80
	}
	s.regs[5] = month
	s.regs[6] = toBCD(year)
}

func (s *Sim) decodeTime() time.Time {
	year := 2000 + fromBCD(s.regs[6])
	if s.regs[5]&0x80 != 0 {
		year += 100
	}
	return time.Date(year,
		time.Month(fromBCD(s.regs[5]&0x1F)),
		fromBCD(s.regs[4]&0x3F),
		decodeHour(s.regs[2]),
		fromBCD(s.regs[1]&0x7F),
		fromBCD(s.regs[0]&0x7F),
		0, time.UTC)
}

func (s *Sim) setTemp(milliC int32) {
	t256 := int16(milliC * 256 / 1000)
	s.regs[ds3231.REG_TEMP] = byte(uint16(t256) >> 8)
	s.regs[ds3231.REG_TEMP+1] = byte(t256) & 0xC0
}

func decodeHour(v byte) int {
	if v&0x40 == 0 {
		return fromBCD(v & 0x3F)
	}
	h := fromBCD(v & 0x1F)
	if h == 12 {
		h = 0
	}
	if v&0x20 != 0 {
		h += 12
	}
	return h
}

func toBCD(v int) byte   { return byte(v + 6*(v/10)) }
func fromBCD(b byte) int { return int(b - 6*(b>>4)) }
