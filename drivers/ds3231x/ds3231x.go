// Package ds3231x drives the DS3231 RTC including its two alarm registers.
//
// Time, temperature and oscillator handling come from
// tinygo.org/x/drivers/ds3231; this package adds the alarm and interrupt
// registers that the upstream driver leaves out:
//
//	Alarm1  0x07..0x0A  seconds resolution, matched on hh:mm:ss once a day
//	Alarm2  0x0B..0x0D  minute resolution, matched on hh:mm once a day
//
// Each alarm has an interrupt enable bit (A1IE/A2IE, control register) and a
// matched flag (A1F/A2F, status register). The INT/SQW pin is pulled low
// while any enabled flag is set, so a flag must be cleared before the alarm
// can fire the line again.
//
// NOTE: I2C.Tx MUST perform a write followed by a repeated-start read when both
// w and r are provided, without releasing the bus.
package ds3231x

import (
	"errors"
	"time"

	"tinygo.org/x/drivers"
	"tinygo.org/x/drivers/ds3231"
)

// I2C address.
const Address = ds3231.Address

// Alarm selects one of the two alarm registers.
type Alarm uint8

const (
	Alarm1 Alarm = 1
	Alarm2 Alarm = 2
)

// Register masks.
const (
	alarmMaskBit = 0x80 // AxMy: 1 = "don't care"

	ctrlA1IE  = 1 << ds3231.A1IE
	ctrlA2IE  = 1 << ds3231.A2IE
	ctrlINTCN = 1 << ds3231.INTCN
	ctrlBBSQW = 1 << ds3231.BBSQW
	ctrlEOSC  = 1 << ds3231.EOSC

	statA1F     = 1 << ds3231.A1F
	statA2F     = 1 << ds3231.A2F
	statEN32KHZ = 1 << ds3231.EN32KHZ
	statOSF     = 1 << ds3231.OSF
)

// Errors returned by the driver.
var (
	ErrInvalidAlarm = errors.New("ds3231x: invalid alarm")
	ErrInvalidTime  = errors.New("ds3231x: invalid alarm time")
	ErrNotRunning   = errors.New("ds3231x: oscillator stopped")
)

// Device wraps an I2C connection to a DS3231.
type Device struct {
	rtc  ds3231.Device
	bus  drivers.I2C
	addr uint16

	w [5]byte
	r [2]byte
}

// New creates a device handle. The I2C bus must already be configured.
// This function only creates the Device object; it does not touch the device.
func New(bus drivers.I2C) *Device {
	return &Device{
		rtc:  ds3231.New(bus),
		bus:  bus,
		addr: Address,
	}
}

// Configure puts the chip into a known alarm state: oscillator running,
// 32 kHz output off, INT/SQW pin in interrupt mode, both alarm interrupts
// disabled and both matched flags cleared. The chip is battery backed, so
// anything left over from a previous run is discarded here.
func (d *Device) Configure() error {
	ctrl, err := d.readReg(ds3231.REG_CONTROL)
	if err != nil {
		return err
	}
	ctrl &^= ctrlEOSC | ctrlBBSQW | ctrlA1IE | ctrlA2IE
	ctrl |= ctrlINTCN
	if err := d.writeReg(ds3231.REG_CONTROL, ctrl); err != nil {
		return err
	}

	stat, err := d.readReg(ds3231.REG_STATUS)
	if err != nil {
		return err
	}
	// OSF is left alone; TimeValid reports it.
	stat &^= statEN32KHZ | statA1F | statA2F
	return d.writeReg(ds3231.REG_STATUS, stat)
}

// SetAlarm1HMS arms alarm 1 to match hh:mm:ss every day. The interrupt enable
// bit is not touched.
func (d *Device) SetAlarm1HMS(h, m, s uint8) error {
	if h > 23 || m > 59 || s > 59 {
		return ErrInvalidTime
	}
	d.w[0] = ds3231.REG_ALARMONE
	d.w[1] = toBCD(s)
	d.w[2] = toBCD(m)
	d.w[3] = toBCD(h)
	d.w[4] = alarmMaskBit // A1M4: ignore day/date
	return d.bus.Tx(d.addr, d.w[:1+ds3231.REG_ALARMONE_SIZE], nil)
}

// SetAlarm2HM arms alarm 2 to match hh:mm every day.
func (d *Device) SetAlarm2HM(h, m uint8) error {
	if h > 23 || m > 59 {
		return ErrInvalidTime
	}
	d.w[0] = ds3231.REG_ALARMTWO
	d.w[1] = toBCD(m)
	d.w[2] = toBCD(h)
	d.w[3] = alarmMaskBit // A2M4
	return d.bus.Tx(d.addr, d.w[:1+ds3231.REG_ALARMTWO_SIZE], nil)
}

// EnableAlarm sets the alarm's interrupt enable bit.
func (d *Device) EnableAlarm(a Alarm) error {
	bit, err := ieBit(a)
	if err != nil {
		return err
	}
	return d.updateReg(ds3231.REG_CONTROL, bit, true)
}

// DisableAlarm clears the alarm's interrupt enable bit. Idempotent.
func (d *Device) DisableAlarm(a Alarm) error {
	bit, err := ieBit(a)
	if err != nil {
		return err
	}
	return d.updateReg(ds3231.REG_CONTROL, bit, false)
}

// AlarmMatched reports the alarm's matched flag.
func (d *Device) AlarmMatched(a Alarm) (bool, error) {
	bit, err := flagBit(a)
	if err != nil {
		return false, err
	}
	stat, err := d.readReg(ds3231.REG_STATUS)
	if err != nil {
		return false, err
	}
	return stat&bit != 0, nil
}

// AlarmFlags is one read of both alarms' matched flags and interrupt
// enables. A flag latches on every match whether or not its interrupt is
// enabled.
type AlarmFlags struct {
	Matched1, Matched2 bool
	Enabled1, Enabled2 bool
}

// Matched reports the latched flag of a.
func (f AlarmFlags) Matched(a Alarm) bool {
	switch a {
	case Alarm1:
		return f.Matched1
	case Alarm2:
		return f.Matched2
	}
	return false
}

// Pending reports whether a matched with its interrupt enabled, i.e. it is
// one the caller actually asked for.
func (f AlarmFlags) Pending(a Alarm) bool {
	switch a {
	case Alarm1:
		return f.Matched1 && f.Enabled1
	case Alarm2:
		return f.Matched2 && f.Enabled2
	}
	return false
}

// Flags reads the status and control registers.
func (d *Device) Flags() (AlarmFlags, error) {
	stat, err := d.readReg(ds3231.REG_STATUS)
	if err != nil {
		return AlarmFlags{}, err
	}
	ctrl, err := d.readReg(ds3231.REG_CONTROL)
	if err != nil {
		return AlarmFlags{}, err
	}
	return AlarmFlags{
		Matched1: stat&statA1F != 0,
		Matched2: stat&statA2F != 0,
		Enabled1: ctrl&ctrlA1IE != 0,
		Enabled2: ctrl&ctrlA2IE != 0,
	}, nil
}

// ClearAlarmMatched clears the alarm's matched flag so it can fire again.
func (d *Device) ClearAlarmMatched(a Alarm) error {
	bit, err := flagBit(a)
	if err != nil {
		return err
	}
	return d.updateReg(ds3231.REG_STATUS, bit, false)
}

// TimeValid reports false when the oscillator-stop flag is set, i.e. the
// time registers have not been written since the chip lost power.
func (d *Device) TimeValid() (bool, error) {
	stat, err := d.readReg(ds3231.REG_STATUS)
	if err != nil {
		return false, err
	}
	return stat&statOSF == 0, nil
}

// Running reports whether the oscillator is enabled.
func (d *Device) Running() (bool, error) {
	ctrl, err := d.readReg(ds3231.REG_CONTROL)
	if err != nil {
		return false, err
	}
	return ctrl&ctrlEOSC == 0, nil
}

// ReadTime returns the current date and time (UTC).
func (d *Device) ReadTime() (time.Time, error) { return d.rtc.ReadTime() }

// SetTime writes the date and time and clears the oscillator-stop flag.
func (d *Device) SetTime(t time.Time) error { return d.rtc.SetTime(t.UTC()) }

// ReadTemperature returns the die temperature in milli-degrees Celsius.
func (d *Device) ReadTemperature() (int32, error) { return d.rtc.ReadTemperature() }

// Register helpers.

func (d *Device) readReg(reg byte) (byte, error) {
	d.w[0] = reg
	if err := d.bus.Tx(d.addr, d.w[:1], d.r[:1]); err != nil {
		return 0, err
	}
	return d.r[0], nil
}

func (d *Device) writeReg(reg, val byte) error {
	d.w[0] = reg
	d.w[1] = val
	return d.bus.Tx(d.addr, d.w[:2], nil)
}

func (d *Device) updateReg(reg, mask byte, set bool) error {
	v, err := d.readReg(reg)
	if err != nil {
		return err
	}
	nv := v &^ mask
	if set {
		nv |= mask
	}
	if nv == v {
		return nil
	}
	return d.writeReg(reg, nv)
}

func ieBit(a Alarm) (byte, error) {
	switch a {
	case Alarm1:
		return ctrlA1IE, nil
	case Alarm2:
		return ctrlA2IE, nil
	}
	return 0, ErrInvalidAlarm
}

func flagBit(a Alarm) (byte, error) {
	switch a {
	case Alarm1:
		return statA1F, nil
	case Alarm2:
		return statA2F, nil
	}
	return 0, ErrInvalidAlarm
}

func toBCD(v uint8) uint8 { return v + 6*(v/10) }
