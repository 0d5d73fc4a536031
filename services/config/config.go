// Package config holds the controller configuration. MCU builds run on
// Default(); host builds overlay a YAML file (see Load). The schedule and
// heartbeat sections are published retained so the services that own them
// pick them up from the bus.
package config

import (
	"context"
	"errors"
	"strconv"
	"time"

	"water-my-garden-go/bus"
	"water-my-garden-go/errcode"
	"water-my-garden-go/services/topics"
	"water-my-garden-go/types"
	"water-my-garden-go/x/logx"
)

type Config struct {
	LogLevel       string          `yaml:"log_level"`
	RTC            RTCConfig       `yaml:"rtc"`
	Valves         ValvesConfig    `yaml:"valves"`
	Schedule       ScheduleConfig  `yaml:"schedule"`
	Heartbeat      HeartbeatConfig `yaml:"heartbeat"`
	HTTP           HTTPConfig      `yaml:"http"`
	MQTT           MQTTConfig      `yaml:"mqtt"`
	RequestTimeout time.Duration   `yaml:"request_timeout"`
}

type RTCConfig struct {
	I2CBus           string `yaml:"i2c_bus"`
	IntPin           int    `yaml:"int_pin"`
	SetTimeIfInvalid bool   `yaml:"set_time_if_invalid"`
}

type ValvesConfig struct {
	ActiveLow bool           `yaml:"active_low"`
	Pins      map[string]int `yaml:"pins"`
}

type ScheduleConfig struct {
	// StartAt is "HH:MM"; empty leaves daily watering off.
	StartAt      string         `yaml:"start_at"`
	DurationsMin map[string]int `yaml:"durations_min"`
}

type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type HTTPConfig struct {
	Listen          string `yaml:"listen"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
}

// MQTTConfig enables the bridge when Broker is set.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Prefix   string `yaml:"prefix"`
}

// Default is the configuration of the reference board.
func Default() Config {
	return Config{
		LogLevel: "info",
		RTC:      RTCConfig{I2CBus: "i2c0", IntPin: 15, SetTimeIfInvalid: true},
		Valves: ValvesConfig{Pins: map[string]int{
			"vegs": 10, "flowers": 11, "grass": 12, "terrace": 13,
		}},
		Schedule: ScheduleConfig{
			StartAt:      "20:30",
			DurationsMin: map[string]int{"vegs": 5, "flowers": 10, "grass": 20, "terrace": 8},
		},
		Heartbeat:      HeartbeatConfig{Interval: time.Minute},
		HTTP:           HTTPConfig{Listen: ":8080", RateLimitPerMin: 60},
		MQTT:           MQTTConfig{ClientID: "garden", Prefix: "garden"},
		RequestTimeout: 2 * time.Second,
	}
}

func invalid(field, msg string) error {
	return &errcode.E{C: errcode.InvalidParams, Op: "config", Msg: field + ": " + msg}
}

// Validate fills zero values with defaults and reports every problem found.
func (c *Config) Validate() error {
	def := Default()
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.RTC.I2CBus == "" {
		c.RTC.I2CBus = def.RTC.I2CBus
	}
	if c.Heartbeat.Interval == 0 {
		c.Heartbeat.Interval = def.Heartbeat.Interval
	}
	if c.HTTP.RateLimitPerMin == 0 {
		c.HTTP.RateLimitPerMin = def.HTTP.RateLimitPerMin
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = def.MQTT.ClientID
	}
	if c.MQTT.Prefix == "" {
		c.MQTT.Prefix = def.MQTT.Prefix
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = def.RequestTimeout
	}

	var errs []error
	if _, ok := logx.ParseLevel(c.LogLevel); !ok {
		errs = append(errs, invalid("log_level", "unknown level "+strconv.Quote(c.LogLevel)))
	}
	if c.RTC.IntPin < 0 {
		errs = append(errs, invalid("rtc.int_pin", "must not be negative"))
	}
	if _, err := c.ValvePins(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.ScheduleConfig(); err != nil {
		errs = append(errs, err)
	}
	if c.Heartbeat.Interval < time.Second {
		errs = append(errs, invalid("heartbeat.interval", "must be at least 1s"))
	}
	if c.HTTP.RateLimitPerMin < 0 {
		errs = append(errs, invalid("http.rate_limit_per_min", "must not be negative"))
	}
	if c.RequestTimeout < 0 {
		errs = append(errs, invalid("request_timeout", "must not be negative"))
	}
	return errors.Join(errs...)
}

// ValvePins maps every section to its output pin. Pins must be distinct and
// must not clash with the RTC interrupt line.
func (c *Config) ValvePins() (map[types.Section]int, error) {
	out := make(map[types.Section]int, types.NumSections)
	used := map[int]string{c.RTC.IntPin: "rtc.int_pin"}
	for name, pin := range c.Valves.Pins {
		sec, err := types.ParseSection(name)
		if err != nil {
			return nil, invalid("valves.pins", err.Error())
		}
		if pin < 0 {
			return nil, invalid("valves.pins."+name, "must not be negative")
		}
		if other, dup := used[pin]; dup {
			return nil, invalid("valves.pins."+name, "pin "+strconv.Itoa(pin)+" already used by "+other)
		}
		used[pin] = "valves.pins." + name
		out[sec] = pin
	}
	for _, sec := range types.AllSections {
		if _, ok := out[sec]; !ok {
			return nil, invalid("valves.pins", "missing "+sec.String())
		}
	}
	return out, nil
}

// ScheduleConfig converts the schedule section through the same validation
// as a remote command.
func (c *Config) ScheduleConfig() (types.ScheduleConfig, error) {
	sc := types.ScheduleConfig{Durations: make(map[types.Section]types.SectionDuration, len(c.Schedule.DurationsMin))}
	if c.Schedule.StartAt != "" {
		at, err := types.ParseTimeOfDay(c.Schedule.StartAt)
		if err != nil {
			return types.ScheduleConfig{}, err
		}
		sc.StartAt = &at
	}
	for name, m := range c.Schedule.DurationsMin {
		sec, err := types.ParseSection(name)
		if err != nil {
			return types.ScheduleConfig{}, err
		}
		d, err := types.SectionDurationFromMinutes(m)
		if err != nil {
			return types.ScheduleConfig{}, err
		}
		sc.Durations[sec] = d
	}
	return sc, nil
}

// -----------------------------------------------------------------------------
// Config Service
// -----------------------------------------------------------------------------

type ConfigService struct {
	cfg Config
	log logx.Logger
}

func NewConfigService(cfg Config, log logx.Logger) *ConfigService {
	return &ConfigService{cfg: cfg, log: logx.OrNop(log)}
}

// Publish puts the schedule and heartbeat sections on the bus as retained
// messages.
func (s *ConfigService) Publish(conn *bus.Connection) error {
	sc, err := s.cfg.ScheduleConfig()
	if err != nil {
		return err
	}
	conn.Publish(conn.NewMessage(topics.ConfigWatering, sc, true))
	conn.Publish(conn.NewMessage(topics.ConfigHeartbeat, types.HeartbeatConfig{Interval: s.cfg.Heartbeat.Interval}, true))
	s.log.Infow("config published", "start_at", s.cfg.Schedule.StartAt, "heartbeat", s.cfg.Heartbeat.Interval)
	return nil
}

// Start publishes the config unless ctx is already done.
func (s *ConfigService) Start(ctx context.Context, conn *bus.Connection) {
	if ctx.Err() != nil {
		return
	}
	if err := s.Publish(conn); err != nil {
		s.log.Errorw("config publish failed", "err", err)
	}
}
