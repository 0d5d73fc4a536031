//go:build !rp2040 && !rp2350

// Package metrics turns bus traffic into Prometheus series. It never calls
// into the core; everything it reports is read from published events and
// retained state.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"water-my-garden-go/bus"
	"water-my-garden-go/services/topics"
	"water-my-garden-go/types"
	"water-my-garden-go/x/logx"
)

type Service struct {
	log logx.Logger
	reg *prometheus.Registry

	alarmsFired   *prometheus.CounterVec
	sectionRuns   *prometheus.CounterVec
	activeSection *prometheus.GaugeVec
	rtcTemp       prometheus.Gauge
}

func New(log logx.Logger) *Service {
	s := &Service{
		log: logx.OrNop(log),
		reg: prometheus.NewRegistry(),
		alarmsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "garden_alarms_fired_total",
			Help: "RTC alarms delivered to the scheduler",
		}, []string{"alarm"}),
		sectionRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "garden_section_runs_total",
			Help: "Times a section valve was opened, scheduled or ad-hoc",
		}, []string{"section"}),
		activeSection: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "garden_active_section",
			Help: "1 for the section currently watering, 0 otherwise",
		}, []string{"section"}),
		rtcTemp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "garden_rtc_temperature_celsius",
			Help: "Last DS3231 die temperature reported by the heartbeat",
		}),
	}
	s.reg.MustRegister(s.alarmsFired, s.sectionRuns, s.activeSection, s.rtcTemp)
	for _, sec := range types.AllSections {
		s.activeSection.WithLabelValues(sec.String()).Set(0)
	}
	return s
}

// Registry exposes the private registry, mainly for tests.
func (s *Service) Registry() *prometheus.Registry { return s.reg }

// Handler serves the registry in the text exposition format.
func (s *Service) Handler() http.Handler {
	return promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{})
}

// Start subscribes to the bus and returns a channel closed when the
// collector loop exits.
func (s *Service) Start(ctx context.Context, conn *bus.Connection) <-chan struct{} {
	done := make(chan struct{})
	alarms := conn.Subscribe(topics.ClockEvent.Append("+"))
	events := conn.Subscribe(topics.WateringEvent)
	clock := conn.Subscribe(topics.ClockState)
	go func() {
		defer close(done)
		defer conn.Unsubscribe(alarms)
		defer conn.Unsubscribe(events)
		defer conn.Unsubscribe(clock)
		for {
			select {
			case <-ctx.Done():
				return
			case m := <-alarms.Channel():
				if ev, ok := m.Payload.(types.AlarmEvent); ok {
					s.alarmsFired.WithLabelValues(string(ev.Alarm)).Inc()
				}
			case m := <-events.Channel():
				if ev, ok := m.Payload.(types.WateringEvent); ok {
					s.observe(ev)
				}
			case m := <-clock.Channel():
				if cs, ok := m.Payload.(types.ClockStatus); ok {
					s.rtcTemp.Set(cs.Celsius())
				}
			}
		}
	}()
	return done
}

func (s *Service) observe(ev types.WateringEvent) {
	for _, sec := range types.AllSections {
		s.activeSection.WithLabelValues(sec.String()).Set(0)
	}
	if ev.To == types.StateIdle || ev.Section == types.None {
		return
	}
	s.activeSection.WithLabelValues(ev.Section.String()).Set(1)
	s.sectionRuns.WithLabelValues(ev.Section.String()).Inc()
	s.log.Debugw("section run", "section", ev.Section, "state", ev.To)
}
