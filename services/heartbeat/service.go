// Package heartbeat periodically reads the clock status and keeps it
// retained on garden/clock/state.
package heartbeat

import (
	"context"
	"time"

	"water-my-garden-go/bus"
	"water-my-garden-go/services/topics"
	"water-my-garden-go/types"
	"water-my-garden-go/x/logx"
)

const defaultInterval = time.Minute

type StatusSource interface {
	Status(ctx context.Context) (types.ClockStatus, error)
}

type Service struct {
	src StatusSource
	log logx.Logger
}

func New(src StatusSource, log logx.Logger) *Service {
	return &Service{src: src, log: logx.OrNop(log)}
}

func (s *Service) beat(ctx context.Context, conn *bus.Connection, timeout time.Duration) {
	c, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	st, err := s.src.Status(c)
	if err != nil {
		s.log.Warnw("heartbeat: clock status failed", "err", err)
		return
	}
	conn.Publish(conn.NewMessage(topics.ClockState, st, true))
	s.log.Debugw("heartbeat", "now", st.Now.Format(time.RFC3339), "temp_c", st.Celsius())
}

func (s *Service) serviceLoop(ctx context.Context, conn *bus.Connection) {
	cfgSub := conn.Subscribe(topics.ConfigHeartbeat)
	defer conn.Unsubscribe(cfgSub)

	interval := defaultInterval
	tick := time.NewTicker(interval)
	defer tick.Stop()

	s.beat(ctx, conn, interval)
	for {
		select {
		case <-ctx.Done():
			s.log.Infow("heartbeat service stopping")
			return
		case <-tick.C:
			s.beat(ctx, conn, interval)
		case msg := <-cfgSub.Channel():
			hc, ok := msg.Payload.(types.HeartbeatConfig)
			if !ok || hc.Interval <= 0 {
				s.log.Warnw("heartbeat: ignoring config", "payload", msg.Payload)
				continue
			}
			if hc.Interval != interval {
				interval = hc.Interval
				tick.Reset(interval)
				s.log.Infow("heartbeat interval set", "interval", interval)
			}
		}
	}
}

// Start runs the heartbeat until ctx ends. The returned channel is closed
// once the loop has stopped.
func (s *Service) Start(ctx context.Context, conn *bus.Connection) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.serviceLoop(ctx, conn)
	}()
	return done
}
