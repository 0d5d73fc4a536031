// Package bridge links the local bus to an MQTT broker. Commands arrive on
// <prefix>/cmd/<verb> as JSON, are forwarded as bus requests and answered on
// <prefix>/reply/<verb>. Retained state and events are mirrored out under
// <prefix>/state/... and <prefix>/event/....
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"water-my-garden-go/bus"
	"water-my-garden-go/errcode"
	"water-my-garden-go/services/gateway"
	"water-my-garden-go/services/topics"
	"water-my-garden-go/x/logx"
	"water-my-garden-go/x/timex"
)

// Broker is the part of an MQTT client the bridge needs. Handlers may be
// called from the client's own goroutines.
type Broker interface {
	Connect(ctx context.Context) error
	Subscribe(topic string, h func(topic string, payload []byte)) error
	Publish(topic string, retained bool, payload []byte) error
	Disconnect()
}

type Config struct {
	Prefix string
	// Timeout bounds each forwarded request.
	Timeout time.Duration
	// MaxRetryInterval caps the reconnect backoff.
	MaxRetryInterval time.Duration
}

type Service struct {
	broker Broker
	conn   *bus.Connection
	cfg    Config
	log    logx.Logger

	cmds chan command
}

type command struct {
	verb    string
	payload []byte
}

func New(broker Broker, conn *bus.Connection, cfg Config, log logx.Logger) *Service {
	if cfg.Prefix == "" {
		cfg.Prefix = "garden"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.MaxRetryInterval <= 0 {
		cfg.MaxRetryInterval = 30 * time.Second
	}
	return &Service{broker: broker, conn: conn, cfg: cfg, log: logx.OrNop(log), cmds: make(chan command, 8)}
}

// route maps an MQTT command verb to its bus request topic.
func route(verb string) (bus.Topic, bool) {
	switch verb {
	case topics.VerbStartAt, topics.VerbSetDuration, topics.VerbEnableFor, topics.VerbCloseAll, topics.VerbDisable:
		return topics.WateringVerb(verb), true
	case topics.VerbStatus:
		return topics.StatusGet, true
	case topics.VerbTime, topics.VerbSetTime:
		return topics.ClockVerb(verb), true
	case "clock_status":
		return topics.ClockVerb(topics.VerbStatus), true
	}
	return nil, false
}

// mirrored lists the bus topics copied out to the broker.
var mirrored = []bus.Topic{
	topics.WateringState,
	topics.WateringEvent,
	topics.ClockState,
	topics.ClockEvent.Append("+"),
	topics.ValvesState,
}

// mqttTopic maps garden/<svc>/<kind>[/x] to <prefix>/<kind>/<svc>[/x].
func (s *Service) mqttTopic(t bus.Topic) string {
	parts := make([]string, 0, t.Len()+1)
	parts = append(parts, s.cfg.Prefix)
	if t.Len() >= 3 {
		parts = append(parts, tokString(t.At(2)), tokString(t.At(1)))
		for i := 3; i < t.Len(); i++ {
			parts = append(parts, tokString(t.At(i)))
		}
	} else {
		for i := 0; i < t.Len(); i++ {
			parts = append(parts, tokString(t.At(i)))
		}
	}
	return strings.Join(parts, "/")
}

func tokString(tok bus.Token) string {
	return bus.T(tok).String()
}

// Run connects, serves and keeps the link up until ctx ends.
func (s *Service) Run(ctx context.Context) {
	s.publishState("idle", "connecting", nil)
	if err := s.connect(ctx); err != nil {
		s.publishState("down", "stopped", err)
		return
	}
	defer s.broker.Disconnect()
	s.publishState("up", "link_established", nil)

	subs := make([]*bus.Subscription, 0, len(mirrored))
	for _, t := range mirrored {
		subs = append(subs, s.conn.Subscribe(t))
	}
	defer func() {
		for _, sub := range subs {
			s.conn.Unsubscribe(sub)
		}
	}()

	// One forwarding goroutine per mirrored topic keeps the loop below free
	// for commands.
	out := make(chan *bus.Message, 16)
	for _, sub := range subs {
		go func(ch <-chan *bus.Message) {
			for m := range ch {
				select {
				case out <- m:
				case <-ctx.Done():
					return
				}
			}
		}(sub.Channel())
	}

	for {
		select {
		case <-ctx.Done():
			s.publishState("down", "stopped", nil)
			return
		case m := <-out:
			s.mirror(m)
		case c := <-s.cmds:
			s.forward(ctx, c)
		}
	}
}

func (s *Service) connect(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = s.cfg.MaxRetryInterval
	if bo.InitialInterval > bo.MaxInterval {
		bo.InitialInterval = bo.MaxInterval
	}
	bo.MaxElapsedTime = 0 // keep trying until ctx ends

	cmdTopic := s.cfg.Prefix + "/cmd/+"
	return backoff.RetryNotify(func() error {
		if err := s.broker.Connect(ctx); err != nil {
			return err
		}
		if err := s.broker.Subscribe(cmdTopic, s.onCommand); err != nil {
			s.broker.Disconnect()
			return err
		}
		return nil
	}, backoff.WithContext(bo, ctx), func(err error, next time.Duration) {
		s.log.Warnw("mqtt connect failed", "err", err, "retry_in", next)
		s.publishState("degraded", "dial_failed_retrying", err)
	})
}

// onCommand runs on the MQTT client's goroutine; it only queues.
func (s *Service) onCommand(topic string, payload []byte) {
	verb := topic[strings.LastIndexByte(topic, '/')+1:]
	c := command{verb: verb, payload: append([]byte(nil), payload...)}
	select {
	case s.cmds <- c:
	default:
		s.log.Warnw("mqtt command dropped, bridge busy", "verb", verb)
	}
}

func (s *Service) forward(ctx context.Context, c command) {
	replyTopic := s.cfg.Prefix + "/reply/" + c.verb
	t, ok := route(c.verb)
	if !ok {
		s.publishJSON(replyTopic, false, gateway.ErrorReply(&errcode.E{C: errcode.InvalidTopic, Msg: "unknown command " + c.verb}))
		return
	}
	var payload any
	if len(c.payload) > 0 {
		payload = c.payload
	}
	rctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	rep, err := s.conn.RequestWait(rctx, s.conn.NewMessage(t, payload, false))
	if err != nil {
		s.publishJSON(replyTopic, false, gateway.ErrorReply(err))
		return
	}
	s.publishJSON(replyTopic, false, rep.Payload)
}

func (s *Service) mirror(m *bus.Message) {
	s.publishJSON(s.mqttTopic(m.Topic), m.Retained, m.Payload)
}

func (s *Service) publishJSON(topic string, retained bool, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		s.log.Errorw("mqtt encode failed", "topic", topic, "err", err)
		return
	}
	if err := s.broker.Publish(topic, retained, b); err != nil {
		s.log.Warnw("mqtt publish failed", "topic", topic, "err", err)
	}
}

func (s *Service) publishState(level, status string, err error) {
	payload := map[string]any{
		"level":  level,  // "up", "degraded", "down", "idle"
		"status": status, // short machine string
		"ts_ms":  timex.NowMs(),
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		payload["error"] = err.Error()
	}
	s.conn.Publish(s.conn.NewMessage(topics.BridgeState, payload, true))
}
