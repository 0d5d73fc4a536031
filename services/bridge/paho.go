//go:build !rp2040 && !rp2350

package bridge

import (
	"context"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Paho is a Broker backed by the Eclipse Paho client. Subscriptions are
// replayed after an automatic reconnect because sessions are clean.
type Paho struct {
	opts   *mqtt.ClientOptions
	client mqtt.Client

	mu   sync.Mutex
	subs map[string]func(topic string, payload []byte)
}

func NewPaho(broker, clientID string) *Paho {
	p := &Paho{subs: map[string]func(string, []byte){}}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(5 * time.Second)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		p.mu.Lock()
		defer p.mu.Unlock()
		for t, h := range p.subs {
			c.Subscribe(t, 1, wrap(h))
		}
	})
	p.opts = opts
	return p
}

func wrap(h func(string, []byte)) mqtt.MessageHandler {
	return func(_ mqtt.Client, m mqtt.Message) { h(m.Topic(), m.Payload()) }
}

func wait(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Paho) Connect(ctx context.Context) error {
	if p.client == nil {
		p.client = mqtt.NewClient(p.opts)
	}
	return wait(ctx, p.client.Connect())
}

func (p *Paho) Subscribe(topic string, h func(topic string, payload []byte)) error {
	p.mu.Lock()
	p.subs[topic] = h
	p.mu.Unlock()
	tok := p.client.Subscribe(topic, 1, wrap(h))
	tok.WaitTimeout(5 * time.Second)
	return tok.Error()
}

func (p *Paho) Publish(topic string, retained bool, payload []byte) error {
	tok := p.client.Publish(topic, 1, retained, payload)
	tok.WaitTimeout(5 * time.Second)
	return tok.Error()
}

func (p *Paho) Disconnect() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}
