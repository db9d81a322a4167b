// SPDX-License-Identifier: MIT

package client

import (
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// MQTTProxy bridges device-initiated pub/sub/unsub commands to an MQTT
// broker and delivers broker messages back to the device as msg frames.
// Scripts never hold a broker connection themselves; the device side only
// speaks the loader protocol.
type MQTTProxy struct {
	session *Session
	client  mqtt.Client
	log     zerolog.Logger

	mu   sync.Mutex
	subs map[string]struct{}
}

// NewMQTTProxy connects to the broker ("host" or "host:port") and returns
// a proxy bound to the session. Install its HandleDeviceCommand as the
// session's device handler.
func NewMQTTProxy(s *Session, broker string, log zerolog.Logger) (*MQTTProxy, error) {
	if !strings.Contains(broker, ":") {
		broker += ":1883"
	}
	p := &MQTTProxy{
		session: s,
		log:     log,
		subs:    make(map[string]struct{}),
	}

	opts := mqtt.NewClientOptions().
		AddBroker("tcp://" + broker).
		SetClientID("luatt-" + NewToken()[:8]).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)

	// Re-subscribing on connect covers broker reconnects as well as the
	// initial session.
	opts.OnConnect = func(c mqtt.Client) {
		p.mu.Lock()
		topics := make([]string, 0, len(p.subs))
		for t := range p.subs {
			topics = append(topics, t)
		}
		p.mu.Unlock()
		for _, t := range topics {
			c.Subscribe(t, 0, p.onMessage)
		}
		p.log.Info().Str("broker", broker).Int("topics", len(topics)).Msg("mqtt connected")
	}

	p.client = mqtt.NewClient(opts)
	if tok := p.client.Connect(); tok.Wait() && tok.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", broker, tok.Error())
	}
	return p, nil
}

// Close disconnects from the broker.
func (p *MQTTProxy) Close() {
	p.client.Disconnect(250)
}

// HandleDeviceCommand services a device-initiated command. fields includes
// the token and command name.
func (p *MQTTProxy) HandleDeviceCommand(cmd string, fields [][]byte) {
	switch cmd {
	case "pub":
		if len(fields) != 4 {
			p.log.Error().Int("given", len(fields)).Msg("mqtt pub: 4 fields required")
			return
		}
		topic := string(fields[2])
		p.log.Info().Str("topic", topic).Int("bytes", len(fields[3])).Msg("mqtt pub")
		p.client.Publish(topic, 0, false, fields[3])

	case "sub":
		if len(fields) != 3 {
			p.log.Error().Int("given", len(fields)).Msg("mqtt sub: 3 fields required")
			return
		}
		topic := string(fields[2])
		p.mu.Lock()
		p.subs[topic] = struct{}{}
		p.mu.Unlock()
		p.log.Info().Str("topic", topic).Msg("mqtt sub")
		p.client.Subscribe(topic, 0, p.onMessage)

	case "unsub":
		if len(fields) != 3 {
			p.log.Error().Int("given", len(fields)).Msg("mqtt unsub: 3 fields required")
			return
		}
		topic := string(fields[2])
		p.log.Info().Str("topic", topic).Msg("mqtt unsub")
		if topic == "*" {
			p.mu.Lock()
			topics := make([]string, 0, len(p.subs))
			for t := range p.subs {
				topics = append(topics, t)
			}
			p.subs = make(map[string]struct{})
			p.mu.Unlock()
			if len(topics) > 0 {
				p.client.Unsubscribe(topics...)
			}
		} else {
			p.mu.Lock()
			delete(p.subs, topic)
			p.mu.Unlock()
			p.client.Unsubscribe(topic)
		}
	}
}

// onMessage forwards a broker message to the device.
func (p *MQTTProxy) onMessage(_ mqtt.Client, m mqtt.Message) {
	p.log.Info().Str("topic", m.Topic()).Int("bytes", len(m.Payload())).Msg("mqtt message")
	if err := p.session.SendNoRet([]byte("msg"), []byte(m.Topic()), m.Payload()); err != nil {
		p.log.Error().Err(err).Msg("msg delivery failed")
	}
}
