// Package notify publishes proctoring decisions to supervising dashboards.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-proctor/core"
	"github.com/trezcool/masomo-proctor/core/proctor"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

var ErrNotConnected = errors.New("mqtt not connected")

// publisher is the part of mqtt.Client the publisher needs.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTPublisher sends every decision to <topic>/<exam_id>/<session_id>/<decision kind>.
type MQTTPublisher struct {
	topic  string
	qos    byte
	logger core.Logger

	client  mqtt.Client
	publish publisher

	mu        sync.RWMutex
	connected bool
	published map[proctor.DecisionKind]uint64
	errors    uint64
}

var _ proctor.DecisionPublisher = (*MQTTPublisher)(nil)

func NewMQTTPublisher(conf core.MQTTConfig, logger core.Logger) *MQTTPublisher {
	p := &MQTTPublisher{
		topic:     conf.Topic,
		qos:       conf.QoS,
		logger:    logger,
		published: make(map[proctor.DecisionKind]uint64),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(conf.Broker)
	opts.SetClientID(conf.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		p.setConnected(true)
		logger.Info("mqtt connection established", map[string]interface{}{"broker": conf.Broker})
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		p.setConnected(false)
		logger.Warn("mqtt connection lost, will auto-reconnect", err)
	}

	p.client = mqtt.NewClient(opts)
	p.publish = p.client
	return p
}

// Connect waits for the first connection to the broker.
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	token := p.client.Connect()
	select {
	case <-token.Done():
	case <-time.After(connectTimeout):
		return errors.New("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return errors.Wrap(err, "mqtt connection failed")
	}
	p.setConnected(true)
	return nil
}

func (p *MQTTPublisher) Close() {
	p.setConnected(false)
	p.client.Disconnect(250)
}

func (p *MQTTPublisher) setConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
}

func (p *MQTTPublisher) Publish(ctx context.Context, ev proctor.Event) error {
	p.mu.RLock()
	connected := p.connected
	p.mu.RUnlock()
	if !connected {
		p.failed()
		return ErrNotConnected
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		p.failed()
		return errors.Wrap(err, "encoding decision")
	}

	token := p.publish.Publish(p.Topic(ev), p.qos, false, payload)
	select {
	case <-token.Done():
	case <-time.After(publishTimeout):
		p.failed()
		return errors.New("publish timeout")
	case <-ctx.Done():
		p.failed()
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		p.failed()
		return errors.Wrap(err, "publish failed")
	}

	p.mu.Lock()
	p.published[ev.Decision.Kind]++
	p.mu.Unlock()
	return nil
}

func (p *MQTTPublisher) Topic(ev proctor.Event) string {
	return fmt.Sprintf("%s/%s/%s/%s", p.topic, ev.ExamID, ev.SessionID, ev.Decision.Kind)
}

func (p *MQTTPublisher) failed() {
	p.mu.Lock()
	p.errors++
	p.mu.Unlock()
}

type Stats struct {
	Connected bool
	Published map[proctor.DecisionKind]uint64
	Errors    uint64
}

func (p *MQTTPublisher) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	published := make(map[proctor.DecisionKind]uint64, len(p.published))
	for k, v := range p.published {
		published[k] = v
	}
	return Stats{Connected: p.connected, Published: published, Errors: p.errors}
}
