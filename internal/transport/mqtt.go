// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package transport

import (
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// MQTTOptions configures an MQTTBroker.
type MQTTOptions struct {
	URL              string // e.g. tcp://broker.emqx.io:1883 or ws://broker.emqx.io:8083/mqtt
	ClientID         string
	ConnectTimeout   time.Duration
	KeepAlive        time.Duration
	PublishTimeout   time.Duration
	SubscribeTimeout time.Duration
	QuiesceMillis    uint // grace period for a non-forced disconnect
	Backoff          Backoff
}

// ClientID returns prefix followed by a short random suffix so several
// instances of the same program can share a broker.
func ClientID(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString()[:8])
}

// MQTTBroker implements Broker with the paho MQTT client.
//
// The first connection is retried by MQTTBroker itself with opts.Backoff so
// every failed attempt is reported; once connected, paho's auto-reconnect
// takes over with the same bounds.
type MQTTBroker struct {
	opts   MQTTOptions
	client mqtt.Client

	stopOnce sync.Once
	stop     chan struct{}
}

// NewMQTTBroker creates a broker adapter; nothing is dialled until Connect.
func NewMQTTBroker(opts MQTTOptions) *MQTTBroker {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 2 * time.Second
	}
	if opts.SubscribeTimeout <= 0 {
		opts.SubscribeTimeout = 5 * time.Second
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 30 * time.Second
	}
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = DefaultBackoff()
	}
	if opts.QuiesceMillis == 0 {
		opts.QuiesceMillis = 250
	}
	return &MQTTBroker{opts: opts, stop: make(chan struct{})}
}

// Dial builds an MQTTBroker, wraps it in a Session and starts connecting.
func Dial(opts MQTTOptions, name string) (*Session, error) {
	s := NewSession(NewMQTTBroker(opts), name)
	if err := s.Connect(); err != nil {
		return nil, err
	}
	return s, nil
}

func (b *MQTTBroker) Connect(events Events) error {
	if b.opts.URL == "" {
		return fmt.Errorf("mqtt: broker url is empty")
	}

	opts := mqtt.NewClientOptions().
		AddBroker(b.opts.URL).
		SetClientID(b.opts.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(false).
		SetConnectTimeout(b.opts.ConnectTimeout).
		SetKeepAlive(b.opts.KeepAlive).
		SetMaxReconnectInterval(b.opts.Backoff.Max)

	opts.OnConnect = func(_ mqtt.Client) {
		if events.OnConnect != nil {
			events.OnConnect()
		}
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		if events.OnConnectionLost != nil {
			events.OnConnectionLost(err)
		}
	}
	opts.OnReconnecting = func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		if events.OnReconnecting != nil {
			events.OnReconnecting()
		}
	}

	b.client = mqtt.NewClient(opts)
	log.Printf("mqtt: connecting to %s as %s", b.opts.URL, b.opts.ClientID)

	go b.connectLoop(events)
	return nil
}

// connectLoop retries the initial connect with exponential backoff until it
// succeeds or Disconnect is called.
func (b *MQTTBroker) connectLoop(events Events) {
	for attempt := 1; ; attempt++ {
		token := b.client.Connect()
		var err error
		if !token.WaitTimeout(b.opts.ConnectTimeout + time.Second) {
			err = fmt.Errorf("connect timeout after %s", b.opts.ConnectTimeout)
		} else {
			err = token.Error()
		}
		if err == nil {
			return
		}

		if events.OnConnectFailed != nil {
			events.OnConnectFailed(err)
		}

		delay := b.opts.Backoff.Delay(attempt)
		timer := time.NewTimer(delay)
		select {
		case <-b.stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		if events.OnReconnecting != nil {
			events.OnReconnecting()
		}
	}
}

func (b *MQTTBroker) Publish(topic string, qos byte, retain bool, payload []byte, done func(error)) {
	if b.client == nil {
		done(ErrTransportUnavailable)
		return
	}
	token := b.client.Publish(topic, qos, retain, payload)
	go func() {
		if !token.WaitTimeout(b.opts.PublishTimeout) {
			done(fmt.Errorf("publish to %q timed out after %s", topic, b.opts.PublishTimeout))
			return
		}
		done(token.Error())
	}()
}

func (b *MQTTBroker) Subscribe(topic string, qos byte, handler Handler) error {
	if b.client == nil {
		return ErrTransportUnavailable
	}
	token := b.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(b.opts.SubscribeTimeout) {
		return fmt.Errorf("subscription timeout")
	}
	return token.Error()
}

func (b *MQTTBroker) Unsubscribe(topic string) error {
	if b.client == nil {
		return ErrTransportUnavailable
	}
	token := b.client.Unsubscribe(topic)
	if !token.WaitTimeout(b.opts.SubscribeTimeout) {
		return fmt.Errorf("unsubscribe timeout")
	}
	return token.Error()
}

func (b *MQTTBroker) Disconnect(force bool, done func()) {
	b.stopOnce.Do(func() { close(b.stop) })
	if b.client == nil {
		done()
		return
	}

	quiesce := b.opts.QuiesceMillis
	if force {
		quiesce = 0
	}
	go func() {
		b.client.Disconnect(quiesce)
		done()
	}()
}
