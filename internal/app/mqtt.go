// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/relabs-tech/gps_remote/internal/config"
	"github.com/relabs-tech/gps_remote/internal/queue"
	"github.com/relabs-tech/gps_remote/internal/transport"
)

// mqttOptions builds the broker options for one process. name is appended
// to the client id prefix so the processes of one deployment are told apart.
func mqttOptions(cfg *config.Config, name string) transport.MQTTOptions {
	return transport.MQTTOptions{
		URL:            cfg.MQTTBroker,
		ClientID:       transport.ClientID(cfg.MQTTClientIDPrefix + "-" + name),
		ConnectTimeout: cfg.ConnectTimeoutDuration(),
		KeepAlive:      cfg.KeepAliveDuration(),
		PublishTimeout: cfg.PublishTimeoutDuration(),
		Backoff: transport.Backoff{
			Initial: cfg.ReconnectInitialDuration(),
			Max:     cfg.ReconnectMaxDuration(),
		},
	}
}

// dial starts connecting to the configured broker. The returned session is
// usable immediately; publishes fail fast until it is Connected.
func dial(cfg *config.Config, name string) (*transport.Session, error) {
	session, err := transport.Dial(mqttOptions(cfg, name), name)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", cfg.MQTTBroker, err)
	}
	return session, nil
}

// newQueue builds the command queue from cfg. Failed and dropped commands are
// already logged by the queue; onResult may be nil.
func newQueue(cfg *config.Config, pub queue.Publisher, onResult func(queue.Result)) (*queue.Queue, error) {
	overflow, err := queue.ParseOverflow(cfg.QueueOverflow)
	if err != nil {
		return nil, err
	}
	return queue.New(pub, queue.Options{
		QoS:      cfg.MQTTQoS,
		Retain:   cfg.MQTTRetain,
		Pause:    cfg.QueuePauseDuration(),
		Limit:    cfg.QueueLimit,
		Overflow: overflow,
		OnResult: onResult,
	}), nil
}

// teardown drains the queue (bounded by the disconnect timeout), discards
// what is left and disconnects. Callers stop their input sources first.
func teardown(cfg *config.Config, name string, q *queue.Queue, session *transport.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.DisconnectTimeoutDuration())
	defer cancel()

	if q != nil {
		if err := q.Drain(ctx); err != nil {
			log.Printf("%s: %v, %d commands discarded", name, err, q.Len())
		}
		q.Close()
	}
	if session != nil {
		if err := session.Disconnect(ctx, false); err != nil {
			log.Printf("%s: %v", name, err)
		}
	}
}

// signalContext is cancelled on Ctrl+C or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// subscribeWhenConnected calls resubscribe now and after every transition to
// Connected. resubscribe must be a no-op once subscribed; later reconnects
// are covered by the session, which re-issues its subscriptions.
func subscribeWhenConnected(name string, session *transport.Session, resubscribe func() error) (cancel func()) {
	try := func() {
		err := resubscribe()
		if err != nil && !errors.Is(err, transport.ErrTransportUnavailable) {
			log.Printf("%s: subscribe failed: %v", name, err)
		}
	}

	cancel = session.OnStatus(func(st transport.Status) {
		if st.State == transport.Connected {
			// status callbacks run on the broker's goroutine; subscribing
			// there would wait on the broker itself
			go try()
		}
	})
	if session.Connected() {
		try()
	}
	return cancel
}
