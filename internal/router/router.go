// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package router holds the active position topic for both sides of the
// pipeline.
//
// The two sides rebind differently. A producer picks up a new topic on the
// very next Send: commands already queued keep the topic they were enqueued
// with. A consumer keeps its old subscription after SetTopic and only moves
// when Resubscribe is called, which also starts a fresh track.
package router

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/relabs-tech/gps_remote/internal/gps"
	"github.com/relabs-tech/gps_remote/internal/queue"
	"github.com/relabs-tech/gps_remote/internal/transport"
)

// DefaultTopic is the topic used when none is configured.
const DefaultTopic = "user/gps/realtime_track"

var ErrInvalidTopic = errors.New("invalid topic")

// Sender accepts outbound commands; *queue.Queue satisfies it.
type Sender interface {
	Enqueue(queue.Entry) error
}

// Subscriber is the consumer side of the transport; *transport.Session
// satisfies it.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler transport.Handler) error
	Unsubscribe(topic string) error
}

// Sink receives the messages of the subscribed topic; *track.Accumulator
// satisfies it.
type Sink interface {
	Bind(topic string)
	Handler(topic string, payload []byte)
}

// Config wires a Router. A producer sets Sender, a consumer sets Subscriber
// and Sink; a process doing both sets all three.
type Config struct {
	Topic      string
	QoS        byte
	Sender     Sender
	Subscriber Subscriber
	Sink       Sink
}

type Router struct {
	cfg Config

	mu         sync.Mutex
	topic      string
	subscribed string // "" until the first successful Resubscribe
}

// New creates a router on cfg.Topic, or DefaultTopic when it is empty.
func New(cfg Config) (*Router, error) {
	topic := cfg.Topic
	if strings.TrimSpace(topic) == "" {
		topic = DefaultTopic
	}
	topic, err := normalize(topic)
	if err != nil {
		return nil, err
	}
	return &Router{cfg: cfg, topic: topic}, nil
}

// normalize trims name and rejects blank names and MQTT wildcards.
func normalize(name string) (string, error) {
	topic := strings.TrimSpace(name)
	if topic == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTopic)
	}
	if strings.ContainsAny(topic, "+#") {
		return "", fmt.Errorf("%w: %q contains a wildcard", ErrInvalidTopic, topic)
	}
	return topic, nil
}

// SetTopic changes the active topic. An invalid name returns ErrInvalidTopic
// and changes nothing.
func (r *Router) SetTopic(name string) error {
	topic, err := normalize(name)
	if err != nil {
		return err
	}

	r.mu.Lock()
	old := r.topic
	r.topic = topic
	r.mu.Unlock()

	if old != topic {
		log.Printf("router: topic %s -> %s", old, topic)
	}
	return nil
}

// Topic returns the active topic.
func (r *Router) Topic() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.topic
}

// Subscribed returns the topic the consumer side is subscribed to, or "".
func (r *Router) Subscribed() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subscribed
}

// Send enqueues p for the topic active at call time.
func (r *Router) Send(p gps.Position) error {
	if r.cfg.Sender == nil {
		return errors.New("router: no sender configured")
	}
	return r.cfg.Sender.Enqueue(queue.Entry{Position: p, Topic: r.Topic()})
}

// Resubscribe moves the consumer subscription to the active topic: the old
// topic is unsubscribed, the sink is bound to the new one (fresh track) and
// the new topic is subscribed. It is a no-op when already subscribed to the
// active topic.
func (r *Router) Resubscribe() error {
	if r.cfg.Subscriber == nil || r.cfg.Sink == nil {
		return errors.New("router: no subscriber configured")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	topic, old := r.topic, r.subscribed
	if old == topic {
		return nil
	}

	r.cfg.Sink.Bind(topic)
	if old != "" {
		if err := r.cfg.Subscriber.Unsubscribe(old); err != nil {
			log.Printf("router: unsubscribe %s: %v", old, err)
		}
		r.subscribed = ""
	}
	if err := r.cfg.Subscriber.Subscribe(topic, r.cfg.QoS, r.cfg.Sink.Handler); err != nil {
		return fmt.Errorf("router: %w", err)
	}
	r.subscribed = topic
	return nil
}
