// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package track accumulates the positions received on one topic into the
// current position and an ordered path.
package track

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/relabs-tech/gps_remote/internal/gps"
)

// Stats contains accumulator counters.
type Stats struct {
	Topic     string    `json:"topic"`
	Points    int       `json:"points"`
	Accepted  uint64    `json:"accepted"`
	Malformed uint64    `json:"malformed"`
	Ignored   uint64    `json:"ignored"` // messages on other topics
	Trimmed   uint64    `json:"trimmed"`
	LastAt    time.Time `json:"last_at"`
}

// Accumulator holds the track of a single topic. Points are kept in arrival
// order; duplicates and out-of-order timestamps are stored as received.
type Accumulator struct {
	limit int
	now   func() time.Time

	mu        sync.RWMutex
	topic     string
	current   gps.Position
	have      bool
	points    []gps.Position
	stats     Stats
	listeners map[int]func(gps.Position)
	nextID    int
}

// New creates an accumulator bound to topic. limit bounds the path length,
// trimming the oldest points; 0 keeps every point.
func New(topic string, limit int) *Accumulator {
	if limit < 0 {
		limit = 0
	}
	return &Accumulator{
		limit:     limit,
		now:       time.Now,
		topic:     topic,
		listeners: make(map[int]func(gps.Position)),
	}
}

// OnMessage handles one message delivered by the transport. Messages on other
// topics are ignored. A payload that fails validation is logged and counted
// and leaves the state unchanged.
func (a *Accumulator) OnMessage(topic string, payload []byte) error {
	a.mu.Lock()
	if topic != a.topic {
		a.stats.Ignored++
		a.mu.Unlock()
		return nil
	}

	p, err := gps.Decode(payload)
	if err != nil {
		a.stats.Malformed++
		a.mu.Unlock()
		log.Printf("track: dropping message on %s: %v", topic, err)
		return fmt.Errorf("track: %w", err)
	}

	arrived := a.now()
	if p.TimestampMillis == 0 {
		p.TimestampMillis = arrived.UnixMilli()
	}

	a.current, a.have = p, true
	a.points = append(a.points, p)
	if a.limit > 0 && len(a.points) > a.limit {
		n := len(a.points) - a.limit
		a.points = append(a.points[:0], a.points[n:]...)
		a.stats.Trimmed += uint64(n)
	}
	a.stats.Accepted++
	a.stats.LastAt = arrived

	listeners := make([]func(gps.Position), 0, len(a.listeners))
	for _, fn := range a.listeners {
		listeners = append(listeners, fn)
	}
	a.mu.Unlock()

	for _, fn := range listeners {
		fn(p)
	}
	return nil
}

// Handler adapts OnMessage to a transport subscription callback.
func (a *Accumulator) Handler(topic string, payload []byte) {
	_ = a.OnMessage(topic, payload)
}

// Bind switches the accepted topic and starts a fresh track. Counters other
// than the topic survive.
func (a *Accumulator) Bind(topic string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.topic = topic
	a.current, a.have = gps.Position{}, false
	a.points = nil
}

// Topic returns the topic currently accepted.
func (a *Accumulator) Topic() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.topic
}

// Current returns the last accepted position; ok is false until one arrives.
func (a *Accumulator) Current() (p gps.Position, ok bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current, a.have
}

// Snapshot returns a copy of the path.
func (a *Accumulator) Snapshot() []gps.Position {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]gps.Position, len(a.points))
	copy(out, a.points)
	return out
}

func (a *Accumulator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.points)
}

func (a *Accumulator) Stats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	st := a.stats
	st.Topic = a.topic
	st.Points = len(a.points)
	return st
}

// Watch registers fn to be called, outside the lock, with every accepted
// position. The returned function removes it.
func (a *Accumulator) Watch(fn func(gps.Position)) (cancel func()) {
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.listeners[id] = fn
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		delete(a.listeners, id)
		a.mu.Unlock()
	}
}
