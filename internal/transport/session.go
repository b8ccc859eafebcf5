// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"
)

type subscription struct {
	qos     byte
	handler Handler
}

// Session owns one broker connection and tracks its ConnectionState.
// State changes only in response to broker events; application code can
// start the connection and tear it down, nothing else.
//
// Subscriptions made through the session are re-issued after every
// reconnect.
type Session struct {
	broker Broker
	name   string
	now    func() time.Time

	mu          sync.Mutex
	status      Status
	started     bool
	closed      bool
	subs        map[string]subscription
	watchers    map[int]func(Status)
	nextWatcher int
	changed     chan struct{}
}

// NewSession creates a Disconnected session over broker. name prefixes log lines.
func NewSession(broker Broker, name string) *Session {
	s := &Session{
		broker:   broker,
		name:     name,
		now:      time.Now,
		subs:     make(map[string]subscription),
		watchers: make(map[int]func(Status)),
		changed:  make(chan struct{}),
	}
	s.status = Status{State: Disconnected, Since: s.now()}
	return s
}

// Connect starts the connection. It returns once the broker has started
// connecting; use WaitConnected to block until the first connect succeeds.
// Calling Connect again on a started session is a no-op.
func (s *Session) Connect() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.transition(Connecting, nil)

	err := s.broker.Connect(Events{
		OnConnect:        s.handleConnect,
		OnConnectionLost: s.handleConnectionLost,
		OnReconnecting:   s.handleReconnecting,
		OnConnectFailed:  s.handleConnectFailed,
	})
	if err != nil {
		s.transition(Errored, err)
		return fmt.Errorf("%s: connect: %w", s.name, err)
	}
	return nil
}

// WaitConnected blocks until the session is Connected, it is closed, or ctx
// is done.
func (s *Session) WaitConnected(ctx context.Context) error {
	for {
		s.mu.Lock()
		state, closed, ch := s.status.State, s.closed, s.changed
		s.mu.Unlock()

		if closed {
			return ErrClosed
		}
		if state == Connected {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return fmt.Errorf("%s: waiting for connection (%s): %w", s.name, state, ctx.Err())
		}
	}
}

// Publish hands payload to the broker. It never blocks: when the session is
// not Connected, done is called immediately (on the caller's goroutine) with
// an error wrapping ErrTransportUnavailable. Otherwise done is called once the
// broker reports completion.
func (s *Session) Publish(topic string, payload []byte, qos byte, retain bool, done func(error)) {
	if err := s.available(); err != nil {
		done(fmt.Errorf("publish to %q: %w", topic, err))
		return
	}
	s.broker.Publish(topic, qos, retain, payload, done)
}

// Subscribe registers handler for topic. It fails fast when not Connected.
// Successful subscriptions are re-issued after reconnects.
func (s *Session) Subscribe(topic string, qos byte, handler Handler) error {
	if err := s.available(); err != nil {
		return fmt.Errorf("subscribe to %q: %w", topic, err)
	}
	if err := s.broker.Subscribe(topic, qos, handler); err != nil {
		return fmt.Errorf("subscribe to %q: %w", topic, err)
	}

	s.mu.Lock()
	s.subs[topic] = subscription{qos: qos, handler: handler}
	s.mu.Unlock()

	log.Printf("%s: subscribed to %s (qos %d)", s.name, topic, qos)
	return nil
}

// Unsubscribe forgets topic. The broker is only told when Connected; a
// disconnected session simply will not re-issue it.
func (s *Session) Unsubscribe(topic string) error {
	s.mu.Lock()
	_, known := s.subs[topic]
	delete(s.subs, topic)
	s.mu.Unlock()

	if !known || s.available() != nil {
		return nil
	}
	if err := s.broker.Unsubscribe(topic); err != nil {
		return fmt.Errorf("unsubscribe from %q: %w", topic, err)
	}
	log.Printf("%s: unsubscribed from %s", s.name, topic)
	return nil
}

// Disconnect closes the session and waits for the broker's completion
// callback or ctx, whichever comes first. It is safe to call more than once
// and on a session that never connected. Broker events arriving afterwards
// are ignored, so no reconnect happens after teardown.
func (s *Session) Disconnect(ctx context.Context, force bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	s.mu.Unlock()

	if !started {
		s.transition(Disconnected, nil)
		return nil
	}

	done := make(chan struct{})
	s.broker.Disconnect(force, func() { close(done) })

	select {
	case <-done:
		s.transition(Disconnected, nil)
		log.Printf("%s: disconnected", s.name)
		return nil
	case <-ctx.Done():
		s.transition(Disconnected, nil)
		return fmt.Errorf("%s: disconnect did not complete: %w", s.name, ctx.Err())
	}
}

// Status returns the current connection status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Connected reports whether the session is currently Connected.
func (s *Session) Connected() bool {
	return s.available() == nil
}

// OnStatus registers fn to be called after every state transition. The
// returned function removes it.
func (s *Session) OnStatus(fn func(Status)) (cancel func()) {
	s.mu.Lock()
	id := s.nextWatcher
	s.nextWatcher++
	s.watchers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}

func (s *Session) available() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, ErrClosed)
	}
	if s.status.State != Connected {
		return fmt.Errorf("%w: session is %s", ErrTransportUnavailable, s.status.State)
	}
	return nil
}

func (s *Session) handleConnect() {
	if !s.transitionIfOpen(Connected, nil) {
		return
	}
	log.Printf("%s: connected", s.name)

	s.mu.Lock()
	subs := make(map[string]subscription, len(s.subs))
	for topic, sub := range s.subs {
		subs[topic] = sub
	}
	s.mu.Unlock()

	for topic, sub := range subs {
		if err := s.broker.Subscribe(topic, sub.qos, sub.handler); err != nil {
			log.Printf("%s: resubscribe to %s failed: %v", s.name, topic, err)
			continue
		}
		log.Printf("%s: resubscribed to %s", s.name, topic)
	}
}

func (s *Session) handleConnectionLost(err error) {
	if brokerDropped(err) {
		if s.transitionIfOpen(Offline, err) {
			log.Printf("%s: broker closed the connection, offline", s.name)
		}
		return
	}
	if s.transitionIfOpen(Errored, fmt.Errorf("%w: %v", ErrConnectionLost, err)) {
		log.Printf("%s: connection lost: %v", s.name, err)
	}
}

func (s *Session) handleConnectFailed(err error) {
	if s.transitionIfOpen(Errored, fmt.Errorf("%w: connect failed: %v", ErrConnectionLost, err)) {
		log.Printf("%s: connect failed: %v", s.name, err)
	}
}

func (s *Session) handleReconnecting() {
	s.mu.Lock()
	reason := s.status.Reason
	s.mu.Unlock()
	if s.transitionIfOpen(Reconnecting, reason) {
		log.Printf("%s: reconnecting", s.name)
	}
}

// brokerDropped reports whether err means the broker closed the stream
// rather than a local or network failure.
func brokerDropped(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

func (s *Session) transitionIfOpen(state State, reason error) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	st, watchers := s.setLocked(state, reason)
	s.mu.Unlock()
	notify(watchers, st)
	return true
}

func (s *Session) transition(state State, reason error) {
	s.mu.Lock()
	st, watchers := s.setLocked(state, reason)
	s.mu.Unlock()
	notify(watchers, st)
}

func (s *Session) setLocked(state State, reason error) (Status, []func(Status)) {
	s.status = Status{State: state, Reason: reason, Since: s.now()}
	close(s.changed)
	s.changed = make(chan struct{})

	watchers := make([]func(Status), 0, len(s.watchers))
	for _, fn := range s.watchers {
		watchers = append(watchers, fn)
	}
	return s.status, watchers
}

func notify(watchers []func(Status), st Status) {
	for _, fn := range watchers {
		fn(st)
	}
}
